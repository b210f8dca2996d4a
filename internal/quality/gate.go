// Package quality decides whether a raw pattern is worth refining.
package quality

import (
	"fmt"
	"math"
)

// Decision is the gate verdict for one pattern.
type Decision struct {
	SNR    float64
	Skip   bool
	Reason string
}

// Gate skips patterns whose mean/std ratio exceeds Threshold. A zero threshold disables it.
type Gate struct {
	Threshold float64
}

// NewGate creates a gate with the given threshold.
func NewGate(threshold float64) *Gate {
	return &Gate{Threshold: threshold}
}

// Enabled reports whether the gate evaluates patterns at all.
func (g *Gate) Enabled() bool {
	return g != nil && g.Threshold > 0
}

// Evaluate classifies a pattern from its intensities.
func (g *Gate) Evaluate(intensities []float64) Decision {
	if len(intensities) == 0 {
		return Decision{SNR: math.NaN(), Skip: true, Reason: "pattern has no intensity data"}
	}
	snr := SNR(intensities)
	if !g.Enabled() {
		return Decision{SNR: snr}
	}
	if snr > g.Threshold {
		return Decision{
			SNR:    snr,
			Skip:   true,
			Reason: fmt.Sprintf("snr %.3g above threshold %.3g", snr, g.Threshold),
		}
	}
	return Decision{SNR: snr}
}

// SNR returns mean / population standard deviation. A flat pattern yields +Inf.
func SNR(ys []float64) float64 {
	if len(ys) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, y := range ys {
		sum += y
	}
	mean := sum / float64(len(ys))
	var ss float64
	for _, y := range ys {
		d := y - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(len(ys)))
	if std == 0 {
		return math.Inf(1)
	}
	return mean / std
}
