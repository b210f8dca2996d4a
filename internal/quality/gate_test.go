package quality

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSNR(t *testing.T) {
	t.Parallel()

	// mean 5, population std 2
	got := SNR([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 2.5, got, 1e-12)
}

func TestSNR_FlatPatternIsInfinite(t *testing.T) {
	t.Parallel()

	assert.True(t, math.IsInf(SNR([]float64{3, 3, 3, 3}), 1))
	assert.True(t, math.IsInf(SNR([]float64{0, 0}), 1))
	assert.True(t, math.IsNaN(SNR(nil)))
}

func TestGate_FlatPatternSkipped(t *testing.T) {
	t.Parallel()

	g := NewGate(10)
	var d Decision
	require.NotPanics(t, func() { d = g.Evaluate([]float64{100, 100, 100}) })
	assert.True(t, d.Skip)
	assert.Contains(t, d.Reason, "snr")
}

func TestGate_Threshold(t *testing.T) {
	t.Parallel()

	g := NewGate(3)
	noisy := g.Evaluate([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.False(t, noisy.Skip)
	assert.Empty(t, noisy.Reason)

	g = NewGate(2)
	quiet := g.Evaluate([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.True(t, quiet.Skip)
}

func TestGate_Disabled(t *testing.T) {
	t.Parallel()

	g := NewGate(0)
	assert.False(t, g.Enabled())
	d := g.Evaluate([]float64{1, 1, 1})
	assert.False(t, d.Skip)
	assert.True(t, math.IsInf(d.SNR, 1))

	var nilGate *Gate
	assert.False(t, nilGate.Enabled())
}

func TestGate_EmptyPatternSkipped(t *testing.T) {
	t.Parallel()

	d := NewGate(0).Evaluate(nil)
	assert.True(t, d.Skip)
	assert.Equal(t, "pattern has no intensity data", d.Reason)
}
