// Package monitor watches refinement output and switches phases on or off once.
package monitor

import (
	"fmt"
	"math"

	"github.com/metalagman/autorefine/internal/config"
	"github.com/metalagman/autorefine/internal/descriptor"
	"github.com/metalagman/autorefine/internal/model"
	"github.com/rs/zerolog/log"
)

// Monitor is the state of one watched phase. Triggered is terminal.
type Monitor struct {
	Name      string
	Kind      config.PhaseKind
	Mode      config.TriggerMode
	Threshold float64
	History   []float64
	Triggered bool

	rule rule
	// pending makes a TIME rule fire on its next observation. Other rules re-decide from their
	// history and never set it.
	pending bool
}

// Observation is what the loop knows about the iteration that just finished.
type Observation struct {
	Position int
	Index    int
	Timecode int
	// Elapsed is nil without metadata.
	Elapsed *float64
	// NextElapsed is the elapsed time of the next planned iteration, nil on the last one.
	NextElapsed *float64
}

// EditMiss reports a decided transition whose scale line could not be rewritten.
type EditMiss struct {
	Phase    string
	Position int
	Err      error
}

func (e EditMiss) Error() string {
	return fmt.Sprintf("phase %s at position %d: %v", e.Phase, e.Position, e.Err)
}

// Outcome is the result of observing one output.
type Outcome struct {
	Events []model.TransitionEvent
	Misses []EditMiss
	// ScaleFactors holds the current scale value of every watched phase found in the output.
	ScaleFactors map[string]float64
	// FitMetric is NaN when the output has none.
	FitMetric float64
}

// Set holds every monitored phase of a run.
type Set struct {
	monitors  []*Monitor
	onValue   float64
	offValue  float64
	timeError float64
}

// NewSet builds monitors from config. Phases are expected to be validated already.
func NewSet(cfg config.MonitorConfig) *Set {
	s := &Set{onValue: cfg.OnScaleValue, offValue: cfg.OffScaleValue, timeError: cfg.TimeError}
	for _, p := range cfg.Phases {
		s.monitors = append(s.monitors, New(p))
	}
	return s
}

// New creates a watching monitor for one phase.
func New(p config.PhaseConfig) *Monitor {
	m := &Monitor{Name: p.Name, Kind: p.Kind, Mode: p.Mode, Threshold: p.Threshold}
	switch {
	case p.Kind == config.KindDisable:
		m.rule = disableOnScale{}
	case p.Mode == config.ModeTime:
		m.rule = enableOnTime{}
	default:
		m.rule = enableOnFitMetric{}
	}
	return m
}

// Monitors returns the phases in config order.
func (s *Set) Monitors() []*Monitor {
	return s.monitors
}

// Len returns the number of monitored phases.
func (s *Set) Len() int {
	return len(s.monitors)
}

// Observe reads output, advances every watching phase and applies the resulting scale edits to
// next, the descriptor that seeds the following iteration. output itself is never modified.
func (s *Set) Observe(output, next *descriptor.Snapshot, obs Observation) Outcome {
	res := Outcome{ScaleFactors: make(map[string]float64), FitMetric: math.NaN()}
	if v, ok := output.FitMetric(); ok {
		res.FitMetric = v
	}

	for _, m := range s.monitors {
		sig := signal{fitMetric: res.FitMetric, elapsed: obs.Elapsed, nextElapsed: obs.NextElapsed, timeError: s.timeError}
		if v, err := output.ScaleFactor(m.Name); err == nil {
			res.ScaleFactors[m.Name] = v
			sig.scale = v
		} else if m.Kind == config.KindDisable && !m.Triggered {
			res.Misses = append(res.Misses, EditMiss{Phase: m.Name, Position: obs.Position, Err: err})
			continue
		}
		if m.Triggered {
			continue
		}

		d := m.rule.evaluate(m, sig)
		if !d.fire {
			continue
		}

		value, kind := s.onValue, model.TransitionEnabled
		if m.Kind == config.KindDisable {
			value, kind = s.offValue, model.TransitionDisabled
		}
		if _, err := next.SetScale(m.Name, value, true); err != nil {
			miss := EditMiss{Phase: m.Name, Position: obs.Position, Err: err}
			log.Warn().Str("phase", m.Name).Int("position", obs.Position).Err(err).Msg("phase transition decided but not applied")
			res.Misses = append(res.Misses, miss)
			if _, ok := m.rule.(enableOnTime); ok {
				m.pending = true
			}
			continue
		}
		m.Triggered = true
		m.pending = false
		ev := model.TransitionEvent{
			Phase:    m.Name,
			Kind:     kind,
			Position: obs.Position,
			Index:    obs.Index,
			Timecode: obs.Timecode,
			Value:    d.value,
			Reason:   d.reason,
		}
		log.Info().
			Str("phase", m.Name).
			Str("transition", string(kind)).
			Int("position", obs.Position).
			Int("timecode", obs.Timecode).
			Str("reason", d.reason).
			Msg("phase transition")
		res.Events = append(res.Events, ev)
	}
	return res
}

type signal struct {
	scale       float64
	fitMetric   float64
	elapsed     *float64
	nextElapsed *float64
	timeError   float64
}

type decision struct {
	fire   bool
	value  float64
	reason string
}

// rule is implemented only by the three trigger variants below.
type rule interface {
	evaluate(m *Monitor, sig signal) decision
}

// disableOnScale fires once the scale factor decays to Threshold of its historical maximum.
type disableOnScale struct{}

func (disableOnScale) evaluate(m *Monitor, sig signal) decision {
	if math.IsNaN(sig.scale) || math.IsInf(sig.scale, 0) {
		return decision{}
	}
	m.History = append(m.History, sig.scale)
	peak := m.History[0]
	for _, v := range m.History[1:] {
		peak = math.Max(peak, v)
	}
	if peak <= 0 {
		return decision{}
	}
	ratio := sig.scale / peak
	if ratio > m.Threshold {
		return decision{}
	}
	return decision{
		fire:   true,
		value:  ratio,
		reason: fmt.Sprintf("scale %g is %.4g of max %g (threshold %g)", sig.scale, ratio, peak, m.Threshold),
	}
}

// enableOnTime fires at the planned sample closest to Threshold minutes, within the time error.
// When the next planned sample is closer the decision is deferred to it; a deferred rule fires
// on its next observation whatever the distance, so a skipped sample cannot swallow the trigger.
type enableOnTime struct{}

func (enableOnTime) evaluate(m *Monitor, sig signal) decision {
	if sig.elapsed == nil {
		return decision{}
	}
	now := *sig.elapsed
	m.History = append(m.History, now)
	dist := math.Abs(now - m.Threshold)
	fire := m.pending
	if !fire && dist <= sig.timeError {
		if sig.nextElapsed != nil && math.Abs(*sig.nextElapsed-m.Threshold) < dist {
			m.pending = true
			return decision{}
		}
		fire = true
	}
	if !fire {
		return decision{}
	}
	return decision{
		fire:   true,
		value:  now,
		reason: fmt.Sprintf("elapsed %.2f min, target %g ± %g", now, m.Threshold, sig.timeError),
	}
}

// enableOnFitMetric fires when the fit metric worsens by more than Threshold relative to its
// best value so far.
type enableOnFitMetric struct{}

func (enableOnFitMetric) evaluate(m *Monitor, sig signal) decision {
	if math.IsNaN(sig.fitMetric) {
		return decision{}
	}
	if len(m.History) == 0 {
		m.History = append(m.History, sig.fitMetric)
		return decision{}
	}
	best := m.History[0]
	for _, v := range m.History[1:] {
		best = math.Min(best, v)
	}
	if best <= 0 {
		m.History = append(m.History, sig.fitMetric)
		return decision{}
	}
	drift := (sig.fitMetric - best) / best
	if drift <= m.Threshold {
		m.History = append(m.History, sig.fitMetric)
		return decision{}
	}
	return decision{
		fire:   true,
		value:  drift,
		reason: fmt.Sprintf("fit metric %g is %.2f%% above best %g", sig.fitMetric, drift*100, best),
	}
}
