package monitor

import (
	"fmt"
	"math"
	"testing"

	"github.com/metalagman/autorefine/internal/config"
	"github.com/metalagman/autorefine/internal/descriptor"
	"github.com/metalagman/autorefine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func output(rwp, scaleX float64) *descriptor.Snapshot {
	return descriptor.Parse([]byte(fmt.Sprintf(
		"r_wp %g\nxdd \"p.xy\"\nstr\n\tscale sf_X %g`_0.001\nstr\n\tscale sf_Y 0.2\n", rwp, scaleX)))
}

func monitorConfig(phases ...config.PhaseConfig) config.MonitorConfig {
	return config.MonitorConfig{TimeError: 1.1, OnScaleValue: 1e-5, OffScaleValue: 1e-100, Phases: phases}
}

func ptr(v float64) *float64 { return &v }

func TestDisable_TriggersAtFourthIteration(t *testing.T) {
	t.Parallel()

	set := NewSet(monitorConfig(config.PhaseConfig{Name: "X", Kind: config.KindDisable, Mode: config.ModeScaleFactor, Threshold: 0.01}))
	scales := []float64{1.0, 0.5, 0.15, 0.008}

	var fired []int
	for i, sf := range scales {
		out := output(10, sf)
		next := out.Clone()
		res := set.Observe(out, next, Observation{Position: i})
		require.Empty(t, res.Misses)
		assert.InDelta(t, sf, res.ScaleFactors["X"], 1e-12)
		for _, ev := range res.Events {
			assert.Equal(t, model.TransitionDisabled, ev.Kind)
			assert.InDelta(t, 0.008, ev.Value, 1e-12)
			fired = append(fired, i+1)
			assert.Equal(t, "\tscale sf_X 1e-100 min 0\n", next.Line(3))
			assert.Equal(t, "\tscale sf_X 0.008`_0.001\n", out.Line(3), "the captured output is never edited")
		}
		if len(res.Events) == 0 {
			assert.Empty(t, descriptor.Diff(out, next), "no edit while watching")
		}
	}
	assert.Equal(t, []int{4}, fired)

	m := set.Monitors()[0]
	assert.True(t, m.Triggered)
	assert.Equal(t, scales, m.History)
}

func TestDisable_ZeroMaxMakesNoDecision(t *testing.T) {
	t.Parallel()

	set := NewSet(monitorConfig(config.PhaseConfig{Name: "X", Kind: config.KindDisable, Threshold: 0.5}))
	for i := 0; i < 3; i++ {
		out := output(10, 0)
		res := set.Observe(out, out.Clone(), Observation{Position: i})
		assert.Empty(t, res.Events)
	}
	assert.False(t, set.Monitors()[0].Triggered)
}

func TestTriggeredFlipsAtMostOnce(t *testing.T) {
	t.Parallel()

	set := NewSet(monitorConfig(config.PhaseConfig{Name: "X", Kind: config.KindDisable, Threshold: 0.9}))
	events := 0
	for i, sf := range []float64{1, 0.1, 0.01, 0.001, 0.0001} {
		out := output(10, sf)
		next := out.Clone()
		res := set.Observe(out, next, Observation{Position: i})
		events += len(res.Events)
		if i > 1 {
			assert.Empty(t, descriptor.Diff(out, next))
		}
	}
	assert.Equal(t, 1, events)
}

func TestEnableOnTime_TriggersAtClosestSample(t *testing.T) {
	t.Parallel()

	set := NewSet(monitorConfig(config.PhaseConfig{Name: "Y", Kind: config.KindEnable, Mode: config.ModeTime, Threshold: 30}))
	elapsed := []float64{28.0, 29.2, 30.4, 31.9}

	var fired []int
	for i := range elapsed {
		obs := Observation{Position: i, Elapsed: ptr(elapsed[i])}
		if i+1 < len(elapsed) {
			obs.NextElapsed = ptr(elapsed[i+1])
		}
		out := output(10, 1)
		next := out.Clone()
		res := set.Observe(out, next, obs)
		for _, ev := range res.Events {
			assert.Equal(t, model.TransitionEnabled, ev.Kind)
			assert.Equal(t, "\tscale sf_Y 1e-05 min 0\n", next.Line(5))
			fired = append(fired, i+1)
		}
	}
	assert.Equal(t, []int{3}, fired)
}

func TestEnableOnTime_WithoutLookahead(t *testing.T) {
	t.Parallel()

	set := NewSet(monitorConfig(config.PhaseConfig{Name: "Y", Kind: config.KindEnable, Mode: config.ModeTime, Threshold: 30}))
	var fired []int
	for i, e := range []float64{28.0, 29.2, 30.4, 31.9} {
		out := output(10, 1)
		res := set.Observe(out, out.Clone(), Observation{Position: i, Elapsed: ptr(e)})
		if len(res.Events) > 0 {
			fired = append(fired, i+1)
		}
	}
	assert.Equal(t, []int{2}, fired)
}

func TestEnableOnTime_DeferredSampleSkipped(t *testing.T) {
	t.Parallel()

	set := NewSet(monitorConfig(config.PhaseConfig{Name: "Y", Kind: config.KindEnable, Mode: config.ModeTime, Threshold: 30}))
	out := output(10, 1)

	res := set.Observe(out, out.Clone(), Observation{Position: 1, Elapsed: ptr(29.2), NextElapsed: ptr(30.4)})
	assert.Empty(t, res.Events)

	// the 30.4 sample was skipped by the quality gate; the next observed one still fires
	res = set.Observe(out, out.Clone(), Observation{Position: 3, Elapsed: ptr(31.9)})
	require.Len(t, res.Events, 1)
	assert.Equal(t, 3, res.Events[0].Position)
}

func TestEnableOnTime_MissingElapsed(t *testing.T) {
	t.Parallel()

	set := NewSet(monitorConfig(config.PhaseConfig{Name: "Y", Kind: config.KindEnable, Mode: config.ModeTime, Threshold: 0}))
	out := output(10, 1)
	res := set.Observe(out, out.Clone(), Observation{})
	assert.Empty(t, res.Events)
	assert.Empty(t, set.Monitors()[0].History)
}

func TestEnableOnFitMetric(t *testing.T) {
	t.Parallel()

	set := NewSet(monitorConfig(config.PhaseConfig{Name: "Y", Kind: config.KindEnable, Mode: config.ModeFitMetric, Threshold: 0.1}))
	rwps := []float64{10, 9, 9.5, 9.8, 10.2}

	var fired []int
	for i, rwp := range rwps {
		out := output(rwp, 1)
		res := set.Observe(out, out.Clone(), Observation{Position: i})
		assert.InDelta(t, rwp, res.FitMetric, 1e-12)
		if len(res.Events) > 0 {
			fired = append(fired, i+1)
			// (10.2 - 9) / 9
			assert.InDelta(t, 1.2/9, res.Events[0].Value, 1e-12)
		}
	}
	assert.Equal(t, []int{5}, fired)
	assert.Equal(t, []float64{10, 9, 9.5, 9.8}, set.Monitors()[0].History)
}

func TestEditMissIsReported(t *testing.T) {
	t.Parallel()

	set := NewSet(monitorConfig(
		config.PhaseConfig{Name: "Gone", Kind: config.KindDisable, Threshold: 0.5},
		config.PhaseConfig{Name: "Y", Kind: config.KindEnable, Mode: config.ModeTime, Threshold: 5},
	))
	out := output(10, 1)
	next := descriptor.Parse([]byte("r_wp 10\n"))

	res := set.Observe(out, next, Observation{Position: 0, Elapsed: ptr(5)})
	require.Len(t, res.Misses, 2)
	assert.Equal(t, "Gone", res.Misses[0].Phase)
	assert.ErrorIs(t, res.Misses[1].Err, descriptor.ErrNoScaleLine)
	assert.Empty(t, res.Events)
	for _, m := range set.Monitors() {
		assert.False(t, m.Triggered)
	}

	// the enable retries on the next observation and succeeds once the line is there
	next = out.Clone()
	res = set.Observe(out, next, Observation{Position: 1, Elapsed: ptr(9)})
	require.Len(t, res.Events, 1)
	assert.Equal(t, "Y", res.Events[0].Phase)
}

func TestDisable_NonFiniteScaleIsAMiss(t *testing.T) {
	t.Parallel()

	set := NewSet(monitorConfig(config.PhaseConfig{Name: "X", Kind: config.KindDisable, Mode: config.ModeScaleFactor, Threshold: 0.01}))
	for i, sf := range []float64{1.0, math.NaN(), math.Inf(1), 0.5} {
		out := output(10, sf)
		next := out.Clone()
		res := set.Observe(out, next, Observation{Position: i})
		assert.Empty(t, res.Events, "iteration %d", i)
		assert.Empty(t, descriptor.Diff(out, next))
		if math.IsNaN(sf) || math.IsInf(sf, 0) {
			require.Len(t, res.Misses, 1)
			assert.ErrorIs(t, res.Misses[0].Err, descriptor.ErrNonFinite)
			assert.NotContains(t, res.ScaleFactors, "X")
		} else {
			assert.Empty(t, res.Misses)
		}
	}

	m := set.Monitors()[0]
	assert.False(t, m.Triggered)
	assert.Equal(t, []float64{1.0, 0.5}, m.History)
}

func TestEditMiss_PendingOnlyForTimeRule(t *testing.T) {
	t.Parallel()

	set := NewSet(monitorConfig(
		config.PhaseConfig{Name: "X", Kind: config.KindDisable, Mode: config.ModeScaleFactor, Threshold: 0.5},
		config.PhaseConfig{Name: "Y", Kind: config.KindEnable, Mode: config.ModeTime, Threshold: 5},
	))
	set.Observe(output(10, 1), output(10, 1), Observation{Position: 0, Elapsed: ptr(0)})

	// the next seed has no scale lines at all, so both decided edits miss
	res := set.Observe(output(10, 0.1), descriptor.Parse([]byte("r_wp 10\n")), Observation{Position: 1, Elapsed: ptr(5)})
	require.Len(t, res.Misses, 2)
	assert.False(t, set.Monitors()[0].pending)
	assert.True(t, set.Monitors()[1].pending)
}

func TestNewSet_Variants(t *testing.T) {
	t.Parallel()

	set := NewSet(monitorConfig(
		config.PhaseConfig{Name: "a", Kind: config.KindDisable, Mode: config.ModeScaleFactor},
		config.PhaseConfig{Name: "b", Kind: config.KindEnable, Mode: config.ModeTime},
		config.PhaseConfig{Name: "c", Kind: config.KindEnable, Mode: config.ModeFitMetric},
	))
	require.Equal(t, 3, set.Len())
	assert.IsType(t, disableOnScale{}, set.Monitors()[0].rule)
	assert.IsType(t, enableOnTime{}, set.Monitors()[1].rule)
	assert.IsType(t, enableOnFitMetric{}, set.Monitors()[2].rule)
}
