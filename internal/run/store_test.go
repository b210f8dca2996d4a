package run

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/metalagman/autorefine/internal/db"
	"github.com/metalagman/autorefine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "autorefine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return NewStore(database)
}

func TestStore_RunLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(ctx, RunRecord{RunID: "r1", Template: "t.inp", DataDir: "data", RunDir: "runs/r1", Planned: 2}))

	elapsed := 12.5
	now := time.Now()
	err := s.CommitIteration(ctx, "r1", IterationRecord{
		IterationResult: model.IterationResult{
			Step:         0,
			Position:     3,
			Index:        3,
			Timecode:     400,
			PatternPath:  "data/p_000400.xy",
			Outcome:      model.OutcomeOK,
			FitMetric:    8.25,
			ScaleFactors: map[string]float64{"sf_A": 0.5},
			Elapsed:      &elapsed,
			OutputName:   "result_000400_000004",
			InputDigest:  "in",
			OutputDigest: "out",
		},
		StartedAt: now,
		EndedAt:   now,
	}, []Event{{Type: EventPhaseDisabled, Message: "sf_A disabled", DataJSON: `{"phase":"sf_A","kind":"disabled","position":3}`}},
		RunUpdate{CurrentStep: 1, Refined: 1, Status: StatusRunning})
	require.NoError(t, err)

	err = s.CommitIteration(ctx, "r1", IterationRecord{
		IterationResult: model.IterationResult{
			Step:      1,
			Position:  3,
			Index:     3,
			Timecode:  400,
			Outcome:   model.OutcomeSkipped,
			Reason:    "snr",
			FitMetric: math.NaN(),
		},
		StartedAt: now,
		EndedAt:   now,
	}, nil, RunUpdate{CurrentStep: 2, Refined: 1, Skipped: 1, Status: StatusRunning})
	require.NoError(t, err)

	require.NoError(t, s.UpdateRun(ctx, "r1", RunUpdate{CurrentStep: 2, Refined: 1, Skipped: 1, Status: StatusCompleted, Finished: true},
		&Event{Type: EventRunFinished, Message: "run completed"}))

	rec, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.CurrentStep)
	assert.Equal(t, 1, rec.Skipped)
	assert.NotEmpty(t, rec.FinishedAt)

	iterations, err := s.Iterations(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, iterations, 2)
	assert.InDelta(t, 8.25, iterations[0].FitMetric, 1e-12)
	assert.Equal(t, map[string]float64{"sf_A": 0.5}, iterations[0].ScaleFactors)
	require.NotNil(t, iterations[0].Elapsed)
	assert.InDelta(t, 12.5, *iterations[0].Elapsed, 1e-12)
	assert.Nil(t, iterations[0].Temperature)
	assert.True(t, iterations[1].Skipped())
	assert.True(t, math.IsNaN(iterations[1].FitMetric))
	assert.Equal(t, 3, iterations[1].Position, "positions may repeat across steps")

	events, err := s.Events(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventRunStarted, events[0].Type)
	assert.Equal(t, 1, events[0].Seq)
	assert.Equal(t, EventRunFinished, events[2].Type)

	transitions, err := s.Transitions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "sf_A", transitions[0].Phase)
	assert.Equal(t, model.TransitionDisabled, transitions[0].Kind)
}

func TestStore_DuplicateStepRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(ctx, RunRecord{RunID: "r1", Planned: 1}))

	it := IterationRecord{IterationResult: model.IterationResult{Outcome: model.OutcomeOK, FitMetric: math.NaN()}}
	require.NoError(t, s.CommitIteration(ctx, "r1", it, nil, RunUpdate{CurrentStep: 1, Refined: 1, Status: StatusRunning}))
	require.Error(t, s.CommitIteration(ctx, "r1", it, nil, RunUpdate{CurrentStep: 1, Refined: 2, Status: StatusRunning}))

	rec, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Refined, "a rejected commit leaves the run untouched")
}

func TestStore_GetRunNotFound(t *testing.T) {
	t.Parallel()

	_, err := newTestStore(t).GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestStore_ListRunsAndRecover(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(ctx, RunRecord{RunID: "old", CreatedAt: "2026-01-01T00:00:00Z"}))
	require.NoError(t, s.CreateRun(ctx, RunRecord{RunID: "new", CreatedAt: "2026-02-01T00:00:00Z"}))
	require.NoError(t, s.UpdateRun(ctx, "old", RunUpdate{Status: StatusCompleted, Finished: true}, nil))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].RunID)

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	n, err := s.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := s.GetRun(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, rec.Status)
	rec, err = s.GetRun(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)

	events, err := s.Events(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, EventRunInterrupted, events[len(events)-1].Type)
}

func TestStore_CommitIterationNonFiniteValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(ctx, RunRecord{RunID: "r1", Template: "t.inp", DataDir: "data", RunDir: "runs/r1", Planned: 1}))

	now := time.Now()
	err := s.CommitIteration(ctx, "r1", IterationRecord{
		IterationResult: model.IterationResult{
			Timecode:     100,
			Outcome:      model.OutcomeOK,
			FitMetric:    math.Inf(1),
			ScaleFactors: map[string]float64{"sf_A": 0.5, "sf_B": math.NaN(), "sf_C": math.Inf(-1)},
		},
		StartedAt: now,
		EndedAt:   now,
	}, nil, RunUpdate{CurrentStep: 1, Refined: 1, Status: StatusRunning})
	require.NoError(t, err)

	iterations, err := s.Iterations(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, iterations, 1)
	assert.False(t, iterations[0].HasFitMetric())
	assert.Equal(t, map[string]float64{"sf_A": 0.5}, iterations[0].ScaleFactors)
}
