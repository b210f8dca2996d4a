package run

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	internaldb "github.com/metalagman/autorefine/internal/db"
	"github.com/metalagman/autorefine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPruneFixture(t *testing.T) (string, *Store) {
	t.Helper()
	stateDir := t.TempDir()
	database, err := internaldb.Open(filepath.Join(stateDir, "autorefine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return stateDir, NewStore(database)
}

// seedRun records a run of the given age and status with outputs archived iterations, plus one
// failed iteration without output.
func seedRun(t *testing.T, stateDir string, store *Store, id string, age time.Duration, status string, outputs int) string {
	t.Helper()
	ctx := context.Background()
	layout := NewLayout(stateDir, id)
	require.NoError(t, layout.Create())
	require.NoError(t, store.CreateRun(ctx, RunRecord{
		RunID:     id,
		CreatedAt: time.Now().UTC().Add(-age).Format(time.RFC3339),
		RunDir:    layout.RunDir,
	}))
	now := time.Now()
	for step := 0; step <= outputs; step++ {
		it := model.IterationResult{Step: step, Position: step, Timecode: 100 * (step + 1), Outcome: model.OutcomeOK, FitMetric: 10}
		if step < outputs {
			it.OutputDigest = "digest"
		} else {
			it.Outcome = model.OutcomeFailed
		}
		require.NoError(t, store.CommitIteration(ctx, id, IterationRecord{IterationResult: it, StartedAt: now, EndedAt: now},
			nil, RunUpdate{CurrentStep: step + 1, Status: StatusRunning}))
	}
	if status != StatusRunning {
		require.NoError(t, store.UpdateRun(ctx, id, RunUpdate{Status: status, Finished: true}, nil))
	}
	return layout.RunDir
}

func TestPruneRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stateDir, store := newPruneFixture(t)
	runsDir := filepath.Join(stateDir, "runs")

	newest := seedRun(t, stateDir, store, "r-newest", time.Hour, StatusCompleted, 1)
	active := seedRun(t, stateDir, store, "r-active", 90*24*time.Hour, StatusRunning, 0)
	stale := seedRun(t, stateDir, store, "r-stale", 60*24*time.Hour, StatusFailed, 3)
	recent := seedRun(t, stateDir, store, "r-recent", 2*24*time.Hour, StatusCompleted, 2)

	policy := RetentionPolicy{KeepLast: 1, KeepDays: 7}
	res, err := PruneRuns(ctx, store, runsDir, policy, true)
	require.NoError(t, err)
	assert.Equal(t, PruneResult{
		Considered: 4,
		Kept:       3,
		Pruned:     []PrunedRun{{RunID: "r-stale", Status: StatusFailed, Iterations: 4, Outputs: 3}},
	}, res)
	assert.DirExists(t, stale, "dry run deletes nothing")

	res, err = PruneRuns(ctx, store, runsDir, policy, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted())
	assert.Equal(t, 3, res.Outputs())

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = store.GetRun(ctx, "r-stale")
	require.ErrorIs(t, err, ErrRunNotFound)
	iterations, err := store.Iterations(ctx, "r-stale")
	require.NoError(t, err)
	assert.Empty(t, iterations, "iteration records go with the run")
	for _, dir := range []string{newest, active, recent} {
		assert.DirExists(t, dir)
	}
}

func TestPruneRuns_KeepsLatestCompleted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stateDir, store := newPruneFixture(t)

	seedRun(t, stateDir, store, "r-failed", time.Hour, StatusFailed, 0)
	seedRun(t, stateDir, store, "r-cancelled", 2*time.Hour, StatusCancelled, 1)
	reference := seedRun(t, stateDir, store, "r-completed", 30*24*time.Hour, StatusCompleted, 5)
	seedRun(t, stateDir, store, "r-older", 40*24*time.Hour, StatusCompleted, 5)

	res, err := PruneRuns(ctx, store, filepath.Join(stateDir, "runs"), RetentionPolicy{KeepLast: 1}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Kept)
	var pruned []string
	for _, p := range res.Pruned {
		pruned = append(pruned, p.RunID)
	}
	assert.Equal(t, []string{"r-cancelled", "r-older"}, pruned)
	assert.DirExists(t, reference, "the newest completed run survives keep_last")

	rec, err := store.GetRun(ctx, "r-completed")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestPruneRuns_NoPolicy(t *testing.T) {
	t.Parallel()

	database, err := internaldb.Open(filepath.Join(t.TempDir(), "autorefine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	res, err := PruneRuns(context.Background(), NewStore(database), t.TempDir(), RetentionPolicy{}, false)
	require.NoError(t, err)
	assert.Zero(t, res)
}
