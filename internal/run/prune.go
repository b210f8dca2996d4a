package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// RetentionPolicy controls run cleanup. Running runs and the newest completed run are kept
// regardless of the policy, so `runs verify` always has a complete chain to compare against.
type RetentionPolicy struct {
	KeepLast int
	KeepDays int
}

// PrunedRun is a run removed by a prune, or selected for removal on a dry run.
type PrunedRun struct {
	RunID  string
	Status string
	// Iterations is the number of recorded iterations, Outputs how many of them archived an output.
	Iterations int
	Outputs    int
}

// PruneResult summarizes a prune operation.
type PruneResult struct {
	Considered int
	Kept       int
	// Skipped counts runs whose directory could not be removed; their records stay.
	Skipped int
	Pruned  []PrunedRun
}

// Deleted returns the number of pruned runs.
func (r PruneResult) Deleted() int {
	return len(r.Pruned)
}

// Outputs returns the number of archived engine outputs removed with the pruned runs.
func (r PruneResult) Outputs() int {
	n := 0
	for _, p := range r.Pruned {
		n += p.Outputs
	}
	return n
}

// retentionRow is a run as seen by the retention pass, newest first.
type retentionRow struct {
	PrunedRun
	createdAt time.Time
	parseErr  error
	runDir    string
}

func (s *Store) retentionRows(ctx context.Context) ([]retentionRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT r.run_id, r.created_at, r.status, r.run_dir,
		COUNT(i.step), COUNT(i.output_digest)
		FROM runs r LEFT JOIN iterations i ON i.run_id = r.run_id
		GROUP BY r.run_id
		ORDER BY r.created_at DESC, r.run_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs for retention: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []retentionRow
	for rows.Next() {
		var row retentionRow
		var createdAt string
		if err := rows.Scan(&row.RunID, &createdAt, &row.Status, &row.runDir, &row.Iterations, &row.Outputs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		row.createdAt, row.parseErr = time.Parse(time.RFC3339, createdAt)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (s *Store) deleteRun(ctx context.Context, runID string) error {
	// iterations and events go with the run through ON DELETE CASCADE
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id=?`, runID); err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	return nil
}

// keepReason returns why the run at idx survives, or "" when it can be pruned.
func keepReason(idx int, row retentionRow, reference string, policy RetentionPolicy, cutoff time.Time) string {
	switch {
	case row.Status == StatusRunning:
		return "running"
	case row.RunID == reference:
		return "latest completed"
	case policy.KeepLast > 0 && idx < policy.KeepLast:
		return "keep_last"
	case policy.KeepDays > 0 && (row.parseErr != nil || row.createdAt.After(cutoff)):
		return "keep_days"
	}
	return ""
}

// PruneRuns deletes runs outside the retention policy, their archives under runsDir and their
// iteration and event records. Callers must hold the run lock.
func PruneRuns(ctx context.Context, store *Store, runsDir string, policy RetentionPolicy, dryRun bool) (PruneResult, error) {
	if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
		return PruneResult{}, nil
	}
	var cutoff time.Time
	if policy.KeepDays > 0 {
		cutoff = time.Now().UTC().Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
	}

	runs, err := store.retentionRows(ctx)
	if err != nil {
		return PruneResult{}, err
	}
	var reference string
	for _, row := range runs {
		if row.Status == StatusCompleted {
			reference = row.RunID
			break
		}
	}

	res := PruneResult{Considered: len(runs)}
	for idx, row := range runs {
		if reason := keepReason(idx, row, reference, policy, cutoff); reason != "" {
			log.Debug().Str("run_id", row.RunID).Str("reason", reason).Msg("run kept")
			res.Kept++
			continue
		}
		if !dryRun {
			dir := row.runDir
			if dir == "" {
				dir = filepath.Join(runsDir, row.RunID)
			}
			if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("run_id", row.RunID).Msg("failed to remove run directory")
				res.Skipped++
				continue
			}
			if err := store.deleteRun(ctx, row.RunID); err != nil {
				return res, err
			}
		}
		log.Debug().
			Str("run_id", row.RunID).
			Str("status", row.Status).
			Int("iterations", row.Iterations).
			Int("outputs", row.Outputs).
			Bool("dry_run", dryRun).
			Msg("run pruned")
		res.Pruned = append(res.Pruned, row.PrunedRun)
	}
	return res, nil
}
