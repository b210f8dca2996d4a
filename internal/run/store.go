package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/metalagman/autorefine/internal/model"
)

// ErrRunNotFound is returned when a run id is not in the run log.
var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusCancelled   = "cancelled"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// Event types written to the run log.
const (
	EventRunStarted     = "run_started"
	EventRunFinished    = "run_finished"
	EventRunInterrupted = "run_interrupted"
	EventSkipped        = "iteration_skipped"
	EventFailed         = "iteration_failed"
	EventEditMiss       = "edit_miss"
	EventPhaseEnabled   = "phase_enabled"
	EventPhaseDisabled  = "phase_disabled"
)

// Store persists runs, iterations and events.
type Store struct {
	db *sql.DB
}

// NewStore creates a store for run/iteration persistence.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID       string
	CreatedAt   string
	FinishedAt  string
	Status      string
	Template    string
	DataDir     string
	RunDir      string
	Planned     int
	CurrentStep int
	Refined     int
	Skipped     int
	Failed      int
}

// RunUpdate carries the mutable run columns.
type RunUpdate struct {
	CurrentStep int
	Refined     int
	Skipped     int
	Failed      int
	Status      string
	Finished    bool
}

// Event is a run log entry to insert.
type Event struct {
	Type     string
	Message  string
	DataJSON string
}

// EventRecord is a stored run log entry.
type EventRecord struct {
	Seq      int
	TS       string
	Type     string
	Message  string
	DataJSON string
}

// IterationRecord is a finished iteration with its wall-clock bounds.
type IterationRecord struct {
	model.IterationResult
	StartedAt time.Time
	EndedAt   time.Time
}

// CreateRun inserts the run record and a run_started event.
func (s *Store) CreateRun(ctx context.Context, rec RunRecord) error {
	createdAt := rec.CreatedAt
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin create run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(run_id, created_at, status, template, data_dir, run_dir, planned)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, createdAt, StatusRunning, rec.Template, rec.DataDir, rec.RunDir, rec.Planned); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert run: %w", err)
	}
	if err := insertEvent(ctx, tx, rec.RunID, EventRunStarted, fmt.Sprintf("run started, %d iterations planned", rec.Planned), ""); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	return nil
}

// UpdateRun applies a run update and optional event without inserting an iteration.
func (s *Store) UpdateRun(ctx context.Context, runID string, update RunUpdate, event *Event) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin update run: %w", err)
	}
	if event != nil {
		if err := insertEvent(ctx, tx, runID, event.Type, event.Message, event.DataJSON); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := updateRun(ctx, tx, runID, update); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update run: %w", err)
	}
	return nil
}

// CommitIteration inserts the iteration record, events, and updates the run in one transaction.
func (s *Store) CommitIteration(ctx context.Context, runID string, it IterationRecord, events []Event, update RunUpdate) error {
	scales, err := json.Marshal(finiteScales(it.ScaleFactors))
	if err != nil {
		return fmt.Errorf("marshal scale factors: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin commit iteration: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO iterations(run_id, step, position, nominal_index, timecode, pattern_path,
		outcome, reason, fit_metric, scale_factors_json, elapsed_minutes, temperature, output_name, input_digest, output_digest,
		started_at, ended_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, it.Step, it.Position, it.Index, it.Timecode, it.PatternPath,
		string(it.Outcome), nullableString(it.Reason), nullableFloat(it.FitMetric), string(scales),
		nullableFloatPtr(it.Elapsed), nullableFloatPtr(it.Temperature), nullableString(it.OutputName),
		nullableString(it.InputDigest), nullableString(it.OutputDigest),
		it.StartedAt.UTC().Format(time.RFC3339), it.EndedAt.UTC().Format(time.RFC3339)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert iteration: %w", err)
	}
	for _, ev := range events {
		if err := insertEvent(ctx, tx, runID, ev.Type, ev.Message, ev.DataJSON); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := updateRun(ctx, tx, runID, update); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit iteration: %w", err)
	}
	return nil
}

// RecoverInterrupted marks runs left in the running state by a crashed process as interrupted.
// Callers must hold the run lock.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runs WHERE status=?`, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate runs: %w", err)
	}

	for _, id := range ids {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
		if err != nil {
			return 0, fmt.Errorf("begin recover run: %w", err)
		}
		if err := insertEvent(ctx, tx, id, EventRunInterrupted, "run was not finished by its process", ""); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, finished_at=? WHERE run_id=?`,
			StatusInterrupted, time.Now().UTC().Format(time.RFC3339), id); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("mark run interrupted: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit recover run: %w", err)
		}
	}
	return len(ids), nil
}

const runColumns = `run_id, created_at, COALESCE(finished_at, ''), status, template, data_dir, run_dir,
	planned, current_step, refined, skipped, failed`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var r RunRecord
	err := row.Scan(&r.RunID, &r.CreatedAt, &r.FinishedAt, &r.Status, &r.Template, &r.DataDir, &r.RunDir,
		&r.Planned, &r.CurrentStep, &r.Refined, &r.Skipped, &r.Failed)
	return r, err
}

// ListRuns returns runs newest first. A non-positive limit returns all of them.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, run_id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id=?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return RunRecord{}, fmt.Errorf("read run: %w", err)
	}
	return r, nil
}

// Iterations returns a run's iterations in plan order.
func (s *Store) Iterations(ctx context.Context, runID string) ([]model.IterationResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT step, position, nominal_index, timecode, pattern_path, outcome,
		COALESCE(reason, ''), fit_metric, COALESCE(scale_factors_json, ''), elapsed_minutes, temperature,
		COALESCE(output_name, ''), COALESCE(input_digest, ''), COALESCE(output_digest, '')
		FROM iterations WHERE run_id=? ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.IterationResult
	for rows.Next() {
		var (
			it      model.IterationResult
			outcome string
			fit     sql.NullFloat64
			scales  string
			elapsed sql.NullFloat64
			temp    sql.NullFloat64
		)
		if err := rows.Scan(&it.Step, &it.Position, &it.Index, &it.Timecode, &it.PatternPath, &outcome,
			&it.Reason, &fit, &scales, &elapsed, &temp, &it.OutputName, &it.InputDigest, &it.OutputDigest); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		it.Outcome = model.Outcome(outcome)
		it.FitMetric = math.NaN()
		if fit.Valid {
			it.FitMetric = fit.Float64
		}
		if scales != "" && scales != "null" {
			if err := json.Unmarshal([]byte(scales), &it.ScaleFactors); err != nil {
				return nil, fmt.Errorf("decode scale factors of step %d: %w", it.Step, err)
			}
		}
		if elapsed.Valid {
			v := elapsed.Float64
			it.Elapsed = &v
		}
		if temp.Valid {
			v := temp.Float64
			it.Temperature = &v
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate iterations: %w", err)
	}
	return out, nil
}

// Events returns a run's log entries in order.
func (s *Store) Events(ctx context.Context, runID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, ts, type, message, COALESCE(data_json, '') FROM events
		WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EventRecord
	for rows.Next() {
		var ev EventRecord
		if err := rows.Scan(&ev.Seq, &ev.TS, &ev.Type, &ev.Message, &ev.DataJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Transitions decodes the phase transition events of a run.
func (s *Store) Transitions(ctx context.Context, runID string) ([]model.TransitionEvent, error) {
	events, err := s.Events(ctx, runID)
	if err != nil {
		return nil, err
	}
	var out []model.TransitionEvent
	for _, ev := range events {
		if ev.Type != EventPhaseEnabled && ev.Type != EventPhaseDisabled {
			continue
		}
		var te model.TransitionEvent
		if err := json.Unmarshal([]byte(ev.DataJSON), &te); err != nil {
			return nil, fmt.Errorf("decode transition event %d: %w", ev.Seq, err)
		}
		out = append(out, te)
	}
	return out, nil
}

func updateRun(ctx context.Context, tx *sql.Tx, runID string, update RunUpdate) error {
	var finishedAt any
	if update.Finished {
		finishedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET current_step=?, refined=?, skipped=?, failed=?, status=?,
		finished_at=COALESCE(?, finished_at) WHERE run_id=?`,
		update.CurrentStep, update.Refined, update.Skipped, update.Failed, update.Status, finishedAt, runID); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, runID, typ, message, dataJSON string) error {
	seq, err := nextSeq(ctx, tx, runID)
	if err != nil {
		return err
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(run_id, seq, ts, type, message, data_json) VALUES(?, ?, ?, ?, ?, ?)`,
		runID, seq, ts, typ, message, nullableString(dataJSON)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func nextSeq(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id=?`, runID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read event seq: %w", err)
	}
	return seq + 1, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// finiteScales drops values JSON cannot encode.
func finiteScales(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for name, v := range in {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[name] = v
	}
	return out
}

func nullableFloat(value float64) any {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	return value
}

func nullableFloatPtr(value *float64) any {
	if value == nil {
		return nil
	}
	return nullableFloat(*value)
}
