// Package run implements the sequential refinement loop and its run log.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/metalagman/autorefine/internal/config"
	"github.com/metalagman/autorefine/internal/descriptor"
	"github.com/metalagman/autorefine/internal/engine"
	"github.com/metalagman/autorefine/internal/metadata"
	"github.com/metalagman/autorefine/internal/model"
	"github.com/metalagman/autorefine/internal/monitor"
	"github.com/metalagman/autorefine/internal/pattern"
	"github.com/metalagman/autorefine/internal/planner"
	"github.com/metalagman/autorefine/internal/quality"
	"github.com/metalagman/autorefine/internal/reconcile"
	"github.com/rs/zerolog/log"
)

// Plan is everything resolved before the first engine call.
type Plan struct {
	Patterns *pattern.Store
	// Metadata and Timeline are nil when nothing needs absolute times.
	Metadata  *metadata.Store
	Order     reconcile.OrderMap
	Timeline  *reconcile.Timeline
	Positions []int
}

// Elapsed returns the elapsed minutes of a corrected position, nil without metadata.
func (p *Plan) Elapsed(position int) *float64 {
	if p.Timeline == nil {
		return nil
	}
	v := p.Timeline.Elapsed(position)
	return &v
}

// Prepare scans the inputs and plans the run. Every error it returns is structural.
func Prepare(cfg config.Config) (*Plan, error) {
	patterns, err := pattern.Scan(cfg.Data.Dir, pattern.Options{
		Extension:        cfg.Data.Extension,
		TimecodeWidth:    cfg.Data.TimecodeWidth,
		TimecodePosition: cfg.Data.TimecodePosition,
	})
	if err != nil {
		return nil, err
	}
	if patterns.Len() == 0 {
		return nil, fmt.Errorf("no *.%s patterns with a timecode in %s", cfg.Data.Extension, cfg.Data.Dir)
	}
	p := &Plan{Patterns: patterns, Order: reconcile.Identity(patterns.Len())}

	if cfg.NeedsMetadata() {
		p.Metadata, err = metadata.Load(filepath.Join(cfg.Data.Dir, cfg.Data.MetadataDir), metadata.Options{
			Extension:        cfg.Data.MetadataExtension,
			TimecodeWidth:    cfg.Data.TimecodeWidth,
			TimecodePosition: cfg.Data.TimecodePosition,
			TimeKey:          cfg.Data.TimeKey,
			TemperatureKey:   cfg.Data.TemperatureKey,
		})
		if err != nil {
			return nil, err
		}
		absolute, err := p.Metadata.AbsoluteTimes(patterns.Timecodes())
		if err != nil {
			return nil, err
		}
		if cfg.Refinement.CheckOrder {
			p.Order = reconcile.Build(absolute)
			if !p.Order.IsIdentity() {
				log.Warn().Msg("metadata clock disagrees with filename order, patterns reordered")
			}
		}
		p.Timeline, err = reconcile.NewTimeline(absolute, p.Order)
		if err != nil {
			return nil, err
		}
	}

	req := planner.Request{Count: cfg.Refinement.Count, Reverse: cfg.Refinement.Reverse}
	if len(cfg.Refinement.TimeRange) == 2 {
		req.Window = &planner.Window{Start: cfg.Refinement.TimeRange[0], End: cfg.Refinement.TimeRange[1]}
	}
	var clock planner.Clock
	if p.Timeline != nil {
		clock = p.Timeline
	}
	p.Positions, err = planner.Plan(patterns.Len(), req, clock)
	if err != nil {
		return nil, fmt.Errorf("plan refinements: %w", err)
	}
	return p, nil
}

// Runner executes the refinement loop for one workspace.
type Runner struct {
	stateDir string
	cfg      config.Config
	store    *Store
	engine   engine.Runner

	// OnIteration, when set, is called after every committed iteration.
	OnIteration func(step, total int, res model.IterationResult)
}

// NewRunner constructs a Runner. A nil eng runs cfg.Engine.Cmd.
func NewRunner(stateDir string, cfg config.Config, store *Store, eng engine.Runner) *Runner {
	return &Runner{stateDir: stateDir, cfg: cfg, store: store, engine: eng}
}

// loop is the mutable state of one run.
type loop struct {
	runID    string
	layout   Layout
	plan     *Plan
	driver   *engine.Driver
	gate     *quality.Gate
	monitors *monitor.Set
	seed     *descriptor.Snapshot
	summary  model.RunSummary
}

// Run executes every planned iteration in order. Iteration-local problems are recorded and the
// loop advances; structural problems abort the run with an error. Cancelling ctx stops the run
// before the next engine call.
func (r *Runner) Run(ctx context.Context) (summary model.RunSummary, err error) {
	startedAt := time.Now().UTC()
	defer func() {
		if summary.RunID == "" {
			return
		}
		event := log.Info().
			Str("run_id", summary.RunID).
			Str("status", summary.Status).
			Int("refined", summary.Refined).
			Int("skipped", summary.Skipped).
			Int("failed", summary.Failed).
			Dur("duration", time.Since(startedAt))
		if err != nil {
			event = event.Err(err)
		}
		event.Msg("run finished")
	}()

	lock, ok, err := TryAcquireRunLock(r.stateDir)
	if err != nil {
		return model.RunSummary{}, err
	}
	if !ok {
		return model.RunSummary{}, ErrRunInProgress
	}
	defer func() { _ = lock.Release() }()

	if n, err := r.store.RecoverInterrupted(ctx); err != nil {
		return model.RunSummary{}, err
	} else if n > 0 {
		log.Warn().Int("runs", n).Msg("marked unfinished runs as interrupted")
	}

	plan, err := Prepare(r.cfg)
	if err != nil {
		return model.RunSummary{}, err
	}
	template, err := descriptor.Load(r.cfg.Template)
	if err != nil {
		return model.RunSummary{}, fmt.Errorf("load template: %w", err)
	}

	runID := newRunID()
	layout := NewLayout(r.stateDir, runID)
	if err := layout.Create(); err != nil {
		return model.RunSummary{RunID: runID}, err
	}
	workDir, err := filepath.Abs(layout.WorkDir())
	if err != nil {
		return model.RunSummary{RunID: runID}, fmt.Errorf("resolve work dir: %w", err)
	}
	eng := r.engine
	if eng == nil {
		if eng, err = engine.NewRunner(r.cfg.Engine, workDir); err != nil {
			return model.RunSummary{RunID: runID}, err
		}
	}

	if err := r.store.CreateRun(ctx, RunRecord{
		RunID:    runID,
		Template: r.cfg.Template,
		DataDir:  r.cfg.Data.Dir,
		RunDir:   layout.RunDir,
		Planned:  len(plan.Positions),
	}); err != nil {
		return model.RunSummary{RunID: runID}, err
	}
	log.Info().
		Str("run_id", runID).
		Int("patterns", plan.Patterns.Len()).
		Int("planned", len(plan.Positions)).
		Bool("reordered", !plan.Order.IsIdentity()).
		Str("run_dir", layout.RunDir).
		Msg("run started")

	l := &loop{
		runID:    runID,
		layout:   layout,
		plan:     plan,
		driver:   engine.NewDriver(eng, workDir, r.cfg.Engine.WorkingFile, layout.LogsDir()),
		gate:     quality.NewGate(r.cfg.Quality.SNRThreshold),
		monitors: monitor.NewSet(r.cfg.Monitor),
		seed:     template,
		summary:  model.RunSummary{RunID: runID, Planned: len(plan.Positions), Status: StatusRunning},
	}

	status := StatusCompleted
	var runErr error
	for step, pos := range plan.Positions {
		if ctx.Err() != nil {
			status = StatusCancelled
			log.Warn().Str("run_id", runID).Int("step", step).Msg("run cancelled before next iteration")
			break
		}
		if runErr = r.step(ctx, l, step, pos); runErr != nil {
			status = StatusFailed
			break
		}
	}

	l.summary.Status = status
	final := &Event{Type: EventRunFinished, Message: "run " + status}
	if runErr != nil {
		final.Message = runErr.Error()
	}
	// the run must be closed in the log even when ctx is already cancelled
	if err := r.store.UpdateRun(context.WithoutCancel(ctx), runID, runUpdate(l.summary, status, true), final); err != nil && runErr == nil {
		runErr = err
	}
	return l.summary, runErr
}

func runUpdate(s model.RunSummary, status string, finished bool) RunUpdate {
	return RunUpdate{
		CurrentStep: s.Refined + s.Skipped + s.Failed,
		Refined:     s.Refined,
		Skipped:     s.Skipped,
		Failed:      s.Failed,
		Status:      status,
		Finished:    finished,
	}
}

// step runs one iteration and commits it.
func (r *Runner) step(ctx context.Context, l *loop, step, pos int) error {
	started := time.Now().UTC()
	seen := len(l.summary.Events)
	res, events, err := r.iterate(ctx, l, step, pos)
	if err != nil {
		return err
	}

	counted := l.summary
	counted.Add(res)
	rec := IterationRecord{IterationResult: res, StartedAt: started, EndedAt: time.Now().UTC()}
	// a started iteration is always recorded, even if ctx was cancelled while the engine ran
	if err := r.store.CommitIteration(context.WithoutCancel(ctx), l.runID, rec, events, runUpdate(counted, StatusRunning, false)); err != nil {
		l.summary.Events = l.summary.Events[:seen]
		return err
	}
	l.summary.Add(res)

	ev := log.Info()
	if res.Outcome != model.OutcomeOK {
		ev = log.Warn().Str("reason", res.Reason)
	}
	ev.Str("run_id", l.runID).
		Int("step", step).
		Int("position", pos).
		Int("timecode", res.Timecode).
		Str("outcome", string(res.Outcome)).
		Msg("iteration finished")

	if r.OnIteration != nil {
		r.OnIteration(step, len(l.plan.Positions), res)
	}
	return nil
}

// iterate resolves, gates, refines and observes one planned position. The returned error is
// reserved for structural failures; everything else is expressed through the result outcome.
func (r *Runner) iterate(ctx context.Context, l *loop, step, pos int) (model.IterationResult, []Event, error) {
	nominal, err := l.plan.Order.Nominal(pos)
	if err != nil {
		return model.IterationResult{}, nil, err
	}
	rec, err := l.plan.Patterns.Resolve(nominal)
	if err != nil {
		return model.IterationResult{}, nil, err
	}
	res := model.IterationResult{
		Step:        step,
		Position:    pos,
		Index:       nominal,
		Timecode:    rec.Timecode,
		PatternPath: rec.Path,
		Outcome:     model.OutcomeOK,
		FitMetric:   math.NaN(),
		Elapsed:     l.plan.Elapsed(pos),
	}
	if l.plan.Metadata != nil {
		md, err := l.plan.Metadata.Lookup(rec.Timecode)
		if err != nil {
			return res, nil, err
		}
		res.Temperature = md.Temperature
	}

	if l.gate.Enabled() {
		intensities, err := pattern.ReadIntensities(rec.Path, r.cfg.Data.SkipRows)
		if err != nil {
			return skip(res, fmt.Sprintf("read pattern: %v", err)), []Event{skipEvent(res, err.Error())}, nil
		}
		if d := l.gate.Evaluate(intensities); d.Skip {
			return skip(res, d.Reason), []Event{skipEvent(res, d.Reason)}, nil
		}
	}

	patternPath, err := filepath.Abs(rec.Path)
	if err != nil {
		return res, nil, fmt.Errorf("resolve pattern path: %w", err)
	}
	id := descriptor.Identity{Timecode: rec.Timecode, TimecodeWidth: r.cfg.Data.TimecodeWidth, Index: pos + 1}
	res.OutputName = id.Name()

	refined, refineErr := l.driver.Refine(ctx, l.seed, engine.Iteration{
		Step:        step,
		Position:    pos,
		PatternPath: patternPath,
		Identity:    id,
	})
	if refined.Input != nil {
		input := refined.Input.Bytes()
		if err := os.WriteFile(l.layout.InputPath(step), input, 0o644); err != nil {
			return res, nil, fmt.Errorf("archive input: %w", err)
		}
		res.InputDigest = Digest(input)
	}
	if refineErr != nil {
		if errors.Is(refineErr, engine.ErrMissingOutput) {
			return fail(res, refineErr.Error()), []Event{failEvent(res, refineErr.Error())}, nil
		}
		return res, nil, refineErr
	}

	raw, err := os.ReadFile(refined.OutputPath)
	if err != nil {
		return fail(res, fmt.Sprintf("read output: %v", err)), []Event{failEvent(res, err.Error())}, nil
	}
	if err := os.WriteFile(l.layout.OutputPath(res.OutputName), raw, 0o644); err != nil {
		return fail(res, fmt.Sprintf("archive output: %v", err)), []Event{failEvent(res, err.Error())}, nil
	}
	res.OutputDigest = Digest(raw)
	if _, err := l.layout.collectProducts(res.OutputName); err != nil {
		log.Warn().Err(err).Str("run_id", l.runID).Int("step", step).Msg("failed to collect engine products")
	}

	output := descriptor.Parse(raw)
	next := output.Clone()
	obs := monitor.Observation{Position: pos, Index: nominal, Timecode: rec.Timecode, Elapsed: res.Elapsed}
	if step+1 < len(l.plan.Positions) {
		obs.NextElapsed = l.plan.Elapsed(l.plan.Positions[step+1])
	}
	observed := l.monitors.Observe(output, next, obs)
	res.FitMetric = observed.FitMetric
	if len(observed.ScaleFactors) > 0 {
		res.ScaleFactors = observed.ScaleFactors
	}

	var events []Event
	for _, te := range observed.Events {
		l.summary.Events = append(l.summary.Events, te)
		events = append(events, transitionEvent(te))
	}
	for _, miss := range observed.Misses {
		log.Warn().Str("run_id", l.runID).Str("phase", miss.Phase).Int("position", pos).Err(miss.Err).Msg("edit miss")
		events = append(events, Event{Type: EventEditMiss, Message: miss.Error()})
	}

	l.seed = next
	return res, events, nil
}

func skip(res model.IterationResult, reason string) model.IterationResult {
	res.Outcome = model.OutcomeSkipped
	res.Reason = reason
	return res
}

func fail(res model.IterationResult, reason string) model.IterationResult {
	res.Outcome = model.OutcomeFailed
	res.Reason = reason
	return res
}

func skipEvent(res model.IterationResult, reason string) Event {
	return Event{Type: EventSkipped, Message: fmt.Sprintf("position %d (%d): %s", res.Position, res.Timecode, reason)}
}

func failEvent(res model.IterationResult, reason string) Event {
	return Event{Type: EventFailed, Message: fmt.Sprintf("position %d (%d): %s", res.Position, res.Timecode, reason)}
}

func transitionEvent(te model.TransitionEvent) Event {
	typ := EventPhaseEnabled
	if te.Kind == model.TransitionDisabled {
		typ = EventPhaseDisabled
	}
	data, err := json.Marshal(te)
	if err != nil {
		log.Warn().Err(err).Str("phase", te.Phase).Int("position", te.Position).Msg("transition event data not recorded")
		data = nil
	}
	return Event{
		Type:     typ,
		Message:  fmt.Sprintf("%s %s at position %d: %s", te.Phase, te.Kind, te.Position, te.Reason),
		DataJSON: string(data),
	}
}

func newRunID() string {
	ts := time.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("%s-%s", ts, uuid.NewString()[:8])
}
