package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/metalagman/autorefine/internal/descriptor"
	"github.com/metalagman/autorefine/internal/logging"
	"github.com/rs/zerolog/log"
)

// ErrMissingOutput is the only failure signal the engine gives: it did not write its output descriptor.
var ErrMissingOutput = errors.New("engine produced no output descriptor")

// Iteration identifies one refinement.
type Iteration struct {
	// Step is the iteration's place in the plan; positions may repeat, steps do not.
	Step        int
	Position    int
	PatternPath string
	Identity    descriptor.Identity
}

// Result describes a finished engine invocation.
type Result struct {
	// Input is the exact descriptor handed to the engine.
	Input      *descriptor.Snapshot
	InputPath  string
	OutputPath string
	// Changed lists the lines rewritten from the seed.
	Changed  []int
	ExitCode int
	Duration time.Duration
}

// Driver owns the working descriptor for the duration of each iteration.
type Driver struct {
	runner      Runner
	workDir     string
	workingFile string
	logsDir     string
}

// NewDriver creates a driver writing workingFile (e.g. Dummy.inp) inside workDir and engine
// logs inside logsDir.
func NewDriver(runner Runner, workDir, workingFile, logsDir string) *Driver {
	return &Driver{runner: runner, workDir: workDir, workingFile: workingFile, logsDir: logsDir}
}

// InputPath returns the absolute working descriptor path.
func (d *Driver) InputPath() string {
	return filepath.Join(d.workDir, d.workingFile)
}

// OutputPath returns where the engine writes its output descriptor.
func (d *Driver) OutputPath() string {
	return filepath.Join(d.workDir, strings.TrimSuffix(d.workingFile, filepath.Ext(d.workingFile))+".out")
}

// Refine rewrites a copy of seed for it, writes the working file, runs the engine and confirms
// the output descriptor exists. The seed itself is never modified. The engine's exit status is
// logged but only a missing output is reported as failure.
func (d *Driver) Refine(ctx context.Context, seed *descriptor.Snapshot, it Iteration) (Result, error) {
	input := seed.Clone()
	res := Result{
		Input:      input,
		InputPath:  d.InputPath(),
		OutputPath: d.OutputPath(),
		Changed:    input.ApplyIdentity(it.PatternPath, it.Identity),
	}

	if err := input.WriteFile(res.InputPath); err != nil {
		return res, err
	}
	if err := os.Remove(res.OutputPath); err != nil && !os.IsNotExist(err) {
		return res, fmt.Errorf("remove stale output: %w", err)
	}

	if err := os.MkdirAll(d.logsDir, 0o755); err != nil {
		return res, fmt.Errorf("create logs dir: %w", err)
	}
	stdoutFile, err := os.Create(filepath.Join(d.logsDir, fmt.Sprintf("%06d-stdout.txt", it.Step)))
	if err != nil {
		return res, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() {
		if cErr := stdoutFile.Close(); cErr != nil {
			log.Warn().Err(cErr).Msg("failed to close stdout log")
		}
	}()
	stderrFile, err := os.Create(filepath.Join(d.logsDir, fmt.Sprintf("%06d-stderr.txt", it.Step)))
	if err != nil {
		return res, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() {
		if cErr := stderrFile.Close(); cErr != nil {
			log.Warn().Err(cErr).Msg("failed to close stderr log")
		}
	}()

	log.Debug().
		Int("step", it.Step).
		Int("position", it.Position).
		Str("pattern", it.PatternPath).
		Str("output_name", it.Identity.Name()).
		Str("input", res.InputPath).
		Msg("engine start")

	stderrWriter := logging.Tee(stderrFile)
	started := time.Now()
	exitCode, runErr := d.runner.Run(ctx, res.InputPath, logging.Tee(stdoutFile), stderrWriter)
	res.ExitCode = exitCode
	res.Duration = time.Since(started)

	finishEvent := log.Debug().
		Int("position", it.Position).
		Int("exit_code", exitCode).
		Dur("duration", res.Duration)
	if runErr != nil {
		finishEvent = finishEvent.Err(runErr)
		_, _ = fmt.Fprintln(stderrWriter, runErr)
	}
	finishEvent.Msg("engine finished")

	if _, err := os.Stat(res.OutputPath); err != nil {
		if os.IsNotExist(err) {
			return res, fmt.Errorf("%w: %s (exit code %d)", ErrMissingOutput, filepath.Base(res.OutputPath), exitCode)
		}
		return res, fmt.Errorf("stat engine output: %w", err)
	}
	return res, nil
}
