// Package engine invokes the external refinement engine and drives one refinement per call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/metalagman/autorefine/internal/config"
)

// Runner executes the engine against a descriptor file.
type Runner interface {
	Run(ctx context.Context, inputPath string, stdout, stderr io.Writer) (exitCode int, err error)
	Describe() RunnerInfo
}

// RunnerInfo describes how the engine is invoked.
type RunnerInfo struct {
	Cmd []string
	Dir string
}

// NewRunner constructs an exec runner for the given engine config. Commands run in dir unless
// the config pins a directory.
func NewRunner(cfg config.EngineConfig, dir string) (Runner, error) {
	if len(cfg.Cmd) == 0 {
		return nil, fmt.Errorf("engine requires cmd")
	}
	if cfg.Dir != "" {
		dir = cfg.Dir
	}
	return &execRunner{info: RunnerInfo{Cmd: append([]string(nil), cfg.Cmd...), Dir: dir}}, nil
}

type execRunner struct {
	info RunnerInfo
}

// Run blocks until the engine exits. A started engine is never interrupted: cancellation
// only takes effect between iterations.
func (r *execRunner) Run(ctx context.Context, inputPath string, stdout, stderr io.Writer) (int, error) {
	args := append(append([]string(nil), r.info.Cmd[1:]...), inputPath)
	cmd := exec.CommandContext(context.WithoutCancel(ctx), r.info.Cmd[0], args...)
	cmd.Dir = r.info.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), fmt.Errorf("engine exited with code %d: %w", exitErr.ExitCode(), err)
	}
	return -1, fmt.Errorf("start engine: %w", err)
}

func (r *execRunner) Describe() RunnerInfo {
	return r.info
}
