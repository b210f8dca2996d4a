package run

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Layout resolves the directories of one run under <state>/runs/<run-id>.
type Layout struct {
	RunDir string
}

// NewLayout returns the layout of runID inside stateDir.
func NewLayout(stateDir, runID string) Layout {
	return Layout{RunDir: filepath.Join(stateDir, "runs", runID)}
}

// WorkDir holds the working descriptor and whatever the engine writes next to it.
func (l Layout) WorkDir() string { return filepath.Join(l.RunDir, "work") }

// ResultsDir holds the archived per-iteration outputs.
func (l Layout) ResultsDir() string { return filepath.Join(l.RunDir, "results") }

// InputsDir holds the exact descriptors handed to the engine.
func (l Layout) InputsDir() string { return filepath.Join(l.RunDir, "inputs") }

// LogsDir holds engine stdout/stderr per iteration.
func (l Layout) LogsDir() string { return filepath.Join(l.RunDir, "logs") }

// InputPath is the archived input of a plan step.
func (l Layout) InputPath(step int) string {
	return filepath.Join(l.InputsDir(), fmt.Sprintf("%06d.inp", step))
}

// OutputPath is the archived raw output for an output name.
func (l Layout) OutputPath(name string) string {
	return filepath.Join(l.ResultsDir(), name+".out")
}

// Create makes every run directory.
func (l Layout) Create() error {
	for _, dir := range []string{l.WorkDir(), l.ResultsDir(), l.InputsDir(), l.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// collectProducts moves the per-iteration files the engine wrote into the work dir (result
// table, parameter dump, profile, reflection lists) to the results dir.
func (l Layout) collectProducts(name string) ([]string, error) {
	entries, err := os.ReadDir(l.WorkDir())
	if err != nil {
		return nil, fmt.Errorf("read work dir: %w", err)
	}
	var moved []string
	for _, entry := range entries {
		fn := entry.Name()
		if entry.IsDir() || !(strings.HasPrefix(fn, name+".") || strings.Contains(fn, "_"+name+".")) {
			continue
		}
		if err := os.Rename(filepath.Join(l.WorkDir(), fn), filepath.Join(l.ResultsDir(), fn)); err != nil {
			return moved, fmt.Errorf("move %s: %w", fn, err)
		}
		moved = append(moved, fn)
	}
	return moved, nil
}
