// Package model holds the records shared between the refinement loop, the run log and reporting.
package model

import "math"

// Outcome is the result class of a single iteration.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// TransitionKind tells whether a monitored phase was switched on or off.
type TransitionKind string

const (
	TransitionEnabled  TransitionKind = "enabled"
	TransitionDisabled TransitionKind = "disabled"
)

// IterationResult is the append-only record of one planned position.
type IterationResult struct {
	Step         int                `json:"step"`
	Position     int                `json:"position"`
	Index        int                `json:"index"`
	Timecode     int                `json:"timecode"`
	PatternPath  string             `json:"pattern_path"`
	Outcome      Outcome            `json:"outcome"`
	Reason       string             `json:"reason,omitempty"`
	FitMetric    float64            `json:"fit_metric"`
	ScaleFactors map[string]float64 `json:"scale_factors,omitempty"`
	Elapsed      *float64           `json:"elapsed_minutes,omitempty"`
	Temperature  *float64           `json:"temperature,omitempty"`
	OutputName   string             `json:"output_name,omitempty"`
	InputDigest  string             `json:"input_digest,omitempty"`
	OutputDigest string             `json:"output_digest,omitempty"`
}

// Skipped reports whether the quality gate (or an unreadable pattern) skipped the iteration.
func (r IterationResult) Skipped() bool {
	return r.Outcome == OutcomeSkipped
}

// Failed reports whether the engine did not produce its output.
func (r IterationResult) Failed() bool {
	return r.Outcome == OutcomeFailed
}

// HasFitMetric reports whether a fit metric was parsed from the engine output.
func (r IterationResult) HasFitMetric() bool {
	return !math.IsNaN(r.FitMetric)
}

// TransitionEvent records a one-way phase switch.
type TransitionEvent struct {
	Phase    string         `json:"phase"`
	Kind     TransitionKind `json:"kind"`
	Position int            `json:"position"`
	Index    int            `json:"index"`
	Timecode int            `json:"timecode"`
	Value    float64        `json:"value"`
	Reason   string         `json:"reason"`
}

// RunSummary is what the user sees at the end of a run.
type RunSummary struct {
	RunID   string            `json:"run_id"`
	Status  string            `json:"status"`
	Planned int               `json:"planned"`
	Refined int               `json:"refined"`
	Skipped int               `json:"skipped"`
	Failed  int               `json:"failed"`
	Events  []TransitionEvent `json:"events"`
}

// Add folds one iteration into the counters.
func (s *RunSummary) Add(res IterationResult) {
	switch res.Outcome {
	case OutcomeOK:
		s.Refined++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}
