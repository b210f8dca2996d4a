package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/metalagman/autorefine/internal/model"
	"github.com/metalagman/autorefine/internal/run"
)

// Markdown builds the stored report of one run.
func Markdown(rec run.RunRecord, iterations []model.IterationResult, transitions []model.TransitionEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s\n\n", rec.RunID)
	fmt.Fprintf(&b, "- **Status:** %s\n", rec.Status)
	fmt.Fprintf(&b, "- **Created:** %s\n", rec.CreatedAt)
	if rec.FinishedAt != "" {
		fmt.Fprintf(&b, "- **Finished:** %s\n", rec.FinishedAt)
	}
	fmt.Fprintf(&b, "- **Template:** `%s`\n", rec.Template)
	fmt.Fprintf(&b, "- **Data:** `%s`\n", rec.DataDir)
	fmt.Fprintf(&b, "- **Iterations:** %d of %d planned, %d refined, %d skipped, %d failed\n\n",
		rec.CurrentStep, rec.Planned, rec.Refined, rec.Skipped, rec.Failed)

	b.WriteString("## Phase transitions\n\n")
	if len(transitions) == 0 {
		b.WriteString("None.\n\n")
	} else {
		b.WriteString("| Phase | Transition | Position | Timecode | Reason |\n|---|---|---|---|---|\n")
		for _, te := range transitions {
			fmt.Fprintf(&b, "| %s | %s | %d | %d | %s |\n", te.Phase, te.Kind, te.Position, te.Timecode, te.Reason)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Iterations\n\n")
	if len(iterations) == 0 {
		b.WriteString("None.\n")
		return b.String()
	}
	phases := phaseNames(iterations)
	b.WriteString("| Step | Position | Timecode | Elapsed (min) | T (°C) | Outcome | R_wp |")
	for _, p := range phases {
		fmt.Fprintf(&b, " %s |", p)
	}
	b.WriteString("\n|---|---|---|---|---|---|---|")
	b.WriteString(strings.Repeat("---|", len(phases)))
	b.WriteString("\n")
	for _, it := range iterations {
		fmt.Fprintf(&b, "| %d | %d | %d | %s | %s | %s | %s |",
			it.Step, it.Position, it.Timecode, formatOptional(it.Elapsed), formatOptional(it.Temperature),
			outcomeCell(it), formatFloat(it.FitMetric))
		for _, p := range phases {
			v, ok := it.ScaleFactors[p]
			if !ok {
				b.WriteString(" - |")
				continue
			}
			fmt.Fprintf(&b, " %s |", formatFloat(v))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func outcomeCell(it model.IterationResult) string {
	if it.Reason == "" {
		return string(it.Outcome)
	}
	return fmt.Sprintf("%s: %s", it.Outcome, strings.ReplaceAll(it.Reason, "|", "/"))
}

func phaseNames(iterations []model.IterationResult) []string {
	seen := make(map[string]bool)
	for _, it := range iterations {
		for name := range it.ScaleFactors {
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Render renders markdown for the terminal. An empty style picks one from the terminal.
func Render(markdown, style string, width int) (string, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", fmt.Errorf("create markdown renderer: %w", err)
	}
	out, err := r.Render(markdown)
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return out, nil
}
