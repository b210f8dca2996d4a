// Package report renders run progress, summaries and stored run reports for the terminal.
package report

import (
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/metalagman/autorefine/internal/model"
)

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	skippedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	headerStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// Progress prints one static progress line per finished iteration.
type Progress struct {
	w   io.Writer
	bar progress.Model
}

// NewProgress creates a progress printer with a bar of the given width.
func NewProgress(w io.Writer, width int) *Progress {
	return &Progress{
		w:   w,
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(width)),
	}
}

// Update prints the line for iteration step of total.
func (p *Progress) Update(step, total int, res model.IterationResult) {
	if total <= 0 {
		return
	}
	done := step + 1
	_, _ = fmt.Fprintf(p.w, "%s %*d/%d  %s  %s\n",
		p.bar.ViewAs(float64(done)/float64(total)),
		len(fmt.Sprint(total)), done, total,
		describe(res),
		outcome(res.Outcome))
}

func describe(res model.IterationResult) string {
	if res.OutputName != "" {
		return res.OutputName
	}
	return fmt.Sprintf("timecode %d", res.Timecode)
}

func outcome(o model.Outcome) string {
	switch o {
	case model.OutcomeOK:
		return okStyle.Render(string(o))
	case model.OutcomeSkipped:
		return skippedStyle.Render(string(o))
	case model.OutcomeFailed:
		return failedStyle.Render(string(o))
	default:
		return string(o)
	}
}
