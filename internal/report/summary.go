package report

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/metalagman/autorefine/internal/model"
	"github.com/metalagman/autorefine/internal/run"
)

// Summary renders the end-of-run counts followed by the transition table.
func Summary(s model.RunSummary) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("run "+s.RunID) + " " + dimStyle.Render(s.Status) + "\n")
	fmt.Fprintf(&b, "planned %d  refined %s  skipped %s  failed %s\n",
		s.Planned,
		okStyle.Render(strconv.Itoa(s.Refined)),
		skippedStyle.Render(strconv.Itoa(s.Skipped)),
		failedStyle.Render(strconv.Itoa(s.Failed)))
	if len(s.Events) == 0 {
		b.WriteString(dimStyle.Render("no phase transitions") + "\n")
		return b.String()
	}
	b.WriteString(Transitions(s.Events))
	b.WriteString("\n")
	return b.String()
}

// Transitions renders phase transitions with the iteration they fired at.
func Transitions(events []model.TransitionEvent) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Phase", "Transition", "Position", "Index", "Timecode", "Value", "Reason"})
	for _, ev := range events {
		tw.AppendRow(table.Row{ev.Phase, ev.Kind, ev.Position, ev.Index, ev.Timecode, formatFloat(ev.Value), ev.Reason})
	}
	return tw.Render()
}

// Runs renders the run list.
func Runs(runs []run.RunRecord) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Run", "Created", "Status", "Planned", "Done", "Refined", "Skipped", "Failed"})
	for _, r := range runs {
		tw.AppendRow(table.Row{r.RunID, r.CreatedAt, r.Status, r.Planned, r.CurrentStep, r.Refined, r.Skipped, r.Failed})
	}
	return tw.Render()
}

// Pruned renders the runs removed by a prune.
func Pruned(res run.PruneResult) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Run", "Status", "Iterations", "Outputs"})
	for _, p := range res.Pruned {
		tw.AppendRow(table.Row{p.RunID, p.Status, p.Iterations, p.Outputs})
	}
	tw.AppendFooter(table.Row{"", "", "total", res.Outputs()})
	return tw.Render()
}

// Events renders a run's log entries.
func Events(events []run.EventRecord) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"#", "Time", "Type", "Message"})
	for _, ev := range events {
		tw.AppendRow(table.Row{ev.Seq, ev.TS, ev.Type, ev.Message})
	}
	return tw.Render()
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

// Plan renders the planned iterations of a dry run.
func Plan(p *run.Plan) (string, error) {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Step", "Position", "Index", "Timecode", "Elapsed (min)", "Pattern"})
	for step, pos := range p.Positions {
		nominal, err := p.Order.Nominal(pos)
		if err != nil {
			return "", err
		}
		rec, err := p.Patterns.Resolve(nominal)
		if err != nil {
			return "", err
		}
		tw.AppendRow(table.Row{step, pos, nominal, rec.Timecode, formatOptional(p.Elapsed(pos)), filepath.Base(rec.Path)})
	}
	return tw.Render(), nil
}
