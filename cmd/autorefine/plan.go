package main

import (
	"fmt"

	"github.com/metalagman/autorefine/internal/report"
	"github.com/metalagman/autorefine/internal/run"
	"github.com/spf13/cobra"
)

func planCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:          "plan",
		Short:        "Print the planned iterations without running the engine",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := workingDir()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(repoRoot)
			if err != nil {
				return err
			}
			if count > 0 {
				cfg.Refinement.Count = count
			}

			plan, err := run.Prepare(cfg)
			if err != nil {
				return err
			}
			out, err := report.Plan(plan)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(w, out)
			_, _ = fmt.Fprintf(w, "%d patterns, %d iterations planned", plan.Patterns.Len(), len(plan.Positions))
			if !plan.Order.IsIdentity() {
				_, _ = fmt.Fprint(w, ", order corrected from metadata")
			}
			_, _ = fmt.Fprintln(w)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "override refinement.count")
	return cmd
}
