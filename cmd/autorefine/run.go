package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/metalagman/autorefine/internal/model"
	"github.com/metalagman/autorefine/internal/report"
	"github.com/metalagman/autorefine/internal/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var count int
	var reverse bool
	var quiet bool
	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Refine the configured pattern series",
		Long:         "Plan the configured patterns and refine them one after another, each seeded by the previous output.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDB, repoRoot, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()
			cfg, err := loadConfig(repoRoot)
			if err != nil {
				return err
			}
			if count > 0 {
				cfg.Refinement.Count = count
			}
			if cmd.Flags().Changed("reverse") {
				cfg.Refinement.Reverse = reverse
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner := run.NewRunner(stateDir(repoRoot), cfg, run.NewStore(storeDB), nil)
			if !quiet {
				bar := report.NewProgress(cmd.ErrOrStderr(), 30)
				runner.OnIteration = func(step, total int, res model.IterationResult) {
					bar.Update(step, total, res)
				}
			}

			summary, err := runner.Run(ctx)
			if summary.RunID != "" {
				_, _ = fmt.Fprint(cmd.OutOrStdout(), report.Summary(summary))
			}
			if err != nil {
				if errors.Is(err, run.ErrRunInProgress) {
					return fmt.Errorf("%w (lock %s)", err, stateDir(repoRoot))
				}
				return err
			}
			if summary.Status == run.StatusCancelled {
				log.Warn().Str("run_id", summary.RunID).Msg("run cancelled, remaining iterations not started")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "override refinement.count")
	cmd.Flags().BoolVar(&reverse, "reverse", false, "override refinement.reverse")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print per-iteration progress")
	return cmd
}
