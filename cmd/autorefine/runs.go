package main

import (
	"fmt"
	"path/filepath"

	"github.com/metalagman/autorefine/internal/report"
	"github.com/metalagman/autorefine/internal/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage recorded runs",
	}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsShowCmd())
	cmd.AddCommand(runsVerifyCmd())
	cmd.AddCommand(runsPruneCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDB, _, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			runs, err := run.NewStore(storeDB).ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), report.Runs(runs))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list (0 for all)")
	return cmd
}

func runsShowCmd() *cobra.Command {
	var raw bool
	var events bool
	var width int
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the report of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDB, _, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := cmd.Context()
			store := run.NewStore(storeDB)
			rec, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			iterations, err := store.Iterations(ctx, rec.RunID)
			if err != nil {
				return err
			}
			transitions, err := store.Transitions(ctx, rec.RunID)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			md := report.Markdown(rec, iterations, transitions)
			if raw {
				_, _ = fmt.Fprint(w, md)
			} else {
				out, err := report.Render(md, "", width)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprint(w, out)
			}

			if events {
				entries, err := store.Events(ctx, rec.RunID)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(w, report.Events(entries))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print markdown without terminal rendering")
	cmd.Flags().BoolVar(&events, "events", false, "also print the run's event log")
	cmd.Flags().IntVar(&width, "width", 120, "word wrap width for the rendered report")
	return cmd
}

func runsVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "verify <run-id>",
		Short:        "Recompute archive digests and check the descriptor chain of a run",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDB, _, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			problems, err := run.Verify(cmd.Context(), run.NewStore(storeDB), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, p := range problems {
				_, _ = fmt.Fprintln(w, p.String())
			}
			if len(problems) > 0 {
				return fmt.Errorf("run %s: %d chain-of-custody problems", args[0], len(problems))
			}
			_, _ = fmt.Fprintf(w, "run %s verified\n", args[0])
			return nil
		},
	}
}

func runsPruneCmd() *cobra.Command {
	var keepLast int
	var keepDays int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune old runs from disk and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDB, repoRoot, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			policy := run.RetentionPolicy{KeepLast: keepLast, KeepDays: keepDays}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				cfg, err := loadConfig(repoRoot)
				if err != nil {
					return err
				}
				policy = run.RetentionPolicy{
					KeepLast: cfg.Retention.KeepLast,
					KeepDays: cfg.Retention.KeepDays,
				}
			}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				return fmt.Errorf("set --keep-last or --keep-days (or configure retention in %s)", defaultConfigPath)
			}

			dir := stateDir(repoRoot)
			lock, err := run.AcquireRunLock(dir)
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()

			res, err := run.PruneRuns(cmd.Context(), run.NewStore(storeDB), filepath.Join(dir, "runs"), policy, dryRun)
			if err != nil {
				return err
			}
			mode := "deleted"
			if dryRun {
				mode = "would delete"
			}
			if res.Deleted() > 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), report.Pruned(res))
			}
			log.Info().Msgf("%s %d runs with %d archived outputs (kept %d, skipped %d)",
				mode, res.Deleted(), res.Outputs(), res.Kept, res.Skipped)
			return nil
		},
	}
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "keep the newest N runs")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "keep runs newer than N days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be pruned without deleting")
	return cmd
}
