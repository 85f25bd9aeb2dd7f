package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/ingest/internal/processor"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	processLimit       int
	processConcurrency int
	processDryRun      bool
	processDrainSpool  bool
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process one batch of unprocessed raw log entries",
	Long: `Runs a single processor tick against the raw log and exits.
Useful for catching up after an outage or checking a new profile with --dry-run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProcess(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().IntVarP(&processLimit, "limit", "l", 0, "Maximum number of entries to process (default processor.batch_size)")
	processCmd.Flags().IntVar(&processConcurrency, "concurrency", 0, "Number of concurrent workers (default processor.concurrency)")
	processCmd.Flags().BoolVar(&processDryRun, "dry-run", false, "Resolve and map without writing anything")
	processCmd.Flags().BoolVar(&processDrainSpool, "drain-spool", false, "Replay the local spool into the raw log first")
}

func runProcess(ctx context.Context) error {
	logger.Info("Starting raw log processing...")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(appOptions{spool: processDrainSpool})
	if err != nil {
		return err
	}
	defer a.Close()

	if processDrainSpool {
		res, err := a.services.Ingestor.DrainSpool(ctx)
		if err != nil {
			return fmt.Errorf("spool drain failed: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"replayed": res.Replayed,
			"kept":     res.Kept,
			"dropped":  res.Dropped,
		}).Info("Spool drained")
	}

	stats, err := a.newProcessor().Run(ctx, processor.RunOptions{
		Limit:       processLimit,
		Concurrency: processConcurrency,
		DryRun:      processDryRun,
	})
	if err != nil && stats == nil {
		return fmt.Errorf("processing failed: %w", err)
	}

	if processDryRun {
		logger.Info("DRY RUN: nothing was written")
		for i, res := range stats.Results {
			if i >= 20 {
				logger.Infof("... and %d more entries", len(stats.Results)-20)
				break
			}
			logger.WithFields(logrus.Fields{
				"raw_log_id": res.ID,
				"outcome":    res.Outcome,
			}).Info(res.Notes)
		}
	}

	logger.WithFields(logrus.Fields{
		"fetched":  stats.Fetched,
		"readings": stats.Readings,
		"outcomes": stats.Outcomes,
		"duration": stats.Duration.String(),
		"dry_run":  processDryRun,
	}).Info("Processing completed")

	if n := stats.Outcomes[processor.OutcomeRetry]; n > 0 {
		logger.Warnf("%d entries were left for a later run", n)
	}
	return err
}
