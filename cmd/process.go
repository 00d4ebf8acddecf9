package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/pipeline"
	"github.com/sells-group/signal-cli/internal/store"
)

var (
	processID       string
	processSource   string
	processLimit    int
	processRetryDLQ bool
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Extract, resolve and write back unresolved signals",
	Long:  "Processes unresolved signals thread by thread, roots before replies. With --id only that signal is processed; with --retry-dlq due dead-letter entries are replayed instead.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "process")
		if err != nil {
			return err
		}
		defer env.Close()

		if processID != "" {
			res, err := env.Pipeline.ProcessByID(ctx, processID)
			if err != nil {
				return eris.Wrapf(err, "process signal %s", processID)
			}
			return writeJSON(cmd.OutOrStdout(), res)
		}

		var report *pipeline.BatchReport
		if processRetryDLQ {
			report, err = env.Pipeline.RetryDLQ(ctx, processLimit)
		} else {
			report, err = env.Pipeline.ProcessPending(ctx, store.SignalFilter{
				Source: model.SourceType(processSource),
				Limit:  processLimit,
			})
		}
		if err != nil {
			return eris.Wrap(err, "process batch")
		}

		zap.L().Info("process complete",
			zap.Int("total", report.Total),
			zap.Int("resolved", report.Resolved),
			zap.Int("failed", report.Failed),
		)
		return writeJSON(cmd.OutOrStdout(), report)
	},
}

func init() {
	processCmd.Flags().StringVar(&processID, "id", "", "process a single stored signal")
	processCmd.Flags().StringVar(&processSource, "source", "", "only process signals from this source")
	processCmd.Flags().IntVar(&processLimit, "limit", 100, "maximum signals per run")
	processCmd.Flags().BoolVar(&processRetryDLQ, "retry-dlq", false, "replay due dead-letter entries")
	rootCmd.AddCommand(processCmd)
}
