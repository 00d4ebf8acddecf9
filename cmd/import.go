package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/pipeline"
)

var (
	importFile   string
	importSource string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a scraped forum thread dump as signals",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		f, err := os.Open(importFile)
		if err != nil {
			return eris.Wrap(err, "open import file")
		}
		defer f.Close() //nolint:errcheck

		threads, err := pipeline.DecodeForumThreads(f)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, "import")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := pipeline.ImportForum(ctx, st, model.SourceType(importSource), threads)
		if err != nil {
			return eris.Wrap(err, "import forum threads")
		}

		zap.L().Info("import complete",
			zap.String("file", importFile),
			zap.Int("threads", report.Threads),
			zap.Int("replies", report.Replies),
			zap.Int("skipped", report.Skipped),
		)
		return writeJSON(cmd.OutOrStdout(), report)
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to forum thread JSON dump (required)")
	importCmd.Flags().StringVar(&importSource, "source", string(model.SourceForum), "source type recorded on imported signals")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
