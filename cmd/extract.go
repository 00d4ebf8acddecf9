package main

import (
	"context"
	"encoding/json"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
)

var (
	extractID     string
	extractText   string
	extractSource string
)

// preview is an extraction resolved against the current entity set
// without writing anything back.
type preview struct {
	SignalID   string           `json:"signal_id"`
	Provenance model.Provenance `json:"provenance"`
	Raw        model.Candidates `json:"raw"`
	Customers  []string         `json:"customers"`
	Issues     []string         `json:"issues"`
}

func previewSignal(ctx context.Context, env *appEnv, sig *model.Signal) (*preview, error) {
	res, err := env.Service.Extract(ctx, sig)
	if err != nil {
		return nil, err
	}
	thread := model.ThreadContext{SignalRef: sig.SourceRef, ThreadID: sig.ThreadID()}
	entities := env.Pipeline.Resolver().Resolve(model.CandidatesFrom(res), thread)
	return &preview{
		SignalID:   sig.ID,
		Provenance: res.Provenance,
		Raw:        model.CandidatesFrom(res),
		Customers:  nonNil(model.EntityNames(entities, model.EntityCustomer)),
		Issues:     nonNil(model.EntityNames(entities, model.EntityIssue)),
	}, nil
}

// adHocSignal wraps free text in a signal that is never persisted.
func adHocSignal(source, text string) *model.Signal {
	if source == "" {
		source = string(model.SourceDocument)
	}
	id := uuid.NewString()
	return &model.Signal{
		ID:        id,
		Source:    model.SourceType(source),
		SourceRef: id,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract and resolve entities for one signal without writing back",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (extractID == "") == (strings.TrimSpace(extractText) == "") {
			return eris.New("exactly one of --id or --text is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		var sig *model.Signal
		if extractID != "" {
			sig, err = env.Store.GetSignal(ctx, extractID)
			if err != nil {
				return eris.Wrapf(err, "load signal %s", extractID)
			}
		} else {
			sig = adHocSignal(extractSource, extractText)
		}

		out, err := previewSignal(ctx, env, sig)
		if err != nil {
			return eris.Wrapf(err, "extract (%s)", resilience.KindOf(err))
		}
		return writeJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractID, "id", "", "stored signal id")
	extractCmd.Flags().StringVar(&extractText, "text", "", "free text to extract from")
	extractCmd.Flags().StringVar(&extractSource, "source", "", "source type for --text (chat, forum, document)")
	rootCmd.AddCommand(extractCmd)
}
