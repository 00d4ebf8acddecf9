package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
)

// RetryDLQ replays due, retryable dead-letter entries under their retry
// cap. Entries whose signal succeeds are removed; failures bump the retry count and back off
// exponentially. Entries for signals that no longer exist are dropped.
func (p *Pipeline) RetryDLQ(ctx context.Context, limit int) (*BatchReport, error) {
	entries, err := p.store.DequeueDLQ(ctx, resilience.DLQFilter{RetryableOnly: true, Limit: limit})
	if err != nil {
		return nil, storeErr(err)
	}
	if len(entries) == 0 {
		return &BatchReport{}, nil
	}

	bySignal := make(map[string]resilience.DLQEntry, len(entries))
	var sigs []model.Signal
	for _, e := range entries {
		if !e.CanRetry() {
			p.log.Warn("pipeline: skipping exhausted dead letter",
				zap.String("dlq_id", e.ID),
				zap.Int("retry_count", e.RetryCount),
				zap.Int("max_retries", e.MaxRetries),
			)
			continue
		}
		if _, dup := bySignal[e.SignalID]; dup {
			// Older duplicates are superseded by this replay.
			p.removeDLQ(ctx, e.ID)
			continue
		}
		sig, getErr := p.store.GetSignal(ctx, e.SignalID)
		if getErr != nil {
			if resilience.KindOf(getErr) == resilience.KindNotFound {
				p.log.Warn("pipeline: dropping dead letter for missing signal", zap.String("signal_id", e.SignalID))
				p.removeDLQ(ctx, e.ID)
				continue
			}
			return nil, storeErr(getErr)
		}
		bySignal[e.SignalID] = e
		sigs = append(sigs, *sig)
	}

	p.log.Info("pipeline: replaying dead letters", zap.Int("entries", len(sigs)))
	return p.runBatch(ctx, sigs,
		func(ctx context.Context, sig *model.Signal, _ string, err error) {
			e := bySignal[sig.ID]
			next := p.nowFunc().UTC().Add(p.dlqBackoff(e.RetryCount + 1))
			if incErr := p.store.IncrementDLQRetry(ctx, e.ID, next, err.Error()); incErr != nil {
				p.log.Error("pipeline: dead-letter retry update failed", zap.String("dlq_id", e.ID), zap.Error(incErr))
			}
		},
		func(ctx context.Context, sig *model.Signal) {
			p.removeDLQ(ctx, bySignal[sig.ID].ID)
		},
	)
}

func (p *Pipeline) removeDLQ(ctx context.Context, id string) {
	if err := p.store.RemoveDLQ(ctx, id); err != nil {
		p.log.Error("pipeline: dead-letter remove failed", zap.String("dlq_id", id), zap.Error(err))
	}
}

// dlqBackoff doubles the base backoff per retry, capped at 2^10.
func (p *Pipeline) dlqBackoff(retryCount int) time.Duration {
	return p.cfg.DLQBackoff << min(retryCount, 10)
}
