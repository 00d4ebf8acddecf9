// Package pipeline drives signals through extraction, entity resolution and
// metadata write-back, keeping reply threads ordered behind their roots.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/metrics"
	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/internal/resolve"
	"github.com/sells-group/signal-cli/internal/store"
)

// Stages recorded on dead-letter entries.
const (
	StageExtract   = "extract"
	StageInherit   = "inherit"
	StageWriteBack = "write_back"
)

// Extractor produces entity candidates for a signal.
type Extractor interface {
	Extract(ctx context.Context, sig *model.Signal) (*model.ExtractionResult, error)
}

// Config controls concurrency, thread-root waiting and dead-lettering.
type Config struct {
	MaxConcurrency int
	// InheritWait bounds how long a reply waits for its root's resolution.
	InheritWait   resilience.RetryConfig
	DLQMaxRetries int
	DLQBackoff    time.Duration
	// WriteRetry bounds retries of the metadata write-back.
	WriteRetry resilience.RetryConfig
	// Breakers is the shared breaker registry; the store breaker guards
	// write-back. Nil creates a private registry.
	Breakers *resilience.Breakers
}

// DefaultConfig returns the default pipeline settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 8,
		InheritWait:    resilience.RetryPolicy(5, 200*time.Millisecond, 2*time.Second),
		DLQMaxRetries:  5,
		DLQBackoff:     time.Minute,
		WriteRetry:     resilience.RetryPolicy(3, 100*time.Millisecond, 2*time.Second),
	}
}

// storeBreaker names the breaker guarding store writes.
const storeBreaker = "store"

// Result is the outcome of processing one signal.
type Result struct {
	SignalID   string           `json:"signal_id"`
	SourceRef  string           `json:"source_ref"`
	Provenance model.Provenance `json:"provenance,omitempty"`
	Customers  []string         `json:"customers"`
	Issues     []string         `json:"issues"`
	Inherited  bool             `json:"inherited,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Pipeline orchestrates extraction, resolution and persistence.
type Pipeline struct {
	cfg       Config
	store     store.Store
	extractor Extractor
	resolver  *resolve.Resolver
	breaker   *resilience.CircuitBreaker
	log       *zap.Logger
	nowFunc   func() time.Time
}

// New creates a Pipeline. Zero config fields take defaults.
func New(cfg Config, st store.Store, ex Extractor, res *resolve.Resolver) *Pipeline {
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.InheritWait.MaxAttempts <= 0 {
		cfg.InheritWait = def.InheritWait
	}
	if cfg.DLQMaxRetries <= 0 {
		cfg.DLQMaxRetries = def.DLQMaxRetries
	}
	if cfg.DLQBackoff <= 0 {
		cfg.DLQBackoff = def.DLQBackoff
	}
	if cfg.WriteRetry.MaxAttempts <= 0 {
		cfg.WriteRetry = def.WriteRetry
	}
	if cfg.Breakers == nil {
		cfg.Breakers = resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	if res == nil {
		res = resolve.NewResolver(nil, nil)
	}
	return &Pipeline{
		cfg:       cfg,
		store:     st,
		extractor: ex,
		resolver:  res,
		breaker:   cfg.Breakers.Get(storeBreaker),
		log:       zap.L().With(zap.String("component", "pipeline")),
		nowFunc:   time.Now,
	}
}

// Resolver returns the resolver shared by every signal in this pipeline.
func (p *Pipeline) Resolver() *resolve.Resolver { return p.resolver }

// Seed loads persisted canonical entities into the resolver.
func (p *Pipeline) Seed(ctx context.Context) (int, error) {
	added := 0
	for _, kind := range []model.EntityKind{model.EntityCustomer, model.EntityIssue} {
		entities, err := p.store.ListEntities(ctx, kind)
		if err != nil {
			return added, resilience.Infrastructure("entity store", err)
		}
		added += p.resolver.Learn(entities)
	}
	p.log.Info("pipeline: seeded resolver", zap.Int("keys", added))
	return added, nil
}

// Process runs one signal end to end. A failure after validation is
// recorded on the dead-letter queue before it is returned.
func (p *Pipeline) Process(ctx context.Context, sig *model.Signal) (*Result, error) {
	res, stage, err := p.process(ctx, sig)
	if err != nil {
		p.deadLetter(ctx, sig, stage, err)
	}
	return res, err
}

// ProcessByID loads a stored signal and processes it.
func (p *Pipeline) ProcessByID(ctx context.Context, id string) (*Result, error) {
	sig, err := p.store.GetSignal(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return p.Process(ctx, sig)
}

// process returns the stage that failed alongside any error.
func (p *Pipeline) process(ctx context.Context, sig *model.Signal) (*Result, string, error) {
	if sig == nil || sig.ID == "" {
		return nil, "", resilience.Validation("signal id is required")
	}
	log := p.log.With(zap.String("signal_id", sig.ID), zap.String("source_ref", sig.SourceRef))

	extracted, err := p.extractor.Extract(ctx, sig)
	if err != nil {
		metrics.SignalsProcessed.WithLabelValues("failed").Inc()
		return nil, StageExtract, err
	}

	cands := model.CandidatesFrom(extracted)
	thread := model.ThreadContext{SignalRef: sig.SourceRef, ThreadID: sig.ThreadID()}
	entities := p.resolver.Resolve(cands, thread)

	inherited := false
	if thread.IsReply() && len(model.EntityNames(entities, model.EntityCustomer)) == 0 {
		root, rootErr := p.rootCustomers(ctx, sig.Source, thread.ThreadID)
		if rootErr != nil {
			metrics.SignalsProcessed.WithLabelValues("failed").Inc()
			return nil, StageInherit, rootErr
		}
		thread.RootCustomers = root
		entities = p.resolver.Resolve(cands, thread)
		inherited = len(root) > 0
	}

	result := &Result{
		SignalID:   sig.ID,
		SourceRef:  sig.SourceRef,
		Provenance: extracted.Provenance,
		Customers:  model.EntityNames(entities, model.EntityCustomer),
		Issues:     model.EntityNames(entities, model.EntityIssue),
		Inherited:  inherited,
	}

	if err := p.writeBack(ctx, sig, result, entities); err != nil {
		log.Error("pipeline: write-back failed", zap.Error(err))
		metrics.SignalsProcessed.WithLabelValues("failed").Inc()
		return nil, StageWriteBack, err
	}

	metrics.SignalsProcessed.WithLabelValues("resolved").Inc()
	log.Debug("pipeline: signal resolved",
		zap.String("provenance", string(result.Provenance)),
		zap.Strings("customers", result.Customers),
		zap.Int("issues", len(result.Issues)),
		zap.Bool("inherited", inherited),
	)
	return result, "", nil
}

// rootCustomers returns the thread root's resolved customers, waiting with
// backoff until the root carries a resolution marker.
func (p *Pipeline) rootCustomers(ctx context.Context, source model.SourceType, threadID string) ([]string, error) {
	var rootID string
	return resilience.DoVal(ctx, p.cfg.InheritWait, func(ctx context.Context) ([]string, error) {
		if rootID == "" {
			root, err := p.store.GetSignalByRef(ctx, source, threadID)
			if err != nil {
				return nil, rootLookupErr(threadID, err)
			}
			rootID = root.ID
			if root.Resolved() {
				return root.Customers(), nil
			}
			return nil, resilience.SyncBacklog("thread root "+threadID+" not yet resolved", nil)
		}

		meta, err := p.store.GetMetadata(ctx, rootID)
		if err != nil {
			return nil, rootLookupErr(threadID, err)
		}
		if model.MetaString(meta, model.MetaResolvedAt) == "" {
			return nil, resilience.SyncBacklog("thread root "+threadID+" not yet resolved", nil)
		}
		return model.MetaStrings(meta, model.MetaCustomers), nil
	})
}

func rootLookupErr(threadID string, err error) error {
	if resilience.KindOf(err) == resilience.KindNotFound {
		return resilience.SyncBacklog("thread root "+threadID+" not yet ingested", err)
	}
	return resilience.EntityResolution(threadID, err)
}

// writeBack persists new canonical entities, then the signal's resolution.
// The resolved_at marker goes last so replies never see a partial root.
// Transient store failures are retried behind the store breaker.
func (p *Pipeline) writeBack(ctx context.Context, sig *model.Signal, result *Result, entities []model.CanonicalEntity) error {
	patch := map[string]any{
		model.MetaCustomers:  result.Customers,
		model.MetaIssues:     result.Issues,
		model.MetaProvenance: string(result.Provenance),
		model.MetaResolvedAt: p.nowFunc().UTC().Format(time.RFC3339Nano),
	}
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, p.cfg.WriteRetry, func(ctx context.Context) error {
			if len(entities) > 0 {
				if _, err := p.store.UpsertEntities(ctx, entities); err != nil {
					return storeErr(err)
				}
				p.resolver.Learn(entities)
			}
			if err := p.store.MergeMetadata(ctx, sig.ID, patch); err != nil {
				return storeErr(err)
			}
			return nil
		})
	})
}

// deadLetter records a failed signal. Signals without an id cannot be
// replayed and are only logged.
func (p *Pipeline) deadLetter(ctx context.Context, sig *model.Signal, stage string, err error) {
	if sig == nil || sig.ID == "" {
		p.log.Warn("pipeline: rejected signal", zap.Error(err))
		return
	}
	entry := resilience.NewDLQEntry(uuid.NewString(), sig.ID, stage, err, p.cfg.DLQMaxRetries, p.cfg.DLQBackoff, p.nowFunc().UTC())
	if dlqErr := p.store.EnqueueDLQ(ctx, entry); dlqErr != nil {
		p.log.Error("pipeline: dead-letter enqueue failed",
			zap.String("signal_id", sig.ID),
			zap.String("stage", stage),
			zap.NamedError("cause", err),
			zap.Error(dlqErr),
		)
		return
	}
	p.log.Warn("pipeline: signal dead-lettered",
		zap.String("signal_id", sig.ID),
		zap.String("stage", stage),
		zap.String("kind", string(entry.Kind)),
		zap.Bool("retryable", entry.Retryable),
		zap.Error(err),
	)
}

// storeErr keeps classified store errors and tags the rest as infrastructure.
func storeErr(err error) error {
	var ce *resilience.Error
	if errors.As(err, &ce) {
		return ce
	}
	return resilience.Infrastructure("signal store", err)
}
