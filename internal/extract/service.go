// Package extract turns signal text into raw customer and issue candidates,
// through an LLM provider when budget allows and a rule-based heuristic
// otherwise.
package extract

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/signal-cli/internal/cost"
	"github.com/sells-group/signal-cli/internal/metrics"
	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
)

// BudgetChecker is the Budget Gate as seen by the service.
type BudgetChecker interface {
	CheckBudget(ctx context.Context, agentID string) model.BudgetStatus
}

// CostRecorder accepts cost entries without blocking.
type CostRecorder interface {
	Record(e model.CostEntry) bool
}

// Config tunes the LLM path.
type Config struct {
	AgentID        string
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
	Retry          resilience.RetryConfig
	Breaker        resilience.CircuitBreakerConfig
	// Breakers is the shared breaker registry. Nil creates a private one
	// from Breaker.
	Breakers *resilience.Breakers
}

// DefaultConfig returns a 30s call budget, 5 req/s and two attempts.
func DefaultConfig() Config {
	return Config{
		AgentID:        "signal-pipeline",
		Timeout:        30 * time.Second,
		RequestsPerSec: 5,
		Burst:          5,
		Retry:          resilience.RetryPolicy(2, time.Second, 10*time.Second),
		Breaker:        resilience.DefaultCircuitBreakerConfig(),
	}
}

// Service orchestrates budget check, LLM call, fallback and cost recording.
type Service struct {
	provider  Provider
	heuristic *Heuristic
	gate      BudgetChecker
	recorder  CostRecorder
	calc      *cost.Calculator
	limiter   *rate.Limiter
	breaker   *resilience.CircuitBreaker
	cfg       Config
	log       *zap.Logger
}

// NewService wires the service. gate and recorder may be nil.
func NewService(cfg Config, provider Provider, heuristic *Heuristic, gate BudgetChecker, recorder CostRecorder, calc *cost.Calculator) *Service {
	def := DefaultConfig()
	if cfg.AgentID == "" {
		cfg.AgentID = def.AgentID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = def.RequestsPerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = def.Breaker
	}
	if provider == nil {
		provider = NoopProvider{}
	}
	if heuristic == nil {
		heuristic = NewHeuristic(nil)
	}
	if calc == nil {
		calc = cost.NewCalculator(cost.DefaultRates())
	}
	if cfg.Breakers == nil {
		cfg.Breakers = resilience.NewBreakers(cfg.Breaker)
	}
	return &Service{
		provider:  provider,
		heuristic: heuristic,
		gate:      gate,
		recorder:  recorder,
		calc:      calc,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		breaker:   cfg.Breakers.Get(provider.Name()),
		cfg:       cfg,
		log: zap.L().With(
			zap.String("component", "extract"),
			zap.String("provider", provider.Name()),
		),
	}
}

// Provider returns the configured provider.
func (s *Service) Provider() Provider { return s.provider }

// Breaker exposes the provider circuit breaker state.
func (s *Service) Breaker() *resilience.CircuitBreaker { return s.breaker }

// Extract produces candidates for sig. An empty result is valid; an error
// means the signal could not be extracted at all.
func (s *Service) Extract(ctx context.Context, sig *model.Signal) (*model.ExtractionResult, error) {
	if sig == nil || strings.TrimSpace(sig.ID) == "" {
		return nil, resilience.Validation("signal id is required")
	}
	if strings.TrimSpace(sig.Content) == "" {
		metrics.Extractions.WithLabelValues(string(model.ProvenanceHeuristic)).Inc()
		return &model.ExtractionResult{
			Customers:  []string{},
			Issues:     []string{},
			Provenance: model.ProvenanceHeuristic,
		}, nil
	}

	if isNoop(s.provider) {
		return s.fallback(sig, nil)
	}

	if s.gate != nil {
		status := s.gate.CheckBudget(ctx, s.cfg.AgentID)
		if !status.Allowed {
			return nil, resilience.BudgetExceeded(status.Reason).WithCorrelation(sig.ID)
		}
	}

	res, err := s.callLLM(ctx, sig)
	if err == nil {
		metrics.Extractions.WithLabelValues(string(model.ProvenanceLLM)).Inc()
		return res, nil
	}
	if ctx.Err() != nil {
		// The caller gave up; do not mask that as a successful fallback.
		return nil, resilience.Classify(ctx.Err())
	}
	return s.fallback(sig, err)
}

func (s *Service) callLLM(ctx context.Context, sig *model.Signal) (*model.ExtractionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	retry := s.cfg.Retry
	retry.ShouldRetry = retryCall
	retry.OnRetry = resilience.RetryLogger(s.provider.Name(), "extract")

	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.ExtractionResult, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, resilience.Timeout(s.provider.Name()+" rate limiter", err)
		}
		comp, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*Completion, error) {
			return s.provider.Complete(ctx, sig.Content)
		})
		if comp != nil {
			s.recordCost(sig.ID, comp)
		}
		if err != nil {
			return nil, err
		}
		return ParseResponse(comp.Text)
	})
}

// retryCall retries transport-level failures only. A malformed answer
// goes straight to the heuristic.
func retryCall(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) || resilience.KindOf(err) == resilience.KindExtraction {
		return false
	}
	return resilience.IsRetryable(err)
}

func (s *Service) fallback(sig *model.Signal, cause error) (*model.ExtractionResult, error) {
	if cause != nil {
		kind := resilience.KindOf(cause)
		metrics.Fallbacks.WithLabelValues(string(kind)).Inc()
		fields := []zap.Field{
			zap.String("signal_id", sig.ID),
			zap.String("kind", string(kind)),
			zap.Error(cause),
		}
		if resilience.IsRetryable(cause) {
			s.log.Warn("extract: llm failed, using heuristics", fields...)
		} else {
			s.log.Error("extract: llm failed permanently, using heuristics", fields...)
		}
	}

	res, err := s.heuristic.Extract(sig.Content)
	if err != nil {
		if cause != nil {
			return nil, resilience.Classify(cause).WithCorrelation(sig.ID)
		}
		return nil, resilience.Classify(err).WithCorrelation(sig.ID)
	}
	metrics.Extractions.WithLabelValues(string(model.ProvenanceHeuristic)).Inc()
	return res, nil
}

func (s *Service) recordCost(signalID string, comp *Completion) {
	if s.recorder == nil || comp.Usage.Total() == 0 {
		return
	}
	modelName := comp.Model
	if modelName == "" {
		modelName = s.provider.Model()
	}
	s.recorder.Record(model.CostEntry{
		CorrelationID: signalID,
		AgentID:       s.cfg.AgentID,
		Operation:     model.OperationExtraction,
		Provider:      s.provider.Name(),
		Model:         modelName,
		InputTokens:   comp.Usage.InputTokens + comp.Usage.CacheWriteTokens + comp.Usage.CacheReadTokens,
		OutputTokens:  comp.Usage.OutputTokens,
		CostUSD:       s.calc.Cost(s.provider.Name(), modelName, comp.Usage),
	})
}
