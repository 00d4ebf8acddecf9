// Package budget decides whether an agent may spend more on LLM calls.
// The gate fails open: any internal failure yields an allowed verdict with
// a diagnostic reason.
package budget

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/metrics"
	"github.com/sells-group/signal-cli/internal/model"
)

// Spender reports recorded spend for an agent since a point in time.
type Spender interface {
	SumCosts(ctx context.Context, agentID string, since time.Time) (float64, error)
}

// Config holds the budget policy.
type Config struct {
	Window         time.Duration
	DefaultCeiling float64
	Ceilings       map[string]float64
	CacheTTL       time.Duration
}

// DefaultConfig returns a 24h window with a 30s verdict cache and no ceiling.
func DefaultConfig() Config {
	return Config{
		Window:   24 * time.Hour,
		CacheTTL: 30 * time.Second,
	}
}

// Gate computes budget verdicts.
type Gate struct {
	spend   Spender
	cache   Cache
	cfg     Config
	log     *zap.Logger
	nowFunc func() time.Time
}

// NewGate creates a Gate. A nil cache selects an in-memory cache.
func NewGate(spend Spender, cache Cache, cfg Config) *Gate {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Gate{
		spend:   spend,
		cache:   cache,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "budget_gate")),
		nowFunc: time.Now,
	}
}

// Ceiling returns the spend ceiling for agentID and whether one is configured.
// Config loaders lowercase map keys, so a lowercase match is accepted.
func (g *Gate) Ceiling(agentID string) (float64, bool) {
	for _, key := range []string{agentID, strings.ToLower(agentID)} {
		if c, ok := g.cfg.Ceilings[key]; ok && c > 0 {
			return c, true
		}
	}
	if g.cfg.DefaultCeiling > 0 {
		return g.cfg.DefaultCeiling, true
	}
	return 0, false
}

// CheckBudget returns the verdict for agentID. It never returns an error.
func (g *Gate) CheckBudget(ctx context.Context, agentID string) (status model.BudgetStatus) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("budget: check panicked", zap.String("agent_id", agentID), zap.Any("panic", r))
			status = g.failOpen(fmt.Sprintf("budget check failed: %v", r))
		}
	}()

	if agentID == "" {
		return g.failOpen("budget check skipped: missing agent id")
	}

	cached, ok, err := g.cache.Get(ctx, agentID)
	if err != nil {
		g.log.Warn("budget: cache read failed", zap.String("agent_id", agentID), zap.Error(err))
		return g.failOpen("budget cache unavailable: " + err.Error())
	}
	if ok {
		return cached
	}

	ceiling, ok := g.Ceiling(agentID)
	if !ok {
		return g.failOpen("no budget ceiling configured for agent " + agentID)
	}
	if g.spend == nil {
		return g.failOpen("budget check skipped: no cost store")
	}

	now := g.nowFunc()
	spent, err := g.spend.SumCosts(ctx, agentID, now.Add(-g.cfg.Window))
	if err != nil {
		g.log.Warn("budget: spend lookup failed", zap.String("agent_id", agentID), zap.Error(err))
		return g.failOpen("budget lookup failed: " + err.Error())
	}

	status = model.BudgetStatus{Allowed: spent < ceiling, CachedAt: now}
	if !status.Allowed {
		status.Reason = fmt.Sprintf("budget exceeded: spent $%.2f of $%.2f", spent, ceiling)
		g.log.Info("budget: denied",
			zap.String("agent_id", agentID),
			zap.Float64("spent_usd", spent),
			zap.Float64("ceiling_usd", ceiling),
		)
		metrics.BudgetVerdicts.WithLabelValues("denied").Inc()
	} else {
		metrics.BudgetVerdicts.WithLabelValues("allowed").Inc()
	}

	if err := g.cache.Set(ctx, agentID, status, g.cfg.CacheTTL); err != nil {
		g.log.Warn("budget: cache write failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	return status
}

func (g *Gate) failOpen(reason string) model.BudgetStatus {
	metrics.BudgetVerdicts.WithLabelValues("fail_open").Inc()
	return model.BudgetStatus{Allowed: true, Reason: reason, CachedAt: g.nowFunc()}
}
