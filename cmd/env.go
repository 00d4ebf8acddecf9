package main

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/budget"
	"github.com/sells-group/signal-cli/internal/config"
	"github.com/sells-group/signal-cli/internal/cost"
	"github.com/sells-group/signal-cli/internal/extract"
	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/pipeline"
	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/internal/resolve"
	"github.com/sells-group/signal-cli/internal/store"
)

// appEnv holds the store, the budget and cost plumbing, the extraction
// service and the pipeline needed by the extract/process/serve commands.
type appEnv struct {
	Store    store.Store
	Recorder *cost.Recorder
	Gate     *budget.Gate
	Service  *extract.Service
	Pipeline *pipeline.Pipeline
	Breakers *resilience.Breakers

	closers []func() error
}

// Close flushes buffered cost entries and releases every resource.
func (e *appEnv) Close() {
	if e.Recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.Recorder.Close(ctx); err != nil {
			zap.L().Warn("cost recorder close failed", zap.Error(err))
		}
		cancel()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "signals.db"
		}
		st, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates config for mode, opens the store and migrates it.
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initBudgetCache selects the verdict cache. An unreachable Redis degrades
// to the in-memory cache so the gate keeps working.
func initBudgetCache(ctx context.Context, env *appEnv) budget.Cache {
	if cfg.Budget.CacheDriver != "redis" {
		return budget.NewMemoryCache()
	}
	rc, err := budget.NewRedisCache(ctx, budget.RedisConfig{
		Addr:     cfg.Budget.RedisAddr,
		Password: cfg.Budget.RedisPassword,
		DB:       cfg.Budget.RedisDB,
	})
	if err != nil {
		zap.L().Warn("redis budget cache unavailable, using memory cache", zap.Error(err))
		return budget.NewMemoryCache()
	}
	env.closers = append(env.closers, rc.Close)
	return rc
}

func budgetConfig(c config.BudgetConfig) budget.Config {
	return budget.Config{
		Window:         time.Duration(c.WindowHours) * time.Hour,
		DefaultCeiling: c.DefaultCeilingUSD,
		Ceilings:       c.Ceilings,
		CacheTTL:       time.Duration(c.CacheTTLSecs) * time.Second,
	}
}

// pricingRates overlays configured model prices on the built-in rates.
func pricingRates(p config.PricingConfig) cost.Rates {
	rates := cost.DefaultRates()
	overlay := func(dst map[string]cost.ModelRate, src map[string]config.ModelPricing) map[string]cost.ModelRate {
		if dst == nil {
			dst = make(map[string]cost.ModelRate, len(src))
		}
		for name, mp := range src {
			dst[name] = cost.ModelRate(mp)
		}
		return dst
	}
	rates.Anthropic = overlay(rates.Anthropic, p.Anthropic)
	rates.OpenAI = overlay(rates.OpenAI, p.OpenAI)
	return rates
}

func providerConfig() extract.ProviderConfig {
	name := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	pc := extract.ProviderConfig{
		Name:      name,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	}
	switch name {
	case extract.ProviderAnthropic:
		pc.APIKey = cfg.Anthropic.Key
	case extract.ProviderOpenAI:
		pc.APIKey = cfg.OpenAI.Key
		pc.BaseURL = cfg.OpenAI.BaseURL
	}
	return pc
}

func pipelineConfig() pipeline.Config {
	wait := time.Duration(cfg.Resolve.InheritWaitMS) * time.Millisecond
	return pipeline.Config{
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
		InheritWait:    resilience.RetryPolicy(cfg.Resolve.InheritWaitAttempts, wait, 10*wait),
		DLQMaxRetries:  cfg.Pipeline.DLQMaxRetries,
		DLQBackoff:     time.Duration(cfg.Pipeline.DLQBackoffSecs) * time.Second,
	}
}

// initEnv sets up the store, the budget gate, the cost recorder, the
// extraction provider and resolver, and builds the Pipeline. Callers should
// defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	st, err := openStore(ctx, mode)
	if err != nil {
		return nil, err
	}
	breakers := resilience.NewBreakers(resilience.BreakerPolicy(cfg.LLM.BreakerThreshold,
		time.Duration(cfg.LLM.BreakerResetSecs)*time.Second))
	env := &appEnv{Store: st, Breakers: breakers}

	aliases, err := resolve.LoadAliasTable(cfg.Resolve.AliasesFile)
	if err != nil {
		env.Close()
		return nil, err
	}

	provider, err := extract.NewProvider(providerConfig())
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Gate = budget.NewGate(st, initBudgetCache(ctx, env), budgetConfig(cfg.Budget))

	env.Recorder = cost.NewRecorder(st, cost.RecorderConfig{
		FlushInterval: time.Duration(cfg.Cost.FlushIntervalSecs) * time.Second,
		BatchSize:     cfg.Cost.BatchSize,
		MaxBuffer:     cfg.Cost.MaxBuffer,
	})
	env.Recorder.Start(ctx)

	env.Service = extract.NewService(extract.Config{
		AgentID:        cfg.Pipeline.AgentID,
		Timeout:        cfg.LLM.Timeout(),
		RequestsPerSec: cfg.LLM.RequestsPerSec,
		Burst:          cfg.LLM.Burst,
		Retry:          resilience.RetryPolicy(cfg.LLM.RetryAttempts, 0, 0),
		Breakers:       env.Breakers,
	},
		provider,
		extract.NewHeuristic(aliases.Names(model.EntityCustomer)),
		env.Gate,
		env.Recorder,
		cost.NewCalculator(pricingRates(cfg.Pricing)),
	)

	resolver := resolve.NewResolver(aliases, resolve.NewMatcher(cfg.Resolve.FuzzyThreshold))
	pc := pipelineConfig()
	pc.Breakers = env.Breakers
	env.Pipeline = pipeline.New(pc, st, env.Service, resolver)
	if _, err := env.Pipeline.Seed(ctx); err != nil {
		zap.L().Warn("resolver seed failed, continuing with alias table only", zap.Error(err))
	}

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("provider", provider.Name()),
		zap.String("model", provider.Model()),
		zap.String("agent", cfg.Pipeline.AgentID),
	)
	return env, nil
}
