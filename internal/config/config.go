package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai" mapstructure:"openai"`
	Budget    BudgetConfig    `yaml:"budget" mapstructure:"budget"`
	Cost      CostConfig      `yaml:"cost" mapstructure:"cost"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Resolve   ResolveConfig   `yaml:"resolve" mapstructure:"resolve"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LLMConfig selects the extraction provider and bounds its calls.
type LLMConfig struct {
	Provider       string  `yaml:"provider" mapstructure:"provider"`
	Model          string  `yaml:"model" mapstructure:"model"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxTokens      int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	Burst          int     `yaml:"burst" mapstructure:"burst"`
	RetryAttempts  int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	// BreakerThreshold consecutive failures open the provider circuit.
	BreakerThreshold int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// Timeout returns the per-extraction LLM call budget.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// OpenAIConfig holds OpenAI-compatible API settings.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// BudgetConfig configures the Budget Gate and its verdict cache.
type BudgetConfig struct {
	WindowHours       int                `yaml:"window_hours" mapstructure:"window_hours"`
	DefaultCeilingUSD float64            `yaml:"default_ceiling_usd" mapstructure:"default_ceiling_usd"`
	Ceilings          map[string]float64 `yaml:"ceilings" mapstructure:"ceilings"`
	CacheTTLSecs      int                `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	CacheDriver       string             `yaml:"cache_driver" mapstructure:"cache_driver"`
	RedisAddr         string             `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword     string             `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB           int                `yaml:"redis_db" mapstructure:"redis_db"`
}

// CostConfig configures the cost recorder buffer.
type CostConfig struct {
	FlushIntervalSecs int `yaml:"flush_interval_secs" mapstructure:"flush_interval_secs"`
	BatchSize         int `yaml:"batch_size" mapstructure:"batch_size"`
	MaxBuffer         int `yaml:"max_buffer" mapstructure:"max_buffer"`
}

// PricingConfig overrides per-provider model rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    map[string]ModelPricing `yaml:"openai" mapstructure:"openai"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// ResolveConfig configures entity resolution.
type ResolveConfig struct {
	AliasesFile         string  `yaml:"aliases_file" mapstructure:"aliases_file"`
	FuzzyThreshold      float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	InheritWaitAttempts int     `yaml:"inherit_wait_attempts" mapstructure:"inherit_wait_attempts"`
	InheritWaitMS       int     `yaml:"inherit_wait_ms" mapstructure:"inherit_wait_ms"`
}

// PipelineConfig configures batch processing.
type PipelineConfig struct {
	AgentID        string `yaml:"agent_id" mapstructure:"agent_id"`
	MaxConcurrency int    `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	DLQMaxRetries  int    `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
	DLQBackoffSecs int    `yaml:"dlq_backoff_secs" mapstructure:"dlq_backoff_secs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "signals.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("llm.provider", "noop")
	v.SetDefault("llm.timeout_secs", 30)
	v.SetDefault("llm.max_tokens", 512)
	v.SetDefault("llm.requests_per_sec", 5.0)
	v.SetDefault("llm.burst", 5)
	v.SetDefault("llm.retry_attempts", 2)
	v.SetDefault("llm.breaker_threshold", 5)
	v.SetDefault("llm.breaker_reset_secs", 30)
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("budget.window_hours", 24)
	v.SetDefault("budget.cache_ttl_secs", 30)
	v.SetDefault("budget.cache_driver", "memory")
	v.SetDefault("budget.redis_addr", "localhost:6379")
	v.SetDefault("cost.flush_interval_secs", 5)
	v.SetDefault("cost.batch_size", 100)
	v.SetDefault("cost.max_buffer", 10000)
	v.SetDefault("resolve.fuzzy_threshold", 0.85)
	v.SetDefault("resolve.inherit_wait_attempts", 5)
	v.SetDefault("resolve.inherit_wait_ms", 200)
	v.SetDefault("pipeline.agent_id", "signal-pipeline")
	v.SetDefault("pipeline.max_concurrency", 8)
	v.SetDefault("pipeline.dlq_max_retries", 5)
	v.SetDefault("pipeline.dlq_backoff_secs", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys the given command mode needs. Modes: extract,
// process, import, serve, budget, migrate.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "extract", "process", "serve":
		errs = append(errs, c.validateLLM()...)
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateBudget()...)
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "budget":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateBudget()...)
	case "import", "migrate":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Pipeline.MaxConcurrency < 1 || c.Pipeline.MaxConcurrency > 64 {
		errs = append(errs, fmt.Sprintf("pipeline.max_concurrency must be between 1 and 64, got %d", c.Pipeline.MaxConcurrency))
	}
	if c.Resolve.FuzzyThreshold < 0 || c.Resolve.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Sprintf("resolve.fuzzy_threshold must be between 0 and 1, got %g", c.Resolve.FuzzyThreshold))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

func (c *Config) validateLLM() []string {
	var errs []string
	switch strings.ToLower(c.LLM.Provider) {
	case "", "noop":
	case "anthropic":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required for llm.provider=anthropic")
		}
	case "openai":
		if c.OpenAI.Key == "" {
			errs = append(errs, "openai.key is required for llm.provider=openai")
		}
	default:
		errs = append(errs, fmt.Sprintf("llm.provider must be anthropic, openai or noop, got %q", c.LLM.Provider))
	}
	if c.LLM.TimeoutSecs <= 0 {
		errs = append(errs, "llm.timeout_secs must be > 0")
	}
	return errs
}

func (c *Config) validateBudget() []string {
	var errs []string
	if c.Budget.DefaultCeilingUSD < 0 {
		errs = append(errs, "budget.default_ceiling_usd must be >= 0")
	}
	for agent, ceiling := range c.Budget.Ceilings {
		if ceiling < 0 {
			errs = append(errs, fmt.Sprintf("budget.ceilings.%s must be >= 0", agent))
		}
	}
	switch c.Budget.CacheDriver {
	case "", "memory":
	case "redis":
		if c.Budget.RedisAddr == "" {
			errs = append(errs, "budget.redis_addr is required for budget.cache_driver=redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("budget.cache_driver must be memory or redis, got %q", c.Budget.CacheDriver))
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
