package extract

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-cli/internal/cost"
	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/pkg/anthropic"
)

// Provider names accepted by NewProvider.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderNoop      = "noop"
)

// Completion is the raw output of one LLM call. Usage is set whenever the
// provider reported it, even if the call is otherwise unusable.
type Completion struct {
	Text  string
	Model string
	Usage cost.Usage
}

// Provider is an LLM backend that completes the extraction prompt.
type Provider interface {
	Name() string
	Model() string
	// Complete runs the extraction prompt over content. Errors are
	// classified *resilience.Error values.
	Complete(ctx context.Context, content string) (*Completion, error)
}

// ProviderConfig selects and configures a Provider.
type ProviderConfig struct {
	Name      string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int64
}

// NewProvider builds the provider named in cfg. An empty name selects noop.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "", ProviderNoop:
		return NoopProvider{}, nil
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, eris.New("extract: anthropic provider requires an api key")
		}
		return NewAnthropicProvider(anthropic.NewClient(cfg.APIKey), cfg.Model, cfg.MaxTokens), nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, eris.New("extract: openai provider requires an api key")
		}
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxTokens), nil
	default:
		return nil, eris.Errorf("extract: unknown provider %q", cfg.Name)
	}
}

// NoopProvider never calls out; the service always uses heuristics with it.
type NoopProvider struct{}

func (NoopProvider) Name() string  { return ProviderNoop }
func (NoopProvider) Model() string { return "" }

func (NoopProvider) Complete(context.Context, string) (*Completion, error) {
	return nil, resilience.New(resilience.KindInfrastructure, "noop provider", nil)
}

func isNoop(p Provider) bool {
	return p == nil || p.Name() == ProviderNoop
}

// classifyCallError maps a provider call failure to a tagged error. status
// is the HTTP status the API answered with, or 0; retryAfter is its
// Retry-After hint.
func classifyCallError(ctx context.Context, provider string, status int, retryAfter time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return resilience.Timeout(provider+" completion", err)
	}
	if status > 0 {
		return resilience.FromHTTPStatus(status, retryAfter, err)
	}
	if resilience.IsTransient(err) {
		return resilience.Infrastructure(provider, err)
	}
	return resilience.Classify(err)
}
