package extract

import (
	"context"
	"time"

	"github.com/sells-group/signal-cli/internal/cost"
	"github.com/sells-group/signal-cli/internal/metrics"
	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/pkg/anthropic"
)

const (
	defaultAnthropicModel = "claude-haiku-4-5-20251001"
	defaultMaxTokens      = 512
)

// AnthropicProvider completes the extraction prompt with Claude.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicProvider wraps client. Empty model and zero maxTokens select defaults.
func NewAnthropicProvider(client anthropic.Client, model string, maxTokens int64) *AnthropicProvider {
	if model == "" {
		model = defaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicProvider{client: client, model: model, maxTokens: maxTokens}
}

func (p *AnthropicProvider) Name() string  { return ProviderAnthropic }
func (p *AnthropicProvider) Model() string { return p.model }

func (p *AnthropicProvider) Complete(ctx context.Context, content string) (*Completion, error) {
	temp := 0.0
	start := time.Now()
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(systemPrompt, "5m"),
		Messages:    []anthropic.Message{{Role: "user", Content: userPrompt(content)}},
		Temperature: &temp,
	})
	metrics.LLMDuration.WithLabelValues(ProviderAnthropic).Observe(time.Since(start).Seconds())
	if err != nil {
		retryAfter := resilience.ParseRetryAfter(anthropic.ResponseHeader(err).Get("Retry-After"), time.Now())
		return nil, classifyCallError(ctx, ProviderAnthropic, anthropic.StatusCode(err), retryAfter, err)
	}

	model := resp.Model
	if model == "" {
		model = p.model
	}
	return &Completion{
		Text:  resp.Text(),
		Model: model,
		Usage: cost.Usage{
			InputTokens:      resp.Usage.InputTokens,
			OutputTokens:     resp.Usage.OutputTokens,
			CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:  resp.Usage.CacheReadInputTokens,
		},
	}, nil
}
