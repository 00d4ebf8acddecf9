package extract

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sells-group/signal-cli/internal/cost"
	"github.com/sells-group/signal-cli/internal/metrics"
	"github.com/sells-group/signal-cli/internal/resilience"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider completes the extraction prompt with the chat completions API.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIProvider creates a provider. baseURL may be empty.
func NewOpenAIProvider(apiKey, baseURL, model string, maxTokens int64) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	cfg.HTTPClient = &http.Client{Transport: retryAfterTransport{base: http.DefaultTransport}}
	return &OpenAIProvider{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		maxTokens: int(maxTokens),
	}
}

func (p *OpenAIProvider) Name() string  { return ProviderOpenAI }
func (p *OpenAIProvider) Model() string { return p.model }

func (p *OpenAIProvider) Complete(ctx context.Context, content string) (*Completion, error) {
	var retryAfter time.Duration
	callCtx := context.WithValue(ctx, retryAfterKey{}, &retryAfter)
	start := time.Now()
	resp, err := p.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(content)},
		},
		MaxTokens:   p.maxTokens,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	metrics.LLMDuration.WithLabelValues(ProviderOpenAI).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, classifyCallError(ctx, ProviderOpenAI, openAIStatus(err), retryAfter, err)
	}

	model := resp.Model
	if model == "" {
		model = p.model
	}
	comp := &Completion{
		Model: model,
		Usage: cost.Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return comp, resilience.Extraction(eris.New("no choices returned"), "openai completion")
	}
	comp.Text = resp.Choices[0].Message.Content
	return comp, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// retryAfterKey carries the per-call slot that retryAfterTransport fills.
type retryAfterKey struct{}

// retryAfterTransport records the Retry-After hint of error responses, which
// go-openai drops when it builds its error values.
type retryAfterTransport struct {
	base http.RoundTripper
}

func (t retryAfterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode < http.StatusBadRequest {
		return resp, err
	}
	if slot, ok := req.Context().Value(retryAfterKey{}).(*time.Duration); ok {
		*slot = resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return resp, nil
}
