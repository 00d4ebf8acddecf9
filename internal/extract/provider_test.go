package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/pkg/anthropic"
)

// mockAnthropic implements anthropic.Client for testing.
type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(ProviderConfig{})
	require.NoError(t, err)
	assert.Equal(t, ProviderNoop, p.Name())

	p, err = NewProvider(ProviderConfig{Name: "Anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, p.Name())
	assert.Equal(t, defaultAnthropicModel, p.Model())

	p, err = NewProvider(ProviderConfig{Name: "openai", APIKey: "k", Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", p.Model())

	_, err = NewProvider(ProviderConfig{Name: "anthropic"})
	assert.ErrorContains(t, err, "api key")

	_, err = NewProvider(ProviderConfig{Name: "bard", APIKey: "k"})
	assert.ErrorContains(t, err, "unknown provider")
}

func TestNoopProvider(t *testing.T) {
	comp, err := NoopProvider{}.Complete(context.Background(), "x")
	assert.Nil(t, comp)
	require.Error(t, err)
	assert.True(t, isNoop(NoopProvider{}))
	assert.True(t, isNoop(nil))
}

func TestAnthropicProvider_Complete(t *testing.T) {
	client := new(mockAnthropic)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 && req.Messages[0].Role == "user"
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: `{"customers":["AbbVie"],"issues":[]}`}},
		Usage:   anthropic.TokenUsage{InputTokens: 50, OutputTokens: 10, CacheReadInputTokens: 400},
	}, nil)

	p := NewAnthropicProvider(client, "", 0)
	comp, err := p.Complete(context.Background(), "Abbvie asked for SSO")
	require.NoError(t, err)
	assert.Equal(t, `{"customers":["AbbVie"],"issues":[]}`, comp.Text)
	assert.Equal(t, "claude-haiku-4-5-20251001", comp.Model)
	assert.Equal(t, int64(400), comp.Usage.CacheReadTokens)
	client.AssertExpectations(t)
}

func TestAnthropicProvider_TransportError(t *testing.T) {
	client := new(mockAnthropic)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("read tcp: connection reset by peer"))

	_, err := NewAnthropicProvider(client, "", 0).Complete(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, resilience.KindInfrastructure, resilience.KindOf(err))
	assert.True(t, resilience.IsRetryable(err))
}

func TestAnthropicProvider_StatusMapping(t *testing.T) {
	for _, tt := range []struct {
		status int
		kind   resilience.Kind
	}{
		{http.StatusUnauthorized, resilience.KindAuthentication},
		{http.StatusTooManyRequests, resilience.KindRateLimit},
		{529, resilience.KindInfrastructure},
	} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"nope"}}`)) //nolint:errcheck
		}))
		p := NewAnthropicProvider(anthropic.NewClient("k", option.WithBaseURL(ts.URL)), "", 0)
		_, err := p.Complete(context.Background(), "x")
		ts.Close()
		require.Error(t, err)
		assert.Equal(t, tt.kind, resilience.KindOf(err), tt.status)
	}
}

func TestAnthropicProvider_RetryAfter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "20")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	p := NewAnthropicProvider(anthropic.NewClient("k", option.WithBaseURL(ts.URL)), "", 0)
	_, err := p.Complete(context.Background(), "x")
	require.Error(t, err)
	ce := resilience.Classify(err)
	assert.Equal(t, resilience.KindRateLimit, ce.Kind)
	assert.Equal(t, 20*time.Second, ce.RetryAfter)
	assert.Equal(t, 20.0, ce.ToResponse().RetryAfterSeconds)
}

func openAIServer(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body) //nolint:errcheck
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestOpenAIProvider_Complete(t *testing.T) {
	ts := openAIServer(t, http.StatusOK, map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": `{"customers":["Meta"],"issues":["feed slow"]}`},
		}},
		"usage": map[string]any{"prompt_tokens": 80, "completion_tokens": 12, "total_tokens": 92},
	})

	p := NewOpenAIProvider("k", ts.URL+"/v1", "", 0)
	comp, err := p.Complete(context.Background(), "Facebook feed is slow")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", comp.Model)
	assert.Equal(t, int64(80), comp.Usage.InputTokens)
	assert.Equal(t, int64(12), comp.Usage.OutputTokens)

	res, err := ParseResponse(comp.Text)
	require.NoError(t, err)
	assert.Equal(t, []string{"Meta"}, res.Customers)
}

func TestOpenAIProvider_NoChoicesKeepsUsage(t *testing.T) {
	ts := openAIServer(t, http.StatusOK, map[string]any{
		"id":      "chatcmpl-2",
		"model":   "gpt-4o-mini",
		"choices": []any{},
		"usage":   map[string]any{"prompt_tokens": 80, "completion_tokens": 0, "total_tokens": 80},
	})

	comp, err := NewOpenAIProvider("k", ts.URL+"/v1", "", 0).Complete(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, resilience.KindExtraction, resilience.KindOf(err))
	require.NotNil(t, comp)
	assert.Equal(t, int64(80), comp.Usage.InputTokens)
}

func TestOpenAIProvider_RateLimited(t *testing.T) {
	ts := openAIServer(t, http.StatusTooManyRequests, map[string]any{
		"error": map[string]any{"message": "Rate limit reached", "type": "requests", "code": "rate_limit_exceeded"},
	})

	_, err := NewOpenAIProvider("k", ts.URL+"/v1", "", 0).Complete(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, resilience.KindRateLimit, resilience.KindOf(err))
}

func TestOpenAIProvider_RetryAfter(t *testing.T) {
	for _, tt := range []struct {
		name   string
		status int
		header string
		kind   resilience.Kind
		want   time.Duration
	}{
		{"seconds", http.StatusTooManyRequests, "20", resilience.KindRateLimit, 20 * time.Second},
		{"http date", http.StatusTooManyRequests, time.Now().Add(time.Minute).UTC().Format(http.TimeFormat), resilience.KindRateLimit, time.Minute},
		{"overloaded", http.StatusServiceUnavailable, "5", resilience.KindInfrastructure, 5 * time.Second},
		{"absent", http.StatusTooManyRequests, "", resilience.KindRateLimit, 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests"}}`)) //nolint:errcheck
			}))
			defer ts.Close()

			_, err := NewOpenAIProvider("k", ts.URL+"/v1", "", 0).Complete(context.Background(), "x")
			require.Error(t, err)
			ce := resilience.Classify(err)
			assert.Equal(t, tt.kind, ce.Kind)
			assert.InDelta(t, tt.want.Seconds(), ce.RetryAfter.Seconds(), 2)
		})
	}
}
