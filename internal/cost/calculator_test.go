package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"haiku":  {Input: 0.80, Output: 4.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
			"sonnet": {Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		},
		OpenAI: map[string]ModelRate{
			"mini": {Input: 0.15, Output: 0.60},
		},
	}
}

func TestCost(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name     string
		provider string
		model    string
		usage    Usage
		want     float64
	}{
		{
			name:     "haiku simple",
			provider: "anthropic", model: "haiku",
			usage: Usage{InputTokens: 1_000_000, OutputTokens: 100_000},
			want:  0.80 + 0.40,
		},
		{
			name:     "haiku with cache",
			provider: "anthropic", model: "haiku",
			usage: Usage{InputTokens: 500_000, OutputTokens: 50_000, CacheWriteTokens: 200_000, CacheReadTokens: 300_000},
			// 0.40 in + 0.20 out + 0.20 cache write + 0.024 cache read
			want: 0.824,
		},
		{
			name:     "sonnet",
			provider: "Anthropic", model: "sonnet",
			usage: Usage{InputTokens: 1_000_000, OutputTokens: 100_000},
			want:  4.50,
		},
		{
			name:     "openai",
			provider: "openai", model: "mini",
			usage: Usage{InputTokens: 2_000_000, OutputTokens: 1_000_000},
			want:  0.90,
		},
		{
			name:     "unknown model",
			provider: "anthropic", model: "nope",
			usage: Usage{InputTokens: 1_000_000},
			want:  0,
		},
		{
			name:     "unknown provider",
			provider: "noop", model: "haiku",
			usage: Usage{InputTokens: 1_000_000},
			want:  0,
		},
		{
			name:     "zero tokens",
			provider: "anthropic", model: "haiku",
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Cost(tt.provider, tt.model, tt.usage), 0.0001)
		})
	}
}

func TestUsageTotal(t *testing.T) {
	t.Parallel()
	assert.Equal(t, int64(10), Usage{InputTokens: 4, OutputTokens: 3, CacheWriteTokens: 2, CacheReadTokens: 1}.Total())
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()

	assert.Contains(t, rates.Anthropic, "claude-haiku-4-5-20251001")
	assert.Contains(t, rates.Anthropic, "claude-sonnet-4-5-20250929")
	assert.Contains(t, rates.OpenAI, "gpt-4o-mini")
}
