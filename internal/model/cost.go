package model

import "time"

// Operation kinds for billable calls.
const (
	OperationExtraction = "extraction"
	OperationEmbedding  = "embedding"
)

// CostEntry is one billing record for an LLM or embedding call.
type CostEntry struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	AgentID       string    `json:"agent_id"`
	Operation     string    `json:"operation"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	CostUSD       float64   `json:"cost_usd"`
	CreatedAt     time.Time `json:"created_at"`
}

// BudgetStatus is a Budget Gate verdict for one agent.
type BudgetStatus struct {
	Allowed  bool      `json:"allowed"`
	Reason   string    `json:"reason,omitempty"`
	CachedAt time.Time `json:"cached_at"`
}
