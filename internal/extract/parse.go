package extract

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
)

type llmPayload struct {
	Customers []string `json:"customers"`
	Issues    []string `json:"issues"`
}

// ParseResponse decodes the model's JSON answer. Code fences and prose
// around the object are tolerated. Failures are extraction errors.
func ParseResponse(text string) (*model.ExtractionResult, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" || !strings.HasPrefix(cleaned, "{") {
		return nil, resilience.Extraction(eris.New("no JSON object in response"), "parse llm response")
	}

	var p llmPayload
	if err := json.Unmarshal([]byte(cleaned), &p); err != nil {
		return nil, resilience.Extraction(eris.Wrap(err, "extract: decode payload"), "parse llm response")
	}
	return &model.ExtractionResult{
		Customers:  dedupe(p.Customers),
		Issues:     dedupe(p.Issues),
		Provenance: model.ProvenanceLLM,
	}, nil
}

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// dedupe trims values and drops blanks and case-insensitive repeats,
// keeping first-seen order.
func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if v == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}
