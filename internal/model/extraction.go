package model

// Provenance tags which path produced an extraction.
type Provenance string

const (
	ProvenanceLLM       Provenance = "llm"
	ProvenanceHeuristic Provenance = "heuristic"
)

// ExtractionResult holds raw entity candidates from one extraction attempt.
// An empty result is valid; a failed attempt is reported as an error instead.
type ExtractionResult struct {
	Customers  []string   `json:"customers"`
	Issues     []string   `json:"issues"`
	Provenance Provenance `json:"provenance"`
}

// Empty reports whether the result carries no candidates at all.
func (r *ExtractionResult) Empty() bool {
	return r == nil || (len(r.Customers) == 0 && len(r.Issues) == 0)
}

// Candidates is the input to entity resolution.
type Candidates struct {
	Customers []string `json:"customers"`
	Issues    []string `json:"issues"`
}

// CandidatesFrom converts an extraction result into resolver input.
func CandidatesFrom(r *ExtractionResult) Candidates {
	if r == nil {
		return Candidates{}
	}
	return Candidates{Customers: r.Customers, Issues: r.Issues}
}

// ThreadContext carries what the resolver needs to know about the thread a
// signal sits in. RootCustomers must be the root's already-resolved set.
type ThreadContext struct {
	SignalRef     string   `json:"signal_ref"`
	ThreadID      string   `json:"thread_id,omitempty"`
	RootCustomers []string `json:"root_customers,omitempty"`
}

// IsReply reports whether the context describes a reply rather than a root.
func (t ThreadContext) IsReply() bool {
	return t.ThreadID != "" && t.ThreadID != t.SignalRef
}
