package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_IsReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sig  Signal
		want bool
	}{
		{"no thread", Signal{SourceRef: "1700000000.0001"}, false},
		{"thread root", Signal{SourceRef: "1700000000.0001", Metadata: map[string]any{MetaThreadID: "1700000000.0001"}}, false},
		{"reply", Signal{SourceRef: "1700000000.0002", Metadata: map[string]any{MetaThreadID: "1700000000.0001"}}, true},
		{"blank thread id", Signal{SourceRef: "x", Metadata: map[string]any{MetaThreadID: "  "}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.sig.IsReply())
		})
	}
}

func TestSignal_CustomersFromJSON(t *testing.T) {
	t.Parallel()

	var sig Signal
	require.NoError(t, json.Unmarshal([]byte(`{"id":"s1","metadata":{"customers":["Acme", "", 3, "UPS"]}}`), &sig))
	assert.Equal(t, []string{"Acme", "UPS"}, sig.Customers())
}

func TestSignal_Resolved(t *testing.T) {
	t.Parallel()

	assert.False(t, Signal{}.Resolved())
	assert.True(t, Signal{Metadata: map[string]any{MetaResolvedAt: "2026-01-02T03:04:05Z"}}.Resolved())
}

func TestMergeMetadata(t *testing.T) {
	t.Parallel()

	base := map[string]any{
		MetaThreadID:  "t1",
		MetaCustomers: []any{"Old Co"},
		"author":      "jdoe",
	}

	t.Run("merges and overwrites", func(t *testing.T) {
		out := MergeMetadata(base, map[string]any{MetaCustomers: []string{"Acme"}})
		assert.Equal(t, []string{"Acme"}, out[MetaCustomers])
		assert.Equal(t, "t1", out[MetaThreadID])
		assert.Equal(t, "jdoe", out["author"])
	})

	t.Run("empty list removes key", func(t *testing.T) {
		out := MergeMetadata(base, map[string]any{MetaCustomers: []string{}})
		assert.NotContains(t, out, MetaCustomers)
		assert.Contains(t, out, MetaThreadID)
	})

	t.Run("base untouched", func(t *testing.T) {
		_ = MergeMetadata(base, map[string]any{"author": nil})
		assert.Equal(t, "jdoe", base["author"])
	})
}

func TestEntityNames(t *testing.T) {
	t.Parallel()

	entities := []CanonicalEntity{
		{Name: "UPS", Kind: EntityCustomer},
		{Name: "login fails", Kind: EntityIssue},
		{Name: "AbbVie", Kind: EntityCustomer},
	}
	assert.Equal(t, []string{"AbbVie", "UPS"}, EntityNames(entities, EntityCustomer))
	assert.Equal(t, []string{"login fails"}, EntityNames(entities, EntityIssue))
}

func TestExtractionResult_Empty(t *testing.T) {
	t.Parallel()

	var nilResult *ExtractionResult
	assert.True(t, nilResult.Empty())
	assert.True(t, (&ExtractionResult{Provenance: ProvenanceHeuristic}).Empty())
	assert.False(t, (&ExtractionResult{Issues: []string{"crash on save"}}).Empty())
}
