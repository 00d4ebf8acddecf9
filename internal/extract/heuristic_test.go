package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/internal/resolve"
)

func defaultHeuristic() *Heuristic {
	return NewHeuristic(resolve.DefaultAliasTable().Names(model.EntityCustomer))
}

func TestHeuristic_Customers(t *testing.T) {
	t.Parallel()
	h := defaultHeuristic()
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"suffix pattern", "We renewed the contract with Globex Corp. last week", []string{"Globex Corp"}},
		{"capitalized run", "Spoke with Acme Widgets about the renewal", []string{"Acme Widgets"}},
		{"leading stopword stripped", "Hi team, The Initech Group wants a demo", []string{"Initech Group"}},
		{"known single word", "schwab asked about the export", []string{"Schwab"}},
		{"all caps known name is case sensitive", "two follow ups pending", []string{}},
		{"all caps known name", "UPS wants tracking in the report", []string{"UPS"}},
		{"months are not names", "See you in March Monday", []string{}},
		{"plain lowercase text", "nothing to see here", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.Extract(tt.text)
			require.NoError(t, err)
			assert.Equal(t, model.ProvenanceHeuristic, res.Provenance)
			assert.Equal(t, tt.want, res.Customers)
		})
	}
}

func TestHeuristic_TitleCaseFalsePositives(t *testing.T) {
	t.Parallel()
	h := defaultHeuristic()
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"product surface at sentence start", "Customer Portal keeps crashing on login.", []string{}},
		{"person at sentence start", "Sarah Jones said the export is broken for them.", []string{}},
		{"greeting", "Happy New Year everyone, the dashboard is slow again.", []string{}},
		{"person mid sentence", "We spoke with Sarah Jones about pricing", []string{}},
		{"role mid sentence", "Ping the Support Team about billing", []string{}},
		{"product mid sentence", "Users say the Help Center is slow", []string{}},
		{"sentence start with company marker", "Initech Systems reported checkout errors", []string{"Initech Systems"}},
		{"first name with company marker", "We onboarded Paul Holdings last week", []string{"Paul Holdings"}},
		{"sentence start without context", "Acme Widgets cannot export invoices.", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.Extract(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Customers)
		})
	}
}

func TestHeuristic_KnownSpellingAtSentenceStart(t *testing.T) {
	t.Parallel()
	res, err := NewHeuristic([]string{"Acme Widgets"}).Extract("Acme Widgets cannot export invoices.")
	require.NoError(t, err)
	assert.Equal(t, []string{"Acme Widgets"}, res.Customers)
}

func TestHeuristic_SuffixAndRunCollapse(t *testing.T) {
	t.Parallel()
	res, err := NewHeuristic(nil).Extract("Acme Widgets Inc. reported a problem.")
	require.NoError(t, err)
	assert.Equal(t, []string{"Acme Widgets Inc"}, res.Customers)
}

func TestHeuristic_Issues(t *testing.T) {
	t.Parallel()
	h := NewHeuristic(nil)

	res, err := h.Extract("The export page is broken again. Is it down? thanks")
	require.NoError(t, err)
	assert.Equal(t, []string{"The export page is broken again."}, res.Issues)

	res, err = h.Extract("Everything works great today!")
	require.NoError(t, err)
	assert.Empty(t, res.Issues)
}

func TestHeuristic_IssueTruncated(t *testing.T) {
	t.Parallel()
	long := "Checkout fails with a timeout " + strings.Repeat("whenever customers submit orders ", 10)
	res, err := NewHeuristic(nil).Extract(long)
	require.NoError(t, err)
	require.Len(t, res.Issues, 1)
	assert.LessOrEqual(t, len([]rune(res.Issues[0])), maxIssueRunes)
	assert.True(t, strings.HasPrefix(res.Issues[0], "Checkout fails with a timeout"))
}

func TestHeuristic_Deterministic(t *testing.T) {
	t.Parallel()
	h := defaultHeuristic()
	text := "Charles Shwab says login is broken. Meta Platforms saw the same error on Friday."
	first, err := h.Extract(text)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := h.Extract(text)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Contains(t, first.Customers, "Charles Shwab")
	assert.Contains(t, first.Customers, "Meta Platforms")
	assert.Len(t, first.Issues, 2)
}

func TestHeuristic_EmptyAndInvalid(t *testing.T) {
	t.Parallel()
	h := NewHeuristic(nil)

	res, err := h.Extract("   \n\t")
	require.NoError(t, err)
	assert.True(t, res.Empty())

	_, err = h.Extract("bad \xff bytes")
	require.Error(t, err)
	assert.Equal(t, resilience.KindValidation, resilience.KindOf(err))
}
