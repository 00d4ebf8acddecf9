package resolve

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

const (
	// DefaultThreshold is the minimum similarity for a fuzzy match.
	DefaultThreshold = 0.85
	// singleTokenThreshold applies when either name is a single word.
	singleTokenThreshold = 0.92
	// minFuzzyRunes is the normalized length below which only exact matches count.
	minFuzzyRunes = 5
)

// Matcher compares normalized names under a fixed similarity threshold.
// Short and single-word names get stricter rules so that generic one-word
// company names never conflate.
type Matcher struct {
	Threshold float64
}

// NewMatcher returns a Matcher; a non-positive threshold selects DefaultThreshold.
func NewMatcher(threshold float64) *Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Matcher{Threshold: threshold}
}

var defaultMatcher = NewMatcher(DefaultThreshold)

// FuzzyMatch reports whether two company names refer to the same entity
// under the default threshold.
func FuzzyMatch(a, b string) bool {
	return defaultMatcher.Match(a, b)
}

// Match normalizes a and b as company names and compares them.
func (m *Matcher) Match(a, b string) bool {
	return m.MatchKeys(NormalizeName(a), NormalizeName(b))
}

// MatchKeys compares two already-normalized keys.
func (m *Matcher) MatchKeys(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if utf8.RuneCountInString(a) < minFuzzyRunes || utf8.RuneCountInString(b) < minFuzzyRunes {
		return false
	}
	if numberTokens(a) != numberTokens(b) {
		return false
	}

	sim := Similarity(a, b)
	if !strings.Contains(a, " ") || !strings.Contains(b, " ") {
		ra, _ := utf8.DecodeRuneInString(a)
		rb, _ := utf8.DecodeRuneInString(b)
		return ra == rb && sim >= singleTokenThreshold
	}
	return sim >= m.Threshold
}

// Best returns the candidate key that best matches key, if any passes.
// Ties keep the earliest candidate.
func (m *Matcher) Best(key string, candidates []string) (string, bool) {
	best, bestSim := "", -1.0
	for _, c := range candidates {
		if !m.MatchKeys(key, c) {
			continue
		}
		if s := Similarity(key, c); s > bestSim {
			best, bestSim = c, s
		}
	}
	return best, bestSim >= 0
}

// numberTokens returns the sorted tokens of key that contain a digit. Names
// differing in any of them never match.
func numberTokens(key string) string {
	var out []string
	for _, t := range strings.Fields(key) {
		if strings.IndexFunc(t, unicode.IsDigit) >= 0 {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}

// Similarity is the larger of token Jaccard and normalized Levenshtein
// similarity of two normalized keys, in [0, 1].
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	return max(tokenJaccard(a, b), normalizedLevenshtein(a, b))
}

func tokenJaccard(a, b string) float64 {
	aSet := map[string]struct{}{}
	for _, t := range strings.Fields(a) {
		aSet[t] = struct{}{}
	}
	inter, union := 0, len(aSet)
	seen := map[string]struct{}{}
	for _, t := range strings.Fields(b) {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := aSet[t]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func normalizedLevenshtein(a, b string) float64 {
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}
