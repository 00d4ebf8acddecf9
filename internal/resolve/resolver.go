// Package resolve maps raw entity mentions to canonical names using an
// alias table, fuzzy matching and reply-thread inheritance.
package resolve

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/sells-group/signal-cli/internal/model"
)

// Resolver canonicalizes extraction candidates. Resolve is pure with
// respect to its inputs and the current learned set; Learn is the only
// mutation and is safe for concurrent use.
type Resolver struct {
	aliases *AliasTable
	matcher *Matcher

	mu sync.RWMutex
	// learned maps normalized keys to canonical names seen in earlier
	// resolutions, per kind. A key is never remapped once learned.
	learned map[model.EntityKind]map[string]string
	// learnedNames lists learned canonical keys for fuzzy matching.
	learnedNames map[model.EntityKind][]string
}

// NewResolver creates a Resolver. A nil table or matcher selects the defaults.
func NewResolver(aliases *AliasTable, matcher *Matcher) *Resolver {
	if aliases == nil {
		aliases = DefaultAliasTable()
	}
	if matcher == nil {
		matcher = defaultMatcher
	}
	return &Resolver{
		aliases: aliases,
		matcher: matcher,
		learned: map[model.EntityKind]map[string]string{
			model.EntityCustomer: {},
			model.EntityIssue:    {},
		},
		learnedNames: map[model.EntityKind][]string{},
	}
}

// Learn records canonical entities (typically loaded from or written to
// the store) so later resolutions can match against them. Existing keys
// keep their first canonical name. Returns the number of new keys.
func (r *Resolver) Learn(entities []model.CanonicalEntity) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for _, e := range entities {
		keys, ok := r.learned[e.Kind]
		if !ok || strings.TrimSpace(e.Name) == "" {
			continue
		}
		issue := e.Kind == model.EntityIssue
		nameKey := normalizeKind(issue, e.Name)
		if nameKey == "" {
			continue
		}
		if _, seen := keys[nameKey]; !seen {
			keys[nameKey] = e.Name
			r.learnedNames[e.Kind] = append(r.learnedNames[e.Kind], nameKey)
			added++
		}
		for _, a := range e.Aliases {
			k := normalizeKind(issue, a)
			if _, seen := keys[k]; k != "" && !seen {
				keys[k] = e.Name
				added++
			}
		}
	}
	return added
}

// known resolves key against the alias table and the learned set, exactly
// and then fuzzily.
func (r *Resolver) known(kind model.EntityKind, key string) (string, bool) {
	if c, ok := r.aliases.lookupKey(kind, key); ok {
		return c, true
	}

	r.mu.RLock()
	c, ok := r.learned[kind][key]
	learnedKeys := r.learnedNames[kind]
	r.mu.RUnlock()
	if ok {
		return c, true
	}

	if best, ok := r.matcher.Best(key, r.aliasKeys(kind)); ok {
		c, _ := r.aliases.lookupKey(kind, best)
		return c, true
	}
	if best, ok := r.matcher.Best(key, learnedKeys); ok {
		r.mu.RLock()
		c := r.learned[kind][best]
		r.mu.RUnlock()
		return c, true
	}
	return "", false
}

// aliasKeys returns the normalized keys of the alias table's canonical names.
func (r *Resolver) aliasKeys(kind model.EntityKind) []string {
	canonicals := r.aliases.Canonicals(kind)
	keys := make([]string, 0, len(canonicals))
	for _, c := range canonicals {
		keys = append(keys, normalizeKind(kind == model.EntityIssue, c))
	}
	return keys
}

// Resolve canonicalizes candidates into a set of entities sorted by kind and
// name. A reply with no customer of its own inherits the thread root's
// already-resolved customers, and nothing further up.
func (r *Resolver) Resolve(candidates model.Candidates, thread model.ThreadContext) []model.CanonicalEntity {
	customers := r.resolveKind(model.EntityCustomer, candidates.Customers)
	if len(customers) == 0 && thread.IsReply() {
		customers = inherit(thread.RootCustomers)
	}
	issues := r.resolveKind(model.EntityIssue, candidates.Issues)
	return append(customers, issues...)
}

// mention is a raw candidate that matched nothing known. cased marks a
// spelling that carried its own capitalization.
type mention struct {
	key     string
	display string
	cased   bool
}

// resolveKind is independent of the order of raws: unknown mentions that
// fuzzy-match each other collapse into one entity named by their most
// frequent spelling. Ties prefer spellings with their own capitalization,
// then the lexicographically smallest.
func (r *Resolver) resolveKind(kind model.EntityKind, raws []string) []model.CanonicalEntity {
	issue := kind == model.EntityIssue
	variants := map[string]map[string]bool{}
	add := func(name, display string) {
		if _, ok := variants[name]; !ok {
			variants[name] = map[string]bool{}
		}
		if display != name {
			variants[name][display] = true
		}
	}

	anchored := map[string]string{}
	var loose []mention
	for _, raw := range raws {
		key := normalizeKind(issue, raw)
		if key == "" {
			continue
		}
		if c, ok := r.known(kind, key); ok {
			anchored[key] = c
			add(c, CleanDisplay(raw))
			continue
		}
		loose = append(loose, mention{
			key:     key,
			display: CleanDisplay(raw),
			cased:   strings.IndexFunc(raw, unicode.IsUpper) >= 0,
		})
	}

	anchorKeys := make([]string, 0, len(anchored))
	for k := range anchored {
		anchorKeys = append(anchorKeys, k)
	}
	sort.Strings(anchorKeys)

	var rest []mention
	for _, m := range loose {
		if best, ok := r.matcher.Best(m.key, anchorKeys); ok {
			add(anchored[best], m.display)
			continue
		}
		rest = append(rest, m)
	}
	for _, group := range r.clusters(rest) {
		name := preferredSpelling(group)
		for _, m := range group {
			add(name, m.display)
		}
	}

	out := make([]model.CanonicalEntity, 0, len(variants))
	for name, vs := range variants {
		e := model.CanonicalEntity{Name: name, Kind: kind}
		for v := range vs {
			e.Aliases = append(e.Aliases, v)
		}
		sort.Strings(e.Aliases)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// clusters groups mentions into the connected components of the fuzzy
// match relation.
func (r *Resolver) clusters(ms []mention) [][]mention {
	parent := make([]int, len(ms))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	for i := range ms {
		for j := i + 1; j < len(ms); j++ {
			if r.matcher.MatchKeys(ms[i].key, ms[j].key) {
				parent[find(i)] = find(j)
			}
		}
	}

	byRoot := map[int][]mention{}
	var roots []int
	for i, m := range ms {
		root := find(i)
		if _, ok := byRoot[root]; !ok {
			roots = append(roots, root)
		}
		byRoot[root] = append(byRoot[root], m)
	}
	out := make([][]mention, 0, len(roots))
	for _, root := range roots {
		out = append(out, byRoot[root])
	}
	return out
}

func preferredSpelling(group []mention) string {
	type tally struct {
		n     int
		cased bool
	}
	tallies := map[string]*tally{}
	for _, m := range group {
		t, ok := tallies[m.display]
		if !ok {
			t = &tally{}
			tallies[m.display] = t
		}
		t.n++
		t.cased = t.cased || m.cased
	}
	better := func(a, b string) bool {
		ta, tb := tallies[a], tallies[b]
		if ta.n != tb.n {
			return ta.n > tb.n
		}
		if ta.cased != tb.cased {
			return ta.cased
		}
		return a < b
	}
	best := ""
	for display := range tallies {
		if best == "" || better(display, best) {
			best = display
		}
	}
	return best
}

func inherit(rootCustomers []string) []model.CanonicalEntity {
	seen := map[string]bool{}
	var out []model.CanonicalEntity
	for _, c := range rootCustomers {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, model.CanonicalEntity{Name: c, Kind: model.EntityCustomer})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
