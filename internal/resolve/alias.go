package resolve

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/signal-cli/internal/model"
)

// AliasFile is the on-disk alias table: canonical name -> known variants,
// per entity kind.
type AliasFile struct {
	Customers map[string][]string `yaml:"customers"`
	Issues    map[string][]string `yaml:"issues"`
}

// AliasTable maps normalized name variants to canonical names. Every
// canonical name also maps to itself. Lookups are read-only after
// construction.
type AliasTable struct {
	byKind map[model.EntityKind]map[string]string
	// names keeps the raw spellings (canonicals and aliases) per kind.
	names map[model.EntityKind][]string
}

// DefaultAliases are the built-in customer aliases: known typos and
// rebrands observed in signals.
var DefaultAliases = AliasFile{
	Customers: map[string][]string{
		"Charles Schwab": {"Charles Shwab", "Schwab", "TD Ameritrade"},
		"AbbVie":         {"Abbvie Inc", "Abbvie Pharmaceuticals"},
		"UPS":            {"UPS.com", "United Parcel Service"},
		"Salesforce":     {"SFDC", "salesforce.com"},
		"Meta":           {"Facebook", "Meta Platforms"},
	},
}

// NewAliasTable builds a table from f. It fails if one alias would map to
// two different canonical names.
func NewAliasTable(f AliasFile) (*AliasTable, error) {
	t := &AliasTable{
		byKind: map[model.EntityKind]map[string]string{
			model.EntityCustomer: {},
			model.EntityIssue:    {},
		},
		names: map[model.EntityKind][]string{},
	}
	if err := t.add(model.EntityCustomer, f.Customers); err != nil {
		return nil, err
	}
	if err := t.add(model.EntityIssue, f.Issues); err != nil {
		return nil, err
	}
	for kind := range t.names {
		sort.Strings(t.names[kind])
	}
	return t, nil
}

// DefaultAliasTable returns the built-in table.
func DefaultAliasTable() *AliasTable {
	t, err := NewAliasTable(DefaultAliases)
	if err != nil {
		panic(err)
	}
	return t
}

// LoadAliasTable reads a YAML alias file and merges it over the defaults.
// An empty path returns the defaults.
func LoadAliasTable(path string) (*AliasTable, error) {
	if path == "" {
		return DefaultAliasTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: read alias file %s", path)
	}
	var f AliasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "resolve: parse alias file %s", path)
	}
	return NewAliasTable(mergeAliasFiles(DefaultAliases, f))
}

func mergeAliasFiles(base, over AliasFile) AliasFile {
	merge := func(a, b map[string][]string) map[string][]string {
		out := make(map[string][]string, len(a)+len(b))
		for k, v := range a {
			out[k] = append([]string(nil), v...)
		}
		for k, v := range b {
			out[k] = append(out[k], v...)
		}
		return out
	}
	return AliasFile{
		Customers: merge(base.Customers, over.Customers),
		Issues:    merge(base.Issues, over.Issues),
	}
}

func (t *AliasTable) add(kind model.EntityKind, entries map[string][]string) error {
	issue := kind == model.EntityIssue
	keys := t.byKind[kind]

	// Sorted so conflict errors are deterministic.
	canonicals := make([]string, 0, len(entries))
	for c := range entries {
		canonicals = append(canonicals, c)
	}
	sort.Strings(canonicals)

	for _, canonical := range canonicals {
		display := CleanDisplay(canonical)
		if display == "" {
			continue
		}
		for _, raw := range append([]string{canonical}, entries[canonical]...) {
			key := normalizeKind(issue, raw)
			if key == "" {
				continue
			}
			if existing, ok := keys[key]; ok && existing != display {
				return eris.Errorf("resolve: alias %q maps to both %q and %q", raw, existing, display)
			}
			if _, ok := keys[key]; !ok {
				t.names[kind] = append(t.names[kind], raw)
			}
			keys[key] = display
		}
	}
	return nil
}

// Lookup returns the canonical name for name, matching on its normalized form.
func (t *AliasTable) Lookup(kind model.EntityKind, name string) (string, bool) {
	return t.lookupKey(kind, normalizeKind(kind == model.EntityIssue, name))
}

func (t *AliasTable) lookupKey(kind model.EntityKind, key string) (string, bool) {
	if key == "" {
		return "", false
	}
	c, ok := t.byKind[kind][key]
	return c, ok
}

// Canonicals returns the distinct canonical names of a kind, sorted.
func (t *AliasTable) Canonicals(kind model.EntityKind) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range t.byKind[kind] {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// Names returns every raw spelling (canonical names and aliases) of a kind.
func (t *AliasTable) Names(kind model.EntityKind) []string {
	return append([]string(nil), t.names[kind]...)
}
