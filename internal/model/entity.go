package model

import "sort"

// EntityKind distinguishes resolved customers from issue mentions.
type EntityKind string

const (
	EntityCustomer EntityKind = "customer"
	EntityIssue    EntityKind = "issue"
)

// CanonicalEntity is a resolved identity and the raw aliases seen for it.
type CanonicalEntity struct {
	Name    string     `json:"name"`
	Kind    EntityKind `json:"kind"`
	Aliases []string   `json:"aliases,omitempty"`
}

// EntityNames returns the sorted canonical names of the given kind.
func EntityNames(entities []CanonicalEntity, kind EntityKind) []string {
	var names []string
	for _, e := range entities {
		if e.Kind == kind {
			names = append(names, e.Name)
		}
	}
	sort.Strings(names)
	return names
}
