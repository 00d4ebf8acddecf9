// Package store persists signals, canonical entities, cost entries and the
// dead-letter queue.
package store

import (
	"context"
	"time"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
)

// SignalFilter specifies criteria for listing signals.
type SignalFilter struct {
	Source   model.SourceType `json:"source,omitempty"`
	ThreadID string           `json:"thread_id,omitempty"`
	// Unresolved selects signals without a resolved_at marker.
	Unresolved bool `json:"unresolved,omitempty"`
	Limit      int  `json:"limit,omitempty"`
	Offset     int  `json:"offset,omitempty"`
}

// Store defines the persistence interface for the signal pipeline.
type Store interface {
	// Signals
	UpsertSignal(ctx context.Context, sig *model.Signal) (*model.Signal, error)
	GetSignal(ctx context.Context, id string) (*model.Signal, error)
	GetSignalByRef(ctx context.Context, source model.SourceType, ref string) (*model.Signal, error)
	ListSignals(ctx context.Context, filter SignalFilter) ([]model.Signal, error)
	GetMetadata(ctx context.Context, id string) (map[string]any, error)
	// MergeMetadata sets the keys in patch on the signal's metadata. Keys
	// whose value is nil or an empty list are removed.
	MergeMetadata(ctx context.Context, id string, patch map[string]any) error

	// Costs
	InsertCosts(ctx context.Context, entries []model.CostEntry) (int, error)
	SumCosts(ctx context.Context, agentID string, since time.Time) (float64, error)

	// Canonical entities. Writes never remap an existing (kind, alias).
	UpsertEntities(ctx context.Context, entities []model.CanonicalEntity) (int, error)
	ListEntities(ctx context.Context, kind model.EntityKind) ([]model.CanonicalEntity, error)

	// Dead-letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// splitPatch separates a metadata patch into keys to set and keys to delete.
func splitPatch(patch map[string]any) (set map[string]any, del []string) {
	set = make(map[string]any, len(patch))
	for k, v := range patch {
		switch t := v.(type) {
		case nil:
			del = append(del, k)
		case []string:
			if len(t) == 0 {
				del = append(del, k)
			} else {
				set[k] = v
			}
		case []any:
			if len(t) == 0 {
				del = append(del, k)
			} else {
				set[k] = v
			}
		default:
			set[k] = v
		}
	}
	return set, del
}

// entityRows flattens entities to (kind, alias, canonical) rows. The
// canonical name is stored as its own alias.
func entityRows(entities []model.CanonicalEntity) [][]any {
	var rows [][]any
	seen := map[[2]string]bool{}
	for _, e := range entities {
		if e.Name == "" {
			continue
		}
		for _, alias := range append([]string{e.Name}, e.Aliases...) {
			key := [2]string{string(e.Kind), alias}
			if alias == "" || seen[key] {
				continue
			}
			seen[key] = true
			rows = append(rows, []any{string(e.Kind), alias, e.Name})
		}
	}
	return rows
}

// groupEntities rebuilds entities from (alias, canonical) pairs in order.
func groupEntities(kind model.EntityKind, pairs [][2]string) []model.CanonicalEntity {
	idx := map[string]int{}
	var out []model.CanonicalEntity
	for _, p := range pairs {
		alias, canonical := p[0], p[1]
		i, ok := idx[canonical]
		if !ok {
			i = len(out)
			idx[canonical] = i
			out = append(out, model.CanonicalEntity{Name: canonical, Kind: kind})
		}
		if alias != canonical {
			out[i].Aliases = append(out[i].Aliases, alias)
		}
	}
	return out
}

func defaultLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
