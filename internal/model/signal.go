package model

import (
	"strings"
	"time"
)

// SourceType tags the system a signal was ingested from.
type SourceType string

const (
	SourceChat     SourceType = "chat"
	SourceForum    SourceType = "forum"
	SourceDocument SourceType = "document"
)

// Metadata keys read and written by the pipeline.
const (
	MetaThreadID   = "thread_id"
	MetaTimestamp  = "timestamp"
	MetaCustomers  = "customers"
	MetaIssues     = "issues"
	MetaProvenance = "provenance"
	MetaResolvedAt = "resolved_at"
)

// Signal is one ingested communication unit (message, reply, post).
type Signal struct {
	ID        string         `json:"id"`
	Source    SourceType     `json:"source"`
	SourceRef string         `json:"source_ref"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ThreadID returns the thread this signal belongs to, or "" if none.
func (s Signal) ThreadID() string {
	return MetaString(s.Metadata, MetaThreadID)
}

// IsReply reports whether the signal is a reply inside someone else's
// thread, i.e. its thread id differs from its own source reference.
func (s Signal) IsReply() bool {
	tid := s.ThreadID()
	return tid != "" && tid != s.SourceRef
}

// Customers returns the resolved customer names persisted on the signal.
func (s Signal) Customers() []string {
	return MetaStrings(s.Metadata, MetaCustomers)
}

// Resolved reports whether the pipeline has already written a resolution
// for this signal, even an empty one.
func (s Signal) Resolved() bool {
	return MetaString(s.Metadata, MetaResolvedAt) != ""
}

// MetaString reads a string value from a metadata map.
func MetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	v, ok := meta[key]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// MetaStrings reads a list of strings from a metadata map. Values decoded
// from JSON arrive as []any and are converted element by element.
func MetaStrings(meta map[string]any, key string) []string {
	if meta == nil {
		return nil
	}
	switch v := meta[key].(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	default:
		return nil
	}
}

// MergeMetadata applies patch on top of base and returns the result. Keys
// whose patch value is nil or an empty list are removed rather than stored
// empty. base is not modified.
func MergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if isEmptyValue(v) {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case []string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}
