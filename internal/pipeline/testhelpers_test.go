package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func fastConfig() Config {
	return Config{
		MaxConcurrency: 4,
		InheritWait:    resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2},
		DLQMaxRetries:  3,
		DLQBackoff:     time.Minute,
		WriteRetry:     resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2},
	}
}

// stubExtractor answers by signal source ref. Unknown refs yield an empty
// heuristic result.
type stubExtractor struct {
	mu      sync.Mutex
	results map[string]*model.ExtractionResult
	errs    map[string]error
	delay   map[string]time.Duration
	calls   []string
}

func newStubExtractor() *stubExtractor {
	return &stubExtractor{
		results: map[string]*model.ExtractionResult{},
		errs:    map[string]error{},
		delay:   map[string]time.Duration{},
	}
}

func (s *stubExtractor) on(ref string, customers, issues []string) *stubExtractor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[ref] = &model.ExtractionResult{Customers: customers, Issues: issues, Provenance: model.ProvenanceLLM}
	delete(s.errs, ref)
	return s
}

func (s *stubExtractor) fail(ref string, err error) *stubExtractor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[ref] = err
	return s
}

func (s *stubExtractor) Extract(ctx context.Context, sig *model.Signal) (*model.ExtractionResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, sig.SourceRef)
	res, err, d := s.results[sig.SourceRef], s.errs[sig.SourceRef], s.delay[sig.SourceRef]
	s.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &model.ExtractionResult{Provenance: model.ProvenanceHeuristic}, nil
	}
	return res, nil
}

func (s *stubExtractor) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// flakyStore overrides selected Store methods with failures.
type flakyStore struct {
	store.Store
	mergeErr error
	// mergeFailures limits mergeErr to the first calls; 0 fails every call.
	mergeFailures int
	mergeCalls    int
	lookupErr     error
	entitiesErr   error
	enqueueCalls  int
}

func (f *flakyStore) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	f.mergeCalls++
	if f.mergeErr != nil && (f.mergeFailures == 0 || f.mergeCalls <= f.mergeFailures) {
		return f.mergeErr
	}
	return f.Store.MergeMetadata(ctx, id, patch)
}

func (f *flakyStore) GetSignalByRef(ctx context.Context, source model.SourceType, ref string) (*model.Signal, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.Store.GetSignalByRef(ctx, source, ref)
}

func (f *flakyStore) UpsertEntities(ctx context.Context, entities []model.CanonicalEntity) (int, error) {
	if f.entitiesErr != nil {
		return 0, f.entitiesErr
	}
	return f.Store.UpsertEntities(ctx, entities)
}

func (f *flakyStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	f.enqueueCalls++
	return f.Store.EnqueueDLQ(ctx, entry)
}

func seedSignal(t *testing.T, st store.Store, ref, thread, content string) *model.Signal {
	t.Helper()
	meta := map[string]any{}
	if thread != "" {
		meta[model.MetaThreadID] = thread
	}
	sig, err := st.UpsertSignal(context.Background(), &model.Signal{
		Source:    model.SourceChat,
		SourceRef: ref,
		Content:   content,
		Metadata:  meta,
	})
	require.NoError(t, err)
	return sig
}

// newTestPipeline backdates the pipeline clock so dead-letter entries are
// already due when tests dequeue them.
func newTestPipeline(st store.Store, ex Extractor) *Pipeline {
	p := New(fastConfig(), st, ex, nil)
	p.nowFunc = func() time.Time { return time.Now().Add(-time.Hour) }
	return p
}

func dueDLQ(t *testing.T, st store.Store) []resilience.DLQEntry {
	t.Helper()
	entries, err := st.DequeueDLQ(context.Background(), resilience.DLQFilter{Limit: 100})
	require.NoError(t, err)
	return entries
}
