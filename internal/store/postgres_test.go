package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var (
	_ Store = (*PostgresStore)(nil)

	signalRowCols = []string{"id", "source", "source_ref", "content", "metadata", "created_at"}
)

func TestPostgresStore_UpsertSignal(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO signals .* ON CONFLICT \(source, source_ref\) DO UPDATE SET .* CASE WHEN signals.content = EXCLUDED.content .* ARRAY\['resolved_at', 'customers', 'issues', 'provenance'\]`).
		WithArgs(pgxmock.AnyArg(), "chat", "msg-1", "Schwab login down", pgxmock.AnyArg(), now).
		WillReturnRows(pgxmock.NewRows(signalRowCols).
			AddRow("sig-1", "chat", "msg-1", "Schwab login down", []byte(`{"thread_id":"msg-1","customers":["Charles Schwab"]}`), now))

	got, err := s.UpsertSignal(context.Background(), &model.Signal{
		Source:    model.SourceChat,
		SourceRef: "msg-1",
		Content:   "Schwab login down",
		Metadata:  map[string]any{model.MetaThreadID: "msg-1"},
		CreatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, "sig-1", got.ID)
	assert.Equal(t, []string{"Charles Schwab"}, got.Customers())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSignal_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, source, source_ref, content, metadata, created_at FROM signals WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetSignal(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, resilience.KindNotFound, resilience.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSignals_ThreadFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`metadata->>'thread_id' = \$1 OR source_ref = \$1\) AND NOT \(metadata \? 'resolved_at'\) ORDER BY created_at ASC, id ASC LIMIT \$2`).
		WithArgs("root", 100).
		WillReturnRows(pgxmock.NewRows(signalRowCols).
			AddRow("s1", "chat", "root", "a", []byte(`{}`), now).
			AddRow("s2", "chat", "reply", "b", []byte(`{"thread_id":"root"}`), now))

	sigs, err := s.ListSignals(context.Background(), SignalFilter{ThreadID: "root", Unresolved: true})
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.True(t, sigs[1].IsReply())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MergeMetadata(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE signals SET metadata = \(metadata \|\| \$2::jsonb\) - \$3::text\[\] WHERE id = \$1`).
		WithArgs("sig-1", []byte(`{"customers":["UPS"]}`), []string{"issues"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.MergeMetadata(context.Background(), "sig-1", map[string]any{
		model.MetaCustomers: []string{"UPS"},
		model.MetaIssues:    []string{},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MergeMetadata_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE signals SET metadata`).
		WithArgs("missing", []byte(`{"provenance":"llm"}`), []string{}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MergeMetadata(context.Background(), "missing", map[string]any{model.MetaProvenance: "llm"})
	assert.Equal(t, resilience.KindNotFound, resilience.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMetadata(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT metadata FROM signals WHERE id = \$1`).
		WithArgs("sig-1").
		WillReturnRows(pgxmock.NewRows([]string{"metadata"}).AddRow([]byte(`{"provenance":"heuristic"}`)))

	meta, err := s.GetMetadata(context.Background(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, "heuristic", meta[model.MetaProvenance])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertCosts_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectCopyFrom(pgx.Identifier{"cost_entries"}, costColumns).WillReturnResult(2)

	n, err := s.InsertCosts(context.Background(), []model.CostEntry{
		{ID: "c1", AgentID: "a", Operation: model.OperationExtraction, Provider: "anthropic", Model: "m", CostUSD: 0.1, CreatedAt: now},
		{ID: "c2", AgentID: "a", Operation: model.OperationExtraction, Provider: "anthropic", Model: "m", CostUSD: 0.2, CreatedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertCosts_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"cost_entries"}, costColumns).WillReturnError(errors.New("conn closed"))

	_, err := s.InsertCosts(context.Background(), []model.CostEntry{{ID: "c1", AgentID: "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert costs")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SumCosts(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(cost_usd\), 0\)::float8 FROM cost_entries`).
		WithArgs("agent-1", since).
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(12.5))

	total, err := s.SumCosts(context.Background(), "agent-1", since)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, total, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertEntities_DoNothing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_canonical_entities"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_canonical_entities"}, []string{"kind", "alias", "canonical"}).
		WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("kind", "alias"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.UpsertEntities(context.Background(), []model.CanonicalEntity{
		{Name: "Salesforce", Kind: model.EntityCustomer, Aliases: []string{"SFDC"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListEntities(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT alias, canonical FROM canonical_entities WHERE kind = \$1`).
		WithArgs("customer").
		WillReturnRows(pgxmock.NewRows([]string{"alias", "canonical"}).
			AddRow("Meta", "Meta").
			AddRow("Facebook", "Meta"))

	got, err := s.ListEntities(context.Background(), model.EntityCustomer)
	require.NoError(t, err)
	assert.Equal(t, []model.CanonicalEntity{
		{Name: "Meta", Kind: model.EntityCustomer, Aliases: []string{"Facebook"}},
	}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	entry := resilience.NewDLQEntry("d1", "sig-1", "extract", resilience.Timeout("llm", nil), 3, time.Minute, now)

	mock.ExpectExec(`INSERT INTO dead_letter_queue`).
		WithArgs("d1", "sig-1", entry.Error, "timeout", true, "extract", 0, 3,
			entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.EnqueueDLQ(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DequeueDLQ_RetryableOnly(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`AND retryable ORDER BY next_retry_at ASC LIMIT \$1`).
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "signal_id", "error", "kind", "retryable", "stage", "retry_count", "max_retries",
			"next_retry_at", "created_at", "last_failed_at",
		}).AddRow("d1", "sig-1", "timeout: llm", "timeout", true, "extract", 1, 3, now, now, now))

	entries, err := s.DequeueDLQ(context.Background(), resilience.DLQFilter{RetryableOnly: true, Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, resilience.KindTimeout, entries[0].Kind)
	assert.True(t, entries[0].CanRetry())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementDLQRetry_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	next := time.Now().Add(time.Minute)

	mock.ExpectExec(`UPDATE dead_letter_queue`).
		WithArgs(next, "boom", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.IncrementDLQRetry(context.Background(), "missing", next, "boom")
	assert.Equal(t, resilience.KindNotFound, resilience.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountAndRemoveDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM dead_letter_queue WHERE id = \$1`).
		WithArgs("d1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM dead_letter_queue`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	require.NoError(t, s.RemoveDLQ(context.Background(), "d1"))
	n, err := s.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS signals`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PingAndClose(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectPing()

	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
