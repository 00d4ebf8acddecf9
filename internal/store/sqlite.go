package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas below are per connection; a single writer connection keeps
	// them in effect.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS signals (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	source_ref TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	UNIQUE (source, source_ref)
);

CREATE TABLE IF NOT EXISTS canonical_entities (
	kind       TEXT NOT NULL,
	alias      TEXT NOT NULL,
	canonical  TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (kind, alias)
);

CREATE TABLE IF NOT EXISTS cost_entries (
	id             TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL DEFAULT '',
	agent_id       TEXT NOT NULL,
	operation      TEXT NOT NULL,
	provider       TEXT NOT NULL,
	model          TEXT NOT NULL,
	input_tokens   INTEGER NOT NULL CHECK (input_tokens >= 0),
	output_tokens  INTEGER NOT NULL CHECK (output_tokens >= 0),
	cost_usd       REAL NOT NULL,
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	signal_id      TEXT NOT NULL,
	error          TEXT NOT NULL,
	kind           TEXT NOT NULL,
	retryable      INTEGER NOT NULL DEFAULT 0,
	stage          TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_created ON signals(created_at);
CREATE INDEX IF NOT EXISTS idx_cost_agent_created ON cost_entries(agent_id, created_at);
CREATE INDEX IF NOT EXISTS idx_entities_canonical ON canonical_entities(kind, canonical);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Signals ---

func (s *SQLiteStore) UpsertSignal(ctx context.Context, sig *model.Signal) (*model.Signal, error) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	meta, err := marshalMeta(sig.Metadata)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal metadata")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signals (id, source, source_ref, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source, source_ref) DO UPDATE SET
		   content = excluded.content,
		   metadata = json_patch(
		     CASE WHEN signals.content = excluded.content THEN signals.metadata
		          ELSE json_remove(signals.metadata, '$.resolved_at', '$.customers', '$.issues', '$.provenance')
		     END,
		     excluded.metadata)`,
		sig.ID, string(sig.Source), sig.SourceRef, sig.Content, meta, sig.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert signal %s/%s", sig.Source, sig.SourceRef)
	}
	return s.GetSignalByRef(ctx, sig.Source, sig.SourceRef)
}

const signalCols = `id, source, source_ref, content, metadata, created_at`

func (s *SQLiteStore) GetSignal(ctx context.Context, id string) (*model.Signal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signalCols+` FROM signals WHERE id = ?`, id)
	return scanSignal(row, id)
}

func (s *SQLiteStore) GetSignalByRef(ctx context.Context, source model.SourceType, ref string) (*model.Signal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+signalCols+` FROM signals WHERE source = ? AND source_ref = ?`,
		string(source), ref,
	)
	return scanSignal(row, string(source)+"/"+ref)
}

func (s *SQLiteStore) ListSignals(ctx context.Context, filter SignalFilter) ([]model.Signal, error) {
	query := `SELECT ` + signalCols + ` FROM signals WHERE 1=1`
	var args []any

	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(filter.Source))
	}
	if filter.ThreadID != "" {
		query += ` AND (json_extract(metadata, '$.thread_id') = ? OR source_ref = ?)`
		args = append(args, filter.ThreadID, filter.ThreadID)
	}
	if filter.Unresolved {
		query += ` AND json_extract(metadata, '$.resolved_at') IS NULL`
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list signals")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Signal
	for rows.Next() {
		sig, err := scanSignal(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *sig)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list signals iterate")
}

func (s *SQLiteStore) GetMetadata(ctx context.Context, id string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT metadata FROM signals WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, resilience.NotFound("signal", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get metadata %s", id)
	}
	return unmarshalMeta(raw)
}

func (s *SQLiteStore) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	set, del := splitPatch(patch)
	// json_patch removes keys whose patch value is null.
	for _, k := range del {
		set[k] = nil
	}
	data, err := json.Marshal(set)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metadata patch")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE signals SET metadata = json_patch(metadata, ?) WHERE id = ?`,
		string(data), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: merge metadata %s", id)
	}
	return checkRowsAffected(res, "signal", id)
}

// --- Costs ---

func (s *SQLiteStore) InsertCosts(ctx context.Context, entries []model.CostEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert costs")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO cost_entries
		 (id, correlation_id, agent_id, operation, provider, model, input_tokens, output_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert costs")
	}
	defer stmt.Close() //nolint:errcheck

	n := 0
	for _, e := range entries {
		res, err := stmt.ExecContext(ctx, e.ID, e.CorrelationID, e.AgentID, e.Operation, e.Provider, e.Model,
			e.InputTokens, e.OutputTokens, e.CostUSD, e.CreatedAt.UTC())
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert cost %s", e.ID)
		}
		affected, _ := res.RowsAffected()
		n += int(affected)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert costs")
	}
	return n, nil
}

func (s *SQLiteStore) SumCosts(ctx context.Context, agentID string, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0.0) FROM cost_entries WHERE agent_id = ? AND created_at >= ?`,
		agentID, since.UTC(),
	).Scan(&total)
	return total, eris.Wrapf(err, "sqlite: sum costs %s", agentID)
}

// --- Canonical entities ---

func (s *SQLiteStore) UpsertEntities(ctx context.Context, entities []model.CanonicalEntity) (int, error) {
	rows := entityRows(entities)
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert entities")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	n := 0
	for _, r := range rows {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO canonical_entities (kind, alias, canonical, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (kind, alias) DO NOTHING`,
			r[0], r[1], r[2], now,
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: upsert entity")
		}
		affected, _ := res.RowsAffected()
		n += int(affected)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert entities")
	}
	return n, nil
}

func (s *SQLiteStore) ListEntities(ctx context.Context, kind model.EntityKind) ([]model.CanonicalEntity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alias, canonical FROM canonical_entities WHERE kind = ? ORDER BY canonical, alias`,
		string(kind),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
	}
	defer rows.Close() //nolint:errcheck

	var pairs [][2]string
	for rows.Next() {
		var p [2]string
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities iterate")
	}
	return groupEntities(kind, pairs), nil
}

// --- Dead-letter queue ---

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, signal_id, error, kind, retryable, stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, kind = excluded.kind, retryable = excluded.retryable,
		   stage = excluded.stage, retry_count = excluded.retry_count,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		e.ID, e.SignalID, e.Error, string(e.Kind), e.Retryable, e.Stage, e.RetryCount, e.MaxRetries,
		e.NextRetryAt.UTC(), e.CreatedAt.UTC(), e.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, signal_id, error, kind, retryable, stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UTC()}
	if filter.RetryableOnly {
		query += ` AND retryable = 1`
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close() //nolint:errcheck

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.SignalID, &e.Error, &kind, &e.Retryable, &e.Stage,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.Kind = resilience.Kind(kind)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return resilience.NotFound(entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSignal(row scannable, ref string) (*model.Signal, error) {
	var sig model.Signal
	var source, meta string
	err := row.Scan(&sig.ID, &source, &sig.SourceRef, &sig.Content, &meta, &sig.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, resilience.NotFound("signal", ref)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan signal")
	}
	sig.Source = model.SourceType(source)
	if sig.Metadata, err = unmarshalMeta(meta); err != nil {
		return nil, err
	}
	return &sig, nil
}

func marshalMeta(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	return string(data), err
}

func unmarshalMeta(raw string) (map[string]any, error) {
	meta := map[string]any{}
	if raw == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal metadata")
	}
	return meta, nil
}
