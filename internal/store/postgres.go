package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-cli/internal/db"
	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlUpsertSignal = `INSERT INTO signals (id, source, source_ref, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source, source_ref) DO UPDATE SET
		  content = EXCLUDED.content,
		  metadata = CASE WHEN signals.content = EXCLUDED.content THEN signals.metadata
		                  ELSE signals.metadata - ARRAY['resolved_at', 'customers', 'issues', 'provenance']
		             END || EXCLUDED.metadata
		RETURNING id, source, source_ref, content, metadata, created_at`
	sqlGetSignal      = `SELECT id, source, source_ref, content, metadata, created_at FROM signals WHERE id = $1`
	sqlGetSignalByRef = `SELECT id, source, source_ref, content, metadata, created_at FROM signals WHERE source = $1 AND source_ref = $2`
	sqlGetMetadata    = `SELECT metadata FROM signals WHERE id = $1`
	sqlMergeMetadata  = `UPDATE signals SET metadata = (metadata || $2::jsonb) - $3::text[] WHERE id = $1`
	sqlSumCosts       = `SELECT COALESCE(SUM(cost_usd), 0)::float8 FROM cost_entries WHERE agent_id = $1 AND created_at >= $2`
	sqlListEntities   = `SELECT alias, canonical FROM canonical_entities WHERE kind = $1 ORDER BY canonical, alias`
)

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"upsert_signal":     sqlUpsertSignal,
	"get_signal":        sqlGetSignal,
	"get_signal_by_ref": sqlGetSignalByRef,
	"get_metadata":      sqlGetMetadata,
	"merge_metadata":    sqlMergeMetadata,
	"sum_costs":         sqlSumCosts,
	"list_entities":     sqlListEntities,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS signals (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source     TEXT NOT NULL,
	source_ref TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source, source_ref)
);

CREATE INDEX IF NOT EXISTS idx_signals_created ON signals(created_at);
CREATE INDEX IF NOT EXISTS idx_signals_thread ON signals((metadata->>'thread_id'));

CREATE TABLE IF NOT EXISTS canonical_entities (
	kind       TEXT NOT NULL,
	alias      TEXT NOT NULL,
	canonical  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, alias)
);

CREATE INDEX IF NOT EXISTS idx_entities_canonical ON canonical_entities(kind, canonical);

CREATE TABLE IF NOT EXISTS cost_entries (
	id             TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL DEFAULT '',
	agent_id       TEXT NOT NULL,
	operation      TEXT NOT NULL,
	provider       TEXT NOT NULL,
	model          TEXT NOT NULL,
	input_tokens   BIGINT NOT NULL CHECK (input_tokens >= 0),
	output_tokens  BIGINT NOT NULL CHECK (output_tokens >= 0),
	cost_usd       DOUBLE PRECISION NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cost_agent_created ON cost_entries(agent_id, created_at);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	signal_id      TEXT NOT NULL,
	error          TEXT NOT NULL,
	kind           TEXT NOT NULL,
	retryable      BOOLEAN NOT NULL DEFAULT false,
	stage          TEXT NOT NULL DEFAULT '',
	retry_count    INT NOT NULL DEFAULT 0,
	max_retries    INT NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Signals

func (s *PostgresStore) UpsertSignal(ctx context.Context, sig *model.Signal) (*model.Signal, error) {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	meta := sig.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal metadata")
	}

	row := s.pool.QueryRow(ctx, sqlUpsertSignal,
		sig.ID, string(sig.Source), sig.SourceRef, sig.Content, metaJSON, sig.CreatedAt,
	)
	out, err := scanPgSignal(row, sig.SourceRef)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert signal %s/%s", sig.Source, sig.SourceRef)
	}
	return out, nil
}

func (s *PostgresStore) GetSignal(ctx context.Context, id string) (*model.Signal, error) {
	return scanPgSignal(s.pool.QueryRow(ctx, sqlGetSignal, id), id)
}

func (s *PostgresStore) GetSignalByRef(ctx context.Context, source model.SourceType, ref string) (*model.Signal, error) {
	return scanPgSignal(s.pool.QueryRow(ctx, sqlGetSignalByRef, string(source), ref), string(source)+"/"+ref)
}

func (s *PostgresStore) ListSignals(ctx context.Context, filter SignalFilter) ([]model.Signal, error) {
	query := `SELECT id, source, source_ref, content, metadata, created_at FROM signals WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, argIdx)
		args = append(args, string(filter.Source))
		argIdx++
	}
	if filter.ThreadID != "" {
		query += fmt.Sprintf(` AND (metadata->>'thread_id' = $%d OR source_ref = $%d)`, argIdx, argIdx)
		args = append(args, filter.ThreadID)
		argIdx++
	}
	if filter.Unresolved {
		query += ` AND NOT (metadata ? 'resolved_at')`
	}

	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list signals")
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		sig, err := scanPgSignal(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *sig)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list signals iterate")
}

func (s *PostgresStore) GetMetadata(ctx context.Context, id string) (map[string]any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, sqlGetMetadata, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, resilience.NotFound("signal", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get metadata %s", id)
	}
	return unmarshalMeta(string(raw))
}

func (s *PostgresStore) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	set, del := splitPatch(patch)
	setJSON, err := json.Marshal(set)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metadata patch")
	}
	if del == nil {
		del = []string{}
	}

	tag, err := s.pool.Exec(ctx, sqlMergeMetadata, id, setJSON, del)
	if err != nil {
		return eris.Wrapf(err, "postgres: merge metadata %s", id)
	}
	if tag.RowsAffected() == 0 {
		return resilience.NotFound("signal", id)
	}
	return nil
}

// Costs

var costColumns = []string{
	"id", "correlation_id", "agent_id", "operation", "provider", "model",
	"input_tokens", "output_tokens", "cost_usd", "created_at",
}

func (s *PostgresStore) InsertCosts(ctx context.Context, entries []model.CostEntry) (int, error) {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{
			e.ID, e.CorrelationID, e.AgentID, e.Operation, e.Provider, e.Model,
			e.InputTokens, e.OutputTokens, e.CostUSD, e.CreatedAt,
		})
	}
	n, err := db.CopyFrom(ctx, s.pool, "cost_entries", costColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert costs")
	}
	return int(n), nil
}

func (s *PostgresStore) SumCosts(ctx context.Context, agentID string, since time.Time) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx, sqlSumCosts, agentID, since).Scan(&total)
	return total, eris.Wrapf(err, "postgres: sum costs %s", agentID)
}

// Canonical entities

func (s *PostgresStore) UpsertEntities(ctx context.Context, entities []model.CanonicalEntity) (int, error) {
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "canonical_entities",
		Columns:      []string{"kind", "alias", "canonical"},
		ConflictKeys: []string{"kind", "alias"},
		DoNothing:    true,
	}, entityRows(entities))
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert entities")
	}
	return int(n), nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, kind model.EntityKind) ([]model.CanonicalEntity, error) {
	rows, err := s.pool.Query(ctx, sqlListEntities, string(kind))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	defer rows.Close()

	var pairs [][2]string
	for rows.Next() {
		var p [2]string
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list entities iterate")
	}
	return groupEntities(kind, pairs), nil
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, signal_id, error, kind, retryable, stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $3, kind = $4, retryable = $5, stage = $6, retry_count = $7,
		   next_retry_at = $9, last_failed_at = $11`,
		entry.ID, entry.SignalID, entry.Error, string(entry.Kind), entry.Retryable,
		entry.Stage, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, signal_id, error, kind, retryable, stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	if filter.RetryableOnly {
		query += ` AND retryable`
	}
	query += ` ORDER BY next_retry_at ASC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, defaultLimit(filter.Limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.SignalID, &e.Error, &kind, &e.Retryable,
			&e.Stage, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.Kind = resilience.Kind(kind)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return resilience.NotFound("dlq_entry", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func scanPgSignal(row pgx.Row, ref string) (*model.Signal, error) {
	var sig model.Signal
	var source string
	var meta []byte
	err := row.Scan(&sig.ID, &source, &sig.SourceRef, &sig.Content, &meta, &sig.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, resilience.NotFound("signal", ref)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan signal")
	}
	sig.Source = model.SourceType(source)
	if sig.Metadata, err = unmarshalMeta(string(meta)); err != nil {
		return nil, err
	}
	return &sig, nil
}
