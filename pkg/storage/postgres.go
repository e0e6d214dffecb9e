package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/operational-cognos/gateway/pkg/envelope"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS traces (
    trace_id TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL,
    decision TEXT NOT NULL,
    policy TEXT NOT NULL,
    trust_score DOUBLE PRECISION NOT NULL,
    risk DOUBLE PRECISION NOT NULL,
    is_stream BOOLEAN NOT NULL,
    status_code INTEGER NOT NULL,
    model TEXT,
    request_fingerprint JSONB,
    response_fingerprint JSONB,
    envelope_json JSONB,
    metadata_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_traces_created_at ON traces(created_at);
`

// metadata_json stays TEXT so rows written by other tools with malformed
// JSON are still readable by Aggregate.

const postgresUpsert = `
INSERT INTO traces (
    trace_id, created_at, decision, policy, trust_score, risk, is_stream,
    status_code, model, request_fingerprint, response_fingerprint,
    envelope_json, metadata_json
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (trace_id) DO UPDATE SET
    created_at = EXCLUDED.created_at,
    decision = EXCLUDED.decision,
    policy = EXCLUDED.policy,
    trust_score = EXCLUDED.trust_score,
    risk = EXCLUDED.risk,
    is_stream = EXCLUDED.is_stream,
    status_code = EXCLUDED.status_code,
    model = EXCLUDED.model,
    request_fingerprint = EXCLUDED.request_fingerprint,
    response_fingerprint = EXCLUDED.response_fingerprint,
    envelope_json = EXCLUDED.envelope_json,
    metadata_json = EXCLUDED.metadata_json
`

const postgresSelect = `
SELECT trace_id, created_at, decision, policy, trust_score, risk, is_stream,
       status_code, model, request_fingerprint::text, response_fingerprint::text,
       envelope_json::text, metadata_json
FROM traces WHERE trace_id = $1
`

// undefinedTable is the SQLSTATE for a missing relation.
const undefinedTable = "42P01"

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore keeps traces in a Postgres table.
type PostgresStore struct {
	db   pgDB
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool to dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{db: pool, pool: pool}, nil
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create trace schema: %w", err)
	}
	return nil
}

// Save runs a single upsert statement, which Postgres applies atomically.
func (s *PostgresStore) Save(ctx context.Context, rec *TraceRecord) error {
	enc, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	var responseFingerprint any
	if enc.responseFingerprint != nil {
		responseFingerprint = string(enc.responseFingerprint)
	}
	_, err = s.db.Exec(ctx, postgresUpsert,
		rec.TraceID,
		rec.CreatedAt.UTC(),
		string(rec.Decision),
		rec.Policy,
		rec.TrustScore,
		rec.Risk,
		rec.IsStream,
		rec.StatusCode,
		enc.model,
		string(enc.requestFingerprint),
		responseFingerprint,
		string(enc.envelope),
		string(enc.metadata),
	)
	if err != nil {
		return fmt.Errorf("save trace %s: %w", rec.TraceID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, traceID string) (*TraceRecord, error) {
	var (
		rec                   TraceRecord
		decision              string
		createdAt             time.Time
		model                 *string
		reqFP, respFP, envRaw *string
		meta                  *string
	)
	err := s.db.QueryRow(ctx, postgresSelect, traceID).Scan(
		&rec.TraceID, &createdAt, &decision, &rec.Policy, &rec.TrustScore, &rec.Risk,
		&rec.IsStream, &rec.StatusCode, &model, &reqFP, &respFP, &envRaw, &meta,
	)
	if errors.Is(err, pgx.ErrNoRows) || isUndefinedTable(err) {
		return nil, ErrTraceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trace %s: %w", traceID, err)
	}
	rec.Decision = envelope.Decision(decision)

	enc := &encodedRecord{
		createdAt:           createdAt.UTC().Format(time.RFC3339Nano),
		model:               model,
		requestFingerprint:  bytesOf(reqFP),
		responseFingerprint: bytesOf(respFP),
		envelope:            bytesOf(envRaw),
		metadata:            bytesOf(meta),
	}
	if err := decodeInto(&rec, enc); err != nil {
		return nil, fmt.Errorf("trace %s: %w", traceID, err)
	}
	return &rec, nil
}

func (s *PostgresStore) Aggregate(ctx context.Context) (*UsageStats, error) {
	stats := newUsageStats()
	rows, err := s.db.Query(ctx, `SELECT decision, model, metadata_json FROM traces`)
	if isUndefinedTable(err) {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan traces: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var decision string
		var model, meta *string
		if err := rows.Scan(&decision, &model, &meta); err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		accumulate(stats, decision, model, bytesOf(meta))
	}
	if err := rows.Err(); err != nil {
		if isUndefinedTable(err) {
			return newUsageStats(), nil
		}
		return nil, fmt.Errorf("scan traces: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}

func bytesOf(s *string) []byte {
	if s == nil {
		return nil
	}
	return []byte(*s)
}
