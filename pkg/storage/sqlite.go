package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/operational-cognos/gateway/pkg/envelope"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS traces (
    trace_id TEXT PRIMARY KEY,
    created_at TEXT NOT NULL,
    decision TEXT NOT NULL,
    policy TEXT NOT NULL,
    trust_score REAL NOT NULL,
    risk REAL NOT NULL,
    is_stream INTEGER NOT NULL,
    status_code INTEGER NOT NULL,
    model TEXT,
    request_fingerprint TEXT,
    response_fingerprint TEXT,
    envelope_json TEXT,
    metadata_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_traces_created_at ON traces(created_at);
`

const sqliteUpsert = `
INSERT INTO traces (
    trace_id, created_at, decision, policy, trust_score, risk, is_stream,
    status_code, model, request_fingerprint, response_fingerprint,
    envelope_json, metadata_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(trace_id) DO UPDATE SET
    created_at = excluded.created_at,
    decision = excluded.decision,
    policy = excluded.policy,
    trust_score = excluded.trust_score,
    risk = excluded.risk,
    is_stream = excluded.is_stream,
    status_code = excluded.status_code,
    model = excluded.model,
    request_fingerprint = excluded.request_fingerprint,
    response_fingerprint = excluded.response_fingerprint,
    envelope_json = excluded.envelope_json,
    metadata_json = excluded.metadata_json
`

const sqliteSelect = `
SELECT trace_id, created_at, decision, policy, trust_score, risk, is_stream,
       status_code, model, request_fingerprint, response_fingerprint,
       envelope_json, metadata_json
FROM traces WHERE trace_id = ?
`

// SQLiteStore keeps traces in a single SQLite file. The file and its parent
// directory are created by Init or the first Save; reads never create them.
type SQLiteStore struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore returns a store for the database file at path. Nothing is
// opened until first use.
func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// sqliteDSN builds a URI filename for path. Characters SQLite's URI parser
// treats as delimiters are percent-encoded so they stay part of the path.
func sqliteDSN(path string) string {
	return "file:" + uriPathEscaper.Replace(path) + "?" + sqliteParams
}

const sqliteParams = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

var uriPathEscaper = strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23")

// handle returns the open database. When create is false and the file does
// not exist yet it returns (nil, nil).
func (s *SQLiteStore) handle(ctx context.Context, create bool) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		if !create {
			return nil, nil
		}
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return nil, fmt.Errorf("create trace db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(s.path))
	if err != nil {
		return nil, fmt.Errorf("open trace db %s: %w", s.path, err)
	}
	// SQLite allows one writer; a single connection serializes request flows
	// instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create trace schema: %w", err)
	}
	s.db = db
	return db, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.handle(ctx, true)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, rec *TraceRecord) error {
	enc, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	db, err := s.handle(ctx, true)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trace tx: %w", err)
	}
	defer tx.Rollback()

	var responseFingerprint any
	if enc.responseFingerprint != nil {
		responseFingerprint = string(enc.responseFingerprint)
	}
	_, err = tx.ExecContext(ctx, sqliteUpsert,
		rec.TraceID,
		enc.createdAt,
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
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trace %s: %w", rec.TraceID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, traceID string) (*TraceRecord, error) {
	db, err := s.handle(ctx, false)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, ErrTraceNotFound
	}

	var (
		rec                                 TraceRecord
		decision                            string
		model, reqFP, respFP, envJSON, meta sql.NullString
		createdAt                           string
	)
	err = db.QueryRowContext(ctx, sqliteSelect, traceID).Scan(
		&rec.TraceID, &createdAt, &decision, &rec.Policy, &rec.TrustScore, &rec.Risk,
		&rec.IsStream, &rec.StatusCode, &model, &reqFP, &respFP, &envJSON, &meta,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTraceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trace %s: %w", traceID, err)
	}
	rec.Decision = envelope.Decision(decision)

	enc := &encodedRecord{
		createdAt:           createdAt,
		requestFingerprint:  []byte(reqFP.String),
		responseFingerprint: []byte(respFP.String),
		envelope:            []byte(envJSON.String),
		metadata:            []byte(meta.String),
	}
	if model.Valid {
		m := model.String
		enc.model = &m
	}
	if err := decodeInto(&rec, enc); err != nil {
		return nil, fmt.Errorf("trace %s: %w", traceID, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) Aggregate(ctx context.Context) (*UsageStats, error) {
	stats := newUsageStats()
	db, err := s.handle(ctx, false)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return stats, nil
	}

	rows, err := db.QueryContext(ctx, `SELECT decision, model, metadata_json FROM traces`)
	if err != nil {
		return nil, fmt.Errorf("scan traces: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var decision string
		var model, meta sql.NullString
		if err := rows.Scan(&decision, &model, &meta); err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		var modelPtr *string
		if model.Valid {
			modelPtr = &model.String
		}
		accumulate(stats, decision, modelPtr, []byte(meta.String))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan traces: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	db, err := s.handle(ctx, true)
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
