package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/operational-cognos/gateway/pkg/envelope"
)

func sampleRecord(t *testing.T, id string, decision envelope.Decision, tokens int) *TraceRecord {
	t.Helper()
	env, err := envelope.Build(envelope.Params{TraceID: id, Policy: "default_v1", Decision: decision, Risk: 0.12})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	rec := NewTraceRecord(env, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), "openai:gpt-4o-mini")
	rec.RequestFingerprint, err = envelope.NewFingerprint(map[string]any{"id": id}, "openai:gpt-4o-mini")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	resp, err := envelope.NewFingerprint(map[string]any{"resp": id}, "openai:gpt-4o-mini")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	rec.ResponseFingerprint = &resp
	rec.Metadata = map[string]any{
		MetaMode:      "mock",
		MetaUpstream:  "none",
		MetaUsage:     map[string]any{"prompt_tokens": 8, "completion_tokens": tokens - 8, "total_tokens": tokens},
		MetaRetention: "fingerprints",
	}
	return rec
}

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "traces.sqlite3"))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteInitCreatesFileAndIsIdempotent(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if _, err := os.Stat(s.Path()); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
}

func TestSQLiteDSNEscapesURIDelimiters(t *testing.T) {
	got := sqliteDSN("/data/a?b#c%d/traces.sqlite3")
	want := "file:/data/a%3Fb%23c%25d/traces.sqlite3?" + sqliteParams
	if got != want {
		t.Fatalf("dsn = %q, want %q", got, want)
	}
}

func TestSQLitePathWithURIDelimiters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a?b#c", "traces.sqlite3")
	s := NewSQLiteStore(path)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.Save(ctx, sampleRecord(t, "tr_delims", envelope.DecisionPass, 20)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.Get(ctx, "tr_delims"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file not at %s: %v", path, err)
	}
}

func TestSQLiteConcurrentInit(t *testing.T) {
	s := newSQLiteStore(t)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Init(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent init: %v", err)
		}
	}
}

func TestSQLiteGetBeforeInitIsNotFound(t *testing.T) {
	s := newSQLiteStore(t)
	_, err := s.Get(context.Background(), "tr_000000000000")
	if !errors.Is(err, ErrTraceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Fatal("get must not create the database file")
	}
	stats, err := s.Aggregate(context.Background())
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if stats.Requests != 0 || stats.Tokens != 0 {
		t.Fatalf("expected empty stats, got %+v", stats)
	}
}

func TestSQLiteSaveGetRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	rec := sampleRecord(t, "tr_aaaaaaaaaaaa", envelope.DecisionPass, 14)
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Get(ctx, rec.TraceID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TraceID != rec.TraceID || got.Decision != rec.Decision || got.Policy != rec.Policy {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.TrustScore+got.Risk != 1.0 {
		t.Fatalf("trust %v + risk %v != 1", got.TrustScore, got.Risk)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
	if got.Model == nil || *got.Model != "openai:gpt-4o-mini" {
		t.Fatalf("model = %v", got.Model)
	}
	if got.RequestFingerprint != rec.RequestFingerprint {
		t.Fatalf("request fingerprint = %+v", got.RequestFingerprint)
	}
	if got.ResponseFingerprint == nil || got.ResponseFingerprint.EmbeddingHash != rec.ResponseFingerprint.EmbeddingHash {
		t.Fatalf("response fingerprint = %+v", got.ResponseFingerprint)
	}
	if got.Envelope.Attestation.Hash != rec.Envelope.Attestation.Hash || !got.Envelope.Verify() {
		t.Fatal("envelope did not survive the round trip")
	}
	if got.Metadata[MetaMode] != "mock" {
		t.Fatalf("metadata = %+v", got.Metadata)
	}
	usage, ok := got.Metadata[MetaUsage].(map[string]any)
	if !ok || usage["total_tokens"] != float64(14) {
		t.Fatalf("usage = %#v", got.Metadata[MetaUsage])
	}
}

func TestSQLiteNullableColumns(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	rec := sampleRecord(t, "tr_bbbbbbbbbbbb", envelope.DecisionPass, 0)
	rec.Model = nil
	rec.ResponseFingerprint = nil
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Get(ctx, rec.TraceID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Model != nil || got.ResponseFingerprint != nil {
		t.Fatalf("expected null model and response fingerprint, got %v %v", got.Model, got.ResponseFingerprint)
	}
}

func TestSQLiteGetMissing(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := s.Get(ctx, "tr_nonexistent"); !errors.Is(err, ErrTraceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLiteSaveReplacesExisting(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	rec := sampleRecord(t, "tr_cccccccccccc", envelope.DecisionPass, 14)
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec.Decision = envelope.DecisionRefine
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := s.Get(ctx, rec.TraceID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Decision != envelope.DecisionRefine {
		t.Fatalf("decision = %s, want REFINE", got.Decision)
	}

	db, err := s.handle(ctx, false)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces WHERE trace_id = ?`, rec.TraceID).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("rows = %d, want 1", count)
	}
}

func TestSQLiteAggregateToleratesBadMetadata(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	for i, tokens := range []int{14, 20, 8} {
		rec := sampleRecord(t, fmt.Sprintf("tr_%012d", i), envelope.DecisionPass, tokens)
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	db, err := s.handle(ctx, false)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	insert := func(id string, meta sql.NullString) {
		t.Helper()
		_, err := db.ExecContext(ctx, `INSERT INTO traces (trace_id, created_at, decision, policy, trust_score, risk, is_stream, status_code, metadata_json)
			VALUES (?, '2026-03-01T00:00:00Z', 'ESCALATE', 'p', 0, 1, 0, 502, ?)`, id, meta)
		if err != nil {
			t.Fatalf("insert raw row: %v", err)
		}
	}
	insert("tr_malformed00", sql.NullString{String: "{not json", Valid: true})
	insert("tr_nousage0000", sql.NullString{String: `{"mode":"live"}`, Valid: true})
	insert("tr_nullmeta000", sql.NullString{})
	insert("tr_floattokens", sql.NullString{String: `{"usage":{"total_tokens":1.5}}`, Valid: true})

	stats, err := s.Aggregate(ctx)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if stats.Requests != 7 {
		t.Fatalf("requests = %d, want 7", stats.Requests)
	}
	if stats.Tokens != 42 {
		t.Fatalf("tokens = %d, want 42", stats.Tokens)
	}
	if stats.ByDecision["PASS"] != 3 || stats.ByDecision["ESCALATE"] != 4 {
		t.Fatalf("by decision = %+v", stats.ByDecision)
	}
	if stats.ByModel["openai:gpt-4o-mini"] != 3 {
		t.Fatalf("by model = %+v", stats.ByModel)
	}
}

func TestSQLiteConcurrentSaveAndGet(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	records := make([]*TraceRecord, n)
	for i := range records {
		records[i] = sampleRecord(t, fmt.Sprintf("tr_%012x", i), envelope.DecisionPass, 10)
	}
	for _, rec := range records {
		wg.Add(1)
		go func(rec *TraceRecord) {
			defer wg.Done()
			if err := s.Save(ctx, rec); err != nil {
				errs <- err
				return
			}
			if _, err := s.Get(ctx, rec.TraceID); err != nil {
				errs <- err
				return
			}
			if _, err := s.Aggregate(ctx); err != nil {
				errs <- err
			}
		}(rec)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent access: %v", err)
	}

	stats, err := s.Aggregate(ctx)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if stats.Requests != n || stats.Tokens != n*10 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSQLiteDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.sqlite3")
	ctx := context.Background()

	first := NewSQLiteStore(path)
	rec := sampleRecord(t, "tr_dddddddddddd", envelope.DecisionBlock, 14)
	if err := first.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := NewSQLiteStore(path)
	defer second.Close()
	got, err := second.Get(ctx, rec.TraceID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Decision != envelope.DecisionBlock {
		t.Fatalf("decision = %s", got.Decision)
	}
}

func TestSaveRejectsMissingTraceID(t *testing.T) {
	s := newSQLiteStore(t)
	if err := s.Save(context.Background(), &TraceRecord{}); err == nil {
		t.Fatal("expected error for empty trace id")
	}
}
