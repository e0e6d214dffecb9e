//go:build integration

package storage

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/operational-cognos/gateway/pkg/envelope"
)

// Run with: go test -tags=integration -run TestPostgresStoreWithRealPostgres ./pkg/storage/...
func TestPostgresStoreWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("cognos"),
		postgres.WithUsername("cognos"),
		postgres.WithPassword("cognos"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()

	if _, err := s.Get(ctx, "tr_before_init"); !errors.Is(err, ErrTraceNotFound) {
		t.Fatalf("get before init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second init: %v", err)
	}

	rec := sampleRecord(t, "tr_aaaaaaaaaaaa", envelope.DecisionPass, 14)
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
	if got.Decision != envelope.DecisionRefine || !got.Envelope.Verify() {
		t.Fatalf("unexpected record %+v", got)
	}

	stats, err := s.Aggregate(ctx)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if stats.Requests != 1 || stats.Tokens != 14 {
		t.Fatalf("stats = %+v", stats)
	}
}
