package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/operational-cognos/gateway/pkg/envelope"
)

// ErrTraceNotFound is returned by Get when the id is absent or the store has
// not been initialized yet.
var ErrTraceNotFound = errors.New("trace not found")

// Store persists trace records keyed by trace id.
type Store interface {
	Reader

	// Init creates the storage location and schema. Safe to call repeatedly.
	Init(ctx context.Context) error
	// Save inserts or replaces the record with the same trace id.
	Save(ctx context.Context, rec *TraceRecord) error
	// Aggregate scans every record. Records with unreadable metadata count
	// as requests with zero tokens.
	Aggregate(ctx context.Context) (*UsageStats, error)

	Ping(ctx context.Context) error
	Close() error
}

// Reader is the read side used by trace lookup and reports.
type Reader interface {
	Get(ctx context.Context, traceID string) (*TraceRecord, error)
}

// encodedRecord is a TraceRecord with its structured fields serialized for
// column storage.
type encodedRecord struct {
	createdAt           string
	model               *string
	requestFingerprint  []byte
	responseFingerprint []byte
	envelope            []byte
	metadata            []byte
}

func encodeRecord(rec *TraceRecord) (*encodedRecord, error) {
	if rec == nil || rec.TraceID == "" {
		return nil, errors.New("trace record requires a trace id")
	}
	out := &encodedRecord{
		createdAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		model:     rec.Model,
	}
	var err error
	if out.requestFingerprint, err = json.Marshal(rec.RequestFingerprint); err != nil {
		return nil, fmt.Errorf("encode request fingerprint: %w", err)
	}
	if rec.ResponseFingerprint != nil {
		if out.responseFingerprint, err = json.Marshal(rec.ResponseFingerprint); err != nil {
			return nil, fmt.Errorf("encode response fingerprint: %w", err)
		}
	}
	if out.envelope, err = json.Marshal(rec.Envelope); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	if out.metadata, err = json.Marshal(metadata); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return out, nil
}

func decodeInto(rec *TraceRecord, enc *encodedRecord) error {
	createdAt, err := time.Parse(time.RFC3339Nano, enc.createdAt)
	if err != nil {
		return fmt.Errorf("decode created_at: %w", err)
	}
	rec.CreatedAt = createdAt
	rec.Model = enc.model

	if len(enc.requestFingerprint) > 0 {
		if err := json.Unmarshal(enc.requestFingerprint, &rec.RequestFingerprint); err != nil {
			return fmt.Errorf("decode request fingerprint: %w", err)
		}
	}
	if len(enc.responseFingerprint) > 0 {
		var fp envelope.Fingerprint
		if err := json.Unmarshal(enc.responseFingerprint, &fp); err != nil {
			return fmt.Errorf("decode response fingerprint: %w", err)
		}
		rec.ResponseFingerprint = &fp
	}
	if len(enc.envelope) > 0 {
		if err := json.Unmarshal(enc.envelope, &rec.Envelope); err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}
	}
	rec.Metadata = map[string]any{}
	if len(enc.metadata) > 0 {
		if err := json.Unmarshal(enc.metadata, &rec.Metadata); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
	}
	return nil
}

// accumulate adds one stored row to stats.
func accumulate(stats *UsageStats, decision string, model *string, metadata []byte) {
	stats.Requests++
	if decision == "" {
		decision = "UNKNOWN"
	}
	stats.ByDecision[decision]++
	if model != nil && *model != "" {
		stats.ByModel[*model]++
	}
	stats.Tokens += totalTokens(metadata)
}

// totalTokens reads metadata.usage.total_tokens. Anything malformed,
// missing or non-integral contributes zero.
func totalTokens(metadata []byte) int64 {
	if len(metadata) == 0 {
		return 0
	}
	dec := json.NewDecoder(bytes.NewReader(metadata))
	dec.UseNumber()
	var meta map[string]any
	if err := dec.Decode(&meta); err != nil {
		return 0
	}
	usage, ok := meta[MetaUsage].(map[string]any)
	if !ok {
		return 0
	}
	num, ok := usage["total_tokens"].(json.Number)
	if !ok {
		return 0
	}
	n, err := num.Int64()
	if err != nil {
		return 0
	}
	return n
}
