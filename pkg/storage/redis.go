package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/operational-cognos/gateway/pkg/cache"
)

const (
	traceKeyPrefix = "trace:"
	timelineKey    = "traces:timeline"
	scanBatch      = 500
)

// RedisStore keeps one JSON document per trace plus a time-ordered index
// used for full scans. Records never expire.
type RedisStore struct {
	rdb *cache.Client
}

// NewRedisStore creates a new Redis-backed trace store
func NewRedisStore(rdb *cache.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func traceKey(id string) string {
	return traceKeyPrefix + id
}

func (s *RedisStore) Init(ctx context.Context) error {
	return s.Ping(ctx)
}

// Save writes the record and its index entry in one MULTI/EXEC so readers
// never see one without the other.
func (s *RedisStore) Save(ctx context.Context, rec *TraceRecord) error {
	if rec == nil || rec.TraceID == "" {
		return errors.New("trace record requires a trace id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode trace %s: %w", rec.TraceID, err)
	}

	_, err = s.rdb.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, traceKey(rec.TraceID), data, 0)
		pipe.ZAdd(ctx, timelineKey, redis.Z{
			Score:  float64(rec.CreatedAt.UnixNano()),
			Member: rec.TraceID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save trace %s: %w", rec.TraceID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, traceID string) (*TraceRecord, error) {
	data, err := s.rdb.Get(ctx, traceKey(traceID))
	if errors.Is(err, redis.Nil) {
		return nil, ErrTraceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trace %s: %w", traceID, err)
	}

	var rec TraceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", traceID, err)
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	return &rec, nil
}

// storedSummary is the part of a stored document Aggregate needs. Metadata
// stays raw so a malformed usage block only zeroes its own tokens.
type storedSummary struct {
	Decision string          `json:"decision"`
	Model    *string         `json:"model"`
	Metadata json.RawMessage `json:"metadata"`
}

func (s *RedisStore) Aggregate(ctx context.Context) (*UsageStats, error) {
	stats := newUsageStats()

	ids, err := s.rdb.Redis().ZRange(ctx, timelineKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}

	for start := 0; start < len(ids); start += scanBatch {
		end := min(start+scanBatch, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, traceKey(id))
		}

		values, err := s.rdb.Redis().MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("load traces: %w", err)
		}
		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var sum storedSummary
			if err := json.Unmarshal([]byte(raw), &sum); err != nil {
				accumulate(stats, "", nil, nil)
				continue
			}
			accumulate(stats, sum.Decision, sum.Model, sum.Metadata)
		}
	}
	return stats, nil
}

// Ping checks Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Redis().Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
