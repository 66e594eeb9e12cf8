// Package ingest moves metric samples from a Redis list into the recorder.
// Producers LPUSH JSON samples; the scheduler drains them in FIFO order.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/recorder"
)

// DefaultKey is the Redis list holding pending samples.
const DefaultKey = "bifrost:metrics"

// RedisQueue is a FIFO of metric samples stored in a Redis list.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	logger *slog.Logger
}

// NewRedisQueue creates a queue on key. An empty key selects DefaultKey.
func NewRedisQueue(logger *slog.Logger, client redis.UniversalClient, key string) *RedisQueue {
	if client == nil {
		panic("ingest: redis client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key, logger: logger}
}

// Push enqueues samples.
func (q *RedisQueue) Push(ctx context.Context, samples ...recorder.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	values := make([]any, 0, len(samples))
	for _, s := range samples {
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to encode sample: %w", err)
		}
		values = append(values, b)
	}
	if err := q.client.LPush(ctx, q.key, values...).Err(); err != nil {
		return fmt.Errorf("failed to push samples: %w", err)
	}
	return nil
}

// Drain pops up to max samples, oldest first. Entries that fail to decode are
// dropped and counted.
func (q *RedisQueue) Drain(ctx context.Context, max int) ([]recorder.Sample, error) {
	if max <= 0 {
		return nil, nil
	}
	raw, err := q.client.RPopCount(ctx, q.key, max).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to drain samples: %w", err)
	}

	out := make([]recorder.Sample, 0, len(raw))
	for _, item := range raw {
		var s recorder.Sample
		if err := json.Unmarshal([]byte(item), &s); err != nil || s.FlagID == "" || s.Metric == "" {
			observability.IngestSamplesTotal.WithLabelValues("malformed").Inc()
			q.logger.Warn("dropping malformed metric sample", slog.String("payload", truncate(item, 256)))
			continue
		}
		out = append(out, s)
	}
	observability.IngestSamplesTotal.WithLabelValues("ok").Add(float64(len(out)))
	return out, nil
}

// Depth returns the number of pending samples.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	observability.IngestQueueDepth.Set(float64(n))
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
