package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// HealthChecker is the readiness check for Redis.
type HealthChecker struct {
	client   redis.UniversalClient
	queueKey string
}

// NewHealthChecker checks client. When queueKey is set the check also fails if
// the key holds something other than a list, which would make every drain error.
func NewHealthChecker(client redis.UniversalClient, queueKey string) *HealthChecker {
	return &HealthChecker{client: client, queueKey: queueKey}
}

func (h *HealthChecker) Name() string { return "redis" }

func (h *HealthChecker) Check(ctx context.Context) error {
	if h.client == nil {
		return errors.New("redis client is nil")
	}
	if h.queueKey == "" {
		return h.client.Ping(ctx).Err()
	}

	kind, err := h.client.Type(ctx, h.queueKey).Result()
	if err != nil {
		return err
	}
	if kind != "list" && kind != "none" {
		return fmt.Errorf("ingest key %q holds a %s, want list", h.queueKey, kind)
	}
	return nil
}
