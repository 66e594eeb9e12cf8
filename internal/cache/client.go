package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/logger"
)

// NewRedisClient connects to the Redis instance shared by the ingest queue and
// the event publisher. The first PING is retried cfg.PingMaxRetries times with
// a doubling backoff, so the engine tolerates Redis starting after it.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, errors.New("redis config cannot be nil")
	}

	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	if err := pingWithRetry(ctx, client, cfg.PingMaxRetries, cfg.PingBackoff); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// pingWithRetry bounds each attempt by the length of the whole backoff schedule.
func pingWithRetry(ctx context.Context, client *redis.Client, attempts int, backoff time.Duration) error {
	log := logger.FromContext(ctx).With(slog.String("addr", client.Options().Addr))
	perAttempt := backoff * time.Duration((1<<attempts)-1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, perAttempt)
		lastErr = client.Ping(pingCtx).Err()
		cancel()

		if lastErr == nil {
			log.Info("connected to redis", slog.Int("attempt", attempt))
			return nil
		}
		log.Warn("redis ping failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("error", lastErr.Error()),
		)
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("redis connection aborted: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("failed to connect to redis after %d retries: %w", attempts, lastErr)
}

// redisOptions starts from the URL when one is configured, then applies the
// pool, timeout and TLS settings on top.
func redisOptions(cfg *config.RedisConfig) (*redis.Options, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.Address(), Password: cfg.Password, DB: cfg.DB}
	}

	opts.ClientName = cfg.ClientName
	opts.PoolSize, opts.MinIdleConns, opts.PoolTimeout = cfg.PoolSize, cfg.MinIdleConns, cfg.PoolTimeout
	opts.DialTimeout, opts.ReadTimeout, opts.WriteTimeout = cfg.DialTimeout, cfg.ReadTimeout, cfg.WriteTimeout
	opts.MaxRetries, opts.MinRetryBackoff, opts.MaxRetryBackoff = cfg.MaxRetries, cfg.MinRetryBackoff, cfg.MaxRetryBackoff

	// rediss:// URLs already carry a TLS config.
	if cfg.TLSEnabled && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}
