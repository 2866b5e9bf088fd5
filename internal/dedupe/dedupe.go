package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const keyPrefix = "ageverif:webhook:"

// Deduper remembers webhook deliveries for a while so that a re-sent body
// is acknowledged without being processed twice.
type Deduper interface {
	// FirstSeen reports whether raw has not been seen within the TTL and
	// marks it as seen.
	FirstSeen(ctx context.Context, raw []byte) (bool, error)
	// Forget releases raw so that a retry of a delivery that failed to
	// persist is processed again.
	Forget(ctx context.Context, raw []byte) error
}

// Setter is the part of *redis.Client the deduper uses.
type Setter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisDeduper struct {
	client Setter
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisDeduper(client Setter, ttl time.Duration, logger *zap.Logger) Deduper {
	return &redisDeduper{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (d *redisDeduper) FirstSeen(ctx context.Context, raw []byte) (bool, error) {
	key := Key(raw)
	ok, err := d.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		d.logger.Error("failed to record webhook delivery", zap.Error(err), zap.String("key", key))
		return false, fmt.Errorf("failed to record webhook delivery: %w", err)
	}
	if !ok {
		d.logger.Info("duplicate webhook delivery", zap.String("key", key))
	}
	return ok, nil
}

func (d *redisDeduper) Forget(ctx context.Context, raw []byte) error {
	key := Key(raw)
	if err := d.client.Del(ctx, key).Err(); err != nil {
		d.logger.Error("failed to release webhook delivery", zap.Error(err), zap.String("key", key))
		return fmt.Errorf("failed to release webhook delivery: %w", err)
	}
	return nil
}

// Key is the redis key for a delivery body.
func Key(raw []byte) string {
	sum := sha256.Sum256(raw)
	return keyPrefix + hex.EncodeToString(sum[:])
}

type noop struct{}

// Noop treats every delivery as new. Used when redis is not configured.
func Noop() Deduper { return noop{} }

func (noop) FirstSeen(context.Context, []byte) (bool, error) { return true, nil }

func (noop) Forget(context.Context, []byte) error { return nil }
