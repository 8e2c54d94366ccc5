package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	idempotencyPending   = "pending"
	maxIdempotencyKeyLen = 128
)

// IdempotencyGuard remembers client-supplied idempotency keys in redis so a
// retried submission returns the transfer created by the first attempt. A
// nil guard, or one without a redis client, lets every request through.
type IdempotencyGuard struct {
	redis *redis.Client
	ttl   time.Duration
	log   logrus.FieldLogger
}

func NewIdempotencyGuard(rdb *redis.Client, ttl time.Duration, log logrus.FieldLogger) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyGuard{redis: rdb, ttl: ttl, log: log}
}

func (g *IdempotencyGuard) enabled(key string) bool {
	return g != nil && g.redis != nil && key != ""
}

func idempotencyKey(senderID int64, key string) string {
	return fmt.Sprintf("ledger:idem:%d:%s", senderID, key)
}

// Begin reserves key for senderID. It returns the id of the transfer a
// previous request with the same key created, or 0 when the caller should
// proceed.
func (g *IdempotencyGuard) Begin(ctx context.Context, senderID int64, key string) (int64, error) {
	if len(key) > maxIdempotencyKeyLen {
		return 0, fmt.Errorf("%w: idempotency key longer than %d characters", models.ErrValidation, maxIdempotencyKeyLen)
	}
	if !g.enabled(key) {
		return 0, nil
	}

	redisKey := idempotencyKey(senderID, key)
	reserved, err := g.redis.SetNX(ctx, redisKey, idempotencyPending, g.ttl).Result()
	if err != nil {
		g.log.WithError(err).Warn("Idempotency reservation failed, continuing without it")
		return 0, nil
	}
	if reserved {
		return 0, nil
	}

	val, err := g.redis.Get(ctx, redisKey).Result()
	if err != nil && err != redis.Nil {
		g.log.WithError(err).Warn("Idempotency lookup failed, continuing without it")
		return 0, nil
	}
	if err == redis.Nil || val == idempotencyPending {
		return 0, fmt.Errorf("%w: a request with this idempotency key is already in progress", models.ErrInvalidState)
	}

	transferID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt idempotency record", models.ErrStorageFailure)
	}
	return transferID, nil
}

// Complete records the transfer created for key.
func (g *IdempotencyGuard) Complete(ctx context.Context, senderID int64, key string, transferID int64) {
	if !g.enabled(key) {
		return
	}
	if err := g.redis.Set(ctx, idempotencyKey(senderID, key), strconv.FormatInt(transferID, 10), g.ttl).Err(); err != nil {
		g.log.WithError(err).WithField("transfer_id", transferID).Warn("Failed to record idempotency key")
	}
}

// Release forgets key after a failed submission so the client may retry.
func (g *IdempotencyGuard) Release(ctx context.Context, senderID int64, key string) {
	if !g.enabled(key) {
		return
	}
	if err := g.redis.Del(ctx, idempotencyKey(senderID, key)).Err(); err != nil {
		g.log.WithError(err).Warn("Failed to release idempotency key")
	}
}
