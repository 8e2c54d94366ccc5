package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/go-redis/redis/v8"
)

const LedgerEventsChannel = "ledger_events"

// RedisEventSink publishes ledger events as JSON on a redis channel for
// downstream consumers.
type RedisEventSink struct {
	rdb     *redis.Client
	channel string
}

func NewRedisEventSink(rdb *redis.Client) *RedisEventSink {
	return &RedisEventSink{rdb: rdb, channel: LedgerEventsChannel}
}

func (s *RedisEventSink) Name() string {
	return "redis"
}

func (s *RedisEventSink) Deliver(ctx context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := s.rdb.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
