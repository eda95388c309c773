package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/port"
)

const (
	summaryKeyPrefix     = "summary:"
	idempotencyKeyPrefix = "idempotency:"
	idempotencyKeyTTL    = 24 * time.Hour
)

// putSummaryScript writes a summary only if the cached one is older, so
// concurrent warmers cannot roll the cache back.
var putSummaryScript = redis.NewScript(`
local key = KEYS[1]
local revision = tonumber(ARGV[1])

local current = redis.call('HGET', key, 'revision')
if current and tonumber(current) >= revision then
	return 0
end

redis.call('HSET', key, 'revision', ARGV[1], 'etag', ARGV[2], 'payload', ARGV[3])
redis.call('PEXPIRE', key, ARGV[4])
return 1
`)

type RedisAdapter struct {
	client     *redis.Client
	summaryTTL time.Duration
}

var (
	_ port.SummaryCache     = (*RedisAdapter)(nil)
	_ port.IdempotencyStore = (*RedisAdapter)(nil)
)

func NewRedisAdapter(client *redis.Client, summaryTTL time.Duration) *RedisAdapter {
	if summaryTTL <= 0 {
		summaryTTL = time.Minute
	}
	return &RedisAdapter{client: client, summaryTTL: summaryTTL}
}

func (r *RedisAdapter) PutSummary(ctx context.Context, s domain.InventorySummary) (bool, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("encode summary: %w", err)
	}

	key := summaryKeyPrefix + s.EventID
	result, err := putSummaryScript.Run(ctx, r.client, []string{key},
		s.Revision, s.Token.Value, payload, r.summaryTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

func (r *RedisAdapter) GetSummary(ctx context.Context, eventID string) (*domain.InventorySummary, error) {
	values, err := r.client.HMGet(ctx, summaryKeyPrefix+eventID, "etag", "payload").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	etag, _ := values[0].(string)
	payload, _ := values[1].(string)
	if payload == "" {
		return nil, nil
	}

	var s domain.InventorySummary
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	s.Token = domain.VersionToken{EntityType: domain.EventEntityType, EntityID: eventID, Value: etag}
	return &s, nil
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}
