package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

func getRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func testSummary(eventID string, revision uint64, available int) domain.InventorySummary {
	return domain.InventorySummary{
		EventID:   eventID,
		Tenant:    "test-tenant",
		Revision:  revision,
		Available: available,
		Token: domain.VersionToken{
			EntityType: domain.EventEntityType,
			EntityID:   eventID,
			Value:      "0123456789abcdef0123456789abcdef",
		},
	}
}

func TestRedisAdapter_PutSummaryOnlyIfNewer(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)
	eventID := "test-event-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, summaryKeyPrefix+eventID) })

	ok, err := adapter.PutSummary(ctx, testSummary(eventID, 2, 40))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = adapter.PutSummary(ctx, testSummary(eventID, 1, 90))
	require.NoError(t, err)
	assert.False(t, ok, "older revision must not overwrite")

	ok, err = adapter.PutSummary(ctx, testSummary(eventID, 2, 90))
	require.NoError(t, err)
	assert.False(t, ok, "same revision is a no-op")

	got, err := adapter.GetSummary(ctx, eventID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 40, got.Available)
	assert.Equal(t, uint64(2), got.Revision)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", got.Token.Value)
	assert.Equal(t, eventID, got.Token.EntityID)

	ttl, err := client.PTTL(ctx, summaryKeyPrefix+eventID).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}

func TestRedisAdapter_ConcurrentPutsKeepNewest(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)
	eventID := "test-event-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, summaryKeyPrefix+eventID) })

	var wg sync.WaitGroup
	for rev := uint64(1); rev <= 20; rev++ {
		wg.Add(1)
		go func(rev uint64) {
			defer wg.Done()
			_, err := adapter.PutSummary(ctx, testSummary(eventID, rev, int(rev)))
			assert.NoError(t, err)
		}(rev)
	}
	wg.Wait()

	got, err := adapter.GetSummary(ctx, eventID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(20), got.Revision)
}

func TestRedisAdapter_GetSummaryMiss(t *testing.T) {
	client := getRedisClient(t)
	adapter := NewRedisAdapter(client, time.Minute)

	got, err := adapter.GetSummary(context.Background(), "missing-"+uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisAdapter_Idempotency(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)
	key := "test-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, idempotencyKeyPrefix+key) })

	var successCount int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIdempotency(ctx, key)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&successCount, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), successCount)

	require.NoError(t, adapter.ClearIdempotency(ctx, key))
	ok, err := adapter.SetIdempotency(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok, "cleared keys can be claimed again")
}
