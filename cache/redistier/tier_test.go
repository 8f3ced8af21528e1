//go:build integration

package redistier_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/lirancohen/plinth/cache"
	"github.com/lirancohen/plinth/cache/redistier"
	"github.com/lirancohen/plinth/entity"
)

func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to get connection string: %v", err)
	}

	opts, err := redis.ParseURL(connStr)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to parse connection string: %v", err)
	}
	client := redis.NewClient(opts)

	cleanup := func() {
		client.Close()
		container.Terminate(ctx)
	}

	return client, cleanup
}

func testSnapshot(key entity.Key, version int64, payload string) entity.Snapshot {
	return entity.Snapshot{
		EntityType:  key.Type,
		EntityID:    key.ID,
		Version:     version,
		Payload:     json.RawMessage(payload),
		CommittedAt: time.Now().UTC().Truncate(time.Millisecond),
		Actor:       "test",
	}
}

func TestTier_SetGetDelete(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()

	tier := redistier.New(client)
	key := entity.NewKey(entity.TypeTask, "T1")

	if _, ok, err := tier.Get(ctx, key); err != nil || ok {
		t.Fatalf("Get() on empty tier = ok=%v err=%v, want miss", ok, err)
	}

	want := testSnapshot(key, 3, `{"status":"running","attempt":2}`)
	if err := tier.Set(ctx, key, want, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := tier.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get() = ok=%v err=%v, want hit", ok, err)
	}
	if got.EntityType != want.EntityType || got.EntityID != want.EntityID {
		t.Errorf("Get() key = %s/%s, want %s/%s", got.EntityType, got.EntityID, want.EntityType, want.EntityID)
	}
	if got.Version != want.Version {
		t.Errorf("Get().Version = %d, want %d", got.Version, want.Version)
	}
	if string(got.Payload) != string(want.Payload) {
		t.Errorf("Get().Payload = %s, want %s", got.Payload, want.Payload)
	}
	if !got.CommittedAt.Equal(want.CommittedAt) {
		t.Errorf("Get().CommittedAt = %v, want %v", got.CommittedAt, want.CommittedAt)
	}
	if got.Actor != want.Actor {
		t.Errorf("Get().Actor = %q, want %q", got.Actor, want.Actor)
	}

	if err := tier.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := tier.Get(ctx, key); ok {
		t.Error("Get() after Delete() = hit, want miss")
	}
	if err := tier.Delete(ctx, key); err != nil {
		t.Errorf("Delete() of absent key error = %v", err)
	}
}

func TestTier_TTLExpiry(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()

	tier := redistier.New(client)
	key := entity.NewKey(entity.TypeTask, "T1")

	if err := tier.Set(ctx, key, testSnapshot(key, 1, `{}`), 100*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, ok, _ := tier.Get(ctx, key); !ok {
		t.Fatal("Get() before expiry = miss, want hit")
	}

	time.Sleep(300 * time.Millisecond)

	if _, ok, _ := tier.Get(ctx, key); ok {
		t.Error("Get() after TTL = hit, want miss")
	}
}

func TestTier_CorruptEntryDropped(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()

	tier := redistier.New(client)
	key := entity.NewKey(entity.TypeTask, "T1")

	if err := client.Set(ctx, redistier.DefaultPrefix+key.String(), "not json", time.Minute).Err(); err != nil {
		t.Fatalf("seeding corrupt entry: %v", err)
	}

	if _, ok, err := tier.Get(ctx, key); err == nil || ok {
		t.Fatalf("Get() of corrupt entry = ok=%v err=%v, want decode error", ok, err)
	}

	// The corrupt entry was dropped, so the next read is a clean miss.
	if _, ok, err := tier.Get(ctx, key); err != nil || ok {
		t.Errorf("Get() after corrupt entry dropped = ok=%v err=%v, want clean miss", ok, err)
	}
}

var _ cache.Tier = (*redistier.Tier)(nil)
