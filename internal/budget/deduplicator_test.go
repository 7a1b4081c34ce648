package budget

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryDeduplicator_ShouldAlert(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDeduplicator()

	if !d.ShouldAlert(ctx, "user1", AlertLevelLow) {
		t.Error("First alert should be allowed")
	}

	if d.ShouldAlert(ctx, "user1", AlertLevelLow) {
		t.Error("Same alert should be deduplicated")
	}

	if !d.ShouldAlert(ctx, "user1", AlertLevelDepleted) {
		t.Error("Different level should be allowed")
	}

	if !d.ShouldAlert(ctx, "user2", AlertLevelLow) {
		t.Error("Different user should be allowed")
	}
}

func TestInMemoryDeduplicator_ClearAlert(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDeduplicator()

	d.ShouldAlert(ctx, "user1", AlertLevelLow)
	d.ClearAlert(ctx, "user1")

	if !d.ShouldAlert(ctx, "user1", AlertLevelLow) {
		t.Error("After clear, should be able to alert again")
	}
}

func newRedisDeduplicator(t *testing.T) *RedisDeduplicator {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis deduplicator tests")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("invalid REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	return NewRedisDeduplicator(client, "tokengateway-test:"+uuid.NewString()+":", time.Minute)
}

func newMiniredisDeduplicator(t *testing.T) *RedisDeduplicator {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisDeduplicator(client, "tokengateway-test:", time.Minute)
}

func TestRedisDeduplicator_Miniredis(t *testing.T) {
	ctx := context.Background()
	d := newMiniredisDeduplicator(t)

	if !d.ShouldAlert(ctx, "user1", AlertLevelLow) {
		t.Error("First alert should be allowed")
	}
	if d.ShouldAlert(ctx, "user1", AlertLevelLow) {
		t.Error("Same alert should be deduplicated")
	}
	if !d.ShouldAlert(ctx, "user1", AlertLevelDepleted) {
		t.Error("Different level should be allowed")
	}

	d.ClearAlert(ctx, "user1")
	if !d.ShouldAlert(ctx, "user1", AlertLevelLow) {
		t.Error("After clear, should be able to alert again")
	}
}

func TestRedisDeduplicator_ShouldAlert(t *testing.T) {
	d := newRedisDeduplicator(t)
	ctx := context.Background()
	defer d.ClearAlert(ctx, "user1")

	if !d.ShouldAlert(ctx, "user1", AlertLevelLow) {
		t.Error("First alert should be allowed")
	}
	if d.ShouldAlert(ctx, "user1", AlertLevelLow) {
		t.Error("Same alert should be deduplicated")
	}
	if !d.ShouldAlert(ctx, "user1", AlertLevelDepleted) {
		t.Error("Different level should be allowed")
	}
}

func TestRedisDeduplicator_ClearAlert(t *testing.T) {
	d := newRedisDeduplicator(t)
	ctx := context.Background()

	d.ShouldAlert(ctx, "user1", AlertLevelLow)
	d.ClearAlert(ctx, "user1")

	if !d.ShouldAlert(ctx, "user1", AlertLevelLow) {
		t.Error("After clear, should be able to alert again")
	}
	d.ClearAlert(ctx, "user1")
}
