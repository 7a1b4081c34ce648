package repository

import (
	"context"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func getRedisURL(t *testing.T) string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis repository tests")
	}
	return url
}

// TestRedisRepository_Miniredis runs the Lua scripts against an in-process
// server so they are covered without REDIS_URL.
func TestRedisRepository_Miniredis(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return NewRedisRepositoryWithClient(client, "tokengateway-test:")
	})
}

func TestRedisRepository(t *testing.T) {
	redisURL := getRedisURL(t)

	testStore(t, func(t *testing.T) Store {
		repo, err := NewRedisRepository(redisURL)
		require.NoError(t, err)

		// A per-test prefix keeps runs isolated on a shared server.
		prefix := "tokengateway-test:" + uuid.NewString() + ":"
		scoped := NewRedisRepositoryWithClient(repo.Client(), prefix)

		t.Cleanup(func() {
			ctx := context.Background()
			keys, _ := repo.Client().Keys(ctx, prefix+"*").Result()
			if len(keys) > 0 {
				repo.Client().Del(ctx, keys...)
			}
			repo.Close()
		})
		return scoped
	})
}
