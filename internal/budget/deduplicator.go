package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator keeps the same alert from being sent repeatedly, by
// this instance or by other gateway instances.
type AlertDeduplicator interface {
	// ShouldAlert reports whether this is the first alert at level for userID
	// since the last ClearAlert.
	ShouldAlert(ctx context.Context, userID string, level AlertLevel) bool

	// ClearAlert forgets the alert state once the balance is back above the
	// threshold.
	ClearAlert(ctx context.Context, userID string)
}

type InMemoryDeduplicator struct {
	mu         sync.Mutex
	lastAlerts map[string]AlertLevel
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		lastAlerts: make(map[string]AlertLevel),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, userID string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastAlerts[userID]; ok && last == level {
		return false
	}

	d.lastAlerts[userID] = level
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastAlerts, userID)
}

// RedisDeduplicator shares alert state across instances with SETNX.
type RedisDeduplicator struct {
	client  *redis.Client
	prefix  string
	lockTTL time.Duration
}

// NewRedisDeduplicator creates a deduplicator on an existing client. lockTTL
// bounds how long an alert is remembered if the balance never recovers.
func NewRedisDeduplicator(client *redis.Client, prefix string, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		prefix:  prefix,
		lockTTL: lockTTL,
	}
}

func (d *RedisDeduplicator) alertKey(userID string, level AlertLevel) string {
	return fmt.Sprintf("%salert:balance:%s:%s", d.prefix, userID, level)
}

func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, userID string, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, d.alertKey(userID, level), time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		// Fail open: a duplicate alert beats a lost one.
		slog.WarnContext(ctx, "alert dedup unavailable", "error", err)
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, userID string) {
	d.client.Del(ctx,
		d.alertKey(userID, AlertLevelLow),
		d.alertKey(userID, AlertLevelDepleted),
	)
}
