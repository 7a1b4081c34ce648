package api

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthChecker probes one dependency the gateway cannot serve without.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type HealthStatus struct {
	Status         string                 `json:"status"`
	Version        string                 `json:"version,omitempty"`
	CircuitBreaker string                 `json:"circuit_breaker,omitempty"`
	Checks         map[string]CheckResult `json:"checks,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthChecker(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string {
	return "redis"
}

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// SQLHealthChecker pings the balance database, Postgres or SQLite.
type SQLHealthChecker struct {
	db   *sql.DB
	name string
}

func NewSQLHealthChecker(db *sql.DB, name string) *SQLHealthChecker {
	return &SQLHealthChecker{db: db, name: name}
}

func (c *SQLHealthChecker) Name() string {
	return c.name
}

func (c *SQLHealthChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// runHealthChecks runs all checks concurrently.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)

			result := CheckResult{Status: "ok", Duration: time.Since(start).String()}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

func allOK(results map[string]CheckResult) bool {
	for _, result := range results {
		if result.Status != "ok" {
			return false
		}
	}
	return true
}

// handleHealth always answers 200; an open breaker or a failed check only
// degrades the reported status.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	status := HealthStatus{
		Status:  "healthy",
		Version: h.version,
		Checks:  runHealthChecks(ctx, h.checkers),
	}
	if !allOK(status.Checks) {
		status.Status = "degraded"
	}
	if h.breaker != nil {
		status.CircuitBreaker = h.breaker.State().String()
		if status.CircuitBreaker != "closed" {
			status.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	status := HealthStatus{
		Status:  "ready",
		Version: h.version,
		Checks:  runHealthChecks(ctx, h.checkers),
	}

	code := http.StatusOK
	if !allOK(status.Checks) {
		status.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, status)
}
