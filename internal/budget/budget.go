// Package budget watches balances after each charge and raises an alert when
// a user is about to run out of tokens.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/token-gateway/internal/metrics"
	"github.com/felipepmaragno/token-gateway/internal/notifications"
)

type AlertLevel string

const (
	AlertLevelLow      AlertLevel = "low"
	AlertLevelDepleted AlertLevel = "depleted"
)

type Alert struct {
	UserID    string
	Level     AlertLevel
	Balance   int64
	Threshold int64
	Timestamp time.Time
}

type AlertHandler func(ctx context.Context, alert Alert)

// Monitor compares a balance against a threshold and dispatches one alert per
// user and level until the balance recovers.
type Monitor struct {
	mu            sync.RWMutex
	threshold     int64
	dedup         AlertDeduplicator
	alertHandlers []AlertHandler

	// alerted holds users this monitor has seen below the threshold, so a
	// healthy balance only reaches the deduplicator after a recovery.
	alertedMu sync.Mutex
	alerted   map[string]struct{}
}

// NewMonitor returns a monitor. A threshold of zero or less disables the low
// level; a depleted balance still alerts.
func NewMonitor(threshold int64, dedup AlertDeduplicator) *Monitor {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Monitor{
		threshold: threshold,
		dedup:     dedup,
		alerted:   make(map[string]struct{}),
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

// Check returns the alert it dispatched, or nil.
func (m *Monitor) Check(ctx context.Context, userID string, balance int64) *Alert {
	var level AlertLevel
	switch {
	case balance <= 0:
		level = AlertLevelDepleted
	case balance < m.threshold:
		level = AlertLevelLow
	default:
		if m.recovered(userID) {
			m.dedup.ClearAlert(ctx, userID)
		}
		return nil
	}

	m.alertedMu.Lock()
	m.alerted[userID] = struct{}{}
	m.alertedMu.Unlock()

	if !m.dedup.ShouldAlert(ctx, userID, level) {
		return nil
	}

	alert := Alert{
		UserID:    userID,
		Level:     level,
		Balance:   balance,
		Threshold: m.threshold,
		Timestamp: time.Now(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.RUnlock()

	metrics.RecordLowBalanceAlert()
	for _, handler := range handlers {
		handler(ctx, alert)
	}

	return &alert
}

// recovered reports whether userID was below the threshold at the last
// check, and forgets it.
func (m *Monitor) recovered(userID string) bool {
	m.alertedMu.Lock()
	defer m.alertedMu.Unlock()
	if _, ok := m.alerted[userID]; !ok {
		return false
	}
	delete(m.alerted, userID)
	return true
}

func LogAlertHandler(ctx context.Context, alert Alert) {
	slog.WarnContext(ctx, "low balance",
		"user_id", alert.UserID,
		"level", alert.Level,
		"balance", alert.Balance,
		"threshold", alert.Threshold,
	)
}

// NotifyAlertHandler forwards alerts to a notifier. Delivery failures are
// logged, never returned to the request.
func NotifyAlertHandler(notifier notifications.Notifier) AlertHandler {
	return func(ctx context.Context, alert Alert) {
		err := notifier.Send(ctx, notifications.Notification{
			Type:    notifications.NotificationLowBalance,
			UserID:  alert.UserID,
			Message: fmt.Sprintf("balance %s: %d tokens left", alert.Level, alert.Balance),
			Data: map[string]any{
				"level":     string(alert.Level),
				"balance":   alert.Balance,
				"threshold": alert.Threshold,
			},
			Timestamp: alert.Timestamp,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to send low balance notification",
				"user_id", alert.UserID,
				"error", err,
			)
		}
	}
}
