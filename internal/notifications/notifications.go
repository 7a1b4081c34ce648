// Package notifications delivers operational alerts: low balances, charges
// that could not be collected, and upstream outages.
package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type NotificationType string

const (
	NotificationLowBalance       NotificationType = "low_balance"
	NotificationBalanceShortfall NotificationType = "balance_shortfall"
	NotificationProviderDown     NotificationType = "provider_down"
	NotificationProviderUp       NotificationType = "provider_up"
	NotificationBillingFailure   NotificationType = "billing_failure"
)

type Notification struct {
	Type      NotificationType `json:"type"`
	UserID    string           `json:"user_id,omitempty"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// LogNotifier writes notifications to the structured log. Used when no topic
// is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, notification Notification) error {
	level := slog.LevelWarn
	if notification.Type == NotificationBalanceShortfall || notification.Type == NotificationBillingFailure {
		level = slog.LevelError
	}

	n.logger.Log(ctx, level, "notification",
		"type", notification.Type,
		"user_id", notification.UserID,
		"message", notification.Message,
		"data", notification.Data,
	)
	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}
