// Package delivery holds the concrete delivery primitives: a local inbox
// that clients poll, and a webhook that pushes each nudge to a URL.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutu-network/nudge/internal/domain"
	"github.com/tutu-network/nudge/internal/infra/sqlite"
	"github.com/tutu-network/nudge/internal/infra/timer"
)

// NotificationStore is the inbox's backing table.
type NotificationStore interface {
	InsertNotification(n sqlite.Notification) error
	ListDueNotifications(now time.Time, limit int) ([]sqlite.Notification, error)
	MarkNotificationShown(id string) (bool, error)
	NotificationCountSince(t time.Time) (int, error)
}

// Inbox stores nudges for clients to fetch once their delivery time arrives.
type Inbox struct {
	store NotificationStore
	clock timer.Clock
	log   *zap.Logger
}

var _ domain.Deliverer = (*Inbox)(nil)

// NewInbox creates an inbox over store.
func NewInbox(store NotificationStore, clock timer.Clock, log *zap.Logger) *Inbox {
	if log == nil {
		log = zap.NewNop()
	}
	return &Inbox{store: store, clock: clock, log: log}
}

// Deliver stores the nudge, visible from scheduledAt on.
func (i *Inbox) Deliver(_ context.Context, title, body string, scheduledAt time.Time) (bool, error) {
	n := sqlite.Notification{
		ID:        uuid.NewString(),
		Title:     title,
		Body:      body,
		DeliverAt: scheduledAt,
		CreatedAt: i.clock.Now(),
	}
	if err := i.store.InsertNotification(n); err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	i.log.Debug("nudge stored in inbox", zap.String("id", n.ID), zap.Time("deliver_at", scheduledAt))
	return true, nil
}

// Due returns unshown notifications whose time has come, oldest first.
func (i *Inbox) Due(limit int) ([]sqlite.Notification, error) {
	return i.store.ListDueNotifications(i.clock.Now(), limit)
}

// MarkShown marks a notification as shown. Returns false for unknown ids.
func (i *Inbox) MarkShown(id string) (bool, error) {
	return i.store.MarkNotificationShown(id)
}

// CountToday counts notifications created since local midnight.
func (i *Inbox) CountToday() (int, error) {
	now := i.clock.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return i.store.NotificationCountSince(midnight)
}
