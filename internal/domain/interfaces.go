package domain

import (
	"context"
	"time"
)

// ─── Collaborator Interfaces ────────────────────────────────────────────────
// Infrastructure implements them; the application layer depends on them.

// KVStore is the persistent key-value store. Values are JSON blobs addressed
// by fixed keys. A single Set is atomic from the caller's perspective;
// concurrent writers race and the last write wins.
type KVStore interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(key string) (value []byte, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
}

// Deliverer is the external notification primitive.
// A false result or a non-nil error is a failed delivery. ErrOffline means
// the target is unreachable and the nudge should be queued for retry.
type Deliverer interface {
	Deliver(ctx context.Context, title, body string, scheduledAt time.Time) (bool, error)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, title, body string, scheduledAt time.Time) (bool, error)

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, title, body string, scheduledAt time.Time) (bool, error) {
	return f(ctx, title, body, scheduledAt)
}

// Store keys, one per persisted component. Pattern snapshots are per user.
const (
	KeyBehavioralModels = "nudge.behavioral_models"
	KeyRateLimit        = "nudge.rate_limit"
	KeyDeliveryQueue    = "nudge.delivery_queue"
	KeyExperiments      = "nudge.experiments"
	KeyPatternPrefix    = "nudge.pattern."
)
