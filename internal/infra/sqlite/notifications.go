package sqlite

import (
	"time"
)

// Notification is a delivered nudge waiting in the inbox.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	DeliverAt time.Time `json:"deliver_at"`
	CreatedAt time.Time `json:"created_at"`
	Shown     bool      `json:"shown"`
}

// ─── Notification Inbox ─────────────────────────────────────────────────────

// InsertNotification stores a notification.
func (d *DB) InsertNotification(n Notification) error {
	_, err := d.db.Exec(
		`INSERT INTO notifications (id, title, body, deliver_at, created_at, shown)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.Title, n.Body, n.DeliverAt.UnixMilli(), n.CreatedAt.UnixMilli(), n.Shown,
	)
	return err
}

// ListDueNotifications returns unshown notifications whose deliver_at has
// passed, oldest first.
func (d *DB) ListDueNotifications(now time.Time, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.Query(
		`SELECT id, title, body, deliver_at, created_at, shown
		 FROM notifications WHERE shown = 0 AND deliver_at <= ?
		 ORDER BY deliver_at ASC LIMIT ?`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var deliverAt, createdAt int64
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &deliverAt, &createdAt, &n.Shown); err != nil {
			return nil, err
		}
		n.DeliverAt = time.UnixMilli(deliverAt)
		n.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationShown marks a notification as shown.
// Returns false if no such notification exists.
func (d *DB) MarkNotificationShown(id string) (bool, error) {
	result, err := d.db.Exec(`UPDATE notifications SET shown = 1 WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// NotificationCountSince counts notifications created at or after t.
func (d *DB) NotificationCountSince(t time.Time) (int, error) {
	var count int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM notifications WHERE created_at >= ?`, t.UnixMilli(),
	).Scan(&count)
	return count, err
}
