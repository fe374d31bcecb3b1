package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/tutu-network/nudge/internal/domain"
)

var _ domain.KVStore = (*DB)(nil)

// ─── Key-Value Store ────────────────────────────────────────────────────────

// Get retrieves a blob by key. ok is false when the key is absent.
func (d *DB) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := d.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores a blob, replacing any previous value.
func (d *DB) Set(key string, value []byte) error {
	_, err := d.db.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().Unix(),
	)
	return err
}

// Delete removes a key. Absent keys are not an error.
func (d *DB) Delete(key string) error {
	_, err := d.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Keys lists stored keys with the given prefix.
func (d *DB) Keys(prefix string) ([]string, error) {
	rows, err := d.db.Query(`SELECT key FROM kv WHERE key LIKE ? || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
