package store

import (
	"context"
	"database/sql"
	"errors"
)

// SyncValue reads a sync_state entry. A missing key is "".
func (s *Store) SyncValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM sync_state WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetSyncValue writes a sync_state entry.
func (s *Store) SetSyncValue(ctx context.Context, key, value string) error {
	return s.withTx(ctx, "set sync value", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sync_state (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}
