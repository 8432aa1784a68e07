package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	query := `INSERT INTO settings (key, value) VALUES (?, ?)
              ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("%w: set setting %s: %v", ErrStore, key, err)
	}
	return nil
}

// GetSetting returns nil when the key was never set.
func (db *DB) GetSetting(ctx context.Context, key string) (*string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get setting %s: %v", ErrStore, key, err)
	}
	return &value, nil
}
