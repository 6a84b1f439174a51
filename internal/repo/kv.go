package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// KV is a string key-value store on the workspace database.
type KV struct {
	DB  *sql.DB
	Now func() time.Time
}

func (k KV) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := k.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (k KV) Set(ctx context.Context, key, value string) error {
	now := time.Now
	if k.Now != nil {
		now = k.Now
	}
	_, err := k.DB.ExecContext(ctx, `INSERT INTO kv(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, now().UTC().Format(time.RFC3339))
	return err
}

func (k KV) Delete(ctx context.Context, key string) error {
	_, err := k.DB.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, key)
	return err
}
