package repo

import (
	"context"
	"database/sql"

	"digiqc/internal/domain"
	"digiqc/internal/syncqueue"
)

// SyncQueue persists the sync queue in the workspace database. Rows are
// written one item at a time; a higher position is a newer item.
type SyncQueue struct {
	DB *sql.DB
}

func (q SyncQueue) Load(ctx context.Context) ([]domain.SyncItem, error) {
	rows, err := q.DB.QueryContext(ctx, `SELECT id,kind,payload_json,created_at,status,attempts,COALESCE(last_error,''),COALESCE(updated_at,'') FROM sync_queue ORDER BY position DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.SyncItem
	for rows.Next() {
		var it domain.SyncItem
		var payload string
		if err := rows.Scan(&it.ID, &it.Kind, &payload, &it.CreatedAt, &it.Status, &it.Attempts, &it.LastError, &it.UpdatedAt); err != nil {
			return nil, err
		}
		it.Payload = []byte(payload)
		items = append(items, it)
	}
	return items, rows.Err()
}

// Apply upserts and deletes by id in one transaction. Rows written by other
// connections are left alone.
func (q SyncQueue) Apply(ctx context.Context, c syncqueue.Change) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range c.Delete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id=?`, id); err != nil {
			return err
		}
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sync_queue(id,position,kind,payload_json,created_at,status,attempts,last_error,updated_at)
VALUES (?,(SELECT COALESCE(MAX(position),0)+1 FROM sync_queue),?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status,
  attempts=excluded.attempts,
  last_error=excluded.last_error,
  updated_at=excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, it := range c.Put {
		if _, err := stmt.ExecContext(ctx, it.ID, it.Kind, string(it.Payload), it.CreatedAt, it.Status, it.Attempts, nullable(it.LastError), nullable(it.UpdatedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}
