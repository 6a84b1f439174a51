package repo

import (
	"context"
	"database/sql"
	"errors"

	"digiqc/internal/domain"
)

func (r Repo) UpsertPausedDraft(ctx context.Context, tx *sql.Tx, d domain.PausedDraft) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO paused_drafts(id,task_name,step,state_json,paused_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET task_name=excluded.task_name, step=excluded.step, state_json=excluded.state_json, paused_at=excluded.paused_at`,
		d.ID, d.TaskName, d.Step, d.StateJSON, d.PausedAt)
	return err
}

func (r Repo) GetPausedDraft(ctx context.Context, id string) (domain.PausedDraft, error) {
	var d domain.PausedDraft
	err := r.DB.QueryRowContext(ctx, `SELECT id,task_name,step,state_json,paused_at FROM paused_drafts WHERE id=?`, id).
		Scan(&d.ID, &d.TaskName, &d.Step, &d.StateJSON, &d.PausedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) DeletePausedDraft(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM paused_drafts WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPausedDrafts returns paused drafts, most recently paused first.
func (r Repo) ListPausedDrafts(ctx context.Context) ([]domain.PausedDraft, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_name,step,state_json,paused_at FROM paused_drafts ORDER BY paused_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PausedDraft
	for rows.Next() {
		var d domain.PausedDraft
		if err := rows.Scan(&d.ID, &d.TaskName, &d.Step, &d.StateJSON, &d.PausedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
