package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"digiqc/internal/domain"
	"digiqc/internal/events"
	"digiqc/internal/inspection"
)

// PauseDraft stores the draft so it can be resumed later on the same step.
func (e Engine) PauseDraft(ctx context.Context, d *inspection.Draft, actorID string) (domain.PausedDraft, error) {
	if d.Closed() {
		return domain.PausedDraft{}, inspection.ErrDraftClosed
	}
	st := d.State()
	data, err := json.Marshal(st)
	if err != nil {
		return domain.PausedDraft{}, fmt.Errorf("encode draft: %w", err)
	}
	p := domain.PausedDraft{
		ID:        st.ID,
		TaskName:  st.TaskName,
		Step:      int(st.Step),
		StateJSON: string(data),
		PausedAt:  e.now().UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PausedDraft{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertPausedDraft(ctx, tx, p); err != nil {
		return domain.PausedDraft{}, fmt.Errorf("store paused draft: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.DraftPaused, "draft", p.ID, actorID, events.EventPayload{"step": st.Step.String()}); err != nil {
		return domain.PausedDraft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PausedDraft{}, err
	}
	return p, nil
}

// ResumePaused restores a paused draft and removes it from the paused list.
func (e Engine) ResumePaused(ctx context.Context, id, actorID string) (*inspection.Draft, error) {
	p, err := e.Repo.GetPausedDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	var st inspection.State
	if err := json.Unmarshal([]byte(p.StateJSON), &st); err != nil {
		return nil, fmt.Errorf("decode paused draft %s: %w", id, err)
	}
	d, err := inspection.RestoreDraft(st, e.DraftOptions()...)
	if err != nil {
		return nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.DeletePausedDraft(ctx, tx, id); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, events.DraftResumed, "draft", id, actorID, events.EventPayload{"step": st.Step.String()}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

func (e Engine) ListPaused(ctx context.Context) ([]domain.PausedDraft, error) {
	return e.Repo.ListPausedDrafts(ctx)
}
