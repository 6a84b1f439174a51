package engine

import (
	"context"
	"errors"
	"strings"

	"digiqc/internal/domain"
	"digiqc/internal/events"
	"digiqc/internal/remote"
)

// QueueImageUpload queues one image for later upload.
func (e Engine) QueueImageUpload(ctx context.Context, up domain.ImageUpload, actorID string) (domain.SyncItem, error) {
	if strings.TrimSpace(up.DraftID) == "" {
		return domain.SyncItem{}, errors.New("draft_id is required")
	}
	if up.QuestionID < 0 {
		return domain.SyncItem{}, errors.New("question_id must not be negative")
	}
	if _, err := remote.LocalPath(up.URI); err != nil || strings.TrimSpace(up.URI) == "" {
		return domain.SyncItem{}, errors.New("uri must be a local file path or file:// uri")
	}
	item := e.Queue.Enqueue(ctx, domain.SyncImageUpload, up)
	e.record(ctx, events.ImageQueued, "sync_item", item.ID, actorID, events.EventPayload{
		"draft_id":    up.DraftID,
		"question_id": up.QuestionID,
	})
	return item, nil
}

// RetryItem moves a failed item back to pending.
func (e Engine) RetryItem(ctx context.Context, id, actorID string) (domain.SyncItem, error) {
	it, err := e.Queue.Retry(ctx, id)
	if err != nil {
		return domain.SyncItem{}, err
	}
	e.record(ctx, events.QueueRetry, "sync_item", id, actorID, events.EventPayload{"kind": string(it.Kind)})
	return it, nil
}

// ClearSynced removes delivered items and returns how many were dropped.
func (e Engine) ClearSynced(ctx context.Context, actorID string) int {
	n := e.Queue.ClearSynced(ctx)
	if n > 0 {
		e.record(ctx, events.QueueCleared, "sync_queue", "", actorID, events.EventPayload{"removed": n})
	}
	return n
}
