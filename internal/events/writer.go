package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	InspectionSavedRemote = "inspection.saved_remote"
	InspectionQueued      = "inspection.queued"
	QueueRetry            = "queue.retry"
	QueueSynced           = "queue.synced"
	QueueFailed           = "queue.failed"
	QueueCleared          = "queue.cleared"
	ImageQueued           = "image.queued"
	DraftPaused           = "draft.paused"
	DraftResumed          = "draft.resumed"
	AuthLogin             = "auth.login"
	AuthLogout            = "auth.logout"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes an event inside tx, or directly when tx is nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "device"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var ex execer = tx
	if tx == nil {
		if w.DB == nil {
			return nil
		}
		ex = w.DB
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
