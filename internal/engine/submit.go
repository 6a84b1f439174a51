package engine

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"digiqc/internal/domain"
	"digiqc/internal/events"
	"digiqc/internal/inspection"
)

const (
	msgSavedRemote   = "Inspection saved successfully to the server!"
	msgQueuedFailure = "Connection failed. Saved to offline queue."
	msgQueuedOffline = "You are offline. Saved to sync queue."
)

// SubmitResult says where a submitted inspection ended up.
type SubmitResult struct {
	Outcome  domain.Outcome           `json:"outcome" enum:"saved_remote,queued"`
	Message  string                   `json:"message"`
	Payload  domain.InspectionPayload `json:"payload"`
	RemoteID string                   `json:"remote_id,omitempty"`
	ItemID   string                   `json:"queue_item_id,omitempty"`
	Cause    string                   `json:"cause,omitempty"`
}

// Submit finalizes the draft and delivers it. The only errors returned are
// draft validation failures; once the payload is built the result is either
// saved on the backend or queued.
func (e Engine) Submit(ctx context.Context, d *inspection.Draft, isOnline bool, actorID string) (SubmitResult, error) {
	payload, err := d.Finalize(e.now())
	if err != nil {
		return SubmitResult{}, err
	}
	ctx, span := tracer.Start(ctx, "engine.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("inspection.id", payload.ID), attribute.Bool("online", isOnline))

	if !isOnline {
		res := e.enqueueSubmission(ctx, payload, actorID, "offline")
		res.Message = msgQueuedOffline
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
		return res, nil
	}

	remoteID, err := e.saveRemote(ctx, payload)
	if err != nil {
		e.logCtx(ctx).WithError(err).WithField("inspection_id", payload.ID).Warn("remote save failed, queueing")
		res := e.enqueueSubmission(ctx, payload, actorID, "remote_failed")
		res.Message = msgQueuedFailure
		res.Cause = err.Error()
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
		return res, nil
	}
	e.record(ctx, events.InspectionSavedRemote, "inspection", payload.ID, actorID, events.EventPayload{
		"remote_id": remoteID,
		"task_name": payload.TaskName,
	})
	span.SetAttributes(attribute.String("outcome", string(domain.OutcomeSavedRemote)))
	return SubmitResult{
		Outcome:  domain.OutcomeSavedRemote,
		Message:  msgSavedRemote,
		Payload:  payload,
		RemoteID: remoteID,
	}, nil
}

func (e Engine) saveRemote(ctx context.Context, p domain.InspectionPayload) (string, error) {
	if e.Remote == nil {
		return "", errors.New("remote is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, e.remoteTimeout())
	defer cancel()
	res, err := e.Remote.SaveInspection(ctx, p)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

func (e Engine) enqueueSubmission(ctx context.Context, p domain.InspectionPayload, actorID, reason string) SubmitResult {
	item := e.Queue.Enqueue(ctx, domain.SyncInspectionSubmit, p)
	e.record(ctx, events.InspectionQueued, "inspection", p.ID, actorID, events.EventPayload{
		"item_id": item.ID,
		"reason":  reason,
	})
	return SubmitResult{
		Outcome: domain.OutcomeQueued,
		Payload: p,
		ItemID:  item.ID,
	}
}
