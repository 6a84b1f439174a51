package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"digiqc/internal/domain"
	"digiqc/internal/events"
	"digiqc/internal/syncqueue"
)

const defaultFlushInterval = 30 * time.Second

// FlushReport summarizes one delivery pass.
type FlushReport struct {
	Offline   bool `json:"offline"`
	Attempted int  `json:"attempted"`
	Synced    int  `json:"synced"`
	Failed    int  `json:"failed"`
}

// FlushOnce delivers every pending item, oldest first, if the backend is
// reachable. Failed items stay failed until retried.
func (e Engine) FlushOnce(ctx context.Context) (FlushReport, error) {
	if e.Queue == nil {
		return FlushReport{}, errors.New("sync queue not open")
	}
	if e.flushMu != nil {
		e.flushMu.Lock()
		defer e.flushMu.Unlock()
	}
	ctx, span := tracer.Start(ctx, "engine.FlushOnce")
	defer span.End()

	var rep FlushReport
	pending := e.Queue.Pending(ctx)
	if len(pending) == 0 {
		return rep, nil
	}
	if e.Probe != nil && !e.Probe.Ping(ctx) {
		rep.Offline = true
		span.SetAttributes(attribute.Bool("offline", true))
		return rep, nil
	}
	for _, it := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Attempted++
		cause := e.deliver(ctx, it)
		if cause == nil {
			if err := e.Queue.MarkSynced(ctx, it.ID); err != nil {
				e.logMarkError(it, err)
				continue
			}
			rep.Synced++
			e.record(ctx, events.QueueSynced, "sync_item", it.ID, "", events.EventPayload{"kind": string(it.Kind)})
			continue
		}
		e.logCtx(ctx).WithError(cause).WithField("item_id", it.ID).Warn("queue delivery failed")
		if err := e.Queue.MarkFailed(ctx, it.ID, cause.Error()); err != nil {
			e.logMarkError(it, err)
			continue
		}
		rep.Failed++
		e.record(ctx, events.QueueFailed, "sync_item", it.ID, "", events.EventPayload{
			"kind":  string(it.Kind),
			"error": cause.Error(),
		})
	}
	span.SetAttributes(
		attribute.Int("attempted", rep.Attempted),
		attribute.Int("synced", rep.Synced),
		attribute.Int("failed", rep.Failed),
	)
	return rep, nil
}

func (e Engine) logMarkError(it domain.SyncItem, err error) {
	if errors.Is(err, syncqueue.ErrNotFound) {
		e.log().WithField("item_id", it.ID).Debug("queue item cleared during delivery")
		return
	}
	e.log().WithError(err).WithField("item_id", it.ID).Warn("queue status update failed")
}

func (e Engine) deliver(ctx context.Context, it domain.SyncItem) error {
	ctx, cancel := context.WithTimeout(ctx, e.remoteTimeout())
	defer cancel()
	switch it.Kind {
	case domain.SyncInspectionSubmit:
		var p domain.InspectionPayload
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			return fmt.Errorf("decode inspection payload: %w", err)
		}
		if e.Remote == nil {
			return errors.New("remote is not configured")
		}
		_, err := e.Remote.SaveInspection(ctx, p)
		return err
	case domain.SyncImageUpload:
		var up domain.ImageUpload
		if err := json.Unmarshal(it.Payload, &up); err != nil {
			return fmt.Errorf("decode image payload: %w", err)
		}
		if e.Images == nil {
			return errors.New("image sink is not configured")
		}
		return e.Images.UploadImage(ctx, up)
	}
	return fmt.Errorf("unknown queue item kind %q", it.Kind)
}

// Flusher drives FlushOnce in the background, waking on queue kicks and on a
// fixed interval.
type Flusher struct {
	Engine   Engine
	Interval time.Duration
}

// Run blocks until ctx is done.
func (f Flusher) Run(ctx context.Context) error {
	if f.Engine.Queue == nil {
		return errors.New("sync queue not open")
	}
	interval := f.Interval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log := f.Engine.log().WithField("component", "flusher")
	log.WithField("interval", interval.String()).Info("auto flush started")
	for {
		rep, err := f.Engine.FlushOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("flush failed")
		} else if rep.Attempted > 0 {
			log.WithFields(logrus.Fields{
				"synced": rep.Synced,
				"failed": rep.Failed,
			}).Info("flushed sync queue")
		}
		select {
		case <-ctx.Done():
			log.Info("auto flush stopped")
			return ctx.Err()
		case <-f.Engine.Queue.Kick():
		case <-ticker.C:
		}
	}
}
