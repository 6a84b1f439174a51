package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"digiqc/internal/config"
	"digiqc/internal/domain"
	"digiqc/internal/events"
	"digiqc/internal/inspection"
	"digiqc/internal/remote"
	"digiqc/internal/repo"
	"digiqc/internal/syncqueue"
)

var tracer = otel.Tracer("digiqc/internal/engine")

// Saver delivers a finished inspection to the backend.
type Saver interface {
	SaveInspection(ctx context.Context, p domain.InspectionPayload) (remote.SaveResult, error)
}

// ImageSink stores one queued image.
type ImageSink interface {
	UploadImage(ctx context.Context, up domain.ImageUpload) error
}

// Prober reports whether the backend is reachable.
type Prober interface {
	Ping(ctx context.Context) bool
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Queue  *syncqueue.Store
	Remote Saver
	Images ImageSink
	Probe  Prober
	Config *config.Config
	Now    func() time.Time
	Log    logrus.FieldLogger

	flushMu *sync.Mutex
}

func New(db *sql.DB, cfg *config.Config, queue *syncqueue.Store) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Queue:   queue,
		Config:  cfg,
		Now:     time.Now,
		Log:     logrus.StandardLogger(),
		flushMu: &sync.Mutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

// logCtx tags log lines with the active trace id, if any.
func (e Engine) logCtx(ctx context.Context) logrus.FieldLogger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return e.log()
	}
	return e.log().WithField("trace_id", sc.TraceID().String())
}

func (e Engine) remoteTimeout() time.Duration {
	if e.Config != nil && e.Config.Remote.Timeout.Duration > 0 {
		return e.Config.Remote.Timeout.Duration
	}
	return 15 * time.Second
}

// record appends an event outside any transaction. Failures are logged only;
// the event log never blocks a queue or submit decision.
func (e Engine) record(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) {
	e.Events.Now = e.Now
	if err := e.Events.Append(ctx, nil, evtType, entityKind, entityID, actorID, payload); err != nil {
		e.log().WithError(err).WithField("event", evtType).Warn("event append failed")
	}
}

// DraftOptions applies the configured checklist types and negative answers.
func (e Engine) DraftOptions() []inspection.Option {
	if e.Config == nil {
		return nil
	}
	opts := []inspection.Option{inspection.WithChecklistTypes(e.Config.Checklist.Types)}
	if len(e.Config.Checklist.NegativeAnswers) > 0 {
		opts = append(opts, inspection.WithRules(inspection.Rules{
			NegativeOptions: e.Config.Checklist.NegativeAnswers,
			FalseIsNegative: e.Config.Checklist.FalseIsNegative,
		}))
	}
	return opts
}

func (e Engine) checklist() []domain.Question {
	if e.Config == nil {
		return nil
	}
	return e.Config.ChecklistTemplate()
}

// NewDraft starts an inspection with the configured checklist.
func (e Engine) NewDraft(id string) *inspection.Draft {
	return inspection.NewDraft(id, e.checklist(), e.DraftOptions()...)
}

// ResumeDraft reopens an inspection whose setup is already known.
func (e Engine) ResumeDraft(id, taskName, checklistType string) *inspection.Draft {
	return inspection.ResumeDraft(id, taskName, checklistType, e.checklist(), e.DraftOptions()...)
}

// RecordAuth logs a login or logout.
func (e Engine) RecordAuth(ctx context.Context, evtType, userID string, payload events.EventPayload) {
	e.record(ctx, evtType, "session", userID, userID, payload)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
