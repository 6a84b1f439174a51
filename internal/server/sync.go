package server

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"digiqc/internal/domain"
	"digiqc/internal/engine"
	"digiqc/internal/syncqueue"
)

func registerSync(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sync-queue",
		Method:      http.MethodGet,
		Path:        "/sync/queue",
		Summary:     "List queued items, newest first",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,synced,failed"`
	}) (*struct {
		Body []SyncItemResponse `json:"body"`
	}, error) {
		items := e.Queue.List(ctx)
		if input.Status != "" {
			filtered := items[:0]
			for _, it := range items {
				if string(it.Status) == input.Status {
					filtered = append(filtered, it)
				}
			}
			items = filtered
		}
		return &struct {
			Body []SyncItemResponse `json:"body"`
		}{Body: mapSyncItems(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-sync-item",
		Method:      http.MethodGet,
		Path:        "/sync/queue/{id}",
		Summary:     "Get one queued item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SyncItemResponse `json:"body"`
	}, error) {
		it, err := e.Queue.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncItemResponse `json:"body"`
		}{Body: syncItemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-sync-item",
		Method:      http.MethodPost,
		Path:        "/sync/queue/{id}/retry",
		Summary:     "Move a failed item back to pending",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SyncItemResponse `json:"body"`
	}, error) {
		it, err := e.RetryItem(ctx, input.ID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncItemResponse `json:"body"`
		}{Body: syncItemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-synced",
		Method:      http.MethodPost,
		Path:        "/sync/queue/clear-synced",
		Summary:     "Remove delivered items",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ClearSyncedResponse `json:"body"`
	}, error) {
		n := e.ClearSynced(ctx, actorID(ctx))
		return &struct {
			Body ClearSyncedResponse `json:"body"`
		}{Body: ClearSyncedResponse{Removed: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "flush-sync-queue",
		Method:      http.MethodPost,
		Path:        "/sync/flush",
		Summary:     "Deliver pending items now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.FlushReport `json:"body"`
	}, error) {
		rep, err := e.FlushOnce(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.FlushReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "queue-image-upload",
		Method:        http.MethodPost,
		Path:          "/sync/images",
		Summary:       "Queue a local image for upload",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body QueueImageRequest `json:"body"`
	}) (*struct {
		Body SyncItemResponse `json:"body"`
	}, error) {
		it, err := e.QueueImageUpload(ctx, domain.ImageUpload{
			DraftID:    input.Body.DraftID,
			QuestionID: input.Body.QuestionID,
			URI:        input.Body.URI,
		}, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncItemResponse `json:"body"`
		}{Body: syncItemResponse(it)}, nil
	})
}

const (
	streamWriteWait    = 10 * time.Second
	streamPollInterval = 2 * time.Second
)

// registerQueueStream serves queue snapshots over a websocket: the current
// list on connect, then the full list after every change.
func registerQueueStream(r chi.Router, basePath string, queue *syncqueue.Store, log logrus.FieldLogger) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// Bearer token auth runs before the upgrade.
			return true
		},
	}
	r.Get(path.Join(basePath, "sync/queue/stream"), func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.WithError(err).Warn("queue stream upgrade failed")
			return
		}
		defer conn.Close()

		updates, unsubscribe := queue.Subscribe()
		defer unsubscribe()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						log.WithError(err).Debug("queue stream read error")
					}
					return
				}
			}
		}()

		send := func(items []domain.SyncItem) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(mapSyncItems(items)); err != nil {
				log.WithError(err).Debug("queue stream write failed")
				return false
			}
			return true
		}

		if !send(queue.List(req.Context())) {
			return
		}
		// a reload publishes on updates when another process changed the queue
		poll := time.NewTicker(streamPollInterval)
		defer poll.Stop()
		for {
			select {
			case <-req.Context().Done():
				return
			case <-closed:
				return
			case <-poll.C:
				queue.List(req.Context())
			case items := <-updates:
				if !send(items) {
					return
				}
			}
		}
	})
}
