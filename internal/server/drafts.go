package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"

	"digiqc/internal/domain"
	"digiqc/internal/engine"
	"digiqc/internal/inspection"
)

var errDraftNotFound = errors.New("draft not found")

// draftRegistry holds the open drafts of this process. A draft is only ever
// touched under its entry lock.
type draftRegistry struct {
	mu     sync.Mutex
	drafts map[string]*draftEntry
}

type draftEntry struct {
	mu    sync.Mutex
	draft *inspection.Draft
}

func newDraftRegistry() *draftRegistry {
	return &draftRegistry{drafts: map[string]*draftEntry{}}
}

// reserve claims id for a draft that is about to be opened. The entry comes
// back locked and must be handed to open or release.
func (r *draftRegistry) reserve(id string) (*draftEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drafts[id]; ok {
		return nil, false
	}
	entry := &draftEntry{}
	entry.mu.Lock()
	r.drafts[id] = entry
	return entry, true
}

func (r *draftRegistry) open(entry *draftEntry, d *inspection.Draft) {
	entry.draft = d
	entry.mu.Unlock()
}

func (r *draftRegistry) release(id string, entry *draftEntry) {
	r.remove(id, entry)
	entry.mu.Unlock()
}

// remove drops id only while it still maps to entry.
func (r *draftRegistry) remove(id string, entry *draftEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drafts[id] == entry {
		delete(r.drafts, id)
	}
}

// with runs fn on draft id while holding its lock. Drafts that end up closed
// are dropped from the registry.
func (r *draftRegistry) with(id string, fn func(d *inspection.Draft) error) error {
	r.mu.Lock()
	entry, ok := r.drafts[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errDraftNotFound, id)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.draft == nil {
		return fmt.Errorf("%w: %s", errDraftNotFound, id)
	}
	err := fn(entry.draft)
	if entry.draft.Closed() {
		r.remove(id, entry)
	}
	return err
}

func draftConflict(id string) error {
	return newAPIError(http.StatusConflict, "conflict", "draft already open", map[string]any{"id": id})
}

type draftPath struct {
	ID string `path:"id"`
}

type draftOutput struct {
	Body DraftResponse `json:"body"`
}

func registerDrafts(api huma.API, e engine.Engine, drafts *draftRegistry) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-draft",
		Method:        http.MethodPost,
		Path:          "/drafts",
		Summary:       "Start a new inspection draft, or reopen one whose setup is known",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateDraftRequest `json:"body"`
	}) (*draftOutput, error) {
		id := strings.TrimSpace(input.Body.ID)
		var d *inspection.Draft
		if input.Body.Resume {
			if id == "" || strings.TrimSpace(input.Body.TaskName) == "" || input.Body.ChecklistType == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "id, task_name and checklist_type are required to resume", nil)
			}
			d = e.ResumeDraft(id, input.Body.TaskName, input.Body.ChecklistType)
		} else {
			d = e.NewDraft(id)
		}
		entry, ok := drafts.reserve(d.ID())
		if !ok {
			return nil, draftConflict(d.ID())
		}
		drafts.open(entry, d)
		return &draftOutput{Body: draftResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{id}",
		Summary:     "Get an open draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *draftPath) (*draftOutput, error) {
		var resp DraftResponse
		err := drafts.with(input.ID, func(d *inspection.Draft) error {
			resp = draftResponse(d)
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &draftOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-draft-setup",
		Method:      http.MethodPut,
		Path:        "/drafts/{id}/setup",
		Summary:     "Set task name and checklist type",
		Description: "Selecting a checklist type while the task name is filled moves the draft to Collaborators.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body SetupRequest `json:"body"`
	}) (*struct {
		Body SetupResponse `json:"body"`
	}, error) {
		var resp SetupResponse
		err := drafts.with(input.ID, func(d *inspection.Draft) error {
			if input.Body.TaskName != nil {
				if err := d.SetTaskName(*input.Body.TaskName); err != nil {
					return err
				}
			}
			if input.Body.ChecklistType != nil {
				advanced, err := d.SelectChecklistType(*input.Body.ChecklistType)
				if err != nil {
					return err
				}
				resp.Advanced = advanced
			}
			resp.Draft = draftResponse(d)
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SetupResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-draft-collaborators",
		Method:      http.MethodPut,
		Path:        "/drafts/{id}/collaborators",
		Summary:     "Toggle the collaborator role or set the collaborator photo",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body CollaboratorsRequest `json:"body"`
	}) (*draftOutput, error) {
		var resp DraftResponse
		err := drafts.with(input.ID, func(d *inspection.Draft) error {
			if input.Body.ToggleRole != nil {
				if err := d.ToggleCollaboratorRole(*input.Body.ToggleRole); err != nil {
					return err
				}
			}
			if input.Body.Photo != nil {
				if err := d.SetCollaboratorPhoto(*input.Body.Photo); err != nil {
					return err
				}
			}
			resp = draftResponse(d)
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &draftOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-draft-diagram",
		Method:      http.MethodPut,
		Path:        "/drafts/{id}/diagram",
		Summary:     "Answer the diagram question and attach the diagram image",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body DiagramRequest `json:"body"`
	}) (*draftOutput, error) {
		var resp DraftResponse
		err := drafts.with(input.ID, func(d *inspection.Draft) error {
			if input.Body.HasDiagram != nil {
				if err := d.SetHasDiagram(*input.Body.HasDiagram); err != nil {
					return err
				}
			}
			if input.Body.Image != nil {
				if err := d.SetDiagramImage(*input.Body.Image); err != nil {
					return err
				}
			}
			resp = draftResponse(d)
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &draftOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "draft-next",
		Method:      http.MethodPost,
		Path:        "/drafts/{id}/next",
		Summary:     "Advance to the next step",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *draftPath) (*draftOutput, error) {
		var resp DraftResponse
		err := drafts.with(input.ID, func(d *inspection.Draft) error {
			if err := d.Next(); err != nil {
				return err
			}
			resp = draftResponse(d)
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &draftOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "draft-back",
		Method:      http.MethodPost,
		Path:        "/drafts/{id}/back",
		Summary:     "Go back one step",
		Description: "On the first step the draft stays put and cancel_requested is true.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *draftPath) (*struct {
		Body BackResponse `json:"body"`
	}, error) {
		var resp BackResponse
		err := drafts.with(input.ID, func(d *inspection.Draft) error {
			cancel, err := d.Back()
			if err != nil {
				return err
			}
			resp = BackResponse{Draft: draftResponse(d), CancelRequested: cancel}
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BackResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-draft-completion",
		Method:      http.MethodPut,
		Path:        "/drafts/{id}/completion",
		Summary:     "Set the recheck date and time",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CompletionRequest `json:"body"`
	}) (*draftOutput, error) {
		var resp DraftResponse
		err := drafts.with(input.ID, func(d *inspection.Draft) error {
			if err := d.SetRecheckAt(input.Body.RecheckAt); err != nil {
				return err
			}
			resp = draftResponse(d)
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &draftOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{id}/submit",
		Summary:     "Submit the inspection to the backend, or queue it",
		Description: "Offline submissions and failed remote saves are queued; both return 200 with outcome queued.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body SubmitRequest `json:"body"`
	}) (*struct {
		Body SubmitResponse `json:"body"`
	}, error) {
		var res engine.SubmitResult
		err := drafts.with(input.ID, func(d *inspection.Draft) error {
			var err error
			res, err = e.Submit(ctx, d, input.Body.IsOnline, actorID(ctx))
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitResponse `json:"body"`
		}{Body: submitResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{id}/pause",
		Summary:     "Store the draft for later and close it here",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *draftPath) (*struct {
		Body PausedDraftResponse `json:"body"`
	}, error) {
		var paused domain.PausedDraft
		err := drafts.with(input.ID, func(d *inspection.Draft) error {
			p, err := e.PauseDraft(ctx, d, actorID(ctx))
			if err != nil {
				return err
			}
			paused = p
			return d.Cancel()
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PausedDraftResponse `json:"body"`
		}{Body: pausedResponse(paused)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-draft",
		Method:        http.MethodDelete,
		Path:          "/drafts/{id}",
		Summary:       "Discard an open draft",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *draftPath) (*struct{}, error) {
		err := drafts.with(input.ID, func(d *inspection.Draft) error {
			return d.Cancel()
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerPaused(api huma.API, e engine.Engine, drafts *draftRegistry) {
	huma.Register(api, huma.Operation{
		OperationID: "list-paused-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts/paused",
		Summary:     "List paused drafts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PausedDraftResponse `json:"body"`
	}, error) {
		items, err := e.ListPaused(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PausedDraftResponse, 0, len(items))
		for _, p := range items {
			out = append(out, pausedResponse(p))
		}
		return &struct {
			Body []PausedDraftResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-paused-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/paused/{id}/resume",
		Summary:     "Reopen a paused draft on the step it was paused at",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *draftPath) (*draftOutput, error) {
		entry, ok := drafts.reserve(input.ID)
		if !ok {
			return nil, draftConflict(input.ID)
		}
		d, err := e.ResumePaused(ctx, input.ID, actorID(ctx))
		if err != nil {
			drafts.release(input.ID, entry)
			return nil, handleError(err)
		}
		drafts.open(entry, d)
		return &draftOutput{Body: draftResponse(d)}, nil
	})
}

func registerQuestions(api huma.API, drafts *draftRegistry) {
	type questionPath struct {
		ID         string `path:"id"`
		QuestionID int    `path:"question_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-question",
		Method:      http.MethodGet,
		Path:        "/drafts/{id}/questions/{question_id}",
		Summary:     "Open a checklist question for editing",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *questionPath) (*struct {
		Body QuestionResponse `json:"body"`
	}, error) {
		var q domain.Question
		err := drafts.with(input.ID, func(d *inspection.Draft) error {
			var err error
			q, err = d.OpenQuestion(input.QuestionID)
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuestionResponse `json:"body"`
		}{Body: questionResponse(q)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-question",
		Method:      http.MethodPut,
		Path:        "/drafts/{id}/questions/{question_id}",
		Summary:     "Save an answer, comment and proof",
		Description: "Negative answers need a comment; questions that require proof need a proof uri. Nothing is stored when a rule fails.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID         string              `path:"id"`
		QuestionID int                 `path:"question_id"`
		Body       SaveQuestionRequest `json:"body"`
	}) (*struct {
		Body QuestionResponse `json:"body"`
	}, error) {
		var saved domain.Question
		err := drafts.with(input.ID, func(d *inspection.Draft) error {
			working, err := d.OpenQuestion(input.QuestionID)
			if err != nil {
				return err
			}
			ans, err := domain.AnswerFromValue(working.Kind, input.Body.Answer)
			if err != nil {
				return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"question_id": input.QuestionID})
			}
			working.Answer = ans
			working.Comment = input.Body.Comment
			working.ProofURI = input.Body.ProofURI
			saved, err = d.SaveQuestion(working)
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuestionResponse `json:"body"`
		}{Body: questionResponse(saved)}, nil
	})
}
