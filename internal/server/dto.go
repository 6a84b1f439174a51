package server

import (
	"encoding/json"
	"time"

	"digiqc/internal/domain"
	"digiqc/internal/engine"
	"digiqc/internal/inspection"
	"digiqc/internal/remote"
)

// Request payloads

type SendOTPRequest struct {
	Identifier  string `json:"identifier" doc:"Phone number or email" example:"9876543210"`
	CountryCode string `json:"country_code,omitempty" example:"+91"`
}

type VerifyOTPRequest struct {
	Identifier string `json:"identifier" doc:"Identifier returned by /auth/otp/send" example:"+919876543210"`
	OTP        string `json:"otp" example:"123456"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

type CreateDraftRequest struct {
	ID            string `json:"id,omitempty" doc:"Existing inspection id; minted when empty"`
	Resume        bool   `json:"resume,omitempty" doc:"Start on Collaborators with setup already known"`
	TaskName      string `json:"task_name,omitempty"`
	ChecklistType string `json:"checklist_type,omitempty"`
}

type SetupRequest struct {
	TaskName      *string `json:"task_name,omitempty"`
	ChecklistType *string `json:"checklist_type,omitempty"`
}

type CollaboratorsRequest struct {
	ToggleRole *string `json:"toggle_role,omitempty" doc:"Selects the role, or clears it when already selected"`
	Photo      *string `json:"photo,omitempty" doc:"Photo uri; empty string clears it"`
}

type DiagramRequest struct {
	HasDiagram *bool   `json:"has_diagram,omitempty"`
	Image      *string `json:"image,omitempty" doc:"Diagram image uri; empty string clears it"`
}

type SaveQuestionRequest struct {
	Answer   any     `json:"answer,omitempty" doc:"String for text and option questions, boolean for yes_no"`
	Comment  string  `json:"comment,omitempty"`
	ProofURI *string `json:"proof_uri,omitempty"`
}

type CompletionRequest struct {
	RecheckAt time.Time `json:"recheck_at"`
}

type SubmitRequest struct {
	IsOnline bool `json:"is_online"`
}

type QueueImageRequest struct {
	DraftID    string `json:"draft_id"`
	QuestionID int    `json:"question_id,omitempty" minimum:"0"`
	URI        string `json:"uri"`
}

// Response payloads

type SendOTPResponse struct {
	Identifier string `json:"identifier"`
	LoginType  string `json:"login_type" enum:"phone,email"`
	Message    string `json:"message"`
}

type UserResponse struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type LoginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at" format:"date-time"`
	User      UserResponse `json:"user"`
	Message   string       `json:"message,omitempty"`
}

type WhoAmIResponse struct {
	UserID           string        `json:"user_id"`
	Name             string        `json:"name,omitempty"`
	Identifier       string        `json:"identifier,omitempty"`
	Source           string        `json:"source"`
	BackendUser      *UserResponse `json:"backend_user,omitempty"`
	SessionExpiresAt string        `json:"session_expires_at,omitempty"`
}

type QuestionResponse struct {
	ID            int      `json:"id"`
	Text          string   `json:"text"`
	Kind          string   `json:"kind" enum:"free_text,single_choice,yes_no,select_one"`
	Options       []string `json:"options,omitempty"`
	Answer        any      `json:"answer,omitempty"`
	Comment       string   `json:"comment,omitempty"`
	ProofURI      *string  `json:"proof_uri,omitempty"`
	RequiresProof bool     `json:"requires_proof"`
	Completed     bool     `json:"completed"`
}

type ChecklistsResponse struct {
	Types     []string           `json:"types"`
	Roles     []string           `json:"roles"`
	Questions []QuestionResponse `json:"questions"`
}

type DraftResponse struct {
	ID                string             `json:"id"`
	Step              int                `json:"step"`
	StepName          string             `json:"step_name"`
	MinStep           int                `json:"min_step"`
	TaskName          string             `json:"task_name"`
	ChecklistType     string             `json:"checklist_type"`
	CollaboratorRole  string             `json:"collaborator_role,omitempty"`
	CollaboratorPhoto *string            `json:"collaborator_photo,omitempty"`
	HasDiagram        *bool              `json:"has_diagram,omitempty"`
	DiagramImage      string             `json:"diagram_image,omitempty"`
	Questions         []QuestionResponse `json:"questions"`
	RecheckAt         *string            `json:"recheck_at,omitempty" format:"date-time"`
	StepReady         bool               `json:"step_ready"`
	StepBlocker       string             `json:"step_blocker,omitempty"`
}

type SetupResponse struct {
	Draft    DraftResponse `json:"draft"`
	Advanced bool          `json:"advanced"`
}

type BackResponse struct {
	Draft           DraftResponse `json:"draft"`
	CancelRequested bool          `json:"cancel_requested"`
}

type SubmitResponse struct {
	Outcome  string `json:"outcome" enum:"saved_remote,queued"`
	Message  string `json:"message"`
	ID       string `json:"id"`
	RemoteID string `json:"remote_id,omitempty"`
	ItemID   string `json:"queue_item_id,omitempty"`
	Cause    string `json:"cause,omitempty"`
}

type PausedDraftResponse struct {
	ID       string `json:"id"`
	TaskName string `json:"task_name"`
	Step     int    `json:"step"`
	StepName string `json:"step_name"`
	PausedAt string `json:"paused_at" format:"date-time"`
}

type SyncItemResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind" enum:"inspection_submit,image_upload"`
	Payload   any    `json:"payload"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Status    string `json:"status" enum:"pending,synced,failed"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty" format:"date-time"`
}

type ClearSyncedResponse struct {
	Removed int `json:"removed"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    any    `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Mapping helpers

func userResponse(u remote.TenantUser) UserResponse {
	return UserResponse{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		Phone:     u.Phone,
	}
}

func questionResponse(q domain.Question) QuestionResponse {
	out := QuestionResponse{
		ID:            q.ID,
		Text:          q.Text,
		Kind:          string(q.Kind),
		Options:       q.Options,
		Comment:       q.Comment,
		ProofURI:      q.ProofURI,
		RequiresProof: q.RequiresProof,
		Completed:     q.Completed,
	}
	if q.Answer != nil {
		out.Answer = q.Answer.Value()
	}
	return out
}

func mapQuestions(qs []domain.Question) []QuestionResponse {
	out := make([]QuestionResponse, 0, len(qs))
	for _, q := range qs {
		out = append(out, questionResponse(q))
	}
	return out
}

func draftResponse(d *inspection.Draft) DraftResponse {
	st := d.State()
	ready, blocker := inspection.IsStepReady(st.Step, d)
	return DraftResponse{
		ID:                st.ID,
		Step:              int(st.Step),
		StepName:          st.Step.String(),
		MinStep:           int(st.MinStep),
		TaskName:          st.TaskName,
		ChecklistType:     st.ChecklistType,
		CollaboratorRole:  st.CollaboratorRole,
		CollaboratorPhoto: st.CollaboratorPhoto,
		HasDiagram:        st.HasDiagram,
		DiagramImage:      st.DiagramImage,
		Questions:         mapQuestions(st.Questions),
		RecheckAt:         st.RecheckAt,
		StepReady:         ready,
		StepBlocker:       blocker,
	}
}

func submitResponse(res engine.SubmitResult) SubmitResponse {
	return SubmitResponse{
		Outcome:  string(res.Outcome),
		Message:  res.Message,
		ID:       res.Payload.ID,
		RemoteID: res.RemoteID,
		ItemID:   res.ItemID,
		Cause:    res.Cause,
	}
}

func pausedResponse(p domain.PausedDraft) PausedDraftResponse {
	return PausedDraftResponse{
		ID:       p.ID,
		TaskName: p.TaskName,
		Step:     p.Step,
		StepName: inspection.Step(p.Step).String(),
		PausedAt: p.PausedAt,
	}
}

func syncItemResponse(it domain.SyncItem) SyncItemResponse {
	return SyncItemResponse{
		ID:        it.ID,
		Kind:      string(it.Kind),
		Payload:   rawJSON(it.Payload),
		CreatedAt: it.CreatedAt,
		Status:    string(it.Status),
		Attempts:  it.Attempts,
		LastError: it.LastError,
		UpdatedAt: it.UpdatedAt,
	}
}

func mapSyncItems(items []domain.SyncItem) []SyncItemResponse {
	out := make([]SyncItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, syncItemResponse(it))
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    rawJSON([]byte(evt.Payload)),
	}
}

// rawJSON embeds stored JSON as-is; unreadable or empty payloads become null.
func rawJSON(data []byte) any {
	if len(data) == 0 || !json.Valid(data) {
		return nil
	}
	return json.RawMessage(data)
}
