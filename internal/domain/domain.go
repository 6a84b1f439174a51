package domain

import (
	"encoding/json"
	"fmt"
)

type QuestionKind string

const (
	KindFreeText     QuestionKind = "free_text"
	KindSingleChoice QuestionKind = "single_choice"
	KindYesNo        QuestionKind = "yes_no"
	KindSelectOne    QuestionKind = "select_one"
)

func (k QuestionKind) IsValid() bool {
	switch k {
	case KindFreeText, KindSingleChoice, KindYesNo, KindSelectOne:
		return true
	}
	return false
}

// HasOptions reports whether answers of this kind must come from Question.Options.
func (k QuestionKind) HasOptions() bool {
	return k == KindSingleChoice || k == KindSelectOne
}

// Answer is one of TextAnswer, BoolAnswer or OptionAnswer. A nil Answer means unanswered.
type Answer interface {
	isAnswer()
	Value() any
}

type TextAnswer string

type BoolAnswer bool

type OptionAnswer string

func (TextAnswer) isAnswer()   {}
func (BoolAnswer) isAnswer()   {}
func (OptionAnswer) isAnswer() {}

func (a TextAnswer) Value() any   { return string(a) }
func (a BoolAnswer) Value() any   { return bool(a) }
func (a OptionAnswer) Value() any { return string(a) }

// AnswerFromValue converts a decoded JSON value into the answer variant for kind.
// Strings become options for choice kinds and text otherwise; a string sent for a
// yes_no question stays a TextAnswer and is therefore not an answer to it.
func AnswerFromValue(kind QuestionKind, v any) (Answer, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return BoolAnswer(val), nil
	case string:
		if kind.HasOptions() {
			return OptionAnswer(val), nil
		}
		return TextAnswer(val), nil
	default:
		return nil, fmt.Errorf("unsupported answer type %T", v)
	}
}

// Question is one checklist entry. The JSON form carries the answer as a bare
// string or boolean; decoding picks the variant from Kind.
type Question struct {
	ID            int          `json:"id"`
	Text          string       `json:"text"`
	Kind          QuestionKind `json:"kind" enum:"free_text,single_choice,yes_no,select_one"`
	Options       []string     `json:"options,omitempty"`
	Answer        Answer       `json:"answer"`
	Comment       string       `json:"comment,omitempty"`
	ProofURI      *string      `json:"proof_uri,omitempty"`
	RequiresProof bool         `json:"requires_proof"`
	Completed     bool         `json:"completed"`
}

type questionJSON struct {
	ID            int          `json:"id"`
	Text          string       `json:"text"`
	Kind          QuestionKind `json:"kind"`
	Options       []string     `json:"options,omitempty"`
	Answer        any          `json:"answer"`
	Comment       string       `json:"comment,omitempty"`
	ProofURI      *string      `json:"proof_uri,omitempty"`
	RequiresProof bool         `json:"requires_proof"`
	Completed     bool         `json:"completed"`
}

func (q Question) MarshalJSON() ([]byte, error) {
	out := questionJSON{
		ID:            q.ID,
		Text:          q.Text,
		Kind:          q.Kind,
		Options:       q.Options,
		Comment:       q.Comment,
		ProofURI:      q.ProofURI,
		RequiresProof: q.RequiresProof,
		Completed:     q.Completed,
	}
	if q.Answer != nil {
		out.Answer = q.Answer.Value()
	}
	return json.Marshal(out)
}

func (q *Question) UnmarshalJSON(data []byte) error {
	var in questionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	ans, err := AnswerFromValue(in.Kind, in.Answer)
	if err != nil {
		return fmt.Errorf("question %d: %w", in.ID, err)
	}
	*q = Question{
		ID:            in.ID,
		Text:          in.Text,
		Kind:          in.Kind,
		Options:       in.Options,
		Answer:        ans,
		Comment:       in.Comment,
		ProofURI:      in.ProofURI,
		RequiresProof: in.RequiresProof,
		Completed:     in.Completed,
	}
	return nil
}

// Clone returns a deep copy.
func (q Question) Clone() Question {
	out := q
	if q.Options != nil {
		out.Options = append([]string(nil), q.Options...)
	}
	if q.ProofURI != nil {
		uri := *q.ProofURI
		out.ProofURI = &uri
	}
	return out
}

func CloneQuestions(in []Question) []Question {
	if in == nil {
		return nil
	}
	out := make([]Question, len(in))
	for i, q := range in {
		out[i] = q.Clone()
	}
	return out
}

// InspectionPayload is the immutable submission built from a finished draft.
type InspectionPayload struct {
	ID                string     `json:"id"`
	TaskName          string     `json:"task_name"`
	ChecklistType     string     `json:"checklist_type"`
	Questions         []Question `json:"questions"`
	DiagramImage      string     `json:"diagram_image,omitempty"`
	Collaborators     []string   `json:"collaborators"`
	CollaboratorPhoto *string    `json:"collaborator_photo,omitempty"`
	RecheckAt         string     `json:"recheck_at" format:"date-time"`
	CreatedAt         string     `json:"created_at" format:"date-time"`
}

type SyncKind string

const (
	SyncInspectionSubmit SyncKind = "inspection_submit"
	SyncImageUpload      SyncKind = "image_upload"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncPending, SyncSynced, SyncFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether a queue item may move from s to next.
// Synced is terminal.
func (s SyncStatus) CanTransitionTo(next SyncStatus) bool {
	switch s {
	case SyncPending:
		return next == SyncSynced || next == SyncFailed
	case SyncFailed:
		return next == SyncPending
	}
	return false
}

type SyncItem struct {
	ID        string          `json:"id"`
	Kind      SyncKind        `json:"kind" enum:"inspection_submit,image_upload"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	Status    SyncStatus      `json:"status" enum:"pending,synced,failed"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	UpdatedAt string          `json:"updated_at,omitempty" format:"date-time"`
}

func (it SyncItem) Clone() SyncItem {
	out := it
	if it.Payload != nil {
		out.Payload = append(json.RawMessage(nil), it.Payload...)
	}
	return out
}

// ImageUpload is the payload of an image_upload queue item.
type ImageUpload struct {
	DraftID    string `json:"draft_id"`
	QuestionID int    `json:"question_id,omitempty"`
	URI        string `json:"uri"`
}

type Outcome string

const (
	OutcomeSavedRemote Outcome = "saved_remote"
	OutcomeQueued      Outcome = "queued"
)

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PausedDraft is a stored draft snapshot awaiting resume.
type PausedDraft struct {
	ID        string `json:"id"`
	TaskName  string `json:"task_name"`
	Step      int    `json:"step"`
	StateJSON string `json:"-"`
	PausedAt  string `json:"paused_at" format:"date-time"`
}
