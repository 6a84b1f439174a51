package inspection

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"digiqc/internal/domain"
)

type Step int

const (
	StepSetup Step = iota
	StepCollaborators
	StepDiagram
	StepChecklist
	StepCompletion
)

var stepNames = [...]string{"Setup", "Collaborators", "Diagram", "Checklist", "Completion"}

func (s Step) String() string {
	if s < StepSetup || s > StepCompletion {
		return fmt.Sprintf("Step(%d)", int(s))
	}
	return stepNames[s]
}

var (
	ErrDraftClosed      = errors.New("draft is closed")
	ErrFinalStep        = errors.New("draft is already on the final step")
	ErrQuestionNotFound = errors.New("question not found")
)

type Option func(*Draft)

// WithRules overrides the negative-answer set used by the draft.
func WithRules(r Rules) Option {
	return func(d *Draft) { d.rules = r }
}

// WithChecklistTypes restricts SelectChecklistType to the given names.
func WithChecklistTypes(types []string) Option {
	return func(d *Draft) { d.checklistTypes = append([]string(nil), types...) }
}

// Draft is the in-progress state of one inspection. It is owned by a single
// form session and is not safe for concurrent use.
type Draft struct {
	id      string
	step    Step
	minStep Step

	taskName      string
	checklistType string

	collaboratorRole  string
	collaboratorPhoto *string

	hasDiagram   *bool
	diagramImage string

	questions []domain.Question
	recheckAt *time.Time

	closed         bool
	rules          Rules
	checklistTypes []string
}

// NewDraft starts a fresh inspection on the Setup step. An empty id gets a
// time-ordered local id.
func NewDraft(id string, checklist []domain.Question, opts ...Option) *Draft {
	if id == "" {
		id = newID()
	}
	d := &Draft{
		id:        id,
		step:      StepSetup,
		minStep:   StepSetup,
		questions: domain.CloneQuestions(checklist),
		rules:     DefaultRules,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ResumeDraft reopens an existing inspection whose setup fields are already
// known. It starts on Collaborators and cannot go back to Setup.
func ResumeDraft(id, taskName, checklistType string, checklist []domain.Question, opts ...Option) *Draft {
	d := NewDraft(id, checklist, opts...)
	d.taskName = taskName
	d.checklistType = checklistType
	d.step = StepCollaborators
	d.minStep = StepCollaborators
	return d
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (d *Draft) ID() string               { return d.id }
func (d *Draft) Step() Step               { return d.step }
func (d *Draft) MinStep() Step            { return d.minStep }
func (d *Draft) TaskName() string         { return d.taskName }
func (d *Draft) ChecklistType() string    { return d.checklistType }
func (d *Draft) CollaboratorRole() string { return d.collaboratorRole }
func (d *Draft) DiagramImage() string     { return d.diagramImage }
func (d *Draft) Closed() bool             { return d.closed }
func (d *Draft) Rules() Rules             { return d.rules }

func (d *Draft) Questions() []domain.Question { return domain.CloneQuestions(d.questions) }

func (d *Draft) CollaboratorPhoto() *string { return cloneString(d.collaboratorPhoto) }

func (d *Draft) HasDiagram() *bool {
	if d.hasDiagram == nil {
		return nil
	}
	v := *d.hasDiagram
	return &v
}

func (d *Draft) RecheckAt() *time.Time {
	if d.recheckAt == nil {
		return nil
	}
	t := *d.recheckAt
	return &t
}

func (d *Draft) guard(op string, step Step) error {
	if d.closed {
		return ErrDraftClosed
	}
	if d.step != step {
		return wrongStep(op, step, d.step)
	}
	return nil
}

func (d *Draft) SetTaskName(name string) error {
	if err := d.guard("set task name", StepSetup); err != nil {
		return err
	}
	d.taskName = name
	return nil
}

// SelectChecklistType records the type and moves on to Collaborators when the
// task name is already filled. It reports whether the draft advanced.
func (d *Draft) SelectChecklistType(checklistType string) (bool, error) {
	if err := d.guard("select checklist type", StepSetup); err != nil {
		return false, err
	}
	if len(d.checklistTypes) > 0 && !contains(d.checklistTypes, checklistType) {
		return false, invalid(RuleChecklistTypeUnknown, fmt.Sprintf("Unknown checklist type %q.", checklistType))
	}
	d.checklistType = checklistType
	if checklistType != "" && strings.TrimSpace(d.taskName) != "" {
		d.step = StepCollaborators
		return true, nil
	}
	return false, nil
}

// ToggleCollaboratorRole selects role, or clears it when it is already selected.
func (d *Draft) ToggleCollaboratorRole(role string) error {
	if err := d.guard("select collaborator role", StepCollaborators); err != nil {
		return err
	}
	if d.collaboratorRole == role {
		d.collaboratorRole = ""
	} else {
		d.collaboratorRole = role
	}
	return nil
}

func (d *Draft) SetCollaboratorPhoto(uri string) error {
	if err := d.guard("set collaborator photo", StepCollaborators); err != nil {
		return err
	}
	if uri == "" {
		d.collaboratorPhoto = nil
		return nil
	}
	d.collaboratorPhoto = &uri
	return nil
}

func (d *Draft) ClearCollaboratorPhoto() error {
	return d.SetCollaboratorPhoto("")
}

func (d *Draft) SetHasDiagram(has bool) error {
	if err := d.guard("answer diagram question", StepDiagram); err != nil {
		return err
	}
	d.hasDiagram = &has
	return nil
}

func (d *Draft) SetDiagramImage(uri string) error {
	if err := d.guard("set diagram image", StepDiagram); err != nil {
		return err
	}
	d.diagramImage = uri
	return nil
}

func (d *Draft) ClearDiagramImage() error {
	return d.SetDiagramImage("")
}

func (d *Draft) SetRecheckAt(t time.Time) error {
	if err := d.guard("set recheck time", StepCompletion); err != nil {
		return err
	}
	t = t.UTC()
	d.recheckAt = &t
	return nil
}

// Next advances one step if the current step's gate passes.
func (d *Draft) Next() error {
	if d.closed {
		return ErrDraftClosed
	}
	if d.step >= StepCompletion {
		return ErrFinalStep
	}
	if err := CheckStep(d.step, d); err != nil {
		return err
	}
	d.step++
	return nil
}

// Back moves one step back. At the minimum step it does not move and reports
// that the caller should treat the request as a cancel.
func (d *Draft) Back() (cancelRequested bool, err error) {
	if d.closed {
		return false, ErrDraftClosed
	}
	if d.step <= d.minStep {
		return true, nil
	}
	d.step--
	return false, nil
}

// Cancel discards the draft.
func (d *Draft) Cancel() error {
	if d.closed {
		return ErrDraftClosed
	}
	d.closed = true
	return nil
}

// OpenQuestion returns an editable copy of question id. Edits to the copy do
// not touch the draft until SaveQuestion.
func (d *Draft) OpenQuestion(id int) (domain.Question, error) {
	if err := d.guard("open question", StepChecklist); err != nil {
		return domain.Question{}, err
	}
	i := d.questionIndex(id)
	if i < 0 {
		return domain.Question{}, fmt.Errorf("%w: %d", ErrQuestionNotFound, id)
	}
	return d.questions[i].Clone(), nil
}

// SaveQuestion commits the answer, comment and proof of working onto the
// stored question once it passes every rule. On failure the list is unchanged.
func (d *Draft) SaveQuestion(working domain.Question) (domain.Question, error) {
	if err := d.guard("save question", StepChecklist); err != nil {
		return domain.Question{}, err
	}
	i := d.questionIndex(working.ID)
	if i < 0 {
		return domain.Question{}, fmt.Errorf("%w: %d", ErrQuestionNotFound, working.ID)
	}
	merged := d.questions[i].Clone()
	merged.Answer = working.Answer
	merged.Comment = working.Comment
	merged.ProofURI = cloneString(working.ProofURI)
	if err := d.rules.CheckQuestion(merged); err != nil {
		return domain.Question{}, err
	}
	merged.Completed = true
	d.questions[i] = merged
	return merged.Clone(), nil
}

func (d *Draft) questionIndex(id int) int {
	for i, q := range d.questions {
		if q.ID == id {
			return i
		}
	}
	return -1
}

// CheckSubmit reports the first reason the draft cannot be submitted.
func (d *Draft) CheckSubmit() error {
	if d.closed {
		return ErrDraftClosed
	}
	if d.step != StepCompletion {
		return wrongStep("submit", StepCompletion, d.step)
	}
	return CheckSubmit(d)
}

// Finalize builds the submission payload and closes the draft.
func (d *Draft) Finalize(now time.Time) (domain.InspectionPayload, error) {
	if err := d.CheckSubmit(); err != nil {
		return domain.InspectionPayload{}, err
	}
	collaborators := []string{}
	if d.collaboratorRole != "" {
		collaborators = append(collaborators, d.collaboratorRole)
	}
	p := domain.InspectionPayload{
		ID:                d.id,
		TaskName:          d.taskName,
		ChecklistType:     d.checklistType,
		Questions:         domain.CloneQuestions(d.questions),
		DiagramImage:      d.diagramImage,
		Collaborators:     collaborators,
		CollaboratorPhoto: cloneString(d.collaboratorPhoto),
		RecheckAt:         d.recheckAt.UTC().Format(time.RFC3339),
		CreatedAt:         now.UTC().Format(time.RFC3339),
	}
	d.closed = true
	return p, nil
}

// State is a serializable snapshot of an open draft.
type State struct {
	ID                string            `json:"id"`
	Step              Step              `json:"step"`
	MinStep           Step              `json:"min_step"`
	TaskName          string            `json:"task_name"`
	ChecklistType     string            `json:"checklist_type"`
	CollaboratorRole  string            `json:"collaborator_role,omitempty"`
	CollaboratorPhoto *string           `json:"collaborator_photo,omitempty"`
	HasDiagram        *bool             `json:"has_diagram,omitempty"`
	DiagramImage      string            `json:"diagram_image,omitempty"`
	Questions         []domain.Question `json:"questions"`
	RecheckAt         *string           `json:"recheck_at,omitempty"`
}

func (d *Draft) State() State {
	st := State{
		ID:                d.id,
		Step:              d.step,
		MinStep:           d.minStep,
		TaskName:          d.taskName,
		ChecklistType:     d.checklistType,
		CollaboratorRole:  d.collaboratorRole,
		CollaboratorPhoto: cloneString(d.collaboratorPhoto),
		HasDiagram:        d.HasDiagram(),
		DiagramImage:      d.diagramImage,
		Questions:         domain.CloneQuestions(d.questions),
	}
	if d.recheckAt != nil {
		ts := d.recheckAt.Format(time.RFC3339)
		st.RecheckAt = &ts
	}
	return st
}

// RestoreDraft rebuilds an open draft from a snapshot taken with State.
func RestoreDraft(st State, opts ...Option) (*Draft, error) {
	if st.ID == "" {
		return nil, fmt.Errorf("draft state has no id")
	}
	if st.MinStep < StepSetup || st.MinStep > StepCollaborators {
		return nil, fmt.Errorf("invalid minimum step %d", st.MinStep)
	}
	if st.Step < st.MinStep || st.Step > StepCompletion {
		return nil, fmt.Errorf("invalid step %d", st.Step)
	}
	d := NewDraft(st.ID, st.Questions, opts...)
	d.step = st.Step
	d.minStep = st.MinStep
	d.taskName = st.TaskName
	d.checklistType = st.ChecklistType
	d.collaboratorRole = st.CollaboratorRole
	d.collaboratorPhoto = cloneString(st.CollaboratorPhoto)
	if st.HasDiagram != nil {
		v := *st.HasDiagram
		d.hasDiagram = &v
	}
	d.diagramImage = st.DiagramImage
	if st.RecheckAt != nil {
		t, err := time.Parse(time.RFC3339, *st.RecheckAt)
		if err != nil {
			return nil, fmt.Errorf("invalid recheck_at: %w", err)
		}
		d.recheckAt = &t
	}
	return d, nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
