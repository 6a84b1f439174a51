package inspection

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digiqc/internal/domain"
)

func sampleChecklist() []domain.Question {
	return []domain.Question{
		{ID: 1, Text: "Is the foundation work completed as per drawing?", Kind: domain.KindSingleChoice, Options: []string{"Yes", "No", "N/A"}, RequiresProof: true},
		{ID: 2, Text: "Enter the measured width (meters):", Kind: domain.KindFreeText},
		{ID: 3, Text: "Are safety barriers in place?", Kind: domain.KindYesNo},
	}
}

// walkToChecklist drives a new draft through the first three steps.
func walkToChecklist(t *testing.T, d *Draft) {
	t.Helper()
	require.NoError(t, d.SetTaskName("Block A"))
	advanced, err := d.SelectChecklistType("Structural")
	require.NoError(t, err)
	require.True(t, advanced)
	require.NoError(t, d.Next())
	require.NoError(t, d.SetHasDiagram(true))
	require.NoError(t, d.SetDiagramImage("file:///diagram.png"))
	require.NoError(t, d.Next())
	require.Equal(t, StepChecklist, d.Step())
}

func answerAll(t *testing.T, d *Draft) {
	t.Helper()
	q, err := d.OpenQuestion(1)
	require.NoError(t, err)
	q.Answer = domain.OptionAnswer("Yes")
	q.ProofURI = strPtr("file:///q1.jpg")
	_, err = d.SaveQuestion(q)
	require.NoError(t, err)

	q, err = d.OpenQuestion(2)
	require.NoError(t, err)
	q.Answer = domain.TextAnswer("3.2")
	_, err = d.SaveQuestion(q)
	require.NoError(t, err)

	q, err = d.OpenQuestion(3)
	require.NoError(t, err)
	q.Answer = domain.BoolAnswer(true)
	_, err = d.SaveQuestion(q)
	require.NoError(t, err)
}

func TestNewDraftMintsID(t *testing.T) {
	a := NewDraft("", nil)
	b := NewDraft("", nil)
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, StepSetup, a.Step())
	assert.Equal(t, "keep", NewDraft("keep", nil).ID())
}

func TestNextFromSetupNeedsTaskNameFirst(t *testing.T) {
	d := NewDraft("", nil)
	advanced, err := d.SelectChecklistType("Structural")
	require.NoError(t, err)
	assert.False(t, advanced)

	require.NoError(t, d.SetTaskName("   "))
	requireRule(t, d.Next(), RuleTaskNameRequired)
	assert.Equal(t, StepSetup, d.Step())

	require.NoError(t, d.SetTaskName("Block A"))
	require.NoError(t, d.Next())
	assert.Equal(t, StepCollaborators, d.Step())
}

func TestNextFromSetupNeedsChecklistType(t *testing.T) {
	d := NewDraft("", nil)
	require.NoError(t, d.SetTaskName("Block A"))
	requireRule(t, d.Next(), RuleChecklistTypeRequired)
}

func TestSelectChecklistTypeRejectsUnknownType(t *testing.T) {
	d := NewDraft("", nil, WithChecklistTypes([]string{"Structural", "Safety"}))
	_, err := d.SelectChecklistType("Landscaping")
	requireRule(t, err, RuleChecklistTypeUnknown)
	assert.Empty(t, d.ChecklistType())
}

func TestDiagramImageMandatoryEvenWithoutDiagram(t *testing.T) {
	d := NewDraft("", nil)
	require.NoError(t, d.SetTaskName("Block A"))
	_, err := d.SelectChecklistType("Structural")
	require.NoError(t, err)
	require.NoError(t, d.Next())

	requireRule(t, d.Next(), RuleDiagramAnswerRequired)
	require.NoError(t, d.SetHasDiagram(false))
	requireRule(t, d.Next(), RuleDiagramImageRequired)
	require.NoError(t, d.SetDiagramImage("file:///d.png"))
	require.NoError(t, d.Next())
	assert.Equal(t, StepChecklist, d.Step())
}

func TestSettersAreStepScoped(t *testing.T) {
	d := NewDraft("", nil)
	requireRule(t, d.SetHasDiagram(true), RuleWrongStep)
	requireRule(t, d.ToggleCollaboratorRole("Engineer"), RuleWrongStep)
	requireRule(t, d.SetRecheckAt(time.Now()), RuleWrongStep)
	_, err := d.OpenQuestion(1)
	requireRule(t, err, RuleWrongStep)
}

func TestToggleCollaboratorRole(t *testing.T) {
	d := ResumeDraft("insp-1", "Block A", "Structural", nil)
	require.NoError(t, d.ToggleCollaboratorRole("Engineer"))
	assert.Equal(t, "Engineer", d.CollaboratorRole())
	require.NoError(t, d.ToggleCollaboratorRole("Foreman"))
	assert.Equal(t, "Foreman", d.CollaboratorRole())
	require.NoError(t, d.ToggleCollaboratorRole("Foreman"))
	assert.Empty(t, d.CollaboratorRole())
}

func TestBackSignalsCancelAtMinimumStep(t *testing.T) {
	d := NewDraft("", nil)
	cancel, err := d.Back()
	require.NoError(t, err)
	assert.True(t, cancel)
	assert.Equal(t, StepSetup, d.Step())

	r := ResumeDraft("insp-9", "Block B", "Safety", nil)
	assert.Equal(t, StepCollaborators, r.Step())
	cancel, err = r.Back()
	require.NoError(t, err)
	assert.True(t, cancel)
	assert.Equal(t, StepCollaborators, r.Step())

	require.NoError(t, r.Next())
	cancel, err = r.Back()
	require.NoError(t, err)
	assert.False(t, cancel)
	assert.Equal(t, StepCollaborators, r.Step())
}

func TestOpenQuestionReturnsDetachedCopy(t *testing.T) {
	d := NewDraft("", sampleChecklist())
	walkToChecklist(t, d)

	q, err := d.OpenQuestion(1)
	require.NoError(t, err)
	q.Answer = domain.OptionAnswer("Yes")
	q.Options[0] = "changed"

	stored := d.Questions()[0]
	assert.Nil(t, stored.Answer)
	assert.Equal(t, "Yes", stored.Options[0])

	_, err = d.OpenQuestion(42)
	assert.True(t, errors.Is(err, ErrQuestionNotFound))
}

func TestSaveQuestionNegativeNeedsComment(t *testing.T) {
	d := NewDraft("", []domain.Question{{ID: 7, Text: "Barriers?", Kind: domain.KindYesNo}})
	walkToChecklist(t, d)

	q, err := d.OpenQuestion(7)
	require.NoError(t, err)
	q.Answer = domain.BoolAnswer(false)
	_, err = d.SaveQuestion(q)
	requireRule(t, err, RuleCommentRequired)
	assert.False(t, d.Questions()[0].Completed)
	assert.Nil(t, d.Questions()[0].Answer)

	q.Comment = "barrier missing"
	saved, err := d.SaveQuestion(q)
	require.NoError(t, err)
	assert.True(t, saved.Completed)
	assert.Equal(t, domain.BoolAnswer(false), d.Questions()[0].Answer)
}

func TestSaveQuestionKeepsTemplateFields(t *testing.T) {
	d := NewDraft("", sampleChecklist())
	walkToChecklist(t, d)

	q, err := d.OpenQuestion(2)
	require.NoError(t, err)
	q.Text = "tampered"
	q.RequiresProof = false
	q.Answer = domain.TextAnswer("3.0")
	saved, err := d.SaveQuestion(q)
	require.NoError(t, err)
	assert.Equal(t, "Enter the measured width (meters):", saved.Text)
}

func TestSubmitBlockedByIncompleteQuestionsThenRecheck(t *testing.T) {
	d := NewDraft("", sampleChecklist())
	walkToChecklist(t, d)
	require.NoError(t, d.Next())
	require.Equal(t, StepCompletion, d.Step())
	require.True(t, errors.Is(d.Next(), ErrFinalStep))

	verr := requireRule(t, d.CheckSubmit(), RuleQuestionsIncomplete)
	assert.Equal(t, []int{1, 2, 3}, verr.QuestionIDs)

	_, err := d.Back()
	require.NoError(t, err)
	answerAll(t, d)
	require.NoError(t, d.Next())

	requireRule(t, d.CheckSubmit(), RuleRecheckRequired)
	require.NoError(t, d.SetRecheckAt(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)))
	require.NoError(t, d.CheckSubmit())
}

func TestFinalizeBuildsPayloadAndCloses(t *testing.T) {
	d := NewDraft("insp-1", sampleChecklist())
	require.NoError(t, d.SetTaskName("Block A"))
	_, err := d.SelectChecklistType("Structural")
	require.NoError(t, err)
	require.NoError(t, d.ToggleCollaboratorRole("Engineer"))
	require.NoError(t, d.SetCollaboratorPhoto("file:///collab.jpg"))
	require.NoError(t, d.Next())
	require.NoError(t, d.SetHasDiagram(true))
	require.NoError(t, d.SetDiagramImage("file:///diagram.png"))
	require.NoError(t, d.Next())
	answerAll(t, d)
	require.NoError(t, d.Next())
	require.NoError(t, d.SetRecheckAt(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)))

	now := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	p, err := d.Finalize(now)
	require.NoError(t, err)
	assert.Equal(t, "insp-1", p.ID)
	assert.Equal(t, []string{"Engineer"}, p.Collaborators)
	assert.Equal(t, "file:///collab.jpg", *p.CollaboratorPhoto)
	assert.Equal(t, "2026-03-01T09:30:00Z", p.RecheckAt)
	assert.Equal(t, "2026-02-20T12:00:00Z", p.CreatedAt)
	assert.Len(t, p.Questions, 3)
	assert.True(t, d.Closed())

	_, err = d.Finalize(now)
	assert.True(t, errors.Is(err, ErrDraftClosed))
	assert.True(t, errors.Is(d.Next(), ErrDraftClosed))
}

func TestCancelClosesDraft(t *testing.T) {
	d := NewDraft("", nil)
	require.NoError(t, d.Cancel())
	assert.True(t, errors.Is(d.SetTaskName("x"), ErrDraftClosed))
	assert.True(t, errors.Is(d.Cancel(), ErrDraftClosed))
}

func TestStateRestoreRoundTrip(t *testing.T) {
	d := ResumeDraft("insp-5", "Block C", "Safety", sampleChecklist())
	require.NoError(t, d.ToggleCollaboratorRole("Architect"))
	require.NoError(t, d.Next())
	require.NoError(t, d.SetHasDiagram(false))
	require.NoError(t, d.SetDiagramImage("file:///d.png"))
	require.NoError(t, d.Next())
	answerAll(t, d)

	raw, err := json.Marshal(d.State())
	require.NoError(t, err)
	var st State
	require.NoError(t, json.Unmarshal(raw, &st))

	r, err := RestoreDraft(st)
	require.NoError(t, err)
	assert.Equal(t, StepChecklist, r.Step())
	assert.Equal(t, StepCollaborators, r.MinStep())
	assert.Equal(t, "Architect", r.CollaboratorRole())
	require.NotNil(t, r.HasDiagram())
	assert.False(t, *r.HasDiagram())
	assert.Equal(t, d.Questions(), r.Questions())
}

func TestRestoreDraftRejectsBadSteps(t *testing.T) {
	_, err := RestoreDraft(State{ID: "x", Step: StepSetup, MinStep: StepCollaborators})
	assert.Error(t, err)
	_, err = RestoreDraft(State{ID: "x", Step: Step(9)})
	assert.Error(t, err)
	_, err = RestoreDraft(State{Step: StepSetup})
	assert.Error(t, err)
}
