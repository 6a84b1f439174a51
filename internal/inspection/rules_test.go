package inspection

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digiqc/internal/domain"
)

func strPtr(s string) *string { return &s }

func requireRule(t *testing.T, err error, rule string) *ValidationError {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	assert.Equal(t, rule, verr.Rule)
	return verr
}

func TestIsQuestionAnsweredByKind(t *testing.T) {
	cases := []struct {
		name string
		q    domain.Question
		want bool
	}{
		{"free text blank", domain.Question{Kind: domain.KindFreeText, Answer: domain.TextAnswer("   ")}, false},
		{"free text", domain.Question{Kind: domain.KindFreeText, Answer: domain.TextAnswer("2.4m")}, true},
		{"free text nil", domain.Question{Kind: domain.KindFreeText}, false},
		{"choice member", domain.Question{Kind: domain.KindSingleChoice, Options: []string{"Yes", "No"}, Answer: domain.OptionAnswer("No")}, true},
		{"choice outside options", domain.Question{Kind: domain.KindSelectOne, Options: []string{"Approved"}, Answer: domain.OptionAnswer("Maybe")}, false},
		{"yes_no false", domain.Question{Kind: domain.KindYesNo, Answer: domain.BoolAnswer(false)}, true},
		{"yes_no unanswered", domain.Question{Kind: domain.KindYesNo}, false},
		{"yes_no with text", domain.Question{Kind: domain.KindYesNo, Answer: domain.TextAnswer("Yes")}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsQuestionAnswered(tc.q))
		})
	}
}

func TestIsNegativeAnswer(t *testing.T) {
	assert.True(t, IsNegativeAnswer(domain.Question{Kind: domain.KindYesNo, Answer: domain.BoolAnswer(false)}))
	assert.False(t, IsNegativeAnswer(domain.Question{Kind: domain.KindYesNo, Answer: domain.BoolAnswer(true)}))
	assert.True(t, IsNegativeAnswer(domain.Question{Kind: domain.KindSelectOne, Answer: domain.OptionAnswer("Rejected")}))
	assert.True(t, IsNegativeAnswer(domain.Question{Kind: domain.KindFreeText, Answer: domain.TextAnswer("Fail")}))
	assert.False(t, IsNegativeAnswer(domain.Question{Kind: domain.KindSingleChoice, Answer: domain.OptionAnswer("no")}))
	assert.False(t, IsNegativeAnswer(domain.Question{Kind: domain.KindSingleChoice}))

	custom := Rules{NegativeOptions: []string{"Defect"}}
	assert.True(t, custom.IsNegativeAnswer(domain.Question{Answer: domain.OptionAnswer("Defect")}))
	assert.False(t, custom.IsNegativeAnswer(domain.Question{Answer: domain.BoolAnswer(false)}))
}

func TestQuestionCompleteFlipsOnEachCondition(t *testing.T) {
	base := domain.Question{
		Kind:          domain.KindSingleChoice,
		Options:       []string{"Yes", "No"},
		Answer:        domain.OptionAnswer("No"),
		Comment:       "crack near column",
		RequiresProof: true,
		ProofURI:      strPtr("file:///proof.jpg"),
	}
	require.True(t, IsQuestionComplete(base))

	unanswered := base.Clone()
	unanswered.Answer = nil
	assert.False(t, IsQuestionComplete(unanswered))

	noComment := base.Clone()
	noComment.Comment = "  "
	assert.False(t, IsQuestionComplete(noComment))

	noProof := base.Clone()
	noProof.ProofURI = nil
	assert.False(t, IsQuestionComplete(noProof))
}

func TestCheckQuestionReportsFirstFailure(t *testing.T) {
	q := domain.Question{Kind: domain.KindYesNo, RequiresProof: true}
	err := CheckQuestion(q)
	assert.Equal(t, "Please select Yes or No.", requireRule(t, err, RuleYesNoRequired).Message)

	q.Answer = domain.BoolAnswer(false)
	err = CheckQuestion(q)
	assert.Equal(t, "Please add a comment for this negative result.", requireRule(t, err, RuleCommentRequired).Message)

	q.Comment = "barrier missing"
	err = CheckQuestion(q)
	assert.Equal(t, "Photo proof is required for this item.", requireRule(t, err, RuleProofRequired).Message)

	q.ProofURI = strPtr("file:///p.jpg")
	assert.NoError(t, CheckQuestion(q))

	err = CheckQuestion(domain.Question{Kind: domain.KindFreeText})
	assert.Equal(t, "Please enter an answer.", requireRule(t, err, RuleAnswerRequired).Message)
	err = CheckQuestion(domain.Question{Kind: domain.KindSelectOne, Options: []string{"A"}})
	assert.Equal(t, "Please select an option.", requireRule(t, err, RuleOptionRequired).Message)
}

func TestIsStepReadyMessages(t *testing.T) {
	d := NewDraft("", nil)
	ok, msg := IsStepReady(StepSetup, d)
	assert.False(t, ok)
	assert.Equal(t, "Please enter a Task Name.", msg)

	require.NoError(t, d.SetTaskName("Block A"))
	ok, msg = IsStepReady(StepSetup, d)
	assert.False(t, ok)
	assert.Equal(t, "Please select a Checklist Type.", msg)

	ok, msg = IsStepReady(StepCollaborators, d)
	assert.True(t, ok)
	assert.Empty(t, msg)
}
