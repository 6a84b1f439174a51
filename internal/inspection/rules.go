package inspection

import (
	"fmt"
	"strings"

	"digiqc/internal/domain"
)

// Rule codes carried by ValidationError.
const (
	RuleAnswerRequired        = "answer_required"
	RuleOptionRequired        = "option_required"
	RuleYesNoRequired         = "yes_no_required"
	RuleCommentRequired       = "comment_required"
	RuleProofRequired         = "proof_required"
	RuleTaskNameRequired      = "task_name_required"
	RuleChecklistTypeRequired = "checklist_type_required"
	RuleChecklistTypeUnknown  = "checklist_type_unknown"
	RuleDiagramAnswerRequired = "diagram_answer_required"
	RuleDiagramImageRequired  = "diagram_image_required"
	RuleQuestionsIncomplete   = "questions_incomplete"
	RuleRecheckRequired       = "recheck_required"
	RuleWrongStep             = "wrong_step"
)

// ValidationError is a user-facing rejection of a draft operation.
type ValidationError struct {
	Rule        string
	Message     string
	QuestionIDs []int
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(rule, msg string) *ValidationError {
	return &ValidationError{Rule: rule, Message: msg}
}

// Rules holds the configurable negative-answer set.
type Rules struct {
	NegativeOptions []string
	FalseIsNegative bool
}

// DefaultRules treats Fail, No, Rejected and a false yes/no answer as negative.
var DefaultRules = Rules{
	NegativeOptions: []string{"Fail", "No", "Rejected"},
	FalseIsNegative: true,
}

func (r Rules) IsQuestionAnswered(q domain.Question) bool {
	switch q.Kind {
	case domain.KindFreeText:
		a, ok := q.Answer.(domain.TextAnswer)
		return ok && strings.TrimSpace(string(a)) != ""
	case domain.KindSingleChoice, domain.KindSelectOne:
		a, ok := q.Answer.(domain.OptionAnswer)
		if !ok {
			return false
		}
		for _, opt := range q.Options {
			if opt == string(a) {
				return true
			}
		}
		return false
	case domain.KindYesNo:
		_, ok := q.Answer.(domain.BoolAnswer)
		return ok
	}
	return false
}

func (r Rules) IsNegativeAnswer(q domain.Question) bool {
	var s string
	switch a := q.Answer.(type) {
	case domain.BoolAnswer:
		return r.FalseIsNegative && !bool(a)
	case domain.TextAnswer:
		s = string(a)
	case domain.OptionAnswer:
		s = string(a)
	default:
		return false
	}
	for _, neg := range r.NegativeOptions {
		if s == neg {
			return true
		}
	}
	return false
}

func (r Rules) IsCommentSatisfied(q domain.Question) bool {
	return !r.IsNegativeAnswer(q) || strings.TrimSpace(q.Comment) != ""
}

func (r Rules) IsProofSatisfied(q domain.Question) bool {
	return !q.RequiresProof || (q.ProofURI != nil && *q.ProofURI != "")
}

func (r Rules) IsQuestionComplete(q domain.Question) bool {
	return r.IsQuestionAnswered(q) && r.IsCommentSatisfied(q) && r.IsProofSatisfied(q)
}

// CheckQuestion returns the first failing rule for q, or nil.
func (r Rules) CheckQuestion(q domain.Question) error {
	if !r.IsQuestionAnswered(q) {
		switch q.Kind {
		case domain.KindSingleChoice, domain.KindSelectOne:
			return invalid(RuleOptionRequired, "Please select an option.")
		case domain.KindYesNo:
			return invalid(RuleYesNoRequired, "Please select Yes or No.")
		default:
			return invalid(RuleAnswerRequired, "Please enter an answer.")
		}
	}
	if !r.IsCommentSatisfied(q) {
		return invalid(RuleCommentRequired, "Please add a comment for this negative result.")
	}
	if !r.IsProofSatisfied(q) {
		return invalid(RuleProofRequired, "Photo proof is required for this item.")
	}
	return nil
}

// IncompleteQuestions returns ids of questions not yet saved as completed or
// no longer passing every rule.
func (r Rules) IncompleteQuestions(qs []domain.Question) []int {
	var ids []int
	for _, q := range qs {
		if !q.Completed || !r.IsQuestionComplete(q) {
			ids = append(ids, q.ID)
		}
	}
	return ids
}

func IsQuestionAnswered(q domain.Question) bool { return DefaultRules.IsQuestionAnswered(q) }
func IsNegativeAnswer(q domain.Question) bool   { return DefaultRules.IsNegativeAnswer(q) }
func IsCommentSatisfied(q domain.Question) bool { return DefaultRules.IsCommentSatisfied(q) }
func IsProofSatisfied(q domain.Question) bool   { return DefaultRules.IsProofSatisfied(q) }
func IsQuestionComplete(q domain.Question) bool { return DefaultRules.IsQuestionComplete(q) }
func CheckQuestion(q domain.Question) error     { return DefaultRules.CheckQuestion(q) }

// CheckStep gates leaving step on d. Steps without a gate always pass.
func CheckStep(step Step, d *Draft) error {
	switch step {
	case StepSetup:
		if strings.TrimSpace(d.taskName) == "" {
			return invalid(RuleTaskNameRequired, "Please enter a Task Name.")
		}
		if d.checklistType == "" {
			return invalid(RuleChecklistTypeRequired, "Please select a Checklist Type.")
		}
	case StepDiagram:
		if d.hasDiagram == nil {
			return invalid(RuleDiagramAnswerRequired, "Please answer if you have the diagram.")
		}
		// The image is mandatory even when the inspector answered "no".
		if d.diagramImage == "" {
			return invalid(RuleDiagramImageRequired, "Diagram image is mandatory.")
		}
	}
	return nil
}

// IsStepReady is CheckStep in (ok, message) form.
func IsStepReady(step Step, d *Draft) (bool, string) {
	if err := CheckStep(step, d); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// CheckSubmit gates finalization of d.
func CheckSubmit(d *Draft) error {
	if ids := d.rules.IncompleteQuestions(d.questions); len(ids) > 0 {
		return &ValidationError{
			Rule:        RuleQuestionsIncomplete,
			Message:     "Please complete all questions in the checklist.",
			QuestionIDs: ids,
		}
	}
	if d.recheckAt == nil {
		return invalid(RuleRecheckRequired, "Please set a rechecking date and time.")
	}
	return nil
}

func wrongStep(op string, want, got Step) *ValidationError {
	return invalid(RuleWrongStep, fmt.Sprintf("%s is only allowed on step %s (current step %s)", op, want, got))
}
