// Package report exports inspections as spreadsheets.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"digiqc/internal/domain"
)

const (
	summarySheet   = "Inspection"
	checklistSheet = "Checklist"
)

var checklistHeaders = []string{"ID", "Question", "Kind", "Answer", "Comment", "Proof", "Completed"}

// WriteInspectionXLSX writes a two-sheet workbook for p.
func WriteInspectionXLSX(w io.Writer, p domain.InspectionPayload) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	photo := ""
	if p.CollaboratorPhoto != nil {
		photo = *p.CollaboratorPhoto
	}
	summary := [][2]any{
		{"Inspection ID", p.ID},
		{"Task", p.TaskName},
		{"Checklist type", p.ChecklistType},
		{"Diagram", p.DiagramImage},
		{"Collaborators", strings.Join(p.Collaborators, ", ")},
		{"Collaborator photo", photo},
		{"Recheck at", p.RecheckAt},
		{"Created at", p.CreatedAt},
	}
	for i, row := range summary {
		if err := f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", i+1), &[]any{row[0], row[1]}); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(summarySheet, "A", "A", 22); err != nil {
		return err
	}

	if _, err := f.NewSheet(checklistSheet); err != nil {
		return err
	}
	header := make([]any, len(checklistHeaders))
	for i, h := range checklistHeaders {
		header[i] = h
	}
	if err := f.SetSheetRow(checklistSheet, "A1", &header); err != nil {
		return err
	}
	for i, q := range p.Questions {
		proof := ""
		if q.ProofURI != nil {
			proof = *q.ProofURI
		}
		row := []any{q.ID, q.Text, string(q.Kind), AnswerText(q.Answer), q.Comment, proof, q.Completed}
		if err := f.SetSheetRow(checklistSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(checklistSheet, "B", "B", 48); err != nil {
		return err
	}
	return f.Write(w)
}

// AnswerText renders an answer the way an inspector would read it.
func AnswerText(a domain.Answer) string {
	switch v := a.(type) {
	case nil:
		return ""
	case domain.BoolAnswer:
		if v {
			return "Yes"
		}
		return "No"
	case domain.TextAnswer:
		return string(v)
	case domain.OptionAnswer:
		return string(v)
	}
	return fmt.Sprint(a.Value())
}
