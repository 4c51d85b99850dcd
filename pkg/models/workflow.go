// Package models defines the domain models for the proposal evaluation service
package models

import (
	"time"
)

// WorkflowTemplate is a named, ordered, reusable sequence of evaluation steps
// owned by a tenant.
type WorkflowTemplate struct {
	ID                 string           `json:"id"`
	TenantID           string           `json:"tenant_id"` // Multi-tenancy isolation
	Title              string           `json:"title"`
	Evaluations        []EvaluationStep `json:"evaluations"`
	Archived           bool             `json:"archived"`
	PrivateEvaluations bool             `json:"private_evaluations"`
	DraftReminder      bool             `json:"draft_reminder"`
	Index              int              `json:"index"`   // Tie-break ordering among templates
	Version            int64            `json:"version"` // Freshness token, bumped on every save
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the template.
func (w WorkflowTemplate) Clone() WorkflowTemplate {
	c := w
	if w.Evaluations != nil {
		c.Evaluations = make([]EvaluationStep, len(w.Evaluations))
		for i, s := range w.Evaluations {
			c.Evaluations[i] = s.Clone()
		}
	}
	return c
}

// Active reports whether proposals can be bound to the template: it is not
// archived and has at least one step. Step-less drafts do not count.
func (w WorkflowTemplate) Active() bool {
	return !w.Archived && len(w.Evaluations) > 0
}

// StepIndex returns the position of the step with id, or -1.
func (w WorkflowTemplate) StepIndex(id string) int {
	for i, s := range w.Evaluations {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// StepIDs returns the ordered step ids.
func (w WorkflowTemplate) StepIDs() []string {
	ids := make([]string, len(w.Evaluations))
	for i, s := range w.Evaluations {
		ids[i] = s.ID
	}
	return ids
}
