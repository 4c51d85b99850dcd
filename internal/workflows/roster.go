// Package workflows manages a tenant's roster of workflow templates and the
// edit sessions used to author them.
//
// Roster operations are pure: they take the current roster and return the
// changed templates. Persisting the result is the caller's job.
package workflows

import (
	"time"

	"github.com/google/uuid"

	"proposal-workflows/pkg/errs"
	"proposal-workflows/pkg/models"
)

// CopySuffix is appended to the title of a duplicated template.
const CopySuffix = " (copy)"

// Manager creates and transforms workflow templates.
type Manager struct {
	newID func() string
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithIDs overrides id generation.
func WithIDs(f func() string) Option {
	return func(m *Manager) { m.newID = f }
}

// WithClock overrides the time source.
func WithClock(f func() time.Time) Option {
	return func(m *Manager) { m.now = f }
}

// NewManager returns a Manager generating uuid ids.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		newID: uuid.NewString,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create builds a new template that sorts before every template in roster.
// Only title and the two flags are taken from partial; the title may be
// empty until the template is saved.
func (m *Manager) Create(roster []models.WorkflowTemplate, tenantID string, partial models.WorkflowTemplate) models.WorkflowTemplate {
	now := m.now()
	return models.WorkflowTemplate{
		ID:                 m.newID(),
		TenantID:           tenantID,
		Title:              partial.Title,
		Evaluations:        []models.EvaluationStep{},
		PrivateEvaluations: partial.PrivateEvaluations,
		DraftReminder:      partial.DraftReminder,
		Index:              nextIndex(roster),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// DuplicateOptions controls Duplicate.
type DuplicateOptions struct {
	// FreshStepIDs regenerates step ids instead of keeping the source's.
	FreshStepIDs bool
}

// Duplicate copies source into a new, unarchived template. Archived sources
// may be duplicated.
func (m *Manager) Duplicate(roster []models.WorkflowTemplate, source models.WorkflowTemplate, opts DuplicateOptions) models.WorkflowTemplate {
	dup := m.Create(roster, source.TenantID, source)
	dup.Title = source.Title + CopySuffix
	dup.Evaluations = source.Clone().Evaluations
	if dup.Evaluations == nil {
		dup.Evaluations = []models.EvaluationStep{}
	}
	if opts.FreshStepIDs {
		for i := range dup.Evaluations {
			dup.Evaluations[i].ID = m.newID()
		}
	}
	return dup
}

// Delete removes the template with id from roster. Removing the last active
// template is an InvariantViolation; step-less drafts can always be removed.
func Delete(roster []models.WorkflowTemplate, id string) ([]models.WorkflowTemplate, error) {
	i := find(roster, id)
	if i < 0 {
		return nil, errs.Invariant("workflow not in roster").WithWorkflow(id)
	}
	if roster[i].Active() && activeCount(roster) == 1 {
		return nil, errs.Invariant("cannot delete the last active workflow").WithWorkflow(id)
	}
	out := make([]models.WorkflowTemplate, 0, len(roster)-1)
	out = append(out, roster[:i]...)
	return append(out, roster[i+1:]...), nil
}

// Archive marks the template archived. Archiving the last active template is
// an InvariantViolation; archiving twice is a no-op.
func (m *Manager) Archive(roster []models.WorkflowTemplate, id string) (models.WorkflowTemplate, error) {
	i := find(roster, id)
	if i < 0 {
		return models.WorkflowTemplate{}, errs.Invariant("workflow not in roster").WithWorkflow(id)
	}
	tpl := roster[i].Clone()
	if tpl.Archived {
		return tpl, nil
	}
	if tpl.Active() && activeCount(roster) == 1 {
		return models.WorkflowTemplate{}, errs.Invariant("cannot archive the last active workflow").WithWorkflow(id)
	}
	tpl.Archived = true
	tpl.UpdatedAt = m.now()
	return tpl, nil
}

// Unarchive clears the archived flag.
func (m *Manager) Unarchive(roster []models.WorkflowTemplate, id string) (models.WorkflowTemplate, error) {
	i := find(roster, id)
	if i < 0 {
		return models.WorkflowTemplate{}, errs.Invariant("workflow not in roster").WithWorkflow(id)
	}
	tpl := roster[i].Clone()
	if tpl.Archived {
		tpl.Archived = false
		tpl.UpdatedAt = m.now()
	}
	return tpl, nil
}

// ReorderSteps moves a step of tpl to sit right after target.
func (m *Manager) ReorderSteps(tpl models.WorkflowTemplate, movedStepID, targetStepID string) (models.WorkflowTemplate, error) {
	if tpl.Archived {
		return models.WorkflowTemplate{}, errs.ReadOnly("workflow is archived").WithWorkflow(tpl.ID)
	}
	order, err := Reorder(tpl.StepIDs(), movedStepID, targetStepID)
	if err != nil {
		return models.WorkflowTemplate{}, err.(*errs.Error).WithWorkflow(tpl.ID)
	}
	out := tpl.Clone()
	byID := make(map[string]models.EvaluationStep, len(out.Evaluations))
	for _, s := range out.Evaluations {
		byID[s.ID] = s
	}
	for i, id := range order {
		out.Evaluations[i] = byID[id]
	}
	out.UpdatedAt = m.now()
	return out, nil
}

// Reorder removes moved from ids and re-inserts it at target's position:
// index target+1 when moved originally sat at or before target, otherwise
// target's index in the shortened list. ids is not modified.
func Reorder(ids []string, moved, target string) ([]string, error) {
	from := indexOf(ids, moved)
	if from < 0 {
		return nil, errs.Invariant("unknown step").WithStep(moved)
	}
	if indexOf(ids, target) < 0 {
		return nil, errs.Invariant("unknown target step").WithStep(target)
	}
	if moved == target {
		return append([]string(nil), ids...), nil
	}
	out := make([]string, 0, len(ids))
	out = append(out, ids[:from]...)
	out = append(out, ids[from+1:]...)

	// moving down lands after target, moving up lands before it
	to := indexOf(out, target)
	at := to
	if from <= to {
		at = to + 1
	}
	out = append(out, "")
	copy(out[at+1:], out[at:])
	out[at] = moved
	return out, nil
}

// ActiveCount returns the number of active templates in roster.
func ActiveCount(roster []models.WorkflowTemplate) int {
	return activeCount(roster)
}

func activeCount(roster []models.WorkflowTemplate) int {
	n := 0
	for _, t := range roster {
		if t.Active() {
			n++
		}
	}
	return n
}

func nextIndex(roster []models.WorkflowTemplate) int {
	if len(roster) == 0 {
		return 0
	}
	lowest := roster[0].Index
	for _, t := range roster[1:] {
		if t.Index < lowest {
			lowest = t.Index
		}
	}
	return lowest - 1
}

func find(roster []models.WorkflowTemplate, id string) int {
	for i, t := range roster {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
