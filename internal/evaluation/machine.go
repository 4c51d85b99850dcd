// Package evaluation is the proposal evaluation state machine.
//
// Every operation is a pure transition: it takes the caller's latest state
// and freshness token, and either returns a new state plus the events to
// dispatch, or rejects with a typed error leaving the input untouched.
package evaluation

import (
	"time"

	"github.com/google/uuid"

	"proposal-workflows/internal/permissions"
	"proposal-workflows/internal/rubric"
	"proposal-workflows/pkg/errs"
	"proposal-workflows/pkg/models"
)

// Transition is the outcome of a successful operation.
type Transition struct {
	State  models.ProposalEvaluationState
	Events []models.Event
	// Result is the step result recorded by this transition, if any.
	Result *models.StepResult
	// Accepted holds the rubric answers accepted by a submission.
	Accepted []models.RubricAnswer
}

// Machine applies transitions to proposal evaluation states.
type Machine struct {
	resolver *permissions.Resolver
	newID    func() string
	now      func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithIDs overrides event id generation.
func WithIDs(f func() string) Option {
	return func(m *Machine) { m.newID = f }
}

// WithClock overrides the time source.
func WithClock(f func() time.Time) Option {
	return func(m *Machine) { m.now = f }
}

// NewMachine returns a Machine that checks capabilities with resolver.
func NewMachine(resolver *permissions.Resolver, opts ...Option) *Machine {
	m := &Machine{
		resolver: resolver,
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bind attaches a proposal to tpl, freezing a copy of its steps. The proposal
// starts at the first step.
func (m *Machine) Bind(tpl models.WorkflowTemplate, proposalID string, authors []string) (Transition, error) {
	if tpl.Archived {
		return Transition{}, errs.ReadOnly("archived workflows cannot be bound").WithWorkflow(tpl.ID).WithProposal(proposalID)
	}
	if len(tpl.Evaluations) == 0 {
		return Transition{}, errs.Invariant("workflow has no steps").WithWorkflow(tpl.ID).WithProposal(proposalID)
	}
	if proposalID == "" {
		return Transition{}, errs.Invariant("proposal id is required").WithWorkflow(tpl.ID)
	}

	now := m.now()
	state := models.ProposalEvaluationState{
		ProposalID:         proposalID,
		TenantID:           tpl.TenantID,
		WorkflowID:         tpl.ID,
		Authors:            append([]string(nil), authors...),
		Snapshot:           models.NewSnapshot(tpl.Evaluations),
		Results:            make([]*models.StepResult, len(tpl.Evaluations)),
		Reviews:            make(map[string]models.StepReviews),
		CurrentStepIndex:   0,
		Status:             models.StatusInProgress,
		PrivateEvaluations: tpl.PrivateEvaluations,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	first, _ := state.Snapshot.At(0)
	return Transition{
		State:  state,
		Events: []models.Event{m.event(state, models.EventStepEntered, 0, first, "", first.Notifications.OnEnter)},
	}, nil
}

// begin checks the freshness token and returns a private copy of state.
func (m *Machine) begin(state models.ProposalEvaluationState, expectedVersion int64) (models.ProposalEvaluationState, error) {
	if state.Version != expectedVersion {
		return models.ProposalEvaluationState{}, errs.Stale(expectedVersion, state.Version).WithProposal(state.ProposalID)
	}
	return state.Clone(), nil
}

// active returns the current step of a proposal that may still collect
// reviews or move.
func active(state models.ProposalEvaluationState) (models.EvaluationStep, error) {
	if state.Archived {
		return models.EvaluationStep{}, errs.ReadOnly("proposal is archived").WithProposal(state.ProposalID)
	}
	if state.Terminal() {
		return models.EvaluationStep{}, errs.Invariant("proposal evaluation is %s", state.Status).WithProposal(state.ProposalID)
	}
	step, ok := state.CurrentStep()
	if !ok {
		return models.EvaluationStep{}, errs.Invariant("current step index %d out of range", state.CurrentStepIndex).WithProposal(state.ProposalID)
	}
	return step, nil
}

func (m *Machine) commit(state *models.ProposalEvaluationState) {
	state.Version++
	state.UpdatedAt = m.now()
}

// Context returns the resolution context for state.
func Context(state models.ProposalEvaluationState) permissions.Context {
	return permissions.Context{
		TenantID:   state.TenantID,
		ProposalID: state.ProposalID,
		Authors:    state.Authors,
		Steps:      state.Snapshot.List(),
		Archived:   state.Archived,
	}
}

// Capabilities returns what actor may do on the proposal's current step.
func (m *Machine) Capabilities(state models.ProposalEvaluationState, actor models.Actor) models.CapabilitySet {
	step, ok := state.CurrentStep()
	if !ok {
		return 0
	}
	return m.resolver.Resolve(step, actor, Context(state))
}

func (m *Machine) requireEvaluate(state models.ProposalEvaluationState, step models.EvaluationStep, actor models.Actor) error {
	if !m.resolver.Resolve(step, actor, Context(state)).Has(models.CapEvaluate) {
		return errs.PermissionDenied("%s lacks %s", actor.UserID, models.CapEvaluate).WithStep(step.ID).WithProposal(state.ProposalID)
	}
	return nil
}

func (m *Machine) event(state models.ProposalEvaluationState, name models.EventName, index int, step models.EvaluationStep, outcome models.Outcome, notify bool) models.Event {
	return models.Event{
		ID:         m.newID(),
		Name:       name,
		TenantID:   state.TenantID,
		ProposalID: state.ProposalID,
		StepID:     step.ID,
		StepIndex:  index,
		StepType:   step.Type(),
		Outcome:    outcome,
		Notify:     notify,
		OccurredAt: m.now(),
	}
}

func round(state models.ProposalEvaluationState, stepID string) models.ReviewRound {
	if r, ok := state.Reviews[stepID]; ok && r.Round != "" {
		return r.Round
	}
	return models.RoundOriginal
}

func reviewsFor(state models.ProposalEvaluationState, stepID string) models.StepReviews {
	r := state.Reviews[stepID]
	if r.Round == "" {
		r.Round = models.RoundOriginal
	}
	return r
}

// Progress reports the review quorum of step in its current round.
// Steps without reviewer quorum report zero required.
func Progress(state models.ProposalEvaluationState, step models.EvaluationStep) permissions.Progress {
	rv := reviewsFor(state, step.ID)
	switch cfg := step.Config.(type) {
	case models.RubricConfig:
		required := cfg.Review.Quorum(rv.Round)
		if len(cfg.Criteria) == 0 {
			return permissions.Progress{Required: required, Actual: required}
		}
		return permissions.Progress{Required: required, Actual: len(rubric.CompleteReviewers(cfg, rv.Answers, rv.Round))}
	case models.PassFailConfig:
		seen := make(map[string]bool)
		for _, d := range rv.Decisions {
			if d.Round == rv.Round {
				seen[d.ReviewerID] = true
			}
		}
		return permissions.Progress{Required: cfg.Review.Quorum(rv.Round), Actual: len(seen)}
	}
	return permissions.Progress{}
}
