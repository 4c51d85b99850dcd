package services

import (
	"context"

	"proposal-workflows/internal/evaluation"
	"proposal-workflows/internal/events"
	"proposal-workflows/internal/repository"
	"proposal-workflows/internal/telemetry"
	"proposal-workflows/pkg/models"
)

// ProposalService runs proposals through their bound workflow snapshots.
type ProposalService struct {
	deps
	machine *evaluation.Machine
}

// NewProposalService creates a new ProposalService. dispatcher may be nil.
func NewProposalService(repo repository.Repository, machine *evaluation.Machine, dispatcher events.Dispatcher, metrics *telemetry.Metrics, logger Logger) *ProposalService {
	return &ProposalService{
		deps:    deps{repo: repo, dispatcher: dispatcher, metrics: metrics, logger: logger},
		machine: machine,
	}
}

// Bind attaches a proposal to a workflow template and stores its initial state.
func (s *ProposalService) Bind(ctx context.Context, tenantID, workflowID, proposalID string, authors []string) (*evaluation.Transition, error) {
	const op = "bind"
	defer s.metrics.Track(ctx, op)()
	tpl, err := s.repo.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID, "workflow_id", workflowID)
	}
	tr, err := s.machine.Bind(*tpl, proposalID, authors)
	if err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID, "workflow_id", workflowID, "proposal_id", proposalID)
	}
	if err := s.repo.CreateProposal(ctx, &tr.State); err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID, "proposal_id", proposalID)
	}
	s.finish(ctx, op, tr)
	return &tr, nil
}

// Get returns the stored state of a proposal.
func (s *ProposalService) Get(ctx context.Context, tenantID, proposalID string) (*models.ProposalEvaluationState, error) {
	state, err := s.repo.GetProposal(ctx, tenantID, proposalID)
	if err != nil {
		return nil, s.reject(ctx, "get_proposal", err, "tenant_id", tenantID, "proposal_id", proposalID)
	}
	return state, nil
}

// View returns the stored proposal as actor may read it.
func (s *ProposalService) View(ctx context.Context, tenantID, proposalID string, actor models.Actor) (*models.ProposalEvaluationState, error) {
	state, err := s.Get(ctx, tenantID, proposalID)
	if err != nil {
		return nil, err
	}
	view := s.machine.View(*state, actor)
	return &view, nil
}

// List returns the tenant's proposals as actor may read them, optionally
// restricted to one workflow.
func (s *ProposalService) List(ctx context.Context, tenantID, workflowID string, actor models.Actor) ([]models.ProposalEvaluationState, error) {
	states, err := s.repo.ListProposals(ctx, tenantID, workflowID)
	if err != nil {
		return nil, s.reject(ctx, "list_proposals", err, "tenant_id", tenantID)
	}
	out := make([]models.ProposalEvaluationState, 0, len(states))
	for _, st := range states {
		out = append(out, s.machine.View(st, actor))
	}
	return out, nil
}

// Redact reduces a transition returned to actor to what actor may read.
func (s *ProposalService) Redact(tr *evaluation.Transition, actor models.Actor) *evaluation.Transition {
	redacted := s.machine.Redact(*tr, actor)
	return &redacted
}

// Capabilities returns what actor may do on the proposal's current step.
func (s *ProposalService) Capabilities(ctx context.Context, tenantID, proposalID string, actor models.Actor) (models.CapabilitySet, error) {
	state, err := s.Get(ctx, tenantID, proposalID)
	if err != nil {
		return 0, err
	}
	return s.machine.Capabilities(*state, actor), nil
}

func (s *ProposalService) SubmitRubricAnswers(ctx context.Context, tenantID, proposalID string, expectedVersion int64, actor models.Actor, answers []models.RubricAnswer) (*evaluation.Transition, error) {
	return s.apply(ctx, "submit_rubric_answers", tenantID, proposalID, actor, func(st models.ProposalEvaluationState) (evaluation.Transition, error) {
		return s.machine.SubmitRubricAnswers(st, expectedVersion, actor, answers)
	})
}

func (s *ProposalService) SubmitDecision(ctx context.Context, tenantID, proposalID string, expectedVersion int64, actor models.Actor, outcome models.Outcome, declineReason string) (*evaluation.Transition, error) {
	return s.apply(ctx, "submit_decision", tenantID, proposalID, actor, func(st models.ProposalEvaluationState) (evaluation.Transition, error) {
		return s.machine.SubmitDecision(st, expectedVersion, actor, outcome, declineReason)
	})
}

func (s *ProposalService) CastVote(ctx context.Context, tenantID, proposalID string, expectedVersion int64, actor models.Actor, choices []string) (*evaluation.Transition, error) {
	return s.apply(ctx, "cast_vote", tenantID, proposalID, actor, func(st models.ProposalEvaluationState) (evaluation.Transition, error) {
		return s.machine.CastVote(st, expectedVersion, actor, choices)
	})
}

func (s *ProposalService) Advance(ctx context.Context, tenantID, proposalID string, expectedVersion int64, actor models.Actor, outcome models.Outcome) (*evaluation.Transition, error) {
	return s.apply(ctx, "advance", tenantID, proposalID, actor, func(st models.ProposalEvaluationState) (evaluation.Transition, error) {
		return s.machine.Advance(st, expectedVersion, actor, outcome)
	})
}

func (s *ProposalService) Retreat(ctx context.Context, tenantID, proposalID string, expectedVersion int64, actor models.Actor) (*evaluation.Transition, error) {
	return s.apply(ctx, "retreat", tenantID, proposalID, actor, func(st models.ProposalEvaluationState) (evaluation.Transition, error) {
		return s.machine.Retreat(st, expectedVersion, actor)
	})
}

func (s *ProposalService) Decline(ctx context.Context, tenantID, proposalID string, expectedVersion int64, actor models.Actor, reason string) (*evaluation.Transition, error) {
	return s.apply(ctx, "decline", tenantID, proposalID, actor, func(st models.ProposalEvaluationState) (evaluation.Transition, error) {
		return s.machine.Decline(st, expectedVersion, actor, reason)
	})
}

func (s *ProposalService) OpenAppeal(ctx context.Context, tenantID, proposalID string, expectedVersion int64, actor models.Actor) (*evaluation.Transition, error) {
	return s.apply(ctx, "open_appeal", tenantID, proposalID, actor, func(st models.ProposalEvaluationState) (evaluation.Transition, error) {
		return s.machine.OpenAppeal(st, expectedVersion, actor)
	})
}

func (s *ProposalService) Archive(ctx context.Context, tenantID, proposalID string, expectedVersion int64, actor models.Actor) (*evaluation.Transition, error) {
	return s.apply(ctx, "archive_proposal", tenantID, proposalID, actor, func(st models.ProposalEvaluationState) (evaluation.Transition, error) {
		return s.machine.Archive(st, expectedVersion, actor)
	})
}

func (s *ProposalService) Unarchive(ctx context.Context, tenantID, proposalID string, expectedVersion int64, actor models.Actor) (*evaluation.Transition, error) {
	return s.apply(ctx, "unarchive_proposal", tenantID, proposalID, actor, func(st models.ProposalEvaluationState) (evaluation.Transition, error) {
		return s.machine.Unarchive(st, expectedVersion, actor)
	})
}

// apply loads the proposal, runs transition on it and saves the result. The
// store rejects the save if another writer committed in between.
func (s *ProposalService) apply(ctx context.Context, op, tenantID, proposalID string, actor models.Actor,
	transition func(models.ProposalEvaluationState) (evaluation.Transition, error)) (*evaluation.Transition, error) {
	defer s.metrics.Track(ctx, op)()
	state, err := s.repo.GetProposal(ctx, tenantID, proposalID)
	if err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID, "proposal_id", proposalID)
	}
	tr, err := transition(*state)
	if err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID, "proposal_id", proposalID, "actor", actor.UserID)
	}
	if err := s.repo.UpdateProposal(ctx, &tr.State); err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID, "proposal_id", proposalID, "actor", actor.UserID)
	}
	s.metrics.Answers(ctx, len(tr.Accepted))
	s.finish(ctx, op, tr, "actor", actor.UserID)
	return &tr, nil
}

// finish dispatches the transition's events and logs the commit. Dispatch
// failures are logged only; the state is already stored.
func (s *ProposalService) finish(ctx context.Context, op string, tr evaluation.Transition, kv ...any) {
	if s.dispatcher != nil && len(tr.Events) > 0 {
		if err := s.dispatcher.Dispatch(ctx, tr.Events); err != nil {
			s.logger.Error("event dispatch failed", "operation", op, "proposal_id", tr.State.ProposalID, "error", err)
		}
	}
	kv = append(kv,
		"tenant_id", tr.State.TenantID,
		"proposal_id", tr.State.ProposalID,
		"step_index", tr.State.CurrentStepIndex,
		"status", tr.State.Status,
		"version", tr.State.Version,
	)
	s.committed(ctx, op, kv...)
}
