package evaluation

import (
	"proposal-workflows/internal/permissions"
	"proposal-workflows/internal/rubric"
	"proposal-workflows/pkg/errs"
	"proposal-workflows/pkg/models"
)

// Advance records the current step's result and moves to the next step. An
// empty outcome is derived: vote steps pass when the tally is approved,
// pass_fail steps fail when any reviewer in the current round failed them,
// every other step passes. Leaving a final step, or the last step, completes
// the proposal.
func (m *Machine) Advance(state models.ProposalEvaluationState, expectedVersion int64, actor models.Actor, outcome models.Outcome) (Transition, error) {
	next, err := m.begin(state, expectedVersion)
	if err != nil {
		return Transition{}, err
	}
	step, err := active(next)
	if err != nil {
		return Transition{}, err
	}
	if outcome != "" && !outcome.Valid() {
		return Transition{}, errs.Invariant("unknown outcome %q", outcome).WithStep(step.ID)
	}
	if err := m.resolver.CanTransition(step, actor, Context(next), permissions.Forward, Progress(next, step)); err != nil {
		return Transition{}, err
	}

	from := next.CurrentStepIndex
	result, err := m.result(next, step, actor, outcome)
	if err != nil {
		return Transition{}, err
	}
	next.Results[from] = result

	events := []models.Event{
		m.event(next, models.EventStepResultRecorded, from, step, result.Outcome, step.Notifications.OnResult),
	}
	if step.FinalStep || from+1 >= next.Snapshot.Len() {
		next.Status = models.StatusCompleted
		next.CurrentStepIndex = next.Snapshot.Len()
	} else {
		next.CurrentStepIndex = from + 1
		entered, _ := next.Snapshot.At(next.CurrentStepIndex)
		events = append(events, m.event(next, models.EventStepEntered, next.CurrentStepIndex, entered, "", entered.Notifications.OnEnter))
	}
	m.commit(&next)
	return Transition{State: next, Events: events, Result: result}, nil
}

func (m *Machine) result(state models.ProposalEvaluationState, step models.EvaluationStep, actor models.Actor, outcome models.Outcome) (*models.StepResult, error) {
	rv := reviewsFor(state, step.ID)
	r := &models.StepResult{
		StepID:    step.ID,
		Outcome:   outcome,
		Appealed:  rv.Round == models.RoundAppeal,
		DecidedBy: actor.UserID,
		DecidedAt: m.now(),
	}
	switch cfg := step.Config.(type) {
	case models.RubricConfig:
		r.Rubric = rubric.AggregateResults(cfg, rv.Answers, rv.Round)
	case models.VoteConfig:
		tally := Tally(cfg, rv.Ballots)
		r.Vote = &tally
		if r.Outcome == "" && !tally.Approved {
			r.Outcome = models.OutcomeFail
		}
	case models.PassFailConfig:
		failed, ok := failedDecision(rv)
		switch {
		case !ok:
		case r.Outcome == "":
			r.Outcome = models.OutcomeFail
			r.DeclineReason = failed.DeclineReason
		case r.Outcome == models.OutcomePass:
			return nil, errs.Invariant("%s failed the step in the %s round", failed.ReviewerID, rv.Round).WithStep(step.ID).WithProposal(state.ProposalID)
		}
	}
	if r.Outcome == "" {
		r.Outcome = models.OutcomePass
	}
	return r, nil
}

// failedDecision returns the first fail verdict of the current round.
func failedDecision(rv models.StepReviews) (models.ReviewDecision, bool) {
	for _, d := range rv.Decisions {
		if d.Round == rv.Round && d.Outcome == models.OutcomeFail {
			return d, true
		}
	}
	return models.ReviewDecision{}, false
}

// Retreat moves back one step. The re-entered step keeps its recorded result
// and collected reviews.
func (m *Machine) Retreat(state models.ProposalEvaluationState, expectedVersion int64, actor models.Actor) (Transition, error) {
	next, err := m.begin(state, expectedVersion)
	if err != nil {
		return Transition{}, err
	}
	step, err := active(next)
	if err != nil {
		return Transition{}, err
	}
	if err := m.resolver.CanTransition(step, actor, Context(next), permissions.Backward, Progress(next, step)); err != nil {
		return Transition{}, err
	}
	if next.CurrentStepIndex == 0 {
		return Transition{}, errs.Invariant("already at the first step").WithStep(step.ID).WithProposal(next.ProposalID)
	}

	next.CurrentStepIndex--
	entered, _ := next.Snapshot.At(next.CurrentStepIndex)
	m.commit(&next)
	return Transition{
		State:  next,
		Events: []models.Event{m.event(next, models.EventStepEntered, next.CurrentStepIndex, entered, "", entered.Notifications.OnEnter)},
	}, nil
}

// Decline records a fail result on the current step and stops the
// evaluation. Reviewed steps must have met their quorum and the reason must
// be one of the configured decline reasons when any are configured.
func (m *Machine) Decline(state models.ProposalEvaluationState, expectedVersion int64, actor models.Actor, reason string) (Transition, error) {
	next, err := m.begin(state, expectedVersion)
	if err != nil {
		return Transition{}, err
	}
	step, err := active(next)
	if err != nil {
		return Transition{}, err
	}
	if err := m.resolver.CanTransition(step, actor, Context(next), permissions.Forward, Progress(next, step)); err != nil {
		return Transition{}, err
	}
	if settings, ok := models.ReviewSettingsOf(step.Config); ok && !settings.AllowsDeclineReason(reason) {
		return Transition{}, errs.Invariant("decline reason %q is not configured", reason).WithStep(step.ID)
	}

	result, err := m.result(next, step, actor, models.OutcomeFail)
	if err != nil {
		return Transition{}, err
	}
	result.DeclineReason = reason
	next.Results[next.CurrentStepIndex] = result
	next.Status = models.StatusDeclined
	m.commit(&next)
	return Transition{
		State:  next,
		Events: []models.Event{m.event(next, models.EventStepResultRecorded, next.CurrentStepIndex, step, models.OutcomeFail, step.Notifications.OnResult)},
		Result: result,
	}, nil
}

// OpenAppeal reopens a declined, appealable step for a second review round.
// Only an author may appeal, and only once per step. The appeal round's
// result replaces the original one when recorded.
func (m *Machine) OpenAppeal(state models.ProposalEvaluationState, expectedVersion int64, actor models.Actor) (Transition, error) {
	next, err := m.begin(state, expectedVersion)
	if err != nil {
		return Transition{}, err
	}
	if next.Archived {
		return Transition{}, errs.ReadOnly("proposal is archived").WithProposal(next.ProposalID)
	}
	if next.Status != models.StatusDeclined {
		return Transition{}, errs.Invariant("only declined proposals can be appealed").WithProposal(next.ProposalID)
	}
	step, ok := next.Snapshot.At(next.CurrentStepIndex)
	if !ok {
		return Transition{}, errs.Invariant("current step index %d out of range", next.CurrentStepIndex).WithProposal(next.ProposalID)
	}
	settings, ok := models.ReviewSettingsOf(step.Config)
	if !ok || !settings.Appealable {
		return Transition{}, errs.Invariant("step is not appealable").WithStep(step.ID).WithProposal(next.ProposalID)
	}
	if !next.IsAuthor(actor.UserID) {
		return Transition{}, errs.PermissionDenied("only authors may appeal").WithStep(step.ID).WithProposal(next.ProposalID)
	}
	rv := reviewsFor(next, step.ID)
	if rv.Round == models.RoundAppeal {
		return Transition{}, errs.Invariant("step was already appealed").WithStep(step.ID).WithProposal(next.ProposalID)
	}

	rv.Round = models.RoundAppeal
	next.Reviews[step.ID] = rv
	next.Status = models.StatusInProgress
	m.commit(&next)
	return Transition{
		State:  next,
		Events: []models.Event{m.event(next, models.EventAppealOpened, next.CurrentStepIndex, step, "", step.Notifications.OnEnter)},
	}, nil
}

// Archive marks the proposal archived. Archived proposals keep their
// position and reject every transition until unarchived. Only admins and
// authors may archive.
func (m *Machine) Archive(state models.ProposalEvaluationState, expectedVersion int64, actor models.Actor) (Transition, error) {
	return m.setArchived(state, expectedVersion, actor, true)
}

// Unarchive clears the archived flag.
func (m *Machine) Unarchive(state models.ProposalEvaluationState, expectedVersion int64, actor models.Actor) (Transition, error) {
	return m.setArchived(state, expectedVersion, actor, false)
}

func (m *Machine) setArchived(state models.ProposalEvaluationState, expectedVersion int64, actor models.Actor, archived bool) (Transition, error) {
	next, err := m.begin(state, expectedVersion)
	if err != nil {
		return Transition{}, err
	}
	if !actor.IsAdmin && !next.IsAuthor(actor.UserID) {
		return Transition{}, errs.PermissionDenied("only admins and authors may archive proposals").WithProposal(next.ProposalID)
	}
	next.Archived = archived
	m.commit(&next)
	return Transition{State: next}, nil
}
