package evaluation

import (
	"proposal-workflows/internal/rubric"
	"proposal-workflows/pkg/errs"
	"proposal-workflows/pkg/models"
)

// SubmitRubricAnswers records actor's answers on the current rubric step.
// Resubmitting overwrites the actor's earlier answers for the same criteria.
func (m *Machine) SubmitRubricAnswers(state models.ProposalEvaluationState, expectedVersion int64, actor models.Actor, answers []models.RubricAnswer) (Transition, error) {
	next, err := m.begin(state, expectedVersion)
	if err != nil {
		return Transition{}, err
	}
	step, err := active(next)
	if err != nil {
		return Transition{}, err
	}
	cfg, ok := step.Config.(models.RubricConfig)
	if !ok {
		return Transition{}, errs.Invariant("current step is %s, not rubric", step.Type()).WithStep(step.ID).WithProposal(next.ProposalID)
	}
	if err := m.requireEvaluate(next, step, actor); err != nil {
		return Transition{}, err
	}

	rv := reviewsFor(next, step.ID)
	merged, accepted, err := rubric.SubmitAnswers(cfg, rv.Answers, actor.UserID, rv.Round, answers, m.now())
	if err != nil {
		return Transition{}, err.(*errs.Error).WithStep(step.ID).WithProposal(next.ProposalID)
	}
	rv.Answers = merged
	next.Reviews[step.ID] = rv
	m.commit(&next)
	return Transition{State: next, Accepted: accepted}, nil
}

// SubmitDecision records actor's verdict on the current pass_fail step. A
// decline reason must be one of the step's configured reasons when any are
// configured.
func (m *Machine) SubmitDecision(state models.ProposalEvaluationState, expectedVersion int64, actor models.Actor, outcome models.Outcome, declineReason string) (Transition, error) {
	next, err := m.begin(state, expectedVersion)
	if err != nil {
		return Transition{}, err
	}
	step, err := active(next)
	if err != nil {
		return Transition{}, err
	}
	cfg, ok := step.Config.(models.PassFailConfig)
	if !ok {
		return Transition{}, errs.Invariant("current step is %s, not pass_fail", step.Type()).WithStep(step.ID).WithProposal(next.ProposalID)
	}
	if err := m.requireEvaluate(next, step, actor); err != nil {
		return Transition{}, err
	}
	if !outcome.Valid() {
		return Transition{}, errs.Invariant("unknown outcome %q", outcome).WithStep(step.ID)
	}
	if outcome == models.OutcomePass {
		declineReason = ""
	}
	if !cfg.Review.AllowsDeclineReason(declineReason) {
		return Transition{}, errs.Invariant("decline reason %q is not configured", declineReason).WithStep(step.ID)
	}

	rv := reviewsFor(next, step.ID)
	decisions := make([]models.ReviewDecision, 0, len(rv.Decisions)+1)
	for _, d := range rv.Decisions {
		if d.ReviewerID == actor.UserID && d.Round == rv.Round {
			continue
		}
		decisions = append(decisions, d)
	}
	rv.Decisions = append(decisions, models.ReviewDecision{
		ReviewerID:    actor.UserID,
		Outcome:       outcome,
		DeclineReason: declineReason,
		Round:         rv.Round,
		DecidedAt:     m.now(),
	})
	next.Reviews[step.ID] = rv
	m.commit(&next)
	return Transition{State: next}, nil
}

// CastVote records actor's ballot on the current vote step, replacing any
// earlier ballot from the same voter.
func (m *Machine) CastVote(state models.ProposalEvaluationState, expectedVersion int64, actor models.Actor, choices []string) (Transition, error) {
	next, err := m.begin(state, expectedVersion)
	if err != nil {
		return Transition{}, err
	}
	step, err := active(next)
	if err != nil {
		return Transition{}, err
	}
	cfg, ok := step.Config.(models.VoteConfig)
	if !ok {
		return Transition{}, errs.Invariant("current step is %s, not vote", step.Type()).WithStep(step.ID).WithProposal(next.ProposalID)
	}
	if err := m.requireEvaluate(next, step, actor); err != nil {
		return Transition{}, err
	}
	if len(choices) == 0 || len(choices) > cfg.MaxChoices {
		return Transition{}, errs.Invariant("ballot must pick between 1 and %d options", cfg.MaxChoices).WithStep(step.ID)
	}
	seen := make(map[string]bool, len(choices))
	for _, c := range choices {
		if !cfg.HasOption(c) || seen[c] {
			return Transition{}, errs.Invariant("invalid vote choice %q", c).WithStep(step.ID)
		}
		seen[c] = true
	}

	rv := reviewsFor(next, step.ID)
	ballots := make([]models.VoteBallot, 0, len(rv.Ballots)+1)
	for _, b := range rv.Ballots {
		if b.VoterID != actor.UserID {
			ballots = append(ballots, b)
		}
	}
	rv.Ballots = append(ballots, models.VoteBallot{
		VoterID: actor.UserID,
		Choices: append([]string(nil), choices...),
		CastAt:  m.now(),
	})
	next.Reviews[step.ID] = rv
	m.commit(&next)
	return Transition{State: next}, nil
}

// Tally counts ballots on a vote step. Approval votes pass when the first
// option's share of ballots reaches the threshold; single choice votes pass
// when any option does.
func Tally(cfg models.VoteConfig, ballots []models.VoteBallot) models.VoteTally {
	t := models.VoteTally{Counts: make(map[string]int, len(cfg.Options))}
	for _, o := range cfg.Options {
		t.Counts[o] = 0
	}
	for _, b := range ballots {
		t.Total++
		for _, c := range b.Choices {
			if _, ok := t.Counts[c]; ok {
				t.Counts[c]++
			}
		}
	}
	if t.Total == 0 || len(cfg.Options) == 0 {
		return t
	}
	reaches := func(n int) bool { return n*100 >= cfg.Threshold*t.Total }
	if cfg.VoteType == models.VoteSingleChoice {
		for _, o := range cfg.Options {
			if reaches(t.Counts[o]) {
				t.Approved = true
			}
		}
		return t
	}
	t.Approved = reaches(t.Counts[cfg.Options[0]])
	return t
}
