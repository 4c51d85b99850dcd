package evaluation

import (
	"proposal-workflows/pkg/models"
)

// View returns the copy of state that actor may read.
//
// On proposals bound with private evaluations, steps where actor lacks
// view_private_fields keep only actor's own submissions, and rubric results
// lose their reviewer ids. Authors see the rubric responses of a failed step
// only when the step shows author results on fail. Admins see everything.
func (m *Machine) View(state models.ProposalEvaluationState, actor models.Actor) models.ProposalEvaluationState {
	out := state.Clone()
	if actor.IsAdmin {
		return out
	}
	pc := Context(out)
	author := out.IsAuthor(actor.UserID)
	for i, step := range out.Snapshot.List() {
		if m.resolver.Resolve(step, actor, pc).Has(models.CapViewPrivateFields) {
			continue
		}
		var result *models.StepResult
		if i < len(out.Results) {
			result = out.Results[i]
		}
		if out.PrivateEvaluations {
			if rv, ok := out.Reviews[step.ID]; ok {
				out.Reviews[step.ID] = own(rv, actor.UserID)
			}
			if result != nil {
				anonymize(result.Rubric)
			}
		}
		if result != nil && author && result.Outcome == models.OutcomeFail {
			if cfg, ok := step.Config.(models.RubricConfig); ok && !cfg.ShowAuthorResultsOnFail {
				result.Rubric = nil
			}
		}
	}
	return out
}

// Redact returns tr with its state and result reduced to what actor may read.
func (m *Machine) Redact(tr Transition, actor models.Actor) Transition {
	tr.State = m.View(tr.State, actor)
	if tr.Result != nil {
		for _, r := range tr.State.Results {
			if r != nil && r.StepID == tr.Result.StepID {
				tr.Result = r
				break
			}
		}
	}
	return tr
}

// own keeps the submissions userID made in rv.
func own(rv models.StepReviews, userID string) models.StepReviews {
	out := models.StepReviews{Round: rv.Round}
	for _, a := range rv.Answers {
		if a.ReviewerID == userID {
			out.Answers = append(out.Answers, a)
		}
	}
	for _, d := range rv.Decisions {
		if d.ReviewerID == userID {
			out.Decisions = append(out.Decisions, d)
		}
	}
	for _, b := range rv.Ballots {
		if b.VoterID == userID {
			out.Ballots = append(out.Ballots, b)
		}
	}
	return out
}

func anonymize(rubric []models.CriterionResult) {
	for _, cr := range rubric {
		for j := range cr.Responses {
			cr.Responses[j].ReviewerID = ""
		}
	}
}
