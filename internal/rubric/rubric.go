// Package rubric scores rubric evaluation steps.
//
// All functions are pure: they take the step configuration and the answers
// collected so far and return new values without mutating their inputs.
// Answers are partitioned by review round so an appeal collects an
// independent set under the same criteria.
package rubric

import (
	"sort"
	"time"

	"proposal-workflows/pkg/errs"
	"proposal-workflows/pkg/models"
)

// SubmitAnswers validates a reviewer's answers for one round and merges them
// into existing. A prior answer from the same reviewer for the same criterion
// and round is overwritten. Either every answer is accepted or none is.
//
// It returns the merged answer list and the accepted answers.
func SubmitAnswers(
	cfg models.RubricConfig,
	existing []models.RubricAnswer,
	reviewerID string,
	round models.ReviewRound,
	answers []models.RubricAnswer,
	now time.Time,
) ([]models.RubricAnswer, []models.RubricAnswer, error) {
	if reviewerID == "" {
		return nil, nil, errs.Invariant("reviewer id is required")
	}
	if len(answers) == 0 {
		return nil, nil, errs.Invariant("no answers submitted")
	}

	// last answer per criterion wins within one submission
	byCriterion := make(map[string]models.RubricAnswer, len(answers))
	order := make([]string, 0, len(answers))
	for _, a := range answers {
		if a.ReviewerID != "" && a.ReviewerID != reviewerID {
			e := errs.Invariant("answer reviewer %q does not match submitting reviewer", a.ReviewerID)
			e.CriterionID = a.CriterionID
			return nil, nil, e
		}
		criterion, ok := cfg.Criterion(a.CriterionID)
		if !ok {
			e := errs.Invariant("unknown criterion")
			e.CriterionID = a.CriterionID
			return nil, nil, e
		}
		if !criterion.Contains(a.Response) {
			return nil, nil, errs.OutOfRange(criterion.ID, a.Response, criterion.Parameters.Min, criterion.Parameters.Max)
		}
		if _, seen := byCriterion[a.CriterionID]; !seen {
			order = append(order, a.CriterionID)
		}
		a.ReviewerID = reviewerID
		a.Round = round
		a.SubmittedAt = now
		byCriterion[a.CriterionID] = a
	}

	merged := make([]models.RubricAnswer, 0, len(existing)+len(order))
	for _, a := range existing {
		if a.ReviewerID == reviewerID && a.Round == round {
			if _, replaced := byCriterion[a.CriterionID]; replaced {
				continue
			}
		}
		merged = append(merged, a)
	}
	accepted := make([]models.RubricAnswer, 0, len(order))
	for _, id := range order {
		accepted = append(accepted, byCriterion[id])
	}
	merged = append(merged, accepted...)
	return merged, accepted, nil
}

// CompleteReviewers returns, sorted, the distinct reviewers who have answered
// every criterion of the step in the given round.
func CompleteReviewers(cfg models.RubricConfig, answers []models.RubricAnswer, round models.ReviewRound) []string {
	answered := make(map[string]map[string]bool)
	for _, a := range answers {
		if a.Round != round {
			continue
		}
		if _, ok := cfg.Criterion(a.CriterionID); !ok {
			continue
		}
		if answered[a.ReviewerID] == nil {
			answered[a.ReviewerID] = make(map[string]bool)
		}
		answered[a.ReviewerID][a.CriterionID] = true
	}

	var reviewers []string
	for reviewer, set := range answered {
		if len(set) == len(cfg.Criteria) {
			reviewers = append(reviewers, reviewer)
		}
	}
	sort.Strings(reviewers)
	return reviewers
}

// IsStepComplete reports whether enough distinct reviewers have submitted a
// full answer set to meet the round's quorum. A rubric with no criteria has
// nothing to score and is complete.
func IsStepComplete(cfg models.RubricConfig, answers []models.RubricAnswer, round models.ReviewRound) bool {
	if len(cfg.Criteria) == 0 {
		return true
	}
	return len(CompleteReviewers(cfg, answers, round)) >= cfg.Review.Quorum(round)
}

// AggregateResults returns the raw response distribution per criterion, in
// criteria order. No averaging is applied.
func AggregateResults(cfg models.RubricConfig, answers []models.RubricAnswer, round models.ReviewRound) []models.CriterionResult {
	results := make([]models.CriterionResult, len(cfg.Criteria))
	index := make(map[string]int, len(cfg.Criteria))
	for i, c := range cfg.Criteria {
		results[i] = models.CriterionResult{CriterionID: c.ID, Responses: []models.ReviewerResponse{}}
		index[c.ID] = i
	}
	for _, a := range answers {
		if a.Round != round {
			continue
		}
		i, ok := index[a.CriterionID]
		if !ok {
			continue
		}
		results[i].Responses = append(results[i].Responses, models.ReviewerResponse{
			ReviewerID: a.ReviewerID,
			Response:   a.Response,
			Comment:    a.Comment,
		})
	}
	for i := range results {
		sort.SliceStable(results[i].Responses, func(a, b int) bool {
			return results[i].Responses[a].ReviewerID < results[i].Responses[b].ReviewerID
		})
	}
	return results
}

// CriterionSummary describes the spread of a criterion's responses.
type CriterionSummary struct {
	CriterionID string  `json:"criterion_id"`
	Count       int     `json:"count"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
}

// Summarize reports count and spread for each aggregated criterion.
func Summarize(results []models.CriterionResult) []CriterionSummary {
	out := make([]CriterionSummary, len(results))
	for i, r := range results {
		s := CriterionSummary{CriterionID: r.CriterionID, Count: len(r.Responses)}
		for j, resp := range r.Responses {
			if j == 0 || resp.Response < s.Min {
				s.Min = resp.Response
			}
			if j == 0 || resp.Response > s.Max {
				s.Max = resp.Response
			}
		}
		out[i] = s
	}
	return out
}
