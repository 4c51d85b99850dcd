package models

import (
	"time"

	"proposal-workflows/pkg/errs"
)

// CriterionTypeRange is the only criterion type: a numeric response within [min, max].
const CriterionTypeRange = "range"

// RangeParameters bounds a range criterion.
type RangeParameters struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// RubricCriterion is one scored dimension of a rubric step.
type RubricCriterion struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Type        string          `json:"type"`
	Parameters  RangeParameters `json:"parameters"`
}

// Validate enforces min < max.
func (c RubricCriterion) Validate() error {
	if c.Parameters.Min >= c.Parameters.Max {
		e := errs.Invariant("criterion range min %g must be below max %g", c.Parameters.Min, c.Parameters.Max)
		e.CriterionID = c.ID
		return e
	}
	return nil
}

// Contains reports whether response lies within [min, max].
func (c RubricCriterion) Contains(response float64) bool {
	return response >= c.Parameters.Min && response <= c.Parameters.Max
}

// ReviewRound distinguishes the original review from an appeal.
type ReviewRound string

const (
	RoundOriginal ReviewRound = "original"
	RoundAppeal   ReviewRound = "appeal"
)

// RubricAnswer is one reviewer's response to one criterion.
type RubricAnswer struct {
	CriterionID string      `json:"criterion_id"`
	ReviewerID  string      `json:"reviewer_id"`
	Response    float64     `json:"response"`
	Comment     string      `json:"comment,omitempty"`
	Round       ReviewRound `json:"round"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// ReviewerResponse is a single entry in a criterion's response distribution.
type ReviewerResponse struct {
	ReviewerID string  `json:"reviewer_id"`
	Response   float64 `json:"response"`
	Comment    string  `json:"comment,omitempty"`
}

// CriterionResult exposes the raw per-reviewer responses for one criterion.
type CriterionResult struct {
	CriterionID string             `json:"criterion_id"`
	Responses   []ReviewerResponse `json:"responses"`
}
