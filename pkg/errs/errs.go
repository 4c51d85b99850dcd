// Package errs defines the typed errors returned by the evaluation engine.
//
// Every rejection carries a Kind plus enough identifying detail (workflow,
// step, criterion, required vs actual counts) for a caller to render an
// actionable message. Kinds are matched with errors.Is against the
// package-level sentinels.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an engine rejection.
type Kind string

const (
	KindInvariantViolation Kind = "invariant_violation"
	KindReadOnlyViolation  Kind = "read_only_violation"
	KindPermissionDenied   Kind = "permission_denied"
	KindOutOfRangeAnswer   Kind = "out_of_range_answer"
	KindIncompleteStep     Kind = "incomplete_step"
	KindStaleState         Kind = "stale_state"
)

// Sentinels for errors.Is.
var (
	ErrInvariantViolation = &Error{Kind: KindInvariantViolation}
	ErrReadOnlyViolation  = &Error{Kind: KindReadOnlyViolation}
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrOutOfRangeAnswer   = &Error{Kind: KindOutOfRangeAnswer}
	ErrIncompleteStep     = &Error{Kind: KindIncompleteStep}
	ErrStaleState         = &Error{Kind: KindStaleState}
)

// Error is a typed engine error.
type Error struct {
	Kind        Kind   `json:"kind"`
	Message     string `json:"message"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	ProposalID  string `json:"proposal_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`
	CriterionID string `json:"criterion_id,omitempty"`
	Required    int    `json:"required,omitempty"`
	Actual      int    `json:"actual,omitempty"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	for _, kv := range [][2]string{
		{"workflow", e.WorkflowID},
		{"proposal", e.ProposalID},
		{"step", e.StepID},
		{"criterion", e.CriterionID},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&b, " %s=%s", kv[0], kv[1])
		}
	}
	if e.Required != 0 || e.Actual != 0 {
		fmt.Fprintf(&b, " (required %d, got %d)", e.Required, e.Actual)
	}
	return b.String()
}

// Is reports whether target is an *Error of the same kind. A sentinel with
// no detail matches any error of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of err, or "" when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Invariant builds an InvariantViolation.
func Invariant(format string, args ...any) *Error {
	return &Error{Kind: KindInvariantViolation, Message: fmt.Sprintf(format, args...)}
}

// ReadOnly builds a ReadOnlyViolation for an archived workflow or proposal.
func ReadOnly(format string, args ...any) *Error {
	return &Error{Kind: KindReadOnlyViolation, Message: fmt.Sprintf(format, args...)}
}

// PermissionDenied builds a PermissionDenied error.
func PermissionDenied(format string, args ...any) *Error {
	return &Error{Kind: KindPermissionDenied, Message: fmt.Sprintf(format, args...)}
}

// OutOfRange builds an OutOfRangeAnswer for the given criterion.
func OutOfRange(criterionID string, response, min, max float64) *Error {
	return &Error{
		Kind:        KindOutOfRangeAnswer,
		Message:     fmt.Sprintf("response %g outside [%g, %g]", response, min, max),
		CriterionID: criterionID,
	}
}

// Incomplete builds an IncompleteStep error with the quorum shortfall.
func Incomplete(stepID string, required, actual int) *Error {
	return &Error{
		Kind:     KindIncompleteStep,
		Message:  "review quorum not met",
		StepID:   stepID,
		Required: required,
		Actual:   actual,
	}
}

// Stale builds a StaleState error for a freshness token mismatch.
func Stale(expected, actual int64) *Error {
	return &Error{
		Kind:    KindStaleState,
		Message: fmt.Sprintf("expected version %d, current version %d", expected, actual),
	}
}

// WithStep returns a copy of e annotated with a step id.
func (e *Error) WithStep(stepID string) *Error {
	c := *e
	c.StepID = stepID
	return &c
}

// WithWorkflow returns a copy of e annotated with a workflow id.
func (e *Error) WithWorkflow(workflowID string) *Error {
	c := *e
	c.WorkflowID = workflowID
	return &c
}

// WithProposal returns a copy of e annotated with a proposal id.
func (e *Error) WithProposal(proposalID string) *Error {
	c := *e
	c.ProposalID = proposalID
	return &c
}
