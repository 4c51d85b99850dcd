package models

import (
	"time"
)

// EvaluationStatus is the lifecycle position of a proposal's evaluation.
type EvaluationStatus string

const (
	// StatusInProgress means CurrentStepIndex points at a step.
	StatusInProgress EvaluationStatus = "in_progress"
	// StatusCompleted is terminal: a final step or the last step was passed.
	StatusCompleted EvaluationStatus = "completed"
	// StatusDeclined is terminal unless the declined step allows an appeal.
	StatusDeclined EvaluationStatus = "declined"
)

// Outcome is the decision recorded for a step.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
)

// Valid reports whether o is pass or fail.
func (o Outcome) Valid() bool {
	return o == OutcomePass || o == OutcomeFail
}

// Snapshot is the frozen copy of a workflow's steps captured at bind time.
// Steps are stored in an arena keyed by id; Order holds the captured sequence.
type Snapshot struct {
	Order []string                  `json:"order"`
	Steps map[string]EvaluationStep `json:"steps"`
}

// NewSnapshot deep-copies steps into a snapshot.
func NewSnapshot(steps []EvaluationStep) Snapshot {
	s := Snapshot{
		Order: make([]string, len(steps)),
		Steps: make(map[string]EvaluationStep, len(steps)),
	}
	for i, step := range steps {
		s.Order[i] = step.ID
		s.Steps[step.ID] = step.Clone()
	}
	return s
}

// Len returns the number of steps.
func (s Snapshot) Len() int {
	return len(s.Order)
}

// At returns the step at index i.
func (s Snapshot) At(i int) (EvaluationStep, bool) {
	if i < 0 || i >= len(s.Order) {
		return EvaluationStep{}, false
	}
	step, ok := s.Steps[s.Order[i]]
	return step, ok
}

// List returns the steps in order.
func (s Snapshot) List() []EvaluationStep {
	out := make([]EvaluationStep, 0, len(s.Order))
	for _, id := range s.Order {
		out = append(out, s.Steps[id])
	}
	return out
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	return NewSnapshot(s.List())
}

// ReviewDecision is one reviewer's pass/fail verdict on a pass_fail step.
type ReviewDecision struct {
	ReviewerID    string      `json:"reviewer_id"`
	Outcome       Outcome     `json:"outcome"`
	DeclineReason string      `json:"decline_reason,omitempty"`
	Round         ReviewRound `json:"round"`
	DecidedAt     time.Time   `json:"decided_at"`
}

// VoteBallot is one voter's choices on a vote step.
type VoteBallot struct {
	VoterID string    `json:"voter_id"`
	Choices []string  `json:"choices"`
	CastAt  time.Time `json:"cast_at"`
}

// StepReviews collects reviewer submissions for one step.
type StepReviews struct {
	Round     ReviewRound      `json:"round"`
	Answers   []RubricAnswer   `json:"answers,omitempty"`
	Decisions []ReviewDecision `json:"decisions,omitempty"`
	Ballots   []VoteBallot     `json:"ballots,omitempty"`
}

// Clone returns a deep copy.
func (r StepReviews) Clone() StepReviews {
	c := r
	c.Answers = append([]RubricAnswer(nil), r.Answers...)
	c.Decisions = append([]ReviewDecision(nil), r.Decisions...)
	if r.Ballots != nil {
		c.Ballots = make([]VoteBallot, len(r.Ballots))
		for i, b := range r.Ballots {
			b.Choices = append([]string(nil), b.Choices...)
			c.Ballots[i] = b
		}
	}
	return c
}

// VoteTally counts ballots per option.
type VoteTally struct {
	Counts   map[string]int `json:"counts"`
	Total    int            `json:"total"`
	Approved bool           `json:"approved"`
}

// StepResult is the outcome recorded for one step slot.
type StepResult struct {
	StepID        string            `json:"step_id"`
	Outcome       Outcome           `json:"outcome"`
	DeclineReason string            `json:"decline_reason,omitempty"`
	Rubric        []CriterionResult `json:"rubric,omitempty"`
	Vote          *VoteTally        `json:"vote,omitempty"`
	Appealed      bool              `json:"appealed"`
	DecidedBy     string            `json:"decided_by"`
	DecidedAt     time.Time         `json:"decided_at"`
}

// ProposalEvaluationState tracks one proposal's progress through its frozen workflow snapshot.
type ProposalEvaluationState struct {
	ProposalID         string                 `json:"proposal_id"`
	TenantID           string                 `json:"tenant_id"`
	WorkflowID         string                 `json:"workflow_id"`
	Authors            []string               `json:"authors"`
	Snapshot           Snapshot               `json:"snapshot"`
	Results            []*StepResult          `json:"results"` // One slot per step; nil until recorded
	Reviews            map[string]StepReviews `json:"reviews"` // Keyed by step id
	CurrentStepIndex   int                    `json:"current_step_index"`
	Status             EvaluationStatus       `json:"status"`
	Archived           bool                   `json:"archived"`
	PrivateEvaluations bool                   `json:"private_evaluations"` // Copied from the template at bind time
	Version            int64                  `json:"version"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// CurrentStep returns the step the proposal is at, if any.
func (p ProposalEvaluationState) CurrentStep() (EvaluationStep, bool) {
	if p.Status == StatusCompleted {
		return EvaluationStep{}, false
	}
	return p.Snapshot.At(p.CurrentStepIndex)
}

// IsAuthor reports whether userID authored the proposal.
func (p ProposalEvaluationState) IsAuthor(userID string) bool {
	for _, a := range p.Authors {
		if a == userID {
			return true
		}
	}
	return false
}

// Terminal reports whether the proposal can no longer move.
func (p ProposalEvaluationState) Terminal() bool {
	return p.Status != StatusInProgress
}

// Clone returns a deep copy that shares no mutable state with p.
func (p ProposalEvaluationState) Clone() ProposalEvaluationState {
	c := p
	c.Authors = append([]string(nil), p.Authors...)
	c.Snapshot = p.Snapshot.Clone()
	c.Results = make([]*StepResult, len(p.Results))
	for i, r := range p.Results {
		if r == nil {
			continue
		}
		rc := *r
		if r.Rubric != nil {
			rc.Rubric = make([]CriterionResult, len(r.Rubric))
			for j, cr := range r.Rubric {
				rc.Rubric[j] = CriterionResult{
					CriterionID: cr.CriterionID,
					Responses:   append([]ReviewerResponse(nil), cr.Responses...),
				}
			}
		}
		if r.Vote != nil {
			tally := *r.Vote
			tally.Counts = make(map[string]int, len(r.Vote.Counts))
			for k, v := range r.Vote.Counts {
				tally.Counts[k] = v
			}
			rc.Vote = &tally
		}
		c.Results[i] = &rc
	}
	c.Reviews = make(map[string]StepReviews, len(p.Reviews))
	for k, v := range p.Reviews {
		c.Reviews[k] = v.Clone()
	}
	return c
}

// EventName identifies a notification-worthy transition.
type EventName string

const (
	EventStepEntered        EventName = "step_entered"
	EventStepResultRecorded EventName = "step_result_recorded"
	EventAppealOpened       EventName = "appeal_opened"
)

// Event is emitted by the state machine for an external notification dispatcher.
type Event struct {
	ID         string    `json:"id"`
	Name       EventName `json:"name"`
	TenantID   string    `json:"tenant_id"`
	ProposalID string    `json:"proposal_id"`
	StepID     string    `json:"step_id"`
	StepIndex  int       `json:"step_index"`
	StepType   StepType  `json:"step_type"`
	Outcome    Outcome   `json:"outcome,omitempty"`
	Notify     bool      `json:"notify"` // Step notification flag for this transition
	OccurredAt time.Time `json:"occurred_at"`
}
