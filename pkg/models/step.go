package models

import (
	"encoding/json"
	"fmt"

	"proposal-workflows/pkg/errs"
)

// StepType is the closed set of evaluation step kinds.
type StepType string

const (
	StepFeedback      StepType = "feedback"
	StepPassFail      StepType = "pass_fail"
	StepRubric        StepType = "rubric"
	StepVote          StepType = "vote"
	StepSignDocuments StepType = "sign_documents"
)

// Valid reports whether t is one of the known step types.
func (t StepType) Valid() bool {
	switch t {
	case StepFeedback, StepPassFail, StepRubric, StepVote, StepSignDocuments:
		return true
	}
	return false
}

// Reviewed reports whether the step collects reviewer submissions that must
// meet a quorum before it can be moved forward.
func (t StepType) Reviewed() bool {
	return t == StepPassFail || t == StepRubric
}

// StepConfig is the per-type payload of an evaluation step. The set of
// implementations is closed; each variant carries only the fields that are
// meaningful for its type.
type StepConfig interface {
	Type() StepType
	validate(stepID string) error
	clone() StepConfig
}

// ReviewSettings are the advanced settings of reviewed steps.
type ReviewSettings struct {
	RequiredReviews       int      `json:"required_reviews"`
	DeclineReasons        []string `json:"decline_reasons,omitempty"`
	Appealable            bool     `json:"appealable"`
	AppealRequiredReviews int      `json:"appeal_required_reviews,omitempty"`
}

// Quorum returns the required distinct reviewers for the given round.
func (r ReviewSettings) Quorum(round ReviewRound) int {
	if round == RoundAppeal {
		return r.AppealRequiredReviews
	}
	return r.RequiredReviews
}

// AllowsDeclineReason reports whether reason may be selected on rejection.
// An empty reason list accepts anything.
func (r ReviewSettings) AllowsDeclineReason(reason string) bool {
	if len(r.DeclineReasons) == 0 || reason == "" {
		return true
	}
	for _, d := range r.DeclineReasons {
		if d == reason {
			return true
		}
	}
	return false
}

func (r ReviewSettings) validate(stepID string) error {
	if r.RequiredReviews < 1 {
		return errs.Invariant("required reviews must be at least 1").WithStep(stepID)
	}
	if r.Appealable && r.AppealRequiredReviews < 1 {
		return errs.Invariant("appeal required reviews must be at least 1").WithStep(stepID)
	}
	seen := make(map[string]bool, len(r.DeclineReasons))
	for _, d := range r.DeclineReasons {
		if d == "" || seen[d] {
			return errs.Invariant("decline reasons must be unique and non-empty").WithStep(stepID)
		}
		seen[d] = true
	}
	return nil
}

func (r ReviewSettings) clone() ReviewSettings {
	r.DeclineReasons = append([]string(nil), r.DeclineReasons...)
	return r
}

// FeedbackConfig has no settings.
type FeedbackConfig struct{}

func (FeedbackConfig) Type() StepType        { return StepFeedback }
func (FeedbackConfig) validate(string) error { return nil }
func (c FeedbackConfig) clone() StepConfig   { return c }

// PassFailConfig is a reviewer pass/fail decision step.
type PassFailConfig struct {
	Review ReviewSettings `json:"review"`
}

func (PassFailConfig) Type() StepType                 { return StepPassFail }
func (c PassFailConfig) validate(stepID string) error { return c.Review.validate(stepID) }
func (c PassFailConfig) clone() StepConfig {
	c.Review = c.Review.clone()
	return c
}

// RubricConfig scores a proposal against range criteria.
type RubricConfig struct {
	Review                  ReviewSettings    `json:"review"`
	Criteria                []RubricCriterion `json:"criteria"`
	ShowAuthorResultsOnFail bool              `json:"show_author_results_on_fail"`
}

func (RubricConfig) Type() StepType { return StepRubric }

func (c RubricConfig) validate(stepID string) error {
	if err := c.Review.validate(stepID); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Criteria))
	for _, cr := range c.Criteria {
		if seen[cr.ID] {
			e := errs.Invariant("duplicate criterion id").WithStep(stepID)
			e.CriterionID = cr.ID
			return e
		}
		seen[cr.ID] = true
		if err := cr.Validate(); err != nil {
			return err.(*errs.Error).WithStep(stepID)
		}
	}
	return nil
}

func (c RubricConfig) clone() StepConfig {
	c.Review = c.Review.clone()
	c.Criteria = append([]RubricCriterion(nil), c.Criteria...)
	return c
}

// Criterion returns the criterion with id.
func (c RubricConfig) Criterion(id string) (RubricCriterion, bool) {
	for _, cr := range c.Criteria {
		if cr.ID == id {
			return cr, true
		}
	}
	return RubricCriterion{}, false
}

// VoteType selects how ballots are counted.
type VoteType string

const (
	VoteApproval     VoteType = "Approval"
	VoteSingleChoice VoteType = "SingleChoice"
)

// VoteConfig configures a vote step.
type VoteConfig struct {
	Threshold    int      `json:"threshold"`
	VoteType     VoteType `json:"vote_type"`
	Options      []string `json:"options"`
	MaxChoices   int      `json:"max_choices"`
	DurationDays int      `json:"duration_days"`
}

func (VoteConfig) Type() StepType { return StepVote }

func (c VoteConfig) validate(stepID string) error {
	if c.Threshold < 0 || c.Threshold > 100 {
		return errs.Invariant("vote threshold must be within [0, 100]").WithStep(stepID)
	}
	if len(c.Options) == 0 {
		return errs.Invariant("vote needs at least one option").WithStep(stepID)
	}
	seen := make(map[string]bool, len(c.Options))
	for _, o := range c.Options {
		if o == "" || seen[o] {
			return errs.Invariant("vote options must be unique and non-empty").WithStep(stepID)
		}
		seen[o] = true
	}
	if c.MaxChoices < 1 || c.MaxChoices > len(c.Options) {
		return errs.Invariant("vote max choices must be within [1, %d]", len(c.Options)).WithStep(stepID)
	}
	return nil
}

func (c VoteConfig) clone() StepConfig {
	c.Options = append([]string(nil), c.Options...)
	return c
}

// HasOption reports whether choice is a configured option.
func (c VoteConfig) HasOption(choice string) bool {
	for _, o := range c.Options {
		if o == choice {
			return true
		}
	}
	return false
}

// SignDocumentsConfig has no settings; review, decline and appeal do not apply.
type SignDocumentsConfig struct{}

func (SignDocumentsConfig) Type() StepType        { return StepSignDocuments }
func (SignDocumentsConfig) validate(string) error { return nil }
func (c SignDocumentsConfig) clone() StepConfig   { return c }

// NewStepConfig returns the default payload for t.
func NewStepConfig(t StepType) (StepConfig, error) {
	switch t {
	case StepFeedback:
		return FeedbackConfig{}, nil
	case StepPassFail:
		return PassFailConfig{Review: ReviewSettings{RequiredReviews: 1}}, nil
	case StepRubric:
		return RubricConfig{Review: ReviewSettings{RequiredReviews: 1}, Criteria: []RubricCriterion{}}, nil
	case StepVote:
		return VoteConfig{
			Threshold:    50,
			VoteType:     VoteApproval,
			Options:      []string{"Yes", "No", "Abstain"},
			MaxChoices:   1,
			DurationDays: 5,
		}, nil
	case StepSignDocuments:
		return SignDocumentsConfig{}, nil
	}
	return nil, errs.Invariant("unknown step type %q", t)
}

// ReviewSettingsOf returns the review settings of reviewed step configs.
func ReviewSettingsOf(c StepConfig) (ReviewSettings, bool) {
	switch v := c.(type) {
	case PassFailConfig:
		return v.Review, true
	case RubricConfig:
		return v.Review, true
	}
	return ReviewSettings{}, false
}

// ActionLabels override the display text of step decisions. Opaque to the engine.
type ActionLabels struct {
	Approve string `json:"approve,omitempty"`
	Reject  string `json:"reject,omitempty"`
}

// StepNotifications flags which transitions of a step should notify.
type StepNotifications struct {
	OnEnter  bool `json:"on_enter"`
	OnResult bool `json:"on_result"`
}

// EvaluationStep is one typed stage of a workflow.
type EvaluationStep struct {
	ID            string                 `json:"id"`
	Title         string                 `json:"title"`
	Permissions   []PermissionAssignment `json:"permissions"`
	FinalStep     bool                   `json:"final_step"`
	ActionLabels  *ActionLabels          `json:"action_labels,omitempty"`
	Notifications StepNotifications      `json:"notifications"`
	Config        StepConfig             `json:"-"`
}

// Type returns the step's type, derived from its payload.
func (s EvaluationStep) Type() StepType {
	if s.Config == nil {
		return ""
	}
	return s.Config.Type()
}

// Validate checks the step's structural invariants.
func (s EvaluationStep) Validate() error {
	if s.ID == "" {
		return errs.Invariant("step id is required")
	}
	if s.Config == nil {
		return errs.Invariant("step type is required").WithStep(s.ID)
	}
	seen := make(map[Assignee]bool, len(s.Permissions))
	for _, p := range s.Permissions {
		if seen[p.Assignee] {
			return errs.Invariant("duplicate assignee %s", p.Assignee).WithStep(s.ID)
		}
		seen[p.Assignee] = true
		for _, op := range p.Operations {
			if !op.Valid() {
				return errs.Invariant("unknown operation %q", op).WithStep(s.ID)
			}
		}
	}
	return s.Config.validate(s.ID)
}

// Clone returns a deep copy that shares no mutable state with s.
func (s EvaluationStep) Clone() EvaluationStep {
	c := s
	c.Permissions = clonePermissions(s.Permissions)
	if s.ActionLabels != nil {
		labels := *s.ActionLabels
		c.ActionLabels = &labels
	}
	if s.Config != nil {
		c.Config = s.Config.clone()
	}
	return c
}

type stepJSON struct {
	ID            string                 `json:"id"`
	Title         string                 `json:"title"`
	Type          StepType               `json:"type"`
	Permissions   []PermissionAssignment `json:"permissions"`
	FinalStep     bool                   `json:"final_step"`
	ActionLabels  *ActionLabels          `json:"action_labels,omitempty"`
	Notifications StepNotifications      `json:"notifications"`
	Config        json.RawMessage        `json:"config,omitempty"`
}

func (s EvaluationStep) MarshalJSON() ([]byte, error) {
	out := stepJSON{
		ID:            s.ID,
		Title:         s.Title,
		Type:          s.Type(),
		Permissions:   s.Permissions,
		FinalStep:     s.FinalStep,
		ActionLabels:  s.ActionLabels,
		Notifications: s.Notifications,
	}
	if out.Permissions == nil {
		out.Permissions = []PermissionAssignment{}
	}
	if s.Config != nil {
		raw, err := json.Marshal(s.Config)
		if err != nil {
			return nil, err
		}
		out.Config = raw
	}
	return json.Marshal(out)
}

func (s *EvaluationStep) UnmarshalJSON(data []byte) error {
	var in stepJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	cfg, err := decodeStepConfig(in.Type, in.Config)
	if err != nil {
		return err
	}
	*s = EvaluationStep{
		ID:            in.ID,
		Title:         in.Title,
		Permissions:   in.Permissions,
		FinalStep:     in.FinalStep,
		ActionLabels:  in.ActionLabels,
		Notifications: in.Notifications,
		Config:        cfg,
	}
	return nil
}

func decodeStepConfig(t StepType, raw json.RawMessage) (StepConfig, error) {
	def, err := NewStepConfig(t)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return def, nil
	}
	switch v := def.(type) {
	case FeedbackConfig:
		return v, nil
	case SignDocumentsConfig:
		return v, nil
	case PassFailConfig:
		err = json.Unmarshal(raw, &v)
		return v, err
	case RubricConfig:
		err = json.Unmarshal(raw, &v)
		if v.Criteria == nil {
			v.Criteria = []RubricCriterion{}
		}
		return v, err
	case VoteConfig:
		err = json.Unmarshal(raw, &v)
		return v, err
	}
	return nil, fmt.Errorf("unhandled step type %q", t)
}
