package workflows

import (
	"proposal-workflows/pkg/errs"
	"proposal-workflows/pkg/models"
)

// EditSession is an uncommitted working copy of one template. Mutators change
// only the working copy; Commit validates it for persistence and Discard
// returns the last persisted state.
type EditSession struct {
	m         *Manager
	working   models.WorkflowTemplate
	persisted *models.WorkflowTemplate
	dirty     bool
}

// Open starts a session on tpl. persisted reports whether tpl has been saved
// before; a session on an unsaved template discards to nothing.
func (m *Manager) Open(tpl models.WorkflowTemplate, persisted bool) *EditSession {
	s := &EditSession{m: m, working: tpl.Clone()}
	if persisted {
		base := tpl.Clone()
		s.persisted = &base
	}
	return s
}

// Template returns a copy of the working template.
func (s *EditSession) Template() models.WorkflowTemplate {
	return s.working.Clone()
}

// BaseVersion is the version the session was opened from.
func (s *EditSession) BaseVersion() int64 {
	if s.persisted == nil {
		return 0
	}
	return s.persisted.Version
}

// Dirty reports whether the working copy has uncommitted edits.
func (s *EditSession) Dirty() bool {
	return s.dirty
}

func (s *EditSession) writable() error {
	if s.working.Archived {
		return errs.ReadOnly("workflow is archived").WithWorkflow(s.working.ID)
	}
	return nil
}

func (s *EditSession) touch() {
	s.dirty = true
	s.working.UpdatedAt = s.m.now()
}

func (s *EditSession) SetTitle(title string) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.working.Title = title
	s.touch()
	return nil
}

func (s *EditSession) SetPrivateEvaluations(v bool) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.working.PrivateEvaluations = v
	s.touch()
	return nil
}

func (s *EditSession) SetDraftReminder(v bool) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.working.DraftReminder = v
	s.touch()
	return nil
}

// AddStep inserts a new step after afterStepID, or at the head when it is
// empty. The step takes the type and permission shape of the step it follows;
// a step with no predecessor is a pass_fail step with no permissions.
func (s *EditSession) AddStep(afterStepID string) (models.EvaluationStep, error) {
	if err := s.writable(); err != nil {
		return models.EvaluationStep{}, err
	}
	at := 0
	var prev *models.EvaluationStep
	if afterStepID != "" {
		i := s.working.StepIndex(afterStepID)
		if i < 0 {
			return models.EvaluationStep{}, errs.Invariant("unknown step").WithStep(afterStepID).WithWorkflow(s.working.ID)
		}
		prev = &s.working.Evaluations[i]
		at = i + 1
	}

	step, err := s.defaultStep(prev)
	if err != nil {
		return models.EvaluationStep{}, err
	}
	s.insert(at, step)
	s.touch()
	return step.Clone(), nil
}

func (s *EditSession) defaultStep(prev *models.EvaluationStep) (models.EvaluationStep, error) {
	t := models.StepPassFail
	var perms []models.PermissionAssignment
	if prev != nil && prev.Config != nil {
		t = prev.Type()
		perms = prev.Clone().Permissions
	}
	cfg, err := models.NewStepConfig(t)
	if err != nil {
		return models.EvaluationStep{}, err
	}
	if perms == nil {
		perms = []models.PermissionAssignment{}
	}
	return models.EvaluationStep{
		ID:          s.m.newID(),
		Permissions: perms,
		Config:      cfg,
	}, nil
}

func (s *EditSession) insert(at int, step models.EvaluationStep) {
	ev := s.working.Evaluations
	ev = append(ev, models.EvaluationStep{})
	copy(ev[at+1:], ev[at:])
	ev[at] = step
	s.working.Evaluations = ev
}

// StepUpdate carries the fields to change on a step; nil fields are left as
// they are.
type StepUpdate struct {
	ID    string
	Title *string
	// Type re-types the step. The payload is reset to the new type's
	// defaults, which drops criteria and review settings.
	Type *models.StepType
	// Config replaces the payload. Its type must match the step's type after
	// any re-type.
	Config        models.StepConfig
	Permissions   *[]models.PermissionAssignment
	FinalStep     *bool
	ActionLabels  *models.ActionLabels
	Notifications *models.StepNotifications
}

// UpdateStep merges u into the step with id u.ID.
func (s *EditSession) UpdateStep(u StepUpdate) (models.EvaluationStep, error) {
	if err := s.writable(); err != nil {
		return models.EvaluationStep{}, err
	}
	i := s.working.StepIndex(u.ID)
	if i < 0 {
		return models.EvaluationStep{}, errs.Invariant("unknown step").WithStep(u.ID).WithWorkflow(s.working.ID)
	}
	step := s.working.Evaluations[i].Clone()

	if u.Type != nil && *u.Type != step.Type() {
		cfg, err := models.NewStepConfig(*u.Type)
		if err != nil {
			return models.EvaluationStep{}, err.(*errs.Error).WithStep(u.ID)
		}
		step.Config = cfg
	}
	if u.Config != nil {
		if step.Config != nil && u.Config.Type() != step.Type() {
			return models.EvaluationStep{}, errs.Invariant("config type %s does not match step type %s", u.Config.Type(), step.Type()).WithStep(u.ID)
		}
		step.Config = u.Config
		step = step.Clone()
	}
	if u.Title != nil {
		step.Title = *u.Title
	}
	if u.Permissions != nil {
		step.Permissions = (*u.Permissions)
		step = step.Clone()
	}
	if u.FinalStep != nil {
		step.FinalStep = *u.FinalStep
	}
	if u.ActionLabels != nil {
		labels := *u.ActionLabels
		step.ActionLabels = &labels
	}
	if u.Notifications != nil {
		step.Notifications = *u.Notifications
	}

	s.working.Evaluations[i] = step
	s.touch()
	return step.Clone(), nil
}

// DeleteStep removes a step. No remaining step is flagged final; callers set
// FinalStep explicitly when they want a terminal step.
func (s *EditSession) DeleteStep(stepID string) error {
	if err := s.writable(); err != nil {
		return err
	}
	i := s.working.StepIndex(stepID)
	if i < 0 {
		return errs.Invariant("unknown step").WithStep(stepID).WithWorkflow(s.working.ID)
	}
	s.working.Evaluations = append(s.working.Evaluations[:i], s.working.Evaluations[i+1:]...)
	s.touch()
	return nil
}

// DuplicateStep inserts a copy of a step right after it, under a fresh id.
func (s *EditSession) DuplicateStep(stepID string) (models.EvaluationStep, error) {
	if err := s.writable(); err != nil {
		return models.EvaluationStep{}, err
	}
	i := s.working.StepIndex(stepID)
	if i < 0 {
		return models.EvaluationStep{}, errs.Invariant("unknown step").WithStep(stepID).WithWorkflow(s.working.ID)
	}
	dup := s.working.Evaluations[i].Clone()
	dup.ID = s.m.newID()
	s.insert(i+1, dup)
	s.touch()
	return dup.Clone(), nil
}

// ReorderSteps moves a step next to target within the working copy.
func (s *EditSession) ReorderSteps(movedStepID, targetStepID string) error {
	out, err := s.m.ReorderSteps(s.working, movedStepID, targetStepID)
	if err != nil {
		return err
	}
	s.working = out
	s.dirty = true
	return nil
}

// AddCriterion appends a criterion to a rubric step. An empty id is generated
// and the type defaults to range.
func (s *EditSession) AddCriterion(stepID string, c models.RubricCriterion) (models.RubricCriterion, error) {
	i, cfg, err := s.rubricStep(stepID)
	if err != nil {
		return models.RubricCriterion{}, err
	}
	if c.ID == "" {
		c.ID = s.m.newID()
	}
	if c.Type == "" {
		c.Type = models.CriterionTypeRange
	}
	if c.Type != models.CriterionTypeRange {
		e := errs.Invariant("unsupported criterion type %q", c.Type).WithStep(stepID)
		e.CriterionID = c.ID
		return models.RubricCriterion{}, e
	}
	if err := c.Validate(); err != nil {
		return models.RubricCriterion{}, err.(*errs.Error).WithStep(stepID)
	}
	if _, exists := cfg.Criterion(c.ID); exists {
		e := errs.Invariant("duplicate criterion id").WithStep(stepID)
		e.CriterionID = c.ID
		return models.RubricCriterion{}, e
	}
	cfg.Criteria = append(append([]models.RubricCriterion(nil), cfg.Criteria...), c)
	s.working.Evaluations[i].Config = cfg
	s.touch()
	return c, nil
}

// RemoveCriterion detaches a criterion from a rubric step.
func (s *EditSession) RemoveCriterion(stepID, criterionID string) error {
	i, cfg, err := s.rubricStep(stepID)
	if err != nil {
		return err
	}
	kept := make([]models.RubricCriterion, 0, len(cfg.Criteria))
	for _, c := range cfg.Criteria {
		if c.ID != criterionID {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(cfg.Criteria) {
		e := errs.Invariant("unknown criterion").WithStep(stepID)
		e.CriterionID = criterionID
		return e
	}
	cfg.Criteria = kept
	s.working.Evaluations[i].Config = cfg
	s.touch()
	return nil
}

func (s *EditSession) rubricStep(stepID string) (int, models.RubricConfig, error) {
	if err := s.writable(); err != nil {
		return 0, models.RubricConfig{}, err
	}
	i := s.working.StepIndex(stepID)
	if i < 0 {
		return 0, models.RubricConfig{}, errs.Invariant("unknown step").WithStep(stepID).WithWorkflow(s.working.ID)
	}
	cfg, ok := s.working.Evaluations[i].Config.(models.RubricConfig)
	if !ok {
		return 0, models.RubricConfig{}, errs.Invariant("criteria belong to rubric steps only").WithStep(stepID)
	}
	return i, cfg, nil
}

// Replace swaps the whole editable content of the working copy for that of
// tpl. Identity, tenant, index and archive state are kept.
func (s *EditSession) Replace(tpl models.WorkflowTemplate) error {
	if err := s.writable(); err != nil {
		return err
	}
	c := tpl.Clone()
	s.working.Title = c.Title
	s.working.PrivateEvaluations = c.PrivateEvaluations
	s.working.DraftReminder = c.DraftReminder
	s.working.Evaluations = c.Evaluations
	if s.working.Evaluations == nil {
		s.working.Evaluations = []models.EvaluationStep{}
	}
	s.touch()
	return nil
}

// Commit validates the working copy and returns the template to persist.
// The caller saves it conditionally on BaseVersion and reports the stored
// result back through Saved.
func (s *EditSession) Commit() (models.WorkflowTemplate, error) {
	if err := s.writable(); err != nil {
		return models.WorkflowTemplate{}, err
	}
	if err := ValidateForSave(s.working); err != nil {
		return models.WorkflowTemplate{}, err
	}
	out := s.working.Clone()
	out.Version = s.BaseVersion()
	return out, nil
}

// Saved records tpl as the new persisted baseline.
func (s *EditSession) Saved(tpl models.WorkflowTemplate) {
	base := tpl.Clone()
	s.persisted = &base
	s.working = tpl.Clone()
	s.dirty = false
}

// Discard drops uncommitted edits. It returns the last persisted template,
// or false when the template was never persisted and should be removed.
func (s *EditSession) Discard() (models.WorkflowTemplate, bool) {
	s.dirty = false
	if s.persisted == nil {
		return models.WorkflowTemplate{}, false
	}
	s.working = s.persisted.Clone()
	return s.persisted.Clone(), true
}

// ValidateForSave checks what a persisted template must satisfy: a title, at
// least one step, unique step ids and valid steps.
func ValidateForSave(tpl models.WorkflowTemplate) error {
	if tpl.Title == "" {
		return errs.Invariant("workflow title is required").WithWorkflow(tpl.ID)
	}
	if len(tpl.Evaluations) == 0 {
		return errs.Invariant("workflow needs at least one step").WithWorkflow(tpl.ID)
	}
	seen := make(map[string]bool, len(tpl.Evaluations))
	for _, step := range tpl.Evaluations {
		if seen[step.ID] {
			return errs.Invariant("duplicate step id").WithStep(step.ID).WithWorkflow(tpl.ID)
		}
		seen[step.ID] = true
		if err := step.Validate(); err != nil {
			if e, ok := err.(*errs.Error); ok {
				return e.WithWorkflow(tpl.ID)
			}
			return err
		}
	}
	return nil
}
