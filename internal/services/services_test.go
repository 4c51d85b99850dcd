package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"proposal-workflows/internal/evaluation"
	"proposal-workflows/internal/logging"
	"proposal-workflows/internal/permissions"
	"proposal-workflows/internal/repository"
	"proposal-workflows/internal/services"
	"proposal-workflows/internal/telemetry"
	"proposal-workflows/internal/workflows"
	"proposal-workflows/pkg/errs"
	"proposal-workflows/pkg/models"
)

const tenant = "space-1"

var (
	author   = models.Actor{UserID: "author-1"}
	chair    = models.Actor{UserID: "chair", RoleIDs: []string{"chair"}}
	reviewer = func(id string) models.Actor { return models.Actor{UserID: id, RoleIDs: []string{"reviewers"}} }
)

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, events []models.Event) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}

// racingRepo loses every proposal save to a concurrent writer.
type racingRepo struct {
	*repository.MemoryStore
	mock.Mock
}

func (r *racingRepo) UpdateProposal(ctx context.Context, state *models.ProposalEvaluationState) error {
	args := r.Called(ctx, state)
	return args.Error(0)
}

func steps() []models.EvaluationStep {
	perms := []models.PermissionAssignment{
		{Assignee: models.Assignee{Group: models.AssigneeRole, ID: "chair"}, Operations: []models.Capability{models.CapMoveForward, models.CapMoveBackward}},
		{Assignee: models.Assignee{Group: models.AssigneeRole, ID: "reviewers"}, Operations: []models.Capability{models.CapEvaluate, models.CapView}},
	}
	return []models.EvaluationStep{
		{ID: "screen", Title: "Screen", Permissions: perms, Config: models.PassFailConfig{Review: models.ReviewSettings{RequiredReviews: 1}}},
		{ID: "score", Title: "Score", Permissions: perms, Config: models.RubricConfig{
			Review:   models.ReviewSettings{RequiredReviews: 1},
			Criteria: []models.RubricCriterion{{ID: "impact", Type: models.CriterionTypeRange, Parameters: models.RangeParameters{Min: 0, Max: 10}}},
		}},
	}
}

func newServices(t *testing.T, repo repository.Repository, d *MockDispatcher) (*services.WorkflowService, *services.ProposalService) {
	t.Helper()
	resolver, err := permissions.NewResolver()
	require.NoError(t, err)
	metrics, err := telemetry.New()
	require.NoError(t, err)
	logger := logging.NewNop()
	ws := services.NewWorkflowService(repo, workflows.NewManager(), metrics, logger)
	ps := services.NewProposalService(repo, evaluation.NewMachine(resolver), d, metrics, logger)
	return ws, ps
}

// seed creates a saved two-step template.
func seed(t *testing.T, ws *services.WorkflowService) *models.WorkflowTemplate {
	t.Helper()
	ctx := context.Background()
	tpl, err := ws.Create(ctx, tenant, models.WorkflowTemplate{Title: "Grants"})
	require.NoError(t, err)
	tpl.Evaluations = steps()
	saved, err := ws.Save(ctx, tenant, *tpl, tpl.Version)
	require.NoError(t, err)
	return saved
}

func TestWorkflowService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	ws, _ := newServices(t, repository.NewMemoryStore(), new(MockDispatcher))

	first := seed(t, ws)
	assert.Equal(t, int64(2), first.Version)

	dup, err := ws.Duplicate(ctx, tenant, first.ID, workflows.DuplicateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Grants"+workflows.CopySuffix, dup.Title)
	assert.Equal(t, []string{"screen", "score"}, dup.StepIDs())

	roster, err := ws.List(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, dup.ID, roster[0].ID)

	archived, err := ws.Archive(ctx, tenant, first.ID, first.Version)
	require.NoError(t, err)
	assert.True(t, archived.Archived)

	_, err = ws.ReorderSteps(ctx, tenant, first.ID, archived.Version, "screen", "score")
	assert.ErrorIs(t, err, errs.ErrReadOnlyViolation)

	// dup is now the only active template
	err = ws.Delete(ctx, tenant, dup.ID, dup.Version)
	assert.ErrorIs(t, err, errs.ErrInvariantViolation)
	_, err = ws.Archive(ctx, tenant, dup.ID, dup.Version)
	assert.ErrorIs(t, err, errs.ErrInvariantViolation)

	require.NoError(t, ws.Delete(ctx, tenant, first.ID, archived.Version))
	_, err = ws.Get(ctx, tenant, first.ID)
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestWorkflowService_SaveRejectsStaleAndInvalid(t *testing.T) {
	ctx := context.Background()
	ws, _ := newServices(t, repository.NewMemoryStore(), new(MockDispatcher))
	tpl := seed(t, ws)

	edit := *tpl
	edit.Title = "Renamed"
	_, err := ws.Save(ctx, tenant, edit, tpl.Version-1)
	assert.ErrorIs(t, err, errs.ErrStaleState)

	edit.Title = ""
	_, err = ws.Save(ctx, tenant, edit, tpl.Version)
	assert.ErrorIs(t, err, errs.ErrInvariantViolation)

	reordered, err := ws.ReorderSteps(ctx, tenant, tpl.ID, tpl.Version, "screen", "score")
	require.NoError(t, err)
	assert.Equal(t, []string{"score", "screen"}, reordered.StepIDs())
	assert.Equal(t, tpl.Version+1, reordered.Version)
}

func TestWorkflowService_CreateRequiresTitle(t *testing.T) {
	ctx := context.Background()
	ws, _ := newServices(t, repository.NewMemoryStore(), new(MockDispatcher))
	tpl := seed(t, ws)

	_, err := ws.Create(ctx, tenant, models.WorkflowTemplate{Title: "  "})
	assert.ErrorIs(t, err, errs.ErrInvariantViolation)

	draft, err := ws.Create(ctx, tenant, models.WorkflowTemplate{Title: "Draft"})
	require.NoError(t, err)
	assert.False(t, draft.Active())

	// a step-less draft does not stand in for the last active template
	_, err = ws.Archive(ctx, tenant, tpl.ID, tpl.Version)
	assert.ErrorIs(t, err, errs.ErrInvariantViolation)
	err = ws.Delete(ctx, tenant, tpl.ID, tpl.Version)
	assert.ErrorIs(t, err, errs.ErrInvariantViolation)

	require.NoError(t, ws.Delete(ctx, tenant, draft.ID, draft.Version))
}

func TestWorkflowService_ConcurrentArchivesKeepOneActive(t *testing.T) {
	ctx := context.Background()
	ws, _ := newServices(t, repository.NewMemoryStore(), new(MockDispatcher))
	first := seed(t, ws)
	second, err := ws.Duplicate(ctx, tenant, first.ID, workflows.DuplicateOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, tpl := range []*models.WorkflowTemplate{first, second} {
		wg.Add(1)
		go func(i int, id string, version int64) {
			defer wg.Done()
			_, results[i] = ws.Archive(ctx, tenant, id, version)
		}(i, tpl.ID, tpl.Version)
	}
	wg.Wait()

	failed := 0
	for _, err := range results {
		if err != nil {
			assert.ErrorIs(t, err, errs.ErrInvariantViolation)
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	roster, err := ws.List(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, workflows.ActiveCount(roster))
}

func TestWorkflowService_EditAddsStep(t *testing.T) {
	ctx := context.Background()
	ws, _ := newServices(t, repository.NewMemoryStore(), new(MockDispatcher))
	tpl := seed(t, ws)

	var added models.EvaluationStep
	saved, err := ws.Edit(ctx, tenant, tpl.ID, tpl.Version, func(s *workflows.EditSession) error {
		var err error
		added, err = s.AddStep("score")
		return err
	})
	require.NoError(t, err)
	require.Len(t, saved.Evaluations, 3)
	assert.Equal(t, added.ID, saved.Evaluations[2].ID)
	assert.Equal(t, models.StepRubric, saved.Evaluations[2].Type())
}

func TestProposalService_RunsToCompletion(t *testing.T) {
	ctx := context.Background()
	d := new(MockDispatcher)
	d.On("Dispatch", mock.Anything, mock.Anything).Return(nil)
	ws, ps := newServices(t, repository.NewMemoryStore(), d)
	tpl := seed(t, ws)

	tr, err := ps.Bind(ctx, tenant, tpl.ID, "prop-1", []string{author.UserID})
	require.NoError(t, err)
	v := tr.State.Version

	_, err = ps.Advance(ctx, tenant, "prop-1", v, chair, "")
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindIncompleteStep, e.Kind)
	assert.Equal(t, 1, e.Required)
	assert.Equal(t, 0, e.Actual)

	tr, err = ps.SubmitDecision(ctx, tenant, "prop-1", v, reviewer("r1"), models.OutcomePass, "")
	require.NoError(t, err)
	tr, err = ps.Advance(ctx, tenant, "prop-1", tr.State.Version, chair, "")
	require.NoError(t, err)
	assert.Equal(t, 1, tr.State.CurrentStepIndex)

	tr, err = ps.SubmitRubricAnswers(ctx, tenant, "prop-1", tr.State.Version, reviewer("r1"),
		[]models.RubricAnswer{{CriterionID: "impact", Response: 7}})
	require.NoError(t, err)
	require.Len(t, tr.Accepted, 1)

	tr, err = ps.Advance(ctx, tenant, "prop-1", tr.State.Version, chair, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, tr.State.Status)

	stored, err := ps.Get(ctx, tenant, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, tr.State.Version, stored.Version)
	require.NotNil(t, stored.Results[1])
	require.Len(t, stored.Results[1].Rubric, 1)

	// bind, advance, advance each emitted events
	d.AssertNumberOfCalls(t, "Dispatch", 3)

	caps, err := ps.Capabilities(ctx, tenant, "prop-1", chair)
	require.NoError(t, err)
	assert.True(t, caps.Empty())
}

func TestProposalService_ConcurrentWritersOneWins(t *testing.T) {
	ctx := context.Background()
	d := new(MockDispatcher)
	d.On("Dispatch", mock.Anything, mock.Anything).Return(nil)
	ws, ps := newServices(t, repository.NewMemoryStore(), d)
	tpl := seed(t, ws)

	tr, err := ps.Bind(ctx, tenant, tpl.ID, "prop-1", nil)
	require.NoError(t, err)
	v := tr.State.Version

	_, err = ps.SubmitDecision(ctx, tenant, "prop-1", v, reviewer("r1"), models.OutcomePass, "")
	require.NoError(t, err)
	_, err = ps.SubmitDecision(ctx, tenant, "prop-1", v, reviewer("r2"), models.OutcomeFail, "")
	assert.ErrorIs(t, err, errs.ErrStaleState)
}

func TestProposalService_LostSaveDispatchesNothing(t *testing.T) {
	ctx := context.Background()
	d := new(MockDispatcher)
	d.On("Dispatch", mock.Anything, mock.Anything).Return(nil)
	repo := &racingRepo{MemoryStore: repository.NewMemoryStore()}
	repo.On("UpdateProposal", mock.Anything, mock.Anything).Return(errs.Stale(1, 2))
	ws, ps := newServices(t, repo, d)
	tpl := seed(t, ws)

	tr, err := ps.Bind(ctx, tenant, tpl.ID, "prop-1", nil)
	require.NoError(t, err)
	d.AssertNumberOfCalls(t, "Dispatch", 1)

	_, err = ps.SubmitDecision(ctx, tenant, "prop-1", tr.State.Version, reviewer("r1"), models.OutcomePass, "")
	assert.ErrorIs(t, err, errs.ErrStaleState)
	d.AssertNumberOfCalls(t, "Dispatch", 1)
	repo.AssertExpectations(t)
}

func TestProposalService_DispatchFailureDoesNotFailCommit(t *testing.T) {
	ctx := context.Background()
	d := new(MockDispatcher)
	d.On("Dispatch", mock.Anything, mock.Anything).Return(errors.New("broker down"))
	ws, ps := newServices(t, repository.NewMemoryStore(), d)
	tpl := seed(t, ws)

	tr, err := ps.Bind(ctx, tenant, tpl.ID, "prop-1", nil)
	require.NoError(t, err)

	stored, err := ps.Get(ctx, tenant, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, tr.State.Version, stored.Version)
}

func TestProposalService_NotFound(t *testing.T) {
	_, ps := newServices(t, repository.NewMemoryStore(), new(MockDispatcher))
	_, err := ps.Advance(context.Background(), tenant, "missing", 1, chair, "")
	assert.ErrorIs(t, err, services.ErrNotFound)

	_, err = ps.Bind(context.Background(), tenant, "missing", "prop-1", nil)
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestWorkflowService_ImportSkipsExistingTitles(t *testing.T) {
	ctx := context.Background()
	ws, _ := newServices(t, repository.NewMemoryStore(), new(MockDispatcher))
	seed(t, ws)

	stored, err := ws.Import(ctx, tenant, []models.WorkflowTemplate{
		{Title: "Grants", Evaluations: steps()},
		{Title: "Fellowships", Evaluations: steps()},
	})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Fellowships", stored[0].Title)
	assert.Equal(t, int64(1), stored[0].Version)

	roster, err := ws.List(ctx, tenant)
	require.NoError(t, err)
	assert.Len(t, roster, 2)
	assert.Equal(t, "Fellowships", roster[0].Title)

	_, err = ws.Import(ctx, tenant, []models.WorkflowTemplate{{Title: "Empty"}})
	assert.ErrorIs(t, err, errs.ErrInvariantViolation)
}
