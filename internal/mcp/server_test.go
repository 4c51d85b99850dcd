package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proposal-workflows/internal/auth"
	"proposal-workflows/internal/evaluation"
	"proposal-workflows/internal/logging"
	"proposal-workflows/internal/permissions"
	"proposal-workflows/internal/repository"
	"proposal-workflows/internal/services"
	"proposal-workflows/internal/telemetry"
	"proposal-workflows/internal/workflows"
	"proposal-workflows/pkg/models"
)

const tenant = "space-1"

var (
	chair    = models.Actor{UserID: "chair", RoleIDs: []string{"chair"}}
	reviewer = models.Actor{UserID: "r1", RoleIDs: []string{"reviewers"}}
)

func newTestServer(t *testing.T) (*Server, *services.ProposalService) {
	t.Helper()
	repo := repository.NewMemoryStore()
	resolver, err := permissions.NewResolver()
	require.NoError(t, err)
	metrics, err := telemetry.New()
	require.NoError(t, err)
	logger := logging.NewNop()
	ws := services.NewWorkflowService(repo, workflows.NewManager(), metrics, logger)
	ps := services.NewProposalService(repo, evaluation.NewMachine(resolver), nil, metrics, logger)

	ctx := context.Background()
	tpl, err := ws.Create(ctx, tenant, models.WorkflowTemplate{Title: "Grants"})
	require.NoError(t, err)
	perms := []models.PermissionAssignment{
		{Assignee: models.Assignee{Group: models.AssigneeRole, ID: "chair"}, Operations: []models.Capability{models.CapMoveForward, models.CapMoveBackward}},
		{Assignee: models.Assignee{Group: models.AssigneeRole, ID: "reviewers"}, Operations: []models.Capability{models.CapEvaluate, models.CapView}},
	}
	tpl.Evaluations = []models.EvaluationStep{
		{ID: "score", Title: "Score", Permissions: perms, Config: models.RubricConfig{
			Review:   models.ReviewSettings{RequiredReviews: 1},
			Criteria: []models.RubricCriterion{{ID: "impact", Type: models.CriterionTypeRange, Parameters: models.RangeParameters{Min: 0, Max: 10}}},
		}},
		{ID: "decide", Title: "Decide", Permissions: perms, Config: models.FeedbackConfig{}},
	}
	_, err = ws.Save(ctx, tenant, *tpl, tpl.Version)
	require.NoError(t, err)
	_, err = ps.Bind(ctx, tenant, tpl.ID, "prop-1", []string{"author-1"})
	require.NoError(t, err)

	return NewServer(ws, ps), ps
}

func as(actor models.Actor) context.Context {
	return auth.WithActor(auth.WithTenant(context.Background(), tenant), actor)
}

func request(name string, args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestListWorkflows(t *testing.T) {
	s, _ := newTestServer(t)
	res, err := s.handleListWorkflows(as(chair), request("list_workflows", nil))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))

	var roster []models.WorkflowTemplate
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &roster))
	require.Len(t, roster, 1)
	assert.Equal(t, "Grants", roster[0].Title)
}

func TestToolsRequireIdentity(t *testing.T) {
	s, _ := newTestServer(t)
	res, err := s.handleGetProposal(context.Background(), request("get_proposal", map[string]interface{}{"proposal_id": "prop-1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "Unauthenticated")
}

func TestGetProposalIncludesCapabilities(t *testing.T) {
	s, _ := newTestServer(t)
	res, err := s.handleGetProposal(as(reviewer), request("get_proposal", map[string]interface{}{"proposal_id": "prop-1"}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))

	var view proposalView
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &view))
	assert.Equal(t, int64(1), view.State.Version)
	assert.True(t, view.Capabilities.Has(models.CapEvaluate))

	res, err = s.handleGetProposal(as(reviewer), request("get_proposal", map[string]interface{}{"proposal_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "not found")
}

func TestReviewAndMoveThroughTools(t *testing.T) {
	s, ps := newTestServer(t)

	res, err := s.handleAdvance(as(chair), request("advance_proposal", map[string]interface{}{
		"proposal_id": "prop-1", "version": float64(1),
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "incomplete_step")

	res, err = s.handleSubmitRubricAnswers(as(reviewer), request("submit_rubric_answers", map[string]interface{}{
		"proposal_id": "prop-1",
		"version":     float64(1),
		"answers":     []interface{}{map[string]interface{}{"criterion_id": "impact", "response": float64(42)}},
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "out_of_range_answer")

	res, err = s.handleSubmitRubricAnswers(as(reviewer), request("submit_rubric_answers", map[string]interface{}{
		"proposal_id": "prop-1",
		"version":     float64(1),
		"answers":     []interface{}{map[string]interface{}{"criterion_id": "impact", "response": float64(8), "comment": "clear plan"}},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))

	res, err = s.handleAdvance(as(chair), request("advance_proposal", map[string]interface{}{
		"proposal_id": "prop-1", "version": float64(2), "outcome": "pass",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))

	var state models.ProposalEvaluationState
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &state))
	assert.Equal(t, 1, state.CurrentStepIndex)

	res, err = s.handleRetreat(as(chair), request("retreat_proposal", map[string]interface{}{
		"proposal_id": "prop-1", "version": float64(3),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))

	stored, err := ps.Get(context.Background(), tenant, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.CurrentStepIndex)
	assert.Equal(t, int64(4), stored.Version)
}

func TestTransitionArgumentValidation(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleRetreat(as(chair), request("retreat_proposal", map[string]interface{}{"proposal_id": "prop-1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "version")

	res, err = s.handleSubmitRubricAnswers(as(reviewer), request("submit_rubric_answers", map[string]interface{}{
		"proposal_id": "prop-1", "version": float64(1), "answers": []interface{}{"impact"},
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleAdvance(as(chair), request("advance_proposal", map[string]interface{}{
		"proposal_id": "prop-1", "version": float64(9),
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "stale_state")
}
