package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"proposal-workflows/internal/evaluation"
	"proposal-workflows/pkg/models"
)

type bindRequest struct {
	WorkflowID string   `json:"workflow_id"`
	ProposalID string   `json:"proposal_id"`
	Authors    []string `json:"authors"`
}

type answerInput struct {
	CriterionID string  `json:"criterion_id"`
	Response    float64 `json:"response"`
	Comment     string  `json:"comment"`
}

type answersRequest struct {
	Version *int64        `json:"version"`
	Answers []answerInput `json:"answers"`
}

type decisionRequest struct {
	Version       *int64         `json:"version"`
	Outcome       models.Outcome `json:"outcome"`
	DeclineReason string         `json:"decline_reason"`
}

type voteRequest struct {
	Version *int64   `json:"version"`
	Choices []string `json:"choices"`
}

type advanceRequest struct {
	Version *int64         `json:"version"`
	Outcome models.Outcome `json:"outcome"`
}

type declineRequest struct {
	Version *int64 `json:"version"`
	Reason  string `json:"reason"`
}

// TransitionResponse is returned by every proposal mutation.
type TransitionResponse struct {
	State    models.ProposalEvaluationState `json:"state"`
	Events   []models.Event                 `json:"events"`
	Result   *models.StepResult             `json:"result,omitempty"`
	Accepted []models.RubricAnswer          `json:"accepted,omitempty"`
}

// CapabilitiesResponse lists what the caller may do on the current step.
type CapabilitiesResponse struct {
	ProposalID   string               `json:"proposal_id"`
	StepID       string               `json:"step_id,omitempty"`
	Capabilities models.CapabilitySet `json:"capabilities"`
}

// ListProposals (GET /api/v1/proposals?workflow_id=)
func (s *Server) ListProposals(c echo.Context) error {
	tenantID, actor, err := identity(c)
	if err != nil {
		return err
	}
	out, err := s.Proposals.List(c.Request().Context(), tenantID, c.QueryParam("workflow_id"), actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

// BindProposal attaches a proposal to a workflow template
// (POST /api/v1/proposals)
func (s *Server) BindProposal(c echo.Context) error {
	tenantID, actor, err := identity(c)
	if err != nil {
		return err
	}
	var req bindRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	tr, err := s.Proposals.Bind(c.Request().Context(), tenantID, req.WorkflowID, req.ProposalID, req.Authors)
	if err != nil {
		return err
	}
	return transition(c, http.StatusCreated, s.Proposals.Redact(tr, actor))
}

// GetProposal returns the proposal with the detail the caller may see
// (GET /api/v1/proposals/:id)
func (s *Server) GetProposal(c echo.Context) error {
	tenantID, actor, err := identity(c)
	if err != nil {
		return err
	}
	state, err := s.Proposals.View(c.Request().Context(), tenantID, c.Param("id"), actor)
	if err != nil {
		return err
	}
	setETag(c, state.Version)
	return c.JSON(http.StatusOK, state)
}

// GetCapabilities (GET /api/v1/proposals/:id/capabilities)
func (s *Server) GetCapabilities(c echo.Context) error {
	tenantID, actor, err := identity(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	state, err := s.Proposals.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}
	caps, err := s.Proposals.Capabilities(ctx, tenantID, state.ProposalID, actor)
	if err != nil {
		return err
	}
	resp := CapabilitiesResponse{ProposalID: state.ProposalID, Capabilities: caps}
	if step, ok := state.CurrentStep(); ok {
		resp.StepID = step.ID
	}
	setETag(c, state.Version)
	return c.JSON(http.StatusOK, resp)
}

// SubmitRubricAnswers (POST /api/v1/proposals/:id/answers)
func (s *Server) SubmitRubricAnswers(c echo.Context) error {
	var req answersRequest
	return s.mutate(c, &req, func(tenantID, id string, expected int64, actor models.Actor) (*evaluation.Transition, error) {
		answers := make([]models.RubricAnswer, len(req.Answers))
		for i, a := range req.Answers {
			answers[i] = models.RubricAnswer{CriterionID: a.CriterionID, Response: a.Response, Comment: a.Comment}
		}
		return s.Proposals.SubmitRubricAnswers(c.Request().Context(), tenantID, id, expected, actor, answers)
	}, func() *int64 { return req.Version })
}

// SubmitDecision (POST /api/v1/proposals/:id/decisions)
func (s *Server) SubmitDecision(c echo.Context) error {
	var req decisionRequest
	return s.mutate(c, &req, func(tenantID, id string, expected int64, actor models.Actor) (*evaluation.Transition, error) {
		return s.Proposals.SubmitDecision(c.Request().Context(), tenantID, id, expected, actor, req.Outcome, req.DeclineReason)
	}, func() *int64 { return req.Version })
}

// CastVote (POST /api/v1/proposals/:id/votes)
func (s *Server) CastVote(c echo.Context) error {
	var req voteRequest
	return s.mutate(c, &req, func(tenantID, id string, expected int64, actor models.Actor) (*evaluation.Transition, error) {
		return s.Proposals.CastVote(c.Request().Context(), tenantID, id, expected, actor, req.Choices)
	}, func() *int64 { return req.Version })
}

// Advance (POST /api/v1/proposals/:id/advance)
func (s *Server) Advance(c echo.Context) error {
	var req advanceRequest
	return s.mutate(c, &req, func(tenantID, id string, expected int64, actor models.Actor) (*evaluation.Transition, error) {
		return s.Proposals.Advance(c.Request().Context(), tenantID, id, expected, actor, req.Outcome)
	}, func() *int64 { return req.Version })
}

// Retreat (POST /api/v1/proposals/:id/retreat)
func (s *Server) Retreat(c echo.Context) error {
	var req versionRequest
	return s.mutate(c, &req, func(tenantID, id string, expected int64, actor models.Actor) (*evaluation.Transition, error) {
		return s.Proposals.Retreat(c.Request().Context(), tenantID, id, expected, actor)
	}, func() *int64 { return req.Version })
}

// Decline (POST /api/v1/proposals/:id/decline)
func (s *Server) Decline(c echo.Context) error {
	var req declineRequest
	return s.mutate(c, &req, func(tenantID, id string, expected int64, actor models.Actor) (*evaluation.Transition, error) {
		return s.Proposals.Decline(c.Request().Context(), tenantID, id, expected, actor, req.Reason)
	}, func() *int64 { return req.Version })
}

// OpenAppeal (POST /api/v1/proposals/:id/appeal)
func (s *Server) OpenAppeal(c echo.Context) error {
	var req versionRequest
	return s.mutate(c, &req, func(tenantID, id string, expected int64, actor models.Actor) (*evaluation.Transition, error) {
		return s.Proposals.OpenAppeal(c.Request().Context(), tenantID, id, expected, actor)
	}, func() *int64 { return req.Version })
}

// ArchiveProposal (POST /api/v1/proposals/:id/archive)
func (s *Server) ArchiveProposal(c echo.Context) error {
	var req versionRequest
	return s.mutate(c, &req, func(tenantID, id string, expected int64, actor models.Actor) (*evaluation.Transition, error) {
		return s.Proposals.Archive(c.Request().Context(), tenantID, id, expected, actor)
	}, func() *int64 { return req.Version })
}

// UnarchiveProposal (POST /api/v1/proposals/:id/unarchive)
func (s *Server) UnarchiveProposal(c echo.Context) error {
	var req versionRequest
	return s.mutate(c, &req, func(tenantID, id string, expected int64, actor models.Actor) (*evaluation.Transition, error) {
		return s.Proposals.Unarchive(c.Request().Context(), tenantID, id, expected, actor)
	}, func() *int64 { return req.Version })
}

// mutate binds req, resolves the caller and freshness token, then runs op.
// version is read after binding.
func (s *Server) mutate(c echo.Context, req interface{},
	op func(tenantID, proposalID string, expected int64, actor models.Actor) (*evaluation.Transition, error),
	version func() *int64) error {
	tenantID, actor, err := identity(c)
	if err != nil {
		return err
	}
	if err := bind(c, req); err != nil {
		return err
	}
	expected, err := expectedVersion(c, version())
	if err != nil {
		return err
	}
	tr, err := op(tenantID, c.Param("id"), expected, actor)
	if err != nil {
		return err
	}
	return transition(c, http.StatusOK, s.Proposals.Redact(tr, actor))
}

func transition(c echo.Context, status int, tr *evaluation.Transition) error {
	events := tr.Events
	if events == nil {
		events = []models.Event{}
	}
	setETag(c, tr.State.Version)
	return c.JSON(status, TransitionResponse{
		State:    tr.State,
		Events:   events,
		Result:   tr.Result,
		Accepted: tr.Accepted,
	})
}
