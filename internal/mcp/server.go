package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"proposal-workflows/internal/auth"
	"proposal-workflows/internal/services"
	"proposal-workflows/pkg/errs"
	"proposal-workflows/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	workflows *services.WorkflowService
	proposals *services.ProposalService
}

func NewServer(ws *services.WorkflowService, ps *services.ProposalService) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Proposal Workflows",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		workflows: ws,
		proposals: ps,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_workflows",
			mcp.WithDescription("List the workflow templates of the caller's space in roster order"),
		),
		s.handleListWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_proposal",
			mcp.WithDescription("Get a proposal's evaluation state and the caller's capabilities on its current step"),
			mcp.WithString("proposal_id", mcp.Required(), mcp.Description("The ID of the proposal")),
		),
		s.handleGetProposal,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"submit_rubric_answers",
			mcp.WithDescription("Submit the caller's rubric answers on the proposal's current step"),
			mcp.WithString("proposal_id", mcp.Required(), mcp.Description("The ID of the proposal")),
			mcp.WithNumber("version", mcp.Required(), mcp.Description("The proposal version the answers are based on")),
			mcp.WithArray("answers", mcp.Required(),
				mcp.Description("Answers, one per criterion"),
				mcp.Items(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"criterion_id": map[string]any{"type": "string"},
						"response":     map[string]any{"type": "number"},
						"comment":      map[string]any{"type": "string"},
					},
					"required": []string{"criterion_id", "response"},
				}),
			),
		),
		s.handleSubmitRubricAnswers,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"advance_proposal",
			mcp.WithDescription("Record the current step's result and move the proposal forward"),
			mcp.WithString("proposal_id", mcp.Required(), mcp.Description("The ID of the proposal")),
			mcp.WithNumber("version", mcp.Required(), mcp.Description("The proposal version the move is based on")),
			mcp.WithString("outcome", mcp.Enum("pass", "fail"), mcp.Description("Step outcome; derived when omitted")),
		),
		s.handleAdvance,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"retreat_proposal",
			mcp.WithDescription("Move the proposal back one step"),
			mcp.WithString("proposal_id", mcp.Required(), mcp.Description("The ID of the proposal")),
			mcp.WithNumber("version", mcp.Required(), mcp.Description("The proposal version the move is based on")),
		),
		s.handleRetreat,
	)
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, ok := auth.TenantID(ctx)
	if !ok {
		return mcp.NewToolResultError("Unauthenticated: no tenant in context"), nil
	}
	roster, err := s.workflows.List(ctx, tenantID)
	if err != nil {
		return failure("list workflows", err), nil
	}
	return jsonResult(roster)
}

type proposalView struct {
	State        *models.ProposalEvaluationState `json:"state"`
	Capabilities models.CapabilitySet            `json:"capabilities"`
}

func (s *Server) handleGetProposal(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, actor, res := identity(ctx)
	if res != nil {
		return res, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	id, ok := args["proposal_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: proposal_id"), nil
	}

	state, err := s.proposals.View(ctx, tenantID, id, actor)
	if err != nil {
		return failure("get proposal", err), nil
	}
	caps, err := s.proposals.Capabilities(ctx, tenantID, id, actor)
	if err != nil {
		return failure("get proposal", err), nil
	}
	return jsonResult(proposalView{State: state, Capabilities: caps})
}

func (s *Server) handleSubmitRubricAnswers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, actor, res := identity(ctx)
	if res != nil {
		return res, nil
	}
	args, id, version, res := transitionArgs(request)
	if res != nil {
		return res, nil
	}
	raw, ok := args["answers"].([]interface{})
	if !ok || len(raw) == 0 {
		return mcp.NewToolResultError("Missing required parameter: answers"), nil
	}
	answers := make([]models.RubricAnswer, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("answers[%d] must be an object", i)), nil
		}
		criterionID, _ := m["criterion_id"].(string)
		response, ok := m["response"].(float64)
		if criterionID == "" || !ok {
			return mcp.NewToolResultError(fmt.Sprintf("answers[%d] needs criterion_id and a numeric response", i)), nil
		}
		comment, _ := m["comment"].(string)
		answers = append(answers, models.RubricAnswer{CriterionID: criterionID, Response: response, Comment: comment})
	}

	tr, err := s.proposals.SubmitRubricAnswers(ctx, tenantID, id, version, actor, answers)
	if err != nil {
		return failure("submit answers", err), nil
	}
	return jsonResult(s.proposals.Redact(tr, actor).State)
}

func (s *Server) handleAdvance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, actor, res := identity(ctx)
	if res != nil {
		return res, nil
	}
	args, id, version, res := transitionArgs(request)
	if res != nil {
		return res, nil
	}
	outcome, _ := args["outcome"].(string)

	tr, err := s.proposals.Advance(ctx, tenantID, id, version, actor, models.Outcome(outcome))
	if err != nil {
		return failure("advance", err), nil
	}
	return jsonResult(s.proposals.Redact(tr, actor).State)
}

func (s *Server) handleRetreat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, actor, res := identity(ctx)
	if res != nil {
		return res, nil
	}
	_, id, version, res := transitionArgs(request)
	if res != nil {
		return res, nil
	}

	tr, err := s.proposals.Retreat(ctx, tenantID, id, version, actor)
	if err != nil {
		return failure("retreat", err), nil
	}
	return jsonResult(s.proposals.Redact(tr, actor).State)
}

func identity(ctx context.Context) (string, models.Actor, *mcp.CallToolResult) {
	tenantID, ok := auth.TenantID(ctx)
	if !ok {
		return "", models.Actor{}, mcp.NewToolResultError("Unauthenticated: no tenant in context")
	}
	actor, ok := auth.ActorFrom(ctx)
	if !ok {
		return "", models.Actor{}, mcp.NewToolResultError("Unauthenticated: no actor in context")
	}
	return tenantID, actor, nil
}

// transitionArgs reads the proposal id and freshness token shared by every
// mutating tool.
func transitionArgs(request mcp.CallToolRequest) (map[string]interface{}, string, int64, *mcp.CallToolResult) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, "", 0, mcp.NewToolResultError("Invalid arguments type")
	}
	id, ok := args["proposal_id"].(string)
	if !ok || id == "" {
		return nil, "", 0, mcp.NewToolResultError("Missing required parameter: proposal_id")
	}
	version, ok := args["version"].(float64)
	if !ok {
		return nil, "", 0, mcp.NewToolResultError("Missing required parameter: version")
	}
	return args, id, int64(version), nil
}

// failure renders err for the agent, leading with the engine error kind when
// there is one.
func failure(action string, err error) *mcp.CallToolResult {
	if kind := errs.KindOf(err); kind != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s rejected (%s): %v", action, kind, err))
	}
	if errors.Is(err, services.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: not found", action))
	}
	return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", action, err))
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the SSE transport on mux. Tool calls see the tenant
// and actor that auth.RequireAuth placed on the message request.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if tenantID, ok := auth.TenantID(r.Context()); ok {
				ctx = auth.WithTenant(ctx, tenantID)
			}
			if actor, ok := auth.ActorFrom(r.Context()); ok {
				ctx = auth.WithActor(ctx, actor)
			}
			return ctx
		}),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
