// Package api contains the HTTP handlers for the workflow and proposal
// evaluation REST surface.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"proposal-workflows/internal/auth"
	"proposal-workflows/internal/importer"
	"proposal-workflows/internal/services"
	"proposal-workflows/pkg/errs"
	"proposal-workflows/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Workflows *services.WorkflowService
	Proposals *services.ProposalService
	Importer  *importer.Importer
}

// NewServer creates a new Server.
func NewServer(ws *services.WorkflowService, ps *services.ProposalService, im *importer.Importer) *Server {
	return &Server{Workflows: ws, Proposals: ps, Importer: im}
}

// Register mounts the API routes on g. The group must run behind
// auth.RequireAuth.
func (s *Server) Register(g *echo.Group) {
	g.GET("/workflows", s.ListWorkflows)
	g.GET("/workflows/:id", s.GetWorkflow)

	// template authoring is admin-only
	g.POST("/workflows", s.CreateWorkflow, requireAdmin)
	g.POST("/workflows/import", s.ImportWorkflows, requireAdmin)
	g.PUT("/workflows/:id", s.PutWorkflow, requireAdmin)
	g.DELETE("/workflows/:id", s.DeleteWorkflow, requireAdmin)
	g.POST("/workflows/:id/duplicate", s.DuplicateWorkflow, requireAdmin)
	g.POST("/workflows/:id/archive", s.ArchiveWorkflow, requireAdmin)
	g.POST("/workflows/:id/unarchive", s.UnarchiveWorkflow, requireAdmin)
	g.POST("/workflows/:id/steps", s.AddStep, requireAdmin)
	g.POST("/workflows/:id/steps/reorder", s.ReorderSteps, requireAdmin)
	g.PATCH("/workflows/:id/steps/:stepId", s.UpdateStep, requireAdmin)
	g.DELETE("/workflows/:id/steps/:stepId", s.DeleteStep, requireAdmin)
	g.POST("/workflows/:id/steps/:stepId/duplicate", s.DuplicateStep, requireAdmin)
	g.POST("/workflows/:id/steps/:stepId/criteria", s.AddCriterion, requireAdmin)
	g.DELETE("/workflows/:id/steps/:stepId/criteria/:criterionId", s.RemoveCriterion, requireAdmin)

	g.GET("/proposals", s.ListProposals)
	g.POST("/proposals", s.BindProposal)
	g.GET("/proposals/:id", s.GetProposal)
	g.GET("/proposals/:id/capabilities", s.GetCapabilities)
	g.POST("/proposals/:id/answers", s.SubmitRubricAnswers)
	g.POST("/proposals/:id/decisions", s.SubmitDecision)
	g.POST("/proposals/:id/votes", s.CastVote)
	g.POST("/proposals/:id/advance", s.Advance)
	g.POST("/proposals/:id/retreat", s.Retreat)
	g.POST("/proposals/:id/decline", s.Decline)
	g.POST("/proposals/:id/appeal", s.OpenAppeal)
	g.POST("/proposals/:id/archive", s.ArchiveProposal)
	g.POST("/proposals/:id/unarchive", s.UnarchiveProposal)
}

// requireAdmin rejects callers that are not tenant admins.
func requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, ok := auth.ActorFrom(c.Request().Context())
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "Actor not found in context")
		}
		if !actor.IsAdmin {
			return errs.PermissionDenied("%s may not manage workflows", actor.UserID)
		}
		return next(c)
	}
}

// tenant returns the caller's tenant placed in the context by RequireAuth.
func tenant(c echo.Context) (string, error) {
	tenantID, ok := auth.TenantID(c.Request().Context())
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Tenant ID not found in context")
	}
	return tenantID, nil
}

func identity(c echo.Context) (string, models.Actor, error) {
	tenantID, err := tenant(c)
	if err != nil {
		return "", models.Actor{}, err
	}
	actor, ok := auth.ActorFrom(c.Request().Context())
	if !ok {
		return "", models.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "Actor not found in context")
	}
	return tenantID, actor, nil
}

// expectedVersion reads the caller's freshness token from If-Match, falling
// back to the version carried in the request body.
func expectedVersion(c echo.Context, body *int64) (int64, error) {
	if h := strings.TrimSpace(c.Request().Header.Get("If-Match")); h != "" {
		h = strings.Trim(strings.TrimPrefix(h, "W/"), `"`)
		v, err := strconv.ParseInt(h, 10, 64)
		if err != nil {
			return 0, echo.NewHTTPError(http.StatusBadRequest, "If-Match must carry a version number")
		}
		return v, nil
	}
	if body != nil {
		return *body, nil
	}
	return 0, echo.NewHTTPError(http.StatusPreconditionRequired, "a version is required in If-Match or the request body")
}

func setETag(c echo.Context, version int64) {
	c.Response().Header().Set("ETag", fmt.Sprintf(`"%d"`, version))
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	return nil
}
