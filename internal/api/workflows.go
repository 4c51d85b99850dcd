package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"proposal-workflows/internal/workflows"
	"proposal-workflows/pkg/errs"
	"proposal-workflows/pkg/models"
)

type createWorkflowRequest struct {
	Title              string `json:"title"`
	PrivateEvaluations bool   `json:"private_evaluations"`
	DraftReminder      bool   `json:"draft_reminder"`
}

type versionRequest struct {
	Version *int64 `json:"version"`
}

type duplicateRequest struct {
	FreshStepIDs bool `json:"fresh_step_ids"`
}

type addStepRequest struct {
	Version     *int64 `json:"version"`
	AfterStepID string `json:"after_step_id"`
}

type reorderRequest struct {
	Version      *int64 `json:"version"`
	MovedStepID  string `json:"moved_step_id"`
	TargetStepID string `json:"target_step_id"`
}

type stepPatchRequest struct {
	Version       *int64                         `json:"version"`
	Title         *string                        `json:"title"`
	Type          *models.StepType               `json:"type"`
	Config        json.RawMessage                `json:"config"`
	Permissions   *[]models.PermissionAssignment `json:"permissions"`
	FinalStep     *bool                          `json:"final_step"`
	ActionLabels  *models.ActionLabels           `json:"action_labels"`
	Notifications *models.StepNotifications      `json:"notifications"`
}

type criterionRequest struct {
	Version   *int64                 `json:"version"`
	Criterion models.RubricCriterion `json:"criterion"`
}

// ListWorkflows returns the tenant's templates in roster order
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	roster, err := s.Workflows.List(c.Request().Context(), tenantID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, roster)
}

// CreateWorkflow stores a new empty template
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	var req createWorkflowRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	tpl, err := s.Workflows.Create(c.Request().Context(), tenantID, models.WorkflowTemplate{
		Title:              req.Title,
		PrivateEvaluations: req.PrivateEvaluations,
		DraftReminder:      req.DraftReminder,
	})
	if err != nil {
		return err
	}
	return s.template(c, http.StatusCreated, tpl)
}

// ImportWorkflows stores the templates of a YAML or JSON document
// (POST /api/v1/workflows/import)
func (s *Server) ImportWorkflows(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	tpls, err := s.Importer.Read(c.Request().Body)
	if err != nil {
		if errs.KindOf(err) != "" {
			return err
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	stored, err := s.Workflows.Import(c.Request().Context(), tenantID, tpls)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, stored)
}

// GetWorkflow returns one template
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	tpl, err := s.Workflows.Get(c.Request().Context(), tenantID, c.Param("id"))
	if err != nil {
		return err
	}
	return s.template(c, http.StatusOK, tpl)
}

// PutWorkflow replaces a template's title, flags and steps
// (PUT /api/v1/workflows/:id)
func (s *Server) PutWorkflow(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	var tpl models.WorkflowTemplate
	if err := bind(c, &tpl); err != nil {
		return err
	}
	tpl.ID = c.Param("id")
	var bodyVersion *int64
	if tpl.Version != 0 {
		bodyVersion = &tpl.Version
	}
	expected, err := expectedVersion(c, bodyVersion)
	if err != nil {
		return err
	}
	saved, err := s.Workflows.Save(c.Request().Context(), tenantID, tpl, expected)
	if err != nil {
		return err
	}
	return s.template(c, http.StatusOK, saved)
}

// DeleteWorkflow removes a template
// (DELETE /api/v1/workflows/:id)
func (s *Server) DeleteWorkflow(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	var req versionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	expected, err := expectedVersion(c, req.Version)
	if err != nil {
		return err
	}
	if err := s.Workflows.Delete(c.Request().Context(), tenantID, c.Param("id"), expected); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// DuplicateWorkflow stores a copy of a template
// (POST /api/v1/workflows/:id/duplicate)
func (s *Server) DuplicateWorkflow(c echo.Context) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	var req duplicateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	dup, err := s.Workflows.Duplicate(c.Request().Context(), tenantID, c.Param("id"),
		workflows.DuplicateOptions{FreshStepIDs: req.FreshStepIDs})
	if err != nil {
		return err
	}
	return s.template(c, http.StatusCreated, dup)
}

// ArchiveWorkflow (POST /api/v1/workflows/:id/archive)
func (s *Server) ArchiveWorkflow(c echo.Context) error {
	return s.rosterChange(c, s.Workflows.Archive)
}

// UnarchiveWorkflow (POST /api/v1/workflows/:id/unarchive)
func (s *Server) UnarchiveWorkflow(c echo.Context) error {
	return s.rosterChange(c, s.Workflows.Unarchive)
}

func (s *Server) rosterChange(c echo.Context, apply func(ctx context.Context, tenantID, id string, expected int64) (*models.WorkflowTemplate, error)) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	var req versionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	expected, err := expectedVersion(c, req.Version)
	if err != nil {
		return err
	}
	tpl, err := apply(c.Request().Context(), tenantID, c.Param("id"), expected)
	if err != nil {
		return err
	}
	return s.template(c, http.StatusOK, tpl)
}

// AddStep inserts a default step after the given step, or first
// (POST /api/v1/workflows/:id/steps)
func (s *Server) AddStep(c echo.Context) error {
	var req addStepRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return s.edit(c, req.Version, func(es *workflows.EditSession) error {
		_, err := es.AddStep(req.AfterStepID)
		return err
	})
}

// ReorderSteps (POST /api/v1/workflows/:id/steps/reorder)
func (s *Server) ReorderSteps(c echo.Context) error {
	var req reorderRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return s.edit(c, req.Version, func(es *workflows.EditSession) error {
		return es.ReorderSteps(req.MovedStepID, req.TargetStepID)
	})
}

// UpdateStep merges the given fields into one step
// (PATCH /api/v1/workflows/:id/steps/:stepId)
func (s *Server) UpdateStep(c echo.Context) error {
	var req stepPatchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	stepID := c.Param("stepId")
	return s.edit(c, req.Version, func(es *workflows.EditSession) error {
		u := workflows.StepUpdate{
			ID:            stepID,
			Title:         req.Title,
			Type:          req.Type,
			Permissions:   req.Permissions,
			FinalStep:     req.FinalStep,
			ActionLabels:  req.ActionLabels,
			Notifications: req.Notifications,
		}
		if len(req.Config) > 0 {
			t := stepType(es.Template(), stepID)
			if req.Type != nil {
				t = *req.Type
			}
			cfg, err := decodeConfig(t, req.Config)
			if err != nil {
				return err
			}
			u.Config = cfg
		}
		_, err := es.UpdateStep(u)
		return err
	})
}

// DeleteStep (DELETE /api/v1/workflows/:id/steps/:stepId)
func (s *Server) DeleteStep(c echo.Context) error {
	var req versionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return s.edit(c, req.Version, func(es *workflows.EditSession) error {
		return es.DeleteStep(c.Param("stepId"))
	})
}

// DuplicateStep (POST /api/v1/workflows/:id/steps/:stepId/duplicate)
func (s *Server) DuplicateStep(c echo.Context) error {
	var req versionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return s.edit(c, req.Version, func(es *workflows.EditSession) error {
		_, err := es.DuplicateStep(c.Param("stepId"))
		return err
	})
}

// AddCriterion (POST /api/v1/workflows/:id/steps/:stepId/criteria)
func (s *Server) AddCriterion(c echo.Context) error {
	var req criterionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return s.edit(c, req.Version, func(es *workflows.EditSession) error {
		_, err := es.AddCriterion(c.Param("stepId"), req.Criterion)
		return err
	})
}

// RemoveCriterion (DELETE /api/v1/workflows/:id/steps/:stepId/criteria/:criterionId)
func (s *Server) RemoveCriterion(c echo.Context) error {
	var req versionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return s.edit(c, req.Version, func(es *workflows.EditSession) error {
		return es.RemoveCriterion(c.Param("stepId"), c.Param("criterionId"))
	})
}

func (s *Server) edit(c echo.Context, bodyVersion *int64, fn func(*workflows.EditSession) error) error {
	tenantID, err := tenant(c)
	if err != nil {
		return err
	}
	expected, err := expectedVersion(c, bodyVersion)
	if err != nil {
		return err
	}
	tpl, err := s.Workflows.Edit(c.Request().Context(), tenantID, c.Param("id"), expected, fn)
	if err != nil {
		return err
	}
	return s.template(c, http.StatusOK, tpl)
}

func (s *Server) template(c echo.Context, status int, tpl *models.WorkflowTemplate) error {
	setETag(c, tpl.Version)
	return c.JSON(status, tpl)
}

func stepType(tpl models.WorkflowTemplate, stepID string) models.StepType {
	if i := tpl.StepIndex(stepID); i >= 0 {
		return tpl.Evaluations[i].Type()
	}
	return ""
}

// decodeConfig decodes a step payload of type t, filling omitted settings
// with the type's defaults.
func decodeConfig(t models.StepType, raw json.RawMessage) (models.StepConfig, error) {
	doc, err := json.Marshal(map[string]interface{}{"type": t, "config": raw})
	if err != nil {
		return nil, err
	}
	var step models.EvaluationStep
	if err := json.Unmarshal(doc, &step); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid step config: "+err.Error())
	}
	return step.Config, nil
}
