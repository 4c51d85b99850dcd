package services

import (
	"context"
	"strings"

	"proposal-workflows/internal/repository"
	"proposal-workflows/internal/telemetry"
	"proposal-workflows/internal/workflows"
	"proposal-workflows/pkg/errs"
	"proposal-workflows/pkg/models"
)

// WorkflowService manages a tenant's workflow templates.
type WorkflowService struct {
	deps
	manager *workflows.Manager
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(repo repository.Repository, manager *workflows.Manager, metrics *telemetry.Metrics, logger Logger) *WorkflowService {
	return &WorkflowService{
		deps:    deps{repo: repo, metrics: metrics, logger: logger},
		manager: manager,
	}
}

// List returns the tenant's templates in roster order.
func (s *WorkflowService) List(ctx context.Context, tenantID string) ([]models.WorkflowTemplate, error) {
	roster, err := s.repo.ListWorkflows(ctx, tenantID)
	if err != nil {
		return nil, s.reject(ctx, "list_workflows", err, "tenant_id", tenantID)
	}
	if roster == nil {
		roster = []models.WorkflowTemplate{}
	}
	return roster, nil
}

// Get returns one template.
func (s *WorkflowService) Get(ctx context.Context, tenantID, id string) (*models.WorkflowTemplate, error) {
	tpl, err := s.repo.GetWorkflow(ctx, tenantID, id)
	if err != nil {
		return nil, s.reject(ctx, "get_workflow", err, "tenant_id", tenantID, "workflow_id", id)
	}
	return tpl, nil
}

// Create stores a new, step-less template at the head of the roster. The
// template does not count as active until a save gives it steps.
func (s *WorkflowService) Create(ctx context.Context, tenantID string, partial models.WorkflowTemplate) (*models.WorkflowTemplate, error) {
	const op = "create_workflow"
	if strings.TrimSpace(partial.Title) == "" {
		return nil, s.reject(ctx, op, errs.Invariant("workflow title is required"), "tenant_id", tenantID)
	}
	roster, err := s.repo.ListWorkflows(ctx, tenantID)
	if err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID)
	}
	tpl := s.manager.Create(roster, tenantID, partial)
	if err := s.repo.CreateWorkflow(ctx, &tpl); err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID)
	}
	s.committed(ctx, op, "tenant_id", tenantID, "workflow_id", tpl.ID)
	return &tpl, nil
}

// Import stores validated templates for the tenant. Templates whose title
// already exists in the roster are skipped; the stored templates are returned.
func (s *WorkflowService) Import(ctx context.Context, tenantID string, tpls []models.WorkflowTemplate) ([]models.WorkflowTemplate, error) {
	const op = "import_workflows"
	roster, err := s.repo.ListWorkflows(ctx, tenantID)
	if err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID)
	}
	existing := make(map[string]bool, len(roster))
	for _, t := range roster {
		existing[t.Title] = true
	}

	stored := []models.WorkflowTemplate{}
	for _, in := range tpls {
		if existing[in.Title] {
			s.logger.Info("skipping existing workflow", "tenant_id", tenantID, "title", in.Title)
			continue
		}
		if err := workflows.ValidateForSave(in); err != nil {
			return stored, s.reject(ctx, op, err, "tenant_id", tenantID, "title", in.Title)
		}
		if in.Archived && workflows.ActiveCount(roster) == 0 {
			err := errs.Invariant("an archived workflow cannot be the tenant's only workflow")
			return stored, s.reject(ctx, op, err, "tenant_id", tenantID, "title", in.Title)
		}
		tpl := s.manager.Create(roster, tenantID, in)
		tpl.Evaluations = in.Clone().Evaluations
		tpl.Archived = in.Archived
		if err := s.repo.CreateWorkflow(ctx, &tpl); err != nil {
			return stored, s.reject(ctx, op, err, "tenant_id", tenantID, "title", in.Title)
		}
		roster = append(roster, tpl)
		existing[tpl.Title] = true
		stored = append(stored, tpl)
		s.committed(ctx, op, "tenant_id", tenantID, "workflow_id", tpl.ID, "title", tpl.Title)
	}
	return stored, nil
}

// Duplicate stores a copy of the template with id.
func (s *WorkflowService) Duplicate(ctx context.Context, tenantID, id string, opts workflows.DuplicateOptions) (*models.WorkflowTemplate, error) {
	const op = "duplicate_workflow"
	roster, err := s.repo.ListWorkflows(ctx, tenantID)
	if err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID)
	}
	source, err := lookup(roster, id)
	if err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID, "workflow_id", id)
	}
	dup := s.manager.Duplicate(roster, source, opts)
	if err := s.repo.CreateWorkflow(ctx, &dup); err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID, "workflow_id", id)
	}
	s.committed(ctx, op, "tenant_id", tenantID, "workflow_id", dup.ID, "source_id", id)
	return &dup, nil
}

// Delete removes a template. The last active template cannot be removed.
func (s *WorkflowService) Delete(ctx context.Context, tenantID, id string, expectedVersion int64) error {
	const op = "delete_workflow"
	roster, err := s.repo.ListWorkflows(ctx, tenantID)
	if err != nil {
		return s.reject(ctx, op, err, "tenant_id", tenantID)
	}
	tpl, err := lookup(roster, id)
	if err != nil {
		return s.reject(ctx, op, err, "tenant_id", tenantID, "workflow_id", id)
	}
	if tpl.Version != expectedVersion {
		return s.reject(ctx, op, errs.Stale(expectedVersion, tpl.Version).WithWorkflow(id), "tenant_id", tenantID)
	}
	if _, err := workflows.Delete(roster, id); err != nil {
		return s.reject(ctx, op, err, "tenant_id", tenantID)
	}
	if err := s.repo.DeleteWorkflow(ctx, tenantID, id, expectedVersion); err != nil {
		return s.reject(ctx, op, err, "tenant_id", tenantID, "workflow_id", id)
	}
	s.committed(ctx, op, "tenant_id", tenantID, "workflow_id", id)
	return nil
}

// Archive hides a template from new bindings and makes it read-only.
func (s *WorkflowService) Archive(ctx context.Context, tenantID, id string, expectedVersion int64) (*models.WorkflowTemplate, error) {
	return s.rosterUpdate(ctx, "archive_workflow", tenantID, id, expectedVersion, s.manager.Archive)
}

// Unarchive makes an archived template editable again.
func (s *WorkflowService) Unarchive(ctx context.Context, tenantID, id string, expectedVersion int64) (*models.WorkflowTemplate, error) {
	return s.rosterUpdate(ctx, "unarchive_workflow", tenantID, id, expectedVersion, s.manager.Unarchive)
}

func (s *WorkflowService) rosterUpdate(ctx context.Context, op, tenantID, id string, expectedVersion int64,
	apply func([]models.WorkflowTemplate, string) (models.WorkflowTemplate, error)) (*models.WorkflowTemplate, error) {
	roster, err := s.repo.ListWorkflows(ctx, tenantID)
	if err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID)
	}
	current, err := lookup(roster, id)
	if err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID, "workflow_id", id)
	}
	if current.Version != expectedVersion {
		return nil, s.reject(ctx, op, errs.Stale(expectedVersion, current.Version).WithWorkflow(id), "tenant_id", tenantID)
	}
	tpl, err := apply(roster, id)
	if err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID)
	}
	if err := s.repo.UpdateWorkflow(ctx, &tpl, expectedVersion); err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID, "workflow_id", id)
	}
	s.committed(ctx, op, "tenant_id", tenantID, "workflow_id", id, "version", tpl.Version)
	return &tpl, nil
}

// ReorderSteps moves a step next to target and saves the template.
func (s *WorkflowService) ReorderSteps(ctx context.Context, tenantID, id string, expectedVersion int64, movedStepID, targetStepID string) (*models.WorkflowTemplate, error) {
	return s.Edit(ctx, tenantID, id, expectedVersion, func(es *workflows.EditSession) error {
		return es.ReorderSteps(movedStepID, targetStepID)
	})
}

// Save replaces the editable content of the template with tpl's.
func (s *WorkflowService) Save(ctx context.Context, tenantID string, tpl models.WorkflowTemplate, expectedVersion int64) (*models.WorkflowTemplate, error) {
	return s.Edit(ctx, tenantID, tpl.ID, expectedVersion, func(es *workflows.EditSession) error {
		return es.Replace(tpl)
	})
}

// Edit opens an edit session on the stored template, applies edit, and saves
// the committed result if the stored version still equals expectedVersion.
func (s *WorkflowService) Edit(ctx context.Context, tenantID, id string, expectedVersion int64, edit func(*workflows.EditSession) error) (*models.WorkflowTemplate, error) {
	const op = "save_workflow"
	current, err := s.repo.GetWorkflow(ctx, tenantID, id)
	if err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID, "workflow_id", id)
	}
	if current.Version != expectedVersion {
		return nil, s.reject(ctx, op, errs.Stale(expectedVersion, current.Version).WithWorkflow(id), "tenant_id", tenantID)
	}
	session := s.manager.Open(*current, true)
	if err := edit(session); err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID, "workflow_id", id)
	}
	tpl, err := session.Commit()
	if err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID, "workflow_id", id)
	}
	if err := s.repo.UpdateWorkflow(ctx, &tpl, expectedVersion); err != nil {
		return nil, s.reject(ctx, op, err, "tenant_id", tenantID, "workflow_id", id)
	}
	session.Saved(tpl)
	s.committed(ctx, op, "tenant_id", tenantID, "workflow_id", id, "version", tpl.Version, "steps", len(tpl.Evaluations))
	return &tpl, nil
}

func lookup(roster []models.WorkflowTemplate, id string) (models.WorkflowTemplate, error) {
	for _, t := range roster {
		if t.ID == id {
			return t, nil
		}
	}
	return models.WorkflowTemplate{}, repository.ErrNotFound
}
