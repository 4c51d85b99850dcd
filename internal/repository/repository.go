// Package repository persists tenants, workflow templates and proposal
// evaluation states.
//
// Writes are conditional on the caller's freshness token: a version mismatch
// fails with a StaleState error instead of overwriting newer state.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"proposal-workflows/pkg/errs"
	"proposal-workflows/pkg/models"
)

// ErrNotFound is returned when a record does not exist for the tenant.
var ErrNotFound = errors.New("not found")

// TenantStore resolves and provisions tenants.
type TenantStore interface {
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
}

// WorkflowStore persists a tenant's workflow template roster.
type WorkflowStore interface {
	// ListWorkflows returns the tenant's templates ordered by index.
	ListWorkflows(ctx context.Context, tenantID string) ([]models.WorkflowTemplate, error)
	GetWorkflow(ctx context.Context, tenantID, id string) (*models.WorkflowTemplate, error)
	// CreateWorkflow inserts tpl at version 1.
	CreateWorkflow(ctx context.Context, tpl *models.WorkflowTemplate) error
	// UpdateWorkflow overwrites tpl if the stored version equals
	// expectedVersion, and sets tpl.Version to the new version.
	//
	// UpdateWorkflow and DeleteWorkflow refuse, atomically with the write,
	// to retire the tenant's last active template with an InvariantViolation.
	UpdateWorkflow(ctx context.Context, tpl *models.WorkflowTemplate, expectedVersion int64) error
	DeleteWorkflow(ctx context.Context, tenantID, id string, expectedVersion int64) error
}

// ProposalStore persists proposal evaluation states.
type ProposalStore interface {
	CreateProposal(ctx context.Context, state *models.ProposalEvaluationState) error
	GetProposal(ctx context.Context, tenantID, proposalID string) (*models.ProposalEvaluationState, error)
	// UpdateProposal stores state if the stored version is state.Version-1.
	UpdateProposal(ctx context.Context, state *models.ProposalEvaluationState) error
	ListProposals(ctx context.Context, tenantID, workflowID string) ([]models.ProposalEvaluationState, error)
}

// Repository is the full persistence surface used by the services.
type Repository interface {
	TenantStore
	WorkflowStore
	ProposalStore
	Ping(ctx context.Context) error
	Close() error
}

func encodeSteps(steps []models.EvaluationStep) ([]byte, error) {
	if steps == nil {
		steps = []models.EvaluationStep{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode evaluations: %w", err)
	}
	return b, nil
}

func decodeSteps(raw []byte) ([]models.EvaluationStep, error) {
	steps := []models.EvaluationStep{}
	if len(raw) == 0 {
		return steps, nil
	}
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("failed to decode evaluations: %w", err)
	}
	return steps, nil
}

func encodeProposal(state *models.ProposalEvaluationState) ([]byte, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode proposal state: %w", err)
	}
	return b, nil
}

func decodeProposal(raw []byte) (*models.ProposalEvaluationState, error) {
	var state models.ProposalEvaluationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode proposal state: %w", err)
	}
	if state.Reviews == nil {
		state.Reviews = make(map[string]models.StepReviews)
	}
	return &state, nil
}

// keepsActive restricts a conditional workflow write to rows that are not
// active or that leave another active template in the tenant. arrayLength
// is the dialect's JSON array length function.
func keepsActive(arrayLength string) string {
	return fmt.Sprintf(` AND (archived OR %[1]s(evaluations) = 0 OR EXISTS (
		SELECT 1 FROM workflow_templates o
		WHERE o.tenant_id = workflow_templates.tenant_id AND o.id <> workflow_templates.id
			AND NOT o.archived AND %[1]s(o.evaluations) > 0))`, arrayLength)
}

// lastActive is the error for a write that would leave the tenant without an
// active template.
func lastActive(id string) error {
	return errs.Invariant("cannot remove the last active workflow").WithWorkflow(id)
}

// conflict builds the error for a conditional write that matched no row.
// current is the stored version, or -1 when the row does not exist.
func conflict(expected, current int64) error {
	if current < 0 {
		return ErrNotFound
	}
	return errs.Stale(expected, current)
}
