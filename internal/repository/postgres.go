package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"proposal-workflows/pkg/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	domain TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_templates (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	title TEXT NOT NULL,
	evaluations JSONB NOT NULL,
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	private_evaluations BOOLEAN NOT NULL DEFAULT FALSE,
	draft_reminder BOOLEAN NOT NULL DEFAULT FALSE,
	idx INTEGER NOT NULL,
	version BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_templates_tenant_idx ON workflow_templates (tenant_id, idx);
CREATE TABLE IF NOT EXISTS proposal_evaluations (
	tenant_id TEXT NOT NULL,
	proposal_id TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	status TEXT NOT NULL,
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	state JSONB NOT NULL,
	version BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, proposal_id)
);
`

// PostgresStore is a PostgreSQL implementation of Repository. Step lists and
// proposal states are stored as JSONB documents.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRow(ctx,
		"SELECT id, name, domain, created_at, updated_at FROM tenants WHERE domain = $1", domain,
	).Scan(&t.ID, &t.Name, &t.Domain, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTenant inserts tenant, assigning an id when it has none.
func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	_, err := s.db.Exec(ctx,
		"INSERT INTO tenants (id, name, domain, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)",
		tenant.ID, tenant.Name, tenant.Domain, tenant.CreatedAt, tenant.UpdatedAt)
	return err
}

const workflowColumns = "id, tenant_id, title, evaluations, archived, private_evaluations, draft_reminder, idx, version, created_at, updated_at"

func scanWorkflow(row pgx.Row) (*models.WorkflowTemplate, error) {
	var (
		w   models.WorkflowTemplate
		raw []byte
	)
	err := row.Scan(&w.ID, &w.TenantID, &w.Title, &raw, &w.Archived, &w.PrivateEvaluations,
		&w.DraftReminder, &w.Index, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if w.Evaluations, err = decodeSteps(raw); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, tenantID string) ([]models.WorkflowTemplate, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+workflowColumns+" FROM workflow_templates WHERE tenant_id = $1 ORDER BY idx, created_at", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WorkflowTemplate
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, tenantID, id string) (*models.WorkflowTemplate, error) {
	w, err := scanWorkflow(s.db.QueryRow(ctx,
		"SELECT "+workflowColumns+" FROM workflow_templates WHERE tenant_id = $1 AND id = $2", tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, tpl *models.WorkflowTemplate) error {
	raw, err := encodeSteps(tpl.Evaluations)
	if err != nil {
		return err
	}
	tpl.Version = 1
	_, err = s.db.Exec(ctx,
		"INSERT INTO workflow_templates ("+workflowColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		tpl.ID, tpl.TenantID, tpl.Title, raw, tpl.Archived, tpl.PrivateEvaluations,
		tpl.DraftReminder, tpl.Index, tpl.Version, tpl.CreatedAt, tpl.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, tpl *models.WorkflowTemplate, expectedVersion int64) error {
	raw, err := encodeSteps(tpl.Evaluations)
	if err != nil {
		return err
	}
	query := `UPDATE workflow_templates
		SET title = $1, evaluations = $2, archived = $3, private_evaluations = $4, draft_reminder = $5,
			idx = $6, version = version + 1, updated_at = $7
		WHERE tenant_id = $8 AND id = $9 AND version = $10`
	if !tpl.Active() {
		query += keepsActive("jsonb_array_length")
	}
	err = s.rosterWrite(ctx, tpl.TenantID, tpl.ID, expectedVersion, query,
		tpl.Title, raw, tpl.Archived, tpl.PrivateEvaluations, tpl.DraftReminder,
		tpl.Index, tpl.UpdatedAt, tpl.TenantID, tpl.ID, expectedVersion)
	if err != nil {
		return err
	}
	tpl.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, tenantID, id string, expectedVersion int64) error {
	return s.rosterWrite(ctx, tenantID, id, expectedVersion,
		"DELETE FROM workflow_templates WHERE tenant_id = $1 AND id = $2 AND version = $3"+keepsActive("jsonb_array_length"),
		tenantID, id, expectedVersion)
}

// rosterWrite runs a conditional write on one workflow template while
// holding the tenant's roster lock. Roster writers of a tenant are
// serialized, so each one sees the others' committed archives and deletes.
func (s *PostgresStore) rosterWrite(ctx context.Context, tenantID, id string, expectedVersion int64, query string, args ...any) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", tenantID); err != nil {
		return fmt.Errorf("failed to lock workflow roster: %w", err)
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var current int64 = -1
		err := tx.QueryRow(ctx,
			"SELECT version FROM workflow_templates WHERE tenant_id = $1 AND id = $2", tenantID, id).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if current == expectedVersion {
			return lastActive(id)
		}
		return conflict(expectedVersion, current)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) CreateProposal(ctx context.Context, state *models.ProposalEvaluationState) error {
	raw, err := encodeProposal(state)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO proposal_evaluations
		(tenant_id, proposal_id, workflow_id, status, archived, state, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		state.TenantID, state.ProposalID, state.WorkflowID, string(state.Status), state.Archived, raw,
		state.Version, state.CreatedAt, state.UpdatedAt)
	return err
}

func (s *PostgresStore) GetProposal(ctx context.Context, tenantID, proposalID string) (*models.ProposalEvaluationState, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		"SELECT state FROM proposal_evaluations WHERE tenant_id = $1 AND proposal_id = $2", tenantID, proposalID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeProposal(raw)
}

func (s *PostgresStore) UpdateProposal(ctx context.Context, state *models.ProposalEvaluationState) error {
	raw, err := encodeProposal(state)
	if err != nil {
		return err
	}
	expected := state.Version - 1
	tag, err := s.db.Exec(ctx, `UPDATE proposal_evaluations
		SET status = $1, archived = $2, state = $3, version = $4, updated_at = $5
		WHERE tenant_id = $6 AND proposal_id = $7 AND version = $8`,
		string(state.Status), state.Archived, raw, state.Version, state.UpdatedAt,
		state.TenantID, state.ProposalID, expected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return conflict(expected, s.currentVersion(ctx, "proposal_evaluations", "proposal_id", state.TenantID, state.ProposalID))
	}
	return nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, tenantID, workflowID string) ([]models.ProposalEvaluationState, error) {
	rows, err := s.db.Query(ctx,
		"SELECT state FROM proposal_evaluations WHERE tenant_id = $1 AND ($2 = '' OR workflow_id = $2) ORDER BY created_at",
		tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProposalEvaluationState
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		state, err := decodeProposal(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *state)
	}
	return out, rows.Err()
}

// currentVersion returns the stored version of a row, or -1 if it is gone.
func (s *PostgresStore) currentVersion(ctx context.Context, table, idColumn, tenantID, id string) int64 {
	var v int64
	err := s.db.QueryRow(ctx,
		"SELECT version FROM "+table+" WHERE tenant_id = $1 AND "+idColumn+" = $2", tenantID, id).Scan(&v)
	if err != nil {
		return -1
	}
	return v
}
