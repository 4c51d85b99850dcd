package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"proposal-workflows/pkg/models"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Repository for local and lite deployments.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// a single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database and creates missing tables.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		domain TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS workflow_templates (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		title TEXT NOT NULL,
		evaluations JSON NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		private_evaluations INTEGER NOT NULL DEFAULT 0,
		draft_reminder INTEGER NOT NULL DEFAULT 0,
		idx INTEGER NOT NULL,
		version INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS proposal_evaluations (
		tenant_id TEXT NOT NULL,
		proposal_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		status TEXT NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		state JSON NOT NULL,
		version INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (tenant_id, proposal_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, domain, created_at, updated_at FROM tenants WHERE domain = ?", domain,
	).Scan(&t.ID, &t.Name, &t.Domain, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tenants (id, name, domain, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		tenant.ID, tenant.Name, tenant.Domain, tenant.CreatedAt, tenant.UpdatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteWorkflow(row rowScanner) (*models.WorkflowTemplate, error) {
	var (
		w   models.WorkflowTemplate
		raw string
	)
	err := row.Scan(&w.ID, &w.TenantID, &w.Title, &raw, &w.Archived, &w.PrivateEvaluations,
		&w.DraftReminder, &w.Index, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if w.Evaluations, err = decodeSteps([]byte(raw)); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, tenantID string) ([]models.WorkflowTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+workflowColumns+" FROM workflow_templates WHERE tenant_id = ? ORDER BY idx, created_at", tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.WorkflowTemplate
	for rows.Next() {
		w, err := scanSQLiteWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, tenantID, id string) (*models.WorkflowTemplate, error) {
	w, err := scanSQLiteWorkflow(s.db.QueryRowContext(ctx,
		"SELECT "+workflowColumns+" FROM workflow_templates WHERE tenant_id = ? AND id = ?", tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, tpl *models.WorkflowTemplate) error {
	raw, err := encodeSteps(tpl.Evaluations)
	if err != nil {
		return err
	}
	tpl.Version = 1
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO workflow_templates ("+workflowColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		tpl.ID, tpl.TenantID, tpl.Title, string(raw), tpl.Archived, tpl.PrivateEvaluations,
		tpl.DraftReminder, tpl.Index, tpl.Version, tpl.CreatedAt, tpl.UpdatedAt)
	return err
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, tpl *models.WorkflowTemplate, expectedVersion int64) error {
	raw, err := encodeSteps(tpl.Evaluations)
	if err != nil {
		return err
	}
	query := `UPDATE workflow_templates
		SET title = ?, evaluations = ?, archived = ?, private_evaluations = ?, draft_reminder = ?,
			idx = ?, version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND version = ?`
	if !tpl.Active() {
		query += keepsActive("json_array_length")
	}
	res, err := s.db.ExecContext(ctx, query,
		tpl.Title, string(raw), tpl.Archived, tpl.PrivateEvaluations, tpl.DraftReminder,
		tpl.Index, tpl.UpdatedAt, tpl.TenantID, tpl.ID, expectedVersion)
	if err := s.checkRosterWrite(ctx, res, err, expectedVersion, tpl.TenantID, tpl.ID); err != nil {
		return err
	}
	tpl.Version = expectedVersion + 1
	return nil
}

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, tenantID, id string, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM workflow_templates WHERE tenant_id = ? AND id = ? AND version = ?"+keepsActive("json_array_length"),
		tenantID, id, expectedVersion)
	return s.checkRosterWrite(ctx, res, err, expectedVersion, tenantID, id)
}

// checkRosterWrite is checkWrite for workflow templates: a write that matched
// no row although the version is current was stopped by keepsActive.
func (s *SQLiteStore) checkRosterWrite(ctx context.Context, res sql.Result, err error, expected int64, tenantID, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	current, err := s.version(ctx, "workflow_templates", "id", tenantID, id)
	if err != nil {
		return err
	}
	if current == expected {
		return lastActive(id)
	}
	return conflict(expected, current)
}

func (s *SQLiteStore) CreateProposal(ctx context.Context, state *models.ProposalEvaluationState) error {
	raw, err := encodeProposal(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO proposal_evaluations
		(tenant_id, proposal_id, workflow_id, status, archived, state, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.TenantID, state.ProposalID, state.WorkflowID, string(state.Status), state.Archived, string(raw),
		state.Version, state.CreatedAt, state.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetProposal(ctx context.Context, tenantID, proposalID string) (*models.ProposalEvaluationState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM proposal_evaluations WHERE tenant_id = ? AND proposal_id = ?", tenantID, proposalID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeProposal([]byte(raw))
}

func (s *SQLiteStore) UpdateProposal(ctx context.Context, state *models.ProposalEvaluationState) error {
	raw, err := encodeProposal(state)
	if err != nil {
		return err
	}
	expected := state.Version - 1
	res, err := s.db.ExecContext(ctx, `UPDATE proposal_evaluations
		SET status = ?, archived = ?, state = ?, version = ?, updated_at = ?
		WHERE tenant_id = ? AND proposal_id = ? AND version = ?`,
		string(state.Status), state.Archived, string(raw), state.Version, state.UpdatedAt,
		state.TenantID, state.ProposalID, expected)
	return s.checkWrite(ctx, res, err, expected, "proposal_evaluations", "proposal_id", state.TenantID, state.ProposalID)
}

func (s *SQLiteStore) ListProposals(ctx context.Context, tenantID, workflowID string) ([]models.ProposalEvaluationState, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT state FROM proposal_evaluations WHERE tenant_id = ? AND (? = '' OR workflow_id = ?) ORDER BY created_at",
		tenantID, workflowID, workflowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.ProposalEvaluationState
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		state, err := decodeProposal([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, *state)
	}
	return out, rows.Err()
}

// checkWrite turns a conditional write that matched no row into ErrNotFound
// or a StaleState error.
func (s *SQLiteStore) checkWrite(ctx context.Context, res sql.Result, err error, expected int64, table, idColumn, tenantID, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	current, err := s.version(ctx, table, idColumn, tenantID, id)
	if err != nil {
		return err
	}
	return conflict(expected, current)
}

// version returns the stored version of a row, or -1 if it is gone.
func (s *SQLiteStore) version(ctx context.Context, table, idColumn, tenantID, id string) (int64, error) {
	var current int64 = -1
	if err := s.db.QueryRowContext(ctx,
		"SELECT version FROM "+table+" WHERE tenant_id = ? AND "+idColumn+" = ?", tenantID, id,
	).Scan(&current); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return current, nil
}
