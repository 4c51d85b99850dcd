package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"proposal-workflows/pkg/models"
)

type proposalKey struct {
	tenantID, proposalID string
}

// MemoryStore is an in-process Repository. Values are cloned on the way in
// and out so callers never share memory with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	tenants   map[string]models.Tenant
	workflows map[string]models.WorkflowTemplate
	proposals map[proposalKey]models.ProposalEvaluationState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:   make(map[string]models.Tenant),
		workflows: make(map[string]models.WorkflowTemplate),
		proposals: make(map[proposalKey]models.ProposalEvaluationState),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetTenantByDomain(_ context.Context, domain string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Domain == domain {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateTenant(_ context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.Domain == tenant.Domain {
			return fmt.Errorf("tenant domain %q already exists", tenant.Domain)
		}
	}
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	s.tenants[tenant.ID] = *tenant
	return nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, tenantID string) ([]models.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WorkflowTemplate
	for _, w := range s.workflows {
		if w.TenantID == tenantID {
			out = append(out, w.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, tenantID, id string) (*models.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok || w.TenantID != tenantID {
		return nil, ErrNotFound
	}
	c := w.Clone()
	return &c, nil
}

func (s *MemoryStore) CreateWorkflow(_ context.Context, tpl *models.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[tpl.ID]; ok {
		return fmt.Errorf("workflow %s already exists", tpl.ID)
	}
	tpl.Version = 1
	s.workflows[tpl.ID] = tpl.Clone()
	return nil
}

func (s *MemoryStore) UpdateWorkflow(_ context.Context, tpl *models.WorkflowTemplate, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.workflows[tpl.ID]
	if !ok || cur.TenantID != tpl.TenantID {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return conflict(expectedVersion, cur.Version)
	}
	if cur.Active() && !tpl.Active() && !s.otherActive(cur) {
		return lastActive(tpl.ID)
	}
	tpl.Version = expectedVersion + 1
	tpl.CreatedAt = cur.CreatedAt
	s.workflows[tpl.ID] = tpl.Clone()
	return nil
}

func (s *MemoryStore) DeleteWorkflow(_ context.Context, tenantID, id string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.workflows[id]
	if !ok || cur.TenantID != tenantID {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return conflict(expectedVersion, cur.Version)
	}
	if cur.Active() && !s.otherActive(cur) {
		return lastActive(id)
	}
	delete(s.workflows, id)
	return nil
}

// otherActive reports whether tpl's tenant has an active template besides
// tpl. Callers hold s.mu.
func (s *MemoryStore) otherActive(tpl models.WorkflowTemplate) bool {
	for id, w := range s.workflows {
		if id != tpl.ID && w.TenantID == tpl.TenantID && w.Active() {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateProposal(_ context.Context, state *models.ProposalEvaluationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := proposalKey{state.TenantID, state.ProposalID}
	if _, ok := s.proposals[key]; ok {
		return fmt.Errorf("proposal %s already bound", state.ProposalID)
	}
	s.proposals[key] = state.Clone()
	return nil
}

func (s *MemoryStore) GetProposal(_ context.Context, tenantID, proposalID string) (*models.ProposalEvaluationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.proposals[proposalKey{tenantID, proposalID}]
	if !ok {
		return nil, ErrNotFound
	}
	c := st.Clone()
	return &c, nil
}

func (s *MemoryStore) UpdateProposal(_ context.Context, state *models.ProposalEvaluationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := proposalKey{state.TenantID, state.ProposalID}
	cur, ok := s.proposals[key]
	if !ok {
		return ErrNotFound
	}
	expected := state.Version - 1
	if cur.Version != expected {
		return conflict(expected, cur.Version)
	}
	s.proposals[key] = state.Clone()
	return nil
}

func (s *MemoryStore) ListProposals(_ context.Context, tenantID, workflowID string) ([]models.ProposalEvaluationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ProposalEvaluationState
	for k, st := range s.proposals {
		if k.tenantID != tenantID || (workflowID != "" && st.WorkflowID != workflowID) {
			continue
		}
		out = append(out, st.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
