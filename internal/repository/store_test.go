package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"proposal-workflows/pkg/errs"
	"proposal-workflows/pkg/models"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "workflows.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	runStoreSuite(t, store)
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	store := NewPostgresStore(pool)
	require.NoError(t, store.Migrate(ctx))

	runStoreSuite(t, store)
}

func sampleTemplate(tenantID string, index int) *models.WorkflowTemplate {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.WorkflowTemplate{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Title:    "Grant review",
		Index:    index,
		Evaluations: []models.EvaluationStep{
			{ID: "s1", Title: "Feedback", Config: models.FeedbackConfig{}},
			{ID: "s2", Title: "Score", Config: models.RubricConfig{
				Review: models.ReviewSettings{RequiredReviews: 2},
				Criteria: []models.RubricCriterion{{
					ID: "c1", Title: "Quality", Type: models.CriterionTypeRange,
					Parameters: models.RangeParameters{Min: 1, Max: 5},
				}},
			}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func runStoreSuite(t *testing.T, store Repository) {
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	tenant := &models.Tenant{Name: "Acme", Domain: uuid.NewString() + ".example"}
	require.NoError(t, store.CreateTenant(ctx, tenant))
	require.NotEmpty(t, tenant.ID)

	t.Run("Tenant lookup", func(t *testing.T) {
		got, err := store.GetTenantByDomain(ctx, tenant.Domain)
		require.NoError(t, err)
		assert.Equal(t, tenant.ID, got.ID)

		_, err = store.GetTenantByDomain(ctx, "missing.example")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Workflow roundtrip and ordering", func(t *testing.T) {
		second := sampleTemplate(tenant.ID, 0)
		first := sampleTemplate(tenant.ID, -1)
		require.NoError(t, store.CreateWorkflow(ctx, second))
		require.NoError(t, store.CreateWorkflow(ctx, first))
		assert.Equal(t, int64(1), first.Version)

		got, err := store.GetWorkflow(ctx, tenant.ID, second.ID)
		require.NoError(t, err)
		require.Len(t, got.Evaluations, 2)
		cfg, ok := got.Evaluations[1].Config.(models.RubricConfig)
		require.True(t, ok)
		assert.Equal(t, 2, cfg.Review.RequiredReviews)
		assert.Equal(t, 5.0, cfg.Criteria[0].Parameters.Max)

		list, err := store.ListWorkflows(ctx, tenant.ID)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(list), 2)
		assert.Equal(t, first.ID, list[0].ID)

		_, err = store.GetWorkflow(ctx, "other-tenant", second.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Workflow conditional update", func(t *testing.T) {
		tpl := sampleTemplate(tenant.ID, 5)
		require.NoError(t, store.CreateWorkflow(ctx, tpl))

		tpl.Title = "Renamed"
		require.NoError(t, store.UpdateWorkflow(ctx, tpl, 1))
		assert.Equal(t, int64(2), tpl.Version)

		stale := *tpl
		stale.Title = "Lost update"
		err := store.UpdateWorkflow(ctx, &stale, 1)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrStaleState))

		got, err := store.GetWorkflow(ctx, tenant.ID, tpl.ID)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Title)
		assert.Equal(t, int64(2), got.Version)

		assert.ErrorIs(t, store.DeleteWorkflow(ctx, tenant.ID, tpl.ID, 1), errs.ErrStaleState)
		require.NoError(t, store.DeleteWorkflow(ctx, tenant.ID, tpl.ID, 2))
		assert.ErrorIs(t, store.DeleteWorkflow(ctx, tenant.ID, tpl.ID, 2), ErrNotFound)
	})

	t.Run("Last active workflow is kept", func(t *testing.T) {
		tenantID := uuid.NewString()
		a := sampleTemplate(tenantID, 0)
		b := sampleTemplate(tenantID, 1)
		draft := sampleTemplate(tenantID, 2)
		draft.Evaluations = nil
		for _, tpl := range []*models.WorkflowTemplate{a, b, draft} {
			require.NoError(t, store.CreateWorkflow(ctx, tpl))
		}

		archived := *a
		archived.Archived = true
		require.NoError(t, store.UpdateWorkflow(ctx, &archived, 1))

		last := *b
		last.Archived = true
		assert.ErrorIs(t, store.UpdateWorkflow(ctx, &last, 1), errs.ErrInvariantViolation)
		assert.ErrorIs(t, store.DeleteWorkflow(ctx, tenantID, b.ID, 1), errs.ErrInvariantViolation)
		assert.ErrorIs(t, store.DeleteWorkflow(ctx, tenantID, b.ID, 7), errs.ErrStaleState)

		// editing the last active template in place is fine
		renamed := *b
		renamed.Title = "Renamed"
		require.NoError(t, store.UpdateWorkflow(ctx, &renamed, 1))

		require.NoError(t, store.DeleteWorkflow(ctx, tenantID, draft.ID, 1))
		require.NoError(t, store.DeleteWorkflow(ctx, tenantID, a.ID, 2))

		got, err := store.GetWorkflow(ctx, tenantID, b.ID)
		require.NoError(t, err)
		assert.True(t, got.Active())
	})

	t.Run("Concurrent archives keep one active workflow", func(t *testing.T) {
		tenantID := uuid.NewString()
		var tpls []*models.WorkflowTemplate
		for i := 0; i < 4; i++ {
			tpl := sampleTemplate(tenantID, i)
			require.NoError(t, store.CreateWorkflow(ctx, tpl))
			tpls = append(tpls, tpl)
		}

		var wg sync.WaitGroup
		results := make([]error, len(tpls))
		for i, tpl := range tpls {
			wg.Add(1)
			go func(i int, tpl models.WorkflowTemplate) {
				defer wg.Done()
				tpl.Archived = true
				results[i] = store.UpdateWorkflow(ctx, &tpl, 1)
			}(i, *tpl)
		}
		wg.Wait()

		failed := 0
		for _, err := range results {
			if err != nil {
				assert.ErrorIs(t, err, errs.ErrInvariantViolation)
				failed++
			}
		}
		assert.Equal(t, 1, failed)

		list, err := store.ListWorkflows(ctx, tenantID)
		require.NoError(t, err)
		active := 0
		for _, w := range list {
			if w.Active() {
				active++
			}
		}
		assert.Equal(t, 1, active)
	})

	t.Run("Proposal conditional update", func(t *testing.T) {
		tpl := sampleTemplate(tenant.ID, 9)
		now := time.Now().UTC().Truncate(time.Millisecond)
		state := &models.ProposalEvaluationState{
			ProposalID: uuid.NewString(),
			TenantID:   tenant.ID,
			WorkflowID: tpl.ID,
			Authors:    []string{"author-1"},
			Snapshot:   models.NewSnapshot(tpl.Evaluations),
			Results:    make([]*models.StepResult, 2),
			Reviews:    map[string]models.StepReviews{},
			Status:     models.StatusInProgress,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		require.NoError(t, store.CreateProposal(ctx, state))

		next := state.Clone()
		next.CurrentStepIndex = 1
		next.Results[0] = &models.StepResult{StepID: "s1", Outcome: models.OutcomePass, DecidedBy: "chair", DecidedAt: now}
		next.Version = 2
		require.NoError(t, store.UpdateProposal(ctx, &next))

		// a writer still holding version 1 loses
		racing := state.Clone()
		racing.Version = 2
		racing.Archived = true
		err := store.UpdateProposal(ctx, &racing)
		var e *errs.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, errs.KindStaleState, e.Kind)

		got, err := store.GetProposal(ctx, tenant.ID, state.ProposalID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.CurrentStepIndex)
		assert.False(t, got.Archived)
		require.NotNil(t, got.Results[0])
		assert.Equal(t, models.OutcomePass, got.Results[0].Outcome)
		assert.Nil(t, got.Results[1])
		step, ok := got.Snapshot.At(1)
		require.True(t, ok)
		assert.Equal(t, models.StepRubric, step.Type())

		list, err := store.ListProposals(ctx, tenant.ID, tpl.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		_, err = store.GetProposal(ctx, tenant.ID, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
