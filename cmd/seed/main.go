package main

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"proposal-workflows/internal/config"
	"proposal-workflows/internal/importer"
	"proposal-workflows/internal/logging"
	"proposal-workflows/internal/repository"
	"proposal-workflows/internal/services"
	"proposal-workflows/internal/telemetry"
	"proposal-workflows/internal/workflows"
	"proposal-workflows/pkg/models"
)

//go:embed workflows.yaml
var defaultWorkflows []byte

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		file       string
		domain     string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import workflow templates into a tenant's roster",
		Long: `Reads a YAML or JSON workflow document and stores every template whose
title is not already in the tenant's roster. Without --file the bundled
sample workflows are imported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return seed(cmd.Context(), configPath, file, domain)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Workflow document to import")
	cmd.Flags().StringVar(&domain, "domain", "localhost", "Tenant domain to seed")
	return cmd
}

func seed(ctx context.Context, configPath, file, domain string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Environment, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := repository.Open(ctx, repository.Options{
		Driver:      cfg.Store.Driver,
		PostgresDSN: cfg.PostgresDSN(),
		SQLitePath:  cfg.SQLite.Path,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	// 1. Ensure Tenant Exists
	tenant, err := store.GetTenantByDomain(ctx, domain)
	if err != nil {
		logger.Info("Creating tenant", "domain", domain)
		tenant = models.NewTenant(domain, "Local Dev Tenant")
		if err := store.CreateTenant(ctx, tenant); err != nil {
			return fmt.Errorf("failed to create tenant: %w", err)
		}
	} else {
		logger.Info("Found existing tenant", "id", tenant.ID)
	}

	// 2. Read and validate the document
	var src io.Reader = bytes.NewReader(defaultWorkflows)
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	docs, err := importer.New(uuid.NewString)
	if err != nil {
		return err
	}
	templates, err := docs.Read(src)
	if err != nil {
		return fmt.Errorf("invalid workflow document: %w", err)
	}

	// 3. Store templates not already in the roster
	metrics, err := telemetry.New()
	if err != nil {
		return err
	}
	svc := services.NewWorkflowService(store, workflows.NewManager(), metrics, logger.With("component", "seed"))
	stored, err := svc.Import(ctx, tenant.ID, templates)
	for _, tpl := range stored {
		logger.Info("Seeded workflow", "title", tpl.Title, "id", tpl.ID, "steps", len(tpl.Evaluations))
	}
	if err != nil {
		return fmt.Errorf("import stopped after %d workflows: %w", len(stored), err)
	}

	logger.Info("Seeding complete", "imported", len(stored), "skipped", len(templates)-len(stored))
	return nil
}
