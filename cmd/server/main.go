package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"

	"proposal-workflows/internal/api"
	"proposal-workflows/internal/auth"
	"proposal-workflows/internal/config"
	"proposal-workflows/internal/evaluation"
	"proposal-workflows/internal/events"
	"proposal-workflows/internal/importer"
	"proposal-workflows/internal/logging"
	"proposal-workflows/internal/mcp"
	"proposal-workflows/internal/permissions"
	"proposal-workflows/internal/repository"
	"proposal-workflows/internal/services"
	"proposal-workflows/internal/telemetry"
	"proposal-workflows/internal/tls"
	"proposal-workflows/internal/workflows"
)

const (
	serviceName = "proposal-workflows"
	version     = "1.0.0"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the proposal workflow API and MCP tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", serviceName, version)
		},
	})
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Environment, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("logger initialization failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"store", cfg.Store.Driver,
		"okta_domain", cfg.Auth.OktaDomain,
		"swagger_client_id", cfg.Auth.SwaggerClientID,
		"dev_mode_bypass", cfg.DevModeBypass,
	)

	repo, err := repository.Open(ctx, repository.Options{
		Driver:      cfg.Store.Driver,
		PostgresDSN: cfg.PostgresDSN(),
		SQLitePath:  cfg.SQLite.Path,
	})
	if err != nil {
		return fmt.Errorf("store initialization failed: %w", err)
	}
	defer func() { _ = repo.Close() }()
	logger.Info("Store connected", "driver", cfg.Store.Driver)

	resolver, err := permissions.NewResolver()
	if err != nil {
		return err
	}
	for tag, expr := range cfg.Permissions.CustomRoles {
		if err := resolver.RegisterExpression(tag, expr); err != nil {
			return fmt.Errorf("custom role %q: %w", tag, err)
		}
		logger.Info("Custom system role registered", "role", tag)
	}

	if cfg.Telemetry.OTLPEndpoint != "" {
		provider, err := telemetry.NewProvider(ctx, telemetry.ExportOptions{
			Endpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure: cfg.Telemetry.Insecure,
			Interval: cfg.Telemetry.Interval,
		})
		if err != nil {
			return fmt.Errorf("metrics exporter initialization failed: %w", err)
		}
		otel.SetMeterProvider(provider)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
		logger.Info("Exporting metrics over OTLP", "endpoint", cfg.Telemetry.OTLPEndpoint, "interval", cfg.Telemetry.Interval)
	}

	metrics, err := telemetry.New()
	if err != nil {
		return fmt.Errorf("metrics initialization failed: %w", err)
	}

	dispatcher := events.Multi{events.NewLogDispatcher(logger.With("component", "events"))}
	if cfg.NATS.URL != "" {
		natsDispatcher, conn, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("nats connection failed: %w", err)
		}
		defer func() { _ = conn.Drain() }()
		dispatcher = append(dispatcher, natsDispatcher)
		logger.Info("Publishing evaluation events to NATS", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	svcLogger := logger.With("component", "services")
	workflowService := services.NewWorkflowService(repo, workflows.NewManager(), metrics, svcLogger)
	proposalService := services.NewProposalService(repo, evaluation.NewMachine(resolver), dispatcher, metrics, svcLogger)

	docs, err := importer.New(uuid.NewString)
	if err != nil {
		return err
	}

	logger.Info("Service layer initialized")

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	// Middleware
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	authz, err := auth.New(ctx, cfg, repo, logger.With("component", "auth"))
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))
	e.GET("/healthz", echo.WrapHandler(http.HandlerFunc(api.NewHandler(repo, version).HandleHealth)))

	// expose OpenAPI document and Swagger UI
	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(http.HandlerFunc(api.OAuthRedirectHandler)))

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.NewServer(workflowService, proposalService, docs).Register(apiGroup)

	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(workflowService, proposalService)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(authz.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)

	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLS.Enable {
		created, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			return fmt.Errorf("tls certificate: %w", err)
		}
		if created {
			logger.Warn("Generated self-signed certificate", "cert", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
		}
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
	return nil
}
