// Kestrel - Signup fraud scoring with character-level models.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/integrity"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/serving"
	"github.com/opensource-finance/kestrel/internal/training"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Optional .env for local development; missing file is fine.
	_ = godotenv.Load()

	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_PROFILE") == string(domain.ProfileDistributed) {
		cfg = domain.DistributedConfig()
		slog.Info("running in distributed profile")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"profile", cfg.Profile,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Model Registry (same backend as the repository)
	registry, err := repository.NewRegistry(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize model registry", "error", err)
		os.Exit(1)
	}
	defer registry.Close()
	slog.Info("model registry initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Policy Engine
	policyEngine, err := policy.NewEngine()
	if err != nil {
		slog.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}

	tenants := tenantList()

	// Load policy overlays from database (no hardcoded defaults - configure via API)
	if err := loadPoliciesFromDatabase(ctx, repo, policyEngine, tenants); err != nil {
		slog.Error("failed to load policies", "error", err)
		os.Exit(1)
	}
	slog.Info("policy engine initialized", "policies_count", policyEngine.PolicyCount())

	// Initialize Model Cache and load serving snapshots
	models := serving.NewModelCache(registry, logger)
	for _, tenantID := range tenants {
		if err := models.Reload(ctx, tenantID); err != nil {
			if errors.Is(err, integrity.ErrNoUsableModel) {
				slog.Warn("no usable model yet, scoring degraded until first training run",
					"tenant_id", tenantID)
				continue
			}
			slog.Error("failed to load models", "tenant_id", tenantID, "error", err)
			os.Exit(1)
		}
	}

	// Initialize Scorer
	scorer := serving.NewScorer(cfg.Scoring, models, policyEngine, cacheImpl, logger)
	slog.Info("scorer initialized", "orders", cfg.Scoring.Orders, "degraded_mode", cfg.Scoring.DegradedMode)

	// Initialize Training Pipeline
	guard := integrity.NewGuard(cfg.Anomaly)
	pipeline := training.NewPipeline(cfg.Training, cfg.Scoring, guard, repo, registry, cacheImpl, busImpl, logger)
	slog.Info("training pipeline initialized",
		"min_samples_per_class", cfg.Training.MinSamplesPerClass,
		"ema_rate", cfg.Training.EMARate,
	)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Profile == domain.ProfileDistributed || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, scorer)

		if err := asyncWorker.Start(worker.Config{TenantIDs: tenants}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenants))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, registry, scorer, models, pipeline, policyEngine, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// DefaultTenantID is the tenant used when none are configured.
const DefaultTenantID = "default"

// tenantList parses KESTREL_TENANTS as a comma-separated list.
func tenantList() []string {
	env := os.Getenv("KESTREL_TENANTS")
	if env == "" {
		return []string{DefaultTenantID}
	}

	var tenants []string
	for _, t := range strings.Split(env, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	if len(tenants) == 0 {
		return []string{DefaultTenantID}
	}
	return tenants
}

// applyEnvOverrides layers environment settings over the profile defaults.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KESTREL_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_NATS_QUEUE_GROUP"); v != "" {
		cfg.EventBus.NATSQueueGroup = v
	}
	if v := os.Getenv("KESTREL_DEGRADED_MODE"); v == domain.DegradedFailOpen || v == domain.DegradedFailClosed {
		cfg.Scoring.DegradedMode = v
	}
}

// loadPoliciesFromDatabase loads each tenant's policy overlays into the
// engine. All overlays are configured via POST /policies - no hardcoded
// defaults.
func loadPoliciesFromDatabase(ctx context.Context, repo domain.Repository, engine *policy.Engine, tenants []string) error {
	total := 0
	for _, tenantID := range tenants {
		configs, err := repo.ListPolicyConfigs(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to list policies from database", "tenant_id", tenantID, "error", err)
			continue
		}
		if len(configs) == 0 {
			continue
		}
		if err := engine.ReloadPolicies(tenantID, configs); err != nil {
			return fmt.Errorf("failed to load policies for tenant %s: %w", tenantID, err)
		}
		total += len(configs)
	}

	if total == 0 {
		slog.Info("no policies in database - configure via POST /policies API")
		return nil
	}

	slog.Info("loading policies from database", "count", total)
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🪶 KESTREL                  ║")
	fmt.Println("  ║       Signup Fraud Scoring Engine         ║")
	fmt.Println("  ║      Eyes on every new account.           ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Profile:  %s\n", cfg.Profile)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /score             - Score a signup email")
	fmt.Println("    GET  /decisions/{id}    - Get decision by ID")
	fmt.Println("    POST /train             - Run a guarded training run")
	fmt.Println("    GET  /training/runs     - List training run history")
	fmt.Println("    GET  /models/production - Production model summary")
	fmt.Println("    GET  /models/backups    - Backup model summaries")
	fmt.Println("    POST /models/reload     - Reload serving models")
	fmt.Println("    GET  /policies          - List policy overlays")
	fmt.Println("    POST /policies          - Create a policy overlay")
	fmt.Println("    POST /policies/reload   - Hot-reload policies")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
