// Package main is the entry point for the portfolio decisioning service. It
// wires the rebalance and advisory pipelines to the supportability store,
// policy pack resolution, the async operation manager and the HTTP server,
// then runs until a shutdown signal arrives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/dpm/internal/asyncops"
	"github.com/aristath/dpm/internal/config"
	"github.com/aristath/dpm/internal/idempotency"
	"github.com/aristath/dpm/internal/metrics"
	"github.com/aristath/dpm/internal/policy"
	"github.com/aristath/dpm/internal/proposals"
	"github.com/aristath/dpm/internal/server"
	"github.com/aristath/dpm/internal/service"
	"github.com/aristath/dpm/internal/support"
	"github.com/aristath/dpm/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.PersistenceProfile != config.ProfileProduction,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("profile", cfg.PersistenceProfile).
		Str("support_backend", cfg.SupportStore.Backend).
		Str("proposal_backend", cfg.Proposal.Backend).
		Msg("Starting decision service")

	store, err := newSupportStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open supportability store")
	}
	defer closeStore(store, log)

	resolver, err := newPolicyResolver(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load policy pack catalog")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	guard := idempotency.NewGuard(store, cfg.Idempotency.CacheMaxSize, cfg.Idempotency.ReplayEnabled, log)
	svc := service.New(store, guard, resolver, m, service.Config{
		PersistArtifacts: cfg.Proposal.PersistArtifacts,
		ReplayEnabled:    cfg.Idempotency.ReplayEnabled,
		WorkflowEnabled:  cfg.Workflow.Enabled,
		ReviewStatuses:   cfg.Workflow.RequiresReviewForStatuses,
		RetentionDays:    cfg.SupportStore.RetentionDays,
	}, log)

	proposalStore, err := newProposalStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open proposal store")
	}
	defer closeStore(proposalStore, log)

	lifecycle := service.NewLifecycle(svc, proposalStore, service.LifecycleConfig{
		RequireSimulation:    cfg.Proposal.RequireSimulation,
		RequireExpectedState: cfg.Proposal.RequireExpectedState,
		AllowPortfolioChange: cfg.Proposal.AllowPortfolioChange,
		StoreEvidence:        cfg.Proposal.StoreEvidenceBundle,
	}, log)

	async := asyncops.New(store, asyncops.Config{
		Mode:          asyncops.ParseMode(cfg.Async.ExecutionMode),
		TTL:           time.Duration(cfg.Async.TTLSeconds) * time.Second,
		SweepSchedule: cfg.Async.SweepSchedule,
	}, log)
	if cfg.Async.Enabled {
		if err := async.StartSweeper(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start async operation sweeper")
		}
		defer async.StopSweeper()
	}

	retention := startRetentionSweep(svc, cfg.SupportStore.RetentionDays, log)
	if retention != nil {
		defer func() { <-retention.Stop().Done() }()
	}

	srv := server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		Service:   svc,
		Lifecycle: lifecycle,
		Async:     async,
		Gates:     cfg,
		Registry:  registry,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info().Int("port", cfg.Port).Msg("Server started")
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("Server stopped")
}

// newSupportStore opens the configured supportability backend. The
// PRODUCTION-profile guardrails in config.Validate have already rejected
// non-durable combinations.
func newSupportStore(cfg *config.Config, log zerolog.Logger) (support.Store, error) {
	switch cfg.SupportStore.Backend {
	case config.BackendSQLite:
		return support.NewSQLiteStore(cfg.SupportStore.SQLitePath, log)
	case config.BackendPostgres:
		return support.NewPostgresStore(cfg.SupportStore.PostgresDSN, log)
	default:
		log.Warn().Msg("Using in-memory supportability store; runs do not survive restarts")
		return support.NewMemoryStore(), nil
	}
}

func newProposalStore(cfg *config.Config, log zerolog.Logger) (proposals.Store, error) {
	if cfg.Proposal.Backend == config.BackendPostgres {
		return proposals.NewPostgresStore(cfg.Proposal.PostgresDSN, log)
	}
	return proposals.NewMemoryStore(), nil
}

func newPolicyResolver(cfg *config.Config, log zerolog.Logger) (*policy.Resolver, error) {
	var (
		catalog *policy.StaticCatalog
		err     error
	)
	switch {
	case !cfg.Policy.Enabled:
		catalog = policy.NewStaticCatalog(nil)
	case cfg.Policy.CatalogBackend == config.BackendPostgres:
		catalog, err = policy.LoadPostgresCatalog(cfg.Policy.CatalogPostgresDSN, log)
	default:
		catalog, err = policy.NewCatalogFromJSON([]byte(cfg.Policy.CatalogJSON))
	}
	if err != nil {
		return nil, err
	}

	tenantMap := map[string]string{}
	if cfg.Policy.TenantPackMapJSON != "" {
		if err := json.Unmarshal([]byte(cfg.Policy.TenantPackMapJSON), &tenantMap); err != nil {
			return nil, fmt.Errorf("parse tenant policy pack map: %w", err)
		}
	}
	return policy.NewResolver(policy.Config{
		Enabled:                 cfg.Policy.Enabled,
		DefaultPackID:           cfg.Policy.DefaultPackID,
		TenantResolutionEnabled: cfg.Policy.TenantResolutionEnabled,
		TenantPackMap:           tenantMap,
	}, catalog), nil
}

// startRetentionSweep purges expired runs daily. No-op when retention is
// unbounded.
func startRetentionSweep(svc *service.Service, retentionDays int, log zerolog.Logger) *cron.Cron {
	if retentionDays <= 0 {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		res, err := svc.PurgeExpiredRuns(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Retention sweep failed")
			return
		}
		if res.Runs > 0 {
			log.Info().Int("runs", res.Runs).Msg("Retention sweep purged expired runs")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule retention sweep")
	}
	c.Start()
	log.Info().Int("retention_days", retentionDays).Msg("Retention sweep scheduled")
	return c
}

func closeStore(s any, log zerolog.Logger) {
	if c, ok := s.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}
}
