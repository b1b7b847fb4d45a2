package main

import (
	"context"
	"fmt"
	"log/slog"

	"idmint/internal/audit"
	"idmint/internal/ledger"
	"idmint/internal/ledger/algorand"
	"idmint/internal/platform/config"
	"idmint/internal/platform/database"
	"idmint/internal/platform/metrics"
	registryModels "idmint/internal/registry/models"
	registryService "idmint/internal/registry/service"
	registryStore "idmint/internal/registry/store"
	"idmint/pkg/platform/tracer"
)

type registryDeps struct {
	ledger  ledger.Client
	db      *database.Pool
	issuer  string
	logger  *slog.Logger
	metrics *metrics.Metrics
	auditor *audit.Publisher
	tracer  tracer.Tracer
}

type registryComponents struct {
	service  *registryService.Service
	executor *registryService.Executor
}

// buildRegistry selects the issuer registry backend. Writable backends are
// bootstrapped on first start; outside production the issuer is also
// authorized so a dev stack can issue without an admin round-trip.
func buildRegistry(ctx context.Context, cfg config.Config, deps registryDeps) (*registryComponents, error) {
	var state registryStore.State
	switch cfg.Registry.Backend {
	case "postgres":
		if deps.db == nil {
			return nil, fmt.Errorf("postgres registry backend needs a database")
		}
		state = registryStore.NewPostgresState(deps.db.DB())
	case "onchain":
		client, ok := deps.ledger.(*algorand.Client)
		if !ok {
			return nil, fmt.Errorf("onchain registry backend needs an algod connection")
		}
		state = registryStore.NewOnchainState(client.Algod(), cfg.Registry.AppID)
	default:
		state = registryStore.NewInMemoryState()
	}

	svc := registryService.New(state,
		registryService.WithLogger(deps.logger),
		registryService.WithMetrics(deps.metrics),
		registryService.WithAuditor(deps.auditor),
		registryService.WithTracer(deps.tracer),
		registryService.WithVouching(cfg.Registry.AllowVouching),
	)
	executor := registryService.NewExecutor(svc, registryService.WithSignatureSkew(cfg.Registry.SignatureSkew))

	if cfg.Registry.Backend != "onchain" {
		if err := bootstrapRegistry(ctx, cfg, svc, deps); err != nil {
			return nil, err
		}
	}
	return &registryComponents{service: svc, executor: executor}, nil
}

func bootstrapRegistry(ctx context.Context, cfg config.Config, svc *registryService.Service, deps registryDeps) error {
	ok, err := svc.IsBootstrapped(ctx)
	if err != nil {
		return fmt.Errorf("read registry state: %w", err)
	}
	if ok {
		return nil
	}

	admin := cfg.Registry.AdminAddress
	if admin == "" {
		if cfg.Environment.IsProduction() {
			deps.logger.Warn("registry has no admin; set REGISTRY_ADMIN_ADDRESS to bootstrap it")
			return nil
		}
		admin = deps.issuer
	}
	if err := svc.Bootstrap(ctx, admin); err != nil {
		return fmt.Errorf("bootstrap registry: %w", err)
	}
	deps.logger.Info("registry bootstrapped", "admin", admin)

	if admin == deps.issuer && !cfg.Environment.IsProduction() {
		meta := registryModels.Metadata{Name: "idmint dev issuer", URL: "http://localhost"}
		if err := svc.AddIssuer(ctx, admin, deps.issuer, meta); err != nil {
			return fmt.Errorf("authorize dev issuer: %w", err)
		}
	}
	return nil
}
