package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"idmint/internal/audit"
	"idmint/internal/credential"
	credentialHandler "idmint/internal/credential/handler"
	"idmint/internal/duplicate"
	"idmint/internal/identity/integrity"
	issuanceHandler "idmint/internal/issuance/handler"
	issuanceService "idmint/internal/issuance/service"
	"idmint/internal/ledger"
	"idmint/internal/ledger/algorand"
	ledgerMemory "idmint/internal/ledger/memory"
	"idmint/internal/platform/config"
	"idmint/internal/platform/database"
	"idmint/internal/platform/health"
	"idmint/internal/platform/kafka/producer"
	"idmint/internal/platform/metrics"
	"idmint/internal/platform/redis"
	rateLimitHandler "idmint/internal/ratelimit/handler"
	rateLimitMiddleware "idmint/internal/ratelimit/middleware"
	rateLimitModels "idmint/internal/ratelimit/models"
	rateLimitService "idmint/internal/ratelimit/service"
	"idmint/internal/ratelimit/store/counter"
	"idmint/internal/ratelimit/workers/cleanup"
	registryHandler "idmint/internal/registry/handler"
	"idmint/internal/schema"
	httptransport "idmint/internal/transport/http"
	verificationHandler "idmint/internal/verification/handler"
	"idmint/internal/verification/providers"
	"idmint/internal/verification/providers/mock"
	"idmint/internal/verification/providers/persona"
	"idmint/internal/verification/providers/veriff"
	verificationService "idmint/internal/verification/service"
	sessionStore "idmint/internal/verification/store"
	"idmint/pkg/platform/circuit"
	"idmint/pkg/platform/tracer"
)

// devIssuerBalance credits the generated dev issuer on the in-memory ledger.
const devIssuerBalance = 1_000 * 1_000_000

// application holds the router plus everything main must start or close.
type application struct {
	router  http.Handler
	workers []func(context.Context) error
	closers []func()
}

// close releases resources in reverse order of acquisition. Safe to call twice.
func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *application) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger, reg *prometheus.Registry, m *metrics.Metrics) (*application, error) {
	app := &application{}
	fail := func(err error) (*application, error) {
		app.close()
		return nil, err
	}
	production := cfg.Environment.IsProduction()
	tr := tracer.NewOTel()
	healthHandler := health.New(string(cfg.Environment))

	issuer, err := issuerSigner(cfg, log)
	if err != nil {
		return fail(err)
	}
	ledgerClient, err := buildLedger(cfg, issuer, log)
	if err != nil {
		return fail(err)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, reg)
	if err != nil {
		return fail(err)
	}
	if redisClient != nil {
		app.onClose(func() { _ = redisClient.Close() })
		healthHandler.RegisterCheck("redis", redisClient.Health)
		app.workers = append(app.workers, every(15*time.Second, redisClient.RecordPoolStats))
	}

	auditor, err := buildAuditor(cfg, log, app, healthHandler)
	if err != nil {
		return fail(err)
	}

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return fail(err)
	}
	if db != nil {
		app.onClose(func() { _ = db.Close() })
		healthHandler.RegisterCheck("database", db.Health)
	}

	registry, err := buildRegistry(ctx, cfg, registryDeps{
		ledger:  ledgerClient,
		db:      db,
		issuer:  issuer.Address,
		logger:  log,
		metrics: m,
		auditor: auditor,
		tracer:  tr,
	})
	if err != nil {
		return fail(err)
	}

	secret, err := integritySecret(cfg, log)
	if err != nil {
		return fail(err)
	}
	integritySvc, err := integrity.New(secret, integrity.WithTTL(cfg.Integrity.TokenTTL))
	if err != nil {
		return fail(err)
	}

	providerRegistry, err := buildProviders(cfg, log)
	if err != nil {
		return fail(err)
	}
	var sessions sessionStore.Store = sessionStore.NewInMemoryStore()
	if redisClient != nil {
		sessions = sessionStore.NewRedisStore(redisClient.Client)
	}
	verification := verificationService.New(sessions, providerRegistry, integritySvc,
		verificationService.WithLogger(log),
		verificationService.WithMetrics(m),
		verificationService.WithAuditor(auditor),
		verificationService.WithSessionTTL(cfg.Verification.SessionTTL),
		verificationService.WithDefaultProvider(cfg.Verification.DefaultProvider),
	)

	detector := duplicate.New(ledgerClient,
		duplicate.WithEnforcement(production),
		duplicate.WithBreaker(circuit.New("duplicate_scan")),
		duplicate.WithLogger(log),
		duplicate.WithMetrics(m),
		duplicate.WithTracer(tr),
	)

	signer, err := credential.NewSigner(issuer)
	if err != nil {
		return fail(err)
	}
	retry := issuanceService.DefaultRetryPolicy
	retry.MaxElapsed = cfg.Ledger.RetryMaxElapsed
	issuance := issuanceService.New(sessions, ledgerClient, signer, registry.service, detector,
		issuanceService.WithLogger(log),
		issuanceService.WithMetrics(m),
		issuanceService.WithAuditor(auditor),
		issuanceService.WithTracer(tr),
		issuanceService.WithIntegrity(integritySvc, cfg.Integrity.RequireToken),
		issuanceService.WithHolderFunding(cfg.Ledger.HolderFunding),
		issuanceService.WithSchemaURL(cfg.Credential.SchemaURL),
		issuanceService.WithRetryPolicy(retry),
		issuanceService.WithIssuanceLease(cfg.Ledger.IssuanceLease),
	)

	limiter, err := buildRateLimiter(cfg, redisClient, log, app)
	if err != nil {
		return fail(err)
	}

	trusted, err := parseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fail(err)
	}

	app.router = httptransport.NewRouter(httptransport.Deps{
		Health:         healthHandler,
		Verification:   verificationHandler.New(verification, log),
		Issuance:       issuanceHandler.New(issuance, log),
		Credential:     credentialHandler.New(schema.NewValidator(), registry.service, log),
		Registry:       registryHandler.New(registry.service, registry.executor, log),
		Schema:         schema.NewHandler(),
		RateLimit:      rateLimitHandler.New(limiter, log),
		IssueLimit:     rateLimitMiddleware.New(limiter, log, m).PerWallet(rateLimitModels.ScopeIssuance),
		Metrics:        m,
		Gatherer:       reg,
		TrustedProxies: trusted,
		RequestTimeout: cfg.Server.RequestTimeout,
		AdminToken:     cfg.Server.AdminToken,
	}, log)
	if cfg.Server.AdminToken == "" {
		log.Info("operator routes disabled, IDMINT_ADMIN_TOKEN is not set")
	}

	log.Info("issuer ready",
		"issuer", issuer.Address,
		"providers", providerRegistry.IDs(),
		"duplicate_enforcement", production,
		"rate_limit_per_hour", cfg.RateLimit.IssuancePerHour,
	)
	return app, nil
}

// issuerSigner loads the issuer key. Outside production a throwaway key is
// generated when no mnemonic is configured.
func issuerSigner(cfg config.Config, log *slog.Logger) (*ledger.Signer, error) {
	if cfg.Ledger.IssuerMnemonic != "" {
		return ledger.SignerFromMnemonic(cfg.Ledger.IssuerMnemonic)
	}
	if cfg.Environment.IsProduction() {
		return nil, fmt.Errorf("issuer mnemonic is required in production")
	}
	signer := ledger.GenerateSigner()
	log.Warn("using a generated issuer key; credentials will not survive a restart", "issuer", signer.Address)
	return signer, nil
}

func buildLedger(cfg config.Config, issuer *ledger.Signer, log *slog.Logger) (ledger.Client, error) {
	if cfg.Ledger.AlgodURL == "" {
		l := ledgerMemory.New(cfg.Ledger.Network, issuer.Address)
		l.Credit(issuer.Address, devIssuerBalance)
		log.Warn("using the in-memory ledger", "network", cfg.Ledger.Network)
		return l, nil
	}
	return algorand.New(algorand.Config{
		Network:            cfg.Ledger.Network,
		AlgodURL:           cfg.Ledger.AlgodURL,
		AlgodToken:         cfg.Ledger.AlgodToken,
		IndexerURL:         cfg.Ledger.IndexerURL,
		IndexerToken:       cfg.Ledger.IndexerToken,
		ConfirmationRounds: cfg.Ledger.ConfirmationRounds,
		IndexerRPS:         cfg.Ledger.IndexerRPS,
	}, issuer, algorand.WithLogger(log))
}

// buildAuditor publishes to Kafka when brokers are configured and keeps
// events in memory otherwise.
func buildAuditor(cfg config.Config, log *slog.Logger, app *application, h *health.Handler) (*audit.Publisher, error) {
	var sink audit.Store = audit.NewInMemoryStore()
	if cfg.Kafka.Brokers != "" {
		p, err := producer.New(producer.DefaultConfig(cfg.Kafka.Brokers), log)
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		app.onClose(func() { _ = p.Close() })
		h.RegisterCheck("kafka", p.Health)
		sink = audit.NewKafkaStore(p, cfg.Kafka.AuditTopic)
	}
	publisher := audit.NewPublisher(sink,
		audit.WithAsyncBuffer(1024),
		audit.WithPublisherLogger(log),
	)
	app.onClose(publisher.Close)
	return publisher, nil
}

func integritySecret(cfg config.Config, log *slog.Logger) ([]byte, error) {
	if cfg.Integrity.Secret != "" {
		return []byte(cfg.Integrity.Secret), nil
	}
	secret := make([]byte, integrity.MinSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate integrity secret: %w", err)
	}
	log.Warn("using a generated integrity secret; tokens will not survive a restart")
	return secret, nil
}

func buildProviders(cfg config.Config, log *slog.Logger) (*providers.Registry, error) {
	registry := providers.NewRegistry()
	vc := cfg.Verification
	if vc.Veriff.WebhookSecret != "" {
		p, err := veriff.New(veriff.Config{
			BaseURL:       vc.Veriff.BaseURL,
			APIKey:        vc.Veriff.APIKey,
			WebhookSecret: vc.Veriff.WebhookSecret,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	if vc.Persona.WebhookSecret != "" {
		p, err := persona.New(persona.Config{
			BaseURL:       vc.Persona.BaseURL,
			APIKey:        vc.Persona.APIKey,
			WebhookSecret: vc.Persona.WebhookSecret,
			TemplateID:    vc.Persona.TemplateID,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	if vc.AllowMockProvider {
		p, err := mock.New(true, cfg.Environment.IsProduction())
		if err != nil {
			return nil, err
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
		log.Warn("mock verification provider enabled")
	}
	return registry, nil
}

// buildRateLimiter counts in Redis when available. The in-memory counters
// need a cleanup worker; Redis keys expire on their own.
func buildRateLimiter(cfg config.Config, rc *redis.Client, log *slog.Logger, app *application) (*rateLimitService.Service, error) {
	var counters rateLimitService.CounterStore
	if rc != nil {
		counters = counter.NewRedisStore(rc.Client)
	} else {
		mem := counter.NewInMemoryStore()
		counters = mem
		worker := cleanup.New(mem, cleanup.WithLogger(log))
		app.workers = append(app.workers, worker.Start)
	}
	return rateLimitService.New(counters, cfg.RateLimit.IssuancePerHour, rateLimitService.WithLogger(log))
}

func parseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("parse trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}

// every runs fn on a ticker until ctx is done.
func every(interval time.Duration, fn func()) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
