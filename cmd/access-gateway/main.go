// Package main implements the access gateway service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/witlox/accessgate/internal/api"
	"github.com/witlox/accessgate/internal/audit"
	"github.com/witlox/accessgate/internal/auth/jwt"
	"github.com/witlox/accessgate/internal/catalog"
	"github.com/witlox/accessgate/internal/config"
	"github.com/witlox/accessgate/internal/delivery"
	"github.com/witlox/accessgate/internal/gate"
	"github.com/witlox/accessgate/internal/ledger"
	"github.com/witlox/accessgate/internal/token"
	"github.com/witlox/accessgate/pkg/memstore"
	"github.com/witlox/accessgate/pkg/metrics"
	"github.com/witlox/accessgate/pkg/opa"
	"github.com/witlox/accessgate/pkg/postgres"
	"github.com/witlox/accessgate/pkg/redisstore"
	"github.com/witlox/accessgate/pkg/telemetry"
	"github.com/witlox/accessgate/pkg/vault"
)

var version = "dev"

const serviceName = "access-gateway"

func main() {
	cfg, err := config.Load(os.Getenv("ACCESSGATE_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg.Service = serviceName

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting access gateway", "version", version, "storage", cfg.Storage.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("access gateway failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// stores holds the storage backends selected by storage.driver.
type stores struct {
	registry catalog.Registry
	tokens   ledger.Store
	audit    audit.Repository
	closers  []io.Closer
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
}

func openStores(ctx context.Context, cfg *config.Config, health *api.HealthChecker, logger *slog.Logger) (*stores, error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverPostgres:
		db, err := postgres.OpenConfig(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := db.RunMigrations(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		health.Register("postgres", db.HealthCheck)
		logger.InfoContext(ctx, "connected to postgres", "host", cfg.Database.Host, "database", cfg.Database.Database)
		return &stores{
			registry: postgres.NewCatalogRepository(db),
			tokens:   postgres.NewTokenStore(db),
			audit:    postgres.NewAuditRepository(db),
			closers:  []io.Closer{db},
		}, nil

	case config.StorageDriverRedis:
		registry, err := loadCatalog(cfg.Catalog.File)
		if err != nil {
			return nil, err
		}
		client, err := redisstore.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		health.Register("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
		logger.InfoContext(ctx, "connected to redis", "prefix", cfg.Redis.KeyPrefix)
		return &stores{
			registry: registry,
			tokens:   redisstore.NewTokenStore(client, cfg.Redis.KeyPrefix, cfg.Ledger.MaxMutateRetries),
			audit:    redisstore.NewAuditRepository(client, cfg.Redis.KeyPrefix, cfg.Ledger.MaxMutateRetries),
			closers:  []io.Closer{client},
		}, nil

	default:
		registry, err := loadCatalog(cfg.Catalog.File)
		if err != nil {
			return nil, err
		}
		logger.WarnContext(ctx, "using in-memory storage; tokens are lost on restart")
		return &stores{
			registry: registry,
			tokens:   memstore.NewTokenStore(),
			audit:    memstore.NewAuditRepository(),
		}, nil
	}
}

func loadCatalog(path string) (*catalog.Static, error) {
	if path == "" {
		return nil, errors.New("catalog.file is required for the redis and memory storage drivers")
	}
	f, err := catalog.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return catalog.NewStatic(f), nil
}

func newSigner(ctx context.Context, cfg *config.Config, health *api.HealthChecker, logger *slog.Logger) (ledger.Signer, error) {
	switch cfg.Signing.Driver {
	case config.SigningDriverNone:
		logger.WarnContext(ctx, "fetch authorizations are unsigned")
		return nil, nil
	case config.SigningDriverVault:
		client, err := vault.New(vault.Config{
			Address:   cfg.Vault.Address,
			Token:     cfg.Vault.Token,
			Namespace: cfg.Vault.Namespace,
			CACert:    cfg.Vault.TLSCAFile,
		}, logger)
		if err != nil {
			return nil, err
		}
		signer := client.Signer(cfg.Vault.TransitMount, cfg.Signing.VaultKey)
		if err := signer.EnsureKey(ctx); err != nil {
			return nil, fmt.Errorf("ensure signing key: %w", err)
		}
		health.Register("vault", client.HealthCheck)
		return signer, nil
	default:
		return ledger.NewHMACSigner(cfg.Signing.KeyID, []byte(cfg.Signing.HMACKey))
	}
}

func newForwarder(cfg *config.Config, health *api.HealthChecker) (audit.Forwarder, error) {
	if !cfg.Audit.KafkaEnabled {
		return audit.NoopForwarder{}, nil
	}
	fwd, err := audit.NewKafkaForwarder(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic, cfg.Audit.WriteTimeout)
	if err != nil {
		return nil, err
	}
	health.Register("kafka", fwd.HealthCheck)
	return fwd, nil
}

func newPolicies(ctx context.Context, cfg *config.Config, health *api.HealthChecker) (*gate.Policies, error) {
	var remote *opa.Client
	for _, p := range cfg.Policies {
		if p.Type == config.PolicyTypeOPA {
			remote = opa.NewClient(cfg.OPA.Address, opa.WithTimeout(cfg.OPA.Timeout))
			health.Register("opa", remote.Health)
			break
		}
	}
	return gate.LoadPolicies(ctx, cfg.Policies, remote)
}

// newRateLimiter returns nil when rate limiting is disabled. client is only
// used by the redis backend.
func newRateLimiter(cfg *config.Config, client *redis.Client) api.RateLimiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	if client != nil && cfg.RateLimit.Backend == "redis" {
		return redisstore.NewRateLimiter(client, cfg.Redis.KeyPrefix, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}
	return api.NewInMemoryRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		Insecure:       cfg.Telemetry.Insecure,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to initialize telemetry", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	health := api.NewHealthChecker(logger)

	st, err := openStores(ctx, cfg, health, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	signer, err := newSigner(ctx, cfg, health, logger)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}

	policies, err := newPolicies(ctx, cfg, health)
	if err != nil {
		return fmt.Errorf("policies: %w", err)
	}

	forwarder, err := newForwarder(cfg, health)
	if err != nil {
		return fmt.Errorf("audit forwarder: %w", err)
	}
	auditSvc := audit.NewService(st.audit, forwarder, logger)
	defer func() { _ = auditSvc.Close() }()
	health.Register("audit", auditSvc.HealthCheck)

	engineMetrics := metrics.NewEngineMetrics()
	httpMetrics := metrics.NewHTTPMetrics(serviceName, version)

	issuer := token.NewIssuer(st.registry, st.tokens, token.Config{
		Policies:    token.PoliciesFromConfig(cfg.Issuer),
		MaxAttempts: cfg.Issuer.MaxAttempts,
	}, logger)
	ldg := ledger.New(st.tokens, st.registry, signer, ledger.Config{
		AuthorizationTTL: cfg.Delivery.AuthorizationTTL,
	}, logger)
	authorizer := delivery.New(
		delivery.Config{RedactDenials: cfg.Delivery.RedactDenials},
		gate.NewEvaluator(st.registry, policies, logger),
		issuer, ldg, auditSvc,
		delivery.WithMetrics(engineMetrics),
		delivery.WithLogger(logger),
	)

	routerCfg := api.DefaultRouterConfig()
	routerCfg.ServiceName = serviceName
	routerCfg.Version = version
	routerCfg.Logger = logger
	routerCfg.Metrics = httpMetrics
	routerCfg.Tracing = cfg.Telemetry.Enabled
	routerCfg.AdminRole = cfg.Auth.AdminRole
	routerCfg.MiddlewareConfig.RateLimitWindow = cfg.RateLimit.Window
	if cfg.Auth.JWTSecret != "" {
		validator, err := jwt.NewValidator(jwt.Config{
			Secret:   []byte(cfg.Auth.JWTSecret),
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Leeway:   cfg.Auth.Leeway,
		})
		if err != nil {
			return fmt.Errorf("admin auth: %w", err)
		}
		routerCfg.AdminAuth = validator

		collaborators, err := jwt.NewValidator(jwt.Config{
			Secret:   []byte(cfg.Auth.JWTSecret),
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.CollaboratorAudience,
			Leeway:   cfg.Auth.Leeway,
		})
		if err != nil {
			return fmt.Errorf("collaborator auth: %w", err)
		}
		routerCfg.AccessAuth = collaborators
		routerCfg.AccessRole = cfg.Auth.CollaboratorRole
	}
	var redisClient *redis.Client
	if cfg.RateLimit.Enabled && cfg.RateLimit.Backend == "redis" {
		client, err := redisstore.Connect(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		defer func() { _ = client.Close() }()
		redisClient = client
	}
	if limiter := newRateLimiter(cfg, redisClient); limiter != nil {
		routerCfg.RateLimiter = limiter
	}

	router := api.NewRouter(routerCfg, &api.Services{
		Authorizer: authorizer,
		Audit:      auditSvc,
		Health:     health,
	})

	serverCfg := api.ServerConfig{
		Addr:            cfg.Server.Addr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: 30 * time.Second,
		Logger:          logger,
	}
	if cfg.Server.TLSEnabled {
		serverCfg.TLSCertFile = cfg.Server.TLSCertFile
		serverCfg.TLSKeyFile = cfg.Server.TLSKeyFile
	}
	server, err := api.NewServer(router, serverCfg)
	if err != nil {
		return err
	}

	errCh := server.StartAsync(ctx)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
