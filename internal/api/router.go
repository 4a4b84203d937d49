package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/witlox/accessgate/internal/auth/jwt"
	"github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/metrics"
	"github.com/witlox/accessgate/pkg/telemetry"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	ServiceName string
	Version     string
	Logger      *slog.Logger
	RateLimiter RateLimiter
	// AdminAuth validates admin bearer tokens. Admin routes are not mounted
	// without it.
	AdminAuth        *jwt.Validator
	AdminRole        string
	// AccessAuth validates the bearer tokens of verification collaborators
	// (payment and email services) that attest proofs. POST /api/v1/access
	// is not mounted without it.
	AccessAuth       *jwt.Validator
	AccessRole       string
	Metrics          *metrics.HTTPMetrics
	Tracing          bool
	MiddlewareConfig *MiddlewareConfig
}

// DefaultRouterConfig returns a default router configuration.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		ServiceName:      "access-gateway",
		Version:          "dev",
		Logger:           slog.Default(),
		AdminRole:        "admin",
		AccessRole:       "collaborator",
		MiddlewareConfig: DefaultMiddlewareConfig(),
	}
}

// Services holds the service dependencies of the API.
type Services struct {
	Authorizer Authorizer
	Audit      AuditService
	Health     *HealthChecker
}

// NewRouter creates a new chi router with all middleware and routes.
func NewRouter(config *RouterConfig, services *Services) chi.Router {
	if config == nil {
		config = DefaultRouterConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MiddlewareConfig == nil {
		config.MiddlewareConfig = DefaultMiddlewareConfig()
	}
	if services == nil {
		services = &Services{}
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(RecoveryMiddleware(config.Logger))
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(config.Logger))
	if config.Tracing {
		r.Use(telemetry.Middleware(config.ServiceName, metrics.SanitizePath))
	}
	if config.Metrics != nil {
		r.Use(metrics.Middleware(config.Metrics))
	}
	if config.RateLimiter != nil {
		r.Use(RateLimitMiddleware(config.RateLimiter, config.MiddlewareConfig, config.Logger))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, errors.CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, errors.CodeInvalidInput, "method not allowed")
	})

	registerHealthRoutes(r, config, services.Health)
	registerAccessRoutes(r, config, services)
	registerAdminRoutes(r, config, services)

	return r
}

func registerHealthRoutes(r chi.Router, config *RouterConfig, health *HealthChecker) {
	if health == nil {
		health = NewHealthChecker(config.Logger)
	}
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		result := health.Check(req.Context())
		result.Version = config.Version
		status := http.StatusOK
		if result.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, result)
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		if health.Check(req.Context()).Status != "healthy" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Get("/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
}

func registerAccessRoutes(r chi.Router, config *RouterConfig, services *Services) {
	if services.Authorizer == nil {
		return
	}
	handler := NewAccessHandler(services.Authorizer, config.Logger)
	r.Route("/api/v1", func(r chi.Router) {
		if config.AccessAuth != nil {
			r.With(jwt.Middleware(config.AccessAuth, config.AccessRole, writeJSONError)).
				Post("/access", handler.RequestAccess)
		} else {
			config.Logger.Warn("access requests disabled: no collaborator token validator configured")
		}
		r.Post("/redeem", handler.Redeem)
	})
}

func registerAdminRoutes(r chi.Router, config *RouterConfig, services *Services) {
	if config.AdminAuth == nil {
		config.Logger.Warn("admin routes disabled: no admin token validator configured")
		return
	}
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(jwt.Middleware(config.AdminAuth, config.AdminRole, writeJSONError))

		if services.Authorizer != nil {
			tokens := NewTokenAdminHandler(services.Authorizer, config.Logger)
			r.Post("/tokens/revoke", tokens.Revoke)
			r.Post("/tokens/status", tokens.Status)
		}

		if services.Audit != nil {
			audit := NewAuditHandler(services.Audit, config.Logger)
			r.Get("/audit", audit.Query)
			r.Get("/audit/export", audit.Export)
			r.Get("/audit/stats", audit.Stats)
			r.Post("/audit/verify", audit.Verify)
			r.Get("/audit/{id}", audit.Get)
		}
	})
}
