package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRegistry(t *testing.T) {
	reg := GetRegistry()
	require.NotNil(t, reg)
	assert.Same(t, reg, GetRegistry())

	ResetRegistry()
	assert.NotSame(t, reg, GetRegistry())
}

func TestNewHTTPMetrics(t *testing.T) {
	ResetRegistry()
	m := NewHTTPMetrics("access-gateway", "1.0.0")
	require.NotNil(t, m)

	m.RequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/health", "200")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "accessgate_access_gateway_build_info")
}

func TestEngineMetrics(t *testing.T) {
	ResetRegistry()
	m := NewEngineMetrics()

	m.ObserveGate("email", "denied", "gate-denied", time.Millisecond)
	m.ObserveIssue("success")
	m.ObserveRedeem("granted", time.Millisecond)
	m.ObserveRedeem("denied-expired", time.Millisecond)
	m.ObserveRevoke("success")
	m.ObserveAudit("token.redeem", "success", nil)
	m.ObserveAudit("token.redeem", "success", assert.AnError)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.GateDecisions.WithLabelValues("email", "denied", "gate-denied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TokensIssued.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Redemptions.WithLabelValues("denied-expired")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Revocations.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AuditEvents.WithLabelValues("token.redeem", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AuditWriteErrors))
}

func TestNilEngineMetrics(t *testing.T) {
	var m *EngineMetrics
	assert.NotPanics(t, func() {
		m.ObserveGate("free", "allowed", "", 0)
		m.ObserveIssue("success")
		m.ObserveRedeem("granted", 0)
		m.ObserveRevoke("success")
		m.ObserveAudit("token.issue", "success", nil)
	})
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/api/v1/admin/audit/3f2b8c1e-4d5a-4b6c-8d7e-9f0a1b2c3d4e", "/api/v1/admin/audit/{id}"},
		{"/download/Zm9vYmFyYmF6cXV4Zm9vYmFyYmF6cXV4Zm9vYmFyYmF6cXV4", "/download/{value}"},
		{"/auth/eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ4In0.c2ln", "/auth/{jwt}"},
		{"/health", "/health"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizePath(tt.input))
		})
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	ResetRegistry()
	m := NewHTTPMetrics("test", "1.0")

	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/42", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/items/{id}", "418")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.InFlight))
}

func TestHandler(t *testing.T) {
	ResetRegistry()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
