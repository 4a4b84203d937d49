package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/accessgate/internal/api"
	"github.com/witlox/accessgate/internal/audit"
	"github.com/witlox/accessgate/internal/auth/jwt"
	"github.com/witlox/accessgate/internal/catalog"
	"github.com/witlox/accessgate/internal/delivery"
	"github.com/witlox/accessgate/internal/gate"
	"github.com/witlox/accessgate/internal/ledger"
	"github.com/witlox/accessgate/internal/token"
	"github.com/witlox/accessgate/pkg/memstore"
	"github.com/witlox/accessgate/pkg/models"
)

const adminSecret = "an-admin-signing-secret-of-32-bytes!"

type testServer struct {
	handler      http.Handler
	validator    *jwt.Validator
	collaborator *jwt.Validator
	auditLog     *audit.Service
}

func newTestServer(t *testing.T, mutate func(*api.RouterConfig)) *testServer {
	t.Helper()
	ctx := context.Background()

	reg := catalog.NewStatic(nil)
	for _, p := range []*models.Product{
		{ID: "P1", AccessType: models.AccessTypePayment, IsActive: true, AssetLocation: "s3://assets/p1.zip"},
		{ID: "free-1", AccessType: models.AccessTypeFree, IsActive: true, AssetLocation: "s3://assets/free.pdf"},
		{ID: "retired", AccessType: models.AccessTypeFree, IsActive: false},
		{ID: "orphan", AccessType: models.AccessTypePayment, IsActive: true},
	} {
		require.NoError(t, reg.UpsertProduct(ctx, p))
	}
	require.NoError(t, reg.UpsertGate(ctx, &models.AccessGate{
		ID: "g-p1", ProductID: "P1", GateType: models.GateTypePayment, IsEnabled: true,
	}))

	signer, err := ledger.NewHMACSigner("k1", []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	tokens := memstore.NewTokenStore()
	issuer := token.NewIssuer(reg, tokens, token.Config{
		Policies: token.Policies{Default: token.Policy{TTL: time.Hour, MaxRedemptions: 2}},
	}, nil)
	ldg := ledger.New(tokens, reg, signer, ledger.Config{}, nil)
	auditLog := audit.NewService(memstore.NewAuditRepository(), nil, nil)
	t.Cleanup(func() { _ = auditLog.Close() })

	authorizer := delivery.New(delivery.Config{}, gate.NewEvaluator(reg, nil, nil), issuer, ldg, auditLog)

	validator, err := jwt.NewValidator(jwt.Config{
		Secret: []byte(adminSecret), Issuer: "accessgate", Audience: "accessgate-admin",
	})
	require.NoError(t, err)
	collaborator, err := jwt.NewValidator(jwt.Config{
		Secret: []byte(adminSecret), Issuer: "accessgate", Audience: "accessgate-collaborator",
	})
	require.NoError(t, err)

	cfg := api.DefaultRouterConfig()
	cfg.AdminAuth = validator
	cfg.AccessAuth = collaborator
	if mutate != nil {
		mutate(cfg)
	}

	return &testServer{
		handler: api.NewRouter(cfg, &api.Services{
			Authorizer: authorizer,
			Audit:      auditLog,
		}),
		validator:    validator,
		collaborator: collaborator,
		auditLog:     auditLog,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) adminToken(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := s.validator.Mint("ops@example.com", roles, time.Hour)
	require.NoError(t, err)
	return tok
}

// serviceToken mints a bearer token for a verification collaborator. With
// no roles it carries the default collaborator role.
func (s *testServer) serviceToken(t *testing.T, roles ...string) string {
	t.Helper()
	if len(roles) == 0 {
		roles = []string{"collaborator"}
	}
	tok, err := s.collaborator.Mint("payments-service", roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorDetail {
	t.Helper()
	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func requestGrant(t *testing.T, s *testServer) delivery.Grant {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/access", api.AccessRequest{
		ProductID: "P1",
		Holder:    "a@x.com",
		Proof:     &api.ProofRequest{Type: models.ProofKindPayment, Verified: true, TransactionRef: "tx-1"},
	}, s.serviceToken(t))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var grant delivery.Grant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &grant))
	require.NotEmpty(t, grant.Token)
	return grant
}

func TestAccessAndRedeemFlow(t *testing.T) {
	s := newTestServer(t, nil)
	grant := requestGrant(t, s)
	assert.Equal(t, "P1", grant.ProductID)
	assert.Equal(t, 2, grant.MaxRedemptions)

	for want := 1; want >= 0; want-- {
		rec := s.do(t, http.MethodPost, "/api/v1/redeem", api.TokenRequest{Token: grant.Token}, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var auth models.FetchAuthorization
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auth))
		assert.Equal(t, want, auth.Remaining)
		assert.Equal(t, "s3://assets/p1.zip", auth.AssetLocation)
		assert.Equal(t, "k1", auth.KeyID)
	}

	rec := s.do(t, http.MethodPost, "/api/v1/redeem", api.TokenRequest{Token: grant.Token}, "")
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "exhausted", decodeError(t, rec).Code)
}

func TestAccessErrors(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unknown product",
			body:       api.AccessRequest{ProductID: "nope", Holder: "a@x.com"},
			wantStatus: http.StatusNotFound,
			wantCode:   "product-not-found",
		},
		{
			name:       "inactive product",
			body:       api.AccessRequest{ProductID: "retired", Holder: "a@x.com"},
			wantStatus: http.StatusConflict,
			wantCode:   "product-inactive",
		},
		{
			name:       "gate without configuration",
			body:       api.AccessRequest{ProductID: "orphan", Holder: "a@x.com"},
			wantStatus: http.StatusConflict,
			wantCode:   "misconfigured-gate",
		},
		{
			name: "unverified payment",
			body: api.AccessRequest{
				ProductID: "P1",
				Holder:    "a@x.com",
				Proof:     &api.ProofRequest{Type: models.ProofKindPayment},
			},
			wantStatus: http.StatusForbidden,
			wantCode:   "gate-denied",
		},
		{
			name:       "missing holder",
			body:       api.AccessRequest{ProductID: "free-1"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid-input",
		},
		{
			name:       "unknown field",
			body:       map[string]string{"product_id": "free-1", "holder": "a@x.com", "extra": "x"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid-input",
		},
	}

	bearer := s.serviceToken(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/access", tt.body, bearer)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestGateDenialHidesDetail(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/access", api.AccessRequest{
		ProductID: "P1",
		Holder:    "a@x.com",
		Proof:     &api.ProofRequest{Type: models.ProofKindEmail, Address: "a@x.com"},
	}, s.serviceToken(t))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "access requirements not met", decodeError(t, rec).Message)
}

func TestUnknownProofType(t *testing.T) {
	s := newTestServer(t, nil)
	bearer := s.serviceToken(t)
	proof := &api.ProofRequest{Type: "carrier-pigeon"}

	rec := s.do(t, http.MethodPost, "/api/v1/access",
		api.AccessRequest{ProductID: "free-1", Holder: "a@x.com", Proof: proof}, bearer)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/v1/access",
		api.AccessRequest{ProductID: "P1", Holder: "a@x.com", Proof: proof}, bearer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "gate-denied", decodeError(t, rec).Code)
}

func TestAccessRequiresCollaboratorToken(t *testing.T) {
	s := newTestServer(t, nil)
	body := api.AccessRequest{
		ProductID: "P1",
		Holder:    "attacker@x.com",
		Proof:     &api.ProofRequest{Type: models.ProofKindPayment, Verified: true},
	}

	tests := []struct {
		name       string
		bearer     string
		wantStatus int
		wantCode   string
	}{
		{"no token", "", http.StatusUnauthorized, "unauthorized"},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized, "unauthorized"},
		{"admin audience", s.adminToken(t, "collaborator"), http.StatusUnauthorized, "unauthorized"},
		{"missing role", s.serviceToken(t, "viewer"), http.StatusForbidden, "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/access", body, tt.bearer)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}

	records, err := s.auditLog.Query(context.Background(), audit.QueryParams{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAccessDisabledWithoutCollaboratorValidator(t *testing.T) {
	s := newTestServer(t, func(cfg *api.RouterConfig) { cfg.AccessAuth = nil })

	rec := s.do(t, http.MethodPost, "/api/v1/access", api.AccessRequest{ProductID: "free-1", Holder: "a@x.com"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "route not found", decodeError(t, rec).Message)

	rec = s.do(t, http.MethodPost, "/api/v1/redeem", api.TokenRequest{Token: "unknown"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEqual(t, "route not found", decodeError(t, rec).Message)
}

func TestRedeemErrors(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/redeem", api.TokenRequest{Token: "unknown"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not-found", decodeError(t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/v1/redeem", api.TokenRequest{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/admin/tokens/status", api.TokenRequest{Token: "x"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/tokens/status", api.TokenRequest{Token: "x"}, s.adminToken(t, "viewer"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeError(t, rec).Code)
}

func TestAdminRoutesDisabledWithoutValidator(t *testing.T) {
	s := newTestServer(t, func(cfg *api.RouterConfig) { cfg.AdminAuth = nil })

	rec := s.do(t, http.MethodGet, "/api/v1/admin/audit", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeAndStatus(t *testing.T) {
	s := newTestServer(t, nil)
	grant := requestGrant(t, s)
	admin := s.adminToken(t, "admin")

	rec := s.do(t, http.MethodPost, "/api/v1/redeem", api.TokenRequest{Token: grant.Token}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/tokens/revoke", api.TokenRequest{Token: grant.Token}, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var revoked map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &revoked))
	assert.Equal(t, true, revoked["ok"])
	assert.Equal(t, grant.TokenID, revoked["token_id"])

	rec = s.do(t, http.MethodPost, "/api/v1/redeem", api.TokenRequest{Token: grant.Token}, "")
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "revoked", decodeError(t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/tokens/status", api.TokenRequest{Token: grant.Token}, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	var status delivery.TokenStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Token.IsRevoked)
	assert.Equal(t, 1, status.Token.RedemptionCount)
	require.Len(t, status.Records, 2)
	assert.Equal(t, models.RedemptionGranted, status.Records[0].Outcome)
	assert.Equal(t, models.RedemptionDeniedRevoked, status.Records[1].Outcome)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/tokens/revoke", api.TokenRequest{Token: "unknown"}, admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	grant := requestGrant(t, s)
	admin := s.adminToken(t, "admin")

	rec := s.do(t, http.MethodPost, "/api/v1/redeem", api.TokenRequest{Token: grant.Token}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	s.auditLog.Flush()

	rec = s.do(t, http.MethodGet, "/api/v1/admin/audit?event_type=token.redeem", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Events []*models.AuditEvent `json:"events"`
		Count  int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, 1, page.Count)
	assert.Equal(t, grant.TokenID, page.Events[0].TokenID)

	rec = s.do(t, http.MethodGet, "/api/v1/admin/audit/"+page.Events[0].ID, nil, admin)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/admin/audit/does-not-exist", nil, admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/admin/audit?since=yesterday", nil, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/admin/audit/export?format=csv", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "token.redeem")

	rec = s.do(t, http.MethodGet, "/api/v1/admin/audit/stats", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats audit.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.TotalEvents)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/audit/verify", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":true}`, rec.Body.String())
}

func TestHealthRoutes(t *testing.T) {
	health := api.NewHealthChecker(nil)
	healthy := true
	health.Register("store", func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("connection refused")
	})

	router := api.NewRouter(&api.RouterConfig{Version: "1.2.3"}, &api.Services{Health: health})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var result api.HealthCheckResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "1.2.3", result.Version)
	assert.Equal(t, "healthy", result.Components["store"].Status)

	healthy = false
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	router := api.NewRouter(nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/nothing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not-found", decodeError(t, rec).Code)
}

func TestRateLimitedRouter(t *testing.T) {
	s := newTestServer(t, func(cfg *api.RouterConfig) {
		cfg.RateLimiter = api.NewInMemoryRateLimiter(1, time.Minute)
	})

	rec := s.do(t, http.MethodPost, "/api/v1/redeem", api.TokenRequest{Token: "x"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/redeem", api.TokenRequest{Token: "x"}, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
