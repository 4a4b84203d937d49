package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/accessgate/pkg/client"
	"github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRequestAccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/access", r.URL.Path)
		assert.Equal(t, "Bearer service-jwt", r.Header.Get("Authorization"))

		var req client.AccessRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "P1", req.ProductID)
		if assert.NotNil(t, req.Proof) {
			assert.True(t, req.Proof.Verified)
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"token":           "tok-value",
			"token_id":        "t-1",
			"product_id":      "P1",
			"max_redemptions": 5,
		})
	}))
	defer srv.Close()

	c := client.New(client.Config{BaseURL: srv.URL, AdminToken: "admin", ServiceToken: "service-jwt"})
	grant, err := c.RequestAccess(context.Background(), client.AccessRequest{
		ProductID: "P1",
		Holder:    "a@x.com",
		Proof:     &client.Proof{Type: models.ProofKindPayment, Verified: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "tok-value", grant.Token)
	assert.Equal(t, 5, grant.MaxRedemptions)
}

func TestErrorsUnwrapToSentinels(t *testing.T) {
	tests := []struct {
		code   string
		status int
		want   error
	}{
		{"gate-denied", http.StatusForbidden, errors.ErrGateDenied},
		{"exhausted", http.StatusGone, errors.ErrTokenExhausted},
		{"not-found", http.StatusNotFound, errors.ErrTokenNotFound},
		{"rate-limited", http.StatusTooManyRequests, errors.ErrRateLimited},
		{"something-new", http.StatusTeapot, errors.ErrInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tt.status, map[string]any{
					"error": map[string]string{"code": tt.code, "message": "nope"},
				})
			}))
			defer srv.Close()

			_, err := client.New(client.Config{BaseURL: srv.URL}).Redeem(context.Background(), "tok")
			require.ErrorIs(t, err, tt.want)

			var apiErr *client.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := client.New(client.Config{BaseURL: srv.URL}).Redeem(context.Background(), "tok")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Empty(t, apiErr.Code)
	assert.Contains(t, apiErr.Message, "bad gateway")
}

func TestAdminCallsSendBearer(t *testing.T) {
	revokedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer admin-jwt", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/v1/admin/tokens/revoke":
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "token_id": "t-1", "revoked_at": revokedAt})
		case "/api/v1/admin/tokens/status":
			writeJSON(w, http.StatusOK, map[string]any{
				"token":   map[string]any{"id": "t-1", "product_id": "P1", "redemption_count": 2},
				"records": []map[string]any{{"token_id": "t-1", "outcome": "granted"}},
			})
		case "/api/v1/admin/audit":
			q := r.URL.Query()
			assert.Equal(t, "token.redeem", q.Get("event_type"))
			assert.Equal(t, "10", q.Get("limit"))
			assert.Equal(t, "2026-03-01T00:00:00Z", q.Get("since"))
			writeJSON(w, http.StatusOK, map[string]any{
				"events": []map[string]any{{"id": "e-1", "event_type": "token.redeem"}},
				"count":  1,
			})
		case "/api/v1/admin/audit/verify":
			writeJSON(w, http.StatusOK, map[string]any{"valid": true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := client.New(client.Config{BaseURL: srv.URL})
	c.SetAdminToken("admin-jwt")

	revoked, err := c.Revoke(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, revoked.OK)
	require.NotNil(t, revoked.RevokedAt)
	assert.True(t, revokedAt.Equal(*revoked.RevokedAt))

	status, err := c.Status(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, 2, status.Token.RedemptionCount)
	require.Len(t, status.Records, 1)
	assert.Equal(t, models.RedemptionGranted, status.Records[0].Outcome)

	events, err := c.QueryAudit(ctx, client.AuditQueryParams{
		EventType: "token.redeem",
		Since:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Limit:     10,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.AuditEventTypeTokenRedeem, events[0].EventType)

	valid, err := c.VerifyAudit(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "version": "1.0.0"})
	}))
	defer srv.Close()

	health, err := client.New(client.Config{BaseURL: srv.URL}).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "1.0.0", health.Version)
}
