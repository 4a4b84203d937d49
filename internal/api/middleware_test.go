package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgErrors "github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "bad id\nforged=1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.NotEqual(t, "bad id\nforged=1", seen)
	assert.Len(t, seen, 36)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":{"code":"internal-error","message":"internal server error"}}`, rec.Body.String())
}

func TestLoggingMiddlewareKeepsStatus(t *testing.T) {
	handler := LoggingMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

type erroringLimiter struct{}

func (erroringLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func (erroringLimiter) GetRemaining(context.Context, string) (int, error) { return 0, nil }

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("limits per client", func(t *testing.T) {
		handler := RateLimitMiddleware(NewInMemoryRateLimiter(2, time.Minute), nil, nil)(ok)

		statuses := make([]int, 0, 3)
		for range 3 {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/redeem", nil)
			req.RemoteAddr = "10.0.0.1:5000"
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			statuses = append(statuses, rec.Code)
		}
		assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, statuses)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/redeem", nil)
		req.RemoteAddr = "10.0.0.2:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("reports remaining", func(t *testing.T) {
		handler := RateLimitMiddleware(NewInMemoryRateLimiter(0, time.Minute), nil, nil)(ok)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/access", nil))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	})

	t.Run("skips health paths", func(t *testing.T) {
		handler := RateLimitMiddleware(NewInMemoryRateLimiter(0, time.Minute), nil, nil)(ok)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("limiter failure", func(t *testing.T) {
		handler := RateLimitMiddleware(erroringLimiter{}, nil, nil)(ok)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/access", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestInMemoryRateLimiterWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewInMemoryRateLimiter(2, time.Minute)
	limiter.now = func() time.Time { return now }

	remaining, err := limiter.GetRemaining(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	for i := range 2 {
		allowed, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
	}
	allowed, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, allowed)

	remaining, err = limiter.GetRemaining(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	now = now.Add(time.Minute + time.Second)
	allowed, err = limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Len(t, limiter.buckets, 1)
}

func TestProofRequest(t *testing.T) {
	var nilReq *ProofRequest
	assert.Nil(t, nilReq.Proof())
	assert.Nil(t, (&ProofRequest{}).Proof())

	assert.Equal(t, models.EmailProof{Address: "a@x.com"}, (&ProofRequest{Type: "email", Address: "a@x.com"}).Proof())
	assert.Equal(t, models.PaymentProof{Verified: true, TransactionRef: "tx"},
		(&ProofRequest{Type: "payment", Verified: true, TransactionRef: "tx"}).Proof())

	unknown := (&ProofRequest{Type: "fax"}).Proof()
	assert.Equal(t, models.UnrecognizedProof{Type: "fax"}, unknown)
	assert.Equal(t, models.ProofKind("fax"), unknown.Kind())
}

func TestHandleErrorMapsCodes(t *testing.T) {
	tests := []struct {
		err         error
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{
			err:         pkgErrors.NewGateError("P1", pkgErrors.CodeGateDenied, "payment-unverified"),
			wantStatus:  http.StatusForbidden,
			wantCode:    "gate-denied",
			wantMessage: "access requirements not met",
		},
		{
			err:         pkgErrors.NewValidationError("holder", "is required"),
			wantStatus:  http.StatusBadRequest,
			wantCode:    "invalid-input",
			wantMessage: "holder is required",
		},
		{
			err:         pkgErrors.NewStorageError(pkgErrors.ErrIssuanceFailed, "create token", errors.New("pq: connection refused")),
			wantStatus:  http.StatusServiceUnavailable,
			wantCode:    "issuance-failed",
			wantMessage: "token could not be issued, retry later",
		},
		{
			err:         pkgErrors.ErrTokenExpired,
			wantStatus:  http.StatusGone,
			wantCode:    "expired",
			wantMessage: "token has expired",
		},
		{
			err:         errors.New("disk on fire"),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    "internal-error",
			wantMessage: "internal server error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), slog.Default(), tt.err)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.Equal(t, tt.wantMessage, resp.Error.Message)
		})
	}
}
