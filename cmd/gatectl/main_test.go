package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/accessgate/internal/auth/jwt"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAccessRequest(t *testing.T) {
	t.Setenv("ACCESSGATE_SERVICE_TOKEN", "svc-jwt")
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer svc-jwt", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"tok-1","token_id":"t-1","product_id":"P1","max_redemptions":5}`))
	}))
	defer srv.Close()

	out, err := execute(t, "--api-url", srv.URL, "access", "request", "P1",
		"--holder", "a@x.com", "--proof", "payment", "--verified", "--tx-ref", "tx-9")
	require.NoError(t, err)
	assert.Contains(t, out, "Token: tok-1")
	assert.Contains(t, out, "Redemptions: 5")

	assert.Equal(t, "P1", got["product_id"])
	proof, ok := got["proof"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "payment", proof["type"])
	assert.Equal(t, true, proof["verified"])
	assert.Equal(t, "tx-9", proof["transaction_ref"])
}

func TestAccessRedeemDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"error":{"code":"expired","message":"token has expired"}}`))
	}))
	defer srv.Close()

	_, err := execute(t, "--api-url", srv.URL, "access", "redeem", "tok-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestAccessRequestRejectsUnknownProof(t *testing.T) {
	_, err := execute(t, "access", "request", "P1", "--holder", "a@x.com", "--proof", "fax")
	require.Error(t, err)
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, "unlimited", remaining(-1))
	assert.Equal(t, "3", remaining(3))
}

func TestCatalogImportDryRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`products:
  - id: P1
    name: Course
    access_type: payment
    is_active: true
    asset_location: s3://assets/p1.zip
    gates:
      - id: g-p1
        gate_type: payment
        is_enabled: true
  - id: free-1
    name: Sampler
    access_type: free
    is_active: true
`), 0o600))

	out, err := execute(t, "catalog", "import", "--dry-run", path)
	require.NoError(t, err)
	assert.Equal(t, "Catalog valid: 2 products, 1 gates\n", out)
}

func TestAdminTokenAudiences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accessgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwt_secret: gatectl-signing-secret-of-32-bytes-min\n"), 0o600))

	newValidator := func(audience string) *jwt.Validator {
		v, err := jwt.NewValidator(jwt.Config{
			Secret:   []byte("gatectl-signing-secret-of-32-bytes-min"),
			Issuer:   "accessgate",
			Audience: audience,
		})
		require.NoError(t, err)
		return v
	}
	admin := newValidator("accessgate-admin")
	collaborators := newValidator("accessgate-collaborator")

	out, err := execute(t, "--config", path, "admin-token", "ops")
	require.NoError(t, err)
	claims, err := admin.Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.True(t, claims.HasRole("admin"))
	_, err = collaborators.Validate(strings.TrimSpace(out))
	assert.Error(t, err)

	out, err = execute(t, "--config", path, "admin-token", "--collaborator", "payments")
	require.NoError(t, err)
	claims, err = collaborators.Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.True(t, claims.HasRole("collaborator"))
	_, err = admin.Validate(strings.TrimSpace(out))
	assert.Error(t, err)
}
