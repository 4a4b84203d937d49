// Package client provides an HTTP client for the access gate API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	pkgErrors "github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
	"github.com/witlox/accessgate/pkg/telemetry"
)

// Client is the access gate API client.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	adminToken   string
	serviceToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	// AdminToken is sent as a bearer token on admin routes.
	AdminToken string
	// ServiceToken is the collaborator bearer token sent when requesting
	// access. Redemption is unauthenticated.
	ServiceToken string
	Timeout      time.Duration
}

// New creates a new API client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		adminToken:   cfg.AdminToken,
		serviceToken: cfg.ServiceToken,
	}
}

// SetAdminToken sets the admin bearer token.
func (c *Client) SetAdminToken(token string) {
	c.adminToken = token
}

// SetServiceToken sets the collaborator bearer token.
func (c *Client) SetServiceToken(token string) {
	c.serviceToken = token
}

// APIError is a non-2xx response. It unwraps to the sentinel matching its
// code, so callers can use errors.Is with pkg/errors sentinels.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d) %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return pkgErrors.FromCode(e.Code)
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// request makes an HTTP request to the API. bearer is omitted when empty.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, bearer string, body, result any) error {
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("build URL: %w", err)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	telemetry.InjectContext(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Code != "" {
			apiErr.Code = errResp.Error.Code
			apiErr.Message = errResp.Error.Message
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// =============================================================================
// Access
// =============================================================================

// Proof is the wire form of a gate proof.
type Proof struct {
	Type           models.ProofKind `json:"type"`
	Address        string           `json:"address,omitempty"`
	Verified       bool             `json:"verified,omitempty"`
	TransactionRef string           `json:"transaction_ref,omitempty"`
	Payload        map[string]any   `json:"payload,omitempty"`
}

// AccessRequest asks for a download token.
type AccessRequest struct {
	ProductID string `json:"product_id"`
	Holder    string `json:"holder"`
	Proof     *Proof `json:"proof,omitempty"`
}

// Grant is an issued download token.
type Grant struct {
	Token          string     `json:"token"`
	TokenID        string     `json:"token_id"`
	ProductID      string     `json:"product_id"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      *time.Time `json:"expires_at"`
	MaxRedemptions int        `json:"max_redemptions"`
	Unlimited      bool       `json:"unlimited,omitempty"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

// RequestAccess evaluates the product gate and returns a token on success.
func (c *Client) RequestAccess(ctx context.Context, req AccessRequest) (*Grant, error) {
	var grant Grant
	if err := c.request(ctx, http.MethodPost, "/api/v1/access", nil, c.serviceToken, req, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// Redeem spends one redemption of token.
func (c *Client) Redeem(ctx context.Context, token string) (*models.FetchAuthorization, error) {
	var auth models.FetchAuthorization
	if err := c.request(ctx, http.MethodPost, "/api/v1/redeem", nil, "", tokenRequest{Token: token}, &auth); err != nil {
		return nil, err
	}
	return &auth, nil
}

// =============================================================================
// Token administration
// =============================================================================

// RevokeResult is the response to a revocation.
type RevokeResult struct {
	OK        bool       `json:"ok"`
	TokenID   string     `json:"token_id"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// TokenStatus is a token and its redemption history.
type TokenStatus struct {
	Token   *models.DownloadToken      `json:"token"`
	Records []*models.RedemptionRecord `json:"records"`
}

// Revoke revokes token. Requires an admin token.
func (c *Client) Revoke(ctx context.Context, token string) (*RevokeResult, error) {
	var result RevokeResult
	if err := c.request(ctx, http.MethodPost, "/api/v1/admin/tokens/revoke", nil, c.adminToken, tokenRequest{Token: token}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status returns the state and history of token. Requires an admin token.
func (c *Client) Status(ctx context.Context, token string) (*TokenStatus, error) {
	var status TokenStatus
	if err := c.request(ctx, http.MethodPost, "/api/v1/admin/tokens/status", nil, c.adminToken, tokenRequest{Token: token}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// =============================================================================
// Audit
// =============================================================================

// AuditQueryParams filters audit queries.
type AuditQueryParams struct {
	EventType string
	Actor     string
	ProductID string
	TokenID   string
	Result    string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

func (p AuditQueryParams) values() url.Values {
	v := url.Values{}
	set := func(key, value string) {
		if value != "" {
			v.Set(key, value)
		}
	}
	set("event_type", p.EventType)
	set("actor", p.Actor)
	set("product_id", p.ProductID)
	set("token_id", p.TokenID)
	set("result", p.Result)
	if !p.Since.IsZero() {
		v.Set("since", p.Since.Format(time.RFC3339))
	}
	if !p.Until.IsZero() {
		v.Set("until", p.Until.Format(time.RFC3339))
	}
	if p.Limit > 0 {
		v.Set("limit", fmt.Sprint(p.Limit))
	}
	if p.Offset > 0 {
		v.Set("offset", fmt.Sprint(p.Offset))
	}
	return v
}

// QueryAudit queries audit events, newest first. Requires an admin token.
func (c *Client) QueryAudit(ctx context.Context, params AuditQueryParams) ([]*models.AuditEvent, error) {
	var result struct {
		Events []*models.AuditEvent `json:"events"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/admin/audit", params.values(), c.adminToken, nil, &result); err != nil {
		return nil, err
	}
	return result.Events, nil
}

// VerifyAudit checks the audit hash chain between since and until. Zero
// times leave the range open.
func (c *Client) VerifyAudit(ctx context.Context, since, until time.Time) (bool, error) {
	body := map[string]string{}
	if !since.IsZero() {
		body["since"] = since.Format(time.RFC3339)
	}
	if !until.IsZero() {
		body["until"] = until.Format(time.RFC3339)
	}
	var result struct {
		Valid bool `json:"valid"`
	}
	if err := c.request(ctx, http.MethodPost, "/api/v1/admin/audit/verify", nil, c.adminToken, body, &result); err != nil {
		return false, err
	}
	return result.Valid, nil
}

// =============================================================================
// Health
// =============================================================================

// HealthResponse represents health check response.
type HealthResponse struct {
	Status     string                       `json:"status"`
	Version    string                       `json:"version,omitempty"`
	Components map[string]map[string]string `json:"components,omitempty"`
}

// Health checks the API health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.request(ctx, http.MethodGet, "/health", nil, "", nil, &resp)
	return &resp, err
}
