// Package opa provides a client for Open Policy Agent servers hosting
// custom gate policies.
package opa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the OPA REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures the OPA client.
type ClientOption func(*Client)

// WithTimeout bounds each request. Zero keeps the default.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient returns a client for the server at address; a bare host:port
// is treated as http.
func NewClient(address string, opts ...ClientOption) *Client {
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(address, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health probes the server's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("opa: health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError("health check", resp)
	}
	return nil
}

// UploadPolicy uploads or replaces the Rego module stored under id.
func (c *Client) UploadPolicy(ctx context.Context, id, module string) error {
	url := fmt.Sprintf("%s/v1/policies/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader(module))
	if err != nil {
		return fmt.Errorf("creating upload policy request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading policy: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError("upload policy", resp)
	}
	return nil
}

// Decision is the outcome of a remote policy decision.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

type evaluateResponse struct {
	Result any `json:"result"`
}

// Decide evaluates the document at path (without the /v1/data prefix, for
// example "accessgate/partner") and interprets the result as a decision.
// A boolean result is the decision itself; an object result is read for
// "allow" and "reason". An undefined document denies.
func (c *Client) Decide(ctx context.Context, path string, input any) (*Decision, error) {
	url := fmt.Sprintf("%s/v1/data/%s", c.baseURL, strings.TrimPrefix(path, "/"))

	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, fmt.Errorf("marshaling evaluate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating evaluate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("evaluating policy: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("evaluate", resp)
	}

	var evalResp evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&evalResp); err != nil {
		return nil, fmt.Errorf("decoding evaluate response: %w", err)
	}

	switch result := evalResp.Result.(type) {
	case nil:
		return &Decision{Allow: false, Reason: "undefined"}, nil
	case bool:
		return &Decision{Allow: result}, nil
	case map[string]any:
		d := &Decision{}
		d.Allow, _ = result["allow"].(bool)
		d.Reason, _ = result["reason"].(string)
		return d, nil
	default:
		return nil, fmt.Errorf("unexpected result type: %T", evalResp.Result)
	}
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s returned status %d: %s", op, resp.StatusCode, string(body))
}
