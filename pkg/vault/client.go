// Package vault signs fetch authorizations with a HashiCorp Vault transit key.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/vault/api"
)

// ErrSealed is returned by HealthCheck while Vault is sealed.
var ErrSealed = errors.New("vault: sealed")

// Config holds connection settings.
type Config struct {
	Address   string
	Token     string
	Namespace string
	CACert    string
	Timeout   time.Duration
}

// Client wraps the Vault API client.
type Client struct {
	api    *api.Client
	logger *slog.Logger
}

// New creates a client. Address is required.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault: address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	if cfg.Timeout > 0 {
		apiCfg.Timeout = cfg.Timeout
	}
	if cfg.CACert != "" {
		if err := apiCfg.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("vault: failed to configure TLS: %w", err)
		}
	}

	c, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create client: %w", err)
	}
	if cfg.Token != "" {
		c.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		c.SetNamespace(cfg.Namespace)
	}

	return &Client{api: c, logger: logger}, nil
}

// HealthCheck fails when Vault is unreachable or sealed.
func (c *Client) HealthCheck(ctx context.Context) error {
	health, err := c.api.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault: health check failed: %w", err)
	}
	if health.Sealed {
		return ErrSealed
	}
	return nil
}

func (c *Client) write(ctx context.Context, path string, data map[string]interface{}) (map[string]interface{}, error) {
	secret, err := c.api.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault: empty response from %s", path)
	}
	return secret.Data, nil
}
