package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/witlox/accessgate/internal/catalog"
	"github.com/witlox/accessgate/internal/config"
	pkgErrors "github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
)

// ValueBytes is the number of random bytes in a token value.
const ValueBytes = 32

// Hash returns the storage key for a token value.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Policy sets the lifetime and redemption cap of a token.
type Policy struct {
	TTL            time.Duration
	NoExpiry       bool
	MaxRedemptions int
	Unlimited      bool
}

// Validate rejects policies that would mint unusable or unbounded tokens.
func (p Policy) Validate() error {
	if p.Unlimited && p.NoExpiry {
		return pkgErrors.NewValidationError("policy", "unlimited tokens need an expiry")
	}
	if !p.Unlimited && p.MaxRedemptions < 1 {
		return pkgErrors.NewValidationError("max_redemptions", "must be at least 1")
	}
	if !p.NoExpiry && p.TTL <= 0 {
		return pkgErrors.NewValidationError("ttl", "must be positive")
	}
	return nil
}

// Policies resolves the issuance policy for a product's access type.
type Policies struct {
	Default   Policy
	Overrides map[models.AccessType]Policy
}

// For returns the override for accessType, falling back to Default for
// unset fields.
func (p Policies) For(accessType models.AccessType) Policy {
	o, ok := p.Overrides[accessType]
	if !ok {
		return p.Default
	}
	if !o.NoExpiry && o.TTL <= 0 {
		o.TTL = p.Default.TTL
	}
	if !o.Unlimited && o.MaxRedemptions <= 0 {
		o.MaxRedemptions = p.Default.MaxRedemptions
	}
	return o
}

// PoliciesFromConfig converts issuer configuration.
func PoliciesFromConfig(cfg config.IssuerConfig) Policies {
	conv := func(c config.IssuancePolicyConfig) Policy {
		return Policy{TTL: c.TTL, NoExpiry: c.NoExpiry, MaxRedemptions: c.MaxRedemptions, Unlimited: c.Unlimited}
	}
	p := Policies{Default: conv(cfg.Default), Overrides: make(map[models.AccessType]Policy, len(cfg.Overrides))}
	for k, v := range cfg.Overrides {
		p.Overrides[models.AccessType(k)] = conv(v)
	}
	return p
}

// Config configures an Issuer.
type Config struct {
	Policies    Policies
	MaxAttempts int
	// Random and Now are overridable for tests.
	Random io.Reader
	Now    func() time.Time
}

// Issuer mints and persists download tokens.
type Issuer struct {
	registry catalog.Registry
	store    Store
	cfg      Config
	logger   *slog.Logger
}

// NewIssuer creates a new token issuer.
func NewIssuer(registry catalog.Registry, store Store, cfg Config, logger *slog.Logger) *Issuer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{registry: registry, store: store, cfg: cfg, logger: logger}
}

// Issue mints a token for holder. A nil policy selects the configured
// policy for the product's access type. The returned token carries its
// plaintext Value and has been persisted.
func (i *Issuer) Issue(ctx context.Context, productID, holder string, policy *Policy) (*models.DownloadToken, error) {
	if holder == "" {
		return nil, pkgErrors.NewValidationError("holder", "required")
	}

	product, err := i.registry.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, pkgErrors.ErrProductNotFound) {
			return nil, err
		}
		return nil, pkgErrors.NewStorageError(pkgErrors.ErrIssuanceFailed, "get product", err)
	}
	if !product.IsActive {
		return nil, pkgErrors.ErrProductInactive
	}

	p := i.cfg.Policies.For(product.AccessType)
	if policy != nil {
		p = *policy
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	now := i.cfg.Now().UTC()
	tok := &models.DownloadToken{
		ID:             uuid.New().String(),
		ProductID:      product.ID,
		HolderIdentity: holder,
		IssuedAt:       now,
	}
	if !p.NoExpiry {
		exp := now.Add(p.TTL)
		tok.ExpiresAt = &exp
	}
	if !p.Unlimited {
		tok.MaxRedemptions = p.MaxRedemptions
	}

	for attempt := 1; attempt <= i.cfg.MaxAttempts; attempt++ {
		value, err := i.newValue()
		if err != nil {
			return nil, pkgErrors.NewStorageError(pkgErrors.ErrIssuanceFailed, "generate value", err)
		}
		tok.Value = value
		tok.Hash = Hash(value)

		err = i.store.Create(ctx, tok)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, pkgErrors.ErrConflict) {
			return nil, pkgErrors.NewStorageError(pkgErrors.ErrIssuanceFailed, "persist token", err)
		}
		i.logger.WarnContext(ctx, "token value collision, regenerating",
			"product_id", product.ID, "attempt", attempt)
	}

	return nil, fmt.Errorf("%w: no unique value after %d attempts", pkgErrors.ErrIssuanceFailed, i.cfg.MaxAttempts)
}

func (i *Issuer) newValue() (string, error) {
	buf := make([]byte, ValueBytes)
	if _, err := io.ReadFull(i.cfg.Random, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
