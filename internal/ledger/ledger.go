package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/witlox/accessgate/internal/catalog"
	"github.com/witlox/accessgate/internal/token"
	pkgErrors "github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
)

// RedemptionError reports a denied redemption of an existing token.
type RedemptionError struct {
	TokenID   string
	ProductID string
	Outcome   models.RedemptionOutcome
	Err       error
}

func (e *RedemptionError) Error() string {
	return fmt.Sprintf("redeem token %s: %s", e.TokenID, e.Outcome)
}

func (e *RedemptionError) Unwrap() error {
	return e.Err
}

// Config configures a Ledger.
type Config struct {
	AuthorizationTTL time.Duration
	Now              func() time.Time
}

// Ledger validates and records redemptions.
type Ledger struct {
	store    Store
	registry catalog.Registry
	signer   Signer
	cfg      Config
	logger   *slog.Logger
}

// New creates a ledger. signer may be nil, in which case fetch
// authorizations are returned unsigned.
func New(store Store, registry catalog.Registry, signer Signer, cfg Config, logger *slog.Logger) *Ledger {
	if cfg.AuthorizationTTL <= 0 {
		cfg.AuthorizationTTL = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, registry: registry, signer: signer, cfg: cfg, logger: logger}
}

// Redeem checks the token presented as value and, when it is usable,
// consumes one redemption and returns a fetch authorization. Checks run in
// a fixed order: revoked, expired, exhausted. Every attempt on an existing
// token leaves a redemption record.
func (l *Ledger) Redeem(ctx context.Context, value string) (*models.FetchAuthorization, error) {
	if value == "" {
		return nil, pkgErrors.ErrTokenNotFound
	}
	hash := token.Hash(value)

	current, err := l.store.Get(ctx, hash)
	if err != nil {
		if errors.Is(err, pkgErrors.ErrTokenNotFound) {
			l.logger.InfoContext(ctx, "redemption of unknown token")
			return nil, err
		}
		return nil, pkgErrors.NewStorageError(pkgErrors.ErrRedemptionFailed, "get token", err)
	}

	// Products are never mutated by the engine, so the asset location can
	// be resolved outside the token's critical section.
	product, err := l.registry.GetProduct(ctx, current.ProductID)
	if err != nil {
		return nil, pkgErrors.NewStorageError(pkgErrors.ErrRedemptionFailed, "get product", err)
	}

	var now time.Time
	tok, err := l.store.Mutate(ctx, hash, func(tok *models.DownloadToken) (*models.RedemptionRecord, error) {
		now = l.cfg.Now().UTC()
		rec := &models.RedemptionRecord{
			ID:         uuid.New().String(),
			TokenID:    tok.ID,
			TokenHash:  tok.Hash,
			RedeemedAt: now,
		}
		switch {
		case tok.IsRevoked:
			rec.Outcome = models.RedemptionDeniedRevoked
			return rec, l.denial(tok, rec.Outcome, pkgErrors.ErrTokenRevoked)
		case tok.Expired(now):
			rec.Outcome = models.RedemptionDeniedExpired
			return rec, l.denial(tok, rec.Outcome, pkgErrors.ErrTokenExpired)
		case tok.Exhausted():
			rec.Outcome = models.RedemptionDeniedExhausted
			return rec, l.denial(tok, rec.Outcome, pkgErrors.ErrTokenExhausted)
		}
		tok.RedemptionCount++
		rec.Outcome = models.RedemptionGranted
		return rec, nil
	})
	if err != nil {
		var denied *RedemptionError
		if errors.As(err, &denied) || errors.Is(err, pkgErrors.ErrTokenNotFound) {
			return nil, err
		}
		return nil, pkgErrors.NewStorageError(pkgErrors.ErrRedemptionFailed, "mutate token", err)
	}

	validUntil := now.Add(l.cfg.AuthorizationTTL)
	if tok.ExpiresAt != nil && tok.ExpiresAt.Before(validUntil) {
		validUntil = *tok.ExpiresAt
	}
	auth := &models.FetchAuthorization{
		TokenID:       tok.ID,
		ProductID:     product.ID,
		AssetLocation: product.AssetLocation,
		IssuedAt:      now,
		ValidUntil:    validUntil,
		Remaining:     tok.Remaining(),
	}
	if err := l.sign(ctx, auth); err != nil {
		// The redemption is already recorded; the caller may redeem again
		// if slots remain.
		return nil, pkgErrors.NewStorageError(pkgErrors.ErrRedemptionFailed, "sign authorization", err)
	}
	return auth, nil
}

func (l *Ledger) denial(tok *models.DownloadToken, outcome models.RedemptionOutcome, sentinel error) error {
	return &RedemptionError{TokenID: tok.ID, ProductID: tok.ProductID, Outcome: outcome, Err: sentinel}
}

func (l *Ledger) sign(ctx context.Context, auth *models.FetchAuthorization) error {
	if l.signer == nil {
		return nil
	}
	auth.KeyID = l.signer.KeyID()
	payload, err := SigningPayload(auth)
	if err != nil {
		return err
	}
	sig, err := l.signer.Sign(ctx, payload)
	if err != nil {
		return err
	}
	auth.Signature = sig
	return nil
}

// SigningPayload is the canonical byte form of an authorization that
// signers sign and verifiers check. The signature field is excluded.
func SigningPayload(auth *models.FetchAuthorization) ([]byte, error) {
	unsigned := *auth
	unsigned.Signature = ""
	data, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("marshal authorization: %w", err)
	}
	return data, nil
}

// Revoke permanently disables the token presented as value. Revoking a
// token that is already revoked or expired succeeds.
func (l *Ledger) Revoke(ctx context.Context, value string) (*models.DownloadToken, error) {
	if value == "" {
		return nil, pkgErrors.ErrTokenNotFound
	}
	tok, err := l.store.Mutate(ctx, token.Hash(value), func(tok *models.DownloadToken) (*models.RedemptionRecord, error) {
		if !tok.IsRevoked {
			now := l.cfg.Now().UTC()
			tok.IsRevoked = true
			tok.RevokedAt = &now
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, pkgErrors.ErrTokenNotFound) {
			return nil, err
		}
		return nil, pkgErrors.NewStorageError(pkgErrors.ErrRedemptionFailed, "revoke token", err)
	}
	return tok, nil
}

// Status returns the current token state and its redemption history.
func (l *Ledger) Status(ctx context.Context, value string) (*models.DownloadToken, []*models.RedemptionRecord, error) {
	if value == "" {
		return nil, nil, pkgErrors.ErrTokenNotFound
	}
	hash := token.Hash(value)
	tok, err := l.store.Get(ctx, hash)
	if err != nil {
		return nil, nil, err
	}
	records, err := l.store.Records(ctx, hash)
	if err != nil {
		return nil, nil, fmt.Errorf("get records: %w", err)
	}
	return tok, records, nil
}

// Reconcile returns the state a store should persist after a mutation. Only
// the redemption count and revocation fields may change: the count never
// decreases nor passes the cap, and revocation is permanent.
func Reconcile(before, after *models.DownloadToken) *models.DownloadToken {
	next := *before
	if after.RedemptionCount > before.RedemptionCount {
		next.RedemptionCount = after.RedemptionCount
		if !next.Unlimited() && next.RedemptionCount > next.MaxRedemptions {
			next.RedemptionCount = next.MaxRedemptions
		}
	}
	if before.IsRevoked {
		return &next
	}
	if after.IsRevoked {
		next.IsRevoked = true
		next.RevokedAt = after.RevokedAt
	}
	return &next
}
