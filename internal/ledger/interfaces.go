// Package ledger tracks redemptions against download tokens and enforces
// expiry, revocation and redemption limits.
package ledger

import (
	"context"

	"github.com/witlox/accessgate/pkg/models"
)

// MutateFunc inspects and may change a token inside a store's per-token
// critical section. A non-nil record is appended in the same unit of work
// as the token update, even when the function also returns an error. A nil
// record with a non-nil error writes nothing. Stores that retry optimistic
// transactions may call the function more than once.
type MutateFunc func(tok *models.DownloadToken) (*models.RedemptionRecord, error)

// Store persists tokens and redemption records. All mutations of a single
// token are serialised; different tokens never block each other.
type Store interface {
	// Create inserts a new token keyed by its hash. It returns
	// errors.ErrConflict when the hash already exists.
	Create(ctx context.Context, tok *models.DownloadToken) error
	// Get returns the token stored under hash or errors.ErrTokenNotFound.
	Get(ctx context.Context, hash string) (*models.DownloadToken, error)
	// Mutate runs fn against the current token state under the token's
	// lock, persists the token and any returned record atomically, and
	// returns the resulting token together with fn's error.
	Mutate(ctx context.Context, hash string, fn MutateFunc) (*models.DownloadToken, error)
	// Records returns the redemption history of a token, oldest first.
	Records(ctx context.Context, hash string) ([]*models.RedemptionRecord, error)
}

// Signer signs fetch authorizations for the storage collaborator.
type Signer interface {
	KeyID() string
	Sign(ctx context.Context, payload []byte) (string, error)
}
