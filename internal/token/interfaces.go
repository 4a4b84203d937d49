// Package token mints download tokens for products that passed their gate.
package token

import (
	"context"

	"github.com/witlox/accessgate/pkg/models"
)

// Store persists newly issued tokens. Create must fail with
// errors.ErrConflict when a token with the same hash already exists; the
// insert is the uniqueness check.
type Store interface {
	Create(ctx context.Context, tok *models.DownloadToken) error
}
