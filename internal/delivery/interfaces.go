// Package delivery sequences gate evaluation, token issuance and redemption
// for requesters, and revocation for admins.
package delivery

import (
	"context"
	"time"

	"github.com/witlox/accessgate/internal/gate"
	"github.com/witlox/accessgate/internal/token"
	"github.com/witlox/accessgate/pkg/models"
)

// Evaluator decides gates.
type Evaluator interface {
	Evaluate(ctx context.Context, productID string, proof models.Proof) (*gate.Decision, error)
}

// Issuer mints download tokens.
type Issuer interface {
	Issue(ctx context.Context, productID, holder string, policy *token.Policy) (*models.DownloadToken, error)
}

// Ledger redeems and revokes tokens.
type Ledger interface {
	Redeem(ctx context.Context, value string) (*models.FetchAuthorization, error)
	Revoke(ctx context.Context, value string) (*models.DownloadToken, error)
	Status(ctx context.Context, value string) (*models.DownloadToken, []*models.RedemptionRecord, error)
}

// Auditor records audit events.
type Auditor interface {
	Log(ctx context.Context, event *models.AuditEvent) error
}

// Grant is what a requester receives when access is granted. Token is the
// only copy of the token value the engine ever hands out. ExpiresAt is null
// for tokens that never expire.
type Grant struct {
	Token          string     `json:"token"`
	TokenID        string     `json:"token_id"`
	ProductID      string     `json:"product_id"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      *time.Time `json:"expires_at"`
	MaxRedemptions int        `json:"max_redemptions"`
	Unlimited      bool       `json:"unlimited,omitempty"`
}

// TokenStatus is the admin view of a token and its redemption history.
type TokenStatus struct {
	Token   *models.DownloadToken      `json:"token"`
	Records []*models.RedemptionRecord `json:"records"`
}
