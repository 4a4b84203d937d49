// Package api exposes the access gate over HTTP.
package api

import (
	"context"
	"time"

	"github.com/witlox/accessgate/internal/audit"
	"github.com/witlox/accessgate/internal/delivery"
	"github.com/witlox/accessgate/pkg/models"
)

// Authorizer is the delivery surface served by the API.
type Authorizer interface {
	RequestAccess(ctx context.Context, productID string, proof models.Proof, holder string) (*delivery.Grant, error)
	RedeemAccess(ctx context.Context, value string) (*models.FetchAuthorization, error)
	RevokeToken(ctx context.Context, value, actor string) (*models.DownloadToken, error)
	Status(ctx context.Context, value string) (*delivery.TokenStatus, error)
}

// AuditService reads the audit log.
type AuditService interface {
	Query(ctx context.Context, query audit.QueryParams) ([]*models.AuditEvent, error)
	Get(ctx context.Context, id string) (*models.AuditEvent, error)
	Export(ctx context.Context, query audit.QueryParams, format audit.ExportFormat) ([]byte, error)
	VerifyIntegrity(ctx context.Context, since, until time.Time) (bool, error)
	Stats(ctx context.Context, since time.Time) (*audit.Stats, error)
}

// RateLimiter limits request rates per key.
type RateLimiter interface {
	// Allow counts a request for key and reports whether it may proceed.
	Allow(ctx context.Context, key string) (bool, error)
	// GetRemaining returns the requests left in the current window.
	GetRemaining(ctx context.Context, key string) (int, error)
}
