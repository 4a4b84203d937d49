// Package audit keeps the hash-chained internal record of access decisions,
// issuance, redemption denials and revocations.
package audit

import (
	"context"
	"time"

	"github.com/witlox/accessgate/pkg/models"
)

// Repository defines audit log persistence operations.
type Repository interface {
	// Create persists a new audit event.
	Create(ctx context.Context, event *models.AuditEvent) error
	// Get retrieves an audit event by ID.
	Get(ctx context.Context, id string) (*models.AuditEvent, error)
	// Query retrieves events matching criteria, newest first.
	Query(ctx context.Context, query QueryParams) ([]*models.AuditEvent, error)
	// Count returns the count of events matching criteria.
	Count(ctx context.Context, query QueryParams) (int64, error)
}

// ChainAppender is implemented by repositories shared between processes.
// Append reads the newest event (nil when the log is empty), passes it to
// link, and stores event, all under one lock or transaction so concurrent
// writers cannot fork the chain. link may run more than once.
type ChainAppender interface {
	Append(ctx context.Context, event *models.AuditEvent, link func(head *models.AuditEvent)) error
}

// QueryParams defines audit log query parameters.
type QueryParams struct {
	EventType models.AuditEventType
	Actor     string
	ProductID string
	TokenID   string
	Result    models.AuditEventResult
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Matches reports whether e satisfies the filter fields of q. Limit and
// Offset are ignored.
func (q QueryParams) Matches(e *models.AuditEvent) bool {
	switch {
	case q.EventType != "" && e.EventType != q.EventType:
		return false
	case q.Actor != "" && e.Actor != q.Actor:
		return false
	case q.ProductID != "" && e.ProductID != q.ProductID:
		return false
	case q.TokenID != "" && e.TokenID != q.TokenID:
		return false
	case q.Result != "" && e.Result != q.Result:
		return false
	case !q.Since.IsZero() && e.Timestamp.Before(q.Since):
		return false
	case !q.Until.IsZero() && e.Timestamp.After(q.Until):
		return false
	}
	return true
}

// Forwarder forwards audit events to external systems.
type Forwarder interface {
	Forward(ctx context.Context, event *models.AuditEvent) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// ExportFormat defines the export format.
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)

// Stats summarises audit events.
type Stats struct {
	TotalEvents  int64                           `json:"total_events"`
	SuccessCount int64                           `json:"success_count"`
	ErrorCount   int64                           `json:"error_count"`
	DeniedCount  int64                           `json:"denied_count"`
	EventsByType map[models.AuditEventType]int64 `json:"events_by_type"`
	ByReason     map[string]int64                `json:"by_reason"`
}
