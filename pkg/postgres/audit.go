package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/witlox/accessgate/internal/audit"
	"github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
)

const auditColumns = `id, timestamp, event_type, actor, product_id, token_id, result, reason, data_hash, metadata`

// auditChainLock is the pg_advisory_xact_lock key serializing chain appends.
const auditChainLock int64 = 0x61636367_61756474

// AuditRepository implements audit.Repository. Events are ordered by
// insertion sequence, which is the chain order.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

var (
	_ audit.Repository    = (*AuditRepository)(nil)
	_ audit.ChainAppender = (*AuditRepository)(nil)
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Create persists a new audit event.
func (r *AuditRepository) Create(ctx context.Context, event *models.AuditEvent) error {
	return insertAuditEvent(ctx, r.db, event)
}

// Append implements audit.ChainAppender. The head read and the insert share
// a transaction holding an advisory lock, so replicas append one at a time.
func (r *AuditRepository) Append(ctx context.Context, event *models.AuditEvent, link func(*models.AuditEvent)) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLock); err != nil {
			return fmt.Errorf("failed to lock audit chain: %w", err)
		}
		head, err := scanAuditEvent(tx.QueryRowContext(ctx,
			`SELECT `+auditColumns+` FROM audit_events ORDER BY seq DESC LIMIT 1`))
		switch {
		case err == sql.ErrNoRows:
			head = nil
		case err != nil:
			return fmt.Errorf("failed to read audit chain head: %w", err)
		}
		link(head)
		return insertAuditEvent(ctx, tx, event)
	})
}

func insertAuditEvent(ctx context.Context, db execer, event *models.AuditEvent) error {
	id, err := uuid.Parse(event.ID)
	if err != nil {
		return fmt.Errorf("invalid audit event ID: %w", err)
	}

	var metadata []byte
	if event.Metadata != nil {
		if metadata, err = json.Marshal(event.Metadata); err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO audit_events (`+auditColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, event.Timestamp, event.EventType, event.Actor, event.ProductID, event.TokenID,
		event.Result, event.Reason, event.DataHash, metadata,
	)
	if isUniqueViolation(err) {
		return errors.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create audit event: %w", err)
	}
	return nil
}

func scanAuditEvent(row rowScanner) (*models.AuditEvent, error) {
	event := &models.AuditEvent{}
	var metadata []byte
	err := row.Scan(&event.ID, &event.Timestamp, &event.EventType, &event.Actor, &event.ProductID,
		&event.TokenID, &event.Result, &event.Reason, &event.DataHash, &metadata)
	if err != nil {
		return nil, err
	}
	event.Timestamp = event.Timestamp.UTC()
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
		}
	}
	return event, nil
}

// Get retrieves an audit event by ID.
func (r *AuditRepository) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, errors.ErrNotFound
	}

	event, err := scanAuditEvent(r.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_events WHERE id = $1`, uid))
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	return event, nil
}

// auditFilter builds the WHERE clause shared by Query and Count.
func auditFilter(query audit.QueryParams) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if query.EventType != "" {
		add("event_type = $%d", query.EventType)
	}
	if query.Actor != "" {
		add("actor = $%d", query.Actor)
	}
	if query.ProductID != "" {
		add("product_id = $%d", query.ProductID)
	}
	if query.TokenID != "" {
		add("token_id = $%d", query.TokenID)
	}
	if query.Result != "" {
		add("result = $%d", query.Result)
	}
	if !query.Since.IsZero() {
		add("timestamp >= $%d", query.Since)
	}
	if !query.Until.IsZero() {
		add("timestamp <= $%d", query.Until)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Query retrieves audit events matching criteria, newest first.
func (r *AuditRepository) Query(ctx context.Context, query audit.QueryParams) ([]*models.AuditEvent, error) {
	where, args := auditFilter(query)
	stmt := `SELECT ` + auditColumns + ` FROM audit_events` + where + ` ORDER BY seq DESC`

	if query.Limit > 0 {
		args = append(args, query.Limit)
		stmt += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if query.Offset > 0 {
		args = append(args, query.Offset)
		stmt += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.AuditEvent
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Count returns the count of events matching criteria.
func (r *AuditRepository) Count(ctx context.Context, query audit.QueryParams) (int64, error) {
	where, args := auditFilter(query)

	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}
