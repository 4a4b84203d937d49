package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/witlox/accessgate/internal/audit"
	pkgErrors "github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
)

const auditPageSize = 256

// AuditRepository implements audit.Repository on Redis. Each event is a
// JSON string under its own key and the log list holds event IDs in chain
// order.
type AuditRepository struct {
	client     *redis.Client
	prefix     string
	maxRetries int
}

var (
	_ audit.Repository    = (*AuditRepository)(nil)
	_ audit.ChainAppender = (*AuditRepository)(nil)
)

// NewAuditRepository creates an audit repository. maxRetries bounds
// optimistic transaction retries per append.
func NewAuditRepository(client *redis.Client, prefix string, maxRetries int) *AuditRepository {
	if maxRetries < 1 {
		maxRetries = 10
	}
	return &AuditRepository{client: client, prefix: prefix, maxRetries: maxRetries}
}

func (r *AuditRepository) logKey() string            { return prefixed(r.prefix, "audit", "log") }
func (r *AuditRepository) eventKey(id string) string { return prefixed(r.prefix, "audit", "event", id) }

// Create implements audit.Repository.
func (r *AuditRepository) Create(ctx context.Context, event *models.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.eventKey(event.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create audit event: %w", err)
	}
	if !ok {
		return pkgErrors.ErrConflict
	}
	if err := r.client.RPush(ctx, r.logKey(), event.ID).Err(); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Append implements audit.ChainAppender. The log list is watched, so a
// concurrent append by another replica restarts the read of the head.
func (r *AuditRepository) Append(ctx context.Context, event *models.AuditEvent, link func(*models.AuditEvent)) error {
	logKey, eventKey := r.logKey(), r.eventKey(event.ID)

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, eventKey).Result()
			if err != nil {
				return fmt.Errorf("check audit event: %w", err)
			}
			if exists > 0 {
				return pkgErrors.ErrConflict
			}

			var head *models.AuditEvent
			headID, err := tx.LIndex(ctx, logKey, -1).Result()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return fmt.Errorf("read audit chain head: %w", err)
			default:
				raw, err := tx.Get(ctx, r.eventKey(headID)).Bytes()
				if err != nil {
					return fmt.Errorf("read audit chain head: %w", err)
				}
				if head, err = decodeEvent(raw); err != nil {
					return err
				}
			}

			link(head)
			data, err := json.Marshal(event)
			if err != nil {
				return fmt.Errorf("marshal audit event: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, eventKey, data, 0)
				p.RPush(ctx, logKey, event.ID)
				return nil
			})
			return err
		}, logKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: audit chain contended after %d attempts", pkgErrors.ErrConflict, r.maxRetries)
}

func decodeEvent(raw []byte) (*models.AuditEvent, error) {
	event := &models.AuditEvent{}
	if err := json.Unmarshal(raw, event); err != nil {
		return nil, fmt.Errorf("decode audit event: %w", err)
	}
	event.Timestamp = event.Timestamp.UTC()
	return event, nil
}

// Get implements audit.Repository.
func (r *AuditRepository) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	raw, err := r.client.Get(ctx, r.eventKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, pkgErrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	return decodeEvent(raw)
}

// Query implements audit.Repository. The log is read backwards in pages
// by absolute index so appends during the scan do not shift it.
func (r *AuditRepository) Query(ctx context.Context, query audit.QueryParams) ([]*models.AuditEvent, error) {
	n, err := r.client.LLen(ctx, r.logKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}

	want := -1
	if query.Limit > 0 {
		want = query.Offset + query.Limit
	}
	var (
		results []*models.AuditEvent
		skipped int
	)
	for stop := n - 1; stop >= 0; stop -= auditPageSize {
		start := max(stop-auditPageSize+1, 0)
		ids, err := r.client.LRange(ctx, r.logKey(), start, stop).Result()
		if err != nil {
			return nil, fmt.Errorf("query audit events: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = r.eventKey(id)
		}
		raws, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("query audit events: %w", err)
		}

		for i := len(raws) - 1; i >= 0; i-- {
			raw, ok := raws[i].(string)
			if !ok {
				continue
			}
			event, err := decodeEvent([]byte(raw))
			if err != nil {
				return nil, err
			}
			if !query.Matches(event) {
				continue
			}
			if skipped < query.Offset {
				skipped++
				continue
			}
			results = append(results, event)
			if want > 0 && skipped+len(results) >= want {
				return results, nil
			}
		}
	}
	return results, nil
}

// Count implements audit.Repository.
func (r *AuditRepository) Count(ctx context.Context, query audit.QueryParams) (int64, error) {
	query.Limit, query.Offset = 0, 0
	events, err := r.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}
