package memstore

import (
	"context"
	"sync"

	"github.com/witlox/accessgate/internal/audit"
	"github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
)

// AuditRepository is an in-memory audit repository that keeps insertion
// order.
type AuditRepository struct {
	mu     sync.RWMutex
	events []*models.AuditEvent
	byID   map[string]*models.AuditEvent
}

var (
	_ audit.Repository    = (*AuditRepository)(nil)
	_ audit.ChainAppender = (*AuditRepository)(nil)
)

// NewAuditRepository creates a new in-memory audit repository.
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{byID: make(map[string]*models.AuditEvent)}
}

// Create implements audit.Repository.
func (m *AuditRepository) Create(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(event)
}

// Append implements audit.ChainAppender.
func (m *AuditRepository) Append(_ context.Context, event *models.AuditEvent, link func(*models.AuditEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[event.ID]; exists {
		return errors.ErrConflict
	}
	var head *models.AuditEvent
	if n := len(m.events); n > 0 {
		head = cloneEvent(m.events[n-1])
	}
	link(head)
	return m.insertLocked(event)
}

func (m *AuditRepository) insertLocked(event *models.AuditEvent) error {
	if _, exists := m.byID[event.ID]; exists {
		return errors.ErrConflict
	}
	stored := cloneEvent(event)
	m.events = append(m.events, stored)
	m.byID[event.ID] = stored
	return nil
}

// Get implements audit.Repository.
func (m *AuditRepository) Get(_ context.Context, id string) (*models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	event, ok := m.byID[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return cloneEvent(event), nil
}

// Query implements audit.Repository.
func (m *AuditRepository) Query(_ context.Context, query audit.QueryParams) ([]*models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*models.AuditEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if !query.Matches(e) {
			continue
		}
		results = append(results, cloneEvent(e))
	}

	if query.Offset > 0 {
		if query.Offset >= len(results) {
			return nil, nil
		}
		results = results[query.Offset:]
	}
	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

// Count implements audit.Repository.
func (m *AuditRepository) Count(ctx context.Context, query audit.QueryParams) (int64, error) {
	query.Limit, query.Offset = 0, 0
	events, err := m.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}

// Tamper replaces the stored copy of an event. Tests use it to exercise
// chain verification.
func (m *AuditRepository) Tamper(id string, fn func(*models.AuditEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[id]; ok {
		fn(e)
	}
}

func cloneEvent(e *models.AuditEvent) *models.AuditEvent {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
