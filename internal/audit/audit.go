package audit

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
)

const genesisHash = "genesis"

// Service writes and reads the audit log.
type Service struct {
	repo      Repository
	forwarder Forwarder
	logger    *slog.Logger
	mu        sync.Mutex
	wg        sync.WaitGroup
}

// NewService creates a new audit service. forwarder may be nil.
func NewService(repo Repository, forwarder Forwarder, logger *slog.Logger) *Service {
	if forwarder == nil {
		forwarder = NoopForwarder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, forwarder: forwarder, logger: logger}
}

// Log appends event to the chain and forwards it asynchronously.
func (s *Service) Log(ctx context.Context, event *models.AuditEvent) error {
	if event.EventType == "" {
		return fmt.Errorf("event type is required: %w", errors.ErrInvalidInput)
	}
	if event.Actor == "" {
		return fmt.Errorf("actor is required: %w", errors.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	// Postgres keeps microseconds; hash what will be read back.
	event.Timestamp = event.Timestamp.Truncate(time.Microsecond)
	event.DataHash = computeEventHash(event)

	if event.Metadata == nil {
		event.Metadata = make(map[string]any)
	}
	link := func(head *models.AuditEvent) {
		prevHash := chainHead(head)
		event.Metadata["prev_hash"] = prevHash
		event.Metadata["chain_hash"] = computeChainHash(event.DataHash, prevHash)
	}

	if appender, ok := s.repo.(ChainAppender); ok {
		if err := appender.Append(ctx, event, link); err != nil {
			return fmt.Errorf("failed to append audit event: %w", err)
		}
	} else {
		events, err := s.repo.Query(ctx, QueryParams{Limit: 1})
		if err != nil {
			return fmt.Errorf("failed to get previous chain hash: %w", err)
		}
		var head *models.AuditEvent
		if len(events) > 0 {
			head = events[0]
		}
		link(head)
		if err := s.repo.Create(ctx, event); err != nil {
			return fmt.Errorf("failed to create audit event: %w", err)
		}
	}

	s.wg.Add(1)
	//nolint:contextcheck // forwarding outlives the request
	go func() {
		defer s.wg.Done()
		if err := s.forwarder.Forward(context.Background(), event); err != nil {
			s.logger.Warn("audit forward failed", "event_id", event.ID, "error", err)
		}
	}()

	return nil
}

// Flush waits for in-flight forwards.
func (s *Service) Flush() {
	s.wg.Wait()
}

// chainHead returns the chain hash a new event links to.
func chainHead(head *models.AuditEvent) string {
	if head == nil {
		return genesisHash
	}
	if chainHash, ok := head.Metadata["chain_hash"].(string); ok {
		return chainHash
	}
	if head.DataHash != "" {
		return head.DataHash
	}
	return genesisHash
}

func computeEventHash(event *models.AuditEvent) string {
	h := sha256.New()
	for _, part := range []string{
		event.ID,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		string(event.EventType),
		event.Actor,
		event.ProductID,
		event.TokenID,
		string(event.Result),
		event.Reason,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func computeChainHash(currentHash, prevHash string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(currentHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Query retrieves audit events, newest first.
func (s *Service) Query(ctx context.Context, query QueryParams) ([]*models.AuditEvent, error) {
	events, err := s.repo.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	return events, nil
}

// Get retrieves a single audit event.
func (s *Service) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	event, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	return event, nil
}

// Export renders matching events as JSON or CSV.
func (s *Service) Export(ctx context.Context, query QueryParams, format ExportFormat) ([]byte, error) {
	events, err := s.repo.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events for export: %w", err)
	}

	switch format {
	case ExportFormatJSON:
		if events == nil {
			events = []*models.AuditEvent{}
		}
		data, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal audit events to JSON: %w", err)
		}
		return data, nil
	case ExportFormatCSV:
		return exportCSV(events)
	default:
		return nil, fmt.Errorf("unsupported format %q: %w", format, errors.ErrInvalidInput)
	}
}

func exportCSV(events []*models.AuditEvent) ([]byte, error) {
	var buf strings.Builder
	writer := csv.NewWriter(&buf)

	header := []string{"id", "timestamp", "event_type", "actor", "product_id", "token_id", "result", "reason", "data_hash"}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range events {
		row := []string{
			e.ID,
			e.Timestamp.Format(time.RFC3339),
			string(e.EventType),
			e.Actor,
			e.ProductID,
			e.TokenID,
			string(e.Result),
			e.Reason,
			e.DataHash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	return []byte(buf.String()), writer.Error()
}

// VerifyIntegrity checks event hashes and chain links for events in the
// window. The first event of the window is trusted to link to whatever
// preceded it.
func (s *Service) VerifyIntegrity(ctx context.Context, since, until time.Time) (bool, error) {
	events, err := s.repo.Query(ctx, QueryParams{Since: since, Until: until})
	if err != nil {
		return false, fmt.Errorf("query audit events for chain verification: %w", err)
	}

	// Repository order is newest first.
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		if event.DataHash != computeEventHash(event) {
			return false, nil
		}
		chainHash, _ := event.Metadata["chain_hash"].(string)
		prevHash, _ := event.Metadata["prev_hash"].(string)
		if chainHash != computeChainHash(event.DataHash, prevHash) {
			return false, nil
		}
		if i < len(events)-1 {
			older, _ := events[i+1].Metadata["chain_hash"].(string)
			if prevHash != older {
				return false, nil
			}
		}
	}
	return true, nil
}

// Stats summarises events since the given time.
func (s *Service) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	events, err := s.repo.Query(ctx, QueryParams{Since: since})
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}

	stats := &Stats{
		TotalEvents:  int64(len(events)),
		EventsByType: make(map[models.AuditEventType]int64),
		ByReason:     make(map[string]int64),
	}
	for _, e := range events {
		switch e.Result {
		case models.AuditEventResultSuccess:
			stats.SuccessCount++
		case models.AuditEventResultError:
			stats.ErrorCount++
		case models.AuditEventResultDenied:
			stats.DeniedCount++
		}
		stats.EventsByType[e.EventType]++
		if e.Reason != "" {
			stats.ByReason[e.Reason]++
		}
	}
	return stats, nil
}

// HealthCheck checks the forwarder.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.forwarder.HealthCheck(ctx)
}

// Close flushes pending forwards and closes the forwarder.
func (s *Service) Close() error {
	s.Flush()
	return s.forwarder.Close()
}

// NoopForwarder discards events.
type NoopForwarder struct{}

// Forward implements Forwarder.
func (NoopForwarder) Forward(context.Context, *models.AuditEvent) error { return nil }

// HealthCheck implements Forwarder.
func (NoopForwarder) HealthCheck(context.Context) error { return nil }

// Close implements Forwarder.
func (NoopForwarder) Close() error { return nil }
