package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/witlox/accessgate/internal/ledger"
	pkgErrors "github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/metrics"
	"github.com/witlox/accessgate/pkg/models"
	"github.com/witlox/accessgate/pkg/telemetry"
)

// ActorBearer is the audit actor for redemptions, which are made by
// whoever holds the token.
const ActorBearer = "token-bearer"

// Config configures an Authorizer.
type Config struct {
	// RedactDenials collapses redemption denials into errors.ErrDenied.
	// The audit log keeps the specific reason.
	RedactDenials bool
}

// Option configures optional Authorizer collaborators.
type Option func(*Authorizer)

// WithMetrics records engine metrics.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(a *Authorizer) { a.metrics = m }
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(a *Authorizer) { a.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authorizer) { a.logger = l }
}

// Authorizer is the requester and admin facing entry point of the engine.
type Authorizer struct {
	evaluator Evaluator
	issuer    Issuer
	ledger    Ledger
	auditor   Auditor
	cfg       Config
	metrics   *metrics.EngineMetrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// New creates an authorizer.
func New(cfg Config, evaluator Evaluator, issuer Issuer, ledger Ledger, auditor Auditor, opts ...Option) *Authorizer {
	a := &Authorizer{
		evaluator: evaluator,
		issuer:    issuer,
		ledger:    ledger,
		auditor:   auditor,
		cfg:       cfg,
		tracer:    otel.Tracer("accessgate/delivery"),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RequestAccess evaluates the gate of productID against proof and, when it
// allows, issues a token to holder. Gate denials are returned as
// *errors.GateError; callers must not expose its detail.
func (a *Authorizer) RequestAccess(ctx context.Context, productID string, proof models.Proof, holder string) (*Grant, error) {
	ctx, span := a.tracer.Start(ctx, "delivery.RequestAccess",
		trace.WithAttributes(telemetry.NewSafeAttributes().ProductID(productID).Build()...))
	defer span.End()

	if productID == "" {
		return nil, fail(span, pkgErrors.NewValidationError("product_id", "is required"))
	}
	if holder == "" {
		return nil, fail(span, pkgErrors.NewValidationError("holder", "is required"))
	}

	start := time.Now()
	decision, err := a.evaluator.Evaluate(ctx, productID, proof)
	if err != nil {
		if !errors.Is(err, pkgErrors.ErrProductNotFound) {
			err = pkgErrors.NewStorageError(pkgErrors.ErrIssuanceFailed, "evaluate gate", err)
		}
		a.audit(ctx, &models.AuditEvent{
			EventType: models.AuditEventTypeAccessRequest,
			Actor:     holder,
			ProductID: productID,
			Result:    resultFor(err),
			Reason:    pkgErrors.Code(err),
		})
		a.metrics.ObserveGate("unknown", "error", pkgErrors.Code(err), time.Since(start))
		return nil, fail(span, err)
	}

	accessType := string(decision.Product.AccessType)
	span.SetAttributes(telemetry.NewSafeAttributes().AccessType(accessType).Build()...)

	if !decision.Allowed {
		a.metrics.ObserveGate(accessType, "denied", decision.Reason, time.Since(start))
		a.audit(ctx, &models.AuditEvent{
			EventType: models.AuditEventTypeAccessRequest,
			Actor:     holder,
			ProductID: productID,
			Result:    models.AuditEventResultDenied,
			Reason:    decision.Reason,
			Metadata:  map[string]any{"detail": decision.Detail},
		})
		a.logger.InfoContext(ctx, "access denied",
			"product_id", productID, "reason", decision.Reason, "detail", decision.Detail)
		return nil, fail(span, decision.Err())
	}

	a.metrics.ObserveGate(accessType, "allowed", "", time.Since(start))
	a.audit(ctx, &models.AuditEvent{
		EventType: models.AuditEventTypeAccessRequest,
		Actor:     holder,
		ProductID: productID,
		Result:    models.AuditEventResultSuccess,
	})

	tok, err := a.issuer.Issue(ctx, productID, holder, nil)
	if err != nil {
		a.metrics.ObserveIssue(pkgErrors.Code(err))
		a.audit(ctx, &models.AuditEvent{
			EventType: models.AuditEventTypeTokenIssue,
			Actor:     holder,
			ProductID: productID,
			Result:    resultFor(err),
			Reason:    pkgErrors.Code(err),
		})
		return nil, fail(span, err)
	}

	a.metrics.ObserveIssue("success")
	a.audit(ctx, &models.AuditEvent{
		EventType: models.AuditEventTypeTokenIssue,
		Actor:     holder,
		ProductID: productID,
		TokenID:   tok.ID,
		Result:    models.AuditEventResultSuccess,
		Metadata: map[string]any{
			"max_redemptions": tok.MaxRedemptions,
			"expires":         tok.ExpiresAt != nil,
		},
	})

	return &Grant{
		Token:          tok.Value,
		TokenID:        tok.ID,
		ProductID:      tok.ProductID,
		IssuedAt:       tok.IssuedAt,
		ExpiresAt:      tok.ExpiresAt,
		MaxRedemptions: tok.MaxRedemptions,
		Unlimited:      tok.Unlimited(),
	}, nil
}

// RedeemAccess consumes one redemption of the token presented as value and
// returns a fetch authorization.
func (a *Authorizer) RedeemAccess(ctx context.Context, value string) (*models.FetchAuthorization, error) {
	ctx, span := a.tracer.Start(ctx, "delivery.RedeemAccess")
	defer span.End()

	start := time.Now()
	auth, err := a.ledger.Redeem(ctx, value)

	event := &models.AuditEvent{
		EventType: models.AuditEventTypeTokenRedeem,
		Actor:     ActorBearer,
	}
	var denied *ledger.RedemptionError
	switch {
	case err == nil:
		event.Result = models.AuditEventResultSuccess
		event.TokenID = auth.TokenID
		event.ProductID = auth.ProductID
		a.metrics.ObserveRedeem(string(models.RedemptionGranted), time.Since(start))
	case errors.As(err, &denied):
		event.Result = models.AuditEventResultDenied
		event.Reason = pkgErrors.Code(err)
		event.TokenID = denied.TokenID
		event.ProductID = denied.ProductID
		a.metrics.ObserveRedeem(string(denied.Outcome), time.Since(start))
	case errors.Is(err, pkgErrors.ErrTokenNotFound):
		event.Result = models.AuditEventResultDenied
		event.Reason = pkgErrors.CodeNotFound
		a.metrics.ObserveRedeem(pkgErrors.CodeNotFound, time.Since(start))
	default:
		event.Result = models.AuditEventResultError
		event.Reason = pkgErrors.Code(err)
		a.metrics.ObserveRedeem("error", time.Since(start))
	}
	a.audit(ctx, event)

	span.SetAttributes(telemetry.NewSafeAttributes().
		ProductID(event.ProductID).
		Result(string(event.Result)).
		Reason(event.Reason).
		Build()...)

	if err != nil {
		if a.cfg.RedactDenials && event.Result == models.AuditEventResultDenied {
			return nil, fail(span, pkgErrors.ErrDenied)
		}
		return nil, fail(span, err)
	}
	return auth, nil
}

// RevokeToken permanently disables the token presented as value on behalf
// of actor. Revoking a token that is already revoked or expired succeeds.
func (a *Authorizer) RevokeToken(ctx context.Context, value, actor string) (*models.DownloadToken, error) {
	ctx, span := a.tracer.Start(ctx, "delivery.RevokeToken")
	defer span.End()

	if actor == "" {
		return nil, fail(span, pkgErrors.NewValidationError("actor", "is required"))
	}

	tok, err := a.ledger.Revoke(ctx, value)
	event := &models.AuditEvent{
		EventType: models.AuditEventTypeTokenRevoke,
		Actor:     actor,
	}
	if err != nil {
		event.Result = resultFor(err)
		event.Reason = pkgErrors.Code(err)
		a.metrics.ObserveRevoke(pkgErrors.Code(err))
		a.audit(ctx, event)
		return nil, fail(span, err)
	}

	event.Result = models.AuditEventResultSuccess
	event.TokenID = tok.ID
	event.ProductID = tok.ProductID
	a.metrics.ObserveRevoke("success")
	a.audit(ctx, event)
	span.SetAttributes(telemetry.NewSafeAttributes().ProductID(tok.ProductID).Build()...)

	a.logger.InfoContext(ctx, "token revoked", "token_id", tok.ID, "product_id", tok.ProductID, "actor", actor)
	return tok, nil
}

// Status returns the state and redemption history of the token presented
// as value.
func (a *Authorizer) Status(ctx context.Context, value string) (*TokenStatus, error) {
	ctx, span := a.tracer.Start(ctx, "delivery.Status")
	defer span.End()

	tok, records, err := a.ledger.Status(ctx, value)
	if err != nil {
		if !errors.Is(err, pkgErrors.ErrTokenNotFound) {
			err = pkgErrors.NewStorageError(pkgErrors.ErrRedemptionFailed, "token status", err)
		}
		return nil, fail(span, err)
	}
	if records == nil {
		records = []*models.RedemptionRecord{}
	}
	return &TokenStatus{Token: tok, Records: records}, nil
}

// audit writes event. A failed write is logged and counted but does not
// undo the operation it describes.
func (a *Authorizer) audit(ctx context.Context, event *models.AuditEvent) {
	if a.auditor == nil {
		return
	}
	err := a.auditor.Log(ctx, event)
	a.metrics.ObserveAudit(string(event.EventType), string(event.Result), err)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to write audit event",
			"event_type", event.EventType, "product_id", event.ProductID, "error", err)
	}
}

// resultFor classifies an operation error for the audit log: infrastructure
// failures are errors, everything else is a denial.
func resultFor(err error) models.AuditEventResult {
	switch {
	case err == nil:
		return models.AuditEventResultSuccess
	case errors.Is(err, pkgErrors.ErrIssuanceFailed), errors.Is(err, pkgErrors.ErrRedemptionFailed):
		return models.AuditEventResultError
	case pkgErrors.Code(err) == pkgErrors.CodeInternal:
		return models.AuditEventResultError
	default:
		return models.AuditEventResultDenied
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, pkgErrors.Code(err))
	return err
}
