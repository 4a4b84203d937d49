package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/witlox/accessgate/internal/audit"
	"github.com/witlox/accessgate/internal/auth/jwt"
	pkgErrors "github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
)

// =============================================================================
// Common Helpers
// =============================================================================

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON reads a JSON request body of at most 1MB. Unknown fields are
// rejected.
func readJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// errorStatus maps wire codes to HTTP status codes.
var errorStatus = map[string]int{
	pkgErrors.CodeProductNotFound:   http.StatusNotFound,
	pkgErrors.CodeNotFound:          http.StatusNotFound,
	pkgErrors.CodeProductInactive:   http.StatusConflict,
	pkgErrors.CodeMisconfiguredGate: http.StatusConflict,
	pkgErrors.CodeGateDenied:        http.StatusForbidden,
	pkgErrors.CodeDenied:            http.StatusForbidden,
	pkgErrors.CodeForbidden:         http.StatusForbidden,
	pkgErrors.CodeRevoked:           http.StatusGone,
	pkgErrors.CodeExpired:           http.StatusGone,
	pkgErrors.CodeExhausted:         http.StatusGone,
	pkgErrors.CodeInvalidInput:      http.StatusBadRequest,
	pkgErrors.CodeUnauthorized:      http.StatusUnauthorized,
	pkgErrors.CodeRateLimited:       http.StatusTooManyRequests,
	pkgErrors.CodeIssuanceFailed:    http.StatusServiceUnavailable,
	pkgErrors.CodeRedemptionFailed:  http.StatusServiceUnavailable,
}

// errorMessages are the only messages returned for denials and failures.
// Underlying errors may carry gate sub-reasons or storage detail and are
// never written to responses.
var errorMessages = map[string]string{
	pkgErrors.CodeProductNotFound:   "product not found",
	pkgErrors.CodeNotFound:          "token not found",
	pkgErrors.CodeProductInactive:   "product is not available",
	pkgErrors.CodeMisconfiguredGate: "product access is not configured",
	pkgErrors.CodeGateDenied:        "access requirements not met",
	pkgErrors.CodeDenied:            "access denied",
	pkgErrors.CodeRevoked:           "token has been revoked",
	pkgErrors.CodeExpired:           "token has expired",
	pkgErrors.CodeExhausted:         "token has no redemptions left",
	pkgErrors.CodeIssuanceFailed:    "token could not be issued, retry later",
	pkgErrors.CodeRedemptionFailed:  "token could not be redeemed, retry later",
}

// handleError writes the error response for err.
func handleError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := pkgErrors.Code(err)
	status, ok := errorStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	message, ok := errorMessages[code]
	switch {
	case ok:
	case code == pkgErrors.CodeInvalidInput:
		message = "invalid input"
		var ve *pkgErrors.ValidationError
		if errors.As(err, &ve) {
			message = ve.Field + " " + ve.Message
		}
	default:
		message = "internal server error"
	}

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			"code", code, "request_id", RequestIDFromContext(r.Context()), "error", err)
	}
	writeJSONError(w, status, code, message)
}

// getPaginationParams extracts limit and offset from query params.
func getPaginationParams(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return
}

func parseTime(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, pkgErrors.NewValidationError(field, "must be an RFC 3339 timestamp")
	}
	return t, nil
}

// =============================================================================
// Access Handler
// =============================================================================

// AccessHandler serves requesters.
type AccessHandler struct {
	authorizer Authorizer
	logger     *slog.Logger
}

// NewAccessHandler creates a new access handler.
func NewAccessHandler(authorizer Authorizer, logger *slog.Logger) *AccessHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessHandler{authorizer: authorizer, logger: logger}
}

// ProofRequest is the wire form of a gate proof. Type selects which of the
// other fields apply; an empty type means no proof.
type ProofRequest struct {
	Type           models.ProofKind `json:"type"`
	Address        string           `json:"address,omitempty"`
	Verified       bool             `json:"verified,omitempty"`
	TransactionRef string           `json:"transaction_ref,omitempty"`
	Payload        map[string]any   `json:"payload,omitempty"`
}

// Proof converts the request into a models.Proof. Unknown types become an
// UnrecognizedProof and are judged by the gate: free products ignore the
// proof, gated products deny it.
func (p *ProofRequest) Proof() models.Proof {
	if p == nil {
		return nil
	}
	switch p.Type {
	case "":
		return nil
	case models.ProofKindEmail:
		return models.EmailProof{Address: p.Address}
	case models.ProofKindPayment:
		return models.PaymentProof{Verified: p.Verified, TransactionRef: p.TransactionRef}
	case models.ProofKindCustom:
		return models.CustomProof{Payload: p.Payload}
	default:
		return models.UnrecognizedProof{Type: p.Type}
	}
}

// AccessRequest represents an access request.
type AccessRequest struct {
	ProductID string        `json:"product_id"`
	Holder    string        `json:"holder"`
	Proof     *ProofRequest `json:"proof,omitempty"`
}

// RequestAccess handles POST /api/v1/access.
func (h *AccessHandler) RequestAccess(w http.ResponseWriter, r *http.Request) {
	var req AccessRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, pkgErrors.CodeInvalidInput, "invalid request body")
		return
	}

	if claims, ok := jwt.ClaimsFromContext(r.Context()); ok {
		h.logger.DebugContext(r.Context(), "access requested", "collaborator", claims.Subject, "product_id", req.ProductID)
	}

	grant, err := h.authorizer.RequestAccess(r.Context(), req.ProductID, req.Proof.Proof(), req.Holder)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, grant)
}

// TokenRequest carries a token value.
type TokenRequest struct {
	Token string `json:"token"`
}

func readToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req TokenRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, pkgErrors.CodeInvalidInput, "invalid request body")
		return "", false
	}
	if req.Token == "" {
		writeJSONError(w, http.StatusBadRequest, pkgErrors.CodeInvalidInput, "token is required")
		return "", false
	}
	return req.Token, true
}

// Redeem handles POST /api/v1/redeem.
func (h *AccessHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	value, ok := readToken(w, r)
	if !ok {
		return
	}

	auth, err := h.authorizer.RedeemAccess(r.Context(), value)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, auth)
}

// =============================================================================
// Token Admin Handler
// =============================================================================

// TokenAdminHandler serves token administration.
type TokenAdminHandler struct {
	authorizer Authorizer
	logger     *slog.Logger
}

// NewTokenAdminHandler creates a new token admin handler.
func NewTokenAdminHandler(authorizer Authorizer, logger *slog.Logger) *TokenAdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenAdminHandler{authorizer: authorizer, logger: logger}
}

// Revoke handles POST /api/v1/admin/tokens/revoke.
func (h *TokenAdminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	value, ok := readToken(w, r)
	if !ok {
		return
	}

	actor := ""
	if claims, ok := jwt.ClaimsFromContext(r.Context()); ok {
		actor = claims.Subject
	}
	if actor == "" {
		writeJSONError(w, http.StatusUnauthorized, pkgErrors.CodeUnauthorized, "token subject required")
		return
	}

	tok, err := h.authorizer.RevokeToken(r.Context(), value, actor)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"token_id":   tok.ID,
		"revoked_at": tok.RevokedAt,
	})
}

// Status handles POST /api/v1/admin/tokens/status. The token travels in
// the body so it never appears in access logs.
func (h *TokenAdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	value, ok := readToken(w, r)
	if !ok {
		return
	}

	status, err := h.authorizer.Status(r.Context(), value)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// =============================================================================
// Audit Handler
// =============================================================================

// AuditHandler handles audit API requests.
type AuditHandler struct {
	service AuditService
	logger  *slog.Logger
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(service AuditService, logger *slog.Logger) *AuditHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandler{service: service, logger: logger}
}

func auditQuery(r *http.Request) (audit.QueryParams, error) {
	query := r.URL.Query()
	limit, offset := getPaginationParams(r)

	since, err := parseTime("since", query.Get("since"))
	if err != nil {
		return audit.QueryParams{}, err
	}
	until, err := parseTime("until", query.Get("until"))
	if err != nil {
		return audit.QueryParams{}, err
	}

	return audit.QueryParams{
		EventType: models.AuditEventType(query.Get("event_type")),
		Actor:     query.Get("actor"),
		ProductID: query.Get("product_id"),
		TokenID:   query.Get("token_id"),
		Result:    models.AuditEventResult(query.Get("result")),
		Since:     since,
		Until:     until,
		Limit:     limit,
		Offset:    offset,
	}, nil
}

// Query handles GET /api/v1/admin/audit.
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	params, err := auditQuery(r)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	events, err := h.service.Query(r.Context(), params)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// Get handles GET /api/v1/admin/audit/{id}.
func (h *AuditHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	event, err := h.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pkgErrors.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, pkgErrors.CodeNotFound, "audit event not found")
			return
		}
		handleError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// Export handles GET /api/v1/admin/audit/export.
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	params, err := auditQuery(r)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	params.Limit, params.Offset = 0, 0

	format := audit.ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = audit.ExportFormatJSON
	}

	data, err := h.service.Export(r.Context(), params, format)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	contentType := "application/json"
	if format == audit.ExportFormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit.%s", format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Stats handles GET /api/v1/admin/audit/stats.
func (h *AuditHandler) Stats(w http.ResponseWriter, r *http.Request) {
	since, err := parseTime("since", r.URL.Query().Get("since"))
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	stats, err := h.service.Stats(r.Context(), since)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// VerifyRequest bounds a chain verification.
type VerifyRequest struct {
	Since string `json:"since,omitempty"`
	Until string `json:"until,omitempty"`
}

// Verify handles POST /api/v1/admin/audit/verify.
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, pkgErrors.CodeInvalidInput, "invalid request body")
		return
	}

	since, err := parseTime("since", req.Since)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	until, err := parseTime("until", req.Until)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	valid, err := h.service.VerifyIntegrity(r.Context(), since, until)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"valid": valid})
}
