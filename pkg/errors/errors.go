// Package errors defines the error taxonomy of the access gate engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for generic cases.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("access forbidden")
	ErrInvalidInput  = errors.New("invalid input")
	ErrConflict      = errors.New("resource conflict")
	ErrInternalError = errors.New("internal error")
	ErrRateLimited   = errors.New("rate limited")
)

// Sentinel errors for gate and token outcomes.
var (
	ErrProductNotFound   = errors.New("product not found")
	ErrProductInactive   = errors.New("product inactive")
	ErrMisconfiguredGate = errors.New("misconfigured gate")
	ErrGateDenied        = errors.New("gate denied")
	ErrTokenNotFound     = errors.New("token not found")
	ErrTokenRevoked      = errors.New("token revoked")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenExhausted    = errors.New("token exhausted")
	ErrDenied            = errors.New("denied")
	ErrIssuanceFailed    = errors.New("issuance failed")
	ErrRedemptionFailed  = errors.New("redemption failed")
)

// Wire codes for denials and failures.
const (
	CodeProductNotFound   = "product-not-found"
	CodeProductInactive   = "product-inactive"
	CodeMisconfiguredGate = "misconfigured-gate"
	CodeGateDenied        = "gate-denied"
	CodeNotFound          = "not-found"
	CodeRevoked           = "revoked"
	CodeExpired           = "expired"
	CodeExhausted         = "exhausted"
	CodeDenied            = "denied"
	CodeIssuanceFailed    = "issuance-failed"
	CodeRedemptionFailed  = "redemption-failed"
	CodeInvalidInput      = "invalid-input"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeRateLimited       = "rate-limited"
	CodeInternal          = "internal-error"
)

var codeSentinels = []struct {
	err  error
	code string
}{
	{ErrProductNotFound, CodeProductNotFound},
	{ErrProductInactive, CodeProductInactive},
	{ErrMisconfiguredGate, CodeMisconfiguredGate},
	{ErrGateDenied, CodeGateDenied},
	{ErrTokenNotFound, CodeNotFound},
	{ErrTokenRevoked, CodeRevoked},
	{ErrTokenExpired, CodeExpired},
	{ErrTokenExhausted, CodeExhausted},
	{ErrDenied, CodeDenied},
	{ErrIssuanceFailed, CodeIssuanceFailed},
	{ErrRedemptionFailed, CodeRedemptionFailed},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrForbidden, CodeForbidden},
	{ErrRateLimited, CodeRateLimited},
	{ErrNotFound, CodeNotFound},
}

// Code returns the wire code for err, or CodeInternal when err does not
// match any known sentinel.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return CodeInvalidInput
	}
	for _, cs := range codeSentinels {
		if errors.Is(err, cs.err) {
			return cs.code
		}
	}
	return CodeInternal
}

// FromCode returns the sentinel for a wire code, or ErrInternalError for
// unknown codes.
func FromCode(code string) error {
	for _, cs := range codeSentinels {
		if cs.code == code {
			return cs.err
		}
	}
	return ErrInternalError
}

// ValidationError represents a validation error with field-specific details.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// Unwrap lets callers match validation errors against ErrInvalidInput.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// GateError carries the sub-reason behind a gate denial. The sub-reason is
// kept for audit and must not be returned to requesters.
type GateError struct {
	ProductID string
	Reason    string
	Detail    string
}

func (e *GateError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("gate for product '%s' denied access: %s", e.ProductID, e.Reason)
	}
	return fmt.Sprintf("gate for product '%s' denied access: %s (%s)", e.ProductID, e.Reason, e.Detail)
}

// Unwrap maps the gate reason to its sentinel.
func (e *GateError) Unwrap() error {
	switch e.Reason {
	case CodeProductInactive:
		return ErrProductInactive
	case CodeMisconfiguredGate:
		return ErrMisconfiguredGate
	default:
		return ErrGateDenied
	}
}

// NewGateError creates a new gate error.
func NewGateError(productID, reason, detail string) *GateError {
	return &GateError{ProductID: productID, Reason: reason, Detail: detail}
}

// StorageError wraps an infrastructure failure behind an operation-level
// sentinel such as ErrIssuanceFailed or ErrRedemptionFailed.
type StorageError struct {
	Operation string
	Kind      error
	Cause     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Operation, e.Cause)
}

func (e *StorageError) Unwrap() []error {
	return []error{e.Kind, e.Cause}
}

// NewStorageError creates a new storage error.
func NewStorageError(kind error, operation string, cause error) *StorageError {
	return &StorageError{Operation: operation, Kind: kind, Cause: cause}
}
