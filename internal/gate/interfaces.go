// Package gate evaluates whether an access request satisfies the gate
// configured for a product.
package gate

import (
	"context"

	"github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
)

// Decision reasons. An allowed decision has an empty reason.
const (
	ReasonProductInactive   = errors.CodeProductInactive
	ReasonMisconfiguredGate = errors.CodeMisconfiguredGate
	ReasonGateDenied        = errors.CodeGateDenied
)

// Decision details. They are recorded for audit and never returned to the
// requester.
const (
	DetailEmailMissing      = "email-missing"
	DetailEmailInvalid      = "email-invalid"
	DetailPaymentUnverified = "payment-unverified"
	DetailProofMissing      = "proof-missing"
	DetailProofMismatch     = "proof-mismatch"
	DetailCustomDenied      = "custom-denied"
	DetailCustomError       = "custom-error"
	DetailNoEnabledGate     = "no-enabled-gate"
	DetailMultipleGates     = "multiple-enabled-gates"
	DetailGateTypeMismatch  = "gate-type-mismatch"
	DetailUnknownPolicy     = "unknown-custom-policy"
)

// Decision is the outcome of evaluating a request against a product gate.
type Decision struct {
	Allowed bool
	Reason  string
	Detail  string
	Product *models.Product
	Gate    *models.AccessGate
}

// Err converts a deny decision into a *errors.GateError. It returns nil
// for an allowed decision.
func (d *Decision) Err() error {
	if d == nil || d.Allowed {
		return nil
	}
	productID := ""
	if d.Product != nil {
		productID = d.Product.ID
	}
	return errors.NewGateError(productID, d.Reason, d.Detail)
}

// CustomInput is what a custom strategy sees.
type CustomInput struct {
	Product *models.Product    `json:"product"`
	Gate    *models.AccessGate `json:"gate"`
	Payload map[string]any     `json:"payload,omitempty"`
}

// CustomPolicy decides custom gates. Returning an error denies the request.
type CustomPolicy interface {
	Decide(ctx context.Context, in CustomInput) (bool, error)
}

// PolicyFunc adapts a function to CustomPolicy.
type PolicyFunc func(ctx context.Context, in CustomInput) (bool, error)

// Decide implements CustomPolicy.
func (f PolicyFunc) Decide(ctx context.Context, in CustomInput) (bool, error) {
	return f(ctx, in)
}
