package gate

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/witlox/accessgate/internal/catalog"
	"github.com/witlox/accessgate/pkg/models"
)

// Evaluator applies product gates to access requests. It performs no
// writes.
type Evaluator struct {
	registry catalog.Registry
	policies *Policies
	logger   *slog.Logger
}

// NewEvaluator creates an evaluator. policies may be nil when no custom
// gates are configured.
func NewEvaluator(registry catalog.Registry, policies *Policies, logger *slog.Logger) *Evaluator {
	if policies == nil {
		policies = NewPolicies()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{registry: registry, policies: policies, logger: logger}
}

// Evaluate decides whether proof satisfies the gate of productID. The only
// errors are an unknown product (errors.ErrProductNotFound) and registry
// failures; every other outcome is a Decision.
func (e *Evaluator) Evaluate(ctx context.Context, productID string, proof models.Proof) (*Decision, error) {
	product, err := e.registry.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", productID, err)
	}

	d := &Decision{Product: product}
	if !product.IsActive {
		return d.deny(ReasonProductInactive, ""), nil
	}
	if product.AccessType == models.AccessTypeFree {
		d.Allowed = true
		return d, nil
	}

	gates, err := e.registry.EnabledGates(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("get gates for %s: %w", productID, err)
	}
	switch {
	case len(gates) == 0:
		return d.deny(ReasonMisconfiguredGate, DetailNoEnabledGate), nil
	case len(gates) > 1:
		return d.deny(ReasonMisconfiguredGate, DetailMultipleGates), nil
	}
	d.Gate = gates[0]
	if string(d.Gate.GateType) != string(product.AccessType) {
		return d.deny(ReasonMisconfiguredGate, DetailGateTypeMismatch), nil
	}

	switch d.Gate.GateType {
	case models.GateTypeEmail:
		return d.checkEmail(proof), nil
	case models.GateTypePayment:
		return d.checkPayment(proof), nil
	case models.GateTypeCustom:
		return e.checkCustom(ctx, d, proof), nil
	default:
		return d.deny(ReasonMisconfiguredGate, DetailGateTypeMismatch), nil
	}
}

func (d *Decision) deny(reason, detail string) *Decision {
	d.Allowed = false
	d.Reason = reason
	d.Detail = detail
	return d
}

func (d *Decision) checkEmail(proof models.Proof) *Decision {
	if proof == nil {
		return d.deny(ReasonGateDenied, DetailEmailMissing)
	}
	p, ok := asEmail(proof)
	if !ok {
		return d.deny(ReasonGateDenied, DetailProofMismatch)
	}
	addr := strings.TrimSpace(p.Address)
	if addr == "" {
		return d.deny(ReasonGateDenied, DetailEmailMissing)
	}
	if !validEmail(addr) {
		return d.deny(ReasonGateDenied, DetailEmailInvalid)
	}
	d.Allowed = true
	return d
}

func (d *Decision) checkPayment(proof models.Proof) *Decision {
	if proof == nil {
		return d.deny(ReasonGateDenied, DetailProofMissing)
	}
	p, ok := asPayment(proof)
	if !ok {
		return d.deny(ReasonGateDenied, DetailProofMismatch)
	}
	if !p.Verified {
		return d.deny(ReasonGateDenied, DetailPaymentUnverified)
	}
	d.Allowed = true
	return d
}

func (e *Evaluator) checkCustom(ctx context.Context, d *Decision, proof models.Proof) *Decision {
	var payload map[string]any
	if proof != nil {
		p, ok := asCustom(proof)
		if !ok {
			return d.deny(ReasonGateDenied, DetailProofMismatch)
		}
		payload = p.Payload
	}

	policy, ok := e.policies.Lookup(d.Gate.CustomPolicyRef)
	if !ok {
		return d.deny(ReasonMisconfiguredGate, DetailUnknownPolicy)
	}

	allowed, err := policy.Decide(ctx, CustomInput{Product: d.Product, Gate: d.Gate, Payload: payload})
	if err != nil {
		e.logger.WarnContext(ctx, "custom gate policy failed",
			"product_id", d.Product.ID, "policy_ref", d.Gate.CustomPolicyRef, "error", err)
		return d.deny(ReasonGateDenied, DetailCustomError)
	}
	if !allowed {
		return d.deny(ReasonGateDenied, DetailCustomDenied)
	}
	d.Allowed = true
	return d
}

// validEmail accepts a bare RFC 5322 address with a dotted domain.
func validEmail(addr string) bool {
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Name != "" || parsed.Address != addr {
		return false
	}
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return false
	}
	domain := addr[at+1:]
	return strings.Contains(domain, ".") && !strings.HasPrefix(domain, ".") && !strings.HasSuffix(domain, ".")
}

func asEmail(p models.Proof) (models.EmailProof, bool) {
	switch v := p.(type) {
	case models.EmailProof:
		return v, true
	case *models.EmailProof:
		if v != nil {
			return *v, true
		}
	}
	return models.EmailProof{}, false
}

func asPayment(p models.Proof) (models.PaymentProof, bool) {
	switch v := p.(type) {
	case models.PaymentProof:
		return v, true
	case *models.PaymentProof:
		if v != nil {
			return *v, true
		}
	}
	return models.PaymentProof{}, false
}

func asCustom(p models.Proof) (models.CustomProof, bool) {
	switch v := p.(type) {
	case models.CustomProof:
		return v, true
	case *models.CustomProof:
		if v != nil {
			return *v, true
		}
	}
	return models.CustomProof{}, false
}
