package models

// ProofKind identifies the evidence a requester supplies to pass a gate.
type ProofKind string

const (
	ProofKindEmail   ProofKind = "email"
	ProofKindPayment ProofKind = "payment"
	ProofKindCustom  ProofKind = "custom"
)

// Proof is evidence attested by an external collaborator. A nil Proof is
// valid input and is only sufficient for free products.
type Proof interface {
	Kind() ProofKind
}

// EmailProof attests that the requester supplied an email address.
type EmailProof struct {
	Address string `json:"address"`
}

// Kind implements Proof.
func (EmailProof) Kind() ProofKind { return ProofKindEmail }

// PaymentProof attests the outcome of payment verification.
type PaymentProof struct {
	Verified       bool   `json:"verified"`
	TransactionRef string `json:"transaction_ref,omitempty"`
}

// Kind implements Proof.
func (PaymentProof) Kind() ProofKind { return ProofKindPayment }

// CustomProof carries opaque input for a custom gate strategy.
type CustomProof struct {
	Payload map[string]any `json:"payload,omitempty"`
}

// Kind implements Proof.
func (CustomProof) Kind() ProofKind { return ProofKindCustom }

// UnrecognizedProof stands in for evidence of a kind this engine does not
// know. It satisfies no gate, so only free products accept it.
type UnrecognizedProof struct {
	Type ProofKind `json:"type"`
}

// Kind implements Proof.
func (p UnrecognizedProof) Kind() ProofKind { return p.Type }
