// Package models defines the core domain types for the access gate engine.
package models

import (
	"time"
)

// AccessType describes how a product may be obtained.
type AccessType string

const (
	AccessTypeFree    AccessType = "free"
	AccessTypeEmail   AccessType = "email"
	AccessTypePayment AccessType = "payment"
	AccessTypeCustom  AccessType = "custom"
)

// Valid reports whether the access type is one of the known values.
func (t AccessType) Valid() bool {
	switch t {
	case AccessTypeFree, AccessTypeEmail, AccessTypePayment, AccessTypeCustom:
		return true
	}
	return false
}

// Product is a deliverable digital item. The engine only reads products.
type Product struct {
	ID            string     `json:"id" yaml:"id"`
	Name          string     `json:"name,omitempty" yaml:"name"`
	AccessType    AccessType `json:"access_type" yaml:"access_type"`
	IsActive      bool       `json:"is_active" yaml:"is_active"`
	AssetLocation string     `json:"asset_location" yaml:"asset_location"`
}

// GateType is the verification mechanism of an access gate.
type GateType string

const (
	GateTypeEmail   GateType = "email"
	GateTypePayment GateType = "payment"
	GateTypeCustom  GateType = "custom"
)

// Valid reports whether the gate type is one of the known values.
func (t GateType) Valid() bool {
	switch t {
	case GateTypeEmail, GateTypePayment, GateTypeCustom:
		return true
	}
	return false
}

// AccessGate is the rule a request must satisfy for a product.
type AccessGate struct {
	ID              string   `json:"id" yaml:"id"`
	ProductID       string   `json:"product_id" yaml:"product_id"`
	GateType        GateType `json:"gate_type" yaml:"gate_type"`
	CustomPolicyRef string   `json:"custom_policy_ref,omitempty" yaml:"custom_policy_ref"`
	IsEnabled       bool     `json:"is_enabled" yaml:"is_enabled"`
}

// DownloadToken is a capability granting the holder a bounded number of
// fetches of one product. Value is only populated on the issuance path;
// stores key tokens by Hash.
type DownloadToken struct {
	ID              string     `json:"id"`
	Value           string     `json:"-"`
	Hash            string     `json:"-"`
	ProductID       string     `json:"product_id"`
	HolderIdentity  string     `json:"holder_identity"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	MaxRedemptions  int        `json:"max_redemptions"`
	RedemptionCount int        `json:"redemption_count"`
	IsRevoked       bool       `json:"is_revoked"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

// Unlimited reports whether the token has no redemption cap.
func (t *DownloadToken) Unlimited() bool {
	return t.MaxRedemptions == 0
}

// Expired reports whether the token is past its expiry at now.
func (t *DownloadToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Exhausted reports whether every allowed redemption has been used.
func (t *DownloadToken) Exhausted() bool {
	return !t.Unlimited() && t.RedemptionCount >= t.MaxRedemptions
}

// Remaining returns the number of redemptions left, or -1 when unlimited.
func (t *DownloadToken) Remaining() int {
	if t.Unlimited() {
		return -1
	}
	if r := t.MaxRedemptions - t.RedemptionCount; r > 0 {
		return r
	}
	return 0
}

// RedemptionOutcome is the result of a single redemption attempt.
type RedemptionOutcome string

const (
	RedemptionGranted         RedemptionOutcome = "granted"
	RedemptionDeniedExpired   RedemptionOutcome = "denied-expired"
	RedemptionDeniedRevoked   RedemptionOutcome = "denied-revoked"
	RedemptionDeniedExhausted RedemptionOutcome = "denied-exhausted"
)

// RedemptionRecord is an append-only entry written for every redemption
// attempt against an existing token.
type RedemptionRecord struct {
	ID         string            `json:"id"`
	TokenID    string            `json:"token_id"`
	TokenHash  string            `json:"-"`
	RedeemedAt time.Time         `json:"redeemed_at"`
	Outcome    RedemptionOutcome `json:"outcome"`
}

// FetchAuthorization is the short-lived, signed permission handed to the
// storage collaborator that serves the product bytes.
type FetchAuthorization struct {
	TokenID       string    `json:"token_id"`
	ProductID     string    `json:"product_id"`
	AssetLocation string    `json:"asset_location"`
	IssuedAt      time.Time `json:"issued_at"`
	ValidUntil    time.Time `json:"valid_until"`
	Remaining     int       `json:"remaining"`
	KeyID         string    `json:"key_id,omitempty"`
	Signature     string    `json:"signature,omitempty"`
}

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	AuditEventTypeAccessRequest AuditEventType = "access.request"
	AuditEventTypeTokenIssue    AuditEventType = "token.issue"
	AuditEventTypeTokenRedeem   AuditEventType = "token.redeem"
	AuditEventTypeTokenRevoke   AuditEventType = "token.revoke"
)

// AuditEventResult represents the result of an audited operation.
type AuditEventResult string

const (
	AuditEventResultSuccess AuditEventResult = "success"
	AuditEventResultError   AuditEventResult = "error"
	AuditEventResultDenied  AuditEventResult = "denied"
)

// AuditEvent represents an immutable audit log entry. Reason keeps the
// specific denial cause even when callers only saw a generic one.
type AuditEvent struct {
	ID        string           `json:"id"`
	Timestamp time.Time        `json:"timestamp"`
	EventType AuditEventType   `json:"event_type"`
	Actor     string           `json:"actor"`
	ProductID string           `json:"product_id,omitempty"`
	TokenID   string           `json:"token_id,omitempty"`
	Result    AuditEventResult `json:"result"`
	Reason    string           `json:"reason,omitempty"`
	DataHash  string           `json:"data_hash,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}
