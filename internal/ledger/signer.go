package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// HMACSigner signs fetch authorizations with a shared secret known to the
// storage collaborator.
type HMACSigner struct {
	keyID  string
	secret []byte
}

// NewHMACSigner creates a signer. The secret must be at least 32 bytes.
func NewHMACSigner(keyID string, secret []byte) (*HMACSigner, error) {
	if len(secret) < 32 {
		return nil, errors.New("hmac signing key must be at least 32 bytes")
	}
	return &HMACSigner{keyID: keyID, secret: append([]byte(nil), secret...)}, nil
}

// KeyID implements Signer.
func (s *HMACSigner) KeyID() string { return s.keyID }

// Sign implements Signer.
func (s *HMACSigner) Sign(_ context.Context, payload []byte) (string, error) {
	return base64.RawURLEncoding.EncodeToString(s.mac(payload)), nil
}

// Verify reports whether signature matches payload.
func (s *HMACSigner) Verify(_ context.Context, payload []byte, signature string) (bool, error) {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	return hmac.Equal(sig, s.mac(payload)), nil
}

func (s *HMACSigner) mac(payload []byte) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write(payload)
	return m.Sum(nil)
}
