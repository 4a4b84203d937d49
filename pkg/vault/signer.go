package vault

import (
	"context"
	"encoding/base64"
	"fmt"
)

// Signer signs fetch authorization payloads with one transit key. The key
// never leaves Vault.
type Signer struct {
	client *Client
	mount  string
	key    string
}

// Signer returns a signer for key under the transit mount ("transit" when empty).
func (c *Client) Signer(mount, key string) *Signer {
	if mount == "" {
		mount = "transit"
	}
	return &Signer{client: c, mount: mount, key: key}
}

// EnsureKey creates the ed25519 key if it does not exist yet. Vault treats
// creating an existing key as a no-op.
func (s *Signer) EnsureKey(ctx context.Context) error {
	path := fmt.Sprintf("%s/keys/%s", s.mount, s.key)
	if _, err := s.client.api.Logical().WriteWithContext(ctx, path, map[string]interface{}{"type": "ed25519"}); err != nil {
		return fmt.Errorf("vault: failed to create transit key %s: %w", s.key, err)
	}
	s.client.logger.InfoContext(ctx, "transit signing key ready", "mount", s.mount, "key", s.key)
	return nil
}

// KeyID identifies the key in fetch authorizations.
func (s *Signer) KeyID() string {
	return "vault:" + s.mount + "/" + s.key
}

// Sign returns the Vault signature string, e.g. "vault:v1:...".
func (s *Signer) Sign(ctx context.Context, payload []byte) (string, error) {
	data, err := s.client.write(ctx, fmt.Sprintf("%s/sign/%s", s.mount, s.key), map[string]interface{}{
		"input": base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		s.client.logger.ErrorContext(ctx, "transit sign failed", "key", s.key, "error", err)
		return "", fmt.Errorf("vault: failed to sign with key %s: %w", s.key, err)
	}
	sig, ok := data["signature"].(string)
	if !ok {
		return "", fmt.Errorf("vault: invalid signature in response")
	}
	return sig, nil
}

// Verify checks a signature produced by Sign.
func (s *Signer) Verify(ctx context.Context, payload []byte, signature string) (bool, error) {
	data, err := s.client.write(ctx, fmt.Sprintf("%s/verify/%s", s.mount, s.key), map[string]interface{}{
		"input":     base64.StdEncoding.EncodeToString(payload),
		"signature": signature,
	})
	if err != nil {
		return false, fmt.Errorf("vault: failed to verify with key %s: %w", s.key, err)
	}
	valid, ok := data["valid"].(bool)
	if !ok {
		return false, fmt.Errorf("vault: invalid response from verify operation")
	}
	return valid, nil
}
