package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// Verifier checks receipt signatures.
type Verifier interface {
	VerifyReceipt(r *contracts.ExecutionReceipt) (bool, error)
}

// KeyRing holds the public keys trusted to have signed receipts. Keys are
// addressed by id so rotated keys keep verifying old receipts.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyRing creates a new empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]ed25519.PublicKey)}
}

// AddSigner trusts the signer's public key.
func (k *KeyRing) AddSigner(s *Ed25519Signer) {
	k.AddKey(s.keyID, s.pubKey)
}

// AddKey trusts pub under keyID.
func (k *KeyRing) AddKey(keyID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = pub
}

// RevokeKey removes a key from the keyring by ID.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, keyID)
}

// VerifyReceipt checks r.Signature over r.Hash with the key named in r.SignerKey.
func (k *KeyRing) VerifyReceipt(r *contracts.ExecutionReceipt) (bool, error) {
	if r.Signature == "" {
		return false, fmt.Errorf("missing signature")
	}
	parts := strings.SplitN(r.SignerKey, SigSeparator, 2)
	if len(parts) != 2 || parts[0] != SigPrefixEd25519 {
		return false, fmt.Errorf("invalid signer key format: %q", r.SignerKey)
	}

	k.mu.RLock()
	pub, ok := k.keys[parts[1]]
	k.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("unknown or revoked key: %s", parts[1])
	}

	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(pub, []byte(r.Hash), sig), nil
}
