// Package crypto signs and verifies execution receipts with Ed25519.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// Signature components separators and prefixes
const (
	SigSeparator     = ":"
	SigPrefixEd25519 = "ed25519"
)

// Signer signs receipts after the ledger has assigned their hash.
type Signer interface {
	Sign(data []byte) (string, error)
	KeyID() string
	PublicKey() string
	SignReceipt(r *contracts.ExecutionReceipt) error
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewEd25519SignerFromKey(priv, keyID), nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() ed25519.PublicKey {
	return s.pubKey
}

// SignReceipt signs the receipt's chain hash. The hash already covers every
// other field, so the signature binds the full record.
func (s *Ed25519Signer) SignReceipt(r *contracts.ExecutionReceipt) error {
	if r.Hash == "" {
		return errors.New("receipt has no hash; append it to a ledger first")
	}
	sig, err := s.Sign([]byte(r.Hash))
	if err != nil {
		return err
	}
	r.Signature = sig
	r.SignerKey = SigPrefixEd25519 + SigSeparator + s.keyID
	return nil
}

// Verify verifies a hex signature against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
