package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const receiptKDFSalt = "helmgate-receipt-kdf"

// DeriveReceiptSigner derives a deterministic Ed25519 signer from a root
// seed using HKDF-SHA256. keyID is used as the HKDF info, so each key id
// yields an independent keypair from the same seed.
func DeriveReceiptSigner(rootSeed []byte, keyID string) (*Ed25519Signer, error) {
	if len(rootSeed) < 32 {
		return nil, fmt.Errorf("root seed must be at least 32 bytes, got %d", len(rootSeed))
	}
	if keyID == "" {
		return nil, fmt.Errorf("keyID must not be empty")
	}

	r := hkdf.New(sha256.New, rootSeed, []byte(receiptKDFSalt), []byte(keyID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
}
