// Package ledger is the append-only receipt ledger.
//
// Every receipt is hash-chained to its predecessor, carries a per-request
// sequence number, and is optionally signed. Receipts are never updated or
// deleted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/helm-gate/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/crypto"
)

// GenesisHash is the PrevHash of the first receipt.
const GenesisHash = "genesis"

var (
	// ErrNotFound is returned when a receipt is not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an execution id was already appended.
	ErrDuplicate = errors.New("duplicate execution id")
	// ErrChainBroken is returned by Verify.
	ErrChainBroken = errors.New("receipt chain broken")
)

// Reader is the read side of a ledger.
type Reader interface {
	Get(ctx context.Context, executionID string) (contracts.ExecutionReceipt, error)
	ForRequest(ctx context.Context, requestID string) ([]contracts.ExecutionReceipt, error)
	// Scan returns up to limit receipts in chain order starting at the
	// 1-based chain position from.
	Scan(ctx context.Context, from uint64, limit int) ([]contracts.ExecutionReceipt, error)
	Head(ctx context.Context) (hash string, length uint64, err error)
}

// Ledger is an append-only receipt sink.
type Ledger interface {
	Reader
	// Append assigns Sequence, PrevHash, Hash and (with a signer) Signature,
	// then durably records the receipt before returning it.
	Append(ctx context.Context, r contracts.ExecutionReceipt) (contracts.ExecutionReceipt, error)
}

// ReceiptHash is "sha256:" + the canonical hash of r without its hash and
// signature fields.
func ReceiptHash(r contracts.ExecutionReceipt) (string, error) {
	h, err := canonicalize.CanonicalHash(r.HashView())
	if err != nil {
		return "", fmt.Errorf("hash receipt: %w", err)
	}
	return "sha256:" + h, nil
}

// seal fills the chain fields of r.
func seal(r *contracts.ExecutionReceipt, seq uint64, prev string, signer crypto.Signer) error {
	r.Sequence = seq
	r.PrevHash = prev
	r.Hash, r.Signature, r.SignerKey = "", "", ""
	h, err := ReceiptHash(*r)
	if err != nil {
		return err
	}
	r.Hash = h
	if signer != nil {
		if err := signer.SignReceipt(r); err != nil {
			return fmt.Errorf("sign receipt: %w", err)
		}
	}
	return nil
}

// MemoryLedger keeps receipts in process.
type MemoryLedger struct {
	mu        sync.RWMutex
	receipts  []contracts.ExecutionReceipt
	byID      map[string]int
	byRequest map[string][]int
	headHash  string
	signer    crypto.Signer
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byID:      make(map[string]int),
		byRequest: make(map[string][]int),
		headHash:  GenesisHash,
	}
}

// WithSigner signs every appended receipt.
func (l *MemoryLedger) WithSigner(s crypto.Signer) *MemoryLedger {
	l.signer = s
	return l
}

func (l *MemoryLedger) Append(_ context.Context, r contracts.ExecutionReceipt) (contracts.ExecutionReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[r.ExecutionID]; ok {
		return contracts.ExecutionReceipt{}, fmt.Errorf("%w: %s", ErrDuplicate, r.ExecutionID)
	}
	seq := uint64(len(l.byRequest[r.RequestID])) + 1
	if err := seal(&r, seq, l.headHash, l.signer); err != nil {
		return contracts.ExecutionReceipt{}, err
	}

	idx := len(l.receipts)
	l.receipts = append(l.receipts, r)
	l.byID[r.ExecutionID] = idx
	l.byRequest[r.RequestID] = append(l.byRequest[r.RequestID], idx)
	l.headHash = r.Hash
	return r, nil
}

func (l *MemoryLedger) Get(_ context.Context, executionID string) (contracts.ExecutionReceipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byID[executionID]
	if !ok {
		return contracts.ExecutionReceipt{}, ErrNotFound
	}
	return l.receipts[idx], nil
}

func (l *MemoryLedger) ForRequest(_ context.Context, requestID string) ([]contracts.ExecutionReceipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idxs := l.byRequest[requestID]
	out := make([]contracts.ExecutionReceipt, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, l.receipts[i])
	}
	return out, nil
}

func (l *MemoryLedger) Scan(_ context.Context, from uint64, limit int) ([]contracts.ExecutionReceipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	if from > uint64(len(l.receipts)) {
		return nil, nil
	}
	end := len(l.receipts)
	if limit > 0 && int(from-1)+limit < end {
		end = int(from-1) + limit
	}
	return append([]contracts.ExecutionReceipt(nil), l.receipts[from-1:end]...), nil
}

func (l *MemoryLedger) Head(_ context.Context) (string, uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash, uint64(len(l.receipts)), nil
}
