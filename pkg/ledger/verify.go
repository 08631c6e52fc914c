package ledger

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/crypto"
)

const verifyPage = 500

// Report summarises a successful verification.
type Report struct {
	Receipts uint64 `json:"receipts"`
	Head     string `json:"head"`
	Signed   uint64 `json:"signed"`
}

// Verify walks the whole chain: links, hashes, per-request sequence order
// and, when verifier is non-nil, signatures (which are then required).
func Verify(ctx context.Context, r Reader, verifier crypto.Verifier) (Report, error) {
	rep := Report{Head: GenesisHash}
	lastSeq := make(map[string]uint64)

	for from := uint64(1); ; {
		page, err := r.Scan(ctx, from, verifyPage)
		if err != nil {
			return rep, fmt.Errorf("scan from %d: %w", from, err)
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			rc := page[i]
			pos := from + uint64(i)
			if err := checkReceipt(&rc, pos, rep.Head, lastSeq, verifier); err != nil {
				return rep, err
			}
			if rc.Signature != "" {
				rep.Signed++
			}
			lastSeq[rc.RequestID] = rc.Sequence
			rep.Head = rc.Hash
			rep.Receipts++
		}
		from += uint64(len(page))
	}

	head, n, err := r.Head(ctx)
	if err != nil {
		return rep, fmt.Errorf("read head: %w", err)
	}
	if n != rep.Receipts || head != rep.Head {
		return rep, fmt.Errorf("%w: head %s (%d receipts) does not match walked chain %s (%d)",
			ErrChainBroken, head, n, rep.Head, rep.Receipts)
	}
	return rep, nil
}

func checkReceipt(rc *contracts.ExecutionReceipt, pos uint64, prev string, lastSeq map[string]uint64, verifier crypto.Verifier) error {
	if rc.PrevHash != prev {
		return fmt.Errorf("%w at position %d: prev_hash %s, expected %s", ErrChainBroken, pos, rc.PrevHash, prev)
	}
	h, err := ReceiptHash(*rc)
	if err != nil {
		return err
	}
	if h != rc.Hash {
		return fmt.Errorf("%w at position %d: hash mismatch for %s", ErrChainBroken, pos, rc.ExecutionID)
	}
	if want := lastSeq[rc.RequestID] + 1; rc.Sequence != want {
		return fmt.Errorf("%w at position %d: request %s sequence %d, expected %d",
			ErrChainBroken, pos, rc.RequestID, rc.Sequence, want)
	}
	if verifier != nil {
		ok, err := verifier.VerifyReceipt(rc)
		if err != nil {
			return fmt.Errorf("%w at position %d: %v", ErrChainBroken, pos, err)
		}
		if !ok {
			return fmt.Errorf("%w at position %d: bad signature on %s", ErrChainBroken, pos, rc.ExecutionID)
		}
	}
	return nil
}
