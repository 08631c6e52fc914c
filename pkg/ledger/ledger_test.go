package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/crypto"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func receipt(execID, requestID string, result contracts.ReceiptResult, reason contracts.BlockReason) contracts.ExecutionReceipt {
	return contracts.ExecutionReceipt{
		ExecutionID: execID,
		RequestID:   requestID,
		DecisionID:  "dec-" + requestID,
		Action: contracts.ActionDescriptor{
			Type:       "file.write",
			Target:     "/srv/app/config.yaml",
			Parameters: map[string]any{"content": "x", "mode": 420},
		},
		Authority: contracts.AuthorityRef{
			GrantID: "g-1",
			Holder:  contracts.AuthorityHolder{Type: contracts.HolderService, ID: "planner"},
		},
		Timestamp: testNow,
		Result:    result,
		Reason:    reason,
	}
}

func TestMemoryAppendChains(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	r1, err := l.Append(ctx, receipt("e1", "req-1", contracts.ResultBlocked, contracts.BlockKillSwitch))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r1.Sequence)
	assert.Equal(t, GenesisHash, r1.PrevHash)
	assert.Contains(t, r1.Hash, "sha256:")

	r2, err := l.Append(ctx, receipt("e2", "req-2", contracts.ResultSuccess, ""))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r2.Sequence)
	assert.Equal(t, r1.Hash, r2.PrevHash)

	r3, err := l.Append(ctx, receipt("e3", "req-1", contracts.ResultSuccess, ""))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r3.Sequence)

	got, err := l.ForRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ExecutionID)
	assert.Equal(t, "e3", got[1].ExecutionID)

	head, n, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, r3.Hash, head)
	assert.Equal(t, uint64(3), n)

	_, err = l.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = l.Append(ctx, receipt("e1", "req-9", contracts.ResultSuccess, ""))
	require.ErrorIs(t, err, ErrDuplicate)

	rep, err := Verify(ctx, l, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rep.Receipts)
	assert.Equal(t, r3.Hash, rep.Head)
}

func TestMemoryScanPaging(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, receipt(fmt.Sprintf("e%d", i), "req", contracts.ResultSuccess, ""))
		require.NoError(t, err)
	}

	page, err := l.Scan(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "e1", page[0].ExecutionID)
	assert.Equal(t, "e2", page[1].ExecutionID)

	page, err = l.Scan(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	page, err = l.Scan(ctx, 6, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestSignedReceiptsVerify(t *testing.T) {
	ctx := context.Background()
	signer, err := crypto.NewEd25519Signer("receipts-1")
	require.NoError(t, err)
	l := NewMemoryLedger().WithSigner(signer)

	r, err := l.Append(ctx, receipt("e1", "req-1", contracts.ResultSuccess, ""))
	require.NoError(t, err)
	assert.NotEmpty(t, r.Signature)
	assert.Equal(t, "ed25519:receipts-1", r.SignerKey)

	ring := crypto.NewKeyRing()
	ring.AddSigner(signer)
	rep, err := Verify(ctx, l, ring)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rep.Signed)

	ring.RevokeKey("receipts-1")
	_, err = Verify(ctx, l, ring)
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, receipt(fmt.Sprintf("e%d", i), "req", contracts.ResultBlocked, contracts.BlockKillSwitch))
		require.NoError(t, err)
	}

	// Rewrite history: turn a blocked attempt into a success.
	l.mu.Lock()
	l.receipts[1].Result = contracts.ResultSuccess
	l.receipts[1].Reason = ""
	l.mu.Unlock()

	_, err := Verify(ctx, l, nil)
	require.ErrorIs(t, err, ErrChainBroken)
	assert.Contains(t, err.Error(), "position 2")
}

func TestConcurrentAppendsKeepPerRequestOrder(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := l.Append(ctx, receipt(fmt.Sprintf("e-%d-%d", w, i), fmt.Sprintf("req-%d", w%3), contracts.ResultSuccess, ""))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		rs, err := l.ForRequest(ctx, fmt.Sprintf("req-%d", i))
		require.NoError(t, err)
		for j, r := range rs {
			assert.Equal(t, uint64(j+1), r.Sequence)
		}
	}
	rep, err := Verify(ctx, l, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), rep.Receipts)
}
