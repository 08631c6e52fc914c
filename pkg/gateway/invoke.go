package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-gate/pkg/arbiter"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/registry"
)

type invokeResult struct {
	res registry.Result
	err error
}

// invoke calls the adapter once, bounded by maxDurationMs. The adapter is
// never retried. Timeouts and failures are PARTIAL: the effect is unknown.
func (g *Gateway) invoke(ctx context.Context, entry registry.Entry, params map[string]any, maxDurationMs int64) (arbiter.Outcome, map[string]any) {
	if maxDurationMs <= 0 {
		maxDurationMs = int64(30 * time.Second / time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(maxDurationMs)*time.Millisecond)
	defer cancel()

	ch := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- invokeResult{err: fmt.Errorf("adapter panic: %v", p)}
			}
		}()
		res, err := entry.Adapter.Invoke(ctx, params)
		ch <- invokeResult{res: res, err: err}
	}()

	select {
	case r := <-ch:
		switch {
		case r.err == nil:
			return arbiter.Outcome{Result: contracts.ResultSuccess}, r.res.Output
		case errors.Is(r.err, context.DeadlineExceeded):
			return partial(contracts.BlockAdapterTimeout, "adapter exceeded %dms: %v", maxDurationMs, r.err), nil
		default:
			return partial(contracts.BlockAdapterFailure, "%v", r.err), nil
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return partial(contracts.BlockAdapterTimeout, "adapter exceeded %dms", maxDurationMs), nil
		}
		return partial(contracts.BlockAdapterFailure, "attempt cancelled: %v", ctx.Err()), nil
	}
}

func partial(reason contracts.BlockReason, format string, args ...any) arbiter.Outcome {
	return arbiter.Outcome{
		Result: contracts.ResultPartial,
		Reason: reason,
		Detail: fmt.Sprintf(format, args...),
	}
}
