package arbiter

import (
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// Outcome is what happened when an attempt ran (or was blocked).
type Outcome struct {
	Result   contracts.ReceiptResult
	Reason   contracts.BlockReason
	Detail   string
	At       time.Time
	Duration time.Duration
}

// Finalize binds an execution outcome to the decision that authorized it.
// It does not re-evaluate. decision may be nil when the attempt referenced
// no known decision.
func Finalize(req contracts.ExecutionRequest, decision contracts.Decision, out Outcome) contracts.ExecutionReceipt {
	r := contracts.ExecutionReceipt{
		ExecutionID: "exec-" + uuid.NewString(),
		RequestID:   req.RequestID,
		Action:      req.Action,
		Authority:   req.Authority,
		Timestamp:   out.At.UTC(),
		Result:      out.Result,
		Reason:      out.Reason,
		Detail:      out.Detail,
		DurationMs:  out.Duration.Milliseconds(),
	}
	r.Action.Parameters = req.CloneParameters()
	if decision != nil {
		r.DecisionID = decision.Header().DecisionID
	}
	if ad, ok := decision.(*contracts.ApproveDecision); ok {
		r.ConfirmationID = ad.ConfirmationID
		r.ConfirmationMode = ad.ConfirmationMode
	}
	return r
}
