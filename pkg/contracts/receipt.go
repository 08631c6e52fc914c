package contracts

import "time"

// ReceiptResult is the outcome of one gateway attempt.
type ReceiptResult string

const (
	ResultSuccess ReceiptResult = "SUCCESS"
	ResultBlocked ReceiptResult = "BLOCKED"
	// ResultPartial means the real-world effect is unknown.
	ResultPartial ReceiptResult = "PARTIAL"
)

// BlockReason explains a non-success receipt.
type BlockReason string

const (
	BlockKillSwitch           BlockReason = "kill_switch"
	BlockExpiredAuthority     BlockReason = "expired_authority"
	BlockInvalidAuthority     BlockReason = "invalid_authority"
	BlockExhaustedAuthority   BlockReason = "exhausted_authority"
	BlockInvalidAction        BlockReason = "invalid_action"
	BlockInvalidParameters    BlockReason = "invalid_parameters"
	BlockNotApproved          BlockReason = "not_approved"
	BlockConfirmationReplayed BlockReason = "confirmation_replayed"
	BlockAdapterTimeout       BlockReason = "adapter_timeout"
	BlockAdapterFailure       BlockReason = "adapter_failure"
	BlockRevokedMidAttempt    BlockReason = "revoked_mid_attempt"
)

// ExecutionReceipt is the ledger's unit of record. Written exactly once per
// gateway attempt, including blocked ones.
type ExecutionReceipt struct {
	ExecutionID      string           `json:"execution_id"`
	RequestID        string           `json:"request_id"`
	DecisionID       string           `json:"decision_id"`
	Action           ActionDescriptor `json:"action"`
	Authority        AuthorityRef     `json:"authority"`
	Timestamp        time.Time        `json:"timestamp"`
	Result           ReceiptResult    `json:"result"`
	Reason           BlockReason      `json:"reason,omitempty"`
	Detail           string           `json:"detail,omitempty"`
	ConfirmationID   string           `json:"confirmation_id,omitempty"`
	ConfirmationMode ConfirmationMode `json:"confirmation_mode,omitempty"`
	DurationMs       int64            `json:"duration_ms"`

	// Chain fields, assigned by the ledger on append.
	Sequence  uint64 `json:"sequence"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
	Signature string `json:"signature,omitempty"`
	SignerKey string `json:"signer_key,omitempty"`
}

// HashView returns a copy with the fields that cover the hash itself cleared.
func (r ExecutionReceipt) HashView() ExecutionReceipt {
	r.Hash = ""
	r.Signature = ""
	r.SignerKey = ""
	return r
}
