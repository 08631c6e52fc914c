package contracts

import "time"

// ConfirmationMode is how a human answered.
type ConfirmationMode string

const (
	ModeExplicitApproval  ConfirmationMode = "EXPLICIT_APPROVAL"
	ModeEmergencyOverride ConfirmationMode = "EMERGENCY_OVERRIDE"
	ModeDeny              ConfirmationMode = "DENY"
)

// Approves reports whether the mode grants the action.
func (m ConfirmationMode) Approves() bool {
	return m == ModeExplicitApproval || m == ModeEmergencyOverride
}

// ConfirmationStatus tracks a request through its lifecycle.
type ConfirmationStatus string

const (
	ConfirmationPending  ConfirmationStatus = "PENDING"
	ConfirmationApproved ConfirmationStatus = "APPROVED"
	ConfirmationDenied   ConfirmationStatus = "DENIED"
	ConfirmationExpired  ConfirmationStatus = "EXPIRED"
	ConfirmationConsumed ConfirmationStatus = "CONSUMED"
)

// ConfirmationRequest asks a human to approve one specific request.
type ConfirmationRequest struct {
	ConfirmationID string                `json:"confirmation_id"`
	RequestID      string                `json:"request_id"`
	DecisionID     string                `json:"decision_id"`
	TargetAction   ActionDescriptor      `json:"target_action"`
	Scope          Scope                 `json:"scope"`
	RequiredFrom   HolderType            `json:"required_from"`
	IssuedAt       time.Time             `json:"issued_at"`
	ExpiresAt      time.Time             `json:"expires_at"`
	Status         ConfirmationStatus    `json:"status"`
	Response       *ConfirmationResponse `json:"response,omitempty"`
	ConsumedAt     *time.Time            `json:"consumed_at,omitempty"`
}

// ConfirmationResponse is a human's single answer to a ConfirmationRequest.
type ConfirmationResponse struct {
	ConfirmationID string           `json:"confirmation_id"`
	RequestID      string           `json:"request_id"`
	Responder      AuthorityHolder  `json:"responder"`
	Mode           ConfirmationMode `json:"mode"`
	// Scope is the authority the responder implies. Empty means the
	// request's own scope.
	Scope       *Scope    `json:"scope,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RespondedAt time.Time `json:"responded_at"`
}
