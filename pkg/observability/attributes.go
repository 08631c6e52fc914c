package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Governance semantic convention attributes.
var (
	AttrRequestID      = attribute.Key("helmgate.request.id")
	AttrDecisionID     = attribute.Key("helmgate.decision.id")
	AttrDecisionKind   = attribute.Key("helmgate.decision.kind")
	AttrActionType     = attribute.Key("helmgate.action.type")
	AttrGrantID        = attribute.Key("helmgate.grant.id")
	AttrRiskLevel      = attribute.Key("helmgate.risk.level")
	AttrReceiptResult  = attribute.Key("helmgate.receipt.result")
	AttrReceiptReason  = attribute.Key("helmgate.receipt.reason")
	AttrConfirmationID = attribute.Key("helmgate.confirmation.id")
	AttrHaltCause      = attribute.Key("helmgate.halt.cause")
	AttrOperation      = attribute.Key("helmgate.operation")
)

// AnnotateSpan adds attributes to the span in ctx, if any.
func AnnotateSpan(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}
