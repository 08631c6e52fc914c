package policy

import (
	"fmt"

	"github.com/Mindburn-Labs/helm-gate/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// traceBuilder is append-only. Once sealed it refuses further rows.
type traceBuilder struct {
	requestID string
	checks    []contracts.PolicyCheckResult
	sealed    bool
}

func newTraceBuilder(requestID string) *traceBuilder {
	return &traceBuilder{requestID: requestID}
}

func (b *traceBuilder) append(r contracts.PolicyCheckResult) {
	if b.sealed {
		panic("policy: append to sealed trace")
	}
	b.checks = append(b.checks, r)
}

func (b *traceBuilder) seal(outcome contracts.PolicyOutcome) (contracts.PolicyEvaluationTrace, error) {
	b.sealed = true
	t := contracts.PolicyEvaluationTrace{
		RequestID:      b.requestID,
		Checks:         append([]contracts.PolicyCheckResult(nil), b.checks...),
		OverallOutcome: outcome,
	}
	d, err := TraceDigest(t)
	if err != nil {
		return contracts.PolicyEvaluationTrace{}, err
	}
	t.Digest = d
	return t, nil
}

// TraceDigest is the sha256 of the JCS form of t with Digest cleared.
func TraceDigest(t contracts.PolicyEvaluationTrace) (string, error) {
	t.Digest = ""
	h, err := canonicalize.CanonicalHash(t)
	if err != nil {
		return "", fmt.Errorf("policy: trace canonicalization failed: %w", err)
	}
	return "sha256:" + h, nil
}

// VerifyTrace reports whether t's digest still matches its contents.
func VerifyTrace(t contracts.PolicyEvaluationTrace) bool {
	d, err := TraceDigest(t)
	return err == nil && d == t.Digest
}
