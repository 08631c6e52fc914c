package authority

import (
	"time"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func ptime(t time.Time) *time.Time { return &t }

func rootGrant() contracts.AuthorityGrant {
	return contracts.AuthorityGrant{
		GrantID:   "root",
		GrantedTo: contracts.AuthorityHolder{Type: contracts.HolderSystem, ID: "helm"},
		GrantedBy: contracts.AuthorityHolder{Type: contracts.HolderSystem, ID: "helm"},
		Scope: contracts.Scope{
			ActionTypes:  []string{"*"},
			Environments: []string{"*"},
		},
		IssuedAt: testNow.Add(-24 * time.Hour),
	}
}

func opsGrant() contracts.AuthorityGrant {
	return contracts.AuthorityGrant{
		GrantID:   "ops",
		ParentID:  "root",
		GrantedTo: contracts.AuthorityHolder{Type: contracts.HolderHuman, ID: "alice"},
		GrantedBy: contracts.AuthorityHolder{Type: contracts.HolderSystem, ID: "helm"},
		Scope: contracts.Scope{
			ActionTypes:  []string{"file.write", "file.read"},
			Environments: []string{"staging"},
			Targets:      []string{"/srv/app/**"},
		},
		IssuedAt:  testNow.Add(-time.Hour),
		ExpiresAt: ptime(testNow.Add(time.Hour)),
		Revocable: true,
		Limits:    contracts.GrantLimits{MaxDurationMs: 5000},
	}
}

func agentGrant() contracts.AuthorityGrant {
	return contracts.AuthorityGrant{
		GrantID:   "agent",
		ParentID:  "ops",
		GrantedTo: contracts.AuthorityHolder{Type: contracts.HolderService, ID: "planner"},
		GrantedBy: contracts.AuthorityHolder{Type: contracts.HolderHuman, ID: "alice"},
		Scope: contracts.Scope{
			ActionTypes:  []string{"file.write"},
			Environments: []string{"staging"},
			Targets:      []string{"/srv/app/config/**"},
		},
		IssuedAt:  testNow.Add(-30 * time.Minute),
		ExpiresAt: ptime(testNow.Add(30 * time.Minute)),
		Revocable: true,
	}
}

func agentRequest() contracts.ExecutionRequest {
	return contracts.ExecutionRequest{
		RequestID: "req-1",
		Action: contracts.ActionDescriptor{
			Type:                   "file.write",
			Target:                 "/srv/app/config/app.yaml",
			EstimatedReversibility: contracts.Reversible,
		},
		Authority: contracts.AuthorityRef{
			GrantID: "agent",
			Holder:  contracts.AuthorityHolder{Type: contracts.HolderService, ID: "planner"},
		},
		Context:     contracts.RequestContext{Environment: "staging"},
		RequestedAt: testNow,
	}
}
