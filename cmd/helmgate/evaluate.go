package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/helm-gate/pkg/arbiter"
	"github.com/Mindburn-Labs/helm-gate/pkg/authority"
	"github.com/Mindburn-Labs/helm-gate/pkg/config"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/policy"
	"github.com/Mindburn-Labs/helm-gate/pkg/risk"
)

// runEvaluateCmd implements `helmgate evaluate`: one request through the
// arbiter against bundle files, with no side effects and no receipt.
//
// Exit codes:
//
//	0 = APPROVE
//	1 = any other decision
//	2 = runtime error
func runEvaluateCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("evaluate", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		requestPath string
		grantsPath  string
		policyPath  string
		at          string
	)
	fs.StringVar(&requestPath, "request", "", "Path to an ExecutionRequest JSON file (REQUIRED, - for stdin)")
	fs.StringVar(&grantsPath, "grants", os.Getenv("HELMGATE_GRANT_BUNDLE"), "Grant bundle YAML")
	fs.StringVar(&policyPath, "policy", os.Getenv("HELMGATE_POLICY_BUNDLE"), "Policy bundle YAML")
	fs.StringVar(&at, "at", "", "Evaluate as of this RFC 3339 instant (default now)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if requestPath == "" || grantsPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --request and --grants are required")
		return 2
	}

	now := time.Now
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --at: %v\n", err)
			return 2
		}
		now = func() time.Time { return t }
	}

	req, err := readRequest(requestPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	bundle, err := authority.LoadGrantBundle(grantsPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	checks, err := policyChecks(&config.Config{PolicyBundle: policyPath})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	checker := authority.NewChecker(authority.NewMemoryGrantStore(bundle.Grants...), authority.NewMemoryConsumptionStore()).
		WithClock(now)
	arb := arbiter.New(policy.NewEvaluator(checks...), checker, risk.DefaultAssessor(nil)).WithClock(now)
	d := arb.Decide(context.Background(), req)

	data, _ := json.MarshalIndent(contracts.Envelope(d), "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	if d.Kind() != contracts.KindApprove {
		return 1
	}
	return 0
}

func readRequest(path string) (contracts.ExecutionRequest, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return contracts.ExecutionRequest{}, fmt.Errorf("read request: %w", err)
	}
	var req contracts.ExecutionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return contracts.ExecutionRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}
