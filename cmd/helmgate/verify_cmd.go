package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/helm-gate/pkg/config"
	"github.com/Mindburn-Labs/helm-gate/pkg/ledger"
)

// runVerifyCmd walks the receipt chain: links, hashes, per-request order
// and signatures against the local receipt key.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	setupLogging(cfg.LogLevel, stderr)
	ctx := context.Background()
	st, err := openStores(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = st.Close() }()

	rep, verr := ledger.Verify(ctx, st.ledger, st.keyRing())
	if *jsonOutput {
		out := map[string]any{"verified": verr == nil, "report": rep}
		if verr != nil {
			out["error"] = verr.Error()
		}
		printJSON(stdout, out)
	} else if verr != nil {
		_, _ = fmt.Fprintf(stdout, "Receipt chain verification FAILED after %d receipts: %v\n", rep.Receipts, verr)
	} else {
		_, _ = fmt.Fprintf(stdout, "Receipt chain verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "Receipts: %d (signed %d)\n", rep.Receipts, rep.Signed)
		_, _ = fmt.Fprintf(stdout, "Head:     %s\n", rep.Head)
	}
	if verr != nil {
		return 1
	}
	return 0
}
