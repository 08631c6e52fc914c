package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/helm-gate/pkg/config"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

func runReceiptsCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("receipts", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		requestID string
		from      uint64
		limit     int
	)
	fs.StringVar(&requestID, "request-id", "", "Only receipts for this request")
	fs.Uint64Var(&from, "from", 1, "First chain position")
	fs.IntVar(&limit, "limit", 100, "Maximum receipts to print")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if from == 0 || limit <= 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --from and --limit must be positive")
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

	var out []contracts.ExecutionReceipt
	if requestID != "" {
		out, err = st.ledger.ForRequest(ctx, requestID)
	} else {
		out, err = st.ledger.Scan(ctx, from, limit)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	enc := json.NewEncoder(stdout)
	for _, r := range out {
		_ = enc.Encode(r)
	}
	return 0
}
