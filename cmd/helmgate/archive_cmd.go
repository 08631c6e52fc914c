package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/helm-gate/pkg/archive"
	"github.com/Mindburn-Labs/helm-gate/pkg/config"
)

// runArchiveCmd copies receipts into object storage, or with --restore
// fetches and verifies one archived batch. The ledger is never truncated.
func runArchiveCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("archive", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		bucket    string
		from      uint64
		batchSize int
		restore   string
	)
	fs.StringVar(&bucket, "bucket", "", "Destination, s3://bucket/prefix or gs://bucket/prefix (default HELMGATE_ARCHIVE_BUCKET)")
	fs.Uint64Var(&from, "from", 1, "First chain position to export")
	fs.IntVar(&batchSize, "batch-size", archive.DefaultBatchSize, "Receipts per object")
	fs.StringVar(&restore, "restore", "", "Fetch and verify the object with this key instead of exporting")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	setupLogging(cfg.LogLevel, stderr)
	if bucket == "" {
		bucket = cfg.ArchiveBucket
	}
	if bucket == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bucket or HELMGATE_ARCHIVE_BUCKET is required")
		return 2
	}

	ctx := context.Background()
	sink, err := archive.OpenSink(ctx, archive.SinkConfig{URL: bucket, Region: cfg.ArchiveRegion, Endpoint: cfg.ArchiveEndpoint})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if restore != "" {
		b, err := archive.Restore(ctx, sink, restore)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		printJSON(stdout, map[string]any{
			"key":       restore,
			"first":     b.First,
			"last":      b.Last,
			"prev_hash": b.PrevHash,
			"receipts":  len(b.Receipts),
			"verified":  true,
		})
		return 0
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = st.Close() }()

	m, err := archive.NewExporter(st.ledger, sink).WithBatchSize(batchSize).Export(ctx, from)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	printJSON(stdout, m)
	return 0
}

func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}
