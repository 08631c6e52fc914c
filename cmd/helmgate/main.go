// Command helmgate runs the execution gate and its operator tooling.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = command ran and reported a negative result
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "evaluate":
		return runEvaluateCmd(args[2:], stdout, stderr)
	case "killswitch":
		return runKillSwitchCmd(args[2:], stdout, stderr)
	case "receipts":
		return runReceiptsCmd(args[2:], stdout, stderr)
	case "archive":
		return runArchiveCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return runServe(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `helmgate: models propose, the gate disposes.

USAGE:
  helmgate <command> [flags]

COMMANDS:
  serve       Run the HTTP gate (default)
  evaluate    Decide one request offline (--request, --grants, --policy)
  killswitch  Show or flip the shared kill switch (status|enable|disable)
  receipts    List receipts (--request-id, --from, --limit)
  archive     Export receipts to object storage (--bucket, --from, --restore)
  verify      Verify the receipt chain and signatures
  help        Show this help

Configuration is read from the environment (PORT, DATABASE_URL, REDIS_ADDR,
HELMGATE_*). See the README.
`)
}

// setupLogging installs a JSON slog handler at the configured level.
func setupLogging(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
