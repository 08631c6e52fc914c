package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/helm-gate/pkg/config"
	"github.com/Mindburn-Labs/helm-gate/pkg/killswitch"
)

// runKillSwitchCmd reads or flips the Redis-backed kill switch every
// replica polls. The in-process switch of a single node is only reachable
// through PUT /v1/killswitch.
func runKillSwitchCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("killswitch", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	by := fs.String("by", "HUMAN:operator", "Who is changing the switch")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	action := "status"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if cfg.RedisAddr == "" {
		_, _ = fmt.Fprintln(stderr, "Error: REDIS_ADDR is required; without it the switch lives inside the server process")
		return 2
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = client.Close() }()

	st, err := killSwitchAction(context.Background(), killswitch.NewRedis(client, cfg.KillSwitchKey), action, *by)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	data, _ := json.MarshalIndent(st, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

func killSwitchAction(ctx context.Context, ks killswitch.Switch, action, by string) (killswitch.State, error) {
	switch action {
	case "status":
	case "enable", "disable":
		if err := ks.Set(ctx, action == "enable", by); err != nil {
			return killswitch.State{}, err
		}
	default:
		return killswitch.State{}, errors.New("usage: helmgate killswitch [status|enable|disable] [--by who]")
	}
	return ks.State(ctx)
}
