package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/helm-gate/pkg/adapters"
	"github.com/Mindburn-Labs/helm-gate/pkg/api"
	"github.com/Mindburn-Labs/helm-gate/pkg/arbiter"
	"github.com/Mindburn-Labs/helm-gate/pkg/authority"
	"github.com/Mindburn-Labs/helm-gate/pkg/config"
	"github.com/Mindburn-Labs/helm-gate/pkg/confirmation"
	"github.com/Mindburn-Labs/helm-gate/pkg/gateway"
	"github.com/Mindburn-Labs/helm-gate/pkg/killswitch"
	"github.com/Mindburn-Labs/helm-gate/pkg/observability"
	"github.com/Mindburn-Labs/helm-gate/pkg/pipeline"
	"github.com/Mindburn-Labs/helm-gate/pkg/policy"
	"github.com/Mindburn-Labs/helm-gate/pkg/registry"
	"github.com/Mindburn-Labs/helm-gate/pkg/risk"
	"github.com/Mindburn-Labs/helm-gate/pkg/simulation"
)

const (
	sweepInterval   = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

func runServe(args []string, _, stderr io.Writer) int {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	port := fs.String("port", "", "Listen port (overrides PORT)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *port != "" {
		cfg.Port = *port
	}
	logger := setupLogging(cfg.LogLevel, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("helmgate stopped", "error", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "helmgate",
		ServiceVersion: "1.0.0",
		Environment:    environmentName(cfg),
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       !cfg.Production,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.WithoutCancel(ctx)) }()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if cfg.GrantBundle != "" {
		bundle, err := authority.LoadGrantBundle(cfg.GrantBundle)
		if err != nil {
			return err
		}
		n, err := bundle.Install(ctx, st.grants)
		if err != nil {
			return fmt.Errorf("install grant bundle: %w", err)
		}
		logger.Info("grant bundle installed", "path", cfg.GrantBundle, "new_grants", n)
	}

	ks, err := st.killSwitch(ctx, cfg)
	if err != nil {
		return err
	}
	g, err := buildGate(ctx, cfg, st, ks, obs)
	if err != nil {
		return err
	}
	defer g.close(context.WithoutCancel(ctx))

	if cfg.JWTSecret == "" {
		if cfg.Production {
			return errors.New("HELMGATE_JWT_SECRET is required when HELMGATE_PRODUCTION=1")
		}
		logger.Warn("HELMGATE_JWT_SECRET not set; every authenticated route will answer 401")
	}
	srv := api.NewServer(g.pipeline, st.ledger, ks, api.NewHolderAuth([]byte(cfg.JWTSecret))).
		WithRateLimiter(api.NewCallerLimiter(ctx, cfg.RateRPS, cfg.RateBurst)).
		WithHealth(g.gateway.Halted)

	go g.confirmations.RunSweeper(ctx, sweepInterval)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("helmgate listening", "addr", server.Addr, "lite_mode", cfg.LiteMode(), "shared_state", st.redis != nil)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// gate is the assembled decision and execution path.
type gate struct {
	pipeline      *pipeline.Pipeline
	gateway       *gateway.Gateway
	confirmations *confirmation.Manager
	closers       []func(context.Context) error
}

func (g *gate) close(ctx context.Context) {
	for _, c := range g.closers {
		_ = c(ctx)
	}
}

func buildGate(ctx context.Context, cfg *config.Config, st *stores, ks killswitch.Switch, obs *observability.Provider) (*gate, error) {
	g := &gate{}

	checks, err := policyChecks(cfg)
	if err != nil {
		return nil, err
	}
	consumption := st.consumption()
	checker := authority.NewChecker(st.grants, consumption)

	reg, err := buildRegistry(cfg, g)
	if err != nil {
		g.close(ctx)
		return nil, err
	}

	sim, err := buildSimulator(ctx, cfg, g)
	if err != nil {
		g.close(ctx)
		return nil, err
	}

	arb := arbiter.New(policy.NewEvaluator(checks...), checker, risk.DefaultAssessor(nil)).
		WithDefaults(cfg.DefaultMaxDuration, cfg.DeferRetryAfter).
		WithObservability(obs)
	g.confirmations = confirmation.NewManager(cfg.ConfirmationTTL)
	g.gateway = gateway.New(ks, checker, consumption, reg, st.ledger).WithObservability(obs)
	runner := simulation.NewRunner(sim, st.simulations()).WithObservability(obs)
	g.pipeline = pipeline.New(arb, runner, g.confirmations, g.gateway)
	return g, nil
}

// policyChecks always starts with the justification check; a bundle adds
// its CEL checks after it.
func policyChecks(cfg *config.Config) ([]policy.Check, error) {
	checks := []policy.Check{policy.RequireJustification()}
	if cfg.PolicyBundle == "" {
		return checks, nil
	}
	bundle, err := policy.LoadBundle(cfg.PolicyBundle)
	if err != nil {
		return nil, err
	}
	return append(checks, bundle...), nil
}

func buildRegistry(cfg *config.Config, g *gate) (*registry.Registry, error) {
	reg := registry.New()
	if cfg.ActionRoot != "" {
		if err := os.MkdirAll(cfg.ActionRoot, 0o750); err != nil {
			return nil, fmt.Errorf("create action root: %w", err)
		}
		root, err := os.OpenRoot(cfg.ActionRoot)
		if err != nil {
			return nil, fmt.Errorf("open action root: %w", err)
		}
		g.closers = append(g.closers, func(context.Context) error { return root.Close() })
		for _, e := range adapters.Files(root) {
			if err := reg.Register(e); err != nil {
				return nil, err
			}
		}
	}
	if len(cfg.WebhookHosts) > 0 {
		if err := reg.Register(adapters.Webhook(adapters.WebhookConfig{AllowedHosts: cfg.WebhookHosts})); err != nil {
			return nil, err
		}
	}
	fp, err := reg.Seal()
	if err != nil {
		return nil, fmt.Errorf("seal registry: %w", err)
	}
	slog.Info("action registry sealed", "fingerprint", fp, "actions", reg.ActionTypes())
	return reg, nil
}

// buildSimulator loads <action-type>.wasm projection modules when a module
// directory is configured. Action types without a module use the heuristic.
func buildSimulator(ctx context.Context, cfg *config.Config, g *gate) (simulation.Simulator, error) {
	if cfg.SimulationModules == "" {
		return simulation.HeuristicSimulator{}, nil
	}
	ws, err := simulation.NewWASMSimulator(ctx, simulation.DefaultWASMConfig(), simulation.HeuristicSimulator{})
	if err != nil {
		return nil, err
	}
	g.closers = append(g.closers, ws.Close)

	paths, err := filepath.Glob(filepath.Join(cfg.SimulationModules, "*.wasm"))
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		wasm, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read projection module: %w", err)
		}
		actionType := strings.TrimSuffix(filepath.Base(p), ".wasm")
		if err := ws.Register(ctx, actionType, wasm); err != nil {
			return nil, err
		}
		slog.Info("projection module loaded", "action_type", actionType)
	}
	return ws, nil
}

func environmentName(cfg *config.Config) string {
	if cfg.Production {
		return "production"
	}
	return "development"
}
