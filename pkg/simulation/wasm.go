package simulation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// WASMConfig bounds projection modules.
type WASMConfig struct {
	MemoryLimitBytes int64
	Timeout          time.Duration
	MaxOutputBytes   int
}

// DefaultWASMConfig returns conservative limits.
func DefaultWASMConfig() WASMConfig {
	return WASMConfig{
		MemoryLimitBytes: 16 << 20,
		Timeout:          2 * time.Second,
		MaxOutputBytes:   1 << 20,
	}
}

// wasmInput is written to the module's stdin as JSON.
type wasmInput struct {
	Request contracts.ExecutionRequest `json:"request"`
	Scope   contracts.RiskLevel        `json:"scope"`
}

// WASMSimulator runs per-action-type projection modules in a wazero sandbox.
// Modules read a JSON request on stdin and write a Projection as JSON to
// stdout. They get no filesystem, network, clock or environment. Action
// types without a module go to the fallback.
type WASMSimulator struct {
	runtime  wazero.Runtime
	cfg      WASMConfig
	fallback Simulator

	mu      sync.RWMutex
	modules map[string]wazero.CompiledModule
}

// NewWASMSimulator creates the runtime. fallback may be nil, in which case
// unmapped action types are an error.
func NewWASMSimulator(ctx context.Context, cfg WASMConfig, fallback Simulator) (*WASMSimulator, error) {
	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / 65536) // 64KB per page
		if pages == 0 {
			pages = 1
		}
		rcfg = rcfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rcfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultWASMConfig().MaxOutputBytes
	}
	return &WASMSimulator{
		runtime:  r,
		cfg:      cfg,
		fallback: fallback,
		modules:  make(map[string]wazero.CompiledModule),
	}, nil
}

func (s *WASMSimulator) Name() string { return "wasm" }

// Register compiles wasm and binds it to an action type.
func (s *WASMSimulator) Register(ctx context.Context, actionType string, wasm []byte) error {
	compiled, err := s.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("compile projection module for %s: %w", actionType, err)
	}
	key := strings.ToLower(actionType)

	s.mu.Lock()
	prev, had := s.modules[key]
	s.modules[key] = compiled
	s.mu.Unlock()

	if had {
		_ = prev.Close(ctx)
	}
	return nil
}

func (s *WASMSimulator) Simulate(ctx context.Context, req contracts.ExecutionRequest, scope contracts.RiskLevel) (Projection, error) {
	s.mu.RLock()
	compiled, ok := s.modules[strings.ToLower(req.Action.Type)]
	s.mu.RUnlock()
	if !ok {
		if s.fallback == nil {
			return Projection{}, fmt.Errorf("no projection module for %s", req.Action.Type)
		}
		return s.fallback.Simulate(ctx, req, scope)
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(wasmInput{Request: req, Scope: scope})
	if err != nil {
		return Projection{}, fmt.Errorf("encode module input: %w", err)
	}

	stdout := &limitedBuffer{max: s.cfg.MaxOutputBytes}
	var stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(stdout).
		WithStderr(&stderr)

	mod, err := s.runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		if ctx.Err() != nil {
			return Projection{}, fmt.Errorf("projection module timed out: %w", ctx.Err())
		}
		return Projection{}, fmt.Errorf("projection module failed: %w", err)
	}
	if stdout.overflow {
		return Projection{}, fmt.Errorf("projection output exceeds %d bytes", s.cfg.MaxOutputBytes)
	}
	if stdout.Len() == 0 {
		return Projection{}, errors.New("projection module produced empty output")
	}

	var p Projection
	if err := json.Unmarshal(stdout.Bytes(), &p); err != nil {
		return Projection{}, fmt.Errorf("decode projection: %w", err)
	}
	return p, nil
}

// Close releases the runtime and all compiled modules.
func (s *WASMSimulator) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

type limitedBuffer struct {
	bytes.Buffer
	max      int
	overflow bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.Len()+len(p) > b.max {
		b.overflow = true
		return 0, errors.New("output limit exceeded")
	}
	return b.Buffer.Write(p)
}
