package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/helm-gate/pkg/authority"
	"github.com/Mindburn-Labs/helm-gate/pkg/config"
	"github.com/Mindburn-Labs/helm-gate/pkg/crypto"
	"github.com/Mindburn-Labs/helm-gate/pkg/killswitch"
	"github.com/Mindburn-Labs/helm-gate/pkg/ledger"
	"github.com/Mindburn-Labs/helm-gate/pkg/pipeline"
	"github.com/Mindburn-Labs/helm-gate/pkg/simulation"
)

const (
	receiptKeyID     = "receipts-1"
	systemActor      = "SYSTEM:helmgate"
	consumptionKeys  = "helmgate:consumed:"
	simulationKeys   = "helmgate:simulation:"
	rootSeedFilename = "root.seed"
)

// stores is the persistent infrastructure shared by every command.
type stores struct {
	db     *sql.DB
	ledger *ledger.SQLLedger
	grants *authority.SQLGrantStore
	redis  *redis.Client
	signer *crypto.Ed25519Signer
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	seed, err := loadRootSeed(cfg)
	if err != nil {
		return nil, err
	}
	signer, err := crypto.DeriveReceiptSigner(seed, receiptKeyID)
	if err != nil {
		return nil, fmt.Errorf("derive receipt signer: %w", err)
	}

	s := &stores{signer: signer}
	if cfg.LiteMode() {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		slog.Info("lite mode: using sqlite", "path", cfg.SQLitePath)
		if s.db, err = sql.Open("sqlite", cfg.SQLitePath); err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// One writer; the ledger serialises appends anyway.
		s.db.SetMaxOpenConns(1)
		s.ledger = ledger.NewSQLiteLedger(s.db).WithSigner(signer)
	} else {
		if s.db, err = sql.Open("postgres", cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := s.db.PingContext(ctx); err != nil {
			_ = s.db.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		slog.Info("postgres: connected")
		s.ledger = ledger.NewPostgresLedger(s.db).WithSigner(signer)
	}

	if err := s.ledger.Init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.grants = authority.NewSQLGrantStore(s.db)
	if err := s.grants.Init(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("init grant store: %w", err)
	}

	if cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		slog.Info("redis: connected", "addr", cfg.RedisAddr)
	}
	return s, nil
}

func (s *stores) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// keyRing trusts the local receipt signer.
func (s *stores) keyRing() *crypto.KeyRing {
	k := crypto.NewKeyRing()
	k.AddSigner(s.signer)
	return k
}

// killSwitch is shared through Redis when configured. A missing key is
// initialised enabled; an existing one is left alone.
func (s *stores) killSwitch(ctx context.Context, cfg *config.Config) (killswitch.Switch, error) {
	if s.redis == nil {
		return killswitch.NewMemory(true), nil
	}
	ks := killswitch.NewRedis(s.redis, cfg.KillSwitchKey)
	if _, err := ks.Init(ctx, true, systemActor); err != nil {
		return nil, fmt.Errorf("init kill switch: %w", err)
	}
	return ks, nil
}

func (s *stores) consumption() authority.ConsumptionStore {
	if s.redis == nil {
		return authority.NewMemoryConsumptionStore()
	}
	return authority.NewRedisConsumptionStore(s.redis, consumptionKeys)
}

func (s *stores) simulations() simulation.Store {
	if s.redis == nil {
		return simulation.NewMemoryStore()
	}
	return simulation.NewRedisStore(s.redis, simulationKeys, pipeline.DefaultRetention)
}

// loadRootSeed returns the configured seed, or a persistent one next to the
// SQLite database. Production refuses to generate.
func loadRootSeed(cfg *config.Config) ([]byte, error) {
	if cfg.RootSeed != nil {
		return cfg.RootSeed, nil
	}
	if cfg.Production {
		return nil, errors.New("production mode requires HELMGATE_ROOT_SEED")
	}

	path := filepath.Join(filepath.Dir(cfg.SQLitePath), rootSeedFilename)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", path, err)
		}
		return seed, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
		return nil, fmt.Errorf("persist root seed: %w", err)
	}
	slog.Warn("generated development root seed; set HELMGATE_ROOT_SEED in production", "path", path)
	return seed, nil
}
