package authority

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// SQLGrantStore persists grants with database/sql. It works with both the
// Postgres (lib/pq) and SQLite (modernc.org/sqlite) drivers.
type SQLGrantStore struct {
	db *sql.DB
}

func NewSQLGrantStore(db *sql.DB) *SQLGrantStore {
	return &SQLGrantStore{db: db}
}

const grantSchema = `
CREATE TABLE IF NOT EXISTS authority_grants (
	grant_id TEXT PRIMARY KEY,
	parent_id TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS authority_revocations (
	grant_id TEXT PRIMARY KEY,
	revoked_at TEXT NOT NULL
);
`

func (s *SQLGrantStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, grantSchema)
	return err
}

func (s *SQLGrantStore) Get(ctx context.Context, grantID string) (contracts.AuthorityGrant, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM authority_grants WHERE grant_id = $1`, grantID).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.AuthorityGrant{}, ErrGrantNotFound
		}
		return contracts.AuthorityGrant{}, err
	}
	var g contracts.AuthorityGrant
	if err := json.Unmarshal([]byte(body), &g); err != nil {
		return contracts.AuthorityGrant{}, fmt.Errorf("decode grant %s: %w", grantID, err)
	}
	return g, nil
}

func (s *SQLGrantStore) RevokedAt(ctx context.Context, grantID string) (*time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT revoked_at FROM authority_revocations WHERE grant_id = $1`, grantID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("decode revocation time for %s: %w", grantID, err)
	}
	return &at, nil
}

func (s *SQLGrantStore) Put(ctx context.Context, g contracts.AuthorityGrant) error {
	body, err := json.Marshal(g)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO authority_grants (grant_id, parent_id, body) VALUES ($1, $2, $3) ON CONFLICT (grant_id) DO NOTHING`,
		g.GrantID, g.ParentID, string(body))
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrGrantExists
	}
	return nil
}

// Revoke records a revocation. Repeated revocations keep the first time.
func (s *SQLGrantStore) Revoke(ctx context.Context, grantID string, at time.Time) error {
	g, err := s.Get(ctx, grantID)
	if err != nil {
		return err
	}
	if !g.Revocable {
		return ErrNotRevocable
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO authority_revocations (grant_id, revoked_at) VALUES ($1, $2) ON CONFLICT (grant_id) DO NOTHING`,
		grantID, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert revocation: %w", err)
	}
	return nil
}
