package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/crypto"
)

// Dialect selects the SQL flavour.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// appendLockKey serialises appends across Postgres sessions.
const appendLockKey = 0x68656c6d

const receiptSchema = `
CREATE TABLE IF NOT EXISTS execution_receipts (
	position BIGINT PRIMARY KEY,
	execution_id TEXT NOT NULL UNIQUE,
	request_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	result TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	body TEXT NOT NULL,
	UNIQUE (request_id, sequence)
);
CREATE INDEX IF NOT EXISTS execution_receipts_request ON execution_receipts (request_id, sequence);
`

// SQLLedger stores receipts in SQLite or Postgres. Both use $n placeholders.
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
	signer  crypto.Signer
	mu      sync.Mutex // serialises appends within this process
}

// NewSQLiteLedger creates a ledger over a modernc.org/sqlite database.
func NewSQLiteLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db, dialect: DialectSQLite}
}

// NewPostgresLedger creates a ledger over a lib/pq database.
func NewPostgresLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db, dialect: DialectPostgres}
}

// WithSigner signs every appended receipt.
func (l *SQLLedger) WithSigner(s crypto.Signer) *SQLLedger {
	l.signer = s
	return l
}

// Init creates the schema.
func (l *SQLLedger) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(receiptSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init receipt schema: %w", err)
		}
	}
	return nil
}

func (l *SQLLedger) Append(ctx context.Context, r contracts.ExecutionReceipt) (contracts.ExecutionReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.ExecutionReceipt{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if l.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
			return contracts.ExecutionReceipt{}, fmt.Errorf("lock ledger: %w", err)
		}
	}

	var pos uint64
	prev := GenesisHash
	err = tx.QueryRowContext(ctx,
		`SELECT position, hash FROM execution_receipts ORDER BY position DESC LIMIT 1`).Scan(&pos, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return contracts.ExecutionReceipt{}, fmt.Errorf("read head: %w", err)
	}

	var seq uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM execution_receipts WHERE request_id = $1`, r.RequestID).Scan(&seq); err != nil {
		return contracts.ExecutionReceipt{}, fmt.Errorf("read request sequence: %w", err)
	}

	if err := seal(&r, seq+1, prev, l.signer); err != nil {
		return contracts.ExecutionReceipt{}, err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return contracts.ExecutionReceipt{}, fmt.Errorf("marshal receipt: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO execution_receipts (position, execution_id, request_id, sequence, result, reason, recorded_at, prev_hash, hash, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pos+1, r.ExecutionID, r.RequestID, r.Sequence, string(r.Result), string(r.Reason),
		r.Timestamp.UTC().Format(time.RFC3339Nano), r.PrevHash, r.Hash, string(body),
	)
	if err != nil {
		if l.isDuplicateExecution(err) {
			return contracts.ExecutionReceipt{}, fmt.Errorf("%w: %s", ErrDuplicate, r.ExecutionID)
		}
		return contracts.ExecutionReceipt{}, fmt.Errorf("insert receipt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return contracts.ExecutionReceipt{}, fmt.Errorf("commit receipt: %w", err)
	}
	return r, nil
}

func (l *SQLLedger) Get(ctx context.Context, executionID string) (contracts.ExecutionReceipt, error) {
	var body string
	err := l.db.QueryRowContext(ctx, `SELECT body FROM execution_receipts WHERE execution_id = $1`, executionID).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.ExecutionReceipt{}, ErrNotFound
		}
		return contracts.ExecutionReceipt{}, err
	}
	return decodeReceipt(body)
}

func (l *SQLLedger) ForRequest(ctx context.Context, requestID string) ([]contracts.ExecutionReceipt, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT body FROM execution_receipts WHERE request_id = $1 ORDER BY sequence`, requestID)
	if err != nil {
		return nil, err
	}
	return scanBodies(rows)
}

func (l *SQLLedger) Scan(ctx context.Context, from uint64, limit int) ([]contracts.ExecutionReceipt, error) {
	if from == 0 {
		from = 1
	}
	if limit <= 0 {
		limit = verifyPage
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT body FROM execution_receipts WHERE position >= $1 ORDER BY position LIMIT $2`, from, limit)
	if err != nil {
		return nil, err
	}
	return scanBodies(rows)
}

func (l *SQLLedger) Head(ctx context.Context) (string, uint64, error) {
	var pos uint64
	hash := GenesisHash
	err := l.db.QueryRowContext(ctx,
		`SELECT position, hash FROM execution_receipts ORDER BY position DESC LIMIT 1`).Scan(&pos, &hash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", 0, err
	}
	return hash, pos, nil
}

// isDuplicateExecution matches the SQLite and Postgres messages for the
// execution_id unique constraint.
func (l *SQLLedger) isDuplicateExecution(err error) bool {
	msg := strings.ToLower(err.Error())
	return (strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")) &&
		strings.Contains(msg, "execution_id")
}

func scanBodies(rows *sql.Rows) ([]contracts.ExecutionReceipt, error) {
	defer func() { _ = rows.Close() }()
	var out []contracts.ExecutionReceipt
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		r, err := decodeReceipt(body)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeReceipt(body string) (contracts.ExecutionReceipt, error) {
	var r contracts.ExecutionReceipt
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return contracts.ExecutionReceipt{}, fmt.Errorf("decode receipt: %w", err)
	}
	return r, nil
}
