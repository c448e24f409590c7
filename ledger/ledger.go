// Package ledger persists wallet balances as an append-only entry log in
// SQLite. Entries are never mutated or deleted; corrections are new entries.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS wallets (
	user_id                TEXT PRIMARY KEY,
	available_microdollars INTEGER NOT NULL DEFAULT 0,
	updated_at             INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	type                TEXT NOT NULL,
	run_id              TEXT NOT NULL DEFAULT '',
	subtask_id          INTEGER,
	model               TEXT NOT NULL DEFAULT '',
	input_tokens        INTEGER NOT NULL DEFAULT 0,
	output_tokens       INTEGER NOT NULL DEFAULT 0,
	amount_microdollars INTEGER NOT NULL,
	reference           TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_user_created
	ON ledger_entries(user_id, created_at);

CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_usage_once
	ON ledger_entries(user_id, run_id, subtask_id) WHERE type = 'usage';
`

// Entry types.
const (
	TypeTopup = "topup" // credit from an external payment
	TypeUsage = "usage" // debit for one subtask's inference cost
)

// Operation statuses.
const (
	StatusCredited     = "credited"
	StatusDebited      = "debited"
	StatusNoop         = "noop" // already recorded, idempotent replay
	StatusInsufficient = "insufficient_funds"
)

// Entry is one immutable ledger record. Amounts are signed microdollars:
// credits positive, debits negative.
type Entry struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Type         string `json:"type"`
	RunID        string `json:"run_id,omitempty"`
	SubtaskID    *int   `json:"subtask_id,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	Amount       int64  `json:"amount_microdollars"`
	Reference    string `json:"reference,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// DebitRequest describes one usage debit.
type DebitRequest struct {
	UserID       string
	RunID        string
	SubtaskID    int
	Model        string
	InputTokens  int
	OutputTokens int
	Amount       int64 // positive microdollars to deduct
}

// Result reports the outcome of a credit or debit, with the balance after.
type Result struct {
	Status  string
	EntryID string
	Balance int64
}

// Store persists wallets and ledger entries in a SQLite database.
// A single connection plus SQLite's write transaction gives the per-wallet
// single-writer discipline: concurrent debit attempts serialize and can
// never both observe a stale balance.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database at dbPath and ensures the
// schema exists. The caller is responsible for calling Close.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Balance returns the wallet's available microdollars, creating an empty
// wallet for unknown users.
func (s *Store) Balance(userID string) (int64, error) {
	if err := s.ensureWallet(s.db, userID); err != nil {
		return 0, err
	}
	var balance int64
	err := s.db.QueryRow(
		`SELECT available_microdollars FROM wallets WHERE user_id = ?`, userID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// Credit records a top-up. A non-empty reference (an external payment id)
// makes the credit idempotent: replaying the same reference is a noop.
func (s *Store) Credit(userID string, amount int64, reference string) (Result, error) {
	if amount <= 0 {
		return Result{}, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Result{}, fmt.Errorf("begin credit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureWallet(tx, userID); err != nil {
		return Result{}, err
	}

	if reference != "" {
		var exists int
		err := tx.QueryRow(
			`SELECT 1 FROM ledger_entries WHERE type = ? AND reference = ?`,
			TypeTopup, reference,
		).Scan(&exists)
		switch {
		case err == nil:
			balance, berr := balanceIn(tx, userID)
			if berr != nil {
				return Result{}, berr
			}
			if cerr := tx.Commit(); cerr != nil {
				return Result{}, fmt.Errorf("commit credit: %w", cerr)
			}
			return Result{Status: StatusNoop, Balance: balance}, nil
		case errors.Is(err, sql.ErrNoRows):
			// fall through to insert
		default:
			return Result{}, fmt.Errorf("check credit reference: %w", err)
		}
	}

	entryID := uuid.NewString()
	now := time.Now().Unix()
	if _, err := tx.Exec(
		`INSERT INTO ledger_entries (id, user_id, type, amount_microdollars, reference, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entryID, userID, TypeTopup, amount, reference, now,
	); err != nil {
		return Result{}, fmt.Errorf("insert credit entry: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE wallets SET available_microdollars = available_microdollars + ?, updated_at = ? WHERE user_id = ?`,
		amount, now, userID,
	); err != nil {
		return Result{}, fmt.Errorf("apply credit: %w", err)
	}

	balance, err := balanceIn(tx, userID)
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit credit: %w", err)
	}
	return Result{Status: StatusCredited, EntryID: entryID, Balance: balance}, nil
}

// DebitUsage atomically deducts a subtask's actual cost. The debit is
// idempotent on (user, run, subtask): a replayed completion is a noop.
// Returns StatusInsufficient without writing anything when the balance
// cannot cover the amount; the balance never goes negative.
func (s *Store) DebitUsage(req DebitRequest) (Result, error) {
	if req.Amount < 0 {
		return Result{}, fmt.Errorf("debit amount must be non-negative, got %d", req.Amount)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Result{}, fmt.Errorf("begin debit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureWallet(tx, req.UserID); err != nil {
		return Result{}, err
	}

	var exists int
	err = tx.QueryRow(
		`SELECT 1 FROM ledger_entries WHERE type = ? AND user_id = ? AND run_id = ? AND subtask_id = ?`,
		TypeUsage, req.UserID, req.RunID, req.SubtaskID,
	).Scan(&exists)
	switch {
	case err == nil:
		balance, berr := balanceIn(tx, req.UserID)
		if berr != nil {
			return Result{}, berr
		}
		if cerr := tx.Commit(); cerr != nil {
			return Result{}, fmt.Errorf("commit debit: %w", cerr)
		}
		return Result{Status: StatusNoop, Balance: balance}, nil
	case errors.Is(err, sql.ErrNoRows):
		// first time, proceed
	default:
		return Result{}, fmt.Errorf("check debit idempotence: %w", err)
	}

	balance, err := balanceIn(tx, req.UserID)
	if err != nil {
		return Result{}, err
	}
	if balance-req.Amount < 0 {
		// No write: rollback via deferred Rollback.
		return Result{Status: StatusInsufficient, Balance: balance}, nil
	}

	entryID := uuid.NewString()
	now := time.Now().Unix()
	if _, err := tx.Exec(
		`INSERT INTO ledger_entries
			(id, user_id, type, run_id, subtask_id, model, input_tokens, output_tokens, amount_microdollars, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entryID, req.UserID, TypeUsage, req.RunID, req.SubtaskID, req.Model,
		req.InputTokens, req.OutputTokens, -req.Amount, now,
	); err != nil {
		return Result{}, fmt.Errorf("insert debit entry: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE wallets SET available_microdollars = available_microdollars - ?, updated_at = ? WHERE user_id = ?`,
		req.Amount, now, req.UserID,
	); err != nil {
		return Result{}, fmt.Errorf("apply debit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit debit: %w", err)
	}
	return Result{Status: StatusDebited, EntryID: entryID, Balance: balance - req.Amount}, nil
}

// Entries returns the user's most recent ledger entries, newest first.
func (s *Store) Entries(userID string, limit int) ([]Entry, error) {
	q := `SELECT id, user_id, type, run_id, subtask_id, model, input_tokens, output_tokens,
	             amount_microdollars, reference, created_at
	      FROM ledger_entries WHERE user_id = ? ORDER BY rowid DESC`
	args := []any{userID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var subtask sql.NullInt64
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Type, &e.RunID, &subtask, &e.Model,
			&e.InputTokens, &e.OutputTokens, &e.Amount, &e.Reference, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if subtask.Valid {
			v := int(subtask.Int64)
			e.SubtaskID = &v
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// execer abstracts sql.DB and sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (s *Store) ensureWallet(db execer, userID string) error {
	_, err := db.Exec(
		`INSERT OR IGNORE INTO wallets (user_id, available_microdollars, updated_at) VALUES (?, 0, ?)`,
		userID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}
	return nil
}

func balanceIn(db execer, userID string) (int64, error) {
	var balance int64
	if err := db.QueryRow(
		`SELECT available_microdollars FROM wallets WHERE user_id = ?`, userID,
	).Scan(&balance); err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}
