// Package ledger is the bank's account store: a single sqlite file
// holding non-negative integer balances, mutated only inside serializable
// transactions.
package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Ledger wraps a sqlite-backed accounts table.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if absent) the accounts database at path. The
// busy_timeout is set to 5s, comfortably above the 3s serialization bound
// transfers and withdrawals require under concurrent access.
func Open(path string) (*Ledger, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id      TEXT PRIMARY KEY,
			balance INTEGER NOT NULL CHECK(balance >= 0)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) ensureAccount(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO accounts (id, balance) VALUES (?, 0)`, id)
	if err != nil {
		return fmt.Errorf("ledger: ensure account %s: %w", id, err)
	}
	return nil
}

// Balance returns id's current balance, 0 if the account has never been
// touched.
func (l *Ledger) Balance(ctx context.Context, id string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, id).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: balance %s: %w", id, err)
	}
	return balance, nil
}

// Credit deposits amount into id, creating the account if necessary.
// There is no wire operation that triggers this directly; it exists for
// provisioning accounts (seeding opening balances) the way
// account_db.py's deposit_funds does.
func (l *Ledger) Credit(ctx context.Context, id string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: only non-negative amounts can be credited, got %d", amount)
	}
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback()

	if err := l.ensureAccount(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = balance + ? WHERE id = ?`, amount, id); err != nil {
		return fmt.Errorf("ledger: credit %s: %w", id, err)
	}
	return tx.Commit()
}

// Withdraw deducts amount from id. amount must be >= 0; a negative amount
// or an insufficient balance fails without mutating the account.
func (l *Ledger) Withdraw(ctx context.Context, id string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: only non-negative amounts can be withdrawn, got %d", amount)
	}

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback()

	if err := l.ensureAccount(ctx, tx, id); err != nil {
		return err
	}

	balance, err := l.balanceInTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("Account %s has only %d deposited, while requested to withdraw %d!", id, balance, amount)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = balance - ? WHERE id = ?`, amount, id); err != nil {
		return fmt.Errorf("ledger: withdraw %s: %w", id, err)
	}
	return tx.Commit()
}

// Transfer moves amount from from to to atomically. amount must be >= 0.
// from == to is a legal net-zero transfer that still runs as a
// transaction.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: only non-negative amounts can be transferred, got %d", amount)
	}

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback()

	if err := l.ensureAccount(ctx, tx, from); err != nil {
		return err
	}
	if err := l.ensureAccount(ctx, tx, to); err != nil {
		return err
	}

	balance, err := l.balanceInTx(ctx, tx, from)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("Account %s has only %d deposited, while requested to transfer %d!", from, balance, amount)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = balance - ? WHERE id = ?`, amount, from); err != nil {
		return fmt.Errorf("ledger: transfer debit %s: %w", from, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = balance + ? WHERE id = ?`, amount, to); err != nil {
		return fmt.Errorf("ledger: transfer credit %s: %w", to, err)
	}
	return tx.Commit()
}

func (l *Ledger) balanceInTx(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, id).Scan(&balance); err != nil {
		return 0, fmt.Errorf("ledger: balance %s: %w", id, err)
	}
	return balance, nil
}
