// Package dbexec is the engine's narrow storage boundary: query/exec methods
// over a database handle plus scoped transaction control. The pool inside
// *sql.DB is the only shared mutable resource the engine touches; everything
// here acquires and releases it per top-level call.
package dbexec

import (
	"context"
	"database/sql"
)

// Rows abstracts sql.Rows so tests and wrappers can substitute cleanup behavior.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
	Close() error
}

// Executor abstracts SQL execution for both direct and in-transaction use.
type Executor interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Beginner starts transactions. *sql.DB satisfies it.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// DB executes directly against a database handle.
type DB struct {
	db *sql.DB
}

// NewDB wraps a database handle.
func NewDB(db *sql.DB) *DB {
	return &DB{db: db}
}

func (e *DB) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.QueryContext(ctx, query, args...)
}

func (e *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.ExecContext(ctx, query, args...)
}

func (e *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.BeginTx(ctx, opts)
}

// Tx executes within one transaction.
type Tx struct {
	tx *sql.Tx
}

// NewTx wraps an open transaction.
func NewTx(tx *sql.Tx) *Tx {
	return &Tx{tx: tx}
}

func (e *Tx) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	return e.tx.QueryContext(ctx, query, args...)
}

func (e *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return e.tx.ExecContext(ctx, query, args...)
}

// WithTransaction runs fn inside one transaction with guaranteed release:
// commit on success, rollback on error, panic, or context cancellation. A
// failed rollback is reported alongside the original error so callers never
// retry a transaction whose rollback is unconfirmed.
func WithTransaction(ctx context.Context, begin Beginner, fn func(tx *Tx) error) (err error) {
	sqlTx, err := begin.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	done := false
	defer func() {
		if done {
			return
		}
		// Reached when fn panics; rollback before unwinding.
		_ = sqlTx.Rollback()
	}()

	if err := fn(NewTx(sqlTx)); err != nil {
		done = true
		if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return &RollbackError{Cause: err, RollbackErr: rbErr}
		}
		return err
	}

	done = true
	return sqlTx.Commit()
}

// RollbackError marks a transaction whose rollback could not be confirmed.
// Outer retry policies must treat the outcome as unknown and never retry it.
type RollbackError struct {
	Cause       error
	RollbackErr error
}

func (e *RollbackError) Error() string {
	return "rollback failed after " + e.Cause.Error() + ": " + e.RollbackErr.Error()
}

func (e *RollbackError) Unwrap() error { return e.Cause }
