package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

// MySQL server error numbers that mean the transaction was aborted by the
// server rather than refused by the domain.
const (
	mysqlErrDuplicateKey    = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
	mysqlErrQueryTimeout    = 3024
)

var (
	ErrLockTimeout = errors.New("lock wait timeout")
	ErrDeadlock    = errors.New("deadlock detected")
)

// txClosure runs fn in a transaction, committing on nil and rolling back on
// error or panic.
func txClosure(ctx context.Context, db *sqlx.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}

		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
			}
			return
		}

		if cErr := tx.Commit(); cErr != nil {
			err = classify("commit transaction", cErr)
		}
	}()

	return fn(ctx, tx)
}

// classify turns server-side aborts into infrastructure errors and leaves
// everything else wrapped with op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrLockWaitTimeout, mysqlErrQueryTimeout:
			return &domain.InfrastructureError{Op: op, Err: fmt.Errorf("%w: %v", ErrLockTimeout, err)}
		case mysqlErrDeadlock:
			return &domain.InfrastructureError{Op: op, Err: fmt.Errorf("%w: %v", ErrDeadlock, err)}
		}
	}
	return &domain.InfrastructureError{Op: op, Err: err}
}

func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateKey
}
