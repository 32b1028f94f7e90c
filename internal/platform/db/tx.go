package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	// DBTxKey carries an open pgx.Tx so repositories join an enclosing
	// transaction instead of using the pool directly.
	DBTxKey contextKey = "db_tx"
	// DBConnKey carries a dedicated pool connection.
	DBConnKey contextKey = "db_conn"
)

// TxFromContext retrieves the active transaction from context, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// ConnFromContext retrieves a dedicated database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// WithTx runs fn inside a single transaction. The transaction is stored in
// the context passed to fn, so any repository call made through that context
// joins it. Commit happens only when fn returns nil; any error (or panic)
// rolls everything back.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	txCtx := context.WithValue(ctx, DBTxKey, tx)
	if err := fn(txCtx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
