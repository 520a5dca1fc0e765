// Package pgxutil runs transactions over the shared database/sql pool, either
// as *sql.Tx or as a native pgx.Tx through the stdlib bridge.
package pgxutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// InSQLTx runs fn in a database/sql transaction. fn's error rolls back; a
// rollback failure is joined to the returned error.
func InSQLTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// InPgxTx runs fn in a pgx transaction on a connection borrowed from db.
// Use it where pgx row scanning or batch APIs are needed.
func InPgxTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(pgx.Tx) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer conn.Close() //nolint:errcheck // returning the conn to the pool is best-effort

	return conn.Raw(func(dc any) error {
		std, ok := dc.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", dc)
		}
		tx, err := std.Conn().BeginTx(ctx, TxOptions(opts))
		if err != nil {
			return fmt.Errorf("begin pgx tx: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit pgx tx: %w", err)
		}
		return nil
	})
}

// TxOptions maps database/sql options onto pgx. Nil selects server defaults.
func TxOptions(opts *sql.TxOptions) pgx.TxOptions {
	var out pgx.TxOptions
	if opts == nil {
		return out
	}
	switch opts.Isolation {
	case sql.LevelSerializable, sql.LevelLinearizable:
		out.IsoLevel = pgx.Serializable
	case sql.LevelRepeatableRead, sql.LevelSnapshot:
		out.IsoLevel = pgx.RepeatableRead
	case sql.LevelReadCommitted, sql.LevelWriteCommitted:
		out.IsoLevel = pgx.ReadCommitted
	case sql.LevelReadUncommitted:
		out.IsoLevel = pgx.ReadUncommitted
	}
	if opts.ReadOnly {
		out.AccessMode = pgx.ReadOnly
	}
	return out
}
