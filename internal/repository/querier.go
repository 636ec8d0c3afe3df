// Package repository holds the pgx-backed Persistence Adapter: session,
// served-item, and response CRUD with row-level locking, plus the shared
// Querier abstraction that lets internal/catalogue, internal/ability, and
// internal/rules run their reads against either the pool or an open
// transaction.
package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx. Read-side
// packages depend on this instead of a concrete pool type so the
// Session Controller can route their reads through an open transaction
// when it needs same-transaction freshness, and through the pool
// otherwise.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
