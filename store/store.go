package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgxpool.Pool the repo uses. Narrowing it keeps the
// repo testable against a transaction during integration tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

// Repo gives typed access to the MasStock schema.
type Repo struct {
	db DB
}

// NewRepo creates a repo over a pgx pool or transaction.
func NewRepo(db DB) *Repo {
	return &Repo{db: db}
}
