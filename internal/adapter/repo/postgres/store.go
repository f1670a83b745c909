package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relayq/relayq/internal/domain"
)

// PgxPool is the subset of *pgxpool.Pool the store needs; narrowed for
// testability.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Store persists jobs, retry attempts, dead letters, and scheduled jobs. It
// is the only component that writes these tables; everything else holds
// copies of fields and writes through it.
type Store struct {
	Pool   PgxPool
	Policy domain.RetryPolicy
}

// NewStore constructs a Store with the given pool and retry policy. The
// policy lives here because RecordFailure must derive its Decision inside
// the transaction.
func NewStore(p PgxPool, policy domain.RetryPolicy) *Store {
	return &Store{Pool: p, Policy: policy}
}

// uniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
