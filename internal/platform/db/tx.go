package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTxConflict is returned when a transaction keeps losing to concurrent
// writers after all retries.
var ErrTxConflict = errors.New("platform/db: transaction conflict")

// WithTx executes fn inside a RepeatableRead transaction. Row locks taken
// with SELECT ... FOR UPDATE inside fn are held until commit.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// WithRetryTx runs fn through WithTx and retries up to attempts times when
// postgres reports a serialization failure or deadlock (40001, 40P01).
// It gives up with ErrTxConflict once the attempts are exhausted.
func WithRetryTx(ctx context.Context, pool *pgxpool.Pool, attempts int, fn func(pgx.Tx) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for i := 0; i < attempts; i++ {
		last = WithTx(ctx, pool, fn)
		if last == nil || !isRetryable(last) {
			return last
		}
	}
	return fmt.Errorf("%w: %v", ErrTxConflict, last)
}

// Runner abstracts transaction execution so services can be exercised
// against in-memory repositories.
type Runner interface {
	RunTx(ctx context.Context, fn func(pgx.Tx) error) error
}

// PoolRunner runs transactions on a pgx pool with conflict retries.
type PoolRunner struct {
	pool     *pgxpool.Pool
	attempts int
}

// NewPoolRunner constructs a PoolRunner.
func NewPoolRunner(pool *pgxpool.Pool, attempts int) *PoolRunner {
	return &PoolRunner{pool: pool, attempts: attempts}
}

// RunTx implements Runner with WithRetryTx semantics.
func (r *PoolRunner) RunTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return WithRetryTx(ctx, r.pool, r.attempts, fn)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
