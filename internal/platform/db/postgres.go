package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool sizing for the till workload: sales are short row-locked
// transactions, so a small pool with a low idle lifetime beats a large one
// that holds connections through the dead hours between permanencies.
const (
	defaultMaxConns        = 10
	defaultMaxConnIdleTime = 5 * time.Minute
)

// New opens the PostgreSQL pool backing the accounts, the sale history and
// the subscriptions, and verifies connectivity before returning it. DSN
// parameters win over the defaults above.
func New(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("db: parse dsn: %w", err)
	}
	if !strings.Contains(dsn, "pool_max_conns") {
		config.MaxConns = defaultMaxConns
	}
	if !strings.Contains(dsn, "pool_max_conn_idle_time") {
		config.MaxConnIdleTime = defaultMaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("db: open pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	return pool, nil
}
