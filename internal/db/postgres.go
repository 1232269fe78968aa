package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pingPoolFn is replaced in tests to avoid needing a live database.
var pingPoolFn = func(ctx context.Context, pool *pgxpool.Pool) error { return pool.Ping(ctx) }

// ConnectPostgres opens and pings a pool. An empty url disables the journal.
func ConnectPostgres(url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pingPoolFn(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
