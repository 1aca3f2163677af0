// Package databases holds the shared Postgres connection-pool helper used
// by every store (contacts, ledger, memory) that needs a *pgxpool.Pool.
package databases

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// OpenPool creates a Postgres connection pool using conservative defaults
// and verifies connectivity with a short-lived ping before returning. Every
// connection registers the vector type, so callers can store/query
// pgvector-go Vector values (the memory store's embedding column) without
// a per-query cast.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// Best-effort: contacts/ledger pools have no vector extension
		// installed and shouldn't fail to connect over it.
		_ = pgvector.RegisterTypes(ctx, conn)
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
