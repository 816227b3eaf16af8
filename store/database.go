package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DbClient wraps a pgxpool.Pool for database operations.
type DbClient struct {
	Pool *pgxpool.Pool
}

// NewDbClient creates a new DbClient with the given connection parameters.
func NewDbClient(dsn string, minConns int, maxConns int) (*DbClient, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	if minConns > 0 {
		config.MinConns = int32(minConns)
	}
	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}
	config.HealthCheckPeriod = 60 * time.Second

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	return &DbClient{Pool: pool}, nil
}

// Close closes the underlying connection pool.
func (c *DbClient) Close() {
	c.Pool.Close()
}
