// Package postgres stores level documents in PostgreSQL using pgx v5.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/playnet/internal/config"
)

// connectAttempts bounds NewPool's retries while the database starts up.
const connectAttempts = 5

// Pool is the connection pool shared by the level repository and the
// gateway's periodic health probe.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool connects to the database described by cfg, retrying with a
// doubling backoff while the server refuses connections.
//
// Precondition: cfg must contain valid database connection parameters.
// Postcondition: Returns a pinged Pool, or the last connection error once
// the attempts are spent or ctx ends.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	backoff := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		pool, err := connect(ctx, poolCfg)
		if err == nil {
			return &Pool{pool: pool}, nil
		}
		if attempt == connectAttempts {
			return nil, err
		}
		logger.Warn("database not ready",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connecting to database: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func connect(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// Health pings the database, failing after timeout.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.pool.Ping(ctx)
}

// InUse reports acquired and total connections.
func (p *Pool) InUse() (acquired, total int32) {
	st := p.pool.Stat()
	return st.AcquiredConns(), st.TotalConns()
}

// Close releases all pool resources.
func (p *Pool) Close() { p.pool.Close() }

// DB returns the underlying pgxpool.Pool for repositories.
func (p *Pool) DB() *pgxpool.Pool { return p.pool }
