// Package dbpool provides a bounded, circuit-broken connection pool for the
// source database. The pool is kept small so a single export job stays well
// under the database's connection ceiling; every acquisition runs a one-row
// liveness probe so a dead connection is never handed to an exporter.
package dbpool

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
	"github.com/quarrydata/quarry/pkg/metrics"
	"github.com/quarrydata/quarry/pkg/qerrors"
)

// ConnConfig identifies the source database for one job. Passwords live only
// in memory; the pool never persists them.
type ConnConfig struct {
	DBType   string `json:"db_type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode,omitempty"`
}

// DSN renders the pgx connection URL. Greenplum speaks the PostgreSQL wire
// protocol, so both database types share one driver.
func (c ConnConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}

// Stats is a read-only snapshot of the pool for health reporting.
type Stats struct {
	Active        int32        `json:"active"`
	Idle          int32        `json:"idle"`
	Max           int32        `json:"max"`
	TotalAcquired int64        `json:"total_acquired"`
	TotalErrors   int64        `json:"total_errors"`
	Breaker       BreakerState `json:"breaker"`
}

// Pool is a bounded source-database connection pool guarded by a circuit
// breaker. Acquire hands out probed connections; Release returns them.
type Pool struct {
	conn    ConnConfig
	cfg     config.PoolConfig
	breaker *CircuitBreaker
	logger  *zap.Logger

	pool *pgxpool.Pool

	totalAcquired int64
	totalErrors   int64

	closeOnce sync.Once
}

// Conn is a scoped handle on one pooled connection. It must be released on
// every exit path.
type Conn struct {
	*pgxpool.Conn
	pool     *Pool
	released int32
}

// Release returns the connection to the pool. Safe to call more than once.
func (c *Conn) Release() {
	if atomic.CompareAndSwapInt32(&c.released, 0, 1) {
		c.Conn.Release()
	}
}

// New creates a connection pool for the given database target and validates
// connectivity once.
func New(ctx context.Context, conn ConnConfig, poolCfg config.PoolConfig, brkCfg config.BreakerConfig, logger *zap.Logger) (*Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(conn.DSN())
	if err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeConfig, "failed to parse connection config")
	}

	pgxCfg.MaxConns = poolCfg.MaxConns
	pgxCfg.MinConns = poolCfg.MinConns
	pgxCfg.ConnConfig.ConnectTimeout = poolCfg.ConnectTimeout

	inner, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeConnection, "failed to create connection pool")
	}

	p := &Pool{
		conn:    conn,
		cfg:     poolCfg,
		breaker: NewCircuitBreaker(brkCfg, logger),
		logger: logger.With(
			zap.String("component", "dbpool"),
			zap.String("database", conn.Database)),
		pool: inner,
	}

	pingCtx, cancel := context.WithTimeout(ctx, poolCfg.ConnectTimeout)
	defer cancel()
	if err := inner.Ping(pingCtx); err != nil {
		inner.Close()
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeConnection, "failed to validate connection")
	}

	p.logger.Info("connection pool ready",
		zap.String("db_type", conn.DBType),
		zap.String("host", conn.Host),
		zap.Int32("max_conns", poolCfg.MaxConns),
		zap.Int32("min_conns", poolCfg.MinConns))

	return p, nil
}

// Acquire obtains a probed connection from the pool. It fails fast with a
// circuit_open error while the breaker is open; otherwise it returns
// connection or timeout errors, each counted against the breaker.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if !p.breaker.Allow() {
		metrics.PoolErrors.Inc()
		return nil, qerrors.New(qerrors.ErrorTypeCircuitOpen,
			"connection circuit breaker is open, acquisition rejected")
	}

	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	conn, err := p.pool.Acquire(acquireCtx)
	if err != nil {
		atomic.AddInt64(&p.totalErrors, 1)
		metrics.PoolErrors.Inc()
		p.breaker.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, qerrors.Wrap(err, qerrors.ErrorTypeTimeout, "connection acquisition timed out")
		}
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeConnection, "failed to acquire connection")
	}

	if err := p.probe(ctx, conn); err != nil {
		// A connection that fails its liveness probe is destroyed, not
		// returned to the pool.
		_ = conn.Conn().Close(ctx)
		conn.Release()

		atomic.AddInt64(&p.totalErrors, 1)
		metrics.PoolErrors.Inc()
		p.breaker.RecordFailure()
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeConnection, "connection failed liveness probe")
	}

	atomic.AddInt64(&p.totalAcquired, 1)
	p.breaker.RecordSuccess()

	return &Conn{Conn: conn, pool: p}, nil
}

// probe runs the one-row liveness check on a freshly acquired connection.
func (p *Pool) probe(ctx context.Context, conn *pgxpool.Conn) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	var one int
	if err := conn.QueryRow(probeCtx, "SELECT 1").Scan(&one); err != nil {
		return err
	}
	if one != 1 {
		return fmt.Errorf("liveness probe returned %d", one)
	}
	return nil
}

// Breaker exposes the pool's circuit breaker state for health reporting.
func (p *Pool) Breaker() BreakerState {
	return p.breaker.GetState()
}

// Stats returns a snapshot of pool usage and breaker state.
func (p *Pool) Stats() Stats {
	inner := p.pool.Stat()
	return Stats{
		Active:        inner.AcquiredConns(),
		Idle:          inner.IdleConns(),
		Max:           inner.MaxConns(),
		TotalAcquired: atomic.LoadInt64(&p.totalAcquired),
		TotalErrors:   atomic.LoadInt64(&p.totalErrors),
		Breaker:       p.breaker.GetState(),
	}
}

// StatementTimeout returns the configured analysis statement timeout.
func (p *Pool) StatementTimeout() time.Duration {
	return p.cfg.StatementTimeout
}

// Close shuts the pool down. Safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.pool.Close()
		p.logger.Info("connection pool closed")
	})
}
