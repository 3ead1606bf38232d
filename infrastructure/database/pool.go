package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
)

// reconnectCooldown is the minimum time between reconnect attempts,
// preventing reconnect storms when the database is flapping (spec.md §5).
const reconnectCooldown = 5 * time.Second

// maxConsecutiveFailures is the number of consecutive failures after which
// a reconnect is scheduled in the background.
const maxConsecutiveFailures = 3

// Pool is the process-global Postgres connection pool shared by a
// cmd/ binary. Reconnection serializes on a mutex with a cooldown so
// concurrent callers observing a broken connection do not all dial at once.
type Pool struct {
	mu               sync.Mutex
	db               *sql.DB
	dsn              string
	log              *logging.Logger
	lastReconnect    time.Time
	consecutiveFails int
}

// Open establishes a PostgreSQL connection pool and verifies connectivity
// with a ping, bounded to the 30s DB-connect timeout (spec.md §5).
func Open(ctx context.Context, dsn string, log *logging.Logger) (*Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{db: db, dsn: dsn, log: log}, nil
}

// DB returns the underlying *sql.DB for callers that need to run a query
// or statement directly.
func (p *Pool) DB() *sql.DB {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db
}

// DSN returns the pool's connection string.
func (p *Pool) DSN() string {
	return p.dsn
}

// Close closes the underlying connection pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// RecordFailure increments the consecutive-failure counter and, once it
// reaches maxConsecutiveFailures, schedules a reconnect in the background
// (rate-limited by reconnectCooldown).
func (p *Pool) RecordFailure(ctx context.Context) {
	p.mu.Lock()
	p.consecutiveFails++
	fails := p.consecutiveFails
	sinceLast := time.Since(p.lastReconnect)
	p.mu.Unlock()

	if fails < maxConsecutiveFailures {
		return
	}
	if sinceLast < reconnectCooldown {
		return
	}
	go p.reconnect(ctx)
}

// RecordSuccess resets the consecutive-failure counter.
func (p *Pool) RecordSuccess() {
	p.mu.Lock()
	p.consecutiveFails = 0
	p.mu.Unlock()
}

func (p *Pool) reconnect(ctx context.Context) {
	p.mu.Lock()
	if time.Since(p.lastReconnect) < reconnectCooldown {
		p.mu.Unlock()
		return
	}
	p.lastReconnect = time.Now()
	p.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	db, err := sql.Open("postgres", p.dsn)
	if err != nil {
		if p.log != nil {
			p.log.WithError(err).Warn("database reconnect: open failed")
		}
		return
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		if p.log != nil {
			p.log.WithError(err).Warn("database reconnect: ping failed")
		}
		return
	}

	p.mu.Lock()
	old := p.db
	p.db = db
	p.consecutiveFails = 0
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if p.log != nil {
		p.log.Info(ctx, "database reconnected", nil)
	}
}
