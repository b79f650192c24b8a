package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when the pool is used before Connect or after Disconnect
var ErrNotConnected = errors.New("database connection is not established")

// DefaultMaxOpenConns bounds the number of parallel connections shared by all loops
const DefaultMaxOpenConns = 10

// Connect opens a sqlx handle and verifies it with a ping
func Connect(ctx context.Context, dbURL string, log *zap.SugaredLogger) (*sqlx.DB, error) {
	log.Debugw("Database connection attempt", "url_length", len(dbURL), "url_prefix", dbURL[:min(12, len(dbURL))])

	db, err := sqlx.ConnectContext(ctx, "postgres", dbURL)
	if err != nil {
		log.Errorw("Database connection failed at sqlx.Connect()", "error_type", fmt.Sprintf("%T", err), "error", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		log.Errorw("Database connection failed at Ping()", "error_type", fmt.Sprintf("%T", err), "error", err)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Pool is the connection pool shared by every device loop.
// Connect and Disconnect are idempotent; Acquire scopes one connection to a callback.
type Pool struct {
	url          string
	maxOpenConns int
	log          *zap.SugaredLogger

	mu sync.RWMutex
	db *sqlx.DB
}

// NewPool creates an unconnected pool for dbURL
func NewPool(dbURL string, log *zap.SugaredLogger) *Pool {
	return &Pool{
		url:          dbURL,
		maxOpenConns: DefaultMaxOpenConns,
		log:          log,
	}
}

// NewPoolFromDB wraps an already open handle
func NewPoolFromDB(db *sqlx.DB, log *zap.SugaredLogger) *Pool {
	return &Pool{
		maxOpenConns: DefaultMaxOpenConns,
		log:          log,
		db:           db.Unsafe(),
	}
}

// SetMaxOpenConns must be called before Connect
func (p *Pool) SetMaxOpenConns(n int) {
	p.maxOpenConns = n
}

// Connect creates the pool if it does not exist yet
func (p *Pool) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db != nil {
		return nil
	}

	db, err := Connect(ctx, p.url, p.log)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(p.maxOpenConns)

	// SELECT * rows may carry columns the typed record does not map
	p.db = db.Unsafe()
	p.log.Info("Database connection pool created.")
	return nil
}

// Disconnect tears the pool down. Calling it on a closed pool is a no-op.
func (p *Pool) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		return nil
	}

	err := p.db.Close()
	p.db = nil
	if err != nil {
		return fmt.Errorf("error closing database pool: %w", err)
	}
	p.log.Info("Database connection pool disconnected.")
	return nil
}

// Close is an alias of Disconnect
func (p *Pool) Close() error {
	return p.Disconnect()
}

// Connected reports whether the pool is open
func (p *Pool) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.db != nil
}

func (p *Pool) handle() (*sqlx.DB, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return nil, ErrNotConnected
	}
	return p.db, nil
}

// Acquire checks out one connection for the duration of fn.
// The connection is returned to the pool on every exit path, including panics.
func (p *Pool) Acquire(ctx context.Context, fn func(Queries) error) error {
	db, err := p.handle()
	if err != nil {
		return err
	}

	conn, err := db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Close()

	return fn(&queries{conn: conn})
}

// Ping verifies the pool can reach the database
func (p *Pool) Ping(ctx context.Context) error {
	db, err := p.handle()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// CurrentTime returns the database server's NOW()
func (p *Pool) CurrentTime(ctx context.Context) (time.Time, error) {
	db, err := p.handle()
	if err != nil {
		return time.Time{}, err
	}

	var now time.Time
	if err := db.GetContext(ctx, &now, `SELECT NOW()`); err != nil {
		return time.Time{}, fmt.Errorf("error querying current time: %w", err)
	}
	return now, nil
}

// Version returns the database server's version() string
func (p *Pool) Version(ctx context.Context) (string, error) {
	db, err := p.handle()
	if err != nil {
		return "", err
	}

	var version string
	if err := db.GetContext(ctx, &version, `SELECT version()`); err != nil {
		return "", fmt.Errorf("error querying version: %w", err)
	}
	return version, nil
}
