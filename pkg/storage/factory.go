package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Config describes a database to open
type Config struct {
	Driver       string // dialect name: "sqlite" or "postgres"
	Path         string // SQLite database file
	DSN          string // PostgreSQL connection string
	MaxOpenConns int
	BusyTimeout  int // milliseconds, SQLite only
}

var (
	dialectMu       sync.RWMutex
	dialectRegistry = make(map[string]Dialect)
)

// RegisterDialect registers a dialect implementation
func RegisterDialect(d Dialect) {
	dialectMu.Lock()
	defer dialectMu.Unlock()
	dialectRegistry[d.Name()] = d
}

// GetDialect looks up a registered dialect
func GetDialect(name string) (Dialect, error) {
	dialectMu.RLock()
	d, exists := dialectRegistry[name]
	dialectMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDialect, name)
	}
	return d, nil
}

// ListDialects returns all registered dialect names
func ListDialects() []string {
	dialectMu.RLock()
	defer dialectMu.RUnlock()

	names := make([]string, 0, len(dialectRegistry))
	for name := range dialectRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// init registers built-in dialects
func init() {
	RegisterDialect(SQLite{})
	RegisterDialect(Postgres{})
}

// Open opens and pings a database
func Open(ctx context.Context, cfg Config) (*DB, error) {
	d, err := GetDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.DriverName(), d.DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrNoConnection, err)
	}

	return &DB{DB: db, Dialect: d}, nil
}

// WithTx runs fn inside a transaction. The transaction is rolled back if fn
// returns an error or panics, and committed otherwise.
func WithTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
