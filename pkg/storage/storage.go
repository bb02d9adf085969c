// Package storage opens warehouse databases and hides the differences between
// SQL dialects behind the Dialect interface.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// Common errors
var (
	ErrUnknownDialect = errors.New("unknown dialect")
	ErrNoConnection   = errors.New("failed to obtain database connection")
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ColumnInfo is the metadata the database reports for one column
type ColumnInfo struct {
	Table  string
	Column string
	Type   string // upper case
}

// ExplainResult is the estimate a database gives for a statement.
// Time is in milliseconds.
type ExplainResult struct {
	Rows int64
	Time int64
}

// Dialect encapsulates everything that differs between supported databases.
type Dialect interface {
	// Name is the registry name of the dialect
	Name() string
	// DriverName is the database/sql driver to open
	DriverName() string
	// DSN builds the connection string
	DSN(cfg Config) string

	// Rebind converts ? placeholders to the dialect's placeholder syntax
	Rebind(query string) string
	// Literal renders a value as an SQL literal
	Literal(v interface{}) string
	// LimitOffset renders paging; a negative limit means no limit
	LimitOffset(limit, offset int) string
	// ColumnType maps a model attribute type to a column type
	ColumnType(attrType string) string
	// NullsFirst reports whether NULL sorts before every value in ascending order
	NullsFirst() bool

	// NextVal returns the next value of a durable sequence, creating it if absent
	NextVal(ctx context.Context, q Querier, sequence string) (int64, error)
	// EnsureSequence creates a sequence if it does not exist
	EnsureSequence(ctx context.Context, q Querier, sequence string) error
	// Columns returns metadata for a column of a table
	Columns(ctx context.Context, q Querier, table, column string) ([]ColumnInfo, error)
	// Explain estimates the cost of a statement without running it
	Explain(ctx context.Context, q Querier, query string, args []interface{}) (ExplainResult, error)

	// CompositeOrderBy combines integer expressions into one sortable value,
	// the first expression in the most significant block of 20 decimal digits.
	CompositeOrderBy(exprs []string) string
}

// DB is an open database together with its dialect
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Conn checks out a dedicated connection from the pool. The caller must close it.
func (db *DB) Conn(ctx context.Context) (*sql.Conn, error) {
	conn, err := db.DB.Conn(ctx)
	if err != nil {
		return nil, errors.Join(ErrNoConnection, err)
	}
	return conn, nil
}

// IsIntegerType reports whether a column type reported by the database holds integers.
func IsIntegerType(t string) bool {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case "SMALLINT", "INTEGER", "INT", "BIGINT", "INT2", "INT4", "INT8":
		return true
	}
	return false
}

// quoteString doubles single quotes
func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
