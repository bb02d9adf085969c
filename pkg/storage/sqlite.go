package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLite is the dialect for embedded SQLite databases
type SQLite struct{}

const sqliteSequences = "olu_sequences"

// rowsPerMillisecond converts an estimated row count into an estimated time
const rowsPerMillisecond = 1000

func (SQLite) Name() string       { return "sqlite" }
func (SQLite) DriverName() string { return "sqlite" }
func (SQLite) NullsFirst() bool   { return true }

// DSN builds a file DSN whose pragmas apply to every pooled connection.
func (SQLite) DSN(cfg Config) string {
	path := cfg.Path
	if path == "" {
		path = "olumine.db"
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5000
	}
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path, busy)
}

func (SQLite) Rebind(query string) string { return query }

func (SQLite) Literal(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteString(val)
	case bool:
		if val {
			return "1"
		}
		return "0"
	case []byte:
		return "X'" + hex.EncodeToString(val) + "'"
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func (SQLite) LimitOffset(limit, offset int) string {
	switch {
	case limit < 0 && offset <= 0:
		return ""
	case limit < 0:
		return fmt.Sprintf("LIMIT -1 OFFSET %d", offset)
	case offset <= 0:
		return fmt.Sprintf("LIMIT %d", limit)
	}
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}

func (SQLite) ColumnType(attrType string) string {
	switch attrType {
	case "int":
		return "INTEGER"
	case "bigint":
		return "BIGINT"
	case "boolean":
		return "BOOLEAN"
	case "float":
		return "REAL"
	}
	return "TEXT"
}

func (s SQLite) EnsureSequence(ctx context.Context, q Querier, sequence string) error {
	_, err := q.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+sqliteSequences+` (
		name TEXT PRIMARY KEY,
		next_id INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create sequence %s: %w", sequence, err)
	}
	return nil
}

// NextVal emulates a sequence with an upsert on a sequences table.
func (s SQLite) NextVal(ctx context.Context, q Querier, sequence string) (int64, error) {
	const upsert = `INSERT INTO ` + sqliteSequences + ` (name, next_id) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET next_id = next_id + 1
		RETURNING next_id`

	var next int64
	err := q.QueryRowContext(ctx, upsert, sequence).Scan(&next)
	if err != nil && strings.Contains(err.Error(), "no such table") {
		if err := s.EnsureSequence(ctx, q, sequence); err != nil {
			return 0, err
		}
		err = q.QueryRowContext(ctx, upsert, sequence).Scan(&next)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get next value of %s: %w", sequence, err)
	}
	return next, nil
}

func (SQLite) Columns(ctx context.Context, q Querier, table, column string) ([]ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var out []ColumnInfo
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		if strings.EqualFold(name, column) {
			out = append(out, ColumnInfo{Table: table, Column: name, Type: strings.ToUpper(typ)})
		}
	}
	return out, rows.Err()
}

var aliasPattern = regexp.MustCompile(`(?i)\b([a-z_][a-z0-9_]*)\s+AS\s+([a-z_][a-z0-9_]*)\b`)

// Explain derives an estimate from EXPLAIN QUERY PLAN. SQLite reports no costs,
// so each top-level loop contributes the size of its table for a scan and a
// hundredth of it for an index search, and the loops multiply.
func (SQLite) Explain(ctx context.Context, q Querier, query string, args []interface{}) (ExplainResult, error) {
	tables, err := sqliteTables(ctx, q)
	if err != nil {
		return ExplainResult{}, err
	}
	aliases := make(map[string]string)
	for _, m := range aliasPattern.FindAllStringSubmatch(query, -1) {
		if tables[strings.ToLower(m[1])] {
			aliases[m[2]] = strings.ToLower(m[1])
		}
	}

	rows, err := q.QueryContext(ctx, "EXPLAIN QUERY PLAN "+query, args...)
	if err != nil {
		return ExplainResult{}, fmt.Errorf("failed to explain query: %w", err)
	}
	type step struct {
		parent int64
		detail string
	}
	var steps []step
	for rows.Next() {
		var id, parent, notused int64
		var detail string
		if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
			rows.Close()
			return ExplainResult{}, err
		}
		steps = append(steps, step{parent: parent, detail: detail})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ExplainResult{}, err
	}

	counts := make(map[string]int64)
	estimate := int64(1)
	for _, st := range steps {
		if st.parent != 0 {
			continue
		}
		fields := strings.Fields(st.detail)
		if len(fields) < 2 || (fields[0] != "SCAN" && fields[0] != "SEARCH") {
			continue
		}
		name := fields[1]
		if name == "TABLE" && len(fields) > 2 {
			name = fields[2]
		}
		table, ok := aliases[name]
		if !ok {
			table = strings.ToLower(name)
		}
		if !tables[table] {
			continue
		}
		n, ok := counts[table]
		if !ok {
			if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
				return ExplainResult{}, fmt.Errorf("failed to count %s: %w", table, err)
			}
			counts[table] = n
		}
		factor := n
		if fields[0] == "SEARCH" {
			factor = n / 100
		}
		if factor < 1 {
			factor = 1
		}
		if estimate > math.MaxInt64/factor {
			estimate = math.MaxInt64
			break
		}
		estimate *= factor
	}

	return ExplainResult{
		Rows: estimate,
		Time: (estimate + rowsPerMillisecond - 1) / rowsPerMillisecond,
	}, nil
}

func sqliteTables(ctx context.Context, q Querier) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables[strings.ToLower(name)] = true
	}
	return tables, rows.Err()
}

// CompositeOrderBy concatenates zero padded 20 digit blocks. Text comparison of
// the result follows the tuple order for values in [0, 10^20).
func (SQLite) CompositeOrderBy(exprs []string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = fmt.Sprintf("printf('%%020d', %s)", e)
	}
	return strings.Join(parts, " || ")
}

var _ Dialect = SQLite{}
var _ Querier = (*sql.Tx)(nil)
