// Package precompute manages materialized query results and the pagination
// anchors registered against executed queries.
package precompute

import (
	"context"
	"fmt"

	"github.com/ha1tch/olumine/pkg/query"
	"github.com/ha1tch/olumine/pkg/sqlgen"
	"github.com/ha1tch/olumine/pkg/storage"
	"github.com/rs/zerolog"
)

// Table is a precomputed query result.
type Table struct {
	Query         *query.Query
	Name          string
	Key           string            // inlined core of the source statement
	ValueMap      map[string]string // select expression to table column
	OrderByField  bool
	GenerationSQL string
	IndexSQL      string
	orderBy       []sqlgen.OrderColumn
}

// NewTable prepares a precomputed table for a translated query. The composite
// order by column is added when every order expression is a selected integer
// column in ascending order holding no NULL or negative values.
func NewTable(ctx context.Context, q *query.Query, stmt *sqlgen.Statement, name string, db storage.Querier, dialect storage.Dialect, logger zerolog.Logger) (*Table, error) {
	if stmt.Empty {
		return nil, fmt.Errorf("failed to precompute %s: query reads a missing table", name)
	}
	t := &Table{
		Query:    q,
		Name:     name,
		Key:      stmt.Core(),
		ValueMap: make(map[string]string, len(stmt.Select)),
		orderBy:  stmt.OrderBy,
	}
	for _, c := range stmt.Select {
		if _, exists := t.ValueMap[c.Expr]; !exists {
			t.ValueMap[c.Expr] = c.Alias
		}
	}

	composite, err := t.compositeEligible(ctx, stmt, db, dialect)
	if err != nil {
		return nil, err
	}
	if composite {
		exprs := make([]string, len(stmt.OrderBy))
		for i, o := range stmt.OrderBy {
			exprs[i] = o.Expr
		}
		t.OrderByField = true
		t.GenerationSQL = stmt.PrecomputeSQL(name, dialect.CompositeOrderBy(exprs)+" AS "+OrderByField)
		t.IndexSQL = fmt.Sprintf("CREATE INDEX %s_orderby ON %s (%s)", name, name, OrderByField)
	} else {
		t.GenerationSQL = stmt.PrecomputeSQL(name)
		if len(stmt.OrderBy) > 0 {
			if col, ok := t.ValueMap[stmt.OrderBy[0].Expr]; ok {
				t.IndexSQL = fmt.Sprintf("CREATE INDEX %s_orderby ON %s (%s)", name, name, col)
			}
		}
	}

	logger.Debug().
		Str("table", name).
		Bool("orderby_field", t.OrderByField).
		Msg("Prepared precomputed table")
	return t, nil
}

func (t *Table) compositeEligible(ctx context.Context, stmt *sqlgen.Statement, db storage.Querier, dialect storage.Dialect) (bool, error) {
	if len(stmt.OrderBy) < 2 || stmt.Union {
		return false, nil
	}
	for _, o := range stmt.OrderBy {
		if o.Desc || !o.IsDirect() {
			return false, nil
		}
		if _, ok := t.ValueMap[o.Expr]; !ok {
			return false, nil
		}
		cols, err := dialect.Columns(ctx, db, o.Table, o.Name)
		if err != nil {
			return false, fmt.Errorf("failed to inspect %s.%s: %w", o.Table, o.Name, err)
		}
		if len(cols) != 1 || !storage.IsIntegerType(cols[0].Type) {
			return false, nil
		}
		ok, err := nonNegative(ctx, db, o.Table, o.Name)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// nonNegative reports whether a column holds only values the composite key can
// order: no NULLs and nothing below zero.
func nonNegative(ctx context.Context, db storage.Querier, table, column string) (bool, error) {
	var n int64
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NULL OR %s < 0", table, column, column)
	if err := db.QueryRowContext(ctx, sql).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check %s.%s: %w", table, column, err)
	}
	return n == 0, nil
}

// Equal compares tables by the query text and name
func (t *Table) Equal(other *Table) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.Name == other.Name && t.Query.String() == other.Query.String()
}

// rewrite returns the statement reading rows from the table instead of the
// class tables, false when an order expression has no column in the table.
func (t *Table) rewrite(stmt *sqlgen.Statement, dialect storage.Dialect) (string, bool) {
	sql := "SELECT "
	for i, c := range stmt.Select {
		if i > 0 {
			sql += ", "
		}
		col, ok := t.ValueMap[c.Expr]
		if !ok {
			return "", false
		}
		sql += "pt." + col + " AS " + c.Alias
	}
	sql += " FROM " + t.Name + " AS pt"

	if t.OrderByField {
		sql += " ORDER BY pt." + OrderByField
	} else if len(t.orderBy) > 0 {
		sql += " ORDER BY "
		for i, o := range t.orderBy {
			col, ok := t.ValueMap[o.Expr]
			if !ok {
				return "", false
			}
			if i > 0 {
				sql += ", "
			}
			sql += "pt." + col
			if o.Desc {
				sql += " DESC"
			}
		}
	}
	if paging := dialect.LimitOffset(stmt.Limit, stmt.Start); paging != "" {
		sql += " " + paging
	}
	return sql, true
}
