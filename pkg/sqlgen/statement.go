package sqlgen

import (
	"strings"

	"github.com/ha1tch/olumine/pkg/storage"
)

// NoLimit requests every row after the start
const NoLimit = -1

// ColumnKind tells the results converter how to read a column
type ColumnKind int

const (
	ValueColumn ColumnKind = iota
	ObjectColumn
	IDColumn
)

// Column is one entry of a generated select list.
type Column struct {
	Expr  string // SQL expression, e.g. a1_.symbol
	Alias string // output name
	Table string // physical table when Expr is a direct column reference
	Name  string // physical column name when Expr is a direct column reference
	Node  int    // index in the query's select list, -1 for helper columns
	Kind  ColumnKind
	Type  string // attribute type of value columns
}

// IsDirect reports whether the column is a plain table column
func (c Column) IsDirect() bool { return c.Table != "" && c.Name != "" }

// OrderColumn is an entry of the generated order by
type OrderColumn struct {
	Column
	Desc bool
}

type anchor struct {
	offset int
	value  interface{}
}

// Statement is a translated query. Its text is produced on demand so that
// callers can reuse the parts: the parameterized SQL for execution, the
// inlined core for precomputed table matching and the CREATE TABLE form.
type Statement struct {
	Distinct  bool
	Select    []Column
	OrderBy   []OrderColumn
	Start     int
	Limit     int
	FromCount int
	Empty     bool // a from-list table is missing, the result is empty
	Union     bool

	from        string
	where       string
	whereInline string
	args        []interface{}
	dialect     storage.Dialect

	anchorable bool
	anchorExpr string
	anchor     *anchor
}

// Anchorable reports whether pagination anchors can be applied
func (s *Statement) Anchorable() bool { return s.anchorable }

// ApplyAnchor rewrites paging for a registered anchor: rows at positions from
// offset onwards are exactly the rows whose first order expression is greater
// than value. It returns false when the anchor cannot be used.
func (s *Statement) ApplyAnchor(offset int, value interface{}) bool {
	if !s.anchorable || value == nil || offset <= 0 || offset > s.Start {
		return false
	}
	s.anchor = &anchor{offset: offset, value: value}
	return true
}

// Anchored reports whether an anchor is applied
func (s *Statement) Anchored() bool { return s.anchor != nil }

// SQL returns the parameterized statement in the dialect's placeholder syntax.
func (s *Statement) SQL() string {
	var sb strings.Builder
	s.writeSelect(&sb, nil)
	where := s.where
	if s.anchor != nil {
		if where != "" {
			where = "(" + where + ") AND "
		}
		where += s.anchorExpr + " > ?"
	}
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}
	s.writeOrderBy(&sb)

	offset := s.Start
	if s.anchor != nil {
		offset = s.Start - s.anchor.offset
	}
	if paging := s.dialect.LimitOffset(s.Limit, offset); paging != "" {
		sb.WriteString(" ")
		sb.WriteString(paging)
	}
	return s.dialect.Rebind(sb.String())
}

// Args returns the parameters of SQL()
func (s *Statement) Args() []interface{} {
	args := append([]interface{}(nil), s.args...)
	if s.anchor != nil {
		args = append(args, s.anchor.value)
	}
	return args
}

// Core returns the statement without paging or anchors and with every
// parameter inlined. Equal cores select the same rows in the same order.
func (s *Statement) Core() string {
	var sb strings.Builder
	s.writeSelect(&sb, nil)
	if s.whereInline != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(s.whereInline)
	}
	s.writeOrderBy(&sb)
	return sb.String()
}

// CountSQL wraps the unpaged statement in a row count
func (s *Statement) CountSQL() string {
	var sb strings.Builder
	s.writeSelect(&sb, nil)
	if s.where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(s.where)
	}
	return s.dialect.Rebind("SELECT COUNT(*) FROM (" + sb.String() + ") AS fake_table")
}

// CountArgs returns the parameters of CountSQL()
func (s *Statement) CountArgs() []interface{} {
	return append([]interface{}(nil), s.args...)
}

// PrecomputeSQL materializes the core into a table. Extra select expressions
// are appended after the select list.
func (s *Statement) PrecomputeSQL(table string, extra ...string) string {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE ")
	sb.WriteString(table)
	sb.WriteString(" AS ")
	s.writeSelect(&sb, extra)
	if s.whereInline != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(s.whereInline)
	}
	s.writeOrderBy(&sb)
	return sb.String()
}

func (s *Statement) writeSelect(sb *strings.Builder, extra []string) {
	sb.WriteString("SELECT ")
	if s.Distinct {
		sb.WriteString("DISTINCT ")
	}
	for i, c := range s.Select {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c.Expr)
		sb.WriteString(" AS ")
		sb.WriteString(c.Alias)
	}
	for _, e := range extra {
		sb.WriteString(", ")
		sb.WriteString(e)
	}
	sb.WriteString(" FROM ")
	sb.WriteString(s.from)
}

func (s *Statement) writeOrderBy(sb *strings.Builder) {
	if len(s.OrderBy) == 0 {
		return
	}
	sb.WriteString(" ORDER BY ")
	for i, o := range s.OrderBy {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(o.Expr)
		if o.Desc {
			sb.WriteString(" DESC")
		}
	}
}
