// Package query defines the object query AST. A Query selects classes,
// fields and constant values from a list of typed classes, filtered by a
// constraint tree and ordered by an order by list.
//
// The SQL translator in package sqlgen consumes this structure. Once a query
// has been handed to the translator it must not be changed.
package query

import (
	"fmt"
	"strings"
)

// Node is an item that may appear in a select list or an order by list.
type Node interface {
	queryNode()
}

// Evaluable is a node that produces a single comparable value.
type Evaluable interface {
	Node
	evaluable()
}

// QueryClass is an entry of the from list: every object of the named class.
type QueryClass struct {
	Type string
}

// NewQueryClass creates a from-list entry for a class
func NewQueryClass(class string) *QueryClass {
	return &QueryClass{Type: class}
}

func (*QueryClass) queryNode() {}

// QueryField is an attribute of a from-list class
type QueryField struct {
	Class *QueryClass
	Field string
}

// NewQueryField creates a field node
func NewQueryField(qc *QueryClass, field string) *QueryField {
	return &QueryField{Class: qc, Field: field}
}

func (*QueryField) queryNode() {}
func (*QueryField) evaluable() {}

// QueryValue is a constant
type QueryValue struct {
	Value interface{}
}

// NewQueryValue creates a constant node
func NewQueryValue(v interface{}) *QueryValue {
	return &QueryValue{Value: v}
}

func (*QueryValue) queryNode() {}
func (*QueryValue) evaluable() {}

// QueryReference names a reference or collection field of a from-list class.
// It is only valid inside a ContainsConstraint.
type QueryReference struct {
	Class *QueryClass
	Field string
}

// NewQueryReference creates a reference or collection path
func NewQueryReference(qc *QueryClass, field string) QueryReference {
	return QueryReference{Class: qc, Field: field}
}

// OrderItem is one entry of the order by list
type OrderItem struct {
	Node Node
	Desc bool
}

// Query is the root of the AST.
type Query struct {
	from     []*QueryClass
	aliases  map[*QueryClass]string
	Select   []Node
	Where    Constraint
	OrderBy  []OrderItem
	Distinct bool
}

// New creates an empty query
func New() *Query {
	return &Query{aliases: make(map[*QueryClass]string)}
}

// AddFrom appends a class to the from list and assigns its alias.
func (q *Query) AddFrom(qc *QueryClass) *Query {
	if _, exists := q.aliases[qc]; exists {
		return q
	}
	q.from = append(q.from, qc)
	q.aliases[qc] = fmt.Sprintf("a%d_", len(q.from))
	return q
}

// AddToSelect appends a node to the select list
func (q *Query) AddToSelect(n Node) *Query {
	q.Select = append(q.Select, n)
	return q
}

// AddToOrderBy appends an ascending order by entry
func (q *Query) AddToOrderBy(n Node) *Query {
	q.OrderBy = append(q.OrderBy, OrderItem{Node: n})
	return q
}

// AddToOrderByDesc appends a descending order by entry
func (q *Query) AddToOrderByDesc(n Node) *Query {
	q.OrderBy = append(q.OrderBy, OrderItem{Node: n, Desc: true})
	return q
}

// SetConstraint replaces the where clause
func (q *Query) SetConstraint(c Constraint) *Query {
	q.Where = c
	return q
}

// SetDistinct sets the distinct flag
func (q *Query) SetDistinct(distinct bool) *Query {
	q.Distinct = distinct
	return q
}

// From returns the from list
func (q *Query) From() []*QueryClass {
	return q.from
}

// Alias returns the alias of a from-list class, or "" if it is not in the from list.
func (q *Query) Alias(qc *QueryClass) string {
	return q.aliases[qc]
}

// SelectIndex returns the position of a node in the select list, or -1.
func (q *Query) SelectIndex(n Node) int {
	for i, s := range q.Select {
		if sameNode(s, n) {
			return i
		}
	}
	return -1
}

// FirstOrderNode returns the first order by entry, or the first select entry
// if there is no order by.
func (q *Query) FirstOrderNode() (OrderItem, bool) {
	if len(q.OrderBy) > 0 {
		return q.OrderBy[0], true
	}
	if len(q.Select) > 0 {
		return OrderItem{Node: q.Select[0]}, true
	}
	return OrderItem{}, false
}

// sameNode compares nodes structurally: two field nodes on the same class are equal.
func sameNode(a, b Node) bool {
	switch x := a.(type) {
	case *QueryField:
		y, ok := b.(*QueryField)
		return ok && x.Class == y.Class && x.Field == y.Field
	default:
		return a == b
	}
}

// String returns the canonical text of the query. Two queries with the same
// text are the same query.
func (q *Query) String() string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if q.Distinct {
		sb.WriteString("DISTINCT ")
	}
	for i, n := range q.Select {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(q.nodeString(n))
	}
	sb.WriteString(" FROM ")
	for i, qc := range q.from {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s AS %s", qc.Type, q.aliases[qc])
	}
	if q.Where != nil {
		sb.WriteString(" WHERE ")
		sb.WriteString(q.constraintString(q.Where))
	}
	if len(q.OrderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		for i, item := range q.OrderBy {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(q.nodeString(item.Node))
			if item.Desc {
				sb.WriteString(" DESC")
			}
		}
	}
	return sb.String()
}

func (q *Query) nodeString(n Node) string {
	switch v := n.(type) {
	case *QueryClass:
		return q.aliasOrType(v)
	case *QueryField:
		return q.aliasOrType(v.Class) + "." + v.Field
	case *QueryValue:
		return FormatValue(v.Value)
	}
	return fmt.Sprintf("%v", n)
}

func (q *Query) aliasOrType(qc *QueryClass) string {
	if alias, ok := q.aliases[qc]; ok {
		return alias
	}
	return "?" + qc.Type
}

func (q *Query) constraintString(c Constraint) string {
	switch v := c.(type) {
	case *ConstraintSet:
		parts := make([]string, len(v.Constraints))
		for i, child := range v.Constraints {
			parts[i] = q.constraintString(child)
		}
		return fmt.Sprintf("%s(%s)", v.Op, strings.Join(parts, ", "))
	case *SimpleConstraint:
		if v.Op.IsUnary() {
			return q.nodeString(v.Left) + " " + string(v.Op)
		}
		return q.nodeString(v.Left) + " " + string(v.Op) + " " + q.nodeString(v.Right)
	case *ClassConstraint:
		if v.Right != nil {
			return q.aliasOrType(v.Left) + " " + string(v.Op) + " " + q.aliasOrType(v.Right)
		}
		return fmt.Sprintf("%s %s #%d", q.aliasOrType(v.Left), v.Op, v.ObjectID)
	case *ContainsConstraint:
		target := fmt.Sprintf("%v", v.IDs)
		if v.Target != nil {
			target = q.aliasOrType(v.Target)
		}
		return q.aliasOrType(v.Ref.Class) + "." + v.Ref.Field + " " + string(v.Op) + " " + target
	case *BagConstraint:
		vals := make([]string, len(v.Bag))
		for i, b := range v.Bag {
			vals[i] = FormatValue(b)
		}
		return q.nodeString(v.Node) + " " + string(v.Op) + " (" + strings.Join(vals, ", ") + ")"
	}
	return fmt.Sprintf("%v", c)
}

// FormatValue renders a constant for the canonical query text
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
