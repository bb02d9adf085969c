// Package sqlgen translates object queries into SQL over the physical schema.
package sqlgen

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ha1tch/olumine/pkg/dbschema"
	"github.com/ha1tch/olumine/pkg/metadata"
	"github.com/ha1tch/olumine/pkg/query"
	"github.com/ha1tch/olumine/pkg/storage"
)

// ErrTranslation is returned when a query cannot be expressed in SQL
var ErrTranslation = errors.New("translation failed")

// sqlBuilder writes a clause twice: once with placeholders and once with
// every argument inlined as a literal.
type sqlBuilder struct {
	param   strings.Builder
	inline  strings.Builder
	args    []interface{}
	dialect storage.Dialect
}

func (b *sqlBuilder) raw(s string) {
	b.param.WriteString(s)
	b.inline.WriteString(s)
}

func (b *sqlBuilder) arg(v interface{}) {
	b.param.WriteString("?")
	b.inline.WriteString(b.dialect.Literal(v))
	b.args = append(b.args, v)
}

func (b *sqlBuilder) argList(vs []interface{}) {
	b.raw("(")
	for i, v := range vs {
		if i > 0 {
			b.raw(", ")
		}
		b.arg(v)
	}
	b.raw(")")
}

func (b *sqlBuilder) empty() bool { return b.param.Len() == 0 }

type generator struct {
	q          *query.Query
	schema     *dbschema.Schema
	model      *metadata.Model
	dialect    storage.Dialect
	objectExpr map[string]string
	tables     map[string]string
	subquery   int
}

// Generate translates a query into a statement returning rows start to
// start+limit. A negative limit returns every row after start.
func Generate(q *query.Query, start, limit int, schema *dbschema.Schema, dialect storage.Dialect) (*Statement, error) {
	if start < 0 {
		return nil, fmt.Errorf("%w: negative start %d", ErrTranslation, start)
	}
	if len(q.From()) == 0 {
		return nil, fmt.Errorf("%w: empty from list", ErrTranslation)
	}

	g := &generator{
		q:          q,
		schema:     schema,
		model:      schema.Model(),
		dialect:    dialect,
		objectExpr: make(map[string]string),
		tables:     make(map[string]string),
	}
	stmt := &Statement{
		Distinct:  q.Distinct,
		Start:     start,
		Limit:     limit,
		FromCount: len(q.From()),
		dialect:   dialect,
	}

	where := &sqlBuilder{dialect: dialect}
	var from []string
	for _, qc := range q.From() {
		if !g.model.HasClass(qc.Type) {
			return nil, fmt.Errorf("%w: %s: %v", ErrTranslation, qc.Type, metadata.ErrUnknownClass)
		}
		alias := q.Alias(qc)
		table := schema.TableFor(qc.Type)
		if schema.IsMissing(table) {
			stmt.Empty = true
		}
		g.tables[alias] = table
		from = append(from, table+" AS "+alias)
		g.objectExpr[alias] = alias + "." + dbschema.ObjectColumn

		if !schema.HasObjectColumn(table) {
			root := alias + "o"
			from = append(from, dbschema.RootTable+" AS "+root)
			g.objectExpr[alias] = root + "." + dbschema.ObjectColumn
			g.and(where)
			where.raw(root + ".id = " + alias + ".id")
		}
		if schema.NeedsClassFilter(qc.Type) {
			g.and(where)
			where.raw(alias + "." + dbschema.ClassesColumn + " LIKE " + dialect.Literal(dbschema.ClassFilterPattern(qc.Type)))
		}
	}
	stmt.from = strings.Join(from, ", ")

	if q.Where != nil {
		g.and(where)
		where.raw("(")
		if err := g.constraint(where, q.Where); err != nil {
			return nil, err
		}
		where.raw(")")
	}
	stmt.where = where.param.String()
	stmt.whereInline = where.inline.String()
	stmt.args = where.args

	if err := g.selectList(stmt); err != nil {
		return nil, err
	}
	if err := g.orderBy(stmt); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (g *generator) and(b *sqlBuilder) {
	if !b.empty() {
		b.raw(" AND ")
	}
}

func (g *generator) alias(qc *query.QueryClass) (string, error) {
	alias := g.q.Alias(qc)
	if alias == "" {
		return "", fmt.Errorf("%w: class %s is not in the from list", ErrTranslation, qc.Type)
	}
	return alias, nil
}

func (g *generator) field(qf *query.QueryField) (string, *metadata.FieldDescriptor, error) {
	alias, err := g.alias(qf.Class)
	if err != nil {
		return "", nil, err
	}
	fd, ok := g.model.FieldDescriptor(qf.Class.Type, qf.Field)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s.%s: %v", ErrTranslation, qf.Class.Type, qf.Field, metadata.ErrUnknownField)
	}
	if !fd.IsAttribute() {
		return "", nil, fmt.Errorf("%w: %s.%s is not an attribute", ErrTranslation, qf.Class.Type, qf.Field)
	}
	return alias, fd, nil
}

func (g *generator) selectList(stmt *Statement) error {
	used := make(map[string]bool)
	unique := func(name string) string {
		out := name
		for n := 2; used[out]; n++ {
			out = fmt.Sprintf("%s_%d", name, n)
		}
		used[out] = true
		return out
	}

	for i, n := range g.q.Select {
		switch node := n.(type) {
		case *query.QueryClass:
			alias, err := g.alias(node)
			if err != nil {
				return err
			}
			stmt.Select = append(stmt.Select,
				Column{Expr: g.objectExpr[alias], Alias: unique(alias), Node: i, Kind: ObjectColumn},
				Column{Expr: alias + ".id", Alias: unique(alias + "id"), Table: g.tables[alias], Name: dbschema.IDColumn, Node: -1, Kind: IDColumn},
			)
		case *query.QueryField:
			alias, fd, err := g.field(node)
			if err != nil {
				return err
			}
			col := dbschema.ColumnName(fd)
			stmt.Select = append(stmt.Select, Column{
				Expr:  alias + "." + col,
				Alias: unique(alias + col),
				Table: g.tables[alias],
				Name:  col,
				Node:  i,
				Kind:  ValueColumn,
				Type:  fd.Type,
			})
		case *query.QueryValue:
			stmt.Select = append(stmt.Select, Column{
				Expr:  g.dialect.Literal(node.Value),
				Alias: unique(fmt.Sprintf("v%d_", i)),
				Node:  i,
				Kind:  ValueColumn,
			})
		default:
			return fmt.Errorf("%w: unsupported select node %T", ErrTranslation, n)
		}
	}
	if len(stmt.Select) == 0 {
		return fmt.Errorf("%w: empty select list", ErrTranslation)
	}
	return nil
}

// orderColumn returns the sort column for a node, false for constants.
func (g *generator) orderColumn(n query.Node) (Column, bool, error) {
	switch node := n.(type) {
	case *query.QueryClass:
		alias, err := g.alias(node)
		if err != nil {
			return Column{}, false, err
		}
		return Column{Expr: alias + ".id", Table: g.tables[alias], Name: dbschema.IDColumn, Node: -1, Kind: IDColumn}, true, nil
	case *query.QueryField:
		alias, fd, err := g.field(node)
		if err != nil {
			return Column{}, false, err
		}
		col := dbschema.ColumnName(fd)
		return Column{Expr: alias + "." + col, Table: g.tables[alias], Name: col, Node: -1, Kind: ValueColumn, Type: fd.Type}, true, nil
	case *query.QueryValue:
		return Column{}, false, nil
	}
	return Column{}, false, fmt.Errorf("%w: unsupported order by node %T", ErrTranslation, n)
}

// orderBy builds the order by list: the explicit items or else the select
// list, followed by the id of every selected class so that the order is total.
func (g *generator) orderBy(stmt *Statement) error {
	items := g.q.OrderBy
	if len(items) == 0 {
		for _, n := range g.q.Select {
			items = append(items, query.OrderItem{Node: n})
		}
	}

	seen := make(map[string]bool)
	add := func(c Column, desc bool) {
		if seen[c.Expr] {
			return
		}
		seen[c.Expr] = true
		stmt.OrderBy = append(stmt.OrderBy, OrderColumn{Column: c, Desc: desc})
	}
	for _, item := range items {
		c, ok, err := g.orderColumn(item.Node)
		if err != nil {
			return err
		}
		if ok {
			add(c, item.Desc)
		}
	}
	for _, n := range g.q.Select {
		if qc, ok := n.(*query.QueryClass); ok {
			c, _, err := g.orderColumn(qc)
			if err != nil {
				return err
			}
			add(c, false)
		}
	}

	first, ok := g.q.FirstOrderNode()
	if !ok || first.Desc || g.q.SelectIndex(first.Node) < 0 || len(stmt.OrderBy) == 0 {
		return nil
	}
	c, ok, err := g.orderColumn(first.Node)
	if err != nil || !ok || c.Expr != stmt.OrderBy[0].Expr {
		return err
	}
	// rows with a NULL first value would be lost to a "> value" anchor unless
	// NULLs sort first
	if c.Kind == IDColumn || g.dialect.NullsFirst() {
		stmt.anchorable = true
		stmt.anchorExpr = c.Expr
	}
	return nil
}

func (g *generator) constraint(b *sqlBuilder, c query.Constraint) error {
	switch con := c.(type) {
	case *query.ConstraintSet:
		return g.constraintSet(b, con)
	case *query.SimpleConstraint:
		return g.simple(b, con)
	case *query.ClassConstraint:
		return g.classConstraint(b, con)
	case *query.ContainsConstraint:
		return g.contains(b, con)
	case *query.BagConstraint:
		return g.bag(b, con)
	}
	return fmt.Errorf("%w: unsupported constraint %T", ErrTranslation, c)
}

func (g *generator) constraintSet(b *sqlBuilder, cs *query.ConstraintSet) error {
	negate := cs.Op == query.Nand || cs.Op == query.Nor
	if len(cs.Constraints) == 0 {
		if cs.Op == query.And || cs.Op == query.Nor {
			b.raw("1 = 1")
		} else {
			b.raw("1 = 0")
		}
		return nil
	}
	join := " AND "
	if cs.Op == query.Or || cs.Op == query.Nor {
		join = " OR "
	}
	if negate {
		b.raw("NOT ")
	}
	b.raw("(")
	for i, member := range cs.Constraints {
		if i > 0 {
			b.raw(join)
		}
		if err := g.constraint(b, member); err != nil {
			return err
		}
	}
	b.raw(")")
	return nil
}

func (g *generator) evaluable(b *sqlBuilder, e query.Evaluable) error {
	switch node := e.(type) {
	case *query.QueryField:
		alias, fd, err := g.field(node)
		if err != nil {
			return err
		}
		b.raw(alias + "." + dbschema.ColumnName(fd))
		return nil
	case *query.QueryValue:
		if node.Value == nil {
			return fmt.Errorf("%w: comparison with null, use IS NULL", ErrTranslation)
		}
		b.arg(node.Value)
		return nil
	}
	return fmt.Errorf("%w: unsupported expression %T", ErrTranslation, e)
}

func (g *generator) simple(b *sqlBuilder, sc *query.SimpleConstraint) error {
	if err := g.evaluable(b, sc.Left); err != nil {
		return err
	}
	if sc.Op.IsUnary() {
		b.raw(" " + string(sc.Op))
		return nil
	}
	if !sc.Op.IsComparison() {
		return fmt.Errorf("%w: operator %s cannot compare values", ErrTranslation, sc.Op)
	}
	if sc.Right == nil {
		return fmt.Errorf("%w: operator %s needs a right hand side", ErrTranslation, sc.Op)
	}
	b.raw(" " + string(sc.Op) + " ")
	return g.evaluable(b, sc.Right)
}

func (g *generator) classConstraint(b *sqlBuilder, cc *query.ClassConstraint) error {
	if cc.Op != query.Equals && cc.Op != query.NotEquals {
		return fmt.Errorf("%w: operator %s cannot compare objects", ErrTranslation, cc.Op)
	}
	left, err := g.alias(cc.Left)
	if err != nil {
		return err
	}
	b.raw(left + ".id " + string(cc.Op) + " ")
	if cc.Right != nil {
		right, err := g.alias(cc.Right)
		if err != nil {
			return err
		}
		b.raw(right + ".id")
		return nil
	}
	b.arg(cc.ObjectID)
	return nil
}

func (g *generator) contains(b *sqlBuilder, cc *query.ContainsConstraint) error {
	if cc.Op != query.Contains && cc.Op != query.DoesNotContain {
		return fmt.Errorf("%w: operator %s cannot test a reference", ErrTranslation, cc.Op)
	}
	alias, err := g.alias(cc.Ref.Class)
	if err != nil {
		return err
	}
	fd, ok := g.model.FieldDescriptor(cc.Ref.Class.Type, cc.Ref.Field)
	if !ok || fd.IsAttribute() {
		return fmt.Errorf("%w: %s.%s is not a reference or collection", ErrTranslation, cc.Ref.Class.Type, cc.Ref.Field)
	}
	var target string
	if cc.Target != nil {
		t, err := g.alias(cc.Target)
		if err != nil {
			return err
		}
		target = t + ".id"
	}

	if cc.Op == query.DoesNotContain {
		b.raw("NOT ")
	}
	if fd.IsReference() {
		col := alias + "." + dbschema.ColumnName(fd)
		b.raw("(")
		g.membership(b, col, target, cc.IDs)
		b.raw(")")
		return nil
	}

	g.subquery++
	cm := fmt.Sprintf("cm%d_", g.subquery)
	b.raw("EXISTS (SELECT 1 FROM " + dbschema.CollectionTable + " AS " + cm +
		" WHERE " + cm + ".ownerid = " + alias + ".id AND " + cm + ".field = " +
		g.dialect.Literal(fd.Name) + " AND ")
	g.membership(b, cm+".memberid", target, cc.IDs)
	b.raw(")")
	return nil
}

func (g *generator) membership(b *sqlBuilder, col, target string, ids []int64) {
	if target != "" {
		b.raw(col + " = " + target)
		return
	}
	if len(ids) == 0 {
		b.raw("1 = 0")
		return
	}
	vs := make([]interface{}, len(ids))
	for i, id := range ids {
		vs[i] = id
	}
	b.raw(col + " IN ")
	b.argList(vs)
}

func (g *generator) bag(b *sqlBuilder, bc *query.BagConstraint) error {
	if bc.Op != query.In && bc.Op != query.NotIn {
		return fmt.Errorf("%w: operator %s cannot test a bag", ErrTranslation, bc.Op)
	}
	var expr string
	switch node := bc.Node.(type) {
	case *query.QueryClass:
		alias, err := g.alias(node)
		if err != nil {
			return err
		}
		expr = alias + ".id"
	case *query.QueryField:
		alias, fd, err := g.field(node)
		if err != nil {
			return err
		}
		expr = alias + "." + dbschema.ColumnName(fd)
	default:
		return fmt.Errorf("%w: unsupported bag node %T", ErrTranslation, bc.Node)
	}
	if len(bc.Bag) == 0 {
		if bc.Op == query.In {
			b.raw("1 = 0")
		} else {
			b.raw("1 = 1")
		}
		return nil
	}
	b.raw(expr + " " + string(bc.Op) + " ")
	b.argList(bc.Bag)
	return nil
}
