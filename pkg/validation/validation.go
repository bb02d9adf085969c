package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ha1tch/olumine/pkg/metadata"
	"github.com/ha1tch/olumine/pkg/models"
	"github.com/ha1tch/olumine/pkg/query"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("validation failed")

// Error lists every problem found in a query or object.
type Error struct {
	Subject  string
	Problems []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Subject, strings.Join(e.Problems, "; "))
}

func (e *Error) Unwrap() error { return ErrInvalid }

// Validator checks queries and objects against a model
type Validator struct {
	model *metadata.Model
}

// New creates a validator for a model
func New(model *metadata.Model) *Validator {
	return &Validator{model: model}
}

// ValidateQuery checks that every class, field and constraint of q makes sense
// for the model.
func (v *Validator) ValidateQuery(q *query.Query) error {
	c := &queryChecker{model: v.model, q: q, inFrom: make(map[*query.QueryClass]bool)}
	c.check()
	if len(c.problems) > 0 {
		return &Error{Subject: "query", Problems: c.problems}
	}
	return nil
}

type queryChecker struct {
	model    *metadata.Model
	q        *query.Query
	inFrom   map[*query.QueryClass]bool
	problems []string
}

func (c *queryChecker) addf(format string, args ...interface{}) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *queryChecker) check() {
	if len(c.q.From()) == 0 {
		c.addf("empty from list")
	}
	for _, qc := range c.q.From() {
		if !c.model.HasClass(qc.Type) {
			c.addf("unknown class %s", qc.Type)
		}
		c.inFrom[qc] = true
	}
	if len(c.q.Select) == 0 {
		c.addf("empty select list")
	}
	for i, n := range c.q.Select {
		c.node(n)
		if idx := c.q.SelectIndex(n); idx != i {
			c.addf("select item %d repeats item %d", i, idx)
		}
	}
	if c.q.Where != nil {
		c.constraint(c.q.Where)
	}
	for _, item := range c.q.OrderBy {
		c.node(item.Node)
		if c.q.Distinct && c.q.SelectIndex(item.Node) < 0 {
			if _, isValue := item.Node.(*query.QueryValue); !isValue {
				c.addf("order by item is not selected in a distinct query")
			}
		}
	}
}

func (c *queryChecker) class(qc *query.QueryClass) bool {
	if qc == nil || !c.inFrom[qc] {
		c.addf("class is not in the from list")
		return false
	}
	return true
}

// attribute returns the descriptor of an attribute field, or nil after recording a problem.
func (c *queryChecker) attribute(qf *query.QueryField) *metadata.FieldDescriptor {
	if !c.class(qf.Class) {
		return nil
	}
	fd, ok := c.model.FieldDescriptor(qf.Class.Type, qf.Field)
	if !ok {
		c.addf("%s has no field %s", qf.Class.Type, qf.Field)
		return nil
	}
	if !fd.IsAttribute() {
		c.addf("%s.%s is a %s, not an attribute", qf.Class.Type, qf.Field, fd.Kind)
		return nil
	}
	return fd
}

func (c *queryChecker) node(n query.Node) {
	switch v := n.(type) {
	case *query.QueryClass:
		c.class(v)
	case *query.QueryField:
		c.attribute(v)
	case *query.QueryValue:
	default:
		c.addf("unsupported node %T", n)
	}
}

func (c *queryChecker) constraint(con query.Constraint) {
	switch v := con.(type) {
	case *query.ConstraintSet:
		switch v.Op {
		case query.And, query.Or, query.Nand, query.Nor:
		default:
			c.addf("unknown logic operator %q", v.Op)
		}
		for _, child := range v.Constraints {
			c.constraint(child)
		}
	case *query.SimpleConstraint:
		c.simple(v)
	case *query.ClassConstraint:
		if v.Op != query.Equals && v.Op != query.NotEquals {
			c.addf("class comparison with %s", v.Op)
		}
		c.class(v.Left)
		if v.Right != nil {
			c.class(v.Right)
		}
	case *query.ContainsConstraint:
		c.contains(v)
	case *query.BagConstraint:
		if v.Op != query.In && v.Op != query.NotIn {
			c.addf("bag constraint with %s", v.Op)
		}
		switch n := v.Node.(type) {
		case *query.QueryField:
			c.attribute(n)
		case *query.QueryClass:
			c.class(n)
		default:
			c.addf("bag constraint on %T", v.Node)
		}
	case nil:
		c.addf("nil constraint")
	default:
		c.addf("unsupported constraint %T", con)
	}
}

func (c *queryChecker) simple(sc *query.SimpleConstraint) {
	var leftType string
	if qf, ok := sc.Left.(*query.QueryField); ok {
		if fd := c.attribute(qf); fd != nil {
			leftType = fd.Type
		}
	} else if sc.Left == nil {
		c.addf("constraint without a left side")
		return
	}

	if sc.Op.IsUnary() {
		if sc.Right != nil {
			c.addf("%s takes no value", sc.Op)
		}
		return
	}
	if !sc.Op.IsComparison() {
		c.addf("unknown operator %q", sc.Op)
		return
	}
	switch r := sc.Right.(type) {
	case *query.QueryField:
		c.attribute(r)
	case *query.QueryValue:
		if r.Value == nil {
			c.addf("comparison with null, use IS NULL")
			return
		}
		if leftType != "" {
			if _, err := models.CoerceAttribute(leftType, r.Value); err != nil {
				c.addf("value %v does not fit %s", r.Value, leftType)
			}
		}
	default:
		c.addf("constraint without a right side")
		return
	}
	if (sc.Op == query.Matches || sc.Op == query.DoesNotMatch) && leftType != "" && leftType != metadata.TypeString {
		c.addf("%s needs a string field", sc.Op)
	}
}

func (c *queryChecker) contains(cc *query.ContainsConstraint) {
	if cc.Op != query.Contains && cc.Op != query.DoesNotContain {
		c.addf("contains constraint with %s", cc.Op)
	}
	if !c.class(cc.Ref.Class) {
		return
	}
	fd, ok := c.model.FieldDescriptor(cc.Ref.Class.Type, cc.Ref.Field)
	if !ok {
		c.addf("%s has no field %s", cc.Ref.Class.Type, cc.Ref.Field)
		return
	}
	if fd.IsAttribute() {
		c.addf("%s.%s is an attribute", cc.Ref.Class.Type, cc.Ref.Field)
		return
	}
	if cc.Target != nil {
		if c.class(cc.Target) && !c.model.IsA(cc.Target.Type, fd.Type) && !c.model.IsA(fd.Type, cc.Target.Type) {
			c.addf("%s.%s cannot contain %s", cc.Ref.Class.Type, cc.Ref.Field, cc.Target.Type)
		}
	}
}

// ValidateObject checks an object against the model. The object is not modified.
func (v *Validator) ValidateObject(o *models.Object) error {
	_, err := v.checkObject(o)
	return err
}

// NormalizeObject validates an object and then replaces its attribute values
// with their canonical Go types. An invalid object is left unchanged.
func (v *Validator) NormalizeObject(o *models.Object) error {
	coerced, err := v.checkObject(o)
	if err != nil {
		return err
	}
	for name, value := range coerced {
		o.Set(name, value)
	}
	return nil
}

func (v *Validator) checkObject(o *models.Object) (map[string]interface{}, error) {
	var problems []string
	coerced := make(map[string]interface{})
	if len(o.Classes) == 0 {
		problems = append(problems, "object has no classes")
	}
	for _, name := range o.Classes.Sorted() {
		if !v.model.HasClass(name) {
			problems = append(problems, "unknown class "+name)
		}
	}
	fields := v.model.FieldsFor(o.Classes)
	for _, name := range o.FieldNames() {
		fd, ok := fields[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown field %s", name))
			continue
		}
		raw, _ := o.Get(name)
		switch fd.Kind {
		case metadata.Attribute:
			value, err := models.CoerceAttribute(fd.Type, raw)
			if err != nil {
				problems = append(problems, fmt.Sprintf("field %s: %v", name, err))
				continue
			}
			coerced[name] = value
		case metadata.Reference:
			if _, ok := raw.(*models.Reference); !ok {
				problems = append(problems, fmt.Sprintf("field %s is a reference", name))
			}
		case metadata.Collection:
			if _, ok := raw.([]*models.Reference); !ok {
				problems = append(problems, fmt.Sprintf("field %s is a collection", name))
			}
		}
	}
	if len(problems) > 0 {
		return nil, &Error{Subject: fmt.Sprintf("object %d", o.ID), Problems: problems}
	}
	return coerced, nil
}
