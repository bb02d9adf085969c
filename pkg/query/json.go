package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when the JSON form of a query cannot be decoded.
var ErrMalformed = errors.New("malformed query")

type wireQuery struct {
	From     []wireClass     `json:"from"`
	Select   []string        `json:"select"`
	Where    *wireConstraint `json:"where,omitempty"`
	OrderBy  []string        `json:"order_by,omitempty"`
	Distinct bool            `json:"distinct,omitempty"`
}

type wireClass struct {
	Alias string `json:"alias"`
	Class string `json:"class"`
}

type wireConstraint struct {
	And  []*wireConstraint `json:"and,omitempty"`
	Or   []*wireConstraint `json:"or,omitempty"`
	Nand []*wireConstraint `json:"nand,omitempty"`
	Nor  []*wireConstraint `json:"nor,omitempty"`

	Path      string        `json:"path,omitempty"`
	Op        string        `json:"op,omitempty"`
	Value     interface{}   `json:"value,omitempty"`
	ValuePath string        `json:"value_path,omitempty"`
	Target    string        `json:"target,omitempty"`
	IDs       []int64       `json:"ids,omitempty"`
	Values    []interface{} `json:"values,omitempty"`
}

// Decode parses the JSON form used by the HTTP API:
//
//	{"from": [{"alias": "g", "class": "Gene"}],
//	 "select": ["g", "g.symbol"],
//	 "where": {"and": [{"path": "g.symbol", "op": "=", "value": "eve"}]},
//	 "order_by": ["g.symbol", "-g.length"],
//	 "distinct": true}
//
// Paths are "alias" for a class and "alias.field" for a field. A leading "-"
// in order_by sorts descending.
func Decode(data []byte) (*Query, error) {
	var wq wireQuery
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&wq); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	d := &decoder{q: New(), classes: make(map[string]*QueryClass)}
	for _, wc := range wq.From {
		if wc.Alias == "" || wc.Class == "" {
			return nil, fmt.Errorf("%w: from entries need alias and class", ErrMalformed)
		}
		if _, dup := d.classes[wc.Alias]; dup {
			return nil, fmt.Errorf("%w: duplicate alias %s", ErrMalformed, wc.Alias)
		}
		qc := NewQueryClass(wc.Class)
		d.classes[wc.Alias] = qc
		d.q.AddFrom(qc)
	}
	for _, path := range wq.Select {
		n, err := d.node(path)
		if err != nil {
			return nil, err
		}
		d.q.AddToSelect(n)
	}
	if wq.Where != nil {
		c, err := d.constraint(wq.Where)
		if err != nil {
			return nil, err
		}
		d.q.SetConstraint(c)
	}
	for _, path := range wq.OrderBy {
		desc := strings.HasPrefix(path, "-")
		n, err := d.node(strings.TrimPrefix(path, "-"))
		if err != nil {
			return nil, err
		}
		if desc {
			d.q.AddToOrderByDesc(n)
		} else {
			d.q.AddToOrderBy(n)
		}
	}
	d.q.SetDistinct(wq.Distinct)
	return d.q, nil
}

type decoder struct {
	q       *Query
	classes map[string]*QueryClass
	fields  []*QueryField
}

func (d *decoder) class(alias string) (*QueryClass, error) {
	qc, ok := d.classes[alias]
	if !ok {
		return nil, fmt.Errorf("%w: unknown alias %q", ErrMalformed, alias)
	}
	return qc, nil
}

// node reuses field nodes so that a path used twice is the same node.
func (d *decoder) node(path string) (Node, error) {
	alias, field, hasField := strings.Cut(path, ".")
	qc, err := d.class(alias)
	if err != nil {
		return nil, err
	}
	if !hasField {
		return qc, nil
	}
	for _, f := range d.fields {
		if f.Class == qc && f.Field == field {
			return f, nil
		}
	}
	qf := NewQueryField(qc, field)
	d.fields = append(d.fields, qf)
	return qf, nil
}

func (d *decoder) field(path string) (*QueryField, error) {
	n, err := d.node(path)
	if err != nil {
		return nil, err
	}
	qf, ok := n.(*QueryField)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a field path", ErrMalformed, path)
	}
	return qf, nil
}

func (d *decoder) constraint(wc *wireConstraint) (Constraint, error) {
	switch {
	case wc.And != nil:
		return d.set(And, wc.And)
	case wc.Or != nil:
		return d.set(Or, wc.Or)
	case wc.Nand != nil:
		return d.set(Nand, wc.Nand)
	case wc.Nor != nil:
		return d.set(Nor, wc.Nor)
	}

	op := ConstraintOp(strings.ToUpper(wc.Op))
	switch op {
	case Contains, DoesNotContain:
		alias, field, ok := strings.Cut(wc.Path, ".")
		if !ok {
			return nil, fmt.Errorf("%w: %s needs a reference path", ErrMalformed, op)
		}
		qc, err := d.class(alias)
		if err != nil {
			return nil, err
		}
		ref := NewQueryReference(qc, field)
		if wc.Target != "" {
			target, err := d.class(wc.Target)
			if err != nil {
				return nil, err
			}
			return NewContainsConstraint(ref, op, target), nil
		}
		return NewContainsIDsConstraint(ref, op, wc.IDs...), nil
	case In, NotIn:
		n, err := d.node(wc.Path)
		if err != nil {
			return nil, err
		}
		return NewBagConstraint(n, op, normalizeValues(wc.Values)...), nil
	case IsNull, IsNotNull:
		qf, err := d.field(wc.Path)
		if err != nil {
			return nil, err
		}
		return NewNullConstraint(qf, op), nil
	}

	if !op.IsComparison() {
		return nil, fmt.Errorf("%w: unknown operator %q", ErrMalformed, wc.Op)
	}

	n, err := d.node(wc.Path)
	if err != nil {
		return nil, err
	}
	if qc, ok := n.(*QueryClass); ok {
		if wc.Target != "" {
			target, err := d.class(wc.Target)
			if err != nil {
				return nil, err
			}
			return NewClassConstraint(qc, op, target), nil
		}
		if len(wc.IDs) != 1 {
			return nil, fmt.Errorf("%w: class comparison needs a target or one id", ErrMalformed)
		}
		return NewClassIDConstraint(qc, op, wc.IDs[0]), nil
	}

	left := n.(*QueryField)
	if wc.ValuePath != "" {
		right, err := d.field(wc.ValuePath)
		if err != nil {
			return nil, err
		}
		return NewSimpleConstraint(left, op, right), nil
	}
	return NewSimpleConstraint(left, op, NewQueryValue(normalizeValue(wc.Value))), nil
}

func (d *decoder) set(op LogicOp, members []*wireConstraint) (Constraint, error) {
	cs := NewConstraintSet(op)
	for _, m := range members {
		c, err := d.constraint(m)
		if err != nil {
			return nil, err
		}
		cs.Add(c)
	}
	return cs, nil
}

// normalizeValue turns JSON numbers into int64 when integral, else float64.
func normalizeValue(v interface{}) interface{} {
	num, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := num.Int64(); err == nil {
		return i
	}
	f, _ := num.Float64()
	return f
}

func normalizeValues(vs []interface{}) []interface{} {
	out := make([]interface{}, len(vs))
	for i, v := range vs {
		out[i] = normalizeValue(v)
	}
	return out
}
