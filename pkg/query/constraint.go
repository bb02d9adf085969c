package query

// Constraint is a node of the where clause
type Constraint interface {
	constraintNode()
}

// LogicOp combines the members of a ConstraintSet
type LogicOp string

const (
	And  LogicOp = "AND"
	Or   LogicOp = "OR"
	Nand LogicOp = "NAND"
	Nor  LogicOp = "NOR"
)

// ConstraintOp is the comparison of a constraint
type ConstraintOp string

const (
	Equals           ConstraintOp = "="
	NotEquals        ConstraintOp = "!="
	LessThan         ConstraintOp = "<"
	LessThanEqual    ConstraintOp = "<="
	GreaterThan      ConstraintOp = ">"
	GreaterThanEqual ConstraintOp = ">="
	Matches          ConstraintOp = "LIKE"
	DoesNotMatch     ConstraintOp = "NOT LIKE"
	IsNull           ConstraintOp = "IS NULL"
	IsNotNull        ConstraintOp = "IS NOT NULL"
	Contains         ConstraintOp = "CONTAINS"
	DoesNotContain   ConstraintOp = "DOES NOT CONTAIN"
	In               ConstraintOp = "IN"
	NotIn            ConstraintOp = "NOT IN"
)

// IsUnary reports whether the operator takes no right hand side
func (op ConstraintOp) IsUnary() bool {
	return op == IsNull || op == IsNotNull
}

// IsComparison reports whether the operator compares two values
func (op ConstraintOp) IsComparison() bool {
	switch op {
	case Equals, NotEquals, LessThan, LessThanEqual, GreaterThan, GreaterThanEqual, Matches, DoesNotMatch:
		return true
	}
	return false
}

// ConstraintSet combines constraints with a logic operator.
// An empty AND or NOR is true, an empty OR or NAND is false.
type ConstraintSet struct {
	Op          LogicOp
	Constraints []Constraint
}

// NewConstraintSet creates a set
func NewConstraintSet(op LogicOp, cs ...Constraint) *ConstraintSet {
	return &ConstraintSet{Op: op, Constraints: cs}
}

// Add appends a member
func (s *ConstraintSet) Add(c Constraint) *ConstraintSet {
	s.Constraints = append(s.Constraints, c)
	return s
}

func (*ConstraintSet) constraintNode() {}

// SimpleConstraint compares two values, or tests one for null.
type SimpleConstraint struct {
	Left  Evaluable
	Op    ConstraintOp
	Right Evaluable
}

// NewSimpleConstraint creates a comparison
func NewSimpleConstraint(left Evaluable, op ConstraintOp, right Evaluable) *SimpleConstraint {
	return &SimpleConstraint{Left: left, Op: op, Right: right}
}

// NewNullConstraint creates an IS NULL or IS NOT NULL test
func NewNullConstraint(left Evaluable, op ConstraintOp) *SimpleConstraint {
	return &SimpleConstraint{Left: left, Op: op}
}

func (*SimpleConstraint) constraintNode() {}

// ClassConstraint compares object identity, against another class or an id.
type ClassConstraint struct {
	Left     *QueryClass
	Op       ConstraintOp
	Right    *QueryClass
	ObjectID int64
}

// NewClassConstraint compares two from-list classes
func NewClassConstraint(left *QueryClass, op ConstraintOp, right *QueryClass) *ClassConstraint {
	return &ClassConstraint{Left: left, Op: op, Right: right}
}

// NewClassIDConstraint compares a from-list class with an object id
func NewClassIDConstraint(left *QueryClass, op ConstraintOp, id int64) *ClassConstraint {
	return &ClassConstraint{Left: left, Op: op, ObjectID: id}
}

func (*ClassConstraint) constraintNode() {}

// ContainsConstraint tests a reference or collection for a target class or
// for any of a set of object ids.
type ContainsConstraint struct {
	Ref    QueryReference
	Op     ConstraintOp
	Target *QueryClass
	IDs    []int64
}

// NewContainsConstraint relates a reference to a from-list class
func NewContainsConstraint(ref QueryReference, op ConstraintOp, target *QueryClass) *ContainsConstraint {
	return &ContainsConstraint{Ref: ref, Op: op, Target: target}
}

// NewContainsIDsConstraint relates a reference to a set of object ids
func NewContainsIDsConstraint(ref QueryReference, op ConstraintOp, ids ...int64) *ContainsConstraint {
	return &ContainsConstraint{Ref: ref, Op: op, IDs: ids}
}

func (*ContainsConstraint) constraintNode() {}

// BagConstraint tests membership of a field value or object id in a bag.
type BagConstraint struct {
	Node Node
	Op   ConstraintOp
	Bag  []interface{}
}

// NewBagConstraint creates an IN or NOT IN test
func NewBagConstraint(n Node, op ConstraintOp, bag ...interface{}) *BagConstraint {
	return &BagConstraint{Node: n, Op: op, Bag: bag}
}

func (*BagConstraint) constraintNode() {}
