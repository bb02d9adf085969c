package models

import (
	"context"
	"fmt"
	"sort"

	"github.com/ha1tch/olumine/pkg/metadata"
)

// Object is a stored entity: an immutable id, a dynamic class set and field values.
// Attribute values are string, int64, bool or float64. References are *Reference
// and collections are []*Reference.
type Object struct {
	ID      int64
	Classes metadata.ClassSet
	fields  map[string]interface{}
}

// NewObject creates an object with the given id and classes
func NewObject(id int64, classes ...string) *Object {
	return &Object{
		ID:      id,
		Classes: metadata.NewClassSet(classes...),
		fields:  make(map[string]interface{}),
	}
}

// Set stores an attribute value. A nil value removes the field.
func (o *Object) Set(name string, value interface{}) *Object {
	if value == nil {
		delete(o.fields, name)
		return o
	}
	o.fields[name] = value
	return o
}

// SetRef stores a reference to another object
func (o *Object) SetRef(name string, ref *Reference) *Object {
	if ref == nil {
		delete(o.fields, name)
		return o
	}
	o.fields[name] = ref
	return o
}

// SetCollection replaces a collection
func (o *Object) SetCollection(name string, refs []*Reference) *Object {
	if len(refs) == 0 {
		delete(o.fields, name)
		return o
	}
	o.fields[name] = refs
	return o
}

// AddToCollection appends a member to a collection
func (o *Object) AddToCollection(name string, ref *Reference) *Object {
	coll, _ := o.fields[name].([]*Reference)
	o.fields[name] = append(coll, ref)
	return o
}

// Get returns a raw field value
func (o *Object) Get(name string) (interface{}, bool) {
	v, ok := o.fields[name]
	return v, ok
}

// HasValue reports whether a field carries a value
func (o *Object) HasValue(name string) bool {
	_, ok := o.fields[name]
	return ok
}

// Attr returns an attribute value or nil
func (o *Object) Attr(name string) interface{} {
	v := o.fields[name]
	switch v.(type) {
	case *Reference, []*Reference:
		return nil
	}
	return v
}

// Ref returns a reference field or nil
func (o *Object) Ref(name string) *Reference {
	ref, _ := o.fields[name].(*Reference)
	return ref
}

// Collection returns the members of a collection field
func (o *Object) Collection(name string) []*Reference {
	refs, _ := o.fields[name].([]*Reference)
	return refs
}

// FieldNames returns the names of the fields holding values, sorted
func (o *Object) FieldNames() []string {
	names := make([]string, 0, len(o.fields))
	for name := range o.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a shallow copy with its own field map
func (o *Object) Clone() *Object {
	cp := &Object{
		ID:      o.ID,
		Classes: o.Classes.Union(nil),
		fields:  make(map[string]interface{}, len(o.fields)),
	}
	for k, v := range o.fields {
		if refs, ok := v.([]*Reference); ok {
			v = append([]*Reference(nil), refs...)
		}
		cp.fields[k] = v
	}
	return cp
}

func (o *Object) String() string {
	return fmt.Sprintf("%s:%d", o.Classes, o.ID)
}

// Resolver fetches objects by id. Implementations consult their identity cache
// before the database.
type Resolver interface {
	GetObjectByID(ctx context.Context, id int64) (*Object, error)
}

// Reference is either Unresolved (an id only) or Resolved (the loaded object).
type Reference struct {
	ID     int64
	object *Object
}

// Unresolved creates a reference that holds only the target id
func Unresolved(id int64) *Reference {
	return &Reference{ID: id}
}

// Resolved creates a reference around a loaded object
func Resolved(obj *Object) *Reference {
	return &Reference{ID: obj.ID, object: obj}
}

// IsResolved reports whether the target object is loaded
func (r *Reference) IsResolved() bool { return r.object != nil }

// Object returns the loaded target or nil
func (r *Reference) Object() *Object { return r.object }

// Resolve returns the target, fetching it through res if it is not loaded yet.
func (r *Reference) Resolve(ctx context.Context, res Resolver) (*Object, error) {
	if r.object != nil {
		return r.object, nil
	}
	obj, err := res.GetObjectByID(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	r.object = obj
	return obj, nil
}

func (r *Reference) String() string {
	if r.object != nil {
		return fmt.Sprintf("Resolved(%d)", r.ID)
	}
	return fmt.Sprintf("Unresolved(%d)", r.ID)
}

// SkeletonPrefix names the skeleton counterpart of a main source
const SkeletonPrefix = "skel_"

// Source is a named provenance marker.
type Source struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Skeleton bool   `json:"skeleton"`
}

// Equal compares sources by id and name
func (s *Source) Equal(other *Source) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.ID == other.ID && s.Name == other.Name
}

func (s *Source) String() string {
	if s == nil {
		return "<none>"
	}
	return s.Name
}

// ResultRow is one row of query results. Selected classes appear as *Object.
type ResultRow []interface{}

// ResultsInfo describes the estimated size and cost of a query
type ResultsInfo struct {
	Rows int64 `json:"rows"`
	Time int64 `json:"time_ms"`
}
