// Package metadata describes the object model shared by every store: classes,
// their fields and the primary-key groups used to find equivalent objects.
package metadata

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RootClass is implicitly extended by every class in a model.
const RootClass = "InterMineObject"

// IDField is the identity field every object carries.
const IDField = "id"

var (
	ErrUnknownClass = errors.New("unknown class")
	ErrUnknownField = errors.New("unknown field")
	ErrInvalidModel = errors.New("invalid model")
)

// FieldKind distinguishes attributes, references and collections
type FieldKind int

const (
	Attribute FieldKind = iota
	Reference
	Collection
)

func (k FieldKind) String() string {
	switch k {
	case Attribute:
		return "attribute"
	case Reference:
		return "reference"
	case Collection:
		return "collection"
	}
	return fmt.Sprintf("FieldKind(%d)", int(k))
}

// Attribute types
const (
	TypeString  = "string"
	TypeInt     = "int"
	TypeBigInt  = "bigint"
	TypeBoolean = "boolean"
	TypeFloat   = "float"
)

var attributeTypes = map[string]bool{
	TypeString:  true,
	TypeInt:     true,
	TypeBigInt:  true,
	TypeBoolean: true,
	TypeFloat:   true,
}

// FieldDescriptor describes one field of a class.
// Type is the attribute type for attributes and the referenced class otherwise.
type FieldDescriptor struct {
	Name  string
	Kind  FieldKind
	Type  string
	Class string // declaring class
}

// IsAttribute reports whether the field holds a plain value
func (f *FieldDescriptor) IsAttribute() bool { return f.Kind == Attribute }

// IsReference reports whether the field points at a single object
func (f *FieldDescriptor) IsReference() bool { return f.Kind == Reference }

// IsCollection reports whether the field holds a set of objects
func (f *FieldDescriptor) IsCollection() bool { return f.Kind == Collection }

// PrimaryKey is a named group of fields that together identify an object.
type PrimaryKey struct {
	Name   string
	Class  string
	Fields []string
}

// ClassDescriptor describes a class as declared in the model file
type ClassDescriptor struct {
	Name    string
	Extends []string
	Fields  []*FieldDescriptor
	Keys    []PrimaryKey
}

// Model is an immutable, validated set of classes.
type Model struct {
	name      string
	classes   map[string]*ClassDescriptor
	ancestors map[string][]string
	fields    map[string]map[string]*FieldDescriptor
	keys      map[string][]PrimaryKey
}

// NewModel validates classes and builds the field lookup tables.
func NewModel(name string, classes []*ClassDescriptor) (*Model, error) {
	m := &Model{
		name:      name,
		classes:   make(map[string]*ClassDescriptor),
		ancestors: make(map[string][]string),
		fields:    make(map[string]map[string]*FieldDescriptor),
		keys:      make(map[string][]PrimaryKey),
	}

	m.classes[RootClass] = &ClassDescriptor{Name: RootClass}
	for _, cld := range classes {
		if cld.Name == "" {
			return nil, fmt.Errorf("%w: class without a name", ErrInvalidModel)
		}
		if _, exists := m.classes[cld.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate class %s", ErrInvalidModel, cld.Name)
		}
		for i := range cld.Keys {
			cld.Keys[i].Class = cld.Name
		}
		m.classes[cld.Name] = cld
	}

	if err := m.checkHierarchy(); err != nil {
		return nil, err
	}
	for name := range m.classes {
		m.ancestors[name] = m.collectAncestors(name)
	}
	for name := range m.classes {
		if err := m.buildFields(name); err != nil {
			return nil, err
		}
	}
	for name := range m.classes {
		if err := m.buildKeys(name); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Name returns the model name
func (m *Model) Name() string { return m.name }

// Class returns the descriptor of a class
func (m *Model) Class(name string) (*ClassDescriptor, bool) {
	cld, ok := m.classes[name]
	return cld, ok
}

// HasClass reports whether name is a class of the model
func (m *Model) HasClass(name string) bool {
	_, ok := m.classes[name]
	return ok
}

// ClassNames returns every class name in sorted order
func (m *Model) ClassNames() []string {
	names := make([]string, 0, len(m.classes))
	for name := range m.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ancestors returns the class itself and all its superclasses, sorted.
func (m *Model) Ancestors(class string) []string {
	return m.ancestors[class]
}

// IsA reports whether class is sub or equal to other
func (m *Model) IsA(class, other string) bool {
	for _, a := range m.ancestors[class] {
		if a == other {
			return true
		}
	}
	return false
}

// Subclasses returns every class that extends the given class directly or
// indirectly, excluding the class itself.
func (m *Model) Subclasses(class string) []string {
	var out []string
	for name := range m.classes {
		if name != class && m.IsA(name, class) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Closure returns all classes of a class set plus their ancestors, sorted.
func (m *Model) Closure(classes ClassSet) []string {
	seen := make(map[string]bool)
	for name := range classes {
		for _, a := range m.ancestors[name] {
			seen[a] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Normalize removes classes that are ancestors of other members of the set.
func (m *Model) Normalize(classes ClassSet) ClassSet {
	out := NewClassSet()
	for name := range classes {
		redundant := false
		for other := range classes {
			if other != name && m.IsA(other, name) {
				redundant = true
				break
			}
		}
		if !redundant {
			out.Add(name)
		}
	}
	if len(out) == 0 {
		out.Add(RootClass)
	}
	return out
}

// FieldDescriptors returns all fields of a class including inherited ones.
func (m *Model) FieldDescriptors(class string) map[string]*FieldDescriptor {
	return m.fields[class]
}

// FieldDescriptor looks up one field of a class
func (m *Model) FieldDescriptor(class, field string) (*FieldDescriptor, bool) {
	fd, ok := m.fields[class][field]
	return fd, ok
}

// FieldsFor returns the fields available to an object with the given class set.
func (m *Model) FieldsFor(classes ClassSet) map[string]*FieldDescriptor {
	out := make(map[string]*FieldDescriptor)
	for name := range classes {
		for fname, fd := range m.fields[name] {
			out[fname] = fd
		}
	}
	return out
}

// FieldNamesFor returns the sorted field names available to a class set.
func (m *Model) FieldNamesFor(classes ClassSet) []string {
	fields := m.FieldsFor(classes)
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PrimaryKeys returns the key groups that apply to a class, inherited ones included.
func (m *Model) PrimaryKeys(class string) []PrimaryKey {
	return m.keys[class]
}

// DeclaredKeys returns the key groups declared directly on a class.
func (m *Model) DeclaredKeys(class string) []PrimaryKey {
	cld, ok := m.classes[class]
	if !ok {
		return nil
	}
	return cld.Keys
}

func (m *Model) buildFields(class string) error {
	fields := map[string]*FieldDescriptor{
		IDField: {Name: IDField, Kind: Attribute, Type: TypeBigInt, Class: RootClass},
	}
	for _, ancestor := range m.ancestors[class] {
		for _, fd := range m.classes[ancestor].Fields {
			if err := m.checkField(ancestor, fd); err != nil {
				return err
			}
			if existing, ok := fields[fd.Name]; ok && existing.Class != fd.Class {
				if existing.Kind != fd.Kind || existing.Type != fd.Type {
					return fmt.Errorf("%w: field %s.%s conflicts with %s.%s",
						ErrInvalidModel, class, fd.Name, existing.Class, existing.Name)
				}
				continue
			}
			fields[fd.Name] = fd
		}
	}
	m.fields[class] = fields
	return nil
}

func (m *Model) checkField(class string, fd *FieldDescriptor) error {
	fd.Class = class
	if fd.Name == "" || fd.Name == IDField {
		return fmt.Errorf("%w: class %s declares field %q", ErrInvalidModel, class, fd.Name)
	}
	switch fd.Kind {
	case Attribute:
		if !attributeTypes[fd.Type] {
			return fmt.Errorf("%w: %s.%s has unknown type %q", ErrInvalidModel, class, fd.Name, fd.Type)
		}
	case Reference, Collection:
		if !m.HasClass(fd.Type) {
			return fmt.Errorf("%w: %s.%s refers to %s", ErrUnknownClass, class, fd.Name, fd.Type)
		}
	}
	return nil
}

func (m *Model) buildKeys(class string) error {
	var keys []PrimaryKey
	for _, ancestor := range m.ancestors[class] {
		for _, key := range m.classes[ancestor].Keys {
			for _, f := range key.Fields {
				fd, ok := m.fields[ancestor][f]
				if !ok {
					return fmt.Errorf("%w: key %s.%s uses %s", ErrUnknownField, ancestor, key.Name, f)
				}
				if fd.IsCollection() {
					return fmt.Errorf("%w: key %s.%s uses collection %s", ErrInvalidModel, ancestor, key.Name, f)
				}
			}
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Class != keys[j].Class {
			return keys[i].Class < keys[j].Class
		}
		return keys[i].Name < keys[j].Name
	})
	m.keys[class] = keys
	return nil
}

// ClassSet is an order-independent set of class names.
type ClassSet map[string]struct{}

// NewClassSet creates a set from names
func NewClassSet(names ...string) ClassSet {
	s := make(ClassSet, len(names))
	for _, n := range names {
		s.Add(n)
	}
	return s
}

// Add inserts a class name
func (s ClassSet) Add(name string) { s[name] = struct{}{} }

// Contains reports membership
func (s ClassSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Union returns a new set holding the members of both sets
func (s ClassSet) Union(other ClassSet) ClassSet {
	out := make(ClassSet, len(s)+len(other))
	for n := range s {
		out.Add(n)
	}
	for n := range other {
		out.Add(n)
	}
	return out
}

// Sorted returns the members in sorted order
func (s ClassSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s ClassSet) String() string {
	return "{" + strings.Join(s.Sorted(), ", ") + "}"
}
