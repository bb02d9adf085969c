// Package dbschema maps the object model onto physical tables.
//
// Every class has a table named after it in lower case. A row carries the
// object id, the stored object document, the class closure of the object and
// one column per attribute and per reference. An object is written to the
// table of every class in its closure. Classes below a truncated class share
// the truncated class's table and are filtered by the classes column.
package dbschema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ha1tch/olumine/pkg/metadata"
)

// Table and column names shared by every store
const (
	RootTable       = "intermineobject"
	CollectionTable = "collection_member"
	IDColumn        = "id"
	ObjectColumn    = "object"
	ClassesColumn   = "classes"
	ObjectSequence  = "serial"
	PrecomputeSeq   = "precomputedtablenumber"
)

// Column is a physical column of a class table
type Column struct {
	Name  string
	Field *metadata.FieldDescriptor // nil for id, object and classes
}

// Table describes a physical class table
type Table struct {
	Name      string
	Classes   []string // classes stored in this table
	Columns   []Column
	HasObject bool
}

// Schema is the physical mapping for one store. It is immutable.
type Schema struct {
	model     *metadata.Model
	truncated map[string]bool
	missing   map[string]bool
	noObject  map[string]bool
	tableOf   map[string]string
	tables    map[string]*Table
}

// New builds the mapping. Truncated classes must exist in the model.
func New(model *metadata.Model, truncated, missing, noObject []string) (*Schema, error) {
	s := &Schema{
		model:     model,
		truncated: make(map[string]bool),
		missing:   make(map[string]bool),
		noObject:  make(map[string]bool),
		tableOf:   make(map[string]string),
		tables:    make(map[string]*Table),
	}
	for _, c := range truncated {
		if !model.HasClass(c) {
			return nil, fmt.Errorf("%w: truncated class %s", metadata.ErrUnknownClass, c)
		}
		if c == metadata.RootClass {
			return nil, fmt.Errorf("the root class cannot be truncated")
		}
		s.truncated[c] = true
	}
	for _, t := range missing {
		s.missing[strings.ToLower(t)] = true
	}
	for _, t := range noObject {
		s.noObject[strings.ToLower(t)] = true
	}

	for _, class := range model.ClassNames() {
		s.tableOf[class] = s.resolveTable(class)
	}
	for _, class := range model.ClassNames() {
		name := s.tableOf[class]
		t, ok := s.tables[name]
		if !ok {
			t = &Table{Name: name, HasObject: !s.noObject[name]}
			s.tables[name] = t
		}
		t.Classes = append(t.Classes, class)
	}
	for _, t := range s.tables {
		t.Columns = s.buildColumns(t)
	}
	return s, nil
}

// resolveTable finds the table of a class: its own unless an ancestor is truncated.
func (s *Schema) resolveTable(class string) string {
	var owner string
	for _, a := range s.model.Ancestors(class) {
		if s.truncated[a] && (owner == "" || s.model.IsA(owner, a)) {
			owner = a
		}
	}
	if owner == "" {
		owner = class
	}
	return strings.ToLower(owner)
}

func (s *Schema) buildColumns(t *Table) []Column {
	cols := []Column{{Name: IDColumn}}
	if t.HasObject {
		cols = append(cols, Column{Name: ObjectColumn})
	}
	cols = append(cols, Column{Name: ClassesColumn})
	if t.Name == RootTable {
		return cols
	}

	fields := make(map[string]*metadata.FieldDescriptor)
	for _, class := range t.Classes {
		for name, fd := range s.model.FieldDescriptors(class) {
			if name == metadata.IDField || fd.IsCollection() {
				continue
			}
			fields[name] = fd
		}
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cols = append(cols, Column{Name: ColumnName(fields[name]), Field: fields[name]})
	}
	return cols
}

// Model returns the object model
func (s *Schema) Model() *metadata.Model { return s.model }

// TableFor returns the table holding objects of a class
func (s *Schema) TableFor(class string) string { return s.tableOf[class] }

// Table returns a table description
func (s *Schema) Table(name string) (*Table, bool) {
	t, ok := s.tables[name]
	return t, ok
}

// Tables returns every table, root table first
func (s *Schema) Tables() []*Table {
	out := make([]*Table, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == RootTable || out[j].Name == RootTable {
			return out[i].Name == RootTable
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// NeedsClassFilter reports whether rows of the class's table must be filtered
// by the classes column to find objects of the class.
func (s *Schema) NeedsClassFilter(class string) bool {
	return s.tableOf[class] != strings.ToLower(class)
}

// IsMissing reports whether a table is configured as missing
func (s *Schema) IsMissing(table string) bool { return s.missing[table] }

// HasObjectColumn reports whether a table holds the object document
func (s *Schema) HasObjectColumn(table string) bool { return !s.noObject[table] }

// TablesFor returns the distinct tables an object with the given classes is written to.
func (s *Schema) TablesFor(classes metadata.ClassSet) []string {
	seen := make(map[string]bool)
	var out []string
	for _, class := range s.model.Closure(classes) {
		name := s.tableOf[class]
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ColumnName is the column of an attribute or reference field
func ColumnName(fd *metadata.FieldDescriptor) string {
	name := strings.ToLower(fd.Name)
	if fd.IsReference() {
		return name + "id"
	}
	return name
}

// ClassesValue renders the classes column for an object: its class closure
// delimited by spaces, with a leading and trailing space.
func ClassesValue(model *metadata.Model, classes metadata.ClassSet) string {
	return " " + strings.Join(model.Closure(classes), " ") + " "
}

// ClassFilterPattern is the LIKE pattern selecting objects of a class
func ClassFilterPattern(class string) string {
	return "% " + class + " %"
}
