package integration

import (
	"fmt"
	"os"
	"strings"

	"github.com/ha1tch/olumine/pkg/metadata"
	"github.com/ha1tch/olumine/pkg/models"
	"gopkg.in/yaml.v3"
)

// Priorities orders sources per field. Keys are "Class.field", "Class" or
// "*"; each list names main sources highest priority first.
type Priorities struct {
	lists map[string][]string
}

// NewPriorities builds priorities from a key to source list map
func NewPriorities(lists map[string][]string) *Priorities {
	p := &Priorities{lists: make(map[string][]string, len(lists))}
	for k, v := range lists {
		p.lists[k] = append([]string(nil), v...)
	}
	return p
}

// LoadPriorities reads a priorities YAML file
func LoadPriorities(path string) (*Priorities, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read priorities: %w", err)
	}
	return ParsePriorities(data)
}

// ParsePriorities parses priorities YAML
func ParsePriorities(data []byte) (*Priorities, error) {
	var lists map[string][]string
	if err := yaml.Unmarshal(data, &lists); err != nil {
		return nil, fmt.Errorf("failed to parse priorities: %w", err)
	}
	for key := range lists {
		if key == "" || strings.Count(key, ".") > 1 {
			return nil, fmt.Errorf("failed to parse priorities: invalid key %q", key)
		}
	}
	return NewPriorities(lists), nil
}

// List returns the source order for a field of an object with the given
// classes. The most specific class with an entry wins, field entries before
// class entries, then the "*" default.
func (p *Priorities) List(model *metadata.Model, classes metadata.ClassSet, field string) []string {
	if p == nil {
		return nil
	}
	closure := model.Closure(classes)
	pick := func(key func(class string) string) ([]string, bool) {
		var best string
		var list []string
		for _, class := range closure {
			if l, ok := p.lists[key(class)]; ok && (best == "" || model.IsA(class, best)) {
				best, list = class, l
			}
		}
		return list, best != ""
	}
	if l, ok := pick(func(c string) string { return c + "." + field }); ok {
		return l
	}
	if l, ok := pick(func(c string) string { return c }); ok {
		return l
	}
	return p.lists["*"]
}

// rank positions a source in a priority list; lower ranks win.
type rank struct {
	tier  int
	index int
}

const (
	tierListed = iota
	tierUnlisted
	tierSkeleton
	tierNone
)

func rankOf(list []string, src *models.Source) rank {
	if src == nil {
		return rank{tier: tierNone}
	}
	name := src.Name
	if src.Skeleton {
		name = strings.TrimPrefix(name, models.SkeletonPrefix)
	}
	index := len(list)
	for i, n := range list {
		if n == name {
			index = i
			break
		}
	}
	switch {
	case src.Skeleton:
		return rank{tier: tierSkeleton, index: index}
	case index < len(list):
		return rank{tier: tierListed, index: index}
	}
	return rank{tier: tierUnlisted}
}

func (r rank) less(o rank) bool {
	if r.tier != o.tier {
		return r.tier < o.tier
	}
	return r.index < o.index
}

// candidate is an object offering a value for a field
type candidate struct {
	obj      *models.Object
	src      *models.Source
	incoming bool
}

// better orders candidates: rank, then source id, then the incoming object,
// then object id.
func better(list []string, a, b candidate) bool {
	ra, rb := rankOf(list, a.src), rankOf(list, b.src)
	if ra != rb {
		return ra.less(rb)
	}
	if ida, idb := sourceID(a.src), sourceID(b.src); ida != idb {
		return ida < idb
	}
	if a.incoming != b.incoming {
		return a.incoming
	}
	return a.obj.ID < b.obj.ID
}

func sourceID(s *models.Source) int64 {
	if s == nil {
		return 0
	}
	return s.ID
}
