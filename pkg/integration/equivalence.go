package integration

import (
	"context"
	"fmt"
	"sort"

	"github.com/ha1tch/olumine/pkg/metadata"
	"github.com/ha1tch/olumine/pkg/models"
	"github.com/ha1tch/olumine/pkg/objectstore"
	"github.com/ha1tch/olumine/pkg/query"
)

// maxDepth bounds the chain of references followed while merging one object
const maxDepth = 16

// EquivalenceFinder finds the stored objects an incoming object merges with.
type EquivalenceFinder struct {
	osw    *objectstore.Writer
	model  *metadata.Model
	idMap  *IDMap
	lookup models.Resolver
}

// NewEquivalenceFinder creates a finder querying through osw. Keys run on the
// writer's open transaction and so see objects merged earlier in it.
func NewEquivalenceFinder(osw *objectstore.Writer, idMap *IDMap, lookup models.Resolver) *EquivalenceFinder {
	return &EquivalenceFinder{osw: osw, model: osw.Store().Model(), idMap: idMap, lookup: lookup}
}

// FindEquivalent returns the equivalents of o, ordered by id. An object already
// mapped in this source returns just its mapped target, unresolved. Otherwise
// every primary key with a full set of values is queried and the union of
// matches is returned.
func (f *EquivalenceFinder) FindEquivalent(ctx context.Context, o *models.Object, source *models.Source) ([]*models.Reference, error) {
	return f.find(ctx, o, source, 0)
}

func (f *EquivalenceFinder) find(ctx context.Context, o *models.Object, source *models.Source, depth int) ([]*models.Reference, error) {
	if o.ID != 0 {
		to, ok, err := f.idMap.Get(ctx, f.osw.Querier(), source.Name, o.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			return []*models.Reference{models.Unresolved(to)}, nil
		}
	}

	found := make(map[int64]*models.Reference)
	seen := make(map[string]bool)
	for _, class := range f.model.Closure(o.Classes) {
		for _, pk := range f.model.DeclaredKeys(class) {
			name := pk.Class + "." + pk.Name
			if seen[name] {
				continue
			}
			seen[name] = true
			q, ok, err := f.keyQuery(ctx, o, pk, source, depth)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			rows, err := f.osw.Execute(ctx, q, 0, objectstore.NoLimit, false, false, objectstore.AnySequence)
			if err != nil {
				return nil, fmt.Errorf("failed to query key %s: %w", name, err)
			}
			for _, row := range rows {
				obj := row[0].(*models.Object)
				found[obj.ID] = models.Resolved(obj)
			}
		}
	}

	out := make([]*models.Reference, 0, len(found))
	for _, ref := range found {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// keyQuery builds the lookup for one primary key. It reports false when the
// object lacks a value for any of the key fields.
func (f *EquivalenceFinder) keyQuery(ctx context.Context, o *models.Object, pk metadata.PrimaryKey, source *models.Source, depth int) (*query.Query, bool, error) {
	qc := query.NewQueryClass(pk.Class)
	q := query.New().AddFrom(qc).AddToSelect(qc)
	cs := query.NewConstraintSet(query.And)
	for _, field := range pk.Fields {
		fd, ok := f.model.FieldDescriptor(pk.Class, field)
		if !ok {
			return nil, false, nil
		}
		switch fd.Kind {
		case metadata.Attribute:
			v := o.Attr(field)
			if v == nil {
				return nil, false, nil
			}
			cs.Add(query.NewSimpleConstraint(query.NewQueryField(qc, field), query.Equals, query.NewQueryValue(v)))
		case metadata.Reference:
			ref := o.Ref(field)
			if ref == nil {
				return nil, false, nil
			}
			ids, err := f.referenceTargets(ctx, ref, source, depth)
			if err != nil {
				return nil, false, err
			}
			if len(ids) == 0 {
				return nil, false, nil
			}
			cs.Add(query.NewContainsIDsConstraint(query.NewQueryReference(qc, field), query.Contains, ids...))
		default:
			return nil, false, nil
		}
	}
	if len(cs.Constraints) == 0 {
		return nil, false, nil
	}
	return q.SetConstraint(cs), true, nil
}

// referenceTargets returns the destination ids a source reference may point at
func (f *EquivalenceFinder) referenceTargets(ctx context.Context, ref *models.Reference, source *models.Source, depth int) ([]int64, error) {
	to, ok, err := f.idMap.Get(ctx, f.osw.Querier(), source.Name, ref.ID)
	if err != nil {
		return nil, err
	}
	if ok {
		return []int64{to}, nil
	}
	target, err := f.sourceObject(ctx, ref)
	if err != nil || target == nil {
		return nil, err
	}
	if depth >= maxDepth {
		return nil, fmt.Errorf("failed to resolve %s: %w", ref, ErrTooDeep)
	}
	eqs, err := f.find(ctx, target, source, depth+1)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(eqs))
	for _, eq := range eqs {
		ids = append(ids, eq.ID)
	}
	return ids, nil
}

// sourceObject loads the target of a reference from the source side. It
// returns nil when the target is not loaded and no lookup is configured.
func (f *EquivalenceFinder) sourceObject(ctx context.Context, ref *models.Reference) (*models.Object, error) {
	if obj := ref.Object(); obj != nil {
		return obj, nil
	}
	if f.lookup == nil {
		return nil, nil
	}
	obj, err := f.lookup.GetObjectByID(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source object %d: %w", ref.ID, err)
	}
	return obj, nil
}
