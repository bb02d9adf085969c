// Package integration merges objects from many sources into one warehouse,
// choosing each field by source priority and recording its provenance.
package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ha1tch/olumine/pkg/datatracker"
	"github.com/ha1tch/olumine/pkg/metadata"
	"github.com/ha1tch/olumine/pkg/metrics"
	"github.com/ha1tch/olumine/pkg/models"
	"github.com/ha1tch/olumine/pkg/objectstore"
	"github.com/ha1tch/olumine/pkg/validation"
	"github.com/rs/zerolog"
)

// MergeType says where an object being stored comes from
type MergeType int

const (
	// MergeSource is a full object from a main source
	MergeSource MergeType = iota
	// MergeSkeleton is an object only referenced by a source object
	MergeSkeleton
	// MergeFromDB is an object already in the warehouse
	MergeFromDB
)

func (t MergeType) String() string {
	switch t {
	case MergeSource:
		return "source"
	case MergeSkeleton:
		return "skeleton"
	case MergeFromDB:
		return "from_db"
	}
	return fmt.Sprintf("MergeType(%d)", int(t))
}

// Options configures an integration writer
type Options struct {
	Priorities       *Priorities
	IgnoreDuplicates bool
	IDMapSize        int
	// Lookup loads source objects named only by id in incoming references
	Lookup models.Resolver
	Logger zerolog.Logger
}

// Writer is the integration writer. It is used by one goroutine at a time.
type Writer struct {
	osw              *objectstore.Writer
	model            *metadata.Model
	validator        *validation.Validator
	tracker          *datatracker.Tracker
	priorities       *Priorities
	idMap            *IDMap
	finder           *EquivalenceFinder
	ignoreDuplicates bool
	logger           zerolog.Logger
}

// New creates an integration writer over an object store writer
func New(osw *objectstore.Writer, tracker *datatracker.Tracker, opts Options) (*Writer, error) {
	store := osw.Store()
	idMap, err := NewIDMap(store.DB().Dialect, opts.IDMapSize)
	if err != nil {
		return nil, err
	}
	return &Writer{
		osw:              osw,
		model:            store.Model(),
		validator:        store.Validator(),
		tracker:          tracker,
		priorities:       opts.Priorities,
		idMap:            idMap,
		finder:           NewEquivalenceFinder(osw, idMap, opts.Lookup),
		ignoreDuplicates: opts.IgnoreDuplicates,
		logger:           opts.Logger.With().Str("component", "integration").Logger(),
	}, nil
}

// SetLookup replaces the resolver for source objects
func (w *Writer) SetLookup(res models.Resolver) { w.finder.lookup = res }

// SetIgnoreDuplicates turns duplicate source conflicts into no-ops
func (w *Writer) SetIgnoreDuplicates(ignore bool) { w.ignoreDuplicates = ignore }

// ObjectStoreWriter returns the underlying writer
func (w *Writer) ObjectStoreWriter() *objectstore.Writer { return w.osw }

// IDMap returns the writer's id map
func (w *Writer) IDMap() *IDMap { return w.idMap }

// Finder returns the writer's equivalence finder
func (w *Writer) Finder() *EquivalenceFinder { return w.finder }

// GetMainSource returns the main source with the given name
func (w *Writer) GetMainSource(ctx context.Context, name string) (*models.Source, error) {
	return w.tracker.StringToSource(ctx, w.osw.Querier(), name, false)
}

// GetSkeletonSource returns the skeleton counterpart of a main source
func (w *Writer) GetSkeletonSource(ctx context.Context, name string) (*models.Source, error) {
	return w.tracker.StringToSource(ctx, w.osw.Querier(), models.SkeletonPrefix+name, true)
}

// BeginTransaction opens a transaction
func (w *Writer) BeginTransaction(ctx context.Context) error {
	return w.osw.BeginTransaction(ctx)
}

// IsInTransaction reports whether a transaction is open
func (w *Writer) IsInTransaction() bool { return w.osw.IsInTransaction() }

// CommitTransaction writes buffered provenance and commits
func (w *Writer) CommitTransaction(ctx context.Context) error {
	if !w.osw.IsInTransaction() {
		return objectstore.ErrNoTransaction
	}
	if err := w.tracker.Flush(ctx, w.osw.Querier()); err != nil {
		if abortErr := w.AbortTransaction(); abortErr != nil {
			w.logger.Error().Err(abortErr).Msg("Failed to roll back after provenance flush")
		}
		return err
	}
	if err := w.osw.CommitTransaction(); err != nil {
		w.tracker.Discard()
		w.idMap.Discard()
		return err
	}
	w.tracker.Committed()
	return nil
}

// AbortTransaction rolls back and forgets buffered provenance and mappings
func (w *Writer) AbortTransaction() error {
	w.tracker.Discard()
	w.idMap.Discard()
	return w.osw.AbortTransaction()
}

// Close commits an open transaction and closes the object store writer
func (w *Writer) Close(ctx context.Context) error {
	var errs []error
	if w.osw.IsInTransaction() {
		errs = append(errs, w.CommitTransaction(ctx))
	}
	errs = append(errs, w.osw.Close())
	return errors.Join(errs...)
}

// Store merges a source object into the warehouse
func (w *Writer) Store(ctx context.Context, o *models.Object, source, skel *models.Source) (*models.Reference, error) {
	return w.StoreWithType(ctx, o, source, skel, MergeSource)
}

// StoreWithType merges an object and returns a reference to the stored
// result. Outside a transaction the merge commits on its own.
func (w *Writer) StoreWithType(ctx context.Context, o *models.Object, source, skel *models.Source, typ MergeType) (*models.Reference, error) {
	if o == nil {
		return nil, nil
	}
	if w.osw.IsInTransaction() {
		return w.store(ctx, o, source, skel, typ, 0)
	}
	if err := w.BeginTransaction(ctx); err != nil {
		return nil, err
	}
	ref, err := w.store(ctx, o, source, skel, typ, 0)
	if err != nil {
		if abortErr := w.AbortTransaction(); abortErr != nil {
			w.logger.Error().Err(abortErr).Msg("Failed to roll back")
		}
		return nil, err
	}
	if err := w.CommitTransaction(ctx); err != nil {
		return nil, err
	}
	return ref, nil
}

func (w *Writer) store(ctx context.Context, o *models.Object, source, skel *models.Source, typ MergeType, depth int) (*models.Reference, error) {
	if o == nil {
		return nil, nil
	}
	if err := w.validator.NormalizeObject(o); err != nil {
		return nil, err
	}
	eqRefs, err := w.finder.find(ctx, o, source, depth)
	if err != nil {
		return nil, err
	}
	if len(eqRefs) == 1 && typ == MergeSkeleton && !eqRefs[0].IsResolved() {
		return eqRefs[0], nil
	}

	eqs := make([]*models.Object, 0, len(eqRefs))
	classes := o.Classes.Union(nil)
	for _, ref := range eqRefs {
		obj, err := ref.Resolve(ctx, w.osw)
		if errors.Is(err, objectstore.ErrNotFound) {
			w.logger.Warn().Int64("id", ref.ID).Msg("Mapped object no longer exists")
			continue
		}
		if err != nil {
			return nil, err
		}
		eqs = append(eqs, obj)
		classes = classes.Union(obj.Classes)
	}
	classes = w.model.Normalize(classes)

	var newID int64
	if len(eqs) > 0 {
		newID = eqs[0].ID
	}
	effective := source
	if typ != MergeSource {
		effective = skel
	}

	q := w.osw.Querier()
	incomingFields := w.model.FieldsFor(o.Classes)
	byField := make(map[string][]candidate)
	names := w.model.FieldNamesFor(classes)
	for _, name := range names {
		if name == metadata.IDField {
			continue
		}
		var cands []candidate
		if _, ok := incomingFields[name]; ok {
			cands = append(cands, candidate{obj: o, src: effective, incoming: true})
		}
		for _, eq := range eqs {
			fieldSource, err := w.tracker.GetSource(ctx, q, eq.ID, name)
			if err != nil {
				return nil, err
			}
			if len(eqs) == 1 && fieldSource != nil && (fieldSource.Equal(source) || (fieldSource.Equal(skel) && typ != MergeSource)) {
				return w.sameSource(ctx, o, eq, name, source, fieldSource, typ)
			}
			if _, ok := w.model.FieldsFor(eq.Classes)[name]; ok {
				cands = append(cands, candidate{obj: eq, src: fieldSource})
			}
		}
		byField[name] = cands
	}

	merged := models.NewObject(newID, classes.Sorted()...)
	tracking := make(map[string]*models.Source)
	for _, name := range names {
		cands, ok := byField[name]
		if !ok {
			continue
		}
		fd := w.model.FieldsFor(classes)[name]
		list := w.priorities.List(w.model, classes, name)
		if fd.IsCollection() {
			if err := w.mergeCollection(ctx, merged, name, list, cands, source, skel, typ, depth, tracking); err != nil {
				return nil, err
			}
			continue
		}
		sort.SliceStable(cands, func(i, j int) bool { return better(list, cands[i], cands[j]) })
		for _, c := range cands {
			if !c.obj.HasValue(name) {
				continue
			}
			if fd.IsReference() {
				id, ok, err := w.translate(ctx, c, c.obj.Ref(name), source, skel, typ, depth)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				merged.SetRef(name, models.Unresolved(id))
			} else {
				merged.Set(name, c.obj.Attr(name))
			}
			tracking[name] = c.src
			break
		}
	}

	if err := w.osw.StoreObject(ctx, merged); err != nil {
		return nil, err
	}
	if newID == 0 {
		w.tracker.ClearObj(merged.ID)
	}
	for _, name := range names {
		if src := tracking[name]; src != nil {
			if err := w.tracker.SetSource(ctx, q, merged.ID, name, src); err != nil {
				return nil, err
			}
		}
	}
	for _, eq := range eqs[min(1, len(eqs)):] {
		if err := w.osw.Delete(ctx, eq.ID); err != nil {
			return nil, err
		}
		w.tracker.DeleteObj(eq.ID)
		if err := w.idMap.Remap(ctx, q, eq.ID, merged.ID); err != nil {
			return nil, err
		}
		w.logger.Debug().Int64("deleted", eq.ID).Int64("into", merged.ID).Msg("Merged equivalent object")
	}
	if typ != MergeFromDB && o.ID != 0 {
		if err := w.idMap.Assign(ctx, q, source.Name, o.ID, merged.ID); err != nil {
			return nil, err
		}
	}
	metrics.ObjectsStored.WithLabelValues(typ.String()).Inc()
	return models.Resolved(merged), nil
}

// sameSource handles an object whose single equivalent already carries data
// from the same source. A source object with different content is a conflict.
func (w *Writer) sameSource(ctx context.Context, o, eq *models.Object, field string, source, tracked *models.Source, typ MergeType) (*models.Reference, error) {
	q := w.osw.Querier()
	if typ == MergeSource {
		same, err := w.sameContent(ctx, o, eq, source)
		if err != nil {
			return nil, err
		}
		if !same {
			metrics.DuplicateSources.Inc()
			dup := &DuplicateSourceError{Incoming: o, Existing: eq, Field: field, Source: source, Tracked: tracked}
			if !w.ignoreDuplicates {
				w.logger.Error().Err(dup).Msg("Duplicate source")
				return nil, dup
			}
			w.logger.Warn().Err(dup).Msg("Ignoring duplicate source")
		}
	}
	if typ != MergeFromDB && o.ID != 0 {
		if err := w.idMap.Assign(ctx, q, source.Name, o.ID, eq.ID); err != nil {
			return nil, err
		}
	}
	return models.Resolved(eq), nil
}

// sameContent reports whether every field of an incoming object matches the
// stored equivalent, references compared through the id map.
func (w *Writer) sameContent(ctx context.Context, o, eq *models.Object, source *models.Source) (bool, error) {
	q := w.osw.Querier()
	mapped := func(ref *models.Reference) (int64, bool, error) {
		return w.idMap.Get(ctx, q, source.Name, ref.ID)
	}
	for _, name := range o.FieldNames() {
		raw, _ := o.Get(name)
		switch v := raw.(type) {
		case *models.Reference:
			to, ok, err := mapped(v)
			if err != nil || !ok {
				return false, err
			}
			if stored := eq.Ref(name); stored == nil || stored.ID != to {
				return false, nil
			}
		case []*models.Reference:
			members := make(map[int64]bool)
			for _, ref := range eq.Collection(name) {
				members[ref.ID] = true
			}
			for _, ref := range v {
				to, ok, err := mapped(ref)
				if err != nil || !ok {
					return false, err
				}
				if !members[to] {
					return false, nil
				}
			}
		default:
			if eq.Attr(name) != v {
				return false, nil
			}
		}
	}
	return true, nil
}

// mergeCollection stores the union of every candidate's members and credits
// the best contributing source.
func (w *Writer) mergeCollection(ctx context.Context, merged *models.Object, name string, list []string, cands []candidate, source, skel *models.Source, typ MergeType, depth int, tracking map[string]*models.Source) error {
	members := make(map[int64]bool)
	var best *candidate
	for i := range cands {
		c := cands[i]
		refs := c.obj.Collection(name)
		contributed := false
		for _, ref := range refs {
			id, ok, err := w.translate(ctx, c, ref, source, skel, typ, depth)
			if err != nil {
				return err
			}
			if ok {
				members[id] = true
				contributed = true
			}
		}
		if contributed && (best == nil || better(list, c, *best)) {
			best = &cands[i]
		}
	}
	if len(members) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	refs := make([]*models.Reference, len(ids))
	for i, id := range ids {
		refs[i] = models.Unresolved(id)
	}
	merged.SetCollection(name, refs)
	tracking[name] = best.src
	return nil
}

// translate converts a reference held by a candidate into a destination id.
// Stored equivalents and objects from the database already hold destination
// ids. Source references are looked up in the id map; a skeleton leaves
// unmapped references out, while a source object stores their targets as
// skeletons.
func (w *Writer) translate(ctx context.Context, c candidate, ref *models.Reference, source, skel *models.Source, typ MergeType, depth int) (int64, bool, error) {
	if !c.incoming || typ == MergeFromDB {
		return ref.ID, true, nil
	}
	to, ok, err := w.idMap.Get(ctx, w.osw.Querier(), source.Name, ref.ID)
	if err != nil {
		return 0, false, err
	}
	if ok {
		return to, true, nil
	}
	if typ == MergeSkeleton {
		return 0, false, nil
	}
	target, err := w.finder.sourceObject(ctx, ref)
	if err != nil {
		return 0, false, err
	}
	if target == nil {
		w.logger.Warn().Int64("id", ref.ID).Msg("Dropping reference to an unknown source object")
		return 0, false, nil
	}
	if depth >= maxDepth {
		return 0, false, fmt.Errorf("failed to store %s: %w", ref, ErrTooDeep)
	}
	stored, err := w.store(ctx, target, source, skel, MergeSkeleton, depth+1)
	if err != nil {
		return 0, false, err
	}
	return stored.ID, true, nil
}
