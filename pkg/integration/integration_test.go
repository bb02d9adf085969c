package integration_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ha1tch/olumine/pkg/datatracker"
	"github.com/ha1tch/olumine/pkg/dbschema"
	"github.com/ha1tch/olumine/pkg/integration"
	"github.com/ha1tch/olumine/pkg/metadata"
	"github.com/ha1tch/olumine/pkg/models"
	"github.com/ha1tch/olumine/pkg/objectstore"
	"github.com/ha1tch/olumine/pkg/query"
	"github.com/ha1tch/olumine/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	store   *objectstore.ObjectStore
	tracker *datatracker.Tracker
	iw      *integration.Writer
}

func setup(t *testing.T, prios *integration.Priorities) *env {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "warehouse.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	model, err := metadata.LoadModel("testdata/genomic.yaml")
	require.NoError(t, err)
	schema, err := dbschema.New(model, nil, nil, nil)
	require.NoError(t, err)
	store, err := objectstore.New(db, objectstore.Options{Schema: schema, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, store.CreateSchema(ctx))
	require.NoError(t, integration.CreateTables(ctx, db))

	osw, err := store.NewWriter()
	require.NoError(t, err)
	tracker := datatracker.New(db.Dialect, nil, 0, zerolog.Nop())
	iw, err := integration.New(osw, tracker, integration.Options{Priorities: prios, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() {
		iw.Close(ctx)
		store.Close()
	})
	return &env{store: store, tracker: tracker, iw: iw}
}

func (e *env) sources(t *testing.T, name string) (*models.Source, *models.Source) {
	t.Helper()
	ctx := context.Background()
	main, err := e.iw.GetMainSource(ctx, name)
	require.NoError(t, err)
	skel, err := e.iw.GetSkeletonSource(ctx, name)
	require.NoError(t, err)
	return main, skel
}

func (e *env) all(t *testing.T, class string) []*models.Object {
	t.Helper()
	qc := query.NewQueryClass(class)
	q := query.New().AddFrom(qc).AddToSelect(qc)
	rows, err := e.store.Execute(context.Background(), q, 0, objectstore.NoLimit, false, false, objectstore.AnySequence)
	require.NoError(t, err)
	out := make([]*models.Object, len(rows))
	for i, row := range rows {
		out[i] = row[0].(*models.Object)
	}
	return out
}

func (e *env) provenance(t *testing.T, id int64, field string) string {
	t.Helper()
	src, err := e.tracker.GetSource(context.Background(), e.store.DB(), id, field)
	require.NoError(t, err)
	if src == nil {
		return ""
	}
	return src.Name
}

func (e *env) trackerRows(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, e.store.DB().QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+datatracker.TrackerTable).Scan(&n))
	return n
}

func gene(id int64, primaryID, name string) *models.Object {
	return models.NewObject(id, "Gene").Set("primaryIdentifier", primaryID).Set("name", name)
}

func TestMergeByPriority(t *testing.T) {
	prios, err := integration.LoadPriorities("testdata/priorities.yaml")
	require.NoError(t, err)
	e := setup(t, prios)
	ctx := context.Background()
	uni, uniSkel := e.sources(t, "UniProt")
	ref, refSkel := e.sources(t, "RefSeq")

	a, err := e.iw.Store(ctx, gene(100, "P1", "foo"), uni, uniSkel)
	require.NoError(t, err)
	b, err := e.iw.Store(ctx, gene(200, "P1", "bar"), ref, refSkel)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	genes := e.all(t, "Gene")
	require.Len(t, genes, 1)
	assert.Equal(t, a.ID, genes[0].ID)
	assert.Equal(t, "bar", genes[0].Attr("name"))
	assert.Equal(t, "RefSeq", e.provenance(t, a.ID, "name"))
	assert.Equal(t, "UniProt", e.provenance(t, a.ID, "primaryIdentifier"))

	to, ok, err := e.iw.IDMap().Get(ctx, e.store.DB(), "RefSeq", 200)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.ID, to)
}

func TestPriorityDeterminism(t *testing.T) {
	prios := integration.NewPriorities(map[string][]string{"BioEntity": {"Two", "One"}})
	for _, order := range [][]string{{"One", "Two"}, {"Two", "One"}} {
		t.Run(order[0]+"First", func(t *testing.T) {
			e := setup(t, prios)
			ctx := context.Background()
			values := map[string]string{"One": "one", "Two": "two"}
			for i, name := range order {
				main, skel := e.sources(t, name)
				_, err := e.iw.Store(ctx, gene(int64(10+i), "P1", values[name]), main, skel)
				require.NoError(t, err)
			}
			genes := e.all(t, "Gene")
			require.Len(t, genes, 1)
			assert.Equal(t, "two", genes[0].Attr("name"))
			assert.Equal(t, "Two", e.provenance(t, genes[0].ID, "name"))
		})
	}
}

func TestIdempotentReMerge(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()
	uni, uniSkel := e.sources(t, "UniProt")
	build := func() *models.Object {
		org := models.NewObject(900, "Organism").Set("taxonId", int64(7227))
		return gene(100, "P1", "foo").SetRef("organism", models.Resolved(org))
	}

	first, err := e.iw.Store(ctx, build(), uni, uniSkel)
	require.NoError(t, err)
	rows := e.trackerRows(t)

	second, err := e.iw.Store(ctx, build(), uni, uniSkel)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, rows, e.trackerRows(t))
	assert.Len(t, e.all(t, "Gene"), 1)

	orgs := e.all(t, "Organism")
	require.Len(t, orgs, 1)
	assert.Equal(t, "skel_UniProt", e.provenance(t, orgs[0].ID, "taxonId"))
	stored := e.all(t, "Gene")[0]
	assert.Equal(t, orgs[0].ID, stored.Ref("organism").ID)
}

func TestDuplicateSource(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()
	uni, uniSkel := e.sources(t, "UniProt")

	first, err := e.iw.Store(ctx, gene(100, "P1", "foo"), uni, uniSkel)
	require.NoError(t, err)

	_, err = e.iw.Store(ctx, gene(101, "P1", "other"), uni, uniSkel)
	require.Error(t, err)
	assert.True(t, integration.IsDuplicateSource(err))
	var dup *integration.DuplicateSourceError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "name", dup.Field)
	assert.Equal(t, first.ID, dup.Existing.ID)

	e.iw.SetIgnoreDuplicates(true)
	ref, err := e.iw.Store(ctx, gene(101, "P1", "other"), uni, uniSkel)
	require.NoError(t, err)
	assert.Equal(t, first.ID, ref.ID)
	genes := e.all(t, "Gene")
	require.Len(t, genes, 1)
	assert.Equal(t, "foo", genes[0].Attr("name"))
}

func TestFindEquivalent(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()
	uni, uniSkel := e.sources(t, "UniProt")
	ref, _ := e.sources(t, "RefSeq")

	stored, err := e.iw.Store(ctx, gene(100, "P1", "foo"), uni, uniSkel)
	require.NoError(t, err)
	finder := e.iw.Finder()

	eqs, err := finder.FindEquivalent(ctx, gene(300, "P1", "bar"), ref)
	require.NoError(t, err)
	require.Len(t, eqs, 1)
	assert.Equal(t, stored.ID, eqs[0].ID)

	mapped, err := finder.FindEquivalent(ctx, gene(100, "P7", "foo"), uni)
	require.NoError(t, err)
	require.Len(t, mapped, 1)
	assert.Equal(t, stored.ID, mapped[0].ID)
	assert.Nil(t, mapped[0].Object())

	none, err := finder.FindEquivalent(ctx, gene(301, "P9", "baz"), ref)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSkeletonShortCircuit(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()
	uni, uniSkel := e.sources(t, "UniProt")

	stored, err := e.iw.Store(ctx, gene(100, "P1", "foo"), uni, uniSkel)
	require.NoError(t, err)

	require.NoError(t, e.iw.BeginTransaction(ctx))
	ref, err := e.iw.StoreWithType(ctx, gene(100, "P1", "foo"), uni, uniSkel, integration.MergeSkeleton)
	require.NoError(t, err)
	assert.False(t, ref.IsResolved())
	assert.Equal(t, stored.ID, ref.ID)
	assert.Zero(t, e.tracker.Pending())
	require.NoError(t, e.iw.CommitTransaction(ctx))
}

func TestCollectionUnion(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()
	uni, uniSkel := e.sources(t, "UniProt")
	ref, refSkel := e.sources(t, "RefSeq")

	pub1 := models.NewObject(500, "Publication").Set("pubMedId", "1")
	pub2 := models.NewObject(600, "Publication").Set("pubMedId", "2")
	a := gene(100, "P1", "foo").SetCollection("publications", []*models.Reference{models.Resolved(pub1)})
	b := gene(200, "P1", "").SetCollection("publications", []*models.Reference{models.Resolved(pub2), models.Resolved(pub1)})
	b.Set("name", nil)

	_, err := e.iw.Store(ctx, a, uni, uniSkel)
	require.NoError(t, err)
	merged, err := e.iw.Store(ctx, b, ref, refSkel)
	require.NoError(t, err)

	pubs := e.all(t, "Publication")
	require.Len(t, pubs, 2)
	genes := e.all(t, "Gene")
	require.Len(t, genes, 1)
	members := genes[0].Collection("publications")
	require.Len(t, members, 2)
	assert.Equal(t, []int64{pubs[0].ID, pubs[1].ID}, []int64{members[0].ID, members[1].ID})
	assert.Equal(t, "foo", genes[0].Attr("name"))
	assert.Equal(t, "UniProt", e.provenance(t, merged.ID, "publications"))
}

func TestMergeDeletesSupersededEquivalents(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()
	srcA, skelA := e.sources(t, "A")
	srcB, skelB := e.sources(t, "B")
	srcC, skelC := e.sources(t, "C")
	fly := func(id int64) *models.Reference {
		return models.Resolved(models.NewObject(id, "Organism").Set("taxonId", int64(7227)))
	}

	g1, err := e.iw.Store(ctx, models.NewObject(100, "Gene").Set("primaryIdentifier", "P1"), srcA, skelA)
	require.NoError(t, err)
	g2, err := e.iw.Store(ctx, models.NewObject(200, "Gene").Set("symbol", "eve").SetRef("organism", fly(900)), srcB, skelB)
	require.NoError(t, err)
	require.NotEqual(t, g1.ID, g2.ID)
	require.Len(t, e.all(t, "Gene"), 2)

	incoming := models.NewObject(300, "Gene").
		Set("primaryIdentifier", "P1").
		Set("symbol", "eve").
		SetRef("organism", fly(901))
	merged, err := e.iw.Store(ctx, incoming, srcC, skelC)
	require.NoError(t, err)
	assert.Equal(t, g1.ID, merged.ID)

	genes := e.all(t, "Gene")
	require.Len(t, genes, 1)
	assert.Equal(t, "P1", genes[0].Attr("primaryIdentifier"))
	assert.Equal(t, "eve", genes[0].Attr("symbol"))
	require.Len(t, e.all(t, "Organism"), 1)

	_, err = e.store.GetObjectByID(ctx, g2.ID)
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
	assert.Empty(t, e.provenance(t, g2.ID, "symbol"))

	to, ok, err := e.iw.IDMap().Get(ctx, e.store.DB(), "B", 200)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, g1.ID, to)
}

func TestAbortForgetsMappings(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()
	uni, uniSkel := e.sources(t, "UniProt")

	require.NoError(t, e.iw.BeginTransaction(ctx))
	_, err := e.iw.Store(ctx, gene(100, "P1", "foo"), uni, uniSkel)
	require.NoError(t, err)
	require.NoError(t, e.iw.AbortTransaction())

	_, ok, err := e.iw.IDMap().Get(ctx, e.store.DB(), "UniProt", 100)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, e.all(t, "Gene"))
}

func TestPriorityLists(t *testing.T) {
	model, err := metadata.LoadModel("testdata/genomic.yaml")
	require.NoError(t, err)
	prios := integration.NewPriorities(map[string][]string{
		"BioEntity.name": {"A"},
		"Gene":           {"B"},
		"*":              {"C"},
	})
	gene := metadata.NewClassSet("Gene")
	assert.Equal(t, []string{"A"}, prios.List(model, gene, "name"))
	assert.Equal(t, []string{"B"}, prios.List(model, gene, "symbol"))
	assert.Equal(t, []string{"C"}, prios.List(model, metadata.NewClassSet("Organism"), "name"))

	specific := integration.NewPriorities(map[string][]string{
		"BioEntity.name": {"A"},
		"Gene.name":      {"D"},
	})
	assert.Equal(t, []string{"D"}, specific.List(model, gene, "name"))

	var none *integration.Priorities
	assert.Nil(t, none.List(model, gene, "name"))
}

func TestParsePriorities(t *testing.T) {
	_, err := integration.ParsePriorities([]byte("a.b.c: [X]\n"))
	assert.Error(t, err)
	_, err = integration.ParsePriorities([]byte("- not a map\n"))
	assert.Error(t, err)
	p, err := integration.ParsePriorities([]byte("Gene: [X, Y]\n"))
	require.NoError(t, err)
	model, err := metadata.LoadModel("testdata/genomic.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y"}, p.List(model, metadata.NewClassSet("Gene"), "symbol"))
}
