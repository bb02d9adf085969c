package dataloader_test

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ha1tch/olumine/pkg/dataloader"
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

func openStore(t *testing.T, name string) *objectstore.ObjectStore {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), name+".db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	model, err := metadata.LoadModel("testdata/genomic.yaml")
	require.NoError(t, err)
	schema, err := dbschema.New(model, nil, nil, nil)
	require.NoError(t, err)
	store, err := objectstore.New(db, objectstore.Options{Schema: schema, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateSchema(ctx))
	return store
}

// populate writes an organism, three genes and a publication that is
// stored after the gene referencing it.
func populate(t *testing.T, store *objectstore.ObjectStore) {
	t.Helper()
	ctx := context.Background()
	w, err := store.NewWriter()
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.BeginTransaction(ctx))
	org := models.NewObject(0, "Organism").Set("taxonId", int64(7227)).Set("name", "fly")
	require.NoError(t, w.StoreObject(ctx, org))
	pubID, err := w.NewID(ctx)
	require.NoError(t, err)
	for _, symbol := range []string{"eve", "ftz", "h"} {
		g := models.NewObject(0, "Gene").
			Set("primaryIdentifier", "FB"+symbol).
			Set("symbol", symbol).
			SetRef("organism", models.Unresolved(org.ID))
		if symbol == "eve" {
			g.SetCollection("publications", []*models.Reference{models.Unresolved(pubID)})
		}
		require.NoError(t, w.StoreObject(ctx, g))
	}
	require.NoError(t, w.StoreObject(ctx, models.NewObject(pubID, "Publication").Set("pubMedId", "123")))
	require.NoError(t, w.CommitTransaction())
}

func count(t *testing.T, store *objectstore.ObjectStore, class string) int64 {
	t.Helper()
	qc := query.NewQueryClass(class)
	n, err := store.Count(context.Background(), query.New().AddFrom(qc).AddToSelect(qc), objectstore.AnySequence)
	require.NoError(t, err)
	return n
}

func TestProcess(t *testing.T) {
	ctx := context.Background()
	src := openStore(t, "source")
	populate(t, src)

	dest := openStore(t, "warehouse")
	require.NoError(t, integration.CreateTables(ctx, dest.DB()))
	osw, err := dest.NewWriter()
	require.NoError(t, err)
	tracker := datatracker.New(dest.DB().Dialect, nil, 0, zerolog.Nop())
	iw, err := integration.New(osw, tracker, integration.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer iw.Close(ctx)

	main, err := iw.GetMainSource(ctx, "FlyBase")
	require.NoError(t, err)
	skel, err := iw.GetSkeletonSource(ctx, "FlyBase")
	require.NoError(t, err)

	var logs bytes.Buffer
	loader := dataloader.New(iw, dataloader.Options{BatchSize: 2, Logger: zerolog.New(&logs)})
	stats, err := loader.Process(ctx, src, main, skel)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Objects)
	assert.NotEmpty(t, stats.RunID)
	assert.False(t, iw.IsInTransaction())
	assert.Equal(t, 2, strings.Count(logs.String(), "Loaded batch"))
	assert.Contains(t, logs.String(), stats.RunID)

	assert.Equal(t, int64(1), count(t, dest, "Organism"))
	assert.Equal(t, int64(3), count(t, dest, "Gene"))
	assert.Equal(t, int64(1), count(t, dest, "Publication"))

	pubs, err := dest.Execute(ctx, func() *query.Query {
		qc := query.NewQueryClass("Publication")
		return query.New().AddFrom(qc).AddToSelect(qc)
	}(), 0, objectstore.NoLimit, false, false, objectstore.AnySequence)
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	pub := pubs[0][0].(*models.Object)
	prov, err := tracker.GetSource(ctx, dest.DB(), pub.ID, "pubMedId")
	require.NoError(t, err)
	assert.Equal(t, "FlyBase", prov.Name)

	again, err := loader.Process(ctx, src, main, skel)
	require.NoError(t, err)
	assert.Equal(t, int64(5), again.Objects)
	assert.NotEqual(t, stats.RunID, again.RunID)
	assert.Equal(t, int64(3), count(t, dest, "Gene"))
	assert.Equal(t, int64(1), count(t, dest, "Organism"))
}

func TestProcessCancelled(t *testing.T) {
	src := openStore(t, "source")
	populate(t, src)
	dest := openStore(t, "warehouse")
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, integration.CreateTables(ctx, dest.DB()))
	osw, err := dest.NewWriter()
	require.NoError(t, err)
	iw, err := integration.New(osw, datatracker.New(dest.DB().Dialect, nil, 0, zerolog.Nop()), integration.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	main, err := iw.GetMainSource(ctx, "FlyBase")
	require.NoError(t, err)
	skel, err := iw.GetSkeletonSource(ctx, "FlyBase")
	require.NoError(t, err)

	cancel()
	_, err = dataloader.New(iw, dataloader.Options{Logger: zerolog.Nop()}).Process(ctx, src, main, skel)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, iw.IsInTransaction())
	assert.Zero(t, count(t, dest, "Gene"))
}
