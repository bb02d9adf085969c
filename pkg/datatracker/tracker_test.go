package datatracker_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ha1tch/olumine/pkg/cache"
	"github.com/ha1tch/olumine/pkg/datatracker"
	"github.com/ha1tch/olumine/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTrackerTest(t *testing.T, commitSize int) (*storage.DB, *datatracker.Tracker) {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tracker.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, datatracker.CreateTables(ctx, db))

	tr := datatracker.New(db.Dialect, cache.NewMemoryCache(100, 0), commitSize, zerolog.Nop())
	return db, tr
}

func countRows(t *testing.T, db *storage.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM tracker").Scan(&n))
	return n
}

func TestStringToSource(t *testing.T) {
	db, tr := setupTrackerTest(t, 0)
	ctx := context.Background()

	uniprot, err := tr.StringToSource(ctx, db, "UniProt", false)
	require.NoError(t, err)
	skel, err := tr.StringToSource(ctx, db, "skel_UniProt", true)
	require.NoError(t, err)
	again, err := tr.StringToSource(ctx, db, "UniProt", false)
	require.NoError(t, err)

	assert.Same(t, uniprot, again)
	assert.NotEqual(t, uniprot.ID, skel.ID)
	assert.True(t, skel.Skeleton)

	// a second tracker finds the persisted source
	other := datatracker.New(db.Dialect, nil, 0, zerolog.Nop())
	found, err := other.StringToSource(ctx, db, "UniProt", false)
	require.NoError(t, err)
	assert.True(t, uniprot.Equal(found))
}

func TestSetAndGetSource(t *testing.T) {
	db, tr := setupTrackerTest(t, 0)
	ctx := context.Background()
	src, err := tr.StringToSource(ctx, db, "RefSeq", false)
	require.NoError(t, err)

	require.NoError(t, tr.SetSource(ctx, db, 10, "symbol", src))
	assert.Equal(t, 1, tr.Pending())
	assert.Equal(t, 0, countRows(t, db))

	got, err := tr.GetSource(ctx, db, 10, "symbol")
	require.NoError(t, err)
	assert.True(t, src.Equal(got))

	require.NoError(t, tr.Flush(ctx, db))
	assert.Equal(t, 1, countRows(t, db))

	reader := datatracker.New(db.Dialect, nil, 0, zerolog.Nop())
	got, err = reader.GetSource(ctx, db, 10, "symbol")
	require.NoError(t, err)
	assert.Equal(t, "RefSeq", got.Name)

	missing, err := reader.GetSource(ctx, db, 10, "name")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEarlyFlush(t *testing.T) {
	db, tr := setupTrackerTest(t, 2)
	ctx := context.Background()
	src, err := tr.StringToSource(ctx, db, "RefSeq", false)
	require.NoError(t, err)

	require.NoError(t, tr.SetSource(ctx, db, 1, "a", src))
	assert.Equal(t, 0, countRows(t, db))
	require.NoError(t, tr.SetSource(ctx, db, 1, "b", src))
	assert.Equal(t, 2, countRows(t, db))
	assert.Equal(t, 0, tr.Pending())
}

func TestClearObjSkipsDatabase(t *testing.T) {
	db, tr := setupTrackerTest(t, 0)
	ctx := context.Background()
	src, err := tr.StringToSource(ctx, db, "RefSeq", false)
	require.NoError(t, err)

	// a stale row left behind for a reused id
	_, err = db.ExecContext(ctx, "INSERT INTO tracker (objectid, fieldname, sourceid) VALUES (5, 'symbol', ?)", src.ID)
	require.NoError(t, err)

	tr.ClearObj(5)
	got, err := tr.GetSource(ctx, db, 5, "symbol")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteObj(t *testing.T) {
	db, tr := setupTrackerTest(t, 0)
	ctx := context.Background()
	src, err := tr.StringToSource(ctx, db, "RefSeq", false)
	require.NoError(t, err)

	require.NoError(t, tr.SetSource(ctx, db, 7, "symbol", src))
	require.NoError(t, tr.SetSource(ctx, db, 8, "symbol", src))
	require.NoError(t, tr.Flush(ctx, db))

	// populate the cache, then delete
	_, err = tr.GetSource(ctx, db, 7, "symbol")
	require.NoError(t, err)
	tr.DeleteObj(7)
	got, err := tr.GetSource(ctx, db, 7, "symbol")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, tr.Flush(ctx, db))
	assert.Equal(t, 1, countRows(t, db))
	got, err = tr.GetSource(ctx, db, 7, "symbol")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDiscard(t *testing.T) {
	db, tr := setupTrackerTest(t, 0)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	src, err := tr.StringToSource(ctx, tx, "Ensembl", false)
	require.NoError(t, err)
	require.NoError(t, tr.SetSource(ctx, tx, 3, "symbol", src))
	require.NoError(t, tx.Rollback())
	tr.Discard()

	assert.Equal(t, 0, tr.Pending())
	again, err := tr.StringToSource(ctx, db, "Ensembl", false)
	require.NoError(t, err)
	assert.Equal(t, "Ensembl", again.Name)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM source WHERE name = 'Ensembl'").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestDiscardAfterEarlyFlush(t *testing.T) {
	db, tr := setupTrackerTest(t, 1)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	src, err := tr.StringToSource(ctx, tx, "RefSeq", false)
	require.NoError(t, err)
	require.NoError(t, tr.SetSource(ctx, tx, 7, "name", src))
	assert.Equal(t, 0, tr.Pending())

	got, err := tr.GetSource(ctx, tx, 7, "name")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "RefSeq", got.Name)

	require.NoError(t, tx.Rollback())
	tr.Discard()

	got, err = tr.GetSource(ctx, db, 7, "name")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, countRows(t, db))
}

func TestCommittedProvenanceIsCached(t *testing.T) {
	db, tr := setupTrackerTest(t, 1)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	src, err := tr.StringToSource(ctx, tx, "RefSeq", false)
	require.NoError(t, err)
	require.NoError(t, tr.SetSource(ctx, tx, 8, "name", src))
	require.NoError(t, tx.Commit())
	tr.Committed()

	got, err := tr.GetSource(ctx, db, 8, "name")
	require.NoError(t, err)
	require.NotNil(t, got)

	_, err = db.ExecContext(ctx, "DELETE FROM tracker WHERE objectid = 8")
	require.NoError(t, err)
	// the committed row is served from the cache
	got, err = tr.GetSource(ctx, db, 8, "name")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "RefSeq", got.Name)
}
