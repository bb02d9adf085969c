package storage_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ha1tch/olumine/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLiteTest(t *testing.T) *storage.DB {
	t.Helper()

	db, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "olumine-test.db"),
	})
	require.NoError(t, err)
	require.NotNil(t, db)

	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenUnknownDialect(t *testing.T) {
	_, err := storage.Open(context.Background(), storage.Config{Driver: "oracle"})
	assert.ErrorIs(t, err, storage.ErrUnknownDialect)
	assert.Equal(t, []string{"postgres", "sqlite"}, storage.ListDialects())
}

func TestSQLiteNextVal(t *testing.T) {
	db := setupSQLiteTest(t)
	ctx := context.Background()

	// the sequence table does not exist yet and is created on first use
	first, err := db.Dialect.NextVal(ctx, db, "precomputedtablenumber")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	second, err := db.Dialect.NextVal(ctx, db, "precomputedtablenumber")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second)

	other, err := db.Dialect.NextVal(ctx, db, "serial")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func TestSQLiteColumns(t *testing.T) {
	db := setupSQLiteTest(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `CREATE TABLE gene (id BIGINT, length INTEGER, symbol TEXT)`)
	require.NoError(t, err)

	cols, err := db.Dialect.Columns(ctx, db, "gene", "length")
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, "INTEGER", cols[0].Type)
	assert.True(t, storage.IsIntegerType(cols[0].Type))

	cols, err = db.Dialect.Columns(ctx, db, "gene", "symbol")
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.False(t, storage.IsIntegerType(cols[0].Type))

	cols, err = db.Dialect.Columns(ctx, db, "gene", "missing")
	require.NoError(t, err)
	assert.Empty(t, cols)
}

func TestSQLiteExplain(t *testing.T) {
	db := setupSQLiteTest(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `CREATE TABLE gene (id BIGINT, symbol TEXT)`)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		_, err := db.ExecContext(ctx, `INSERT INTO gene (id, symbol) VALUES (?, ?)`, i, "g")
		require.NoError(t, err)
	}

	res, err := db.Dialect.Explain(ctx, db, `SELECT a1_.id AS a1_id FROM gene AS a1_ WHERE a1_.symbol = ?`, []interface{}{"g"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.Rows)
	assert.Equal(t, int64(1), res.Time)

	// a self join multiplies the loops
	res, err = db.Dialect.Explain(ctx, db, `SELECT a1_.id AS a1_id FROM gene AS a1_, gene AS a2_ WHERE a1_.symbol = a2_.symbol`, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Rows, int64(50))
}

func TestWithTx(t *testing.T) {
	db := setupSQLiteTest(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = storage.WithTx(ctx, db.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO t (v) VALUES (1)`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = storage.WithTx(ctx, db.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO t (v) VALUES (2)`)
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM t`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSQLiteCompositeOrderBy(t *testing.T) {
	db := setupSQLiteTest(t)
	ctx := context.Background()

	expr := db.Dialect.CompositeOrderBy([]string{"a", "b"})
	assert.Equal(t, "printf('%020d', a) || printf('%020d', b)", expr)

	_, err := db.ExecContext(ctx, `CREATE TABLE pairs (a INTEGER, b INTEGER)`)
	require.NoError(t, err)
	for _, p := range [][2]int64{{2, 1}, {1, 99999}, {1, 3}, {10, 0}} {
		_, err := db.ExecContext(ctx, `INSERT INTO pairs VALUES (?, ?)`, p[0], p[1])
		require.NoError(t, err)
	}

	rows, err := db.QueryContext(ctx, `SELECT a, b FROM pairs ORDER BY `+expr)
	require.NoError(t, err)
	defer rows.Close()

	var got [][2]int64
	for rows.Next() {
		var p [2]int64
		require.NoError(t, rows.Scan(&p[0], &p[1]))
		got = append(got, p)
	}
	assert.Equal(t, [][2]int64{{1, 3}, {1, 99999}, {2, 1}, {10, 0}}, got)
}
