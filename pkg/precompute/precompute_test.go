package precompute_test

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ha1tch/olumine/pkg/dbschema"
	"github.com/ha1tch/olumine/pkg/metadata"
	"github.com/ha1tch/olumine/pkg/precompute"
	"github.com/ha1tch/olumine/pkg/query"
	"github.com/ha1tch/olumine/pkg/sqlgen"
	"github.com/ha1tch/olumine/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOrderBy(t *testing.T) {
	v, err := precompute.EncodeOrderBy(big.NewInt(3), big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, "300000000000000000007", v.String())

	lead, _ := new(big.Int).SetString("12345678901234567890123", 10)
	tuple := []*big.Int{lead, big.NewInt(0), big.NewInt(99999)}
	v, err = precompute.EncodeOrderBy(tuple...)
	require.NoError(t, err)
	decoded := precompute.DecodeOrderBy(v, 3)
	require.Len(t, decoded, len(tuple))
	for i := range tuple {
		assert.Zero(t, tuple[i].Cmp(decoded[i]), "block %d: %s != %s", i, tuple[i], decoded[i])
	}

	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil)
	_, err = precompute.EncodeOrderBy(big.NewInt(1), limit)
	assert.ErrorIs(t, err, precompute.ErrOrderByRange)

	_, err = precompute.EncodeOrderBy(big.NewInt(-1))
	assert.ErrorIs(t, err, precompute.ErrOrderByRange)
}

func TestEncodeOrderByPreservesOrder(t *testing.T) {
	tuples := [][2]int64{{0, 5}, {0, 6}, {1, 0}, {1, 99999999}, {2, 1}}
	var prev *big.Int
	for _, tuple := range tuples {
		v, err := precompute.EncodeOrderBy(big.NewInt(tuple[0]), big.NewInt(tuple[1]))
		require.NoError(t, err)
		if prev != nil {
			assert.Equal(t, 1, v.Cmp(prev), "tuple %v", tuple)
		}
		prev = v
	}
}

type fixture struct {
	db     *storage.DB
	schema *dbschema.Schema
	gene   *query.QueryClass
}

func setupPrecomputeTest(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pt.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.ExecContext(ctx, `CREATE TABLE gene (id BIGINT, object TEXT, classes TEXT, length INTEGER, symbol TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO gene (id, object, classes, length, symbol) VALUES
		(1, 'g1', ' Gene ', 30, 'c'), (2, 'g2', ' Gene ', 10, 'b'), (3, 'g3', ' Gene ', 10, 'a')`)
	require.NoError(t, err)

	model, err := metadata.LoadModel("testdata/genomic.yaml")
	require.NoError(t, err)
	schema, err := dbschema.New(model, nil, nil, nil)
	require.NoError(t, err)
	return &fixture{db: db, schema: schema, gene: query.NewQueryClass("Gene")}
}

func (f *fixture) lengthQuery() *query.Query {
	return query.New().AddFrom(f.gene).AddToSelect(query.NewQueryField(f.gene, "length")).AddToSelect(f.gene)
}

func TestCompositeTable(t *testing.T) {
	f := setupPrecomputeTest(t)
	ctx := context.Background()
	q := f.lengthQuery()

	stmt, err := sqlgen.Generate(q, 0, sqlgen.NoLimit, f.schema, f.db.Dialect)
	require.NoError(t, err)
	table, err := precompute.NewTable(ctx, q, stmt, "pt_1", f.db, f.db.Dialect, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, table.OrderByField)

	m := precompute.NewManager(zerolog.Nop())
	require.NoError(t, m.Add(ctx, f.db, table))
	require.Len(t, m.Tables(), 1)

	paged, err := sqlgen.Generate(q, 1, 2, f.schema, f.db.Dialect)
	require.NoError(t, err)
	sql, ok := m.Optimise(paged, f.db.Dialect)
	require.True(t, ok)
	assert.Equal(t, "SELECT pt.a1_length AS a1_length, pt.a1_ AS a1_, pt.a1_id AS a1_id FROM pt_1 AS pt ORDER BY pt.orderby_field LIMIT 2 OFFSET 1", sql)

	rows, err := f.db.QueryContext(ctx, sql)
	require.NoError(t, err)
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var length, id int64
		var object string
		require.NoError(t, rows.Scan(&length, &object, &id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	// full order is (10,2), (10,3), (30,1)
	assert.Equal(t, []int64{3, 1}, ids)
}

func TestNegativeValuesKeepColumnOrder(t *testing.T) {
	f := setupPrecomputeTest(t)
	ctx := context.Background()
	_, err := f.db.ExecContext(ctx, `UPDATE gene SET length = -5 WHERE id = 1`)
	require.NoError(t, err)
	_, err = f.db.ExecContext(ctx, `UPDATE gene SET length = -10 WHERE id = 2`)
	require.NoError(t, err)
	q := f.lengthQuery()

	stmt, err := sqlgen.Generate(q, 0, sqlgen.NoLimit, f.schema, f.db.Dialect)
	require.NoError(t, err)
	table, err := precompute.NewTable(ctx, q, stmt, "pt_1", f.db, f.db.Dialect, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, table.OrderByField)

	m := precompute.NewManager(zerolog.Nop())
	require.NoError(t, m.Add(ctx, f.db, table))
	sql, ok := m.Optimise(stmt, f.db.Dialect)
	require.True(t, ok)

	ids := func(sql string, args ...interface{}) []int64 {
		rows, err := f.db.QueryContext(ctx, sql, args...)
		require.NoError(t, err)
		defer rows.Close()
		var out []int64
		for rows.Next() {
			var length, id int64
			var object string
			require.NoError(t, rows.Scan(&length, &object, &id))
			out = append(out, id)
		}
		require.NoError(t, rows.Err())
		return out
	}
	direct := ids(stmt.SQL(), stmt.Args()...)
	assert.Equal(t, []int64{2, 1, 3}, direct)
	assert.Equal(t, direct, ids(sql))
}

func TestNonCompositeTables(t *testing.T) {
	f := setupPrecomputeTest(t)
	ctx := context.Background()

	single := query.New().AddFrom(f.gene).AddToSelect(f.gene)
	textual := query.New().AddFrom(f.gene).AddToSelect(query.NewQueryField(f.gene, "symbol")).AddToSelect(f.gene)

	for _, q := range []*query.Query{single, textual} {
		stmt, err := sqlgen.Generate(q, 0, sqlgen.NoLimit, f.schema, f.db.Dialect)
		require.NoError(t, err)
		table, err := precompute.NewTable(ctx, q, stmt, "pt_9", f.db, f.db.Dialect, zerolog.Nop())
		require.NoError(t, err)
		assert.False(t, table.OrderByField, q.String())
		assert.Equal(t, "CREATE TABLE pt_9 AS "+stmt.Core(), table.GenerationSQL)
	}
}

func TestOptimiseRequiresMatchingCore(t *testing.T) {
	f := setupPrecomputeTest(t)
	ctx := context.Background()
	q := f.lengthQuery()

	stmt, err := sqlgen.Generate(q, 0, sqlgen.NoLimit, f.schema, f.db.Dialect)
	require.NoError(t, err)
	table, err := precompute.NewTable(ctx, q, stmt, "pt_1", f.db, f.db.Dialect, zerolog.Nop())
	require.NoError(t, err)
	m := precompute.NewManager(zerolog.Nop())
	require.NoError(t, m.Add(ctx, f.db, table))

	other := query.New().AddFrom(f.gene).AddToSelect(f.gene)
	otherStmt, err := sqlgen.Generate(other, 0, 10, f.schema, f.db.Dialect)
	require.NoError(t, err)
	_, ok := m.Optimise(otherStmt, f.db.Dialect)
	assert.False(t, ok)
}

func TestDropEverything(t *testing.T) {
	f := setupPrecomputeTest(t)
	ctx := context.Background()
	q := f.lengthQuery()

	stmt, err := sqlgen.Generate(q, 0, sqlgen.NoLimit, f.schema, f.db.Dialect)
	require.NoError(t, err)
	table, err := precompute.NewTable(ctx, q, stmt, "pt_1", f.db, f.db.Dialect, zerolog.Nop())
	require.NoError(t, err)
	m := precompute.NewManager(zerolog.Nop())
	require.NoError(t, m.Add(ctx, f.db, table))
	m.RegisterOffset(q.String(), 1, 10, int64(5))

	assert.Equal(t, 1, m.DropEverything(ctx, f.db))
	assert.Empty(t, m.Tables())
	_, _, ok := m.LookupOffset(q.String(), 1, 20)
	assert.False(t, ok)

	_, err = f.db.ExecContext(ctx, "SELECT * FROM pt_1")
	assert.Error(t, err)
}

func TestTableEqual(t *testing.T) {
	f := setupPrecomputeTest(t)
	q := f.lengthQuery()
	a := &precompute.Table{Query: q, Name: "pt_1"}
	b := &precompute.Table{Query: f.lengthQuery(), Name: "pt_1"}
	c := &precompute.Table{Query: q, Name: "pt_2"}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
}

func TestOffsets(t *testing.T) {
	m := precompute.NewManager(zerolog.Nop())
	m.RegisterOffset("q", 4, 100, int64(1000))
	m.RegisterOffset("q", 4, 200, int64(2000))
	m.RegisterOffset("q", 4, 0, int64(1))

	off, v, ok := m.LookupOffset("q", 4, 150)
	require.True(t, ok)
	assert.Equal(t, 100, off)
	assert.Equal(t, int64(1000), v)

	off, _, ok = m.LookupOffset("q", 4, 500)
	require.True(t, ok)
	assert.Equal(t, 200, off)

	_, _, ok = m.LookupOffset("q", 4, 50)
	assert.False(t, ok)

	// anchors from an older store sequence are not used
	_, _, ok = m.LookupOffset("q", 5, 150)
	assert.False(t, ok)
	m.RegisterOffset("q", 5, 10, int64(7))
	_, _, ok = m.LookupOffset("q", 4, 150)
	assert.False(t, ok)
}
