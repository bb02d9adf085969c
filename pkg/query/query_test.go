package query_test

import (
	"testing"

	"github.com/ha1tch/olumine/pkg/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryString(t *testing.T) {
	gene := query.NewQueryClass("Gene")
	org := query.NewQueryClass("Organism")
	symbol := query.NewQueryField(gene, "symbol")

	q := query.New().AddFrom(gene).AddFrom(org).
		AddToSelect(gene).AddToSelect(symbol).
		SetConstraint(query.NewConstraintSet(query.And,
			query.NewSimpleConstraint(symbol, query.Equals, query.NewQueryValue("eve")),
			query.NewContainsConstraint(query.NewQueryReference(gene, "organism"), query.Contains, org),
			query.NewBagConstraint(query.NewQueryField(org, "taxonId"), query.In, int64(7227), int64(9606)),
		)).
		AddToOrderByDesc(symbol).
		SetDistinct(true)

	assert.Equal(t,
		`SELECT DISTINCT a1_, a1_.symbol FROM Gene AS a1_, Organism AS a2_ WHERE AND(a1_.symbol = "eve", a1_.organism CONTAINS a2_, a2_.taxonId IN (7227, 9606)) ORDER BY a1_.symbol DESC`,
		q.String())
	assert.Equal(t, "a2_", q.Alias(org))
	assert.Equal(t, 1, q.SelectIndex(query.NewQueryField(gene, "symbol")))
}

func TestAddFromIsIdempotent(t *testing.T) {
	gene := query.NewQueryClass("Gene")
	q := query.New().AddFrom(gene).AddFrom(gene)
	assert.Len(t, q.From(), 1)
}

func TestFirstOrderNode(t *testing.T) {
	gene := query.NewQueryClass("Gene")
	q := query.New().AddFrom(gene)

	_, ok := q.FirstOrderNode()
	assert.False(t, ok)

	q.AddToSelect(gene)
	item, ok := q.FirstOrderNode()
	require.True(t, ok)
	assert.Same(t, gene, item.Node)

	length := query.NewQueryField(gene, "length")
	q.AddToOrderByDesc(length)
	item, _ = q.FirstOrderNode()
	assert.Same(t, length, item.Node)
	assert.True(t, item.Desc)
}

func TestDecode(t *testing.T) {
	data := `{
		"from": [{"alias": "g", "class": "Gene"}, {"alias": "o", "class": "Organism"}],
		"select": ["g", "g.symbol"],
		"where": {"and": [
			{"path": "g.symbol", "op": "=", "value": "eve"},
			{"path": "g.length", "op": ">", "value": 100},
			{"path": "g.organism", "op": "CONTAINS", "target": "o"},
			{"path": "g.publications", "op": "does not contain", "ids": [4, 5]},
			{"path": "g.name", "op": "IS NULL"},
			{"or": [{"path": "g", "op": "=", "ids": [3]}, {"path": "o.taxonId", "op": "IN", "values": [7227, 1.5]}]}
		]},
		"order_by": ["-g.symbol", "g"],
		"distinct": true
	}`

	q, err := query.Decode([]byte(data))
	require.NoError(t, err)

	require.Len(t, q.From(), 2)
	require.Len(t, q.Select, 2)
	assert.True(t, q.Distinct)

	// the same path decodes to the same node
	assert.Same(t, q.Select[1], q.OrderBy[0].Node)
	assert.True(t, q.OrderBy[0].Desc)

	set, ok := q.Where.(*query.ConstraintSet)
	require.True(t, ok)
	require.Len(t, set.Constraints, 6)

	length := set.Constraints[1].(*query.SimpleConstraint)
	assert.Equal(t, int64(100), length.Right.(*query.QueryValue).Value)

	notContains := set.Constraints[3].(*query.ContainsConstraint)
	assert.Equal(t, query.DoesNotContain, notContains.Op)
	assert.Equal(t, []int64{4, 5}, notContains.IDs)

	nested := set.Constraints[5].(*query.ConstraintSet)
	assert.Equal(t, query.Or, nested.Op)
	cc := nested.Constraints[0].(*query.ClassConstraint)
	assert.Equal(t, int64(3), cc.ObjectID)
	bag := nested.Constraints[1].(*query.BagConstraint)
	assert.Equal(t, []interface{}{int64(7227), 1.5}, bag.Bag)
}

func TestDecodeErrors(t *testing.T) {
	tests := map[string]string{
		"bad json":       `{"from": [`,
		"unknown alias":  `{"from": [{"alias": "g", "class": "Gene"}], "select": ["x"]}`,
		"duplicate":      `{"from": [{"alias": "g", "class": "Gene"}, {"alias": "g", "class": "Gene"}]}`,
		"unknown op":     `{"from": [{"alias": "g", "class": "Gene"}], "where": {"path": "g.a", "op": "~"}}`,
		"class no id":    `{"from": [{"alias": "g", "class": "Gene"}], "where": {"path": "g", "op": "="}}`,
		"null on class":  `{"from": [{"alias": "g", "class": "Gene"}], "where": {"path": "g", "op": "IS NULL"}}`,
		"contains alias": `{"from": [{"alias": "g", "class": "Gene"}], "where": {"path": "g", "op": "CONTAINS"}}`,
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := query.Decode([]byte(data))
			assert.ErrorIs(t, err, query.ErrMalformed)
		})
	}
}
