package models_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ha1tch/olumine/pkg/metadata"
	"github.com/ha1tch/olumine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingResolver struct {
	objects map[int64]*models.Object
	calls   int
}

func (r *countingResolver) GetObjectByID(ctx context.Context, id int64) (*models.Object, error) {
	r.calls++
	obj, ok := r.objects[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return obj, nil
}

func TestReferenceResolve(t *testing.T) {
	ctx := context.Background()
	target := models.NewObject(7, "Organism")
	res := &countingResolver{objects: map[int64]*models.Object{7: target}}

	ref := models.Unresolved(7)
	assert.False(t, ref.IsResolved())

	obj, err := ref.Resolve(ctx, res)
	require.NoError(t, err)
	assert.Same(t, target, obj)
	assert.True(t, ref.IsResolved())

	// a resolved reference does not fetch again
	_, err = ref.Resolve(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 1, res.calls)

	_, err = models.Unresolved(99).Resolve(ctx, res)
	assert.Error(t, err)
}

func TestObjectFields(t *testing.T) {
	o := models.NewObject(1, "Gene")
	o.Set("symbol", "eve").
		SetRef("organism", models.Unresolved(3)).
		AddToCollection("publications", models.Unresolved(10)).
		AddToCollection("publications", models.Unresolved(11))

	assert.Equal(t, "eve", o.Attr("symbol"))
	assert.Nil(t, o.Attr("organism"))
	assert.Equal(t, int64(3), o.Ref("organism").ID)
	assert.Len(t, o.Collection("publications"), 2)
	assert.Equal(t, []string{"organism", "publications", "symbol"}, o.FieldNames())

	o.Set("symbol", nil)
	assert.False(t, o.HasValue("symbol"))

	cp := o.Clone()
	cp.AddToCollection("publications", models.Unresolved(12))
	assert.Len(t, o.Collection("publications"), 2)
}

func TestEncodeDecodeObject(t *testing.T) {
	model, err := metadata.LoadModel("testdata/genomic.yaml")
	require.NoError(t, err)

	o := models.NewObject(42, "Gene", "Protein")
	o.Set("primaryIdentifier", "FBgn0000606").
		Set("length", int64(1520)).
		Set("isFragment", true).
		Set("molecularWeight", 12.5).
		SetRef("organism", models.Resolved(models.NewObject(5, "Organism"))).
		AddToCollection("publications", models.Unresolved(9))

	data, err := models.EncodeObject(o)
	require.NoError(t, err)

	back, err := models.DecodeObject(model, data)
	require.NoError(t, err)

	assert.Equal(t, int64(42), back.ID)
	assert.Equal(t, []string{"Gene", "Protein"}, back.Classes.Sorted())
	assert.Equal(t, int64(1520), back.Attr("length"))
	assert.Equal(t, true, back.Attr("isFragment"))
	assert.Equal(t, 12.5, back.Attr("molecularWeight"))
	assert.False(t, back.Ref("organism").IsResolved())
	assert.Equal(t, int64(5), back.Ref("organism").ID)
	assert.Equal(t, int64(9), back.Collection("publications")[0].ID)
}

func TestDecodeObjectUnknownField(t *testing.T) {
	model, err := metadata.LoadModel("testdata/genomic.yaml")
	require.NoError(t, err)

	_, err = models.DecodeObject(model, []byte(`{"id":1,"classes":["Organism"],"fields":{"symbol":"x"}}`))
	assert.ErrorIs(t, err, metadata.ErrUnknownField)
}

func TestCoerceAttribute(t *testing.T) {
	tests := []struct {
		typ  string
		in   interface{}
		want interface{}
		err  bool
	}{
		{metadata.TypeInt, 3, int64(3), false},
		{metadata.TypeInt, 3.0, int64(3), false},
		{metadata.TypeInt, 3.5, nil, true},
		{metadata.TypeBigInt, "12", int64(12), false},
		{metadata.TypeBoolean, int64(1), true, false},
		{metadata.TypeFloat, int64(2), 2.0, false},
		{metadata.TypeString, []byte("abc"), "abc", false},
		{metadata.TypeString, 5, nil, true},
		{metadata.TypeString, nil, nil, false},
	}

	for _, tt := range tests {
		got, err := models.CoerceAttribute(tt.typ, tt.in)
		if tt.err {
			assert.Error(t, err, "%s %v", tt.typ, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestSourceEqual(t *testing.T) {
	a := &models.Source{ID: 1, Name: "UniProt"}
	b := &models.Source{ID: 1, Name: "UniProt"}
	c := &models.Source{ID: 2, Name: "RefSeq"}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))

	var none *models.Source
	assert.True(t, none.Equal(nil))
}
