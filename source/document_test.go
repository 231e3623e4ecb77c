package source

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/TFMV/lakehouse"
	"github.com/TFMV/lakehouse/schema"
)

type fakeCollection struct {
	docs []interface{}
	err  error
}

func (f *fakeCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error) {
	if f.err != nil {
		return nil, f.err
	}
	return mongo.NewCursorFromDocuments(f.docs, nil, nil)
}

func TestDocumentExtract(t *testing.T) {
	coll := &fakeCollection{docs: []interface{}{
		bson.D{{Key: "_id", Value: primitive.NewObjectID()}, {Key: "Time", Value: int32(5)}, {Key: "Amount", Value: 12.5}, {Key: "Class", Value: int64(0)}},
		bson.D{{Key: "Time", Value: int32(9)}, {Key: "Amount", Value: nil}, {Key: "Class", Value: int64(1)}},
		bson.D{{Key: "Time", Value: int32(10)}, {Key: "Class", Value: int64(0)}},
	}}

	d := NewDocument(coll, "transactions_mongo", zap.NewNop())
	rec, err := d.Extract(context.Background())
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(3), rec.NumRows())
	assert.Equal(t, []string{"Time", "Amount", "Class"}, schema.FromArrow(rec.Schema()).Names())

	amount, err := schema.Float64Column(rec, "Amount")
	require.NoError(t, err)
	assert.Equal(t, 12.5, amount.Value(0))
	assert.True(t, amount.IsNull(1))
	assert.True(t, amount.IsNull(2))
}

func TestDocumentExtractUnavailable(t *testing.T) {
	d := NewDocument(&fakeCollection{err: errors.New("server selection timeout")}, "c", zap.NewNop())
	_, err := d.Extract(context.Background())
	assert.ErrorIs(t, err, lakehouse.ErrSourceUnavailable)
}

func TestFromDocumentsEmpty(t *testing.T) {
	rec, err := FromDocuments(nil)
	require.NoError(t, err)
	defer rec.Release()
	assert.Equal(t, int64(0), rec.NumRows())
	assert.Equal(t, int64(0), rec.NumCols())
}

func TestFromDocumentsValueTypes(t *testing.T) {
	dec, err := primitive.ParseDecimal128("42.75")
	require.NoError(t, err)

	rec, err := FromDocuments([]bson.D{{
		{Key: "a", Value: dec},
		{Key: "b", Value: true},
		{Key: "c", Value: "3.5"},
		{Key: "d", Value: primitive.Null{}},
	}})
	require.NoError(t, err)
	defer rec.Release()

	for name, want := range map[string]float64{"a": 42.75, "b": 1, "c": 3.5} {
		col, err := schema.Float64Column(rec, name)
		require.NoError(t, err)
		assert.Equal(t, want, col.Value(0), name)
	}
	d, err := schema.Float64Column(rec, "d")
	require.NoError(t, err)
	assert.True(t, d.IsNull(0))

	_, err = FromDocuments([]bson.D{{{Key: "a", Value: "abc"}}})
	assert.Error(t, err)
}
