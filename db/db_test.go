package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/lakehouse"
	"github.com/TFMV/lakehouse/schema"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "gold", "fraud_analysis.sqlite"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func goldRecord(t *testing.T, rows ...[]float64) arrow.Record {
	t.Helper()
	b, err := schema.NewRowBuilder(schema.Float64s("Time", "Amount", "Class", "density"))
	require.NoError(t, err)
	defer b.Release()
	for _, r := range rows {
		valid := make([]bool, len(r))
		for i := range r {
			valid[i] = r[i] >= 0
		}
		require.NoError(t, b.Append(r, valid))
	}
	return b.NewRecord()
}

func TestReplaceTableRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := goldRecord(t, []float64{0, 100, 0, -1}, []float64{9, 100, 1, 10.5})
	defer rec.Release()

	require.NoError(t, db.ReplaceTable(ctx, "final_transactions", rec))

	got, err := db.ReadTable(ctx, "final_transactions")
	require.NoError(t, err)
	defer got.Release()

	assert.Equal(t, int64(2), got.NumRows())
	assert.Equal(t, []string{"Time", "Amount", "Class", "density"}, schema.FromArrow(got.Schema()).Names())

	// only the class label is stored as an integer
	assert.Equal(t, arrow.FLOAT64, got.Column(0).DataType().ID())
	assert.Equal(t, arrow.FLOAT64, got.Column(1).DataType().ID())
	assert.Equal(t, arrow.INT64, got.Column(2).DataType().ID())
	assert.Equal(t, []float64{0, 9}, got.Column(0).(*array.Float64).Float64Values())
	assert.Equal(t, []int64{0, 1}, got.Column(2).(*array.Int64).Int64Values())

	density := got.Column(3)
	assert.Equal(t, arrow.FLOAT64, density.DataType().ID())
	assert.True(t, density.IsNull(0))
	assert.Equal(t, 10.5, density.(*array.Float64).Value(1))
}

func TestReplaceTableTypesFollowSchema(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	whole := goldRecord(t, []float64{0, 100, 0, 100}, []float64{9, 100, 0, 10})
	defer whole.Release()
	fractional := goldRecord(t, []float64{0, 2.5, 1, 2.5})
	defer fractional.Release()

	var types [][]arrow.Type
	for _, rec := range []arrow.Record{whole, fractional} {
		require.NoError(t, db.ReplaceTable(ctx, "final_transactions", rec))
		got, err := db.ReadTable(ctx, "final_transactions")
		require.NoError(t, err)
		var ids []arrow.Type
		for _, f := range got.Schema().Fields() {
			ids = append(ids, f.Type.ID())
		}
		types = append(types, ids)
		got.Release()
	}
	assert.Equal(t, []arrow.Type{arrow.FLOAT64, arrow.FLOAT64, arrow.INT64, arrow.FLOAT64}, types[0])
	assert.Equal(t, types[0], types[1])
}

func TestReplaceTableRejectsFractionalLabel(t *testing.T) {
	db := openTestDB(t)

	rec := goldRecord(t, []float64{0, 1, 0.5, 0})
	defer rec.Release()

	err := db.ReplaceTable(context.Background(), "final_transactions", rec)
	assert.ErrorIs(t, err, lakehouse.ErrStoreWriteFailure)
}

func TestWithIntegerColumns(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "gold.sqlite"), zap.NewNop(), WithIntegerColumns("Time"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	rec := goldRecord(t, []float64{3, 1.5, 0, 1})
	defer rec.Release()
	require.NoError(t, db.ReplaceTable(ctx, "t", rec))

	sc, n, err := db.TableInfo(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, arrow.INT64, sc.Field(0).Type.ID())
	assert.Equal(t, arrow.FLOAT64, sc.Field(2).Type.ID())
}

func TestTableInfo(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := goldRecord(t, []float64{0, 1, 0, 0}, []float64{1, 2, 1, 1}, []float64{2, 3, 0, 1})
	defer rec.Release()
	require.NoError(t, db.ReplaceTable(ctx, "final_transactions", rec))

	sc, n, err := db.TableInfo(ctx, "final_transactions")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, []string{"Time", "Amount", "Class", "density"}, schema.FromArrow(sc).Names())

	got, err := db.ReadTable(ctx, "final_transactions")
	require.NoError(t, err)
	defer got.Release()
	assert.True(t, sc.Equal(got.Schema()))

	_, _, err = db.TableInfo(ctx, "nope")
	assert.ErrorIs(t, err, ErrNoSuchTable)
}

func TestStaleReadIsNotCached(t *testing.T) {
	db := openTestDB(t)

	rec := goldRecord(t, []float64{0, 1, 0, 0})
	defer rec.Release()

	// a read that started before a replace finished must not be cached
	gen := db.generation("final_transactions")
	db.invalidate("final_transactions")
	assert.False(t, db.cacheIfCurrent("final_transactions", gen, rec))
	_, ok := db.cache.Get("final_transactions")
	assert.False(t, ok)

	gen = db.generation("final_transactions")
	assert.True(t, db.cacheIfCurrent("final_transactions", gen, rec))
	_, ok = db.cache.Get("final_transactions")
	assert.True(t, ok)
}

func TestReplaceTableIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := goldRecord(t, []float64{0, 1.5, 0, 0}, []float64{1, 2.5, 0, 2.5}, []float64{2, 3.5, 1, 1.75})
	defer first.Release()
	second := goldRecord(t, []float64{5, 7.25, 1, 1.45})
	defer second.Release()

	require.NoError(t, db.ReplaceTable(ctx, "final_transactions", first))
	require.NoError(t, db.ReplaceTable(ctx, "final_transactions", first))

	got, err := db.ReadTable(ctx, "final_transactions")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.NumRows())
	got.Release()

	// a replace invalidates the cached snapshot
	require.NoError(t, db.ReplaceTable(ctx, "final_transactions", second))
	got, err = db.ReadTable(ctx, "final_transactions")
	require.NoError(t, err)
	defer got.Release()
	assert.Equal(t, int64(1), got.NumRows())
	assert.Equal(t, 7.25, got.Column(1).(*array.Float64).Value(0))
}

func TestReplaceTableManyRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rows := make([][]float64, 2500)
	for i := range rows {
		rows[i] = []float64{float64(i), float64(i) + 0.5, float64(i % 2), 1}
	}
	rec := goldRecord(t, rows...)
	defer rec.Release()

	require.NoError(t, db.ReplaceTable(ctx, "final_transactions", rec))
	got, err := db.ReadTable(ctx, "final_transactions")
	require.NoError(t, err)
	defer got.Release()
	assert.Equal(t, int64(2500), got.NumRows())
}

func TestReplaceTableEmptyRecord(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := schema.Empty(schema.Float64s("Time", "Amount"))
	defer rec.Release()

	require.NoError(t, db.ReplaceTable(ctx, "empty", rec))
	got, err := db.ReadTable(ctx, "empty")
	require.NoError(t, err)
	defer got.Release()
	assert.Equal(t, int64(0), got.NumRows())
	assert.Equal(t, 2, int(got.NumCols()))
}

func TestReplaceTableUnsupportedType(t *testing.T) {
	db := openTestDB(t)

	b := array.NewRecordBuilder(schema.Pool, arrow.NewSchema([]arrow.Field{
		{Name: "when", Type: arrow.FixedWidthTypes.Date32},
	}, nil))
	defer b.Release()
	b.Field(0).(*array.Date32Builder).Append(1)
	rec := b.NewRecord()
	defer rec.Release()

	err := db.ReplaceTable(context.Background(), "bad", rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, lakehouse.ErrStoreWriteFailure))
}

func TestTablesAndMissingTable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	names, err := db.Tables(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	rec := goldRecord(t, []float64{0, 1, 0, 0})
	defer rec.Release()
	require.NoError(t, db.ReplaceTable(ctx, "final_transactions", rec))

	names, err = db.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"final_transactions"}, names)

	_, err = db.ReadTable(ctx, "nope")
	assert.ErrorIs(t, err, ErrNoSuchTable)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"plain"`, quoteIdent("plain"))
	assert.Equal(t, `"we""ird"`, quoteIdent(`we"ird`))
}
