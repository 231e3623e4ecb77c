// Package transform cleans and enriches bronze record sets: missing
// amounts are imputed with the median and a density feature is derived.
package transform

import (
	"fmt"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"go.uber.org/zap"

	"github.com/TFMV/lakehouse"
	"github.com/TFMV/lakehouse/schema"
)

// ---------------------------------------------------------------------
// Median Imputation
// ---------------------------------------------------------------------

// missing reports whether row i of col holds no usable value. NaN counts
// as missing alongside null.
func missing(col *array.Float64, i int) bool {
	return col.IsNull(i) || math.IsNaN(col.Value(i))
}

// Median returns the median of the non-missing values of col. ok is false
// when every value is null or NaN.
func Median(col *array.Float64) (median float64, ok bool) {
	vals := make([]float64, 0, col.Len()-col.NullN())
	for i := 0; i < col.Len(); i++ {
		if !missing(col, i) {
			vals = append(vals, col.Value(i))
		}
	}
	if len(vals) == 0 {
		return 0, false
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid], true
	}
	return (vals[mid-1] + vals[mid]) / 2, true
}

// Imputation describes the outcome of ImputeMedian.
type Imputation struct {
	Column string
	Median float64
	// NoValues is set when the column held only nulls.
	NoValues bool
	// Rows holds the positions whose value was replaced.
	Rows *roaring.Bitmap
}

// ImputeMedian returns a copy of rec in which the missing (null or NaN)
// values of column are replaced by the column's median. When the column holds no values at
// all it is returned unchanged and the imputation has no rows. The caller
// owns the returned record.
func ImputeMedian(rec arrow.Record, column string) (arrow.Record, Imputation, error) {
	imp := Imputation{Column: column, Rows: roaring.New()}

	col, err := schema.Float64Column(rec, column)
	if err != nil {
		return nil, imp, lakehouse.Wrap("impute", lakehouse.ErrInvalidRecord, err)
	}
	median, ok := Median(col)
	imp.Median, imp.NoValues = median, !ok
	if ok {
		for i := 0; i < col.Len(); i++ {
			if missing(col, i) {
				imp.Rows.Add(uint32(i))
			}
		}
	}
	if imp.Rows.IsEmpty() {
		rec.Retain()
		return rec, imp, nil
	}

	b := array.NewFloat64Builder(schema.Pool)
	defer b.Release()
	b.Reserve(col.Len())
	for i := 0; i < col.Len(); i++ {
		if imp.Rows.Contains(uint32(i)) {
			b.Append(median)
			continue
		}
		b.Append(col.Value(i))
	}
	filled := b.NewFloat64Array()
	defer filled.Release()

	out, err := replaceColumn(rec, column, filled)
	if err != nil {
		return nil, imp, err
	}
	return out, imp, nil
}

func replaceColumn(rec arrow.Record, name string, col arrow.Array) (arrow.Record, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("column %q not found", name)
	}
	cols := make([]arrow.Array, rec.NumCols())
	copy(cols, rec.Columns())
	cols[idx[0]] = col
	return array.NewRecord(rec.Schema(), cols, rec.NumRows()), nil
}

// ---------------------------------------------------------------------
// Feature Derivation
// ---------------------------------------------------------------------

// Density is amount / (elapsed + 1).
func Density(amount, elapsed float64) float64 {
	return amount / (elapsed + 1)
}

// DeriveDensity appends column out = amount / (time + 1). A negative time
// fails with ErrInvalidRecord; a null amount or time yields a null density.
// The caller owns the returned record.
func DeriveDensity(rec arrow.Record, amount, elapsed, out string) (arrow.Record, error) {
	if len(rec.Schema().FieldIndices(out)) > 0 {
		return nil, lakehouse.Wrap("derive", lakehouse.ErrInvalidRecord, fmt.Errorf("column %q already exists", out))
	}
	amt, err := schema.Float64Column(rec, amount)
	if err != nil {
		return nil, lakehouse.Wrap("derive", lakehouse.ErrInvalidRecord, err)
	}
	tm, err := schema.Float64Column(rec, elapsed)
	if err != nil {
		return nil, lakehouse.Wrap("derive", lakehouse.ErrInvalidRecord, err)
	}

	b := array.NewFloat64Builder(schema.Pool)
	defer b.Release()
	b.Reserve(amt.Len())
	for i := 0; i < amt.Len(); i++ {
		if amt.IsNull(i) || tm.IsNull(i) {
			b.AppendNull()
			continue
		}
		t := tm.Value(i)
		if t < 0 {
			return nil, lakehouse.Wrap("derive", lakehouse.ErrInvalidRecord,
				fmt.Errorf("row %d: %s is negative (%v)", i, elapsed, t))
		}
		b.Append(Density(amt.Value(i), t))
	}
	density := b.NewFloat64Array()
	defer density.Release()

	fields := append(append([]arrow.Field{}, rec.Schema().Fields()...),
		arrow.Field{Name: out, Type: arrow.PrimitiveTypes.Float64, Nullable: true})
	cols := append(append([]arrow.Array{}, rec.Columns()...), density)
	return array.NewRecord(arrow.NewSchema(fields, nil), cols, rec.NumRows()), nil
}

// ---------------------------------------------------------------------
// Transformer
// ---------------------------------------------------------------------

// Transformer applies the silver-layer steps in order.
type Transformer struct {
	Amount  string
	Time    string
	Density string
	logger  *zap.Logger
}

// New returns a Transformer for the transaction columns.
func New(logger *zap.Logger) *Transformer {
	return &Transformer{
		Amount:  schema.AmountColumn,
		Time:    schema.TimeColumn,
		Density: schema.DensityColumn,
		logger:  logger,
	}
}

// Result is the outcome of a transform.
type Result struct {
	Record     arrow.Record
	Imputation Imputation
}

// Apply imputes missing amounts and derives density. The caller owns
// Result.Record.
func (t *Transformer) Apply(rec arrow.Record) (Result, error) {
	t.logger.Info("transforming records", zap.Int64("rows", rec.NumRows()))

	imputed, imp, err := ImputeMedian(rec, t.Amount)
	if err != nil {
		return Result{}, err
	}
	defer imputed.Release()

	if imp.NoValues && imputed.NumRows() > 0 {
		t.logger.Warn("column has no values, nothing to impute", zap.String("column", t.Amount))
	}
	t.logger.Info("imputed missing values",
		zap.String("column", imp.Column),
		zap.Float64("median", imp.Median),
		zap.Uint64("imputed_rows", imp.Rows.GetCardinality()))

	out, err := DeriveDensity(imputed, t.Amount, t.Time, t.Density)
	if err != nil {
		return Result{}, err
	}
	return Result{Record: out, Imputation: imp}, nil
}
