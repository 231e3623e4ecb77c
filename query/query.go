// Package query implements the read side of the gold table: the split into
// model features and labels and simple fraud summaries.
package query

import (
	"fmt"
	"math"
	"slices"

	roaring "github.com/RoaringBitmap/roaring"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Split separates rec into a feature record holding every column except
// label and exclude, and the label column as integers. The caller must
// Release the feature record.
func Split(rec arrow.Record, label string, exclude ...string) (arrow.Record, []int64, error) {
	idx := rec.Schema().FieldIndices(label)
	if len(idx) == 0 {
		return nil, nil, fmt.Errorf("label column %q not found", label)
	}
	labels, err := Int64s(rec.Column(idx[0]))
	if err != nil {
		return nil, nil, fmt.Errorf("label column %q: %w", label, err)
	}

	var (
		fields []arrow.Field
		cols   []arrow.Array
	)
	for i, f := range rec.Schema().Fields() {
		if f.Name == label || slices.Contains(exclude, f.Name) {
			continue
		}
		fields = append(fields, f)
		cols = append(cols, rec.Column(i))
	}
	features := array.NewRecord(arrow.NewSchema(fields, nil), cols, rec.NumRows())
	return features, labels, nil
}

// Int64s converts an integral column to a slice. Nulls are rejected.
func Int64s(arr arrow.Array) ([]int64, error) {
	out := make([]int64, arr.Len())
	for i := range out {
		if arr.IsNull(i) {
			return nil, fmt.Errorf("null value at row %d", i)
		}
		switch a := arr.(type) {
		case *array.Int64:
			out[i] = a.Value(i)
		case *array.Int32:
			out[i] = int64(a.Value(i))
		case *array.Float64:
			v := a.Value(i)
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("non-integral value %v at row %d", v, i)
			}
			out[i] = int64(v)
		default:
			return nil, fmt.Errorf("unexpected type %s", arr.DataType())
		}
	}
	return out, nil
}

// Summary describes the class balance of a gold table.
type Summary struct {
	Rows  int64
	Fraud int64
	Ratio float64
	// AmountByClass sums the non-null amounts per class value.
	AmountByClass map[int64]float64
}

// Summarize counts rows and fraudulent rows (label == 1) in rec, and sums
// amount per label when amount is non-empty and present.
func Summarize(rec arrow.Record, label, amount string) (Summary, error) {
	idx := rec.Schema().FieldIndices(label)
	if len(idx) == 0 {
		return Summary{}, fmt.Errorf("label column %q not found", label)
	}
	labels, err := Int64s(rec.Column(idx[0]))
	if err != nil {
		return Summary{}, fmt.Errorf("label column %q: %w", label, err)
	}

	s := Summary{Rows: rec.NumRows(), Fraud: int64(IndexLabels(labels).Count(1))}
	if s.Rows > 0 {
		s.Ratio = float64(s.Fraud) / float64(s.Rows)
	}

	if amount == "" {
		return s, nil
	}
	if idx := rec.Schema().FieldIndices(amount); len(idx) > 0 {
		sums, err := GroupSum(rec.Column(idx[0]), labels)
		if err != nil {
			return Summary{}, fmt.Errorf("amount column %q: %w", amount, err)
		}
		s.AmountByClass = sums
	}
	return s, nil
}

// GroupSum sums the non-null values of col grouped by keys.
func GroupSum(col arrow.Array, keys []int64) (map[int64]float64, error) {
	if col.Len() != len(keys) {
		return nil, fmt.Errorf("length mismatch: %d values, %d keys", col.Len(), len(keys))
	}
	result := make(map[int64]float64)
	for i, k := range keys {
		if col.IsNull(i) {
			continue
		}
		switch a := col.(type) {
		case *array.Float64:
			result[k] += a.Value(i)
		case *array.Int64:
			result[k] += float64(a.Value(i))
		default:
			return nil, fmt.Errorf("unexpected type %s", col.DataType())
		}
	}
	return result, nil
}

// ---------------------------------------------------------------------
// Label Index
// ---------------------------------------------------------------------

// LabelIndex maps each label value to the bitmap of rows carrying it.
type LabelIndex map[int64]*roaring.Bitmap

// IndexLabels builds a LabelIndex over labels.
func IndexLabels(labels []int64) LabelIndex {
	ix := make(LabelIndex)
	for row, l := range labels {
		bm, ok := ix[l]
		if !ok {
			bm = roaring.New()
			ix[l] = bm
		}
		bm.Add(uint32(row))
	}
	return ix
}

// Rows returns the rows labelled l in ascending order.
func (ix LabelIndex) Rows(l int64) []uint32 {
	bm, ok := ix[l]
	if !ok {
		return nil
	}
	return bm.ToArray()
}

// Count returns the number of rows labelled l.
func (ix LabelIndex) Count(l int64) uint64 {
	bm, ok := ix[l]
	if !ok {
		return 0
	}
	return bm.GetCardinality()
}
