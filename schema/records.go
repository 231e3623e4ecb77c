package schema

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// RowBuilder accumulates rows of nullable float64 values into an Arrow
// record. Every column of the schema must be float64.
type RowBuilder struct {
	schema  Schema
	builder *array.RecordBuilder
	rows    int64
}

// NewRowBuilder creates a builder for s.
func NewRowBuilder(s Schema) (*RowBuilder, error) {
	for _, c := range s.Columns {
		if !arrow.TypeEqual(c.Type, arrow.PrimitiveTypes.Float64) {
			return nil, fmt.Errorf("column %q: row builder needs float64, got %s", c.Name, c.Type)
		}
	}
	return &RowBuilder{
		schema:  s,
		builder: array.NewRecordBuilder(Pool, s.Arrow()),
	}, nil
}

// Append adds one row. valid[i] == false stores a null in column i; a nil
// valid slice means every value is present.
func (b *RowBuilder) Append(vals []float64, valid []bool) error {
	if len(vals) != b.schema.Len() {
		return fmt.Errorf("row has %d values, schema has %d columns", len(vals), b.schema.Len())
	}
	for i, v := range vals {
		fb := b.builder.Field(i).(*array.Float64Builder)
		if valid != nil && !valid[i] {
			fb.AppendNull()
			continue
		}
		fb.Append(v)
	}
	b.rows++
	return nil
}

// Rows returns the number of rows appended so far.
func (b *RowBuilder) Rows() int64 { return b.rows }

// NewRecord returns the accumulated record. The caller owns it.
func (b *RowBuilder) NewRecord() arrow.Record {
	return b.builder.NewRecord()
}

// Release frees the builder's buffers.
func (b *RowBuilder) Release() {
	b.builder.Release()
}

// Empty returns a zero-row record with schema s.
func Empty(s Schema) arrow.Record {
	b := array.NewRecordBuilder(Pool, s.Arrow())
	defer b.Release()
	return b.NewRecord()
}

// Float64Column returns the named float64 column of rec.
func Float64Column(rec arrow.Record, name string) (*array.Float64, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("column %q not found", name)
	}
	col, ok := rec.Column(idx[0]).(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("column %q: unexpected type %s", name, rec.Column(idx[0]).DataType())
	}
	return col, nil
}
