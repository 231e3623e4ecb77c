// Package consolidate merges the record sets of two sources into one
// schema-uniform record set.
package consolidate

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"go.uber.org/zap"

	"github.com/TFMV/lakehouse/schema"
)

// Consolidator aligns a second record set onto a first and concatenates
// them.
type Consolidator struct {
	mapping schema.Mapping
	logger  *zap.Logger
}

// New creates a Consolidator using the given field mapping.
func New(m schema.Mapping, logger *zap.Logger) *Consolidator {
	return &Consolidator{mapping: m, logger: logger}
}

// Merge returns first's rows followed by second's rows under first's
// schema. An empty second is dropped without reconciliation. second is
// returned as-is only when first has no columns at all; a first with
// columns but no rows still fixes the column order. The caller owns the
// returned record.
func (c *Consolidator) Merge(first, second arrow.Record) (arrow.Record, error) {
	switch {
	case second.NumRows() == 0:
		first.Retain()
		c.logCounts(first.NumRows(), 0, first.NumRows())
		return first, nil
	case first.NumCols() == 0:
		second.Retain()
		c.logCounts(0, second.NumRows(), second.NumRows())
		return second, nil
	}

	align, err := schema.Reconcile(schema.FromArrow(first.Schema()), schema.FromArrow(second.Schema()), c.mapping)
	if err != nil {
		return nil, err
	}

	target := align.Target.Arrow()
	cols := make([]arrow.Array, target.NumFields())
	defer func() {
		for _, col := range cols {
			if col != nil {
				col.Release()
			}
		}
	}()
	for i := range cols {
		col, err := array.Concatenate([]arrow.Array{first.Column(i), second.Column(align.Source[i])}, schema.Pool)
		if err != nil {
			return nil, fmt.Errorf("failed to concatenate column %q: %w", target.Field(i).Name, err)
		}
		cols[i] = col
	}

	rows := first.NumRows() + second.NumRows()
	out := array.NewRecord(target, cols, rows)
	c.logCounts(first.NumRows(), second.NumRows(), out.NumRows())
	return out, nil
}

func (c *Consolidator) logCounts(first, second, total int64) {
	c.logger.Info("consolidated sources",
		zap.Int64("first_rows", first),
		zap.Int64("second_rows", second),
		zap.Int64("total_rows", total),
		zap.String("mapping", c.mapping.Strategy.String()))
}
