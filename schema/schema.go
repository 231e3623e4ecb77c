// Package schema describes record layouts as explicit ordered column lists
// and reconciles the layouts of independently shaped sources.
package schema

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spaolacci/murmur3"
)

// Pool is the Go memory allocator used for every Arrow buffer in the pipeline.
var Pool = memory.NewGoAllocator()

// Well-known transaction columns.
const (
	TimeColumn    = "Time"
	AmountColumn  = "Amount"
	ClassColumn   = "Class"
	DensityColumn = "density"
)

// Column is a named, typed position in a schema.
type Column struct {
	Name string
	Type arrow.DataType
}

// Schema is an ordered list of columns.
type Schema struct {
	Columns []Column
}

// New builds a schema from columns.
func New(cols ...Column) Schema {
	return Schema{Columns: cols}
}

// Float64s builds a schema of nullable float64 columns.
func Float64s(names ...string) Schema {
	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Name: n, Type: arrow.PrimitiveTypes.Float64}
	}
	return Schema{Columns: cols}
}

// TransactionSchema returns the canonical credit-card transaction layout:
// Time, V1..V28, Amount, Class.
func TransactionSchema() Schema {
	names := make([]string, 0, 31)
	names = append(names, TimeColumn)
	for i := 1; i <= 28; i++ {
		names = append(names, fmt.Sprintf("V%d", i))
	}
	names = append(names, AmountColumn, ClassColumn)
	return Float64s(names...)
}

// FromArrow converts an Arrow schema.
func FromArrow(s *arrow.Schema) Schema {
	cols := make([]Column, s.NumFields())
	for i, f := range s.Fields() {
		cols[i] = Column{Name: f.Name, Type: f.Type}
	}
	return Schema{Columns: cols}
}

// Arrow converts the schema to a nullable Arrow schema.
func (s Schema) Arrow() *arrow.Schema {
	fields := make([]arrow.Field, len(s.Columns))
	for i, c := range s.Columns {
		fields[i] = arrow.Field{Name: c.Name, Type: c.Type, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

// Len returns the number of columns.
func (s Schema) Len() int { return len(s.Columns) }

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Index returns the position of name, or -1.
func (s Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Equal reports whether both schemas have the same names and types in the
// same order.
func (s Schema) Equal(o Schema) bool {
	if len(s.Columns) != len(o.Columns) {
		return false
	}
	for i := range s.Columns {
		if s.Columns[i].Name != o.Columns[i].Name || !arrow.TypeEqual(s.Columns[i].Type, o.Columns[i].Type) {
			return false
		}
	}
	return true
}

// Fingerprint is a stable hash of the ordered (name, type) pairs.
func (s Schema) Fingerprint() string {
	h := murmur3.New64()
	for _, c := range s.Columns {
		_, _ = h.Write([]byte(c.Name))
		_, _ = h.Write([]byte{':'})
		_, _ = h.Write([]byte(c.Type.String()))
		_, _ = h.Write([]byte{';'})
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return hex.EncodeToString(buf[:])
}

func (s Schema) String() string {
	parts := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		parts[i] = c.Name + " " + c.Type.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
