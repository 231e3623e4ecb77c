package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/TFMV/lakehouse"
)

// Strategy selects how a second schema is aligned to a first one.
type Strategy int

const (
	// ByName matches columns by name after applying the rename map.
	ByName Strategy = iota
	// Positional relabels the second schema's columns with the first's
	// labels in order. Arity and types are still checked.
	Positional
)

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "name":
		return ByName, nil
	case "positional":
		return Positional, nil
	}
	return ByName, fmt.Errorf("unknown mapping strategy %q", s)
}

func (s Strategy) String() string {
	if s == Positional {
		return "positional"
	}
	return "name"
}

// Mapping is a declared field mapping from a second source onto a first.
type Mapping struct {
	Strategy Strategy
	// Renames maps a column name of the second schema to a name of the first.
	Renames map[string]string
}

// Alignment says, for every column of the target schema, which column of
// the aligned schema feeds it.
type Alignment struct {
	Target Schema
	// Source[i] is the position in the aligned schema feeding Target column i.
	Source []int
}

// Identity reports whether the alignment is a no-op permutation.
func (a Alignment) Identity() bool {
	for i, s := range a.Source {
		if s != i {
			return false
		}
	}
	return true
}

// Reconcile aligns second onto first. It fails with ErrSchemaMismatch when
// the arity differs, a column cannot be matched or the matched types differ.
func Reconcile(first, second Schema, m Mapping) (Alignment, error) {
	if first.Len() != second.Len() {
		return Alignment{}, mismatch("column count %d does not match %d", second.Len(), first.Len())
	}

	switch m.Strategy {
	case Positional:
		return reconcilePositional(first, second)
	default:
		return reconcileByName(first, second, m.Renames)
	}
}

func reconcilePositional(first, second Schema) (Alignment, error) {
	src := make([]int, first.Len())
	for i := range first.Columns {
		if !arrow.TypeEqual(first.Columns[i].Type, second.Columns[i].Type) {
			return Alignment{}, mismatch("column %d: %s %s cannot take label %s %s",
				i, second.Columns[i].Name, second.Columns[i].Type, first.Columns[i].Name, first.Columns[i].Type)
		}
		src[i] = i
	}
	return Alignment{Target: first, Source: src}, nil
}

func reconcileByName(first, second Schema, renames map[string]string) (Alignment, error) {
	pos := make(map[string]int, second.Len())
	for i, c := range second.Columns {
		name := c.Name
		if to, ok := renames[name]; ok {
			name = to
		}
		if _, dup := pos[name]; dup {
			return Alignment{}, mismatch("column %q appears twice after renaming", name)
		}
		pos[name] = i
	}

	src := make([]int, first.Len())
	var missing []string
	for i, c := range first.Columns {
		j, ok := pos[c.Name]
		if !ok {
			missing = append(missing, c.Name)
			continue
		}
		if !arrow.TypeEqual(c.Type, second.Columns[j].Type) {
			return Alignment{}, mismatch("column %q: type %s does not match %s", c.Name, second.Columns[j].Type, c.Type)
		}
		src[i] = j
		delete(pos, c.Name)
	}
	if len(missing) > 0 {
		extra := make([]string, 0, len(pos))
		for name := range pos {
			extra = append(extra, name)
		}
		sort.Strings(extra)
		return Alignment{}, mismatch("missing columns %v, unexpected columns %v", missing, extra)
	}
	return Alignment{Target: first, Source: src}, nil
}

func mismatch(format string, args ...interface{}) error {
	return lakehouse.Wrap("reconcile", lakehouse.ErrSchemaMismatch, fmt.Errorf(format, args...))
}
