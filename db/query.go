package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/TFMV/lakehouse/schema"
)

// ErrNoSuchTable is returned when a requested table does not exist.
var ErrNoSuchTable = errors.New("no such table")

// Tables lists the user tables in the store.
func (db *DB) Tables(ctx context.Context) ([]string, error) {
	rows, err := db.sql.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// HasTable reports whether table exists.
func (db *DB) HasTable(ctx context.Context, table string) (bool, error) {
	var n int
	err := db.sql.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up table %q: %w", table, err)
	}
	return n > 0, nil
}

// ReadTable returns the full contents of table. INTEGER columns are read as
// int64, everything else numeric as float64. The caller must Release the
// record.
func (db *DB) ReadTable(ctx context.Context, table string) (arrow.Record, error) {
	start := time.Now()
	defer func() { queryLatency.Observe(time.Since(start).Seconds()) }()

	db.mu.Lock()
	if v, ok := db.cache.Get(table); ok {
		rec := v.(arrow.Record)
		rec.Retain()
		db.mu.Unlock()
		return rec, nil
	}
	gen := db.gen[table]
	db.mu.Unlock()

	ok, err := db.HasTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTable, table)
	}

	rows, err := db.sql.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", table, err)
	}
	defer rows.Close()

	rec, err := scanRecord(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", table, err)
	}

	db.cacheIfCurrent(table, gen, rec)
	return rec, nil
}

func (db *DB) generation(table string) uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.gen[table]
}

// cacheIfCurrent caches rec unless table was invalidated since gen was
// observed. It reports whether rec was cached.
func (db *DB) cacheIfCurrent(table string, gen uint64, rec arrow.Record) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.gen[table] != gen {
		return false
	}
	rec.Retain()
	db.cache.Add(table, rec)
	return true
}

func (db *DB) invalidate(table string) {
	db.mu.Lock()
	db.gen[table]++
	db.cache.Remove(table)
	db.mu.Unlock()
}

// TableInfo returns the schema and row count of table without reading its
// rows.
func (db *DB) TableInfo(ctx context.Context, table string) (*arrow.Schema, int64, error) {
	rows, err := db.sql.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to describe %q: %w", table, err)
	}
	defer rows.Close()

	var fields []arrow.Field
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, declType   string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
			return nil, 0, fmt.Errorf("failed to describe %q: %w", table, err)
		}
		fields = append(fields, arrow.Field{Name: name, Type: fieldType(declType), Nullable: true})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to describe %q: %w", table, err)
	}
	if len(fields) == 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoSuchTable, table)
	}

	var n int64
	if err := db.sql.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&n); err != nil {
		return nil, 0, fmt.Errorf("failed to count %q: %w", table, err)
	}
	return arrow.NewSchema(fields, nil), n, nil
}

// fieldType maps a declared SQL column type to its Arrow type.
func fieldType(decl string) arrow.DataType {
	switch strings.ToUpper(decl) {
	case "INTEGER":
		return arrow.PrimitiveTypes.Int64
	case "TEXT":
		return arrow.BinaryTypes.String
	}
	return arrow.PrimitiveTypes.Float64
}

func scanRecord(rows *sql.Rows) (arrow.Record, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	fields := make([]arrow.Field, len(types))
	for i, ct := range types {
		fields[i] = arrow.Field{Name: ct.Name(), Type: fieldType(ct.DatabaseTypeName()), Nullable: true}
	}
	b := array.NewRecordBuilder(schema.Pool, arrow.NewSchema(fields, nil))
	defer b.Release()

	dest := make([]interface{}, len(fields))
	for i, f := range fields {
		switch f.Type.ID() {
		case arrow.INT64:
			dest[i] = new(sql.NullInt64)
		case arrow.STRING:
			dest[i] = new(sql.NullString)
		default:
			dest[i] = new(sql.NullFloat64)
		}
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, d := range dest {
			switch v := d.(type) {
			case *sql.NullInt64:
				fb := b.Field(i).(*array.Int64Builder)
				if v.Valid {
					fb.Append(v.Int64)
				} else {
					fb.AppendNull()
				}
			case *sql.NullFloat64:
				fb := b.Field(i).(*array.Float64Builder)
				if v.Valid {
					fb.Append(v.Float64)
				} else {
					fb.AppendNull()
				}
			case *sql.NullString:
				fb := b.Field(i).(*array.StringBuilder)
				if v.Valid {
					fb.Append(v.String)
				} else {
					fb.AppendNull()
				}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return b.NewRecord(), nil
}
