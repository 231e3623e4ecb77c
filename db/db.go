// Package db implements the gold layer: an embedded SQLite store holding
// the consumption-ready transaction table.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/golang/groupcache/lru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/TFMV/lakehouse"
	"github.com/TFMV/lakehouse/schema"
)

// ---------------------------------------------------------------------
// Prometheus Metrics
// ---------------------------------------------------------------------

var (
	loadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "lakehouse_gold_load_latency_seconds",
		Help: "Gold table replace latency distribution",
	})
	queryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "lakehouse_gold_query_latency_seconds",
		Help: "Gold table read latency distribution",
	})
	loadedRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lakehouse_gold_rows",
		Help: "Rows in the most recently loaded gold table",
	})
)

func init() {
	prometheus.MustRegister(loadLatency, queryLatency, loadedRows)
}

// maxInsertRows bounds the rows bound into one INSERT statement.
const maxInsertRows = 1000

// sqliteMaxVars stays under SQLite's default bound-parameter limit.
const sqliteMaxVars = 32000

// ---------------------------------------------------------------------
// DB
// ---------------------------------------------------------------------

// DB is the gold store.
type DB struct {
	sql    *sql.DB
	path   string
	logger *zap.Logger

	// integers names the float64 columns stored as INTEGER.
	integers map[string]bool

	// cache holds table snapshots read since their last replace; gen is
	// bumped on every invalidation so a read that raced a replace is not
	// cached.
	mu    sync.Mutex
	cache *lru.Cache
	gen   map[string]uint64
}

// Option configures a DB.
type Option func(*DB)

// WithIntegerColumns stores the named float64 columns as INTEGER instead of
// REAL. Their values must be whole numbers. The default is the class label.
func WithIntegerColumns(names ...string) Option {
	return func(db *DB) {
		db.integers = make(map[string]bool, len(names))
		for _, n := range names {
			db.integers[n] = true
		}
	}
}

// Open opens or creates the SQLite file at path.
func Open(path string, logger *zap.Logger, opts ...Option) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %q: %w", dir, err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %q: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open sqlite %q: %w", path, err)
	}

	cache := lru.New(16)
	cache.OnEvicted = func(_ lru.Key, v interface{}) {
		v.(arrow.Record).Release()
	}
	db := &DB{
		sql:      conn,
		path:     path,
		logger:   logger,
		integers: map[string]bool{schema.ClassColumn: true},
		cache:    cache,
		gen:      make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Path returns the database file location.
func (db *DB) Path() string { return db.path }

// Close releases cached snapshots and closes the database.
func (db *DB) Close() error {
	db.mu.Lock()
	db.cache.Clear()
	db.mu.Unlock()
	return db.sql.Close()
}

// ---------------------------------------------------------------------
// Full-Replace Load
// ---------------------------------------------------------------------

// ReplaceTable drops table and recreates it holding exactly the rows of
// rec. Column types are inferred from rec. Any failure is reported as
// ErrStoreWriteFailure and the transaction is rolled back.
func (db *DB) ReplaceTable(ctx context.Context, table string, rec arrow.Record) error {
	start := time.Now()
	defer func() { loadLatency.Observe(time.Since(start).Seconds()) }()

	cols, err := db.inferColumns(rec)
	if err != nil {
		return lakehouse.Wrap("gold", lakehouse.ErrStoreWriteFailure, err)
	}

	db.invalidate(table)
	defer db.invalidate(table)

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return lakehouse.Wrap("gold", lakehouse.ErrStoreWriteFailure, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		return lakehouse.Wrap("gold", lakehouse.ErrStoreWriteFailure, fmt.Errorf("drop %s: %w", table, err))
	}
	if _, err := tx.ExecContext(ctx, createStatement(table, cols)); err != nil {
		return lakehouse.Wrap("gold", lakehouse.ErrStoreWriteFailure, fmt.Errorf("create %s: %w", table, err))
	}

	batch := maxInsertRows
	if n := sqliteMaxVars / max(len(cols), 1); n < batch {
		batch = max(n, 1)
	}
	rows := int(rec.NumRows())
	for lo := 0; lo < rows; lo += batch {
		hi := min(lo+batch, rows)
		stmt, args := insertStatement(table, cols, rec, lo, hi)
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return lakehouse.Wrap("gold", lakehouse.ErrStoreWriteFailure,
				fmt.Errorf("insert rows %d-%d: %w", lo, hi, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return lakehouse.Wrap("gold", lakehouse.ErrStoreWriteFailure, err)
	}

	loadedRows.Set(float64(rows))
	db.logger.Info("gold table replaced",
		zap.String("table", table),
		zap.Int("rows", rows),
		zap.Int("columns", len(cols)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// column is an inferred SQL column.
type column struct {
	name    string
	sqlType string
	arr     arrow.Array
}

// inferColumns maps Arrow types to SQL types. The mapping depends only on
// the schema, so every load of the same layout yields the same table.
func (db *DB) inferColumns(rec arrow.Record) ([]column, error) {
	cols := make([]column, rec.NumCols())
	for i, f := range rec.Schema().Fields() {
		arr := rec.Column(i)
		c := column{name: f.Name, arr: arr}
		switch a := arr.(type) {
		case *array.Float64:
			c.sqlType = "REAL"
			if db.integers[f.Name] {
				if row, ok := integral(a); !ok {
					return nil, fmt.Errorf("column %q: non-integral value %v at row %d", f.Name, a.Value(row), row)
				}
				c.sqlType = "INTEGER"
			}
		case *array.Int64, *array.Int32, *array.Boolean:
			c.sqlType = "INTEGER"
		case *array.String:
			c.sqlType = "TEXT"
		default:
			return nil, fmt.Errorf("column %q: unsupported type %s", f.Name, arr.DataType())
		}
		cols[i] = c
	}
	return cols, nil
}

// integral reports whether every non-null value of a is a whole number
// that an int64 holds exactly. When it is not, row is the first offender.
func integral(a *array.Float64) (row int, ok bool) {
	for i := 0; i < a.Len(); i++ {
		if a.IsNull(i) {
			continue
		}
		v := a.Value(i)
		if v != math.Trunc(v) || math.Abs(v) > 1<<53 {
			return i, false
		}
	}
	return 0, true
}

func createStatement(table string, cols []column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteIdent(c.name) + " " + c.sqlType
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
}

func insertStatement(table string, cols []column, rec arrow.Record, lo, hi int) (string, []interface{}) {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c.name)
	}
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", quoteIdent(table), strings.Join(names, ", "))
	args := make([]interface{}, 0, (hi-lo)*len(cols))
	for r := lo; r < hi; r++ {
		if r > lo {
			sb.WriteString(", ")
		}
		sb.WriteString(row)
		for _, c := range cols {
			args = append(args, value(c, r))
		}
	}
	return sb.String(), args
}

func value(c column, row int) interface{} {
	if c.arr.IsNull(row) {
		return nil
	}
	switch a := c.arr.(type) {
	case *array.Float64:
		if c.sqlType == "INTEGER" {
			return int64(a.Value(row))
		}
		return a.Value(row)
	case *array.Int64:
		return a.Value(row)
	case *array.Int32:
		return int64(a.Value(row))
	case *array.Boolean:
		if a.Value(row) {
			return int64(1)
		}
		return int64(0)
	case *array.String:
		return a.Value(row)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
