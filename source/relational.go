package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/TFMV/lakehouse"
	"github.com/TFMV/lakehouse/config"
	"github.com/TFMV/lakehouse/schema"
)

// Relational reads a whole table from a SQL database.
type Relational struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

// NewRelational wraps an open database handle.
func NewRelational(db *sql.DB, table string, logger *zap.Logger) *Relational {
	return &Relational{db: db, table: table, logger: logger}
}

// OpenMySQL connects to the configured MySQL source and verifies the
// connection.
func OpenMySQL(ctx context.Context, cfg config.Relational, logger *zap.Logger) (*Relational, error) {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = cfg.MySQLAddr()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.DBName = cfg.Database
	mc.Timeout = 10 * time.Second

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, lakehouse.Wrap("mysql", lakehouse.ErrSourceUnavailable, err)
	}
	// An unreachable server surfaces from Extract as ErrSourceUnavailable.
	if err := db.PingContext(ctx); err != nil {
		logger.Warn("mysql not reachable yet", zap.String("addr", mc.Addr), zap.Error(err))
	}
	return NewRelational(db, cfg.Table, logger), nil
}

func (r *Relational) Name() string { return "mysql" }

// Extract issues a full-table read. Every column is read as a nullable
// float64.
func (r *Relational) Extract(ctx context.Context) (arrow.Record, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(r.table))
	if err != nil {
		return nil, lakehouse.Wrap(r.Name(), lakehouse.ErrSourceUnavailable, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, lakehouse.Wrap(r.Name(), lakehouse.ErrSourceUnavailable, err)
	}

	b, err := schema.NewRowBuilder(schema.Float64s(cols...))
	if err != nil {
		return nil, err
	}
	defer b.Release()

	scan := make([]sql.NullFloat64, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range scan {
		dest[i] = &scan[i]
	}
	vals := make([]float64, len(cols))
	valid := make([]bool, len(cols))

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, lakehouse.Wrap(r.Name(), lakehouse.ErrInvalidRecord,
				fmt.Errorf("failed to scan row %d: %w", b.Rows()+1, err))
		}
		for i, v := range scan {
			vals[i], valid[i] = v.Float64, v.Valid
		}
		if err := b.Append(vals, valid); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, lakehouse.Wrap(r.Name(), lakehouse.ErrSourceUnavailable, err)
	}

	rec := b.NewRecord()
	r.logger.Info("extracted relational rows",
		zap.String("table", r.table),
		zap.Int64("rows", rec.NumRows()))
	return rec, nil
}

// Close closes the database handle.
func (r *Relational) Close() error {
	return r.db.Close()
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
