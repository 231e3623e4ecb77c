// Package storage persists bronze and silver artifacts as delimited text
// files under a timestamp-namespaced layout.
package storage

import (
	"context"
	encsv "encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"go.uber.org/zap"

	"github.com/TFMV/lakehouse"
	"github.com/TFMV/lakehouse/schema"
)

// Mirror receives a copy of every artifact after it is committed.
type Mirror interface {
	Upload(ctx context.Context, localPath string, layer lakehouse.Layer) error
}

// Store reads and writes artifacts under a root directory.
type Store struct {
	root   string
	mirror Mirror
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMirror copies committed artifacts to m.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// NewStore creates a Store rooted at root.
func NewStore(root string, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{root: root, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the artifact root directory.
func (s *Store) Root() string { return s.root }

// Path returns the artifact location for a layer and run stamp.
func (s *Store) Path(layer lakehouse.Layer, stamp string) string {
	switch layer {
	case lakehouse.Bronze:
		return filepath.Join(s.root, string(layer), "raw_data_"+stamp+".txt")
	case lakehouse.Silver:
		return filepath.Join(s.root, string(layer), "clean_data_"+stamp+".csv")
	}
	return filepath.Join(s.root, string(layer), stamp+".csv")
}

// ---------------------------------------------------------------------
// Write
// ---------------------------------------------------------------------

// Write commits rec as the artifact for layer and stamp and returns the
// handoff describing it. The file is written to a temporary sibling and
// renamed into place, so readers never observe a partial artifact.
func (s *Store) Write(ctx context.Context, layer lakehouse.Layer, stamp string, rec arrow.Record) (lakehouse.Handoff, error) {
	path := s.Path(layer, stamp)
	if err := WriteCSV(path, rec); err != nil {
		return lakehouse.Handoff{}, err
	}

	h := lakehouse.Handoff{
		Layer:       layer,
		Path:        path,
		Rows:        rec.NumRows(),
		Fingerprint: schema.FromArrow(rec.Schema()).Fingerprint(),
		Stamp:       stamp,
	}
	s.logger.Info("artifact committed",
		zap.String("layer", string(layer)),
		zap.String("path", path),
		zap.Int64("rows", h.Rows))

	if s.mirror != nil {
		if err := s.mirror.Upload(ctx, path, layer); err != nil {
			s.logger.Warn("artifact mirror failed", zap.String("path", path), zap.Error(err))
		}
	}
	return h, nil
}

// WriteCSV atomically writes rec to path as comma-separated UTF-8 text with
// a header row. Nulls are written as empty fields.
func WriteCSV(path string, rec arrow.Record) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %q: %w", dir, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := csv.NewWriter(tmp, rec.Schema(),
		csv.WithComma(','),
		csv.WithHeader(true),
		csv.WithNullWriter(""),
	)
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %q: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %q: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename %q to %q: %w", tmp.Name(), path, err)
	}
	return nil
}

// ---------------------------------------------------------------------
// Read
// ---------------------------------------------------------------------

// Read loads the artifact described by h. An empty handoff or an absent
// file fails with ErrMissingUpstreamArtifact; an artifact whose schema or
// row count disagrees with the handoff fails with ErrSchemaMismatch.
func (s *Store) Read(stage string, h lakehouse.Handoff) (arrow.Record, error) {
	if h.IsZero() {
		return nil, lakehouse.Wrap(stage, lakehouse.ErrMissingUpstreamArtifact, errors.New("no handoff from upstream"))
	}
	if _, err := os.Stat(h.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, lakehouse.Wrap(stage, lakehouse.ErrMissingUpstreamArtifact, err)
		}
		return nil, fmt.Errorf("failed to stat %q: %w", h.Path, err)
	}

	rec, err := ReadCSV(h.Path)
	if err != nil {
		return nil, err
	}
	if fp := schema.FromArrow(rec.Schema()).Fingerprint(); h.Fingerprint != "" && fp != h.Fingerprint {
		rec.Release()
		return nil, lakehouse.Wrap(stage, lakehouse.ErrSchemaMismatch,
			fmt.Errorf("artifact %q has schema %s, handoff expects %s", h.Path, fp, h.Fingerprint))
	}
	if rec.NumRows() != h.Rows {
		rec.Release()
		return nil, lakehouse.Wrap(stage, lakehouse.ErrSchemaMismatch,
			fmt.Errorf("artifact %q has %d rows, handoff expects %d", h.Path, rec.NumRows(), h.Rows))
	}
	return rec, nil
}

// ReadCSV reads a delimited artifact into a record of nullable float64
// columns named by the header row.
func ReadCSV(path string) (arrow.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %q: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	header, err := encsv.NewReader(f).Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("artifact %q has no header", path)
		}
		return nil, fmt.Errorf("failed to read header of %q: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind %q: %w", path, err)
	}

	s := schema.Float64s(header...).Arrow()
	r := csv.NewReader(f, s,
		csv.WithAllocator(schema.Pool),
		csv.WithComma(','),
		csv.WithHeader(true),
		csv.WithNullReader(true, ""),
		csv.WithChunk(-1),
	)
	defer r.Release()

	var recs []arrow.Record
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	for r.Next() {
		rec := r.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse %q: %w", path, err)
	}

	switch len(recs) {
	case 0:
		return schema.Empty(schema.FromArrow(s)), nil
	case 1:
		recs[0].Retain()
		return recs[0], nil
	}
	tbl := array.NewTableFromRecords(s, recs)
	defer tbl.Release()
	return concatTable(tbl)
}

func concatTable(tbl arrow.Table) (arrow.Record, error) {
	cols := make([]arrow.Array, tbl.NumCols())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i := range cols {
		col, err := array.Concatenate(tbl.Column(i).Data().Chunks(), schema.Pool)
		if err != nil {
			return nil, fmt.Errorf("failed to concatenate column %d: %w", i, err)
		}
		cols[i] = col
	}
	return array.NewRecord(tbl.Schema(), cols, tbl.NumRows()), nil
}
