// Package etl binds the bronze, silver and gold stages into the
// fraud_detection_etl_pipeline chain.
package etl

import (
	"context"
	"errors"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"github.com/TFMV/lakehouse"
	"github.com/TFMV/lakehouse/config"
	"github.com/TFMV/lakehouse/consolidate"
	"github.com/TFMV/lakehouse/dag"
	"github.com/TFMV/lakehouse/schema"
	"github.com/TFMV/lakehouse/source"
	"github.com/TFMV/lakehouse/storage"
	"github.com/TFMV/lakehouse/transform"
)

const (
	DAGID      = "fraud_detection_etl_pipeline"
	BronzeTask = "load_to_bronze_txt"
	SilverTask = "transform_to_silver_csv"
	GoldTask   = "load_to_gold_sqlite"
)

// GoldStore is the write surface of the gold layer.
type GoldStore interface {
	ReplaceTable(ctx context.Context, table string, rec arrow.Record) error
	Path() string
}

// Deps are the components the stages run on.
type Deps struct {
	// Relational is consolidated first; its schema is the target schema.
	Relational source.Extractor
	Document   source.Extractor
	Artifacts  *storage.Store
	Gold       GoldStore
	Logger     *zap.Logger
}

// Stages holds the stage functions of one pipeline.
type Stages struct {
	deps         Deps
	table        string
	consolidator *consolidate.Consolidator
	transformer  *transform.Transformer
}

// NewStages builds the stages from cfg.
func NewStages(cfg config.Config, deps Deps) (*Stages, error) {
	if deps.Relational == nil || deps.Document == nil || deps.Artifacts == nil || deps.Gold == nil {
		return nil, errors.New("etl: missing dependency")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	strategy, err := schema.ParseStrategy(cfg.Pipeline.Mapping)
	if err != nil {
		return nil, err
	}
	return &Stages{
		deps:         deps,
		table:        cfg.Gold.Table,
		consolidator: consolidate.New(schema.Mapping{Strategy: strategy, Renames: cfg.Pipeline.Renames}, deps.Logger),
		transformer:  transform.New(deps.Logger),
	}, nil
}

// NewPipeline returns the three-task chain with the configured retry policy.
func NewPipeline(cfg config.Config, deps Deps) (*dag.DAG, error) {
	st, err := NewStages(cfg, deps)
	if err != nil {
		return nil, err
	}
	retries, delay := cfg.Pipeline.Retries, cfg.Pipeline.RetryDelay
	return dag.New(DAGID,
		&dag.Task{ID: BronzeTask, Retries: retries, RetryDelay: delay, Run: st.Bronze},
		&dag.Task{ID: SilverTask, Upstream: BronzeTask, Retries: retries, RetryDelay: delay, Run: st.Silver},
		&dag.Task{ID: GoldTask, Upstream: SilverTask, Retries: retries, RetryDelay: delay, Run: st.Gold},
	)
}

// Bronze extracts both sources, consolidates them and commits the raw
// artifact.
func (s *Stages) Bronze(ctx context.Context, tc *dag.TaskContext) (lakehouse.Handoff, error) {
	first, err := s.deps.Relational.Extract(ctx)
	if err != nil {
		return lakehouse.Handoff{}, err
	}
	defer first.Release()

	second, err := s.deps.Document.Extract(ctx)
	if err != nil {
		return lakehouse.Handoff{}, err
	}
	defer second.Release()

	merged, err := s.consolidator.Merge(first, second)
	if err != nil {
		return lakehouse.Handoff{}, err
	}
	defer merged.Release()

	return s.deps.Artifacts.Write(ctx, lakehouse.Bronze, tc.Stamp, merged)
}

// Silver reads the bronze artifact, imputes and derives, and commits the
// clean artifact.
func (s *Stages) Silver(ctx context.Context, tc *dag.TaskContext) (lakehouse.Handoff, error) {
	upstream, _ := tc.Upstream()
	raw, err := s.deps.Artifacts.Read(SilverTask, upstream)
	if err != nil {
		return lakehouse.Handoff{}, err
	}
	defer raw.Release()

	res, err := s.transformer.Apply(raw)
	if err != nil {
		return lakehouse.Handoff{}, err
	}
	defer res.Record.Release()

	return s.deps.Artifacts.Write(ctx, lakehouse.Silver, tc.Stamp, res.Record)
}

// Gold replaces the gold table with the silver artifact.
func (s *Stages) Gold(ctx context.Context, tc *dag.TaskContext) (lakehouse.Handoff, error) {
	upstream, _ := tc.Upstream()
	clean, err := s.deps.Artifacts.Read(GoldTask, upstream)
	if err != nil {
		return lakehouse.Handoff{}, err
	}
	defer clean.Release()

	if err := s.deps.Gold.ReplaceTable(ctx, s.table, clean); err != nil {
		return lakehouse.Handoff{}, err
	}
	return lakehouse.Handoff{
		Layer:       lakehouse.Gold,
		Path:        s.deps.Gold.Path(),
		Rows:        clean.NumRows(),
		Fingerprint: upstream.Fingerprint,
		Stamp:       tc.Stamp,
	}, nil
}
