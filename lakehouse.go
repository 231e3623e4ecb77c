// Package lakehouse holds the types shared by every stage of the fraud
// medallion pipeline: the stage names, the error taxonomy and the typed
// handoff passed from one stage to the next.
package lakehouse

import (
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------
// Layers and Stamps
// ---------------------------------------------------------------------

// Layer is a medallion data-quality tier.
type Layer string

const (
	Bronze Layer = "bronze"
	Silver Layer = "silver"
	Gold   Layer = "gold"
)

// StampLayout is the layout of the run timestamp that namespaces artifacts.
const StampLayout = "20060102_150405"

// Stamp formats t as a run timestamp (YYYYMMDD_HHMMSS).
func Stamp(t time.Time) string {
	return t.Format(StampLayout)
}

// ---------------------------------------------------------------------
// Error Taxonomy
// ---------------------------------------------------------------------

var (
	// ErrSourceUnavailable reports a connection, auth or timeout failure
	// against one of the source systems.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrMissingUpstreamArtifact reports an absent handoff or an absent
	// artifact behind it.
	ErrMissingUpstreamArtifact = errors.New("missing upstream artifact")
	// ErrSchemaMismatch reports two schemas that cannot be reconciled, or an
	// artifact that does not match the handoff describing it.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrStoreWriteFailure reports a failed write to the Gold store.
	ErrStoreWriteFailure = errors.New("store write failure")
	// ErrInvalidRecord reports a record that breaks a transform precondition.
	ErrInvalidRecord = errors.New("invalid record")
)

// StageError attaches the failing stage to one of the taxonomy errors.
type StageError struct {
	Stage string
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap returns a StageError of the given kind. A nil err still produces an
// error so callers can report a bare condition.
func Wrap(stage string, kind, err error) error {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// Retryable reports whether an orchestrator retry could change the outcome.
// Missing upstream artifacts, schema mismatches and invalid records are
// deterministic for the stage that observes them.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrMissingUpstreamArtifact),
		errors.Is(err, ErrSchemaMismatch),
		errors.Is(err, ErrInvalidRecord):
		return false
	}
	return true
}

// ---------------------------------------------------------------------
// Handoff
// ---------------------------------------------------------------------

// Handoff describes an artifact produced by one stage for the next. It is
// the only state shared between stages of a run.
type Handoff struct {
	Layer       Layer  `json:"layer"`
	Path        string `json:"path"`
	Rows        int64  `json:"rows"`
	Fingerprint string `json:"fingerprint"`
	Stamp       string `json:"stamp"`
}

// IsZero reports whether the handoff carries no artifact.
func (h Handoff) IsZero() bool {
	return h.Path == ""
}

func (h Handoff) String() string {
	if h.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s:%s (%d rows, schema %s)", h.Layer, h.Path, h.Rows, h.Fingerprint)
}
