// Package source extracts raw transaction records from the relational and
// document source systems as Arrow records.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/TFMV/lakehouse"
)

// Extractor returns every record currently held by a source system.
type Extractor interface {
	Name() string
	Extract(ctx context.Context) (arrow.Record, error)
}

// ---------------------------------------------------------------------
// Circuit Breaker
// ---------------------------------------------------------------------

// BreakerSettings configures Guard.
type BreakerSettings struct {
	// MaxFailures is the number of consecutive unavailable errors that opens
	// the breaker.
	MaxFailures uint32
	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration
}

// Guarded wraps an Extractor in a circuit breaker. Only ErrSourceUnavailable
// counts as a failure; an open breaker is itself reported as unavailable.
type Guarded struct {
	inner  Extractor
	cb     *gobreaker.CircuitBreaker[arrow.Record]
	logger *zap.Logger
}

// Guard wraps e.
func Guard(e Extractor, s BreakerSettings, logger *zap.Logger) *Guarded {
	if s.MaxFailures == 0 {
		s.MaxFailures = 3
	}
	if s.Cooldown == 0 {
		s.Cooldown = 30 * time.Second
	}
	st := gobreaker.Settings{
		Name:    e.Name(),
		Timeout: s.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, lakehouse.ErrSourceUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("source breaker state changed",
				zap.String("source", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Guarded{
		inner:  e,
		cb:     gobreaker.NewCircuitBreaker[arrow.Record](st),
		logger: logger,
	}
}

func (g *Guarded) Name() string { return g.inner.Name() }

// Extract runs the inner extractor through the breaker.
func (g *Guarded) Extract(ctx context.Context) (arrow.Record, error) {
	rec, err := g.cb.Execute(func() (arrow.Record, error) {
		return g.inner.Extract(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, lakehouse.Wrap(g.Name(), lakehouse.ErrSourceUnavailable, err)
	}
	return rec, err
}

// State returns the breaker state.
func (g *Guarded) State() gobreaker.State {
	return g.cb.State()
}
