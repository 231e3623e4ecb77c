package etl

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/TFMV/lakehouse/config"
	"github.com/TFMV/lakehouse/db"
	"github.com/TFMV/lakehouse/source"
	"github.com/TFMV/lakehouse/storage"
)

// Env is a fully connected set of dependencies.
type Env struct {
	Deps Deps
	Gold *db.DB

	closers []func(context.Context) error
}

// Close releases every connection opened by Connect.
func (e *Env) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// Connect opens the sources, the artifact store (with its mirror when
// configured) and the gold store. Each source is guarded by a circuit
// breaker.
func Connect(ctx context.Context, cfg config.Config, logger *zap.Logger) (env *Env, err error) {
	env = &Env{}
	defer func() {
		if err != nil {
			_ = env.Close(ctx)
			env = nil
		}
	}()

	rel, err := source.OpenMySQL(ctx, cfg.Relational, logger)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, func(context.Context) error { return rel.Close() })

	doc, disconnect, err := source.OpenMongo(ctx, cfg.Document, logger)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, disconnect)

	var opts []storage.Option
	if cfg.Mirror.Enabled() {
		mirror, err := storage.NewGCSMirror(ctx, cfg.Mirror, logger)
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, func(context.Context) error { return mirror.Close() })
		opts = append(opts, storage.WithMirror(mirror))
	}

	gold, err := db.Open(cfg.Gold.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open gold store: %w", err)
	}
	env.closers = append(env.closers, func(context.Context) error { return gold.Close() })
	env.Gold = gold

	breaker := source.BreakerSettings{}
	env.Deps = Deps{
		Relational: source.Guard(rel, breaker, logger),
		Document:   source.Guard(doc, breaker, logger),
		Artifacts:  storage.NewStore(cfg.Artifacts.Root, logger, opts...),
		Gold:       gold,
		Logger:     logger,
	}
	return env, nil
}
