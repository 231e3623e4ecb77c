package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/docopt/docopt.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/TFMV/lakehouse/config"
	"github.com/TFMV/lakehouse/dag"
	"github.com/TFMV/lakehouse/db"
	"github.com/TFMV/lakehouse/etl"
	goldflight "github.com/TFMV/lakehouse/flight"
	"github.com/TFMV/lakehouse/query"
	"github.com/TFMV/lakehouse/schema"
)

const version = "1.0.0"

const usage = `Fraud detection lakehouse.

Usage:
  lakehouse run [--config=<path>]
  lakehouse schedule [--config=<path>] [--interval=<duration>] [--metrics-addr=<addr>]
  lakehouse serve [--config=<path>] [--flight-addr=<addr>] [--metrics-addr=<addr>]
  lakehouse tables [--config=<path>]
  lakehouse (-h | --help)
  lakehouse --version

Options:
  -h --help                 Show this screen.
  --version                 Show version.
  --config=<path>           YAML configuration file.
  --interval=<duration>     Schedule interval, overrides the configuration.
  --flight-addr=<addr>      Arrow Flight listen address [default: localhost:8815].
  --metrics-addr=<addr>     Prometheus metrics listen address.
`

func main() {
	arguments, err := docopt.ParseDoc(usage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}
	if v, _ := arguments.Bool("--version"); v {
		fmt.Printf("lakehouse version %s\n", version)
		os.Exit(0)
	}

	configPath, _ := arguments.String("--config")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if v, _ := arguments.String("--interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			fmt.Fprintf(os.Stderr, "invalid --interval %q\n", v)
			os.Exit(1)
		}
		cfg.Pipeline.Interval = d
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flightAddr, _ := arguments.String("--flight-addr")
	metricsAddr, _ := arguments.String("--metrics-addr")

	switch {
	case isSet(arguments, "run"):
		err = runOnce(ctx, cfg, logger)
	case isSet(arguments, "schedule"):
		err = schedule(ctx, cfg, metricsAddr, logger)
	case isSet(arguments, "serve"):
		err = serve(ctx, cfg, flightAddr, metricsAddr, logger)
	case isSet(arguments, "tables"):
		err = tables(ctx, cfg, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("command failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func isSet(args docopt.Opts, key string) bool {
	v, _ := args.Bool(key)
	return v
}

func newLogger(c config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		level, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

// pipeline connects every dependency and builds the runner.
func pipeline(ctx context.Context, cfg config.Config, logger *zap.Logger) (*dag.Runner, *etl.Env, error) {
	env, err := etl.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	d, err := etl.NewPipeline(cfg, env.Deps)
	if err != nil {
		_ = env.Close(ctx)
		return nil, nil, err
	}
	return dag.NewRunner(d, logger), env, nil
}

func runOnce(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	runner, env, err := pipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer env.Close(context.Background())

	res := runner.Run(ctx, time.Now())
	report(res)
	return res.Err()
}

func schedule(ctx context.Context, cfg config.Config, metricsAddr string, logger *zap.Logger) error {
	runner, env, err := pipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer env.Close(context.Background())

	if metricsAddr != "" {
		srv := startMetrics(metricsAddr, logger)
		defer srv.Close()
	}

	s := dag.NewScheduler(runner, cfg.Pipeline.Interval, logger)
	s.OnResult = report
	return s.Start(ctx)
}

func serve(ctx context.Context, cfg config.Config, flightAddr, metricsAddr string, logger *zap.Logger) error {
	gold, err := db.Open(cfg.Gold.Path, logger)
	if err != nil {
		return err
	}
	defer gold.Close()

	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(flightAddr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", flightAddr, err)
	}
	srv.RegisterFlightService(goldflight.NewGoldService(gold, logger))

	if metricsAddr != "" {
		m := startMetrics(metricsAddr, logger)
		defer m.Close()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()
	logger.Info("serving gold tables",
		zap.String("addr", srv.Addr().String()),
		zap.String("path", gold.Path()))

	select {
	case <-ctx.Done():
		logger.Info("shutting down flight server")
		srv.Shutdown()
		return nil
	case err := <-errCh:
		return err
	}
}

func tables(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	gold, err := db.Open(cfg.Gold.Path, logger)
	if err != nil {
		return err
	}
	defer gold.Close()

	names, err := gold.Tables(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Printf("no tables in %s\n", gold.Path())
		return nil
	}
	for _, name := range names {
		rec, err := gold.ReadTable(ctx, name)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%d rows)\n", name, rec.NumRows())
		for _, f := range rec.Schema().Fields() {
			fmt.Printf("  %-10s %s\n", f.Name, f.Type)
		}
		if s, err := query.Summarize(rec, schema.ClassColumn, schema.AmountColumn); err == nil {
			fmt.Printf("  fraud: %d of %d (%.4f%%)\n", s.Fraud, s.Rows, 100*s.Ratio)
		}
		rec.Release()
	}
	return nil
}

func startMetrics(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

func report(res dag.RunResult) {
	fmt.Printf("run %s (%s) %s\n", res.RunID, res.Stamp, res.State)
	for _, id := range res.Order {
		t := res.Tasks[id]
		line := fmt.Sprintf("  %-26s %-16s attempts=%d", id, t.State, t.Attempts)
		if !t.Handoff.IsZero() {
			line += " " + t.Handoff.String()
		}
		if t.Err != nil {
			line += " error=" + t.Err.Error()
		}
		fmt.Println(line)
	}
}
