package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/benz9527/xmap/lib/infra"
	"github.com/benz9527/xmap/observability"
	"github.com/benz9527/xmap/stress"
	"github.com/benz9527/xmap/xlog"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

const stopTimeout = 30 * time.Second

type banner struct{}

func (banner) JSON() string {
	return fmt.Sprintf(`{"app":"xmap-stress","version":%q,"commit":%q}`, Version, Commit)
}

func (banner) PlainText() string {
	return fmt.Sprintf("xmap-stress %s (%s)", Version, Commit)
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "xmap-stress",
		Usage:   "Hammer the epoch reclaimed lock-free maps and verify them",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "yaml config file",
				EnvVars: []string{"XMAP_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "reload the log level when the config file changes",
			},
			&cli.StringFlag{Name: "map", Usage: "list or skl"},
			&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Usage: "concurrent workers"},
			&cli.IntFlag{Name: "keys", Aliases: []string{"k"}, Usage: "shared key space"},
			&cli.IntFlag{Name: "ops", Usage: "operations per worker, 0 runs for the duration"},
			&cli.DurationFlag{Name: "duration", Aliases: []string{"d"}, Usage: "run time limit"},
			&cli.Uint64Flag{Name: "seed", Usage: "workload seed, 0 draws one"},
			&cli.StringFlag{Name: "retry", Usage: "kv retry strategy: exponential, limited or none"},
			&cli.Int64Flag{Name: "retry-attempts", Usage: "kv retry attempts per operation"},
			&cli.StringFlag{Name: "log-level", Usage: "DEBUG, INFO, WARN or ERROR"},
			&cli.StringFlag{Name: "metrics", Usage: "none, stdout or prometheus"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "prometheus listen address"},
		},
		Action: run,
	}
}

// flagOverrides keeps the flags set explicitly, they win over the file
// and the environment.
func flagOverrides(c *cli.Context) map[string]any {
	overrides := make(map[string]any)
	for flag, key := range map[string]string{
		"map":            "map",
		"workers":        "workers",
		"keys":           "keys",
		"ops":            "ops",
		"duration":       "duration",
		"seed":           "seed",
		"retry":          "retry.strategy",
		"retry-attempts": "retry.attempts",
		"log-level":      "log.level",
		"metrics":        "metrics.exporter",
		"metrics-addr":   "metrics.addr",
	} {
		if c.IsSet(flag) {
			overrides[key] = c.Value(flag)
		}
	}
	return overrides
}

func newLogger(cfg *stress.Config) xlog.XLogger {
	enc := xlog.JSON
	if cfg.Log.Encoder == "plaintext" {
		enc = xlog.PlainText
	}
	logger := xlog.NewXLogger(
		xlog.WithXLoggerEncoder(enc),
		xlog.WithXLoggerContextFieldExtract(stress.ContextKeyWorker),
	)
	logger.IncreaseLogLevel(xlog.ParseLogLevel(cfg.Log.Level))
	return logger
}

func run(c *cli.Context) error {
	loader := stress.NewLoader(
		stress.WithLoaderConfigFile(c.String("config")),
		stress.WithLoaderOverrides(flagOverrides(c)),
	)
	cfg, err := loader.Load()
	if err != nil {
		return cli.Exit(fmt.Sprintf("%+v", err), 2)
	}

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()
	logger.Banner(banner{})
	if _, err = maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Logf(zapcore.InfoLevel, format, args...)
	})); err != nil {
		logger.Error(err, "set GOMAXPROCS failed")
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	if err = initMetrics(ctx, cfg); err != nil {
		return cli.Exit(fmt.Sprintf("%+v", err), 2)
	}

	results := make(chan stress.Result, 1)
	opts := []fx.Option{
		fx.WithLogger(func() fxevent.Logger {
			return xlog.NewFxXLogger(logger)
		}),
		fx.Supply(cfg),
		fx.Provide(
			func() xlog.XLogger { return logger },
			func() chan<- stress.Result { return results },
		),
		stress.Module,
	}
	if cfg.Metrics.Exporter == stress.ExporterPrometheus {
		opts = append(opts, fx.Invoke(registerMetricsServer))
	}
	if c.Bool("watch") && loader.FilePath() != "" {
		opts = append(opts, fx.Supply(loader), fx.Invoke(registerConfigWatcher))
	}
	app := fx.New(opts...)

	startCtx, startCancel := context.WithTimeout(ctx, stopTimeout)
	defer startCancel()
	if err = app.Start(startCtx); err != nil {
		return cli.Exit(fmt.Sprintf("%+v", err), 1)
	}
	sig := <-app.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err = app.Stop(stopCtx); err != nil {
		logger.Error(err, "stop failed")
	}

	select {
	case res := <-results:
		if res.Err != nil {
			return cli.Exit(res.Err.Error(), 1)
		}
		logger.Info("stress passed",
			zap.Int64("ops", res.Report.Ops),
			zap.Duration("elapsed", res.Report.Elapsed),
		)
	default:
		logger.Warn("stress interrupted", zap.Any("signal", sig.Signal))
	}
	if sig.ExitCode != 0 {
		return cli.Exit("", sig.ExitCode)
	}
	return nil
}

func initMetrics(ctx context.Context, cfg *stress.Config) error {
	var (
		shutdown observability.ShutdownCallback
		err      error
	)
	switch cfg.Metrics.Exporter {
	case stress.ExporterStdout:
		shutdown, err = observability.NewConsoleMetricsExporter(cfg.Metrics.Interval, 5*time.Second)
	case stress.ExporterPrometheus:
		shutdown, err = observability.NewPrometheusMetricsExporter()
	default:
		return nil
	}
	if err != nil {
		return err
	}
	observability.InitAppStats(ctx, "stress", shutdown)
	return nil
}

func registerMetricsServer(lc fx.Lifecycle, cfg *stress.Config, logger xlog.XLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return infra.WrapErrorStackWithMessage(err, "metrics listen")
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error(err, "metrics server stopped")
				}
			}()
			logger.Info("metrics served", zap.String("addr", ln.Addr().String()))
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

func registerConfigWatcher(lc fx.Lifecycle, loader *stress.Loader, logger xlog.XLogger) error {
	w, err := stress.NewConfigWatcher(loader, logger)
	if err != nil {
		return err
	}
	w.OnChange(func(cfg *stress.Config) {
		logger.IncreaseLogLevel(xlog.ParseLogLevel(cfg.Log.Level))
	})
	lc.Append(fx.StartStopHook(w.Start, w.Stop))
	return nil
}
