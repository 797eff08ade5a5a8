// Command mailboy runs the mail bridge: the IMAP sync engine, hydration
// workers, draft uplink and the HTTP surface consumed by the UI.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/themadorg/mailboy/internal/api"
	"github.com/themadorg/mailboy/internal/blob"
	"github.com/themadorg/mailboy/internal/config"
	"github.com/themadorg/mailboy/internal/db"
	"github.com/themadorg/mailboy/internal/engine"
	"github.com/themadorg/mailboy/internal/hotcache"
	"github.com/themadorg/mailboy/internal/metrics"
	"github.com/themadorg/mailboy/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "mailboy",
		Usage: "personal mail bridge",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:    "config",
				Usage:   "configuration file to use",
				EnvVars: []string{"MAILBOY_CONFIG"},
				Value:   "mailboy.toml",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Start the bridge",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "HTTP listen address (overrides config)",
					},
				},
				Action: run,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.Path("config"))
	if err != nil {
		return err
	}
	if addr := cliCtx.String("listen"); addr != "" {
		cfg.Listen = addr
	}
	if cliCtx.Bool("debug") {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	gdb, err := db.New(cfg.Storage.Driver, cfg.Storage.DSN, cfg.Storage.Debug)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return fmt.Errorf("migrate storage: %w", err)
	}

	blobs, err := blob.New(cfg.Storage.BlobDir)
	if err != nil {
		return err
	}

	cache := hotcache.New()
	defer cache.Close()

	var collector metrics.Collector = metrics.Noop{}
	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		collector = metrics.NewPrometheusCollector(registry)
	}

	eng := engine.New(engine.Config{
		Store:   store.New(gdb),
		Cache:   cache,
		Blobs:   blobs,
		Metrics: collector,
		Log:     log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Shutdown()

	var gatherer prometheus.Gatherer
	if registry != nil {
		gatherer = registry
	}
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(eng, gatherer, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}
