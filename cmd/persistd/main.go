package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/atgraph-dev/atgraph/models"
	"github.com/atgraph-dev/atgraph/persist"
	"github.com/atgraph-dev/atgraph/queue"
	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting process", "error", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "persistd",
		Usage:   "persistence daemon: drains the durable buffer into the relational store",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "db-url",
			Usage:   "database connection string (sqlite:// or postgres://)",
			Value:   "sqlite://data/atgraph/atgraph.sqlite",
			EnvVars: []string{"ATGRAPH_DB_URL", "DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Usage:   "maximum number of database connections",
			Value:   40,
			EnvVars: []string{"ATGRAPH_MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "nats-url",
			Usage:   "NATS server URL for the durable buffer",
			Value:   "nats://localhost:4222",
			EnvVars: []string{"ATGRAPH_NATS_URL"},
		},
		&cli.StringFlag{
			Name:    "stream",
			Usage:   "name of the buffer stream",
			Value:   "atgraph",
			EnvVars: []string{"ATGRAPH_STREAM"},
		},
		&cli.StringFlag{
			Name:    "consumer",
			Usage:   "durable consumer name; workers sharing a name share the stream",
			Value:   "persistd",
			EnvVars: []string{"ATGRAPH_CONSUMER"},
		},
		&cli.IntFlag{
			Name:    "batch-size",
			Usage:   "maximum number of events to pull per fetch",
			Value:   100,
			EnvVars: []string{"ATGRAPH_BATCH_SIZE"},
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Usage:   "listen port for the metrics server",
			Value:   8332,
			EnvVars: []string{"ATGRAPH_PERSIST_METRICS_PORT"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"ATGRAPH_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Action = runPersistd

	return app.Run(args)
}

func runPersistd(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	logger := configLogger(cctx, os.Stdout)
	slog.SetDefault(logger)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	db, err := models.SetupDatabase(cctx.String("db-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return fmt.Errorf("failed to set up database: %w", err)
	}

	consumer, err := queue.NewConsumer(ctx,
		cctx.String("nats-url"),
		cctx.String("stream"),
		cctx.String("consumer"),
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to connect to buffer: %w", err)
	}
	defer consumer.Close()

	worker := persist.NewWorker(logger, db, consumer, cctx.Int("batch-size"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cctx.Int("metrics-port")),
		Handler: mux,
	}

	svcErr := make(chan error, 1)

	go func() {
		logger.Info("starting metrics server", "addr", metricServer.Addr)
		if err := metricServer.ListenAndServe(); err != http.ErrServerClosed {
			svcErr <- err
		}
	}()

	go func() {
		logger.Info("starting persistence worker", "stream", cctx.String("stream"), "consumer", cctx.String("consumer"))
		if err := worker.Run(ctx); err != nil {
			svcErr <- err
		}
	}()

	logger.Info("startup complete")
	select {
	case <-signals:
		logger.Info("received shutdown signal")
	case err := <-svcErr:
		if err != nil {
			logger.Error("service error", "error", err)
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func configLogger(cctx *cli.Context, writer *os.File) *slog.Logger {
	var level slog.Level
	switch cctx.String("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))

	return logger
}
