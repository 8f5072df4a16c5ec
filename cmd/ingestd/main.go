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

	"github.com/atgraph-dev/atgraph/firehose"
	"github.com/atgraph-dev/atgraph/ingest"
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
		Name:    "ingestd",
		Usage:   "feed ingestion daemon: subscribes to the event feed and writes to the durable buffer",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "ws-url",
			Usage:   "full websocket path to the event feed subscribe endpoint",
			Value:   "wss://jetstream2.us-east.bsky.network/subscribe",
			EnvVars: []string{"ATGRAPH_WS_URL"},
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
			Name:    "cursor-file",
			Usage:   "path to the resume cursor file",
			Value:   "ingest_cursor.json",
			EnvVars: []string{"ATGRAPH_CURSOR_FILE"},
		},
		&cli.DurationFlag{
			Name:    "cursor-save-interval",
			Usage:   "how often to save the resume cursor",
			Value:   5 * time.Second,
			EnvVars: []string{"ATGRAPH_CURSOR_SAVE_INTERVAL"},
		},
		&cli.StringSliceFlag{
			Name:    "wanted-collections",
			Usage:   "restrict commit events to these collection NSIDs (server-side filter)",
			EnvVars: []string{"ATGRAPH_WANTED_COLLECTIONS"},
		},
		&cli.StringSliceFlag{
			Name:    "wanted-dids",
			Usage:   "restrict events to these actors (server-side filter)",
			EnvVars: []string{"ATGRAPH_WANTED_DIDS"},
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Usage:   "listen port for the metrics server",
			Value:   8331,
			EnvVars: []string{"ATGRAPH_INGEST_METRICS_PORT"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"ATGRAPH_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Action = runIngestd

	return app.Run(args)
}

func runIngestd(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	logger := configLogger(cctx, os.Stdout)
	slog.SetDefault(logger)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	progress, err := ingest.LoadProgress(cctx.String("cursor-file"))
	if err != nil {
		return fmt.Errorf("failed to load cursor file: %w", err)
	}

	publisher, err := queue.NewPublisher(ctx, cctx.String("nats-url"), cctx.String("stream"), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to buffer: %w", err)
	}
	defer publisher.Close()

	ingester := ingest.NewIngester(logger, publisher, progress, cctx.String("cursor-file"))

	client, err := firehose.NewClient(cctx.String("ws-url"), ingester.HandleEvent,
		firehose.WithLogger(logger),
		firehose.WithUserAgent("atgraph-ingestd/"+versioninfo.Short()),
		firehose.WithCursor(progress.Get()),
		firehose.WithWantedCollections(cctx.StringSlice("wanted-collections")),
		firehose.WithWantedDids(cctx.StringSlice("wanted-dids")),
	)
	if err != nil {
		return fmt.Errorf("failed to create feed client: %w", err)
	}

	saverDone := make(chan struct{})
	go func() {
		defer close(saverDone)
		ingester.RunCursorSaver(ctx, cctx.Duration("cursor-save-interval"))
	}()

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
		logger.Info("starting feed client", "addr", cctx.String("ws-url"), "cursor", progress.Get())
		if err := client.Run(ctx); err != nil {
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

	// Wait for the saver's final cursor write before exiting.
	<-saverDone

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
