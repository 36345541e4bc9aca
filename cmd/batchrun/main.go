package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvohq/batchrun/internal/batch"
	"github.com/corvohq/batchrun/internal/observability"
	"github.com/corvohq/batchrun/internal/ops"
	"github.com/corvohq/batchrun/internal/scheduler"
	"github.com/corvohq/batchrun/internal/server"
	"github.com/corvohq/batchrun/internal/store"
)

var (
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "batchrun",
	Short:         "Batchrun: resumable, step-at-a-time batch processing",
	Long:          "Runs long batch jobs one operation at a time, persisting progress after every step.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the batchrun server",
	RunE:  runServer,
}

var (
	bindAddr          string
	dataDir           string
	storeBackend      string
	h2cEnabled        bool
	tokenSecret       string
	tokenTTL          time.Duration
	defaultDriver     string
	schedulerInterval = time.Second
	concurrency       = 4
	stepsPerTick      = 1
	retention         = 24 * time.Hour
	abandonAfter      = 240 * time.Hour
	sweepInterval     = time.Minute
	deleteOnFinal     bool
	shutdownTimeout   = 2 * time.Second
	otelEnabled       bool
	otelEndpoint      string
	otelSampleRatio   float64
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serverCmd.Flags().StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for job storage")
	serverCmd.Flags().StringVar(&storeBackend, "store", store.BackendPebble, "Job store backend: pebble, badger, or sqlite")
	serverCmd.Flags().BoolVar(&h2cEnabled, "h2c", false, "Serve HTTP/2 over cleartext alongside HTTP/1.1")
	serverCmd.Flags().StringVar(&tokenSecret, "token-secret", "", "HMAC secret for continuation tokens (or set BATCHRUN_TOKEN_SECRET); empty disables tokens")
	serverCmd.Flags().DurationVar(&tokenTTL, "token-ttl", 0, "Continuation token lifetime (0 = no expiry)")
	serverCmd.Flags().StringVar(&defaultDriver, "default-driver", scheduler.DriverName, "Driver for jobs submitted without one (scheduler or http)")
	serverCmd.Flags().DurationVar(&schedulerInterval, "scheduler-interval", time.Second, "How often the scheduler steps ready jobs")
	serverCmd.Flags().IntVar(&concurrency, "concurrency", 4, "Jobs stepped in parallel per scheduler tick")
	serverCmd.Flags().IntVar(&stepsPerTick, "steps-per-tick", 1, "Consecutive steps one job may take per scheduler tick")
	serverCmd.Flags().DurationVar(&retention, "retention", 24*time.Hour, "How long to keep finished and failed jobs")
	serverCmd.Flags().DurationVar(&abandonAfter, "abandon-after", 240*time.Hour, "Delete unfinished jobs idle longer than this")
	serverCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Minute, "How often the retention sweep runs")
	serverCmd.Flags().BoolVar(&deleteOnFinal, "delete-on-final", false, "Delete scheduler jobs as soon as their results are delivered")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 2*time.Second, "Graceful HTTP shutdown timeout before force-close")
	serverCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serverCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
	serverCmd.Flags().Float64Var(&otelSampleRatio, "otel-sample-ratio", 0, "Fraction of traces sampled (0 = all)")

	rootCmd.AddCommand(serverCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func runServer(cmd *cobra.Command, args []string) error {
	if concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1")
	}

	slog.Info("starting batchrun server",
		"bind", bindAddr,
		"data_dir", dataDir,
		"store", storeBackend,
		"h2c", h2cEnabled,
		"default_driver", defaultDriver,
		"scheduler_interval", schedulerInterval,
		"concurrency", concurrency,
		"steps_per_tick", stepsPerTick,
		"retention", retention,
		"abandon_after", abandonAfter,
		"delete_on_final", deleteOnFinal,
		"shutdown_timeout", shutdownTimeout,
		"otel_enabled", otelEnabled,
		"otel_endpoint", otelEndpoint,
	)

	otelShutdown, err := observability.InitTracer(observability.TracingConfig{
		Enabled:     otelEnabled,
		Service:     "batchrun-server",
		Endpoint:    otelEndpoint,
		SampleRatio: otelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	db, err := store.Open(storeBackend, dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	reg := batch.NewRegistry()
	if err := ops.Register(reg); err != nil {
		db.Close()
		return fmt.Errorf("register operations: %w", err)
	}
	runner := batch.NewRunner(db, reg)
	queue := batch.NewQueue(db, reg)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Interval = schedulerInterval
	schedCfg.Concurrency = concurrency
	schedCfg.StepsPerTick = stepsPerTick
	schedCfg.Retention = retention
	schedCfg.AbandonAfter = abandonAfter
	schedCfg.SweepInterval = sweepInterval
	schedCfg.DeleteOnFinal = deleteOnFinal
	sched := scheduler.New(runner, db, schedCfg)
	schedCtx, schedCancel := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(schedCtx)
	}()

	opts := []server.Option{server.WithDefaultDriver(defaultDriver)}
	secret := strings.TrimSpace(tokenSecret)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("BATCHRUN_TOKEN_SECRET"))
	}
	if secret != "" {
		tokens, err := server.NewTokenIssuer(secret, tokenTTL)
		if err != nil {
			schedCancel()
			db.Close()
			return fmt.Errorf("token issuer: %w", err)
		}
		opts = append(opts, server.WithTokens(tokens))
		slog.Info("continuation tokens enabled", "ttl", tokenTTL)
	} else {
		slog.Warn("no token secret set; continuation URLs are unauthenticated")
	}
	if h2cEnabled {
		opts = append(opts, server.WithH2C())
	}

	srv := server.New(runner, queue, db, bindAddr, opts...)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("batchrun server ready", "bind", bindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	slog.Info("stopping HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error; forcing close", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			slog.Error("HTTP force close error", "error", closeErr)
		}
	}

	slog.Info("stopping scheduler")
	schedCancel()
	<-schedDone

	slog.Info("stopping store")
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("batchrun server stopped")
	return nil
}
