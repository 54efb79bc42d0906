// cmd/tzmetad/main.go
// Package main implements the entry point for the tezmeta service.
// It wires configuration, storage, the node pool, and the resolver
// into the HTTP server and handles graceful shutdown.
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

	"github.com/tezmeta/tezmeta-go/internal/archive"
	"github.com/tezmeta/tezmeta-go/internal/config"
	"github.com/tezmeta/tezmeta-go/internal/event"
	"github.com/tezmeta/tezmeta-go/internal/introspect"
	"github.com/tezmeta/tezmeta-go/internal/metrics"
	"github.com/tezmeta/tezmeta-go/internal/nodepool"
	"github.com/tezmeta/tezmeta-go/internal/resolver"
	"github.com/tezmeta/tezmeta-go/internal/rpc"
	"github.com/tezmeta/tezmeta-go/internal/server"
	"github.com/tezmeta/tezmeta-go/internal/storage"
	"github.com/tezmeta/tezmeta-go/internal/telemetry"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("tzmeta-service")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		store = storage.NewMemory()
	}
	defer store.Close()

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisherFromEnv()
	defer pub.Close()

	// Optional document archive
	var archiver *archive.S3Client
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
		archiver, err = archive.NewS3Client(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize document archive", "error", err)
			os.Exit(1)
		}
	}

	// Chain-node pool with background health polling
	m := metrics.NewMetrics()
	client := rpc.New(0)
	pool := nodepool.New(cfg.Nodes, client, logger, pub, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	pool.EnsureStarted(ctx)

	// Metadata resolution pipeline
	intro := introspect.New(client, logger, m)
	res := resolver.New(pool, intro, logger, m)

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(store, pub, pool, res, nil, archiver,
		cfg.JWTIssuer, cfg.JWTAudience, cfg.CORSAllowedOrigins)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second, // Storage resolutions can take a while
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "nodes", len(cfg.Nodes))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt; this also cancels the polling loop
	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}
