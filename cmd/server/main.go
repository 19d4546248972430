package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/fp-stamp/internal/config"
	"github.com/Brownie44l1/fp-stamp/internal/handlers"
	"github.com/Brownie44l1/fp-stamp/internal/logging"
	"github.com/Brownie44l1/fp-stamp/internal/model"
	"github.com/Brownie44l1/fp-stamp/internal/stamp"
	"github.com/Brownie44l1/fp-stamp/internal/storage"
	"github.com/Brownie44l1/fp-stamp/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "fpstamp.toml", "path to the TOML configuration file")
	envFile := flag.String("env-file", ".env", "optional KEY=VALUE file loaded before the environment is read")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "fpstamp server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	// If running from cmd/server, resolve relative paths from the project root
	if wd, err := os.Getwd(); err == nil && filepath.Base(wd) == "server" {
		if err := os.Chdir(filepath.Join(wd, "../..")); err != nil {
			return fmt.Errorf("change to project root: %w", err)
		}
	}

	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "fpstamp-server",
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("loading models",
		zap.String("encoder", cfg.Models.EncoderPath),
		zap.String("decoder", cfg.Models.DecoderPath),
	)
	pair, err := model.Load(cfg.ModelOptions())
	if err != nil {
		return fmt.Errorf("failed to initialize models: %w", err)
	}
	defer pair.Close()
	if !pair.HasDecoder() {
		logger.Warn("decoder not loaded, decode and self-check are disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	serviceOpts := []stamp.Option{
		stamp.WithLogger(logger.Named("stamp")),
		stamp.WithBatchSize(cfg.Inference.BatchSize),
		stamp.WithTempDir(cfg.Inference.TempDir),
	}
	if cfg.Metrics.Enabled {
		tel := telemetry.New(cfg.Telemetry())
		serviceOpts = append(serviceOpts, stamp.WithRecorder(tel))
		mux.Handle("/metrics", tel.Handler())
	}
	service := stamp.New(pair, serviceOpts...)

	handler := handlers.NewHandler(service,
		handlers.WithSink(sink),
		handlers.WithLogger(logger.Named("http")),
		handlers.WithMaxUploadBytes(cfg.MaxUploadBytes()),
	)
	handler.Register(mux, cfg.Server.CORSOrigin)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("server starting",
		zap.String("addr", cfg.Server.Addr),
		zap.Int("fingerprint_size", pair.FingerprintSize()),
		zap.Int("image_size", pair.ImageSize()),
		zap.Int("batch_size", cfg.Inference.BatchSize),
		zap.String("storage", cfg.Storage.Backend),
		zap.Strings("endpoints", []string{
			"GET /health",
			"GET /metrics",
			"POST /api/fingerprinting/embed",
			"POST /api/fingerprinting/decode",
			"POST /api/fingerprinting/embed-batch",
		}),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
