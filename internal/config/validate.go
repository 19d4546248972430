package config

import (
	"errors"
	"fmt"

	"github.com/Brownie44l1/fp-stamp/internal/logging"
	"github.com/Brownie44l1/fp-stamp/internal/storage"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateModels(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must be set")
	}
	if c.Server.MaxUploadMB <= 0 {
		return errors.New("server.max_upload_mb must be positive")
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		return errors.New("server.shutdown_timeout_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateModels() error {
	if c.Models.EncoderPath == "" {
		return errors.New("models.encoder_path is required. Set FPSTAMP_ENCODER_PATH or edit the config file")
	}
	if c.Inference.BatchSize <= 0 {
		return errors.New("inference.batch_size must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "", logging.Debug, logging.Info, logging.Warning, "warn", logging.Error:
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "", storage.BackendNone:
	case storage.BackendLocal:
		if c.Storage.Dir == "" {
			return errors.New("storage.dir must be set for the local backend")
		}
	case storage.BackendMinio:
		if c.Storage.Minio.Endpoint == "" {
			return errors.New("storage.minio.endpoint must be set for the minio backend")
		}
		if c.Storage.Minio.Bucket == "" {
			return errors.New("storage.minio.bucket must be set for the minio backend")
		}
	default:
		return fmt.Errorf("storage.backend: unsupported value %q", c.Storage.Backend)
	}
	return nil
}
