package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/Brownie44l1/fp-stamp/internal/logging"
	"github.com/Brownie44l1/fp-stamp/internal/model"
	"github.com/Brownie44l1/fp-stamp/internal/storage"
	"github.com/Brownie44l1/fp-stamp/internal/telemetry"
)

//go:embed sample_config.toml
var sampleConfig string

// Server contains HTTP listener settings.
type Server struct {
	Addr                   string `toml:"addr"`
	MaxUploadMB            int    `toml:"max_upload_mb"`
	CORSOrigin             string `toml:"cors_origin"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
}

// Models locates the exported encoder/decoder and the ONNX Runtime library.
type Models struct {
	EncoderPath  string `toml:"encoder_path"`
	DecoderPath  string `toml:"decoder_path"`
	MetadataPath string `toml:"metadata_path"`
	LibraryPath  string `toml:"library_path"`
}

// Inference contains forward pass and batching settings.
type Inference struct {
	// Concurrent lets forward passes overlap instead of serializing them.
	Concurrent bool   `toml:"concurrent"`
	BatchSize  int    `toml:"batch_size"`
	TempDir    string `toml:"temp_dir"`
}

// Metrics controls the Prometheus endpoint.
type Metrics struct {
	Enabled                 bool   `toml:"enabled"`
	Namespace               string `toml:"namespace"`
	ServiceName             string `toml:"service_name"`
	EnableDefaultCollectors bool   `toml:"enable_default_collectors"`
}

// Config encapsulates all configuration values for fp-stamp.
//
// Sections:
//   - Server: bind address, upload limit and CORS
//   - Models: encoder, decoder, metadata and runtime library paths
//   - Inference: batch size and forward pass concurrency
//   - Logging: log format and level
//   - Metrics: Prometheus registry options
//   - Storage: where output archives are kept
type Config struct {
	Server    Server         `toml:"server"`
	Models    Models         `toml:"models"`
	Inference Inference      `toml:"inference"`
	Logging   logging.Config `toml:"logging"`
	Metrics   Metrics        `toml:"metrics"`
	Storage   storage.Config `toml:"storage"`
}

// SampleConfig returns a commented configuration file.
func SampleConfig() string {
	return sampleConfig
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load parses the TOML file at path on top of Default, applies environment
// overrides and validates the result. An empty or missing path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("open config: %w", err)
		default:
			defer file.Close()
			decoder := toml.NewDecoder(file)
			decoder.DisallowUnknownFields()
			if err := decoder.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ModelOptions converts the models and inference sections for model.Load.
func (c *Config) ModelOptions() model.Options {
	return model.Options{
		EncoderPath:  c.Models.EncoderPath,
		DecoderPath:  c.Models.DecoderPath,
		MetadataPath: c.Models.MetadataPath,
		LibraryPath:  c.Models.LibraryPath,
		Concurrent:   c.Inference.Concurrent,
	}
}

// Telemetry converts the metrics section for telemetry.New.
func (c *Config) Telemetry() telemetry.Config {
	return telemetry.Config{
		Namespace:               c.Metrics.Namespace,
		ServiceName:             c.Metrics.ServiceName,
		EnableDefaultCollectors: c.Metrics.EnableDefaultCollectors,
	}
}

// MaxUploadBytes is the request body limit derived from server.max_upload_mb.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

func (c *Config) normalize() {
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	if c.Server.Addr != "" && !strings.Contains(c.Server.Addr, ":") {
		c.Server.Addr = ":" + c.Server.Addr
	}
	for _, p := range []*string{&c.Models.EncoderPath, &c.Models.DecoderPath, &c.Models.MetadataPath, &c.Models.LibraryPath} {
		if *p = strings.TrimSpace(*p); *p != "" {
			*p = filepath.Clean(*p)
		}
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
}
