package config

import (
	"path/filepath"

	"github.com/Brownie44l1/fp-stamp/internal/dataset"
	"github.com/Brownie44l1/fp-stamp/internal/logging"
	"github.com/Brownie44l1/fp-stamp/internal/storage"
)

const (
	defaultAddr            = ":8080"
	defaultMaxUploadMB     = 100
	defaultShutdownTimeout = 10
	defaultModelsDir       = "models"
	defaultOutputDir       = "output"
)

// Default returns a configuration that runs against models in ./models with
// archives kept only in responses.
func Default() Config {
	return Config{
		Server: Server{
			Addr:                   defaultAddr,
			MaxUploadMB:            defaultMaxUploadMB,
			CORSOrigin:             "*",
			ShutdownTimeoutSeconds: defaultShutdownTimeout,
		},
		Models: Models{
			EncoderPath:  filepath.Join(defaultModelsDir, "encoder.onnx"),
			DecoderPath:  filepath.Join(defaultModelsDir, "decoder.onnx"),
			MetadataPath: filepath.Join(defaultModelsDir, "fingerprint_metadata.json"),
		},
		Inference: Inference{
			BatchSize: dataset.DefaultBatchSize,
		},
		Logging: logging.Config{
			Level:  logging.Info,
			Format: "json",
		},
		Metrics: Metrics{
			Enabled:                 true,
			Namespace:               "fpstamp",
			EnableDefaultCollectors: true,
		},
		Storage: storage.Config{
			Backend: storage.BackendNone,
			Dir:     defaultOutputDir,
		},
	}
}
