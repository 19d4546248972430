package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// applyEnv overrides file values with FPSTAMP_* variables, PORT and the
// MINIO_* connection variables.
func (c *Config) applyEnv() error {
	if port := getEnv("PORT", ""); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Server.Addr = getEnv("FPSTAMP_ADDR", c.Server.Addr)
	c.Server.CORSOrigin = getEnv("FPSTAMP_CORS_ORIGIN", c.Server.CORSOrigin)

	c.Models.EncoderPath = getEnv("FPSTAMP_ENCODER_PATH", c.Models.EncoderPath)
	c.Models.DecoderPath = getEnv("FPSTAMP_DECODER_PATH", c.Models.DecoderPath)
	c.Models.MetadataPath = getEnv("FPSTAMP_METADATA_PATH", c.Models.MetadataPath)
	c.Models.LibraryPath = getEnv("ONNXRUNTIME_LIB_PATH", c.Models.LibraryPath)

	c.Inference.TempDir = getEnv("FPSTAMP_TEMP_DIR", c.Inference.TempDir)
	c.Logging.Level = getEnv("FPSTAMP_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("FPSTAMP_LOG_FORMAT", c.Logging.Format)

	c.Storage.Backend = getEnv("FPSTAMP_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Dir = getEnv("FPSTAMP_STORAGE_DIR", c.Storage.Dir)
	c.Storage.Minio.Endpoint = getEnv("MINIO_ENDPOINT", c.Storage.Minio.Endpoint)
	c.Storage.Minio.AccessKeyID = getEnv("MINIO_ACCESS_KEY", c.Storage.Minio.AccessKeyID)
	c.Storage.Minio.SecretAccessKey = getEnv("MINIO_SECRET_KEY", c.Storage.Minio.SecretAccessKey)
	c.Storage.Minio.Bucket = getEnv("MINIO_BUCKET", c.Storage.Minio.Bucket)

	var err error
	if c.Server.MaxUploadMB, err = getEnvAsInt("FPSTAMP_MAX_UPLOAD_MB", c.Server.MaxUploadMB); err != nil {
		return err
	}
	if c.Inference.BatchSize, err = getEnvAsInt("FPSTAMP_BATCH_SIZE", c.Inference.BatchSize); err != nil {
		return err
	}
	if c.Inference.Concurrent, err = getEnvAsBool("FPSTAMP_CONCURRENT_INFERENCE", c.Inference.Concurrent); err != nil {
		return err
	}
	if c.Metrics.Enabled, err = getEnvAsBool("FPSTAMP_METRICS_ENABLED", c.Metrics.Enabled); err != nil {
		return err
	}
	if c.Storage.Minio.UseSSL, err = getEnvAsBool("MINIO_USE_SSL", c.Storage.Minio.UseSSL); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return n, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, value)
	}
	return b, nil
}
