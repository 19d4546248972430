package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/fp-stamp/internal/apperr"
	"github.com/Brownie44l1/fp-stamp/internal/stamp"
	"github.com/Brownie44l1/fp-stamp/internal/storage"
)

const (
	defaultMaxUpload = 100 << 20
	multipartMemory  = 32 << 20
	storeTimeout     = 30 * time.Second
)

// Response headers carrying results next to binary bodies.
const (
	HeaderFingerprint     = "X-Fingerprint"
	HeaderSeed            = "X-Seed"
	HeaderMSE             = "X-Mse-Loss"
	HeaderBitwiseAccuracy = "X-Bitwise-Accuracy"
	HeaderRequestID       = "X-Request-Id"
	HeaderSkipped         = "X-Skipped-Images"
	HeaderArchiveLocation = "X-Archive-Location"
)

type Handler struct {
	service   *stamp.Service
	sink      storage.Sink
	logger    *zap.Logger
	maxUpload int64
}

type Option func(*Handler)

// WithSink persists every batch archive in addition to returning it.
func WithSink(sink storage.Sink) Option {
	return func(h *Handler) { h.sink = sink }
}

func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithMaxUploadBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxUpload = n
		}
	}
}

func NewHandler(service *stamp.Service, opts ...Option) *Handler {
	h := &Handler{
		service:   service,
		logger:    zap.NewNop(),
		maxUpload: defaultMaxUpload,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the fingerprinting endpoints on mux behind the CORS wrapper.
func (h *Handler) Register(mux *http.ServeMux, corsOrigin string) {
	mux.HandleFunc("/health", EnableCORS(corsOrigin, h.Health))
	mux.HandleFunc("/api/fingerprinting/embed", EnableCORS(corsOrigin, h.Embed))
	mux.HandleFunc("/api/fingerprinting/decode", EnableCORS(corsOrigin, h.Decode))
	mux.HandleFunc("/api/fingerprinting/embed-batch", EnableCORS(corsOrigin, h.EmbedBatch))
}

// EnableCORS answers preflight requests and sets CORS headers on the rest.
func EnableCORS(origin string, next http.HandlerFunc) http.HandlerFunc {
	if origin == "" {
		origin = "*"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", strings.Join([]string{
			HeaderFingerprint, HeaderSeed, HeaderMSE, HeaderBitwiseAccuracy,
			HeaderRequestID, HeaderSkipped, HeaderArchiveLocation,
		}, ", "))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// HealthStatus is the data of GET /health.
type HealthStatus struct {
	Status          string `json:"status"`
	FingerprintSize int    `json:"fingerprint_size"`
	Decoder         bool   `json:"decoder"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}
	writeSuccess(w, "Service is healthy", HealthStatus{
		Status:          "healthy",
		FingerprintSize: h.service.FingerprintSize(),
		Decoder:         h.service.CanDecode(),
	})
}

// Embed fingerprints the uploaded "image" and streams back the PNG. The bit
// string and quality metrics travel in response headers.
func (h *Handler) Embed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	data, filename, err := h.readUpload(w, r, "image")
	if err != nil {
		h.fail(w, "embed", err)
		return
	}
	seed, err := parseSeed(r.FormValue("seed"))
	if err != nil {
		h.fail(w, "embed", err)
		return
	}

	h.logger.Debug("embed request", zap.String("filename", filename), zap.Int("bytes", len(data)))

	result, err := h.service.EmbedSingle(r.Context(), data, seed)
	if err != nil {
		h.fail(w, "embed", err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set(HeaderFingerprint, result.Fingerprint)
	w.Header().Set(HeaderSeed, strconv.FormatInt(seed, 10))
	setMetricHeaders(w, result.Metrics.MeanSquaredError, result.Metrics.BitwiseAccuracy)
	w.WriteHeader(http.StatusOK)
	w.Write(result.Image)
}

// DecodeResult is the data of a plain decode.
type DecodeResult struct {
	Fingerprint string `json:"fingerprint"`
}

// Decode recovers the fingerprint from the uploaded "file". With an
// "expected" form value the result is scored against it.
func (h *Handler) Decode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	data, _, err := h.readUpload(w, r, "file", "image")
	if err != nil {
		h.fail(w, "decode", err)
		return
	}

	if expected := strings.TrimSpace(r.FormValue("expected")); expected != "" {
		result, err := h.service.Verify(r.Context(), data, expected)
		if err != nil {
			h.fail(w, "decode", err)
			return
		}
		writeSuccess(w, "Fingerprint verified", result)
		return
	}

	fp, err := h.service.DecodeSingle(r.Context(), data)
	if err != nil {
		h.fail(w, "decode", err)
		return
	}
	writeSuccess(w, "Fingerprint decoded", DecodeResult{Fingerprint: fp})
}

// EmbedBatch fingerprints every image of the uploaded zip "file" with one
// shared fingerprint and returns the packaged archive.
func (h *Handler) EmbedBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	data, filename, err := h.readUpload(w, r, "file", "archive")
	if err != nil {
		h.fail(w, "embed-batch", err)
		return
	}
	seed, err := parseSeed(r.FormValue("seed"))
	if err != nil {
		h.fail(w, "embed-batch", err)
		return
	}

	h.logger.Info("batch request", zap.String("filename", filename), zap.Int("bytes", len(data)))

	result, err := h.service.EmbedBatch(r.Context(), data, seed)
	if err != nil {
		h.fail(w, "embed-batch", err)
		return
	}

	key := storage.ArchiveKey(result.RequestID)
	if location := h.store(r.Context(), key, result); location != "" {
		w.Header().Set(HeaderArchiveLocation, location)
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", key))
	w.Header().Set(HeaderRequestID, result.RequestID)
	w.Header().Set(HeaderFingerprint, result.Fingerprint)
	w.Header().Set(HeaderSeed, strconv.FormatInt(seed, 10))
	w.Header().Set(HeaderSkipped, strconv.Itoa(len(result.Skipped)))
	setMetricHeaders(w, result.Metrics.MeanSquaredError, result.Metrics.BitwiseAccuracy)
	w.WriteHeader(http.StatusOK)
	w.Write(result.Archive)
}

// store hands the archive to the sink. A storage failure is logged and the
// archive is still returned to the client.
func (h *Handler) store(ctx context.Context, key string, result stamp.BatchResult) string {
	if h.sink == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	location, err := h.sink.Store(ctx, key, result.Archive)
	if err != nil {
		h.logger.Error("failed to store archive",
			zap.String("request_id", result.RequestID),
			zap.String("key", key),
			zap.Error(err),
		)
		return ""
	}
	h.logger.Info("archive stored", zap.String("request_id", result.RequestID), zap.String("location", location))
	return location
}

// readUpload returns the first present multipart file among fields.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request, fields ...string) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, "", err
		}
		return nil, "", apperr.Wrap(apperr.KindValidation, "parse form", err)
	}

	for _, field := range fields {
		file, header, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return nil, "", apperr.Wrap(apperr.KindValidation, "read "+field, err)
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", apperr.Wrap(apperr.KindValidation, "read "+field, err)
		}
		return data, header.Filename, nil
	}
	return nil, "", apperr.New(apperr.KindValidation, "read upload",
		"no file provided. Use '%s' as the form field name", fields[0])
}

// parseSeed reads the optional seed form value. Without one a random seed
// is drawn and echoed back in the response.
func parseSeed(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return rand.Int64(), nil
	}
	seed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, apperr.New(apperr.KindValidation, "parse seed", "seed %q is not an integer", value)
	}
	return seed, nil
}

func setMetricHeaders(w http.ResponseWriter, mse, accuracy float64) {
	w.Header().Set(HeaderMSE, strconv.FormatFloat(mse, 'g', -1, 64))
	w.Header().Set(HeaderBitwiseAccuracy, strconv.FormatFloat(accuracy, 'f', 4, 64))
}

func (h *Handler) fail(w http.ResponseWriter, endpoint string, err error) {
	code, message := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("endpoint", endpoint), zap.Int("status", code), zap.Error(err))
	}
	writeError(w, code, message, err.Error())
}
