// Package stamp is the fingerprinting service: it embeds a seeded fingerprint
// into single images or whole archives, self-checks each result with the
// decoder and reports quality metrics.
package stamp

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/fp-stamp/internal/apperr"
	"github.com/Brownie44l1/fp-stamp/internal/dataset"
	"github.com/Brownie44l1/fp-stamp/internal/fingerprint"
	"github.com/Brownie44l1/fp-stamp/internal/imagecodec"
	"github.com/Brownie44l1/fp-stamp/internal/model"
	"github.com/Brownie44l1/fp-stamp/internal/quality"
)

// Operation names used for logging and telemetry.
const (
	OpEmbed      = "embed"
	OpDecode     = "decode"
	OpVerify     = "verify"
	OpEmbedBatch = "embed_batch"
)

// Recorder receives request-level observations. *telemetry.Telemetry
// satisfies it.
type Recorder interface {
	ObserveRequest(operation string, err error, elapsed time.Duration)
	ObserveImages(embedded, skipped int)
	ObserveQuality(operation string, m quality.Metrics)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(string, error, time.Duration) {}
func (nopRecorder) ObserveImages(int, int)                      {}
func (nopRecorder) ObserveQuality(string, quality.Metrics)      {}

// Service holds the loaded model pair. Construct it once and share it.
type Service struct {
	pair      *model.Pair
	logger    *zap.Logger
	recorder  Recorder
	batchSize int
	tmpDir    string
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithBatchSize sets how many images share one forward pass.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithTempDir sets where archive workspaces are created.
func WithTempDir(dir string) Option {
	return func(s *Service) { s.tmpDir = dir }
}

func New(pair *model.Pair, opts ...Option) *Service {
	s := &Service{
		pair:      pair,
		logger:    zap.NewNop(),
		recorder:  nopRecorder{},
		batchSize: dataset.DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FingerprintSize is the fixed bit length of every fingerprint.
func (s *Service) FingerprintSize() int { return s.pair.FingerprintSize() }

// CanDecode reports whether a decoder model is loaded.
func (s *Service) CanDecode() bool { return s.pair.HasDecoder() }

// SingleResult is the outcome of EmbedSingle.
type SingleResult struct {
	Image       []byte
	Fingerprint string
	Metrics     quality.Metrics
}

// EmbedSingle fingerprints one image with the bits generated from seed and
// returns the PNG, the bit string and the self-check metrics. Without a
// decoder the bitwise accuracy is reported as 0.
func (s *Service) EmbedSingle(ctx context.Context, imageBytes []byte, seed int64) (res SingleResult, err error) {
	start := time.Now()
	defer func() { s.finish(OpEmbed, start, err) }()

	if err := ctx.Err(); err != nil {
		return SingleResult{}, err
	}

	tensor, err := imagecodec.FromBytes(imageBytes, s.pair.ImageSize())
	if err != nil {
		return SingleResult{}, err
	}

	fp := fingerprint.Generate(seed, s.pair.FingerprintSize())
	embedded, err := s.pair.Embed(fp, []imagecodec.Tensor{tensor})
	if err != nil {
		return SingleResult{}, err
	}

	accuracies, err := s.selfCheck(fp, embedded)
	if err != nil {
		return SingleResult{}, err
	}

	out, err := imagecodec.EncodePNG(embedded[0])
	if err != nil {
		return SingleResult{}, apperr.Wrap(apperr.KindInference, "encode output", err)
	}

	res = SingleResult{
		Image:       out,
		Fingerprint: fp.String(),
		Metrics: quality.Metrics{
			MeanSquaredError: quality.MSE(embedded[0], tensor),
			BitwiseAccuracy:  accuracies[0],
		},
	}
	s.recorder.ObserveQuality(OpEmbed, res.Metrics)
	s.logger.Info("fingerprint embedded",
		zap.Int64("seed", seed),
		zap.Float64("mse_loss", res.Metrics.MeanSquaredError),
		zap.Float64("bitwise_accuracy", res.Metrics.BitwiseAccuracy),
	)
	return res, nil
}

// DecodeSingle recovers the fingerprint bit string from an image.
func (s *Service) DecodeSingle(ctx context.Context, imageBytes []byte) (fp string, err error) {
	start := time.Now()
	defer func() { s.finish(OpDecode, start, err) }()

	bits, err := s.decode(ctx, imageBytes)
	if err != nil {
		return "", err
	}
	return bits.String(), nil
}

// VerifyResult compares a decoded fingerprint with an expected one.
type VerifyResult struct {
	Fingerprint     string  `json:"fingerprint"`
	Expected        string  `json:"expected"`
	BitwiseAccuracy float64 `json:"bitwise_accuracy"`
	Accuracy        string  `json:"accuracy"`
	ExactMatch      bool    `json:"exact_match"`
}

// Verify decodes imageBytes and scores it against expected.
func (s *Service) Verify(ctx context.Context, imageBytes []byte, expected string) (res VerifyResult, err error) {
	start := time.Now()
	defer func() { s.finish(OpVerify, start, err) }()

	want, err := fingerprint.Parse(expected)
	if err != nil {
		return VerifyResult{}, apperr.Wrap(apperr.KindValidation, "verify", err)
	}
	if len(want) != s.pair.FingerprintSize() {
		return VerifyResult{}, apperr.New(apperr.KindValidation, "verify",
			"expected fingerprint has %d bits, model uses %d", len(want), s.pair.FingerprintSize())
	}

	got, err := s.decode(ctx, imageBytes)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{
		Fingerprint:     got.String(),
		Expected:        want.String(),
		BitwiseAccuracy: fingerprint.Accuracy(got, want),
		Accuracy:        fingerprint.AccuracyString(got, want),
		ExactMatch:      got.Equal(want),
	}, nil
}

func (s *Service) decode(ctx context.Context, imageBytes []byte) (fingerprint.Bits, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.pair.HasDecoder() {
		return nil, apperr.New(apperr.KindModelUnavailable, "decode", "no decoder model loaded")
	}
	tensor, err := imagecodec.FromBytes(imageBytes, s.pair.ImageSize())
	if err != nil {
		return nil, err
	}
	bits, err := s.pair.DecodeBits([]imagecodec.Tensor{tensor})
	if err != nil {
		return nil, err
	}
	return bits[0], nil
}

// selfCheck decodes freshly embedded tensors and scores each against fp.
// Without a decoder every score is 0.
func (s *Service) selfCheck(fp fingerprint.Bits, embedded []imagecodec.Tensor) ([]float64, error) {
	accuracies := make([]float64, len(embedded))
	if !s.pair.HasDecoder() {
		return accuracies, nil
	}
	decoded, err := s.pair.DecodeBits(embedded)
	if err != nil {
		return nil, err
	}
	for i, bits := range decoded {
		accuracies[i] = fingerprint.Accuracy(bits, fp)
	}
	return accuracies, nil
}

func (s *Service) finish(op string, start time.Time, err error) {
	elapsed := time.Since(start)
	s.recorder.ObserveRequest(op, err, elapsed)
	if err != nil {
		s.logger.Warn("fingerprint request failed",
			zap.String("operation", op),
			zap.String("kind", apperr.KindOf(err).String()),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	}
}
