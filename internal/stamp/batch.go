package stamp

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fp-stamp/internal/apperr"
	"github.com/Brownie44l1/fp-stamp/internal/archive"
	"github.com/Brownie44l1/fp-stamp/internal/dataset"
	"github.com/Brownie44l1/fp-stamp/internal/fingerprint"
	"github.com/Brownie44l1/fp-stamp/internal/imagecodec"
	"github.com/Brownie44l1/fp-stamp/internal/quality"
)

type batchState string

const (
	stateReceived    batchState = "RECEIVED"
	stateValidating  batchState = "VALIDATING"
	stateFailed      batchState = "FAILED"
	stateBatching    batchState = "BATCHING"
	stateEmbedding   batchState = "EMBEDDING"
	stateAggregating batchState = "AGGREGATING"
	statePackaging   batchState = "PACKAGING"
	stateDone        batchState = "DONE"
)

// Output is one fingerprinted image of a batch, in input order.
type Output struct {
	Index           int     `json:"index"`
	Name            string  `json:"name"`
	Image           []byte  `json:"-"`
	MSE             float64 `json:"mse_loss"`
	BitwiseAccuracy float64 `json:"bitwise_accuracy"`
}

// BatchResult is the outcome of EmbedBatch.
type BatchResult struct {
	RequestID   string          `json:"request_id"`
	Archive     []byte          `json:"-"`
	Fingerprint string          `json:"fingerprint"`
	Metrics     quality.Metrics `json:"metrics"`
	Outputs     []Output        `json:"outputs"`
	Skipped     []dataset.Skip  `json:"skipped"`
}

// Manifest is the content of fingerprints.json in output archives.
type Manifest struct {
	Fingerprint string `json:"fingerprint"`
}

// EmbedBatch fingerprints every image in a zip archive with one shared
// fingerprint and returns a new archive of the results. Unreadable images are
// skipped; the call fails only when none remain or a model call fails.
func (s *Service) EmbedBatch(ctx context.Context, archiveBytes []byte, seed int64) (BatchResult, error) {
	start := time.Now()
	requestID := uuid.NewString()
	logger := s.logger.With(zap.String("request_id", requestID))
	logger.Debug("batch state", zap.String("state", string(stateReceived)), zap.Int("bytes", len(archiveBytes)))

	ws, sources, err := archive.Extract(archiveBytes, s.tmpDir)
	if err != nil {
		logger.Debug("batch state", zap.String("state", string(stateFailed)))
		s.finish(OpEmbedBatch, start, err)
		return BatchResult{}, err
	}
	defer func() {
		if cerr := ws.Close(); cerr != nil {
			logger.Warn("failed to remove workspace", zap.Error(cerr))
		}
	}()

	return s.embedSources(ctx, requestID, logger, start, sources, seed)
}

// EmbedSources runs the batch pipeline over caller-provided sources.
func (s *Service) EmbedSources(ctx context.Context, sources []dataset.Source, seed int64) (BatchResult, error) {
	requestID := uuid.NewString()
	logger := s.logger.With(zap.String("request_id", requestID))
	logger.Debug("batch state", zap.String("state", string(stateReceived)), zap.Int("sources", len(sources)))
	return s.embedSources(ctx, requestID, logger, time.Now(), sources, seed)
}

func (s *Service) embedSources(ctx context.Context, requestID string, logger *zap.Logger, start time.Time, sources []dataset.Source, seed int64) (res BatchResult, err error) {
	state := stateReceived
	transition := func(next batchState) {
		state = next
		logger.Debug("batch state", zap.String("state", string(next)))
	}
	defer func() {
		if err != nil {
			logger.Debug("batch state", zap.String("state", string(stateFailed)), zap.String("from", string(state)))
		}
		s.finish(OpEmbedBatch, start, err)
	}()

	transition(stateValidating)
	validated, err := dataset.Validate(sources)
	for _, skip := range validated.Skipped {
		logger.Warn("skipping unreadable image",
			zap.Int("index", skip.Index),
			zap.String("name", skip.Name),
			zap.String("reason", skip.Reason),
		)
	}
	if err != nil {
		s.recorder.ObserveImages(0, len(validated.Skipped))
		return BatchResult{}, err
	}

	transition(stateBatching)
	fp := fingerprint.Generate(seed, s.pair.FingerprintSize())
	batches := validated.Batches(s.batchSize, s.pair.ImageSize())

	transition(stateEmbedding)
	var agg quality.Aggregator
	outputs := make([]Output, 0, len(validated.Items))
	for {
		if err := ctx.Err(); err != nil {
			return BatchResult{}, err
		}
		batch, ok := batches.Next()
		if !ok {
			break
		}
		produced, err := s.embedBatch(fp, batch, &agg)
		if err != nil {
			return BatchResult{}, err
		}
		outputs = append(outputs, produced...)
		logger.Debug("batch embedded",
			zap.Int("batch", agg.Batches()),
			zap.Int("images", batch.Len()),
		)
	}
	if err := batches.Err(); err != nil {
		return BatchResult{}, err
	}

	transition(stateAggregating)
	metrics := agg.Result()

	transition(statePackaging)
	images := make([][]byte, len(outputs))
	names := make([]string, len(outputs))
	for i, out := range outputs {
		images[i], names[i] = out.Image, out.Name
	}
	packed, err := archive.Pack(images, names, Manifest{Fingerprint: fp.String()})
	if err != nil {
		return BatchResult{}, apperr.Wrap(apperr.KindArchive, "package results", err)
	}

	transition(stateDone)
	s.recorder.ObserveImages(len(outputs), len(validated.Skipped))
	s.recorder.ObserveQuality(OpEmbedBatch, metrics)
	logger.Info("batch fingerprinted",
		zap.Int("images", len(outputs)),
		zap.Int("skipped", len(validated.Skipped)),
		zap.Int("batches", agg.Batches()),
		zap.Float64("mse_loss", metrics.MeanSquaredError),
		zap.Float64("bitwise_accuracy", metrics.BitwiseAccuracy),
	)

	return BatchResult{
		RequestID:   requestID,
		Archive:     packed,
		Fingerprint: fp.String(),
		Metrics:     metrics,
		Outputs:     outputs,
		Skipped:     validated.Skipped,
	}, nil
}

// embedBatch runs one forward pass, the self-check and PNG encoding, and
// records the batch in agg. Tensors are dropped once encoded.
func (s *Service) embedBatch(fp fingerprint.Bits, batch dataset.Batch, agg *quality.Aggregator) ([]Output, error) {
	embedded, err := s.pair.Embed(fp, batch.Tensors)
	if err != nil {
		return nil, err
	}

	accuracies, err := s.selfCheck(fp, embedded)
	if err != nil {
		return nil, err
	}
	agg.AddBatch(quality.BatchMSE(embedded, batch.Tensors), accuracies)

	outputs := make([]Output, len(embedded))
	for i, tensor := range embedded {
		data, err := imagecodec.EncodePNG(tensor)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInference, "encode "+batch.Names[i], err)
		}
		outputs[i] = Output{
			Index:           batch.Indices[i],
			Name:            batch.Names[i],
			Image:           data,
			MSE:             quality.MSE(tensor, batch.Tensors[i]),
			BitwiseAccuracy: accuracies[i],
		}
	}
	return outputs, nil
}
