// Package quality measures how much embedding changed an image and how well
// the fingerprint survives decoding, per image and aggregated per request.
package quality

import (
	"github.com/Brownie44l1/fp-stamp/internal/imagecodec"
)

// Metrics is the report for one call, single image or whole batch.
type Metrics struct {
	MeanSquaredError float64 `json:"mse_loss"`
	BitwiseAccuracy  float64 `json:"bitwise_accuracy"`
}

// MSE is the mean squared difference over all elements of a and b. Tensors of
// different shape compare over the shorter buffer.
func MSE(a, b imagecodec.Tensor) float64 {
	n := min(len(a.Data), len(b.Data))
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a.Data[i]) - float64(b.Data[i])
		sum += d * d
	}
	return sum / float64(n)
}

// BatchMSE is the mean over every element of the batch, as a mean-reduced
// loss over the stacked tensors would report.
func BatchMSE(embedded, source []imagecodec.Tensor) float64 {
	var sum float64
	var count int
	for i := range min(len(embedded), len(source)) {
		n := min(len(embedded[i].Data), len(source[i].Data))
		sum += MSE(embedded[i], source[i]) * float64(n)
		count += n
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// Aggregator accumulates per-batch results across a request.
//
// MeanSquaredError is the unweighted mean of batch MSE values, so a short
// trailing batch counts as much as a full one. BitwiseAccuracy is weighted by
// image count.
type Aggregator struct {
	batchMSE    []float64
	accuracySum float64
	images      int
}

// AddBatch records one batch: its MSE and each image's bit accuracy.
func (a *Aggregator) AddBatch(mse float64, accuracies []float64) {
	a.batchMSE = append(a.batchMSE, mse)
	for _, acc := range accuracies {
		a.accuracySum += acc
	}
	a.images += len(accuracies)
}

// Images is the number of images recorded so far.
func (a *Aggregator) Images() int { return a.images }

// Batches is the number of batches recorded so far.
func (a *Aggregator) Batches() int { return len(a.batchMSE) }

// Result returns the aggregate; with nothing recorded both values are 0.
func (a *Aggregator) Result() Metrics {
	var m Metrics
	if len(a.batchMSE) > 0 {
		var sum float64
		for _, v := range a.batchMSE {
			sum += v
		}
		m.MeanSquaredError = sum / float64(len(a.batchMSE))
	}
	if a.images > 0 {
		m.BitwiseAccuracy = a.accuracySum / float64(a.images)
	}
	return m
}
