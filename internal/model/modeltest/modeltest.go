// Package modeltest provides an in-memory encoder/decoder pair that hides a
// fingerprint in pixel rows, for tests that need a competent model without
// ONNX Runtime.
package modeltest

import (
	"sync"
	"testing"

	"github.com/Brownie44l1/fp-stamp/internal/fingerprint"
	"github.com/Brownie44l1/fp-stamp/internal/imagecodec"
	"github.com/Brownie44l1/fp-stamp/internal/model"
)

const (
	high = 0.75
	low  = 0.25
)

// Encoder writes bit i across row i of the red channel.
type Encoder struct {
	// Err, when set, is returned by every Embed call.
	Err error

	mu         sync.Mutex
	calls      int
	batchSizes []int
}

func (e *Encoder) Embed(fp fingerprint.Bits, images []imagecodec.Tensor) ([]imagecodec.Tensor, error) {
	e.mu.Lock()
	e.calls++
	e.batchSizes = append(e.batchSizes, len(images))
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}

	out := make([]imagecodec.Tensor, len(images))
	for i, img := range images {
		t := imagecodec.NewTensor(img.Height, img.Width)
		copy(t.Data, img.Data)
		for row, bit := range fp {
			if row >= t.Height {
				break
			}
			v := float32(low)
			if bit == 1 {
				v = high
			}
			for x := 0; x < t.Width; x++ {
				t.Set(0, x, row, v)
			}
		}
		out[i] = t
	}
	return out, nil
}

// Calls is the number of Embed invocations.
func (e *Encoder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// BatchSizes lists the batch length of every Embed invocation.
func (e *Encoder) BatchSizes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.batchSizes...)
}

// Decoder reads row means of the red channel back as logits centred on zero.
type Decoder struct {
	Size int
	Err  error
}

func (d *Decoder) Decode(images []imagecodec.Tensor) ([][]float32, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	out := make([][]float32, len(images))
	for i, img := range images {
		logits := make([]float32, d.Size)
		for row := 0; row < d.Size && row < img.Height; row++ {
			var sum float32
			for x := 0; x < img.Width; x++ {
				sum += img.At(0, x, row)
			}
			logits[row] = sum/float32(img.Width) - 0.5
		}
		out[i] = logits
	}
	return out, nil
}

// NewPair returns a serialized pair with fingerprintSize bits over
// imageSize×imageSize inputs, plus the fake encoder for inspection.
func NewPair(t testing.TB, fingerprintSize, imageSize int) (*model.Pair, *Encoder) {
	t.Helper()
	enc := &Encoder{}
	pair, err := model.NewPair(enc, &Decoder{Size: fingerprintSize}, fingerprintSize, model.WithImageSize(imageSize))
	if err != nil {
		t.Fatalf("model pair: %v", err)
	}
	return pair, enc
}

// NewEncoderOnlyPair returns a pair without a decoder.
func NewEncoderOnlyPair(t testing.TB, fingerprintSize, imageSize int) *model.Pair {
	t.Helper()
	pair, err := model.NewPair(&Encoder{}, nil, fingerprintSize, model.WithImageSize(imageSize))
	if err != nil {
		t.Fatalf("model pair: %v", err)
	}
	return pair
}
