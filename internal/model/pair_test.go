package model_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/fp-stamp/internal/apperr"
	"github.com/Brownie44l1/fp-stamp/internal/fingerprint"
	"github.com/Brownie44l1/fp-stamp/internal/imagecodec"
	"github.com/Brownie44l1/fp-stamp/internal/model"
	"github.com/Brownie44l1/fp-stamp/internal/model/modeltest"
)

func grayBatch(n, size int) []imagecodec.Tensor {
	out := make([]imagecodec.Tensor, n)
	for i := range out {
		t := imagecodec.NewTensor(size, size)
		for j := range t.Data {
			t.Data[j] = 0.5
		}
		out[i] = t
	}
	return out
}

func TestPairRoundTrip(t *testing.T) {
	pair, _ := modeltest.NewPair(t, 16, 32)
	fp := fingerprint.Generate(5, 16)

	embedded, err := pair.Embed(fp, grayBatch(3, 32))
	require.NoError(t, err)
	require.Len(t, embedded, 3)

	decoded, err := pair.DecodeBits(embedded)
	require.NoError(t, err)
	for _, bits := range decoded {
		assert.Equal(t, fp.String(), bits.String())
	}
}

func TestPairRejectsWrongFingerprintLength(t *testing.T) {
	pair, enc := modeltest.NewPair(t, 16, 32)

	_, err := pair.Embed(fingerprint.Generate(5, 8), grayBatch(1, 32))
	assert.ErrorIs(t, err, apperr.ErrInference)
	assert.Zero(t, enc.Calls())
}

func TestPairDecodeWithoutDecoder(t *testing.T) {
	pair := modeltest.NewEncoderOnlyPair(t, 8, 16)
	assert.False(t, pair.HasDecoder())

	_, err := pair.Decode(grayBatch(1, 16))
	assert.ErrorIs(t, err, apperr.ErrModelUnavailable)

	_, err = pair.Embed(fingerprint.Generate(1, 8), grayBatch(1, 16))
	assert.NoError(t, err)
}

func TestPairWrapsBackendFailure(t *testing.T) {
	cause := errors.New("onnx: run failed")
	pair, err := model.NewPair(&modeltest.Encoder{Err: cause}, &modeltest.Decoder{Size: 8, Err: cause}, 8)
	require.NoError(t, err)

	_, err = pair.Embed(fingerprint.Generate(1, 8), grayBatch(2, imagecodec.DefaultSize))
	assert.ErrorIs(t, err, apperr.ErrInference)
	assert.ErrorIs(t, err, cause)

	_, err = pair.Decode(grayBatch(1, imagecodec.DefaultSize))
	assert.ErrorIs(t, err, apperr.ErrInference)
}

type shortDecoder struct{}

func (shortDecoder) Decode(images []imagecodec.Tensor) ([][]float32, error) {
	return [][]float32{{1, -1}}, nil
}

func TestPairChecksDecoderOutputLength(t *testing.T) {
	pair, err := model.NewPair(&modeltest.Encoder{}, shortDecoder{}, 8)
	require.NoError(t, err)

	_, err = pair.Decode(grayBatch(1, imagecodec.DefaultSize))
	assert.ErrorIs(t, err, apperr.ErrInference)
}

func TestNewPairValidation(t *testing.T) {
	_, err := model.NewPair(nil, nil, 8)
	assert.Error(t, err)

	_, err = model.NewPair(&modeltest.Encoder{}, nil, 0)
	assert.Error(t, err)
}

func TestPairClose(t *testing.T) {
	closed := false
	pair, err := model.NewPair(&modeltest.Encoder{}, nil, 4, model.WithCloser(func() error {
		closed = true
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, pair.Close())
	assert.True(t, closed)
}
