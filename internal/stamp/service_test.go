package stamp

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/fp-stamp/internal/apperr"
	"github.com/Brownie44l1/fp-stamp/internal/archive"
	"github.com/Brownie44l1/fp-stamp/internal/dataset"
	"github.com/Brownie44l1/fp-stamp/internal/fingerprint"
	"github.com/Brownie44l1/fp-stamp/internal/model"
	"github.com/Brownie44l1/fp-stamp/internal/model/modeltest"
	"github.com/Brownie44l1/fp-stamp/internal/quality"
)

const (
	testBits = 16
	testSize = 32
)

func testImage(t *testing.T, w, h int, seed int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x*7 + seed*13) % 256),
				G: uint8((y*5 + seed*29) % 256),
				B: uint8((x + y + seed) % 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type entry struct {
	name string
	data []byte
}

func zipOf(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newService(t *testing.T, opts ...Option) (*Service, *modeltest.Encoder) {
	t.Helper()
	pair, enc := modeltest.NewPair(t, testBits, testSize)
	return New(pair, opts...), enc
}

func TestEmbedSingleRoundTrip(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	res, err := svc.EmbedSingle(ctx, testImage(t, 48, 32, 1), 42)
	require.NoError(t, err)
	require.Len(t, res.Fingerprint, testBits)
	assert.Equal(t, 1.0, res.Metrics.BitwiseAccuracy)
	assert.Greater(t, res.Metrics.MeanSquaredError, 0.0)

	cfg, err := png.DecodeConfig(bytes.NewReader(res.Image))
	require.NoError(t, err)
	assert.Equal(t, testSize, cfg.Width)
	assert.Equal(t, testSize, cfg.Height)

	decoded, err := svc.DecodeSingle(ctx, res.Image)
	require.NoError(t, err)
	assert.Equal(t, res.Fingerprint, decoded)

	verify, err := svc.Verify(ctx, res.Image, res.Fingerprint)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, verify.BitwiseAccuracy, 0.95)
	assert.Equal(t, "100.00%", verify.Accuracy)
	assert.True(t, verify.ExactMatch)

	flipped := []byte(res.Fingerprint)
	flipped[0] ^= 1
	verify, err = svc.Verify(ctx, res.Image, string(flipped))
	require.NoError(t, err)
	assert.False(t, verify.ExactMatch)
	assert.Less(t, verify.BitwiseAccuracy, 1.0)
}

func TestEmbedSingleSeedIsReproducible(t *testing.T) {
	svc, _ := newService(t)
	img := testImage(t, 32, 32, 3)

	a, err := svc.EmbedSingle(context.Background(), img, 7)
	require.NoError(t, err)
	b, err := svc.EmbedSingle(context.Background(), img, 7)
	require.NoError(t, err)
	c, err := svc.EmbedSingle(context.Background(), img, 8)
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, a.Image, b.Image)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}

func TestEmbedSingleRejectsUndecodableImage(t *testing.T) {
	svc, enc := newService(t)

	_, err := svc.EmbedSingle(context.Background(), []byte("not an image"), 1)
	assert.ErrorIs(t, err, apperr.ErrDecode)
	assert.Zero(t, enc.Calls())
}

func TestDecodeWithoutDecoder(t *testing.T) {
	svc := New(modeltest.NewEncoderOnlyPair(t, testBits, testSize))
	img := testImage(t, 32, 32, 0)

	_, err := svc.DecodeSingle(context.Background(), img)
	assert.ErrorIs(t, err, apperr.ErrModelUnavailable)

	res, err := svc.EmbedSingle(context.Background(), img, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Metrics.BitwiseAccuracy)
}

func TestVerifyRejectsMalformedExpectation(t *testing.T) {
	svc, _ := newService(t)
	img := testImage(t, 32, 32, 0)

	_, err := svc.Verify(context.Background(), img, "01x")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Verify(context.Background(), img, "0101")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestEmbedBatchSkipsCorruptImages(t *testing.T) {
	svc, _ := newService(t, WithTempDir(t.TempDir()))

	data := zipOf(t,
		entry{"a.png", testImage(t, 32, 32, 1)},
		entry{"broken/b.png", []byte("corrupt")},
		entry{"nested/deeper/c.png", testImage(t, 64, 40, 2)},
		entry{"d.jpg", []byte{0xff, 0xd8, 0x00}},
		entry{"e.png", testImage(t, 33, 50, 3)},
	)

	res, err := svc.EmbedBatch(context.Background(), data, 9)
	require.NoError(t, err)

	require.Len(t, res.Outputs, 3)
	assert.Equal(t, []string{"a.png", "c.png", "e.png"},
		[]string{res.Outputs[0].Name, res.Outputs[1].Name, res.Outputs[2].Name})
	assert.Equal(t, []int{0, 2, 4},
		[]int{res.Outputs[0].Index, res.Outputs[1].Index, res.Outputs[2].Index})
	require.Len(t, res.Skipped, 2)
	assert.Equal(t, "b.png", res.Skipped[0].Name)
	assert.Equal(t, "d.jpg", res.Skipped[1].Name)
	assert.Equal(t, 1.0, res.Metrics.BitwiseAccuracy)
	assert.NotEmpty(t, res.RequestID)

	entries, err := archive.Unpack(res.Archive)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var manifest Manifest
	require.NoError(t, archive.ReadManifest(res.Archive, &manifest))
	assert.Equal(t, res.Fingerprint, manifest.Fingerprint)
}

func TestEmbedBatchSharesOneFingerprint(t *testing.T) {
	svc, enc := newService(t, WithBatchSize(2))

	var entries []entry
	for i := 0; i < 5; i++ {
		entries = append(entries, entry{fmt.Sprintf("img%d.png", i), testImage(t, 32+i, 32, i)})
	}

	res, err := svc.EmbedBatch(context.Background(), zipOf(t, entries...), 1234)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 5)
	assert.Equal(t, []int{2, 2, 1}, enc.BatchSizes())

	shared, err := fingerprint.Parse(res.Fingerprint)
	require.NoError(t, err)

	unpacked, err := archive.Unpack(res.Archive)
	require.NoError(t, err)
	require.Len(t, unpacked, 5)
	for i, e := range unpacked {
		assert.Equal(t, fmt.Sprintf("img%d.png", i), e.Name)
		decoded, err := svc.DecodeSingle(context.Background(), e.Data)
		require.NoError(t, err)
		bits, err := fingerprint.Parse(decoded)
		require.NoError(t, err)
		assert.True(t, shared.Equal(bits), "%s decoded %s, want %s", e.Name, decoded, res.Fingerprint)
	}
}

func TestEmbedBatchAggregatesUnevenBatches(t *testing.T) {
	svc, _ := newService(t, WithBatchSize(2))

	var entries []entry
	for i := 0; i < 3; i++ {
		entries = append(entries, entry{fmt.Sprintf("%d.png", i), testImage(t, 32, 32, i*50)})
	}
	res, err := svc.EmbedBatch(context.Background(), zipOf(t, entries...), 5)
	require.NoError(t, err)

	batchOne := (res.Outputs[0].MSE + res.Outputs[1].MSE) / 2
	batchTwo := res.Outputs[2].MSE
	assert.InDelta(t, (batchOne+batchTwo)/2, res.Metrics.MeanSquaredError, 1e-9)
}

func TestEmbedBatchAllCorruptFails(t *testing.T) {
	tmp := t.TempDir()
	svc, enc := newService(t, WithTempDir(tmp))

	res, err := svc.EmbedBatch(context.Background(), zipOf(t,
		entry{"a.png", []byte("x")},
		entry{"b.jpeg", []byte("y")},
	), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Nil(t, res.Archive)
	assert.Zero(t, enc.Calls())

	left, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, left, "workspace must be removed on failure")
}

func TestEmbedBatchRejectsNonZip(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.EmbedBatch(context.Background(), []byte("PK but not really"), 1)
	assert.ErrorIs(t, err, apperr.ErrArchive)
}

func TestEmbedBatchModelFailureIsFatal(t *testing.T) {
	cause := errors.New("backend exploded")
	pair, err := model.NewPair(&modeltest.Encoder{Err: cause}, &modeltest.Decoder{Size: testBits}, testBits, model.WithImageSize(testSize))
	require.NoError(t, err)
	tmp := t.TempDir()
	svc := New(pair, WithTempDir(tmp))

	res, err := svc.EmbedBatch(context.Background(), zipOf(t, entry{"a.png", testImage(t, 32, 32, 0)}), 1)
	assert.ErrorIs(t, err, apperr.ErrInference)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, res.Archive)

	left, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestEmbedSourcesHonoursCancellation(t *testing.T) {
	svc, enc := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.EmbedSources(ctx, []dataset.Source{dataset.InlineBytes(testImage(t, 32, 32, 0), "a.png")}, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, enc.Calls())
}

type fakeRecorder struct {
	mu       sync.Mutex
	requests map[string][]error
	embedded int
	skipped  int
	quality  []quality.Metrics
}

func (r *fakeRecorder) ObserveRequest(op string, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.requests == nil {
		r.requests = map[string][]error{}
	}
	r.requests[op] = append(r.requests[op], err)
}

func (r *fakeRecorder) ObserveImages(embedded, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedded += embedded
	r.skipped += skipped
}

func (r *fakeRecorder) ObserveQuality(_ string, m quality.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quality = append(r.quality, m)
}

func TestRecorderSeesBatchOutcome(t *testing.T) {
	rec := &fakeRecorder{}
	svc, _ := newService(t, WithRecorder(rec))

	_, err := svc.EmbedBatch(context.Background(), zipOf(t,
		entry{"ok.png", testImage(t, 32, 32, 0)},
		entry{"bad.png", []byte("nope")},
	), 3)
	require.NoError(t, err)

	_, err = svc.EmbedBatch(context.Background(), []byte("nope"), 3)
	require.Error(t, err)

	require.Len(t, rec.requests[OpEmbedBatch], 2)
	assert.NoError(t, rec.requests[OpEmbedBatch][0])
	assert.ErrorIs(t, rec.requests[OpEmbedBatch][1], apperr.ErrArchive)
	assert.Equal(t, 1, rec.embedded)
	assert.Equal(t, 1, rec.skipped)
	require.Len(t, rec.quality, 1)
}
