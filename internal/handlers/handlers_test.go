package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/fp-stamp/internal/apperr"
	"github.com/Brownie44l1/fp-stamp/internal/archive"
	"github.com/Brownie44l1/fp-stamp/internal/dataset"
	"github.com/Brownie44l1/fp-stamp/internal/model/modeltest"
	"github.com/Brownie44l1/fp-stamp/internal/stamp"
)

const (
	testBits = 16
	testSize = 32
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 3), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func zipBytes(t *testing.T, files map[string][]byte, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func multipartRequest(t *testing.T, url, field, filename string, data []byte, values map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range values {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type memorySink struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (s *memorySink) Store(_ context.Context, key string, data []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[key] = data
	return "mem://" + key, nil
}

func newServer(t *testing.T, opts ...Option) *http.ServeMux {
	t.Helper()
	pair, _ := modeltest.NewPair(t, testBits, testSize)
	svc := stamp.New(pair, stamp.WithTempDir(t.TempDir()))
	mux := http.NewServeMux()
	NewHandler(svc, opts...).Register(mux, "*")
	return mux
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, statusError, resp.Status)
	return resp
}

func TestHealth(t *testing.T) {
	mux := newServer(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Status string       `json:"status"`
		Data   HealthStatus `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, statusSuccess, resp.Status)
	assert.Equal(t, testBits, resp.Data.FingerprintSize)
	assert.True(t, resp.Data.Decoder)
}

func TestCORSPreflight(t *testing.T) {
	mux := newServer(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/fingerprinting/embed", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), HeaderFingerprint)
}

func TestEmbedThenDecode(t *testing.T) {
	mux := newServer(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartRequest(t, "/api/fingerprinting/embed", "image", "face.png",
		pngBytes(t, 40, 32), map[string]string{"seed": "11"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "11", rec.Header().Get(HeaderSeed))
	assert.Equal(t, "1.0000", rec.Header().Get(HeaderBitwiseAccuracy))
	fp := rec.Header().Get(HeaderFingerprint)
	require.Len(t, fp, testBits)
	stamped := rec.Body.Bytes()

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartRequest(t, "/api/fingerprinting/decode", "file", "stamped.png", stamped, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var decoded struct {
		Data DecodeResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&decoded))
	assert.Equal(t, fp, decoded.Data.Fingerprint)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartRequest(t, "/api/fingerprinting/decode", "image", "stamped.png", stamped,
		map[string]string{"expected": fp}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var verified struct {
		Data stamp.VerifyResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&verified))
	assert.Equal(t, "100.00%", verified.Data.Accuracy)
}

func TestEmbedRejects(t *testing.T) {
	mux := newServer(t)
	tests := []struct {
		name    string
		req     *http.Request
		code    int
		message string
	}{
		{"wrong method", httptest.NewRequest(http.MethodGet, "/api/fingerprinting/embed", nil), http.StatusMethodNotAllowed, ""},
		{"not multipart", httptest.NewRequest(http.MethodPost, "/api/fingerprinting/embed", bytes.NewReader([]byte("{}"))), http.StatusBadRequest, "Invalid request"},
		{"missing file", multipartRequest(t, "/api/fingerprinting/embed", "", "", nil, map[string]string{"seed": "1"}), http.StatusBadRequest, "Invalid request"},
		{"bad seed", multipartRequest(t, "/api/fingerprinting/embed", "image", "a.png", pngBytes(t, 32, 32), map[string]string{"seed": "x"}), http.StatusBadRequest, "Invalid request"},
		{"not an image", multipartRequest(t, "/api/fingerprinting/embed", "image", "a.png", []byte("text"), nil), http.StatusBadRequest, "Invalid image. Supported: JPEG, PNG, GIF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, tt.req)
			assert.Equal(t, tt.code, rec.Code)
			resp := decodeError(t, rec)
			if tt.message != "" {
				assert.Equal(t, tt.message, resp.Message)
			}
		})
	}
}

func TestDecodeWithoutDecoderIsUnavailable(t *testing.T) {
	svc := stamp.New(modeltest.NewEncoderOnlyPair(t, testBits, testSize))
	mux := http.NewServeMux()
	NewHandler(svc).Register(mux, "")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartRequest(t, "/api/fingerprinting/decode", "file", "a.png", pngBytes(t, 32, 32), nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "Model unavailable", resp.Message)
}

func TestEmbedBatch(t *testing.T) {
	sink := &memorySink{}
	mux := newServer(t, WithSink(sink))

	data := zipBytes(t, map[string][]byte{
		"set/one.png": pngBytes(t, 32, 32),
		"set/bad.png": []byte("broken"),
		"two.png":     pngBytes(t, 48, 36),
	}, "set/one.png", "set/bad.png", "two.png")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartRequest(t, "/api/fingerprinting/embed-batch", "file", "set.zip", data,
		map[string]string{"seed": "3"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get(HeaderSkipped))
	requestID := rec.Header().Get(HeaderRequestID)
	require.NotEmpty(t, requestID)
	key := "fingerprinted_images_" + requestID + ".zip"
	assert.Contains(t, rec.Header().Get("Content-Disposition"), key)
	assert.Equal(t, "mem://"+key, rec.Header().Get(HeaderArchiveLocation))

	entries, err := archive.Unpack(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "one.png", entries[0].Name)
	assert.Equal(t, "two.png", entries[1].Name)

	var manifest stamp.Manifest
	require.NoError(t, archive.ReadManifest(rec.Body.Bytes(), &manifest))
	assert.Equal(t, rec.Header().Get(HeaderFingerprint), manifest.Fingerprint)
	assert.Equal(t, rec.Body.Bytes(), sink.objects[key])
}

func TestEmbedBatchStorageFailureStillReturnsArchive(t *testing.T) {
	mux := newServer(t, WithSink(&memorySink{err: errors.New("bucket gone")}))
	data := zipBytes(t, map[string][]byte{"a.png": pngBytes(t, 32, 32)}, "a.png")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartRequest(t, "/api/fingerprinting/embed-batch", "file", "a.zip", data, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderArchiveLocation))
	assert.NotEmpty(t, rec.Header().Get(HeaderSeed))
}

func TestEmbedBatchErrors(t *testing.T) {
	mux := newServer(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartRequest(t, "/api/fingerprinting/embed-batch", "file", "a.zip", []byte("not a zip"), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid zip archive", decodeError(t, rec).Message)

	allBad := zipBytes(t, map[string][]byte{"a.png": []byte("x"), "b.jpg": []byte("y")}, "a.png", "b.jpg")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartRequest(t, "/api/fingerprinting/embed-batch", "file", "a.zip", allBad, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No usable images", decodeError(t, rec).Message)
}

func TestUploadLimit(t *testing.T) {
	mux := newServer(t, WithMaxUploadBytes(1024))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartRequest(t, "/api/fingerprinting/embed", "image", "big.png",
		bytes.Repeat([]byte{1}, 4096), nil))
	assert.GreaterOrEqual(t, rec.Code, http.StatusBadRequest)
	assert.Less(t, rec.Code, http.StatusInternalServerError)
}

func TestStatusForValidationMessages(t *testing.T) {
	code, msg := statusFor(apperr.New(apperr.KindValidation, dataset.OpValidate, "no valid images among 2 inputs"))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "No usable images", msg)

	for _, op := range []string{"parse form", "read upload", "parse seed", "verify"} {
		code, msg = statusFor(apperr.New(apperr.KindValidation, op, "bad input"))
		assert.Equal(t, http.StatusBadRequest, code, op)
		assert.Equal(t, "Invalid request", msg, op)
	}
}

func TestDecodeRejectsMalformedExpectedBits(t *testing.T) {
	mux := newServer(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartRequest(t, "/api/fingerprinting/decode", "image", "a.png",
		pngBytes(t, 32, 32), map[string]string{"expected": "01x"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request", decodeError(t, rec).Message)
}
