package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/fp-stamp/internal/fingerprint"
	"github.com/Brownie44l1/fp-stamp/internal/imagecodec"
)

// Options locates the exported models and the ONNX Runtime library.
type Options struct {
	EncoderPath  string
	DecoderPath  string // optional
	MetadataPath string // optional
	LibraryPath  string // optional, defaults to the runtime's lookup
	Concurrent   bool
}

type onnxEncoder struct {
	session   *ort.DynamicAdvancedSession
	fpSize    int
	imageSize int
}

type onnxDecoder struct {
	session   *ort.DynamicAdvancedSession
	fpSize    int
	imageSize int
}

var (
	ortIsInitialized = func() bool { return ort.IsInitialized() }
	ortInitialize    = func() error { return ort.InitializeEnvironment() }
	ortDestroy       = func() error { return ort.DestroyEnvironment() }
)

// environment is a handle on the process-wide ONNX Runtime environment. Only
// the handle that initialized it tears it down.
type environment struct {
	owned bool
}

func acquireEnvironment() (*environment, error) {
	if ortIsInitialized() {
		return &environment{}, nil
	}
	if err := ortInitialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return &environment{owned: true}, nil
}

func (e *environment) release() error {
	if e == nil || !e.owned {
		return nil
	}
	e.owned = false
	return ortDestroy()
}

// Load initializes ONNX Runtime, opens the encoder and optional decoder and
// checks that both agree on the fingerprint length.
func Load(opts Options) (*Pair, error) {
	if opts.EncoderPath == "" {
		return nil, errors.New("encoder model path is required")
	}

	meta, err := readMetadata(opts.MetadataPath)
	if err != nil {
		return nil, err
	}

	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	env, err := acquireEnvironment()
	if err != nil {
		return nil, err
	}

	fpSize, err := encoderFingerprintSize(opts.EncoderPath, meta.Encoder)
	if err != nil {
		env.release()
		return nil, err
	}

	encSession, err := ort.NewDynamicAdvancedSession(opts.EncoderPath,
		[]string{meta.Encoder.FingerprintInput, meta.Encoder.ImageInput},
		[]string{meta.Encoder.Output}, nil)
	if err != nil {
		env.release()
		return nil, fmt.Errorf("failed to create encoder session: %w", err)
	}
	encoder := &onnxEncoder{session: encSession, fpSize: fpSize, imageSize: meta.ImageSize}

	var decoder *onnxDecoder
	if opts.DecoderPath != "" {
		decSize, err := decoderFingerprintSize(opts.DecoderPath, meta.Decoder)
		if err != nil {
			encSession.Destroy()
			env.release()
			return nil, err
		}
		if decSize != fpSize {
			encSession.Destroy()
			env.release()
			return nil, fmt.Errorf("fingerprint size mismatch: encoder embeds %d bits, decoder recovers %d", fpSize, decSize)
		}

		decSession, err := ort.NewDynamicAdvancedSession(opts.DecoderPath,
			[]string{meta.Decoder.ImageInput}, []string{meta.Decoder.Output}, nil)
		if err != nil {
			encSession.Destroy()
			env.release()
			return nil, fmt.Errorf("failed to create decoder session: %w", err)
		}
		decoder = &onnxDecoder{session: decSession, fpSize: fpSize, imageSize: meta.ImageSize}
	}

	closer := func() error {
		var errs []error
		if err := encSession.Destroy(); err != nil {
			errs = append(errs, err)
		}
		if decoder != nil {
			if err := decoder.session.Destroy(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := env.release(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	pairOpts := []PairOption{WithImageSize(meta.ImageSize), WithCloser(closer)}
	if opts.Concurrent {
		pairOpts = append(pairOpts, WithConcurrentInference())
	}

	// A nil *onnxDecoder must not become a non-nil Decoder interface.
	var dec Decoder
	if decoder != nil {
		dec = decoder
	}
	return NewPair(encoder, dec, fpSize, pairOpts...)
}

func readMetadata(path string) (Metadata, error) {
	meta := DefaultMetadata()
	if path == "" {
		return meta, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return meta, nil
		}
		return meta, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if meta.ImageSize <= 0 {
		meta.ImageSize = imagecodec.DefaultSize
	}
	return meta, nil
}

// encoderFingerprintSize reads the last dimension of the encoder's
// fingerprint input.
func encoderFingerprintSize(path string, io GraphIO) (int, error) {
	inputs, _, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect encoder: %w", err)
	}
	return lastDim(inputs, io.FingerprintInput, "encoder")
}

func decoderFingerprintSize(path string, io GraphIO) (int, error) {
	_, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect decoder: %w", err)
	}
	return lastDim(outputs, io.Output, "decoder")
}

func lastDim(infos []ort.InputOutputInfo, name, model string) (int, error) {
	for _, info := range infos {
		if info.Name != name {
			continue
		}
		dims := info.Dimensions
		if len(dims) == 0 || dims[len(dims)-1] <= 0 {
			return 0, fmt.Errorf("%s tensor %q has no fixed fingerprint dimension (%v)", model, name, dims)
		}
		return int(dims[len(dims)-1]), nil
	}
	return 0, fmt.Errorf("%s has no tensor named %q", model, name)
}

func (e *onnxEncoder) Embed(fp fingerprint.Bits, images []imagecodec.Tensor) ([]imagecodec.Tensor, error) {
	n := len(images)
	pixels, err := stack(images, e.imageSize)
	if err != nil {
		return nil, err
	}

	fpData := make([]float32, 0, n*e.fpSize)
	row := fp.Float32()
	for i := 0; i < n; i++ {
		fpData = append(fpData, row...)
	}

	fpTensor, err := ort.NewTensor(ort.NewShape(int64(n), int64(e.fpSize)), fpData)
	if err != nil {
		return nil, fmt.Errorf("failed to create fingerprint tensor: %w", err)
	}
	defer fpTensor.Destroy()

	imageShape := ort.NewShape(int64(n), 3, int64(e.imageSize), int64(e.imageSize))
	inputTensor, err := ort.NewTensor(imageShape, pixels)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](imageShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := e.session.Run([]ort.Value{fpTensor, inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return unstack(outputTensor.GetData(), n, e.imageSize), nil
}

func (d *onnxDecoder) Decode(images []imagecodec.Tensor) ([][]float32, error) {
	n := len(images)
	pixels, err := stack(images, d.imageSize)
	if err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(int64(n), 3, int64(d.imageSize), int64(d.imageSize)), pixels)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(n), int64(d.fpSize)))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := d.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	data := outputTensor.GetData()
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, d.fpSize)
		copy(v, data[i*d.fpSize:(i+1)*d.fpSize])
		out[i] = v
	}
	return out, nil
}

// stack concatenates CHW tensors into one NCHW buffer.
func stack(images []imagecodec.Tensor, size int) ([]float32, error) {
	per := 3 * size * size
	data := make([]float32, 0, len(images)*per)
	for i, img := range images {
		if img.Channels != 3 || img.Height != size || img.Width != size || len(img.Data) != per {
			return nil, fmt.Errorf("image %d has shape %dx%dx%d, model expects 3x%dx%d",
				i, img.Channels, img.Height, img.Width, size, size)
		}
		data = append(data, img.Data...)
	}
	return data, nil
}

func unstack(data []float32, n, size int) []imagecodec.Tensor {
	per := 3 * size * size
	out := make([]imagecodec.Tensor, n)
	for i := range out {
		t := imagecodec.NewTensor(size, size)
		copy(t.Data, data[i*per:(i+1)*per])
		out[i] = t
	}
	return out
}
