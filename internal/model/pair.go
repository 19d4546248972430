package model

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Brownie44l1/fp-stamp/internal/apperr"
	"github.com/Brownie44l1/fp-stamp/internal/fingerprint"
	"github.com/Brownie44l1/fp-stamp/internal/imagecodec"
)

// Pair is the process-wide, read-only encoder/decoder handle set. The
// fingerprint length is fixed when the pair is built.
type Pair struct {
	encoder         Encoder
	decoder         Decoder
	fingerprintSize int
	imageSize       int

	serialize bool
	mu        sync.Mutex
	closer    func() error
}

// PairOption configures a Pair.
type PairOption func(*Pair)

// WithConcurrentInference lets forward passes from different requests overlap.
// Only safe when the backend supports concurrent runs.
func WithConcurrentInference() PairOption {
	return func(p *Pair) { p.serialize = false }
}

// WithImageSize overrides imagecodec.DefaultSize.
func WithImageSize(size int) PairOption {
	return func(p *Pair) {
		if size > 0 {
			p.imageSize = size
		}
	}
}

// WithCloser registers a function run by Close.
func WithCloser(fn func() error) PairOption {
	return func(p *Pair) { p.closer = fn }
}

// NewPair wires an encoder and an optional decoder. decoder may be nil; only
// decoding then fails.
func NewPair(encoder Encoder, decoder Decoder, fingerprintSize int, opts ...PairOption) (*Pair, error) {
	if encoder == nil {
		return nil, errors.New("model pair: encoder is required")
	}
	if fingerprintSize <= 0 {
		return nil, fmt.Errorf("model pair: invalid fingerprint size %d", fingerprintSize)
	}
	p := &Pair{
		encoder:         encoder,
		decoder:         decoder,
		fingerprintSize: fingerprintSize,
		imageSize:       imagecodec.DefaultSize,
		serialize:       true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pair) FingerprintSize() int { return p.fingerprintSize }

func (p *Pair) ImageSize() int { return p.imageSize }

// HasDecoder reports whether Decode can succeed.
func (p *Pair) HasDecoder() bool { return p.decoder != nil }

// Embed runs the encoder on images with fp broadcast across the batch.
func (p *Pair) Embed(fp fingerprint.Bits, images []imagecodec.Tensor) ([]imagecodec.Tensor, error) {
	if len(fp) != p.fingerprintSize {
		return nil, apperr.New(apperr.KindInference, "embed",
			"fingerprint has %d bits, model expects %d", len(fp), p.fingerprintSize)
	}
	if len(images) == 0 {
		return nil, nil
	}

	p.lock()
	out, err := p.encoder.Embed(fp, images)
	p.unlock()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInference, "embed", err)
	}

	if len(out) != len(images) {
		return nil, apperr.New(apperr.KindInference, "embed",
			"encoder returned %d images for a batch of %d", len(out), len(images))
	}
	for i := range out {
		if !out[i].SameShape(images[i]) {
			return nil, apperr.New(apperr.KindInference, "embed",
				"encoder changed the shape of image %d", i)
		}
	}
	return out, nil
}

// Decode runs the decoder and returns one logit vector of FingerprintSize
// values per image.
func (p *Pair) Decode(images []imagecodec.Tensor) ([][]float32, error) {
	if p.decoder == nil {
		return nil, apperr.New(apperr.KindModelUnavailable, "decode", "no decoder model loaded")
	}
	if len(images) == 0 {
		return nil, nil
	}

	p.lock()
	out, err := p.decoder.Decode(images)
	p.unlock()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInference, "decode", err)
	}

	if len(out) != len(images) {
		return nil, apperr.New(apperr.KindInference, "decode",
			"decoder returned %d vectors for a batch of %d", len(out), len(images))
	}
	for i, v := range out {
		if len(v) != p.fingerprintSize {
			return nil, apperr.New(apperr.KindInference, "decode",
				"decoder returned %d bits for image %d, expected %d", len(v), i, p.fingerprintSize)
		}
	}
	return out, nil
}

// DecodeBits decodes and thresholds at zero.
func (p *Pair) DecodeBits(images []imagecodec.Tensor) ([]fingerprint.Bits, error) {
	logits, err := p.Decode(images)
	if err != nil {
		return nil, err
	}
	bits := make([]fingerprint.Bits, len(logits))
	for i, l := range logits {
		bits[i] = fingerprint.FromLogits(l)
	}
	return bits, nil
}

// Close releases backend resources.
func (p *Pair) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

func (p *Pair) lock() {
	if p.serialize {
		p.mu.Lock()
	}
}

func (p *Pair) unlock() {
	if p.serialize {
		p.mu.Unlock()
	}
}
