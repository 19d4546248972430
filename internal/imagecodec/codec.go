// Package imagecodec converts encoded images to the normalized tensors the
// fingerprint models consume, and tensors back to PNG bytes.
package imagecodec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/fp-stamp/internal/apperr"
)

// DefaultSize is the spatial resolution the StegaStamp models were trained at.
const DefaultSize = 128

const channels = 3

// Tensor is a CHW float32 image with values in [0,1].
type Tensor struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// NewTensor allocates a zeroed 3-channel tensor.
func NewTensor(height, width int) Tensor {
	return Tensor{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float32, channels*height*width),
	}
}

// Len is the number of elements.
func (t Tensor) Len() int { return t.Channels * t.Height * t.Width }

// SameShape reports whether both tensors have identical dimensions.
func (t Tensor) SameShape(o Tensor) bool {
	return t.Channels == o.Channels && t.Height == o.Height && t.Width == o.Width
}

// At returns the value of channel c at (x, y).
func (t Tensor) At(c, x, y int) float32 {
	return t.Data[c*t.Height*t.Width+y*t.Width+x]
}

// Set stores v in channel c at (x, y).
func (t Tensor) Set(c, x, y int, v float32) {
	t.Data[c*t.Height*t.Width+y*t.Width+x] = v
}

// DefaultMaxPixels bounds the declared width*height of an input image.
const DefaultMaxPixels = 178956970

// Decode parses data as an image no larger than DefaultMaxPixels. Failures
// are KindDecode errors.
func Decode(data []byte) (image.Image, error) {
	return DecodeLimited(data, DefaultMaxPixels)
}

// DecodeLimited is Decode with an explicit pixel limit. The header is checked
// before any pixel data is allocated; maxPixels <= 0 disables the check.
func DecodeLimited(data []byte, maxPixels int64) (image.Image, error) {
	if len(data) == 0 {
		return nil, apperr.New(apperr.KindDecode, "decode image", "empty input")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDecode, "decode image", err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); maxPixels > 0 && pixels > maxPixels {
		return nil, apperr.New(apperr.KindDecode, "decode image",
			"image is %dx%d, over the %d pixel limit", cfg.Width, cfg.Height, maxPixels)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDecode, "decode image", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, apperr.New(apperr.KindDecode, "decode image", "image has no pixels")
	}
	return img, nil
}

// FromBytes decodes data and normalizes it into a size×size tensor.
func FromBytes(data []byte, size int) (Tensor, error) {
	img, err := Decode(data)
	if err != nil {
		return Tensor{}, err
	}
	return FromImage(img, size), nil
}

// FromImage resizes the short edge to size, center-crops to size×size and
// scales RGB channels to [0,1]. Alpha is discarded.
func FromImage(img image.Image, size int) Tensor {
	scaled := resizeShortEdge(img, size)
	b := scaled.Bounds()

	left := b.Min.X + roundHalf(b.Dx()-size)
	top := b.Min.Y + roundHalf(b.Dy()-size)

	t := NewTensor(size, size)
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.NRGBAModel.Convert(scaled.At(left+x, top+y)).(color.NRGBA)
			i := y*size + x
			t.Data[i] = float32(c.R) / 255
			t.Data[plane+i] = float32(c.G) / 255
			t.Data[2*plane+i] = float32(c.B) / 255
		}
	}
	return t
}

func resizeShortEdge(img image.Image, size int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if min(w, h) == size {
		return img
	}
	tw, th := scaledSize(w, h, size)
	return resize.Resize(uint(tw), uint(th), img, resize.Bilinear)
}

// scaledSize maps the short edge to size and truncates the long edge, the
// way torchvision's Resize(int) sizes its output.
func scaledSize(w, h, size int) (int, int) {
	if w <= h {
		return size, int(int64(size) * int64(h) / int64(w))
	}
	return int(int64(size) * int64(w) / int64(h)), size
}

// roundHalf is n/2 rounded half to even, as torchvision's CenterCrop does.
func roundHalf(n int) int {
	if n <= 0 {
		return 0
	}
	k := n / 2
	if n%2 == 1 && k%2 == 1 {
		k++
	}
	return k
}

// ToImage quantizes t into an opaque NRGBA image.
func ToImage(t Tensor) (*image.NRGBA, error) {
	if t.Channels != channels || len(t.Data) != t.Len() {
		return nil, fmt.Errorf("tensor shape %dx%dx%d does not match %d values",
			t.Channels, t.Height, t.Width, len(t.Data))
	}
	img := image.NewNRGBA(image.Rect(0, 0, t.Width, t.Height))
	plane := t.Height * t.Width
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			i := y*t.Width + x
			img.SetNRGBA(x, y, color.NRGBA{
				R: quantize(t.Data[i]),
				G: quantize(t.Data[plane+i]),
				B: quantize(t.Data[2*plane+i]),
				A: 255,
			})
		}
	}
	return img, nil
}

// quantize matches torchvision's save_image: x*255+0.5, clamped, truncated.
func quantize(v float32) uint8 {
	s := v*255 + 0.5
	if s <= 0 {
		return 0
	}
	if s >= 255 {
		return 255
	}
	return uint8(s)
}

// EncodePNG renders t as PNG bytes.
func EncodePNG(t Tensor) ([]byte, error) {
	img, err := ToImage(t)
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
