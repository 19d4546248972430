package model

import (
	"github.com/Brownie44l1/fp-stamp/internal/fingerprint"
	"github.com/Brownie44l1/fp-stamp/internal/imagecodec"
)

// Metadata names the graph inputs and outputs of an exported encoder/decoder
// pair. It is read from the JSON file shipped next to the .onnx models.
type Metadata struct {
	ImageSize int       `json:"image_size"`
	Encoder   GraphIO   `json:"encoder"`
	Decoder   GraphIO   `json:"decoder"`
	Training  *Training `json:"training,omitempty"`
}

// GraphIO lists the tensor names of one model.
type GraphIO struct {
	FingerprintInput string `json:"fingerprint_input,omitempty"`
	ImageInput       string `json:"image_input"`
	Output           string `json:"output"`
}

// Training is informational only.
type Training struct {
	Dataset         string `json:"dataset"`
	FingerprintSize int    `json:"fingerprint_size"`
}

// DefaultMetadata matches the StegaStamp ONNX export.
func DefaultMetadata() Metadata {
	return Metadata{
		ImageSize: imagecodec.DefaultSize,
		Encoder: GraphIO{
			FingerprintInput: "fingerprint",
			ImageInput:       "image",
			Output:           "output",
		},
		Decoder: GraphIO{
			ImageInput: "image",
			Output:     "output",
		},
	}
}

// Encoder embeds one fingerprint into every image of a batch.
type Encoder interface {
	Embed(fp fingerprint.Bits, images []imagecodec.Tensor) ([]imagecodec.Tensor, error)
}

// Decoder returns one raw logit vector per image.
type Decoder interface {
	Decode(images []imagecodec.Tensor) ([][]float32, error)
}
