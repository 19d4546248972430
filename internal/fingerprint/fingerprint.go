// Package fingerprint generates and compares the binary vectors embedded into
// images.
package fingerprint

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// Bits is a fingerprint; every element is 0 or 1.
type Bits []uint8

// pcgStream separates the PCG stream from the seed so nearby seeds diverge.
const pcgStream = 0x9e3779b97f4a7c15

// Generate returns length random bits drawn from a PCG source seeded with seed.
// The same seed always yields the same bits.
func Generate(seed int64, length int) Bits {
	if length <= 0 {
		return Bits{}
	}
	rng := rand.New(rand.NewPCG(uint64(seed), pcgStream))
	bits := make(Bits, length)
	for i := range bits {
		bits[i] = uint8(rng.IntN(2))
	}
	return bits
}

// Parse reads a '0'/'1' string, index 0 first.
func Parse(s string) (Bits, error) {
	s = strings.TrimSpace(s)
	bits := make(Bits, len(s))
	for i, c := range s {
		switch c {
		case '0':
			bits[i] = 0
		case '1':
			bits[i] = 1
		default:
			return nil, fmt.Errorf("invalid fingerprint character %q at position %d", c, i)
		}
	}
	return bits, nil
}

// FromLogits thresholds raw decoder output at zero.
func FromLogits(logits []float32) Bits {
	bits := make(Bits, len(logits))
	for i, v := range logits {
		if v > 0 {
			bits[i] = 1
		}
	}
	return bits
}

func (b Bits) String() string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, v := range b {
		if v != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// Float32 returns the bits as 0.0/1.0 values, the encoder's input layout.
func (b Bits) Float32() []float32 {
	out := make([]float32, len(b))
	for i, v := range b {
		out[i] = float32(v)
	}
	return out
}

// Equal reports whether both fingerprints have the same length and bits.
func (b Bits) Equal(other Bits) bool {
	if len(b) != len(other) {
		return false
	}
	for i := range b {
		if b[i] != other[i] {
			return false
		}
	}
	return true
}

// Accuracy is the fraction of positions where got matches want. Lengths that
// differ compare over want's length, missing positions counting as wrong.
func Accuracy(got, want Bits) float64 {
	if len(want) == 0 {
		return 0
	}
	correct := 0
	for i := range want {
		if i < len(got) && got[i] == want[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(want))
}

// AccuracyString formats Accuracy as a percentage with two decimals.
func AccuracyString(got, want Bits) string {
	return fmt.Sprintf("%.2f%%", Accuracy(got, want)*100)
}
