// Package dataset filters image sources down to the decodable ones and groups
// the survivors into fixed-size batches in input order.
package dataset

import (
	"errors"

	"github.com/Brownie44l1/fp-stamp/internal/apperr"
	"github.com/Brownie44l1/fp-stamp/internal/imagecodec"
)

// DefaultBatchSize is the number of images per forward pass.
const DefaultBatchSize = 64

// OpValidate is the op of the error Validate returns when nothing survives.
const OpValidate = "validate dataset"

// ErrConsumed is reported when batches are requested twice from one Validated.
var ErrConsumed = errors.New("dataset: batches already consumed")

// Item is a source that passed validation.
type Item struct {
	Index  int
	Source Source
}

// Skip records why a source was excluded.
type Skip struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Result is the outcome of checking one source: exactly one field is set.
type Result struct {
	Item *Item
	Skip *Skip
}

// Check opens and fully decodes src.
func Check(index int, src Source) Result {
	data, err := src.Open()
	if err == nil {
		_, err = imagecodec.Decode(data)
	}
	if err != nil {
		return Result{Skip: &Skip{Index: index, Name: src.Name(), Reason: err.Error()}}
	}
	return Result{Item: &Item{Index: index, Source: src}}
}

// Validated holds the surviving sources and the skip reasons.
type Validated struct {
	Items   []Item
	Skipped []Skip
	Total   int

	consumed bool
}

// Validate checks every source. Unreadable sources are skipped, never fatal;
// only an empty survivor set fails, with a KindValidation error that still
// carries the skip list in the returned Validated.
func Validate(sources []Source) (*Validated, error) {
	v := &Validated{Total: len(sources)}
	for i, src := range sources {
		res := Check(i, src)
		if res.Skip != nil {
			v.Skipped = append(v.Skipped, *res.Skip)
			continue
		}
		v.Items = append(v.Items, *res.Item)
	}
	if len(v.Items) == 0 {
		return v, apperr.New(apperr.KindValidation, OpValidate,
			"no valid images among %d inputs", len(sources))
	}
	return v, nil
}

// Batches returns the single-pass batch sequence. It may be called once.
func (v *Validated) Batches(size, imageSize int) *Batcher {
	if v.consumed {
		return &Batcher{err: ErrConsumed, done: true}
	}
	v.consumed = true
	if size <= 0 {
		size = DefaultBatchSize
	}
	if imageSize <= 0 {
		imageSize = imagecodec.DefaultSize
	}
	return &Batcher{items: v.Items, size: size, imageSize: imageSize}
}

// Batch is one group of normalized images with their original positions.
type Batch struct {
	Tensors []imagecodec.Tensor
	Indices []int
	Names   []string
}

func (b Batch) Len() int { return len(b.Tensors) }

// Batcher yields batches in input order. It cannot be rewound.
type Batcher struct {
	items     []Item
	size      int
	imageSize int
	pos       int
	err       error
	done      bool
}

// Next returns the next batch, or false once the items are exhausted or a
// source failed to transform. Check Err after the loop.
func (b *Batcher) Next() (Batch, bool) {
	if b.done || b.pos >= len(b.items) {
		b.done = true
		return Batch{}, false
	}

	end := min(b.pos+b.size, len(b.items))
	chunk := b.items[b.pos:end]
	batch := Batch{
		Tensors: make([]imagecodec.Tensor, 0, len(chunk)),
		Indices: make([]int, 0, len(chunk)),
		Names:   make([]string, 0, len(chunk)),
	}
	for _, item := range chunk {
		data, err := item.Source.Open()
		if err != nil {
			b.fail(apperr.Wrap(apperr.KindDecode, "load "+item.Source.Name(), err))
			return Batch{}, false
		}
		tensor, err := imagecodec.FromBytes(data, b.imageSize)
		if err != nil {
			b.fail(err)
			return Batch{}, false
		}
		batch.Tensors = append(batch.Tensors, tensor)
		batch.Indices = append(batch.Indices, item.Index)
		batch.Names = append(batch.Names, item.Source.Name())
	}
	b.pos = end
	return batch, true
}

// Err reports the failure that stopped iteration, if any.
func (b *Batcher) Err() error { return b.err }

func (b *Batcher) fail(err error) {
	b.err = err
	b.done = true
}
