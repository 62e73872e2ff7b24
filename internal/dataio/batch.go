package dataio

import (
	"errors"
	"fmt"
)

// Batcher groups batch_size instances from its source into one batch whose
// blobs gain a leading dimension. When the source runs out mid-batch and
// round_batch is set, the batch is completed from the start of the source;
// otherwise the rest is zero-filled. Either way Pad counts the filler rows.
type Batcher struct {
	src   Iterator
	size  int
	round bool
	done  bool
	cur   Batch
	err   error
}

// SetSource implements Wrapper.
func (b *Batcher) SetSource(src Iterator) {
	b.src = src
}

// Init implements Iterator.
func (b *Batcher) Init(p Params) error {
	if b.src == nil {
		return errors.New("batch: no source")
	}
	var err error
	if b.size, err = p.Int("batch_size", 0); err != nil {
		return err
	}
	if b.size < 1 {
		return errors.New("batch: batch_size must be >= 1")
	}
	if b.round, err = p.Bool("round_batch", true); err != nil {
		return err
	}
	return nil
}

// Reset implements Iterator.
func (b *Batcher) Reset() {
	b.src.Reset()
	b.done = false
	b.err = nil
}

// Next implements Iterator.
func (b *Batcher) Next() bool {
	if b.done || b.err != nil {
		return false
	}
	var out Batch
	n, overflow := 0, 0
	wrapped := false
	for n < b.size {
		if !b.src.Next() {
			if err := b.src.Err(); err != nil {
				b.err = err
				return false
			}
			if n == 0 {
				b.done = true
				return false
			}
			b.done = true
			if !b.round || wrapped {
				break
			}
			b.src.Reset()
			wrapped = true
			continue
		}
		inst := b.src.Value()
		if n == 0 {
			out = b.newBatch(inst)
		}
		if err := appendInstance(&out, inst); err != nil {
			b.err = fmt.Errorf("batch: instance %d: %w", n, err)
			return false
		}
		if wrapped {
			overflow++
		}
		n++
	}

	missing := b.size - n
	if missing > 0 {
		for i := range out.Data {
			per := len(out.Data[i].Values) / n
			out.Data[i].Values = append(out.Data[i].Values, make([]float32, missing*per)...)
		}
	}
	out.Pad = overflow + missing
	b.cur = out
	return true
}

func (b *Batcher) newBatch(first Batch) Batch {
	out := Batch{
		Index: make([]uint64, 0, b.size),
		Data:  make([]Blob, len(first.Data)),
		Extra: append([]byte(nil), first.Extra...),
	}
	for i, d := range first.Data {
		out.Data[i] = Blob{
			Shape:  append([]int{b.size}, d.Shape...),
			Values: make([]float32, 0, b.size*len(d.Values)),
		}
	}
	return out
}

func appendInstance(out *Batch, inst Batch) error {
	if len(inst.Data) != len(out.Data) {
		return fmt.Errorf("has %d blobs, want %d", len(inst.Data), len(out.Data))
	}
	for i, d := range inst.Data {
		want := 1
		for _, s := range out.Data[i].Shape[1:] {
			want *= s
		}
		if len(d.Values) != want {
			return fmt.Errorf("blob %d has %d values, want %d", i, len(d.Values), want)
		}
		out.Data[i].Values = append(out.Data[i].Values, d.Values...)
	}
	out.Index = append(out.Index, inst.Index...)
	return nil
}

// Value implements Iterator.
func (b *Batcher) Value() Batch {
	return b.cur
}

// Err implements Iterator.
func (b *Batcher) Err() error {
	return b.err
}

// Close closes the source.
func (b *Batcher) Close() error {
	return Close(b.src)
}
