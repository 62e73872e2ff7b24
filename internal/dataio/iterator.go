package dataio

import (
	"fmt"
	"strconv"
)

// Iterator yields batches one at a time.
//
// Init is called once before the first Next. The Batch returned by Value is
// only valid until the following call to Next or Reset.
type Iterator interface {
	Init(params Params) error
	Reset()
	Next() bool
	Value() Batch
	// Err returns the error that stopped iteration, if any.
	Err() error
}

// Wrapper is an Iterator that draws from another iterator.
type Wrapper interface {
	Iterator
	SetSource(src Iterator)
}

// Blob is a dense block of values with a shape.
type Blob struct {
	Shape  []int     `json:"shape"`
	Values []float32 `json:"values"`
}

// Batch is one unit produced by an iterator. Index holds the instance number
// of every row that carries source data. Pad counts the trailing rows that
// either repeat instances from the start of the source or are zero-filled.
type Batch struct {
	Index []uint64 `json:"index"`
	Data  []Blob   `json:"data"`
	Extra []byte   `json:"extra,omitempty"`
	Pad   int      `json:"pad"`
}

// Clone returns a deep copy of b.
func (b Batch) Clone() Batch {
	out := Batch{
		Index: append([]uint64(nil), b.Index...),
		Data:  make([]Blob, len(b.Data)),
		Extra: append([]byte(nil), b.Extra...),
		Pad:   b.Pad,
	}
	for i, d := range b.Data {
		out.Data[i] = Blob{
			Shape:  append([]int(nil), d.Shape...),
			Values: append([]float32(nil), d.Values...),
		}
	}
	return out
}

// Size returns the number of values across all blobs.
func (b Batch) Size() int {
	n := 0
	for _, d := range b.Data {
		n += len(d.Values)
	}
	return n
}

// Params are the key/value settings passed to Init.
type Params map[string]string

// String returns the value for key, or def if unset.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Int returns key parsed as an integer, or def if unset.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return n, nil
}

// Uint64 returns key parsed as an unsigned integer, or def if unset.
func (p Params) Uint64(key string, def uint64) (uint64, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return n, nil
}

// Bool returns key parsed as a boolean, or def if unset.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("param %s: %w", key, err)
	}
	return b, nil
}
