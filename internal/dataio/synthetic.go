package dataio

import (
	"errors"
	"math/rand/v2"
)

// Synthetic yields num_instances pseudo-random instances of dim values each.
// The sequence depends only on seed, so Reset replays it exactly.
type Synthetic struct {
	count int
	dim   int
	seed  uint64
	next  int
	cur   Batch
}

// Init implements Iterator.
func (s *Synthetic) Init(p Params) error {
	var err error
	if s.count, err = p.Int("num_instances", 100); err != nil {
		return err
	}
	if s.dim, err = p.Int("dim", 4); err != nil {
		return err
	}
	if s.seed, err = p.Uint64("seed", 1); err != nil {
		return err
	}
	if s.count < 0 || s.dim < 1 {
		return errors.New("synthetic: num_instances must be >= 0 and dim >= 1")
	}
	return nil
}

// Reset implements Iterator.
func (s *Synthetic) Reset() {
	s.next = 0
}

// Next implements Iterator.
func (s *Synthetic) Next() bool {
	if s.next >= s.count {
		return false
	}
	idx := uint64(s.next)
	s.next++

	rng := rand.New(rand.NewPCG(s.seed, idx))
	vals := make([]float32, s.dim)
	for i := range vals {
		vals[i] = rng.Float32()
	}
	s.cur = Batch{
		Index: []uint64{idx},
		Data:  []Blob{{Shape: []int{s.dim}, Values: vals}},
	}
	return true
}

// Value implements Iterator.
func (s *Synthetic) Value() Batch {
	return s.cur
}

// Err implements Iterator.
func (s *Synthetic) Err() error {
	return nil
}
