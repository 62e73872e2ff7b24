package dataio

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Prefetcher reads ahead of its consumer on a separate goroutine, keeping up
// to capacity batches buffered.
type Prefetcher struct {
	src      Iterator
	capacity int

	ch     chan Batch
	cancel context.CancelFunc
	g      *errgroup.Group
	cur    Batch
	err    error
}

// SetSource implements Wrapper.
func (p *Prefetcher) SetSource(src Iterator) {
	p.src = src
}

// Init implements Iterator and starts reading ahead.
func (p *Prefetcher) Init(params Params) error {
	if p.src == nil {
		return errors.New("prefetch: no source")
	}
	var err error
	if p.capacity, err = params.Int("capacity", 4); err != nil {
		return err
	}
	if p.capacity < 1 {
		return errors.New("prefetch: capacity must be >= 1")
	}
	p.start()
	return nil
}

func (p *Prefetcher) start() {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	ch := make(chan Batch, p.capacity)
	g.Go(func() error {
		defer close(ch)
		for gctx.Err() == nil && p.src.Next() {
			select {
			case ch <- p.src.Value().Clone():
			case <-gctx.Done():
				return nil
			}
		}
		return p.src.Err()
	})
	p.ch = ch
	p.cancel = cancel
	p.g = g
}

// stop ends the read-ahead goroutine and waits for it.
func (p *Prefetcher) stop() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	for range p.ch {
	}
	err := p.g.Wait()
	p.cancel = nil
	return err
}

// Reset implements Iterator. A read-ahead failure the consumer never reached
// is kept in Err through the restarted pass.
func (p *Prefetcher) Reset() {
	err := p.stop()
	if p.err != nil {
		// Already reported by Err.
		err = nil
	}
	p.src.Reset()
	p.err = err
	p.start()
}

// Next implements Iterator.
func (p *Prefetcher) Next() bool {
	if p.cancel == nil {
		return false
	}
	b, ok := <-p.ch
	if !ok {
		p.err = errors.Join(p.err, p.g.Wait())
		return false
	}
	p.cur = b
	return true
}

// Value implements Iterator.
func (p *Prefetcher) Value() Batch {
	return p.cur
}

// Err implements Iterator.
func (p *Prefetcher) Err() error {
	return p.err
}

// Close stops reading ahead and closes the source.
func (p *Prefetcher) Close() error {
	return errors.Join(p.stop(), Close(p.src))
}
