// Package pipeline feeds batches from a data iterator through the engine.
// Every batch becomes a variable that is written by a load operation,
// read by a consume operation and then deleted, so loading, consuming and
// releasing of different batches overlap.
package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/depflow/internal/dataio"
	"github.com/seantiz/depflow/internal/engine"
	"github.com/seantiz/depflow/internal/model"
	"github.com/seantiz/depflow/internal/storage"
)

var batchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "depflow_pipeline_batches_total",
		Help: "Total number of batches consumed by pipelines, by status.",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(batchesTotal)
}

// Result summarizes one run.
type Result struct {
	Batches   int           `json:"batches"`
	Instances int           `json:"instances"`
	Padded    int           `json:"padded"`
	Values    int           `json:"values"`
	Checksum  float64       `json:"checksum"`
	Duration  time.Duration `json:"duration"`
}

// Pipeline runs iterators through an engine.
type Pipeline struct {
	engine   *engine.Engine
	mem      *storage.Manager
	logger   *slog.Logger
	ctx      model.Context
	inFlight int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithContext sets the device batches are loaded to. The default is cpu(0).
func WithContext(ctx model.Context) Option {
	return func(p *Pipeline) {
		p.ctx = ctx
	}
}

// WithInFlight bounds the number of batches held at once. The default is 4.
func WithInFlight(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.inFlight = n
		}
	}
}

// New creates a pipeline that allocates batch buffers from mem.
func New(e *engine.Engine, mem *storage.Manager, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		engine:   e,
		mem:      mem,
		logger:   logger,
		ctx:      model.CPU(0),
		inFlight: 4,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// batchSlot carries one batch between its operations.
type batchSlot struct {
	batch dataio.Batch
	buf   storage.Handle
}

// Run drains it, loading and consuming every batch through the engine, and
// returns once all of its operations have completed. Cancelling ctx stops
// reading further batches.
func (p *Pipeline) Run(ctx context.Context, it dataio.Iterator) (Result, error) {
	start := time.Now()
	loadProp := model.PropNormal
	if p.ctx.DevType == model.DevGPU {
		loadProp = model.PropCopyToGPU
	}

	// acc is written by every consume operation, which serializes updates to
	// res and errs in push order.
	acc := p.engine.NewVariable()
	var res Result
	var errs []error
	sem := make(chan struct{}, p.inFlight)
	var stopErr error

loop:
	for it.Next() {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			stopErr = ctx.Err()
			break loop
		}

		slot := &batchSlot{batch: it.Value().Clone()}
		v := p.engine.NewVariable()

		// v is deleted even when a push fails, so its buffer and sem slot
		// come back before the tail waits on acc.
		err := p.engine.PushSync(func(rc engine.RunContext) error {
			return p.load(rc, slot)
		}, p.ctx, nil, []*engine.Var{v}, loadProp, engine.WithName("load"))
		if err == nil {
			err = p.engine.PushSync(func(engine.RunContext) error {
				if err := v.Err(); err != nil {
					errs = append(errs, fmt.Errorf("batch %v: %w", slot.batch.Index, err))
					batchesTotal.WithLabelValues(model.StatusFailed).Inc()
					return nil
				}
				res.Batches++
				res.Instances += len(slot.batch.Index)
				res.Padded += slot.batch.Pad
				res.Values += slot.buf.Size / 4
				res.Checksum += checksum(slot.buf.Data)
				batchesTotal.WithLabelValues(model.StatusCompleted).Inc()
				return nil
			}, p.ctx, []*engine.Var{v}, []*engine.Var{acc}, model.PropNormal, engine.WithName("consume"))
		}
		if derr := p.engine.DeleteVariable(func(engine.RunContext) error {
			p.mem.Free(slot.buf)
			<-sem
			return nil
		}, p.ctx, v); derr != nil {
			<-sem
			err = errors.Join(err, derr)
		}
		if err != nil {
			stopErr = fmt.Errorf("push batch: %w", err)
			break
		}
	}
	if err := it.Err(); err != nil {
		stopErr = errors.Join(stopErr, fmt.Errorf("iterator: %w", err))
	}

	// Wait without ctx: in-flight batches are bounded and must finish before
	// res can be read.
	if err := p.engine.WaitForVar(acc); err != nil {
		stopErr = errors.Join(stopErr, err)
	}
	if err := p.engine.DeleteVariable(nil, p.ctx, acc); err != nil {
		stopErr = errors.Join(stopErr, err)
	}
	res.Duration = time.Since(start)

	err := errors.Join(append(errs, stopErr)...)
	if err != nil {
		p.logger.Error("pipeline stopped", "batches", res.Batches, "error", err)
		return res, err
	}
	p.logger.Info("pipeline finished",
		"batches", res.Batches,
		"instances", res.Instances,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// load copies the batch's values into a storage buffer.
func (p *Pipeline) load(rc engine.RunContext, slot *batchSlot) error {
	h, err := p.mem.Alloc(slot.batch.Size()*4, rc.Ctx)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	off := 0
	for _, blob := range slot.batch.Data {
		for _, f := range blob.Values {
			binary.LittleEndian.PutUint32(h.Data[off:], math.Float32bits(f))
			off += 4
		}
	}
	slot.buf = h
	return nil
}

func checksum(buf []byte) float64 {
	var sum float64
	for off := 0; off+4 <= len(buf); off += 4 {
		sum += float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])))
	}
	return sum
}
