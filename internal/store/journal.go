package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/depflow/internal/model"
)

var journalRecords = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "depflow_journal_records_total",
		Help: "Total number of op records handled by the journal, by result.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(journalRecords)
}

// Journal defaults.
const (
	DefaultBatchSize     = 64
	DefaultFlushInterval = 250 * time.Millisecond
	DefaultMaxPending    = 16384
)

// JournalOptions tunes a Journal. Zero fields take the defaults.
type JournalOptions struct {
	// BatchSize triggers a flush once this many records are buffered.
	BatchSize int
	// FlushInterval bounds how long a record stays buffered.
	FlushInterval time.Duration
	// MaxPending caps the buffer; records beyond it are dropped.
	MaxPending int
}

// Journal buffers op records and writes them to a Store in batches from a
// background goroutine, so recording never waits on the database.
type Journal struct {
	store  Store
	logger *slog.Logger
	opts   JournalOptions

	mu     sync.Mutex
	buf    []model.OpRecord
	closed bool

	flushMu sync.Mutex
	kick    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	written prometheus.Counter
	dropped prometheus.Counter
	failed  prometheus.Counter
}

// NewJournal starts a journal writing to s.
func NewJournal(s Store, logger *slog.Logger, opts JournalOptions) *Journal {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	j := &Journal{
		store:   s,
		logger:  logger,
		opts:    opts,
		buf:     make([]model.OpRecord, 0, opts.BatchSize),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		written: journalRecords.WithLabelValues("written"),
		dropped: journalRecords.WithLabelValues("dropped"),
		failed:  journalRecords.WithLabelValues("failed"),
	}
	j.wg.Go(j.run)
	return j
}

// Record buffers rec. It never blocks on the database; records are dropped
// when the buffer is full or the journal is closed.
func (j *Journal) Record(rec model.OpRecord) {
	j.mu.Lock()
	if j.closed || len(j.buf) >= j.opts.MaxPending {
		j.mu.Unlock()
		j.dropped.Inc()
		return
	}
	j.buf = append(j.buf, rec)
	full := len(j.buf) >= j.opts.BatchSize
	j.mu.Unlock()

	if full {
		select {
		case j.kick <- struct{}{}:
		default:
		}
	}
}

func (j *Journal) run() {
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-j.kick:
		case <-ticker.C:
		case <-j.done:
			return
		}
		if err := j.Flush(context.Background()); err != nil {
			j.logger.Error("failed to flush op journal", "error", err)
		}
	}
}

// Flush writes every buffered record now.
func (j *Journal) Flush(ctx context.Context) error {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	j.mu.Lock()
	batch := j.buf
	j.buf = make([]model.OpRecord, 0, j.opts.BatchSize)
	j.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := j.store.InsertRecords(ctx, batch); err != nil {
		j.failed.Add(float64(len(batch)))
		return err
	}
	j.written.Add(float64(len(batch)))
	return nil
}

// Close stops the background writer and flushes what is left. Records
// arriving afterwards are dropped.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.done)
	j.wg.Wait()
	return j.Flush(ctx)
}
