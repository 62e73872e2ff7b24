package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/seantiz/depflow/internal/config"
	"github.com/seantiz/depflow/internal/engine"
	"github.com/seantiz/depflow/internal/model"
	"github.com/seantiz/depflow/internal/policy"
	"github.com/seantiz/depflow/internal/policy/builtin"
	"github.com/seantiz/depflow/internal/singleton"
	"github.com/seantiz/depflow/internal/storage"
	"github.com/seantiz/depflow/internal/store"
)

const drainTimeout = 30 * time.Second

// stack is the engine and everything it runs on, built from a Config.
type stack struct {
	logger  *slog.Logger
	engine  *engine.Engine
	reg     *policy.Registry
	mem     *storage.Manager
	memRef  *singleton.Ref[*storage.Manager]
	db      store.Store
	journal *store.Journal
}

// loadConfig reads the environment and applies the global flags.
func loadConfig(opts *RootOptions) config.Config {
	cfg := config.Load()
	if opts.LogLevel != "" {
		cfg.LogLevel = config.ParseLogLevel(opts.LogLevel)
	}
	return cfg
}

// newStack builds the engine described by cfg. The journal is opened only
// when withJournal is set and cfg.DBPath is not empty.
func newStack(cfg config.Config, logw io.Writer, withJournal bool) (*stack, error) {
	s := &stack{logger: cfg.Logger(logw)}

	ref, err := storage.Acquire()
	if err != nil {
		return nil, fmt.Errorf("acquire storage: %w", err)
	}
	s.memRef = ref
	s.mem = ref.Value()

	s.reg = builtin.NewRegistry(builtin.Options{
		Workers:     cfg.Workers,
		CopyWorkers: cfg.CopyWorkers,
		GPUWorkers:  cfg.GPUWorkers,
	}, s.logger)
	if cfg.Policy != policy.NameAuto {
		if _, err := s.reg.Resolve(cfg.Policy, model.CPU(0)); err != nil {
			s.close(context.Background())
			return nil, fmt.Errorf("select policy: %w", err)
		}
	}

	engineOpts := []engine.Option{engine.WithPolicy(cfg.Policy)}
	if withJournal && cfg.DBPath != "" {
		db, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			s.close(context.Background())
			return nil, fmt.Errorf("open journal: %w", err)
		}
		s.db = db
		s.journal = store.NewJournal(db, s.logger, store.JournalOptions{
			BatchSize:     cfg.JournalBatch,
			FlushInterval: cfg.JournalFlush,
		})
		engineOpts = append(engineOpts, engine.WithJournal(s.journal))
	}

	s.engine = engine.NewEngine(s.reg, s.logger, engineOpts...)
	return s, nil
}

// close drains the engine and releases everything in reverse order of
// construction. Operation failures seen while draining are logged, not
// returned.
func (s *stack) close(ctx context.Context) error {
	var errs []error
	if s.engine != nil {
		if err := s.engine.WaitForAllContext(ctx); err != nil {
			if ctx.Err() != nil {
				errs = append(errs, fmt.Errorf("drain engine: %w", err))
			} else {
				s.logger.Warn("operations failed before shutdown", "error", err)
			}
		}
		s.engine.Broker().Close()
	}
	if s.reg != nil {
		if err := s.reg.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close policies: %w", err))
		}
	}
	if s.journal != nil {
		if err := s.journal.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if s.memRef != nil {
		s.memRef.Release()
	}
	return errors.Join(errs...)
}

// closeWithTimeout is close bounded by drainTimeout.
func (s *stack) closeWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	return s.close(ctx)
}
