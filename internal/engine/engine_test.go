package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/depflow/internal/engine"
	"github.com/seantiz/depflow/internal/model"
	"github.com/seantiz/depflow/internal/policy"
	"github.com/seantiz/depflow/internal/policy/builtin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, policyName string, opts ...engine.Option) *engine.Engine {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := builtin.NewRegistry(builtin.Options{Workers: 8, CopyWorkers: 2, GPUWorkers: 2}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})
	opts = append([]engine.Option{engine.WithPolicy(policyName)}, opts...)
	return engine.NewEngine(reg, logger, opts...)
}

func waitAll(t *testing.T, e *engine.Engine) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.WaitForAllContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitForAll timed out with %d operations pending", e.Pending())
	}
	return err
}

func poolStat(e *engine.Engine, name string) int64 {
	for _, s := range e.Stats().Pools {
		if s.Name == name {
			return s.InUse
		}
	}
	return -1
}

func TestWritersRunInPushOrder(t *testing.T) {
	for _, name := range []string{policy.NamePool, policy.NamePerDevice, policy.NameInline} {
		t.Run(name, func(t *testing.T) {
			e := newTestEngine(t, name)
			v := e.NewVariable()

			var got []int
			for i := 0; i < 200; i++ {
				err := e.PushSync(func(engine.RunContext) error {
					got = append(got, i)
					return nil
				}, model.GPU(i%2), nil, []*engine.Var{v}, model.PropNormal)
				require.NoError(t, err)
			}
			require.NoError(t, waitAll(t, e))

			require.Len(t, got, 200)
			for i, n := range got {
				if n != i {
					t.Fatalf("write %d ran at position %d", n, i)
				}
			}
		})
	}
}

func TestReadSeesPrecedingWriteOnly(t *testing.T) {
	e := newTestEngine(t, policy.NamePool)
	for round := 0; round < 50; round++ {
		v := e.NewVariable()
		var x atomic.Int32
		var seen atomic.Int32

		require.NoError(t, e.PushSync(func(engine.RunContext) error {
			time.Sleep(time.Millisecond)
			x.Store(1)
			return nil
		}, model.CPU(0), nil, []*engine.Var{v}, model.PropNormal))
		require.NoError(t, e.PushSync(func(engine.RunContext) error {
			seen.Store(x.Load())
			return nil
		}, model.CPU(0), []*engine.Var{v}, nil, model.PropNormal))
		require.NoError(t, e.PushSync(func(engine.RunContext) error {
			x.Store(2)
			return nil
		}, model.CPU(0), nil, []*engine.Var{v}, model.PropNormal))

		require.NoError(t, waitAll(t, e))
		assert.Equal(t, int32(1), seen.Load(), "round %d", round)
		assert.Equal(t, int32(2), x.Load(), "round %d", round)
	}
}

func TestReadersRunConcurrentlyAndExcludeWriters(t *testing.T) {
	e := newTestEngine(t, policy.NamePool)
	v := e.NewVariable()

	const readers = 4
	var active atomic.Int32
	var maxActive atomic.Int32
	var arrived sync.WaitGroup
	arrived.Add(readers)
	allIn := make(chan struct{})
	go func() {
		arrived.Wait()
		close(allIn)
	}()

	for i := 0; i < readers; i++ {
		require.NoError(t, e.PushSync(func(engine.RunContext) error {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			arrived.Done()
			select {
			case <-allIn:
			case <-time.After(5 * time.Second):
				return errors.New("readers never overlapped")
			}
			active.Add(-1)
			return nil
		}, model.CPU(0), []*engine.Var{v}, nil, model.PropNormal))
	}

	var activeAtWrite atomic.Int32
	activeAtWrite.Store(-1)
	require.NoError(t, e.PushSync(func(engine.RunContext) error {
		activeAtWrite.Store(active.Load())
		return nil
	}, model.CPU(0), nil, []*engine.Var{v}, model.PropNormal))

	require.NoError(t, waitAll(t, e))
	assert.Equal(t, int32(readers), maxActive.Load())
	assert.Equal(t, int32(0), activeAtWrite.Load())
}

func TestDisjointOperationsAllComplete(t *testing.T) {
	e := newTestEngine(t, policy.NamePool)
	vars := make([]*engine.Var, 1000)
	for i := range vars {
		vars[i] = e.NewVariable()
	}

	var ran atomic.Int32
	for _, v := range vars {
		require.NoError(t, e.PushSync(func(engine.RunContext) error {
			ran.Add(1)
			return nil
		}, model.CPU(0), nil, []*engine.Var{v}, model.PropNormal))
	}
	require.NoError(t, waitAll(t, e))

	assert.Equal(t, int32(1000), ran.Load())
	assert.Equal(t, int64(0), e.Pending())
	for _, v := range vars {
		assert.True(t, v.ReadyToRead())
	}
}

func TestOperationWithoutVariablesRuns(t *testing.T) {
	e := newTestEngine(t, policy.NamePool)
	done := make(chan struct{})
	require.NoError(t, e.PushAsync(func(_ engine.RunContext, cb engine.Callback) {
		close(done)
		cb.Done(nil)
	}, model.CPU(0), nil, nil, model.PropNormal))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("operation with no dependencies never ran")
	}
	require.NoError(t, waitAll(t, e))
}

func TestConflictingDependencyRejectedBeforeRegistration(t *testing.T) {
	e := newTestEngine(t, policy.NameInline)
	v := e.NewVariable()
	w := e.NewVariable()
	nodesBefore := poolStat(e, "nodes")

	noop := func(_ engine.RunContext, cb engine.Callback) { cb.Done(nil) }
	_, err := e.NewOperator(noop, []*engine.Var{v, w}, []*engine.Var{v}, model.PropNormal)
	require.ErrorIs(t, err, engine.ErrConflictingDependency)

	err = e.PushAsync(noop, model.CPU(0), []*engine.Var{w}, []*engine.Var{w}, model.PropNormal)
	require.ErrorIs(t, err, engine.ErrConflictingDependency)

	assert.Equal(t, nodesBefore, poolStat(e, "nodes"))
	assert.Equal(t, int64(0), poolStat(e, "operators"))
	assert.Equal(t, int64(0), e.Pending())
	assert.True(t, v.ReadyToRead())
	assert.True(t, w.ReadyToRead())
}

func TestDuplicateVariablesCollapse(t *testing.T) {
	e := newTestEngine(t, policy.NameInline)
	v := e.NewVariable()
	w := e.NewVariable()

	op, err := e.NewOperator(func(_ engine.RunContext, cb engine.Callback) {
		cb.Done(nil)
	}, []*engine.Var{v, v}, []*engine.Var{w, w, w}, model.PropNormal, engine.WithName("dup"))
	require.NoError(t, err)
	assert.Len(t, op.Reads(), 1)
	assert.Len(t, op.Writes(), 1)
	assert.Equal(t, "dup", op.Name())
	assert.NotEmpty(t, op.ID())

	e.Push(op, model.CPU(0))
	require.NoError(t, waitAll(t, e))
	require.NoError(t, e.DeleteOperator(op))
	require.NoError(t, waitAll(t, e))
}

func TestDeleteVariableAfterPendingWrites(t *testing.T) {
	e := newTestEngine(t, policy.NamePool)
	before := e.Stats().LiveVars
	v := e.NewVariable()

	var writes atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, e.PushSync(func(engine.RunContext) error {
			time.Sleep(100 * time.Microsecond)
			writes.Add(1)
			return nil
		}, model.CPU(0), nil, []*engine.Var{v}, model.PropNormal))
	}

	var seenAtDelete atomic.Int32
	require.NoError(t, e.DeleteVariable(func(engine.RunContext) error {
		seenAtDelete.Store(writes.Load())
		return nil
	}, model.CPU(0), v))
	require.NoError(t, waitAll(t, e))

	assert.Equal(t, int32(10), seenAtDelete.Load())
	assert.Equal(t, before, e.Stats().LiveVars)
}

func TestSlotsAreReused(t *testing.T) {
	e := newTestEngine(t, policy.NameInline)
	v := e.NewVariable()
	for i := 0; i < 1000; i++ {
		require.NoError(t, e.PushSync(func(engine.RunContext) error { return nil },
			model.CPU(0), []*engine.Var{v}, nil, model.PropNormal))
		require.NoError(t, e.PushSync(func(engine.RunContext) error { return nil },
			model.CPU(0), nil, []*engine.Var{v}, model.PropNormal))
	}
	require.NoError(t, waitAll(t, e))

	for _, s := range e.Stats().Pools {
		assert.LessOrEqual(t, s.Capacity, 4, "pool %s grew to %d slots", s.Name, s.Capacity)
		if s.Name == "blocks" || s.Name == "operators" {
			assert.Equal(t, int64(0), s.InUse, "pool %s", s.Name)
		}
	}
}

func TestFailedWriteIsReportedAndCleared(t *testing.T) {
	e := newTestEngine(t, policy.NamePool)
	v := e.NewVariable()
	boom := errors.New("boom")

	require.NoError(t, e.PushSync(func(engine.RunContext) error { return boom },
		model.CPU(0), nil, []*engine.Var{v}, model.PropNormal, engine.WithName("bad-write")))

	var readerRan atomic.Bool
	require.NoError(t, e.PushSync(func(engine.RunContext) error {
		readerRan.Store(true)
		return nil
	}, model.CPU(0), []*engine.Var{v}, nil, model.PropNormal))

	require.ErrorIs(t, e.WaitForVar(v), boom)
	err := waitAll(t, e)
	require.ErrorIs(t, err, boom)
	assert.True(t, readerRan.Load(), "readers of a failed write still run")

	// Failures are reported once.
	require.NoError(t, waitAll(t, e))

	require.NoError(t, e.PushSync(func(engine.RunContext) error { return nil },
		model.CPU(0), nil, []*engine.Var{v}, model.PropNormal))
	require.NoError(t, e.WaitForVar(v))
	require.NoError(t, waitAll(t, e))
}

func TestPanicBecomesFailure(t *testing.T) {
	e := newTestEngine(t, policy.NamePool)
	v := e.NewVariable()
	require.NoError(t, e.PushSync(func(engine.RunContext) error {
		panic("kaboom")
	}, model.CPU(0), nil, []*engine.Var{v}, model.PropNormal))

	err := waitAll(t, e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Error(t, v.Err())
}

func TestDoubleDonePanics(t *testing.T) {
	e := newTestEngine(t, policy.NameInline)
	var saved engine.Callback
	require.NoError(t, e.PushAsync(func(_ engine.RunContext, cb engine.Callback) {
		saved = cb
		cb.Done(nil)
	}, model.CPU(0), nil, nil, model.PropNormal))
	require.NoError(t, waitAll(t, e))

	assert.PanicsWithValue(t, "engine: operation completed more than once", func() {
		saved.Done(nil)
	})
}

func TestAsyncCompletionFromAnotherGoroutine(t *testing.T) {
	e := newTestEngine(t, policy.NamePool)
	v := e.NewVariable()
	var value atomic.Int64

	require.NoError(t, e.PushAsync(func(_ engine.RunContext, cb engine.Callback) {
		go func() {
			time.Sleep(5 * time.Millisecond)
			value.Store(42)
			cb.Done(nil)
		}()
	}, model.GPU(0), nil, []*engine.Var{v}, model.PropAsync))

	require.NoError(t, e.WaitForVar(v))
	assert.Equal(t, int64(42), value.Load())
	require.NoError(t, waitAll(t, e))
}

func TestWaitForVarContextTimesOut(t *testing.T) {
	e := newTestEngine(t, policy.NamePool)
	v := e.NewVariable()
	release := make(chan struct{})
	require.NoError(t, e.PushAsync(func(_ engine.RunContext, cb engine.Callback) {
		go func() {
			<-release
			cb.Done(nil)
		}()
	}, model.CPU(0), nil, []*engine.Var{v}, model.PropAsync))

	assert.False(t, v.ReadyToRead())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.WaitForVarContext(ctx, v), context.DeadlineExceeded)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	assert.ErrorIs(t, e.WaitForAllContext(ctx2), context.DeadlineExceeded)

	close(release)
	require.NoError(t, e.WaitForVar(v))
	require.NoError(t, waitAll(t, e))
	assert.True(t, v.ReadyToRead())
}

func TestDeleteOperatorWaitsForExecutions(t *testing.T) {
	e := newTestEngine(t, policy.NamePool)
	in := e.NewVariable()
	out := e.NewVariable()

	var runs atomic.Int32
	op, err := e.NewOperator(func(rc engine.RunContext, cb engine.Callback) {
		time.Sleep(200 * time.Microsecond)
		runs.Add(1)
		cb.Done(nil)
	}, []*engine.Var{in}, []*engine.Var{out}, model.PropNormal, engine.WithName("step"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), poolStat(e, "operators"))

	for i := 0; i < 5; i++ {
		e.Push(op, model.CPU(0))
	}
	require.NoError(t, e.DeleteOperator(op))
	require.NoError(t, waitAll(t, e))

	assert.Equal(t, int32(5), runs.Load())
	assert.Equal(t, int64(0), poolStat(e, "operators"))
}

func TestDeleteOperatorKeepsInFlightOperatorWithoutVars(t *testing.T) {
	e := newTestEngine(t, policy.NameInline)
	held := make(chan engine.Callback, 1)
	op, err := e.NewOperator(func(_ engine.RunContext, cb engine.Callback) {
		held <- cb
	}, nil, nil, model.PropAsync, engine.WithName("no-vars"))
	require.NoError(t, err)

	e.Push(op, model.CPU(0))
	cb := <-held
	require.NoError(t, e.DeleteOperator(op))
	require.Eventually(t, func() bool { return e.Pending() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), poolStat(e, "operators"), "running operator must stay allocated")

	v := e.NewVariable()
	other, err := e.NewOperator(func(_ engine.RunContext, cb engine.Callback) {
		cb.Done(nil)
	}, nil, []*engine.Var{v}, model.PropNormal, engine.WithName("other"))
	require.NoError(t, err)
	assert.NotSame(t, op, other)
	assert.Equal(t, "no-vars", op.Name())

	cb.Done(nil)
	require.NoError(t, waitAll(t, e))
	assert.Equal(t, int64(1), poolStat(e, "operators"))

	require.NoError(t, e.DeleteOperator(other))
	require.NoError(t, waitAll(t, e))
	assert.Equal(t, int64(0), poolStat(e, "operators"))
}

func TestStaleCallbackCannotCompleteReusedSlot(t *testing.T) {
	e := newTestEngine(t, policy.NameInline)
	held := make(chan engine.Callback, 1)
	hold := func(_ engine.RunContext, cb engine.Callback) { held <- cb }

	require.NoError(t, e.PushAsync(hold, model.CPU(0), nil, nil, model.PropAsync))
	first := <-held
	first.Done(nil)
	require.NoError(t, waitAll(t, e))

	// The next operation takes the slot the first one released.
	require.NoError(t, e.PushAsync(hold, model.CPU(0), nil, nil, model.PropAsync))
	second := <-held
	assert.PanicsWithValue(t, "engine: operation completed more than once", func() {
		first.Done(nil)
	})
	assert.Equal(t, int64(1), e.Pending())

	second.Done(nil)
	require.NoError(t, waitAll(t, e))
	assert.Equal(t, int64(0), e.Pending())
}

func TestLongWriteChainOnOneVar(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates over a million blocks")
	}
	e := newTestEngine(t, policy.NamePool)
	v := e.NewVariable()
	held := make(chan engine.Callback, 1)
	require.NoError(t, e.PushAsync(func(_ engine.RunContext, cb engine.Callback) {
		held <- cb
	}, model.CPU(0), nil, []*engine.Var{v}, model.PropAsync))
	gate := <-held

	const n = 1<<20 + 16
	var count atomic.Int64
	for i := 0; i < n; i++ {
		require.NoError(t, e.PushSync(func(engine.RunContext) error {
			count.Add(1)
			return nil
		}, model.CPU(0), nil, []*engine.Var{v}, model.PropNormal))
	}
	assert.Equal(t, int64(n+1), e.Pending())

	gate.Done(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, e.WaitForAllContext(ctx))
	assert.Equal(t, int64(n), count.Load())
}

func TestRunContext(t *testing.T) {
	e := newTestEngine(t, policy.NameInline)
	var gotCtx model.Context
	var gotName, gotID string
	require.NoError(t, e.PushSync(func(rc engine.RunContext) error {
		gotCtx = rc.Ctx
		gotName = rc.Name()
		gotID = rc.OpID()
		return nil
	}, model.GPU(3), nil, nil, model.PropNormal, engine.WithName("run-context")))
	require.NoError(t, waitAll(t, e))

	assert.Equal(t, model.GPU(3), gotCtx)
	assert.Equal(t, "run-context", gotName)
	assert.NotEmpty(t, gotID)
}

func TestUnresolvablePolicyFailsOperation(t *testing.T) {
	e := newTestEngine(t, "missing")
	v := e.NewVariable()
	ran := false
	require.NoError(t, e.PushSync(func(engine.RunContext) error {
		ran = true
		return nil
	}, model.CPU(0), nil, []*engine.Var{v}, model.PropNormal))

	err := waitAll(t, e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
	assert.False(t, ran)
	assert.Error(t, v.Err())
}

func TestEventsArePublished(t *testing.T) {
	e := newTestEngine(t, policy.NameInline)
	events, unsub := e.Broker().Subscribe()
	defer unsub()

	require.NoError(t, e.PushSync(func(engine.RunContext) error { return nil },
		model.CPU(1), nil, nil, model.PropCPUPrioritized, engine.WithName("evt")))
	require.NoError(t, waitAll(t, e))

	select {
	case rec := <-events:
		assert.Equal(t, "evt", rec.Name)
		assert.Equal(t, model.StatusCompleted, rec.Status)
		assert.Equal(t, model.CPU(1), rec.Context)
		assert.Equal(t, model.PropCPUPrioritized, rec.Property)
		assert.False(t, rec.FinishedAt.Before(rec.StartedAt))
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestConcurrentPushers(t *testing.T) {
	e := newTestEngine(t, policy.NameAuto)
	shared := e.NewVariable()
	counters := make([]int, 4)
	vars := make([]*engine.Var, 4)
	for i := range vars {
		vars[i] = e.NewVariable()
	}

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Go(func() {
			for i := 0; i < 250; i++ {
				k := (p + i) % len(vars)
				ctx := model.CPU(0)
				if i%3 == 0 {
					ctx = model.GPU(k % 2)
				}
				err := e.PushSync(func(engine.RunContext) error {
					counters[k]++
					return nil
				}, ctx, []*engine.Var{shared}, []*engine.Var{vars[k]}, model.PropNormal)
				if err != nil {
					t.Error(err)
					return
				}
			}
		})
	}
	wg.Wait()
	require.NoError(t, waitAll(t, e))

	total := 0
	for _, c := range counters {
		total += c
	}
	assert.Equal(t, 2000, total)
	assert.Equal(t, int64(0), poolStat(e, "blocks"))
	assert.Equal(t, int64(0), poolStat(e, "operators"))
}

// traceRecorder collects execution and completion lines from one engine.
type traceRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *traceRecorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *traceRecorder) Record(rec model.OpRecord) {
	if rec.Error != "" {
		r.add("done %s %s %s", rec.Name, rec.Status, rec.Error)
		return
	}
	r.add("done %s %s", rec.Name, rec.Status)
}

func (r *traceRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out string
	for _, l := range r.lines {
		out += l + "\n"
	}
	return out
}
