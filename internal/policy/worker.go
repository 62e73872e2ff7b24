package policy

import (
	"log/slog"
	"sync"
)

// Lane labels.
const (
	LaneNormal   = "normal"
	LaneCopy     = "copy"
	LanePriority = "priority"
)

// Workers drains a Queue with a fixed number of goroutines.
type Workers struct {
	queue *Queue
	wg    sync.WaitGroup
}

// StartWorkers launches n goroutines that execute tasks from q until it is
// closed and drained. n below one is treated as one.
func StartWorkers(q *Queue, n int, policyName, lane string, logger *slog.Logger) *Workers {
	if n < 1 {
		n = 1
	}
	w := &Workers{queue: q}
	executed := ExecutedCounter(policyName, lane)
	for i := 0; i < n; i++ {
		w.wg.Go(func() {
			logger.Debug("policy worker started", "policy", policyName, "lane", lane, "worker", i)
			for {
				t, ok := q.Pop()
				if !ok {
					return
				}
				t.Execute()
				executed.Inc()
			}
		})
	}
	return w
}

// Stop closes the queue and returns a channel closed once every worker exits.
func (w *Workers) Stop() <-chan struct{} {
	w.queue.Close()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	return done
}
