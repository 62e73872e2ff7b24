package policy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Queue is an unbounded, blocking FIFO of tasks with a priority lane.
//
// It is unbounded because completion paths running on worker goroutines push
// newly eligible tasks; a bounded queue could block every worker on its own
// input.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	high   taskRing
	normal taskRing
	closed bool
	depth  prometheus.Gauge
}

type taskRing struct {
	items []Task
	head  int
}

func (r *taskRing) push(t Task) {
	r.items = append(r.items, t)
}

func (r *taskRing) pop() (Task, bool) {
	if r.head == len(r.items) {
		return nil, false
	}
	t := r.items[r.head]
	// Release the reference so the slot does not pin the task.
	r.items[r.head] = nil
	r.head++
	if r.head == len(r.items) {
		r.items = r.items[:0]
		r.head = 0
	}
	return t, true
}

func (r *taskRing) len() int {
	return len(r.items) - r.head
}

// NewQueue creates an empty queue. policyName and lane label its depth gauge.
func NewQueue(policyName, lane string) *Queue {
	q := &Queue{
		high:   taskRing{items: make([]Task, 0, 16)},
		normal: taskRing{items: make([]Task, 0, 64)},
		depth:  queueDepth.WithLabelValues(policyName, lane),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends t. Tasks pushed with high set are popped before any normal
// task. Push returns false if the queue is closed.
func (q *Queue) Push(t Task, high bool) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if high {
		q.high.push(t)
	} else {
		q.normal.push(t)
	}
	q.depth.Inc()
	q.mu.Unlock()
	q.cond.Signal()
	return true
}

// Pop removes and returns the next task, blocking until one is available.
// It returns false once the queue is closed and drained.
func (q *Queue) Pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if t, ok := q.high.pop(); ok {
			q.depth.Dec()
			return t, true
		}
		if t, ok := q.normal.pop(); ok {
			q.depth.Dec()
			return t, true
		}
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
}

// Len reports the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.high.len() + q.normal.len()
}

// Close stops accepting tasks. Already queued tasks are still returned by Pop.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
