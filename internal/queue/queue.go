package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
)

// Priority levels for queued work. Callers may also supply arbitrary
// integers for fine-grained ordering between the named levels.
const (
	PriorityCritical   = 100
	PriorityHigh       = 75
	PriorityNormal     = 50
	PriorityLow        = 25
	PriorityBackground = 0
)

// ErrQueueCancelled is returned through a task's result when the task was
// cancelled while still pending dispatch.
var ErrQueueCancelled = errors.New("task cancelled while pending in queue")

// ErrQueueClosed is returned by Submit after the queue has been shut down.
var ErrQueueClosed = errors.New("request queue is closed")

// Work is the unit of work dispatched by the queue. Ownership of the
// outcome passes to the caller's result channel once dispatched.
type Work func(ctx context.Context) (interface{}, error)

// Result carries the task outcome to the submitter
type Result struct {
	Value interface{}
	Err   error
}

// Metadata is optional descriptive data attached at submission
type Metadata struct {
	Provider        string
	Capability      string
	EstimatedTokens int
}

type task struct {
	id         string
	priority   int
	enqueuedAt time.Time
	seq        uint64 // FIFO tie-break among equal priorities
	work       Work
	result     chan Result
	metadata   *Metadata
}

// Status is a point-in-time snapshot of queue state
type Status struct {
	Depth      int
	Active     int
	ByPriority map[string]int
}

// RequestQueue admits bursty caller demand and dispatches work strictly by
// descending priority, FIFO among equal priorities, bounded by a
// configurable concurrency limit.
type RequestQueue struct {
	mu          sync.Mutex
	pending     []*task
	active      int
	concurrency int
	seq         uint64
	closed      bool
	onChange    func(depth int)
	ctx         context.Context
	cancel      context.CancelFunc
	logger      arbor.ILogger
}

// New creates a request queue. Concurrency values below 1 fall back to the
// default of 3.
func New(concurrency int, logger arbor.ILogger) *RequestQueue {
	if concurrency < 1 {
		concurrency = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RequestQueue{
		concurrency: concurrency,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
}

// OnChange registers a callback fired whenever queue depth changes. The
// callback runs outside the queue lock.
func (q *RequestQueue) OnChange(fn func(depth int)) {
	q.mu.Lock()
	q.onChange = fn
	q.mu.Unlock()
}

// Submit enqueues work at the given priority and returns a channel that
// receives exactly one Result. Dispatch happens as soon as a concurrency
// slot is free and no higher-priority work is waiting.
func (q *RequestQueue) Submit(work Work, priority int, metadata *Metadata) (<-chan Result, error) {
	if work == nil {
		return nil, fmt.Errorf("submit: work must not be nil")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}

	q.seq++
	t := &task{
		id:         common.NewTaskID(),
		priority:   priority,
		enqueuedAt: time.Now(),
		seq:        q.seq,
		work:       work,
		result:     make(chan Result, 1),
		metadata:   metadata,
	}

	q.pending = append(q.pending, t)
	// Descending priority, then ascending sequence for FIFO tie-break.
	sort.SliceStable(q.pending, func(i, j int) bool {
		if q.pending[i].priority != q.pending[j].priority {
			return q.pending[i].priority > q.pending[j].priority
		}
		return q.pending[i].seq < q.pending[j].seq
	})

	depth := len(q.pending)
	notify := q.onChange
	q.dispatchLocked()
	q.mu.Unlock()

	q.logger.Debug().
		Str("task_id", t.id).
		Int("priority", priority).
		Int("depth", depth).
		Msg("Task enqueued")

	if notify != nil {
		notify(depth)
	}

	return t.result, nil
}

// dispatchLocked starts pending tasks while concurrency slots are free.
// Caller must hold q.mu.
func (q *RequestQueue) dispatchLocked() {
	for q.active < q.concurrency && len(q.pending) > 0 {
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.active++

		common.SafeGo(q.logger, "queue-dispatch", func() {
			q.run(t)
		})
	}
}

func (q *RequestQueue) run(t *task) {
	// Bookkeeping is deferred so a panicking work function still frees its
	// concurrency slot and wakes the next pending task.
	defer func() {
		q.mu.Lock()
		q.active--
		q.dispatchLocked()
		depth := len(q.pending)
		notify := q.onChange
		q.mu.Unlock()

		if notify != nil {
			notify(depth)
		}
	}()

	value, err := q.invoke(t)
	t.result <- Result{Value: value, Err: err}
}

// invoke runs the work function, converting a panic into a task failure so
// the submitter always receives a result.
func (q *RequestQueue) invoke(t *task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().
				Str("task_id", t.id).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Task panicked")
			value = nil
			err = fmt.Errorf("task %s panicked: %v", t.id, r)
		}
	}()
	return t.work(q.ctx)
}

// Status returns queue depth, active count, and a breakdown of queued
// tasks by priority bucket.
func (q *RequestQueue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	buckets := map[string]int{}
	for _, t := range q.pending {
		buckets[bucketName(t.priority)]++
	}
	return Status{
		Depth:      len(q.pending),
		Active:     q.active,
		ByPriority: buckets,
	}
}

func bucketName(priority int) string {
	switch {
	case priority >= PriorityCritical:
		return "critical"
	case priority >= PriorityHigh:
		return "high"
	case priority >= PriorityNormal:
		return "normal"
	case priority >= PriorityLow:
		return "low"
	default:
		return "background"
	}
}

// Clear cancels every task still pending dispatch. Tasks already dispatched
// are unaffected; in-flight provider calls cannot be cancelled mid-flight
// in this design.
func (q *RequestQueue) Clear() int {
	q.mu.Lock()
	cancelled := q.pending
	q.pending = nil
	notify := q.onChange
	q.mu.Unlock()

	for _, t := range cancelled {
		t.result <- Result{Err: fmt.Errorf("task %s: %w", t.id, ErrQueueCancelled)}
	}

	if len(cancelled) > 0 {
		q.logger.Info().Int("cancelled", len(cancelled)).Msg("Cleared pending queue")
		if notify != nil {
			notify(0)
		}
	}
	return len(cancelled)
}

// Close cancels pending tasks and rejects further submissions. Running
// tasks observe a cancelled context.
func (q *RequestQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.Clear()
	q.cancel()
}
