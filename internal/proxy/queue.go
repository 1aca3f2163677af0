// Package proxy implements C2: one priority task queue per provider, each
// drained by a small worker pool that dispatches onto the C1 adapters.
package proxy

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"aegis/internal/llm"
	"aegis/internal/llm/providers"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// TimeoutError is surfaced when a blocking enqueue exceeds its deadline; the
// task is removed from tracking before this is returned.
type TimeoutError struct {
	TaskID string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("task %s timed out", e.TaskID) }

// QueueFullError is returned by Enqueue when the provider's queue has a
// configured size cap and is at capacity (spec.md §5 Backpressure: operators
// may cap the queue, in which case enqueue fails fast rather than blocking).
type QueueFullError struct {
	Provider string
	Size     int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue for provider %s is full (size=%d)", e.Provider, e.Size)
}

// Request is the provider-neutral payload a caller hands to Enqueue.
type Request struct {
	Provider string
	Model    string
	Messages []llm.Message
	Tools    []llm.ToolSchema
	Options  llm.Options
}

// TaskState is the lifecycle of a tracked task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskCompleted TaskState = "completed"
)

// TaskStatus is the observability-facing view of one task.
type TaskStatus struct {
	TaskID    string
	State     TaskState
	Priority  int
	CreatedAt time.Time
	Result    *llm.ProxyResponse
	Err       error
}

// task is the internal queue entry. completion signaling is either a future
// (blocking, resolved via done) or a callback (fire-and-forget).
type task struct {
	priority  int
	seq       int64 // insertion order, for FIFO-within-priority
	taskID    string
	req       Request
	blocking  bool
	createdAt time.Time
	callback  func(llm.ProxyResponse, error)

	done   chan struct{}
	result llm.ProxyResponse
	err    error
}

// taskHeap orders by priority ascending (lower dequeues first), then by
// insertion sequence (FIFO within a priority level).
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// providerQueue is one provider's priority queue plus its tracking map.
type providerQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    taskHeap
	seq     int64
	tasks   map[string]*task
	closed  bool
	maxSize int // 0 means uncapped (spec.md §5 default)

	// limiter caps dispatch rate to the upstream provider, independent of
	// worker concurrency. nil means unlimited.
	limiter *rate.Limiter
}

func newProviderQueue() *providerQueue {
	q := &providerQueue{tasks: make(map[string]*task)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push adds t to the queue, returning a *QueueFullError without enqueueing
// when a size cap is configured and already reached.
func (q *providerQueue) push(t *task, providerTag string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxSize > 0 && q.heap.Len() >= q.maxSize {
		return &QueueFullError{Provider: providerTag, Size: q.heap.Len()}
	}
	q.seq++
	t.seq = q.seq
	heap.Push(&q.heap, t)
	q.tasks[t.taskID] = t
	q.cond.Signal()
	return nil
}

// pop blocks until a task is available or the queue is closed.
func (q *providerQueue) pop() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*task)
}

func (q *providerQueue) remove(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, taskID)
}

func (q *providerQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func (q *providerQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *providerQueue) snapshot() []TaskStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]TaskStatus, 0, len(q.tasks))
	for _, t := range q.tasks {
		st := TaskStatus{TaskID: t.taskID, Priority: t.priority, CreatedAt: t.createdAt, State: TaskPending}
		select {
		case <-t.done:
			st.State = TaskCompleted
			st.Result = &t.result
			st.Err = t.err
		default:
		}
		out = append(out, st)
	}
	return out
}

// Manager owns the three provider queues and their worker pools.
type Manager struct {
	registry       *providers.Registry
	queues         map[string]*providerQueue
	defaultTimeout time.Duration
}

// NewManager constructs a Manager and starts workersPerProvider goroutines per
// provider queue. maxQueueSize of 0 leaves queues uncapped (spec.md §5
// default); a positive value makes Enqueue fail fast with *QueueFullError
// once a provider's queue reaches that depth.
func NewManager(registry *providers.Registry, defaultTimeout time.Duration, workersPerProvider, maxQueueSize int) *Manager {
	return NewManagerWithRateLimits(registry, defaultTimeout, workersPerProvider, maxQueueSize, nil)
}

// NewManagerWithRateLimits is NewManager plus a per-provider requests-per-second
// cap (keyed by provider tag: "ollama", "openai", "anthropic"). A missing or
// zero-valued entry leaves that provider's queue unlimited; the cap throttles
// dispatch onto the upstream adapter independently of worker concurrency, so
// a burst of enqueued tasks still drains at a steady rate instead of hammering
// the provider.
func NewManagerWithRateLimits(registry *providers.Registry, defaultTimeout time.Duration, workersPerProvider, maxQueueSize int, ratesPerSecond map[string]float64) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	if workersPerProvider <= 0 {
		workersPerProvider = 1
	}
	m := &Manager{
		registry:       registry,
		queues:         make(map[string]*providerQueue, 3),
		defaultTimeout: defaultTimeout,
	}
	for _, p := range []string{"ollama", "openai", "anthropic"} {
		q := newProviderQueue()
		q.maxSize = maxQueueSize
		if rps := ratesPerSecond[p]; rps > 0 {
			burst := int(rps)
			if burst < 1 {
				burst = 1
			}
			q.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
		m.queues[p] = q
		for i := 0; i < workersPerProvider; i++ {
			go m.workerLoop(p, q)
		}
	}
	return m
}

func (m *Manager) providerFor(req Request) string {
	tag := req.Provider
	if tag == "" {
		tag = resolveTag(req.Model)
	}
	if _, ok := m.queues[tag]; !ok {
		return "ollama"
	}
	return tag
}

func resolveTag(model string) string {
	switch {
	case hasPrefix(model, "claude"):
		return "anthropic"
	case hasPrefix(model, "gpt"):
		return "openai"
	default:
		return "ollama"
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// workerLoop pops tasks and dispatches them onto the resolved provider
// adapter. Workers never swallow errors: on failure, the result is always
// propagated to the future or callback, and the task is always removed from
// tracking.
func (m *Manager) workerLoop(providerTag string, q *providerQueue) {
	for {
		t := q.pop()
		if t == nil {
			return // queue closed
		}
		func() {
			defer q.remove(t.taskID)
			defer close(t.done)

			ctx := context.Background()
			var resp llm.ProxyResponse
			var err error
			if q.limiter != nil {
				err = q.limiter.Wait(ctx)
			}
			if err == nil {
				adapter := m.registry.Resolve(t.req.Provider, t.req.Model)
				resp, err = adapter.Chat(ctx, t.req.Messages, t.req.Tools, t.req.Model, t.req.Options)
			}
			t.result = resp
			t.err = err

			if err != nil {
				log.Error().Str("provider", providerTag).Str("task_id", t.taskID).Err(err).Msg("task dispatch failed")
			}

			if !t.blocking && t.callback != nil {
				t.callback(resp, err)
			}
		}()
	}
}

// Enqueue submits req at the given priority. Blocking callers wait up to
// timeout (or the manager default) for a result; a zero timeout uses the
// default. Fire-and-forget callers (blocking=false) get taskID immediately
// and callback is invoked from the worker goroutine on completion.
func (m *Manager) Enqueue(ctx context.Context, req Request, priority int, blocking bool, timeout time.Duration, callback func(llm.ProxyResponse, error)) (string, *llm.ProxyResponse, error) {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	providerTag := m.providerFor(req)
	q := m.queues[providerTag]

	t := &task{
		priority:  priority,
		taskID:    uuid.NewString(),
		req:       req,
		blocking:  blocking,
		createdAt: time.Now(),
		callback:  callback,
		done:      make(chan struct{}),
	}
	if err := q.push(t, providerTag); err != nil {
		return "", nil, err
	}

	if !blocking {
		return t.taskID, nil, nil
	}

	select {
	case <-t.done:
		return t.taskID, &t.result, t.err
	case <-time.After(timeout):
		q.remove(t.taskID)
		return t.taskID, nil, &TimeoutError{TaskID: t.taskID}
	case <-ctx.Done():
		q.remove(t.taskID)
		return t.taskID, nil, ctx.Err()
	}
}

// QueueSizes returns the current pending task count per provider.
func (m *Manager) QueueSizes() map[string]int {
	out := make(map[string]int, len(m.queues))
	for p, q := range m.queues {
		out[p] = q.size()
	}
	return out
}

// Tasks returns a snapshot of every tracked task across all provider queues.
func (m *Manager) Tasks() []TaskStatus {
	var out []TaskStatus
	for _, q := range m.queues {
		out = append(out, q.snapshot()...)
	}
	return out
}

// Close marks every queue closed. Each worker keeps dispatching the tasks
// already queued and exits once its queue is empty.
func (m *Manager) Close() {
	for _, q := range m.queues {
		q.close()
	}
}
