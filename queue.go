package benteng

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Queue defaults.
const (
	DefaultMaxConcurrent = 6
	DefaultQueueCapacity = 100
)

type queueResult struct {
	resp *Response
	err  error
}

type queuedRequest struct {
	ctx        context.Context
	req        *Request
	exec       Handler
	priority   Priority
	seq        uint64
	enqueuedAt time.Time
	result     chan queueResult
}

// PriorityQueue bounds concurrent executions and starts waiting requests in
// priority order, FIFO within a priority.
type PriorityQueue struct {
	mu            sync.Mutex
	items         []*queuedRequest
	running       int
	maxConcurrent int
	capacity      int
	seq           uint64

	metrics *MetricsCollector
	log     debugLog
}

// NewPriorityQueue creates a queue. Non-positive arguments select the defaults.
func NewPriorityQueue(maxConcurrent, capacity int) *PriorityQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &PriorityQueue{
		maxConcurrent: maxConcurrent,
		capacity:      capacity,
	}
}

// Enqueue admits req and blocks until exec has run for it. It fails
// immediately with ErrQueueFull when capacity requests are already waiting.
// A request whose ctx ends while it is still waiting is removed unstarted.
func (q *PriorityQueue) Enqueue(ctx context.Context, req *Request, exec Handler) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		q.log.log(queueCategory, "Queue full", "requestID", req.ID, "capacity", q.capacity)
		return nil, newClientError(ErrorTypeQueueFull, "request queue is at capacity", ErrQueueFull, req)
	}

	q.seq++
	item := &queuedRequest{
		ctx:        ctx,
		req:        req,
		exec:       exec,
		priority:   req.Priority,
		seq:        q.seq,
		enqueuedAt: time.Now(),
		result:     make(chan queueResult, 1),
	}
	i := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].priority > item.priority
	})
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = item
	q.mu.Unlock()

	q.log.log(queueCategory, "Request queued", "requestID", req.ID, "priority", req.Priority.String(), "position", i)
	q.process()

	select {
	case r := <-item.result:
		return r.resp, r.err
	case <-ctx.Done():
		if q.remove(item) {
			q.recordDepth()
		}
		// If it already started, exec sees the same ctx and unwinds on its own.
		return nil, ctx.Err()
	}
}

// process starts queued requests while there is spare concurrency.
func (q *PriorityQueue) process() {
	q.mu.Lock()
	for q.running < q.maxConcurrent && len(q.items) > 0 {
		item := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]

		if err := item.ctx.Err(); err != nil {
			item.result <- queueResult{err: err}
			continue
		}
		q.running++
		go q.run(item)
	}
	q.mu.Unlock()
	q.recordDepth()
}

func (q *PriorityQueue) run(item *queuedRequest) {
	q.log.log(queueCategory, "Request started", "requestID", item.req.ID, "waited", time.Since(item.enqueuedAt))

	resp, err := item.exec(item.ctx, item.req)

	q.mu.Lock()
	q.running--
	q.mu.Unlock()

	item.result <- queueResult{resp: resp, err: err}
	q.process()
}

func (q *PriorityQueue) remove(item *queuedRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *PriorityQueue) recordDepth() {
	q.metrics.RecordQueueDepth(q.Len())
}

// Len returns the number of waiting requests.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Running returns the number of executing requests.
func (q *PriorityQueue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}
