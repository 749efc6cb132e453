package benteng

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultOfflineMaxRetries is how many times a buffered request is tried
// during a drain before it is rejected.
const DefaultOfflineMaxRetries = 3

// OfflineConfig configures an OfflineQueue.
type OfflineConfig struct {
	// Enabled buffers requests while offline. When false, offline requests
	// fail fast with ErrOffline.
	Enabled         bool
	SyncOnReconnect bool
	MaxRetries      int
}

type offlineEntry struct {
	ctx    context.Context
	req    *Request
	exec   Handler
	tries  int
	result chan queueResult
}

// OfflineQueue holds requests while connectivity is down and replays them in
// FIFO order once it returns. Without a connectivity signal it stays online.
type OfflineQueue struct {
	mu       sync.Mutex
	config   OfflineConfig
	online   bool
	pending  *list.List
	draining bool

	metrics *MetricsCollector
	log     debugLog
}

// NewOfflineQueue creates an online queue.
func NewOfflineQueue(config OfflineConfig) *OfflineQueue {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultOfflineMaxRetries
	}
	return &OfflineQueue{
		config:  config,
		online:  true,
		pending: list.New(),
	}
}

// IsOnline reports the last known connectivity.
func (q *OfflineQueue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// SetOnline records a connectivity change. Going online with SyncOnReconnect
// set drains the buffer in the background.
func (q *OfflineQueue) SetOnline(online bool) {
	q.mu.Lock()
	reconnected := online && !q.online
	q.online = online
	q.mu.Unlock()

	q.log.log(offlineCategory, "Connectivity changed", "online", online)
	if reconnected && q.config.SyncOnReconnect {
		go q.Drain(context.Background())
	}
}

// Execute runs exec directly while online. While offline it buffers the
// request and blocks until a drain settles it or ctx ends.
func (q *OfflineQueue) Execute(ctx context.Context, req *Request, exec Handler) (*Response, error) {
	q.mu.Lock()
	if q.online {
		q.mu.Unlock()
		return exec(ctx, req)
	}
	if !q.config.Enabled {
		q.mu.Unlock()
		return nil, newClientError(ErrorTypeOffline, "client is offline", ErrOffline, req)
	}

	entry := &offlineEntry{
		ctx:    ctx,
		req:    req,
		exec:   exec,
		result: make(chan queueResult, 1),
	}
	elem := q.pending.PushBack(entry)
	size := q.pending.Len()
	q.mu.Unlock()

	q.metrics.RecordOfflineQueued(size)
	q.log.log(offlineCategory, "Request buffered while offline", "requestID", req.ID, "pending", size)

	select {
	case r := <-entry.result:
		return r.resp, r.err
	case <-ctx.Done():
		q.mu.Lock()
		q.pending.Remove(elem)
		size := q.pending.Len()
		q.mu.Unlock()
		q.metrics.RecordOfflineQueued(size)
		return nil, ctx.Err()
	}
}

// Drain replays buffered requests in FIFO order while online. Each entry is
// tried up to MaxRetries times before being rejected with its last error. It
// returns the number of entries settled. Concurrent calls are no-ops.
func (q *OfflineQueue) Drain(ctx context.Context) int {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return 0
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		size := q.pending.Len()
		q.mu.Unlock()
		q.metrics.RecordOfflineQueued(size)
	}()

	settled := 0
	for ctx.Err() == nil {
		q.mu.Lock()
		front := q.pending.Front()
		if front == nil || !q.online {
			q.mu.Unlock()
			return settled
		}
		entry := q.pending.Remove(front).(*offlineEntry)
		q.mu.Unlock()

		if q.replay(entry) {
			settled++
			continue
		}

		// Connectivity dropped mid-replay; keep the entry at the head.
		q.mu.Lock()
		q.pending.PushFront(entry)
		q.mu.Unlock()
		return settled
	}
	return settled
}

// replay runs entry until it succeeds or exhausts its tries. It returns false
// if the queue went offline before the entry settled.
func (q *OfflineQueue) replay(entry *offlineEntry) bool {
	var lastErr error
	for entry.tries < q.config.MaxRetries {
		if err := entry.ctx.Err(); err != nil {
			entry.result <- queueResult{err: err}
			return true
		}
		if !q.IsOnline() {
			return false
		}

		entry.tries++
		resp, err := entry.exec(entry.ctx, entry.req)
		if err == nil {
			entry.result <- queueResult{resp: resp}
			return true
		}
		lastErr = err
		q.log.log(offlineCategory, "Replay failed",
			"requestID", entry.req.ID, "try", entry.tries, "maxRetries", q.config.MaxRetries, "error", err)
	}

	if lastErr == nil {
		lastErr = newClientError(ErrorTypeOffline, "offline replay attempts exhausted", ErrOffline, entry.req)
	}
	entry.result <- queueResult{err: lastErr}
	return true
}

// Clear rejects every buffered request with ErrOfflineQueueCleared.
func (q *OfflineQueue) Clear() int {
	q.mu.Lock()
	pending := q.pending
	q.pending = list.New()
	q.mu.Unlock()

	for e := pending.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*offlineEntry)
		entry.result <- queueResult{err: newClientError(ErrorTypeOffline, "offline queue cleared", ErrOfflineQueueCleared, entry.req)}
	}
	q.metrics.RecordOfflineQueued(0)
	return pending.Len()
}

// Len returns the number of buffered requests.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// WatchConnectivity applies connectivity events from signal until ctx ends or
// signal is closed.
func (q *OfflineQueue) WatchConnectivity(ctx context.Context, signal <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-signal:
			if !ok {
				return
			}
			q.SetOnline(online)
		}
	}
}

// PollConnectivity calls probe every interval and records its answer until
// ctx ends.
func (q *OfflineQueue) PollConnectivity(ctx context.Context, interval time.Duration, probe func(context.Context) bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.SetOnline(probe(ctx))
		}
	}
}
