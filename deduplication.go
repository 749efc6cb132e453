package benteng

import (
	"context"
	"sync"
	"time"
)

// DefaultDedupMaxAge bounds how long an in-flight call may be joined.
const DefaultDedupMaxAge = 5 * time.Second

// inflightCall is one shared execution. refs counts callers still waiting;
// the call's context is canceled once all of them have gone.
type inflightCall struct {
	done    chan struct{}
	resp    *Response
	err     error
	started time.Time
	refs    int
	cancel  context.CancelFunc
}

// Deduplicator collapses concurrent identical requests into one execution.
type Deduplicator struct {
	mu       sync.Mutex
	inflight map[string]*inflightCall
	maxAge   time.Duration
	now      func() time.Time

	metrics *MetricsCollector
	log     debugLog
}

// NewDeduplicator returns a deduplicator. maxAge <= 0 selects DefaultDedupMaxAge.
func NewDeduplicator(maxAge time.Duration) *Deduplicator {
	if maxAge <= 0 {
		maxAge = DefaultDedupMaxAge
	}
	return &Deduplicator{
		inflight: make(map[string]*inflightCall),
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// Deduplicate runs exec for req unless an identical call younger than maxAge
// is in flight, in which case the caller shares that call's outcome. The
// registration is dropped when the call settles, whatever its result.
//
// The shared call keeps running while at least one caller is still waiting;
// a caller that cancels only withdraws itself.
func (d *Deduplicator) Deduplicate(ctx context.Context, req *Request, exec Handler) (*Response, error) {
	key := Fingerprint(req)

	d.mu.Lock()
	if c, ok := d.inflight[key]; ok && d.now().Sub(c.started) < d.maxAge {
		c.refs++
		d.mu.Unlock()

		d.metrics.RecordDeduplicationHit(req.Method, endpointOf(req))
		d.log.log(requestsCategory, "Deduplication hit", "requestID", req.ID, "fingerprint", key)

		resp, err := d.wait(ctx, key, c)
		if resp != nil {
			resp = resp.Clone()
			resp.Request = req
		}
		return resp, err
	}

	callCtx, cancel := sharedContext(ctx)
	c := &inflightCall{
		done:    make(chan struct{}),
		started: d.now(),
		refs:    1,
		cancel:  cancel,
	}
	d.inflight[key] = c
	d.mu.Unlock()

	go func() {
		resp, err := exec(callCtx, req)

		d.mu.Lock()
		if d.inflight[key] == c {
			delete(d.inflight, key)
		}
		d.mu.Unlock()

		c.resp, c.err = resp, err
		close(c.done)
		cancel()
	}()

	return d.wait(ctx, key, c)
}

// sharedContext detaches the call from the owner's cancellation but keeps its
// values and deadline.
func sharedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	deadline, ok := ctx.Deadline()
	if !ok {
		return callCtx, cancel
	}
	callCtx, cancelDeadline := context.WithDeadline(callCtx, deadline)
	return callCtx, func() {
		cancelDeadline()
		cancel()
	}
}

func (d *Deduplicator) wait(ctx context.Context, key string, c *inflightCall) (*Response, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		d.mu.Lock()
		c.refs--
		last := c.refs == 0
		if last && d.inflight[key] == c {
			delete(d.inflight, key)
		}
		d.mu.Unlock()
		if last {
			c.cancel()
		}
		return nil, ctx.Err()
	}
}

// InFlight returns the number of registered calls.
func (d *Deduplicator) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
