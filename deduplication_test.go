package benteng

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeduplicatorSharesInFlightCall(t *testing.T) {
	d := NewDeduplicator(0)
	if d.maxAge != DefaultDedupMaxAge {
		t.Errorf("Expected default maxAge %v, got %v", DefaultDedupMaxAge, d.maxAge)
	}

	var calls int32
	release := make(chan struct{})
	exec := func(ctx context.Context, req *Request) (*Response, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &Response{Data: []byte(`{"ok":true}`), Status: 200, Request: req}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]*Response, n)
	reqs := make([]*Request, n)
	for i := 0; i < n; i++ {
		reqs[i] = NewRequest("GET", "/shared")
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := d.Deduplicate(context.Background(), reqs[i], exec)
			if err != nil {
				t.Errorf("Deduplicate() returned error: %v", err)
				return
			}
			results[i] = resp
		}(i)
	}

	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		for _, c := range d.inflight {
			return c.refs == n
		}
		return false
	})
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected exactly 1 execution, got %d", got)
	}
	for i, resp := range results {
		if resp == nil || string(resp.Data) != `{"ok":true}` {
			t.Errorf("Caller %d: expected shared payload, got %v", i, resp)
		}
	}
	if d.InFlight() != 0 {
		t.Errorf("Expected registration removed after settle, got %d", d.InFlight())
	}
}

func TestDeduplicatorRunsAgainAfterSettle(t *testing.T) {
	d := NewDeduplicator(time.Second)
	var calls int32
	exec := func(ctx context.Context, req *Request) (*Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("failed")
	}

	for i := 0; i < 3; i++ {
		if _, err := d.Deduplicate(context.Background(), NewRequest("GET", "/x"), exec); err == nil {
			t.Fatal("Expected error")
		}
	}
	if calls != 3 {
		t.Errorf("Expected 3 sequential executions, got %d", calls)
	}
}

func TestDeduplicatorIgnoresEntriesOlderThanMaxAge(t *testing.T) {
	d := NewDeduplicator(time.Second)
	now := time.Now()
	d.now = func() time.Time { return now }

	var calls int32
	release := make(chan struct{})
	exec := func(ctx context.Context, req *Request) (*Response, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &Response{Status: 200}, nil
	}

	done := make(chan struct{})
	go func() {
		_, _ = d.Deduplicate(context.Background(), NewRequest("GET", "/slow"), exec)
		close(done)
	}()
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 })

	now = now.Add(2 * time.Second)
	second := make(chan struct{})
	go func() {
		_, _ = d.Deduplicate(context.Background(), NewRequest("GET", "/slow"), exec)
		close(second)
	}()
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 2 })

	close(release)
	<-done
	<-second
}

func TestDeduplicatorWaiterCancellationDoesNotAbortOthers(t *testing.T) {
	d := NewDeduplicator(0)
	release := make(chan struct{})
	exec := func(ctx context.Context, req *Request) (*Response, error) {
		select {
		case <-release:
			return &Response{Status: 200}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ownerCtx, cancelOwner := context.WithCancel(context.Background())
	ownerErr := make(chan error, 1)
	go func() {
		_, err := d.Deduplicate(ownerCtx, NewRequest("GET", "/x"), exec)
		ownerErr <- err
	}()
	waitFor(t, func() bool { return d.InFlight() == 1 })

	waiterResp := make(chan *Response, 1)
	go func() {
		resp, _ := d.Deduplicate(context.Background(), NewRequest("GET", "/x"), exec)
		waiterResp <- resp
	}()
	time.Sleep(20 * time.Millisecond)

	cancelOwner()
	if err := <-ownerErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected owner to see context.Canceled, got %v", err)
	}

	close(release)
	if resp := <-waiterResp; resp == nil || resp.Status != 200 {
		t.Errorf("Expected waiter to receive the shared response, got %v", resp)
	}
}

func TestDeduplicatorLastCallerCancelsCall(t *testing.T) {
	d := NewDeduplicator(0)
	aborted := make(chan struct{})
	exec := func(ctx context.Context, req *Request) (*Response, error) {
		<-ctx.Done()
		close(aborted)
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _, _ = d.Deduplicate(ctx, NewRequest("GET", "/x"), exec) }()
	waitFor(t, func() bool { return d.InFlight() == 1 })
	cancel()

	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("Expected shared call to be canceled when its only caller left")
	}
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 1s")
		}
		time.Sleep(time.Millisecond)
	}
}
