package benteng

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestOfflineQueueOnlineExecutesDirectly(t *testing.T) {
	q := NewOfflineQueue(OfflineConfig{Enabled: true})
	if !q.IsOnline() {
		t.Fatal("Expected queue to start online")
	}
	resp, err := q.Execute(context.Background(), NewRequest("GET", "/x"), succeedingCall)
	if err != nil || resp.Status != 200 {
		t.Errorf("Expected direct execution, got %v, %v", resp, err)
	}
}

func TestOfflineQueueDisabledFailsFast(t *testing.T) {
	q := NewOfflineQueue(OfflineConfig{})
	q.SetOnline(false)
	_, err := q.Execute(context.Background(), NewRequest("GET", "/x"), succeedingCall)
	if !errors.Is(err, ErrOffline) {
		t.Errorf("Expected ErrOffline, got %v", err)
	}
}

func TestOfflineQueueDrainsFIFOOnReconnect(t *testing.T) {
	q := NewOfflineQueue(OfflineConfig{Enabled: true, SyncOnReconnect: true})
	q.SetOnline(false)

	var mu sync.Mutex
	var order []string
	exec := func(ctx context.Context, req *Request) (*Response, error) {
		mu.Lock()
		order = append(order, req.ID)
		mu.Unlock()
		return &Response{Status: 200}, nil
	}

	var wg sync.WaitGroup
	for i, id := range []string{"a", "b", "c"} {
		req := NewRequest("POST", "/x")
		req.ID = id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Execute(context.Background(), req, exec); err != nil {
				t.Errorf("Execute(%s) returned error: %v", req.ID, err)
			}
		}()
		waitFor(t, func() bool { return q.Len() == i+1 })
	}

	q.SetOnline(true)
	wg.Wait()

	if !reflect.DeepEqual(order, []string{"a", "b", "c"}) {
		t.Errorf("Expected FIFO replay, got %v", order)
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty buffer, got %d", q.Len())
	}
}

func TestOfflineQueueRetriesThenRejects(t *testing.T) {
	q := NewOfflineQueue(OfflineConfig{Enabled: true})
	q.SetOnline(false)

	calls := 0
	boom := errors.New("still failing")
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Execute(context.Background(), NewRequest("POST", "/x"), func(ctx context.Context, req *Request) (*Response, error) {
			calls++
			return nil, boom
		})
		errCh <- err
	}()
	waitFor(t, func() bool { return q.Len() == 1 })

	q.SetOnline(true)
	if n := q.Drain(context.Background()); n != 1 {
		t.Errorf("Expected 1 settled entry, got %d", n)
	}
	if err := <-errCh; !errors.Is(err, boom) {
		t.Errorf("Expected last replay error, got %v", err)
	}
	if calls != DefaultOfflineMaxRetries {
		t.Errorf("Expected %d tries, got %d", DefaultOfflineMaxRetries, calls)
	}
}

func TestOfflineQueueClearRejectsPending(t *testing.T) {
	q := NewOfflineQueue(OfflineConfig{Enabled: true})
	q.SetOnline(false)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := q.Execute(context.Background(), NewRequest("GET", "/x"), succeedingCall)
			errs <- err
		}()
	}
	waitFor(t, func() bool { return q.Len() == 2 })

	if n := q.Clear(); n != 2 {
		t.Errorf("Expected 2 cleared, got %d", n)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrOfflineQueueCleared) {
			t.Errorf("Expected ErrOfflineQueueCleared, got %v", err)
		}
	}
}

func TestOfflineQueueCanceledWaiterLeavesBuffer(t *testing.T) {
	q := NewOfflineQueue(OfflineConfig{Enabled: true})
	q.SetOnline(false)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Execute(ctx, NewRequest("GET", "/x"), succeedingCall)
		errCh <- err
	}()
	waitFor(t, func() bool { return q.Len() == 1 })
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Expected buffer emptied, got %d", q.Len())
	}
}

func TestOfflineQueueWatchConnectivity(t *testing.T) {
	q := NewOfflineQueue(OfflineConfig{Enabled: true})
	signal := make(chan bool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.WatchConnectivity(ctx, signal)

	signal <- false
	waitFor(t, func() bool { return !q.IsOnline() })
	signal <- true
	waitFor(t, q.IsOnline)
}

func TestOfflineQueuePollConnectivity(t *testing.T) {
	q := NewOfflineQueue(OfflineConfig{Enabled: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go q.PollConnectivity(ctx, 5*time.Millisecond, func(context.Context) bool { return false })
	waitFor(t, func() bool { return !q.IsOnline() })
}
