package benteng

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTransport(t *testing.T, handler http.HandlerFunc) *HTTPTransport {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	tr, err := NewHTTPTransport(server.URL + "/api")
	if err != nil {
		t.Fatalf("NewHTTPTransport() returned error: %v", err)
	}
	return tr
}

func TestHTTPTransportResolvesAgainstBaseURL(t *testing.T) {
	var gotPath, gotQuery, gotAccept string
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery, gotAccept = r.URL.Path, r.URL.RawQuery, r.Header.Get("Accept")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	req := NewRequest("GET", "/users")
	req.Params.Set("page", "2")
	resp, err := tr.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do() returned error: %v", err)
	}
	if gotPath != "/api/users" {
		t.Errorf("Expected path /api/users, got %s", gotPath)
	}
	if gotQuery != "page=2" {
		t.Errorf("Expected query page=2, got %s", gotQuery)
	}
	if gotAccept != "application/json" {
		t.Errorf("Expected JSON Accept header, got %s", gotAccept)
	}
	if resp.Status != 200 || string(resp.Data) != `{"ok":true}` {
		t.Errorf("Expected 200 {\"ok\":true}, got %d %s", resp.Status, resp.Data)
	}
}

func TestHTTPTransportSendsJSONBody(t *testing.T) {
	var body map[string]string
	var contentType string
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusCreated)
	})

	req := NewRequest("POST", "/orders")
	req.Body = map[string]string{"item": "tea"}
	resp, err := tr.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do() returned error: %v", err)
	}
	if resp.Status != http.StatusCreated {
		t.Errorf("Expected 201, got %d", resp.Status)
	}
	if contentType != "application/json" {
		t.Errorf("Expected application/json, got %s", contentType)
	}
	if body["item"] != "tea" {
		t.Errorf("Expected body item=tea, got %v", body)
	}
}

func TestHTTPTransportWrapsNonJSON(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	})
	resp, err := tr.Do(context.Background(), NewRequest("GET", "/text"))
	if err != nil {
		t.Fatalf("Do() returned error: %v", err)
	}
	if string(resp.Data) != `"hello"` {
		t.Errorf("Expected quoted string, got %s", resp.Data)
	}
}

func TestHTTPTransportHTTPError(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := tr.Do(context.Background(), NewRequest("GET", "/busy"))
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("Expected ClientError, got %v", err)
	}
	if clientErr.Type != ErrorTypeHTTP || clientErr.StatusCode != 503 {
		t.Errorf("Expected HTTP 503, got %s %d", clientErr.Type, clientErr.StatusCode)
	}
	if clientErr.RetryAfter != 3*time.Second {
		t.Errorf("Expected Retry-After 3s, got %v", clientErr.RetryAfter)
	}
	if !IsRetryable(err) {
		t.Error("Expected 503 to be retryable")
	}
}

func TestHTTPTransportTimeoutAndCancel(t *testing.T) {
	release := make(chan struct{})
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	req := NewRequest("GET", "/slow")
	req.Timeout = 20 * time.Millisecond
	_, err := tr.Do(context.Background(), req)
	if !errors.Is(err, &ClientError{Type: ErrorTypeTimeout}) {
		t.Errorf("Expected timeout error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = tr.Do(ctx, NewRequest("GET", "/slow"))
	if !errors.Is(err, &ClientError{Type: ErrorTypeCanceled}) {
		t.Errorf("Expected canceled error, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("Expected cancellation to be terminal")
	}
}

func TestHTTPTransportNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	tr, err := NewHTTPTransport(url)
	if err != nil {
		t.Fatalf("NewHTTPTransport() returned error: %v", err)
	}
	_, err = tr.Do(context.Background(), NewRequest("GET", "/"))
	if !errors.Is(err, &ClientError{Type: ErrorTypeNetwork}) {
		t.Errorf("Expected network error, got %v", err)
	}
}

func TestHTTPTransportRelativeWithoutBase(t *testing.T) {
	tr, err := NewHTTPTransport("")
	if err != nil {
		t.Fatalf("NewHTTPTransport() returned error: %v", err)
	}
	_, err = tr.Do(context.Background(), NewRequest("GET", "/users"))
	if !errors.Is(err, &ClientError{Type: ErrorTypeValidation}) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestHTTPTransportTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	tr, err := NewHTTPTransport(server.URL, WithTransportTracing(tp))
	if err != nil {
		t.Fatalf("NewHTTPTransport() returned error: %v", err)
	}
	if _, err := tr.Do(context.Background(), NewRequest("GET", "/")); err != nil {
		t.Fatalf("Do() returned error: %v", err)
	}
	if len(recorder.Ended()) == 0 {
		t.Error("Expected an HTTP client span")
	}
}

func TestAsJSON(t *testing.T) {
	if asJSON(nil) != nil || asJSON([]byte("  ")) != nil {
		t.Error("Expected empty bodies to map to nil")
	}
	if got := string(asJSON([]byte(" [1,2] "))); got != "[1,2]" {
		t.Errorf("Expected trimmed JSON, got %s", got)
	}
}

func TestHTTPTransportRejectsOversizedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payload":"0123456789abcdefghij"}`))
	}))
	t.Cleanup(server.Close)

	tr, err := NewHTTPTransport(server.URL, WithTransportMaxBodySize(16))
	if err != nil {
		t.Fatalf("NewHTTPTransport() returned error: %v", err)
	}

	resp, err := tr.Do(t.Context(), NewRequest("GET", "/big"))
	if resp != nil {
		t.Errorf("Expected no truncated response, got %s", resp.Data)
	}
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("Expected ErrResponseTooLarge, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("Expected oversized body not to be retried")
	}

	exact, err := NewHTTPTransport(server.URL, WithTransportMaxBodySize(int64(len(`{"payload":"0123456789abcdefghij"}`))))
	if err != nil {
		t.Fatalf("NewHTTPTransport() returned error: %v", err)
	}
	if _, err := exact.Do(t.Context(), NewRequest("GET", "/big")); err != nil {
		t.Errorf("Expected body at the limit to be accepted, got %v", err)
	}
}
