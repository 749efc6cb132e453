package benteng

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxResponseBytes bounds how much of a response body is read.
const DefaultMaxResponseBytes = 32 << 20

// HTTPTransport performs requests with net/http. Targets are resolved
// against an optional base URL; non-2xx responses become HTTP ClientErrors.
type HTTPTransport struct {
	client   *http.Client
	baseURL  *url.URL
	maxBytes int64
}

// HTTPTransportOption configures an HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// WithTransportHTTPClient sets the underlying *http.Client.
func WithTransportHTTPClient(client *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithTransportMaxBodySize sets the largest response body accepted. Larger
// bodies fail with ErrResponseTooLarge.
func WithTransportMaxBodySize(n int64) HTTPTransportOption {
	return func(t *HTTPTransport) {
		if n > 0 {
			t.maxBytes = n
		}
	}
}

// WithTransportTracing instruments outgoing calls with otelhttp.
func WithTransportTracing(tp trace.TracerProvider) HTTPTransportOption {
	return func(t *HTTPTransport) {
		base := t.client.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		instrumented := *t.client
		instrumented.Transport = otelhttp.NewTransport(base, otelhttp.WithTracerProvider(tp))
		t.client = &instrumented
	}
}

// NewHTTPTransport creates a transport. baseURL may be empty when every
// request uses an absolute target.
func NewHTTPTransport(baseURL string, opts ...HTTPTransportOption) (*HTTPTransport, error) {
	t := &HTTPTransport{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: DefaultMaxResponseBytes,
	}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("benteng: parse base URL: %w", err)
		}
		t.baseURL = u
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	target, err := t.resolve(req)
	if err != nil {
		return nil, newClientError(ErrorTypeValidation, "invalid request target", err, req)
	}

	callCtx := ctx
	if req.Timeout > 0 {
		timeoutCtx, cancel := context.WithTimeout(callCtx, req.Timeout)
		defer cancel()
		callCtx = timeoutCtx
	}
	if !req.Deadline.IsZero() {
		deadlineCtx, cancel := context.WithDeadline(callCtx, req.Deadline)
		defer cancel()
		callCtx = deadlineCtx
	}

	payload, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, newClientError(ErrorTypeValidation, "cannot encode request body", err, req)
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(callCtx, method, target, body)
	if err != nil {
		return nil, newClientError(ErrorTypeValidation, "cannot build HTTP request", err, req)
	}
	for k, v := range req.Header {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	if payload != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	start := time.Now()
	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, t.classify(ctx, callCtx, err, req, time.Since(start))
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, t.maxBytes+1))
	if err != nil {
		return nil, t.classify(ctx, callCtx, err, req, time.Since(start))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		e := newClientError(ErrorTypeHTTP, fmt.Sprintf("unexpected status %s", httpResp.Status), nil, req)
		e.StatusCode = httpResp.StatusCode
		e.RetryAfter = parseRetryAfter(httpResp.Header.Get("Retry-After"))
		e.Duration = time.Since(start)
		return nil, e
	}
	if int64(len(raw)) > t.maxBytes {
		e := newClientError(ErrorTypeHTTP, fmt.Sprintf("response body exceeds %d bytes", t.maxBytes), ErrResponseTooLarge, req)
		e.StatusCode = httpResp.StatusCode
		e.Duration = time.Since(start)
		return nil, e
	}

	return &Response{
		Data:       asJSON(raw),
		Status:     httpResp.StatusCode,
		StatusText: http.StatusText(httpResp.StatusCode),
		Header:     httpResp.Header,
		Request:    req,
		ReceivedAt: time.Now(),
	}, nil
}

func (t *HTTPTransport) resolve(req *Request) (string, error) {
	u, err := url.Parse(req.Target)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() {
		if t.baseURL == nil {
			return "", fmt.Errorf("relative target %q without a base URL", req.Target)
		}
		base := *t.baseURL
		base.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(u.Path, "/")
		base.RawQuery = u.RawQuery
		u = &base
	}
	if len(req.Params) > 0 {
		q := u.Query()
		for k, v := range req.Params.Values() {
			q[k] = v
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// classify maps a net/http failure onto the error taxonomy. Cancellation by
// the caller is distinguished from a per-attempt timeout.
func (t *HTTPTransport) classify(parent, callCtx context.Context, err error, req *Request, elapsed time.Duration) error {
	var e *ClientError
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		e = newClientError(ErrorTypeCanceled, "request canceled", parent.Err(), req)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		e = newClientError(ErrorTypeTimeout, "request timed out", err, req)
		e.StatusCode = http.StatusRequestTimeout
	default:
		e = newClientError(ErrorTypeNetwork, "transport failure", err, req)
	}
	e.Duration = elapsed
	return e
}

// asJSON keeps valid JSON as-is and wraps anything else as a JSON string.
func asJSON(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return quoted
}
