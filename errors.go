package benteng

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorType classifies a ClientError.
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "NetworkError"
	ErrorTypeHTTP        ErrorType = "HTTPError"
	ErrorTypeTimeout     ErrorType = "TimeoutError"
	ErrorTypeCacheMiss   ErrorType = "CacheMissError"
	ErrorTypeCircuitOpen ErrorType = "CircuitOpenError"
	ErrorTypeQueueFull   ErrorType = "QueueFullError"
	ErrorTypeOffline     ErrorType = "OfflineError"
	ErrorTypeCanceled    ErrorType = "CanceledError"
	ErrorTypeRateLimit   ErrorType = "RateLimitError"
	ErrorTypeDecryption  ErrorType = "DecryptionError"
	ErrorTypeValidation  ErrorType = "ValidationError"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call without running it
	ErrCircuitOpen = errors.New("benteng: circuit open")

	// ErrCacheMiss is returned by the cache-only strategy when nothing is cached
	ErrCacheMiss = errors.New("benteng: cache miss")

	// ErrQueueFull is returned when the priority queue is at capacity
	ErrQueueFull = errors.New("benteng: queue full")

	// ErrOffline is returned when the client is offline and buffering is disabled
	ErrOffline = errors.New("benteng: offline")

	// ErrOfflineQueueCleared is returned to requests discarded by OfflineQueue.Clear
	ErrOfflineQueueCleared = errors.New("benteng: offline queue cleared")

	// ErrRateLimited is returned when a request is denied due to rate limiting
	ErrRateLimited = errors.New("benteng: rate limited")

	// ErrResponseTooLarge is returned when a response body exceeds the transport limit
	ErrResponseTooLarge = errors.New("benteng: response body too large")
)

// DefaultRetryableStatuses are the HTTP statuses retried by default.
var DefaultRetryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// ClientError carries the context of a failed request.
type ClientError struct {
	Type        ErrorType
	Message     string
	Cause       error
	RequestID   string
	Method      string
	URL         string
	Endpoint    string
	Attempt     int
	MaxAttempts int
	StatusCode  int
	RetryAfter  time.Duration
	Timestamp   time.Time
	Duration    time.Duration
}

func newClientError(errType ErrorType, msg string, cause error, req *Request) *ClientError {
	e := &ClientError{
		Type:      errType,
		Message:   msg,
		Cause:     cause,
		Timestamp: time.Now(),
	}
	if req != nil {
		e.RequestID = req.ID
		e.Method = req.Method
		e.URL = req.Target
		e.Endpoint = endpointOf(req)
	}
	return e
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxAttempts)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.Endpoint != "" {
		info += fmt.Sprintf("Endpoint: %s\n", e.Endpoint)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.RetryAfter > 0 {
		info += fmt.Sprintf("Retry After: %v\n", e.RetryAfter)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxAttempts)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsRetryable reports whether err is worth another attempt: transport
// failures, timeouts, rate limiting and the DefaultRetryableStatuses.
// Circuit-open, cache-miss, queue-full, cancellation and decryption errors are
// terminal.
func IsRetryable(err error) bool {
	return isRetryableWith(err, DefaultRetryableStatuses)
}

func isRetryableWith(err error, statuses map[int]bool) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrCacheMiss) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrOfflineQueueCleared) {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit:
			return true
		case ErrorTypeHTTP:
			return statuses[clientErr.StatusCode]
		default:
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.StatusCode
	}
	return 0
}
