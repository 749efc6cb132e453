package benteng

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Priority orders queued requests. Lower values run first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts the names returned by Priority.String.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("benteng: unknown priority %q", s)
	}
}

// Param is one query parameter.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered list of query parameters. When a key repeats, the last
// value wins.
type Params []Param

// Set appends key=value.
func (p *Params) Set(key, value string) {
	*p = append(*p, Param{Key: key, Value: value})
}

// Get returns the effective value for key.
func (p Params) Get(key string) (string, bool) {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i].Key == key {
			return p[i].Value, true
		}
	}
	return "", false
}

// Values resolves duplicates and returns the parameters as url.Values.
func (p Params) Values() url.Values {
	values := make(url.Values, len(p))
	for _, param := range p {
		values.Set(param.Key, param.Value)
	}
	return values
}

// canonical renders the effective parameters sorted by key.
func (p Params) canonical() string {
	if len(p) == 0 {
		return ""
	}
	values := p.Values()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(values.Get(k)))
	}
	return b.String()
}

// Request describes one logical call. It must not be modified after it is
// passed to Client.Do, except for headers set by pipeline stages.
type Request struct {
	ID       string
	Method   string
	Target   string
	Params   Params
	Header   http.Header
	Body     any
	Deadline time.Time
	Timeout  time.Duration
	Priority Priority
	Cache    *CachePolicy
	Retry    *RetryConfig
}

// NewRequest returns a normal priority request.
func NewRequest(method, target string) *Request {
	return &Request{
		Method:   strings.ToUpper(method),
		Target:   target,
		Header:   make(http.Header),
		Priority: PriorityNormal,
	}
}

// RequestOption customises a request built by the Client helpers.
type RequestOption func(*Request)

// WithParam adds a query parameter.
func WithParam(key, value string) RequestOption {
	return func(r *Request) {
		r.Params.Set(key, value)
	}
}

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *Request) {
		if r.Header == nil {
			r.Header = make(http.Header)
		}
		r.Header.Set(key, value)
	}
}

// WithBearerToken sets the Authorization header.
func WithBearerToken(token string) RequestOption {
	return WithHeader("Authorization", "Bearer "+token)
}

// WithPriority sets the queue priority.
func WithPriority(p Priority) RequestOption {
	return func(r *Request) {
		r.Priority = p
	}
}

// WithCachePolicy attaches a cache policy.
func WithCachePolicy(policy CachePolicy) RequestOption {
	return func(r *Request) {
		r.Cache = &policy
	}
}

// WithRetryOverride replaces the client retry configuration for this request.
func WithRetryOverride(cfg RetryConfig) RequestOption {
	return func(r *Request) {
		r.Retry = &cfg
	}
}

// WithRequestTimeout bounds each transport attempt.
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(r *Request) {
		r.Timeout = d
	}
}

// WithDeadline bounds the whole call, including time spent queued, buffered
// offline and waiting between retries.
func WithDeadline(deadline time.Time) RequestOption {
	return func(r *Request) {
		r.Deadline = deadline
	}
}

// WithRequestID sets the request ID used for cancellation and logging.
func WithRequestID(id string) RequestOption {
	return func(r *Request) {
		r.ID = id
	}
}

// Response is the decoded result of a request.
type Response struct {
	Data       json.RawMessage
	Status     int
	StatusText string
	Header     http.Header
	Request    *Request
	ReceivedAt time.Time
	FromCache  bool
}

// Decode unmarshals the payload into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("benteng: empty response payload")
	}
	return json.Unmarshal(r.Data, v)
}

// Clone returns a deep copy of r. It is nil safe.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Data != nil {
		clone.Data = append(json.RawMessage(nil), r.Data...)
	}
	clone.Header = r.Header.Clone()
	return &clone
}

// Handler performs a request. Every layer of the client, and the final
// transport call, has this shape.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Transport performs the network call.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Do implements Transport.
func (f TransportFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Option configures a Client.
type Option func(*Client)

func endpointOf(req *Request) string {
	if req == nil {
		return ""
	}
	if u, err := url.Parse(req.Target); err == nil && u.Path != "" {
		return u.Path
	}
	return req.Target
}
