package benteng

import (
	"net/http"
	"testing"
	"time"
)

func TestPriorityString(t *testing.T) {
	tests := map[Priority]string{
		PriorityCritical: "critical",
		PriorityHigh:     "high",
		PriorityNormal:   "normal",
		PriorityLow:      "low",
		Priority(9):      "priority(9)",
	}
	for p, want := range tests {
		if got := p.String(); got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
	}
}

func TestParsePriority(t *testing.T) {
	for _, name := range []string{"critical", "high", "normal", "low"} {
		p, err := ParsePriority(name)
		if err != nil {
			t.Fatalf("ParsePriority(%q) returned error: %v", name, err)
		}
		if p.String() != name {
			t.Errorf("Expected %s, got %s", name, p)
		}
	}
	if p, err := ParsePriority(" HIGH "); err != nil || p != PriorityHigh {
		t.Errorf("Expected case-insensitive parse, got %v, %v", p, err)
	}
	if p, _ := ParsePriority(""); p != PriorityNormal {
		t.Errorf("Expected empty to mean normal, got %v", p)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("Expected error for unknown priority")
	}
}

func TestParamsLastValueWins(t *testing.T) {
	var p Params
	p.Set("b", "1")
	p.Set("a", "2")
	p.Set("b", "3")

	if v, ok := p.Get("b"); !ok || v != "3" {
		t.Errorf("Expected b=3, got %q", v)
	}
	if _, ok := p.Get("c"); ok {
		t.Error("Expected c to be absent")
	}
	if got := p.Values().Get("b"); got != "3" {
		t.Errorf("Expected Values b=3, got %q", got)
	}
	if got := p.canonical(); got != "a=2&b=3" {
		t.Errorf("Expected canonical a=2&b=3, got %q", got)
	}
}

func TestNewRequestDefaults(t *testing.T) {
	req := NewRequest("get", "/users")
	if req.Method != "GET" {
		t.Errorf("Expected upper-cased method, got %s", req.Method)
	}
	if req.Priority != PriorityNormal {
		t.Errorf("Expected normal priority, got %v", req.Priority)
	}
	if req.Header == nil {
		t.Error("Expected non-nil header")
	}
}

func TestRequestOptions(t *testing.T) {
	req := &Request{}
	for _, opt := range []RequestOption{
		WithParam("page", "2"),
		WithBearerToken("tok"),
		WithPriority(PriorityHigh),
		WithCachePolicy(CachePolicy{Strategy: CacheFirst, Tags: []string{"users"}}),
		WithRetryOverride(RetryConfig{MaxAttempts: 1}),
		WithRequestTimeout(time.Second),
		WithRequestID("id-1"),
	} {
		opt(req)
	}

	if v, _ := req.Params.Get("page"); v != "2" {
		t.Errorf("Expected page=2, got %q", v)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Expected bearer header, got %q", got)
	}
	if req.Priority != PriorityHigh || req.Timeout != time.Second || req.ID != "id-1" {
		t.Errorf("Expected options applied, got %+v", req)
	}
	if req.Cache == nil || req.Cache.Strategy != CacheFirst {
		t.Error("Expected cache policy attached")
	}
	if req.Retry == nil || req.Retry.MaxAttempts != 1 {
		t.Error("Expected retry override attached")
	}
}

func TestResponseDecode(t *testing.T) {
	resp := &Response{Data: []byte(`{"name":"ada"}`)}
	var out struct{ Name string }
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("Decode() returned error: %v", err)
	}
	if out.Name != "ada" {
		t.Errorf("Expected ada, got %s", out.Name)
	}
	if err := (&Response{}).Decode(&out); err == nil {
		t.Error("Expected error for empty payload")
	}
}

func TestResponseClone(t *testing.T) {
	var nilResp *Response
	if nilResp.Clone() != nil {
		t.Error("Expected nil clone of nil response")
	}

	h := make(http.Header)
	h.Set("X-A", "1")
	resp := &Response{Data: []byte(`[1]`), Header: h, Status: 200}
	clone := resp.Clone()
	clone.Data[1] = '2'
	clone.Header.Set("X-A", "2")

	if string(resp.Data) != "[1]" || resp.Header.Get("X-A") != "1" {
		t.Error("Expected clone to be independent of the original")
	}
}

func TestEndpointOf(t *testing.T) {
	tests := map[string]string{
		"https://api.example.com/v1/users?x=1": "/v1/users",
		"/orders":                              "/orders",
		"":                                     "",
	}
	for target, want := range tests {
		if got := endpointOf(&Request{Target: target}); got != want {
			t.Errorf("endpointOf(%q): expected %q, got %q", target, want, got)
		}
	}
	if endpointOf(nil) != "" {
		t.Error("Expected empty endpoint for nil request")
	}
}

func TestTransportFunc(t *testing.T) {
	var tr Transport = TransportFunc(okHandler(204, ""))
	resp, err := tr.Do(t.Context(), NewRequest("GET", "/"))
	if err != nil || resp.Status != 204 {
		t.Errorf("Expected 204, got %v, %v", resp, err)
	}
}
