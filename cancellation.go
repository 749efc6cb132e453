package benteng

import (
	"context"
	"sync"
)

type cancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// CancellationRegistry maps request IDs to cancelable contexts.
type CancellationRegistry struct {
	mu     sync.Mutex
	tokens map[string]cancelToken
}

// NewCancellationRegistry creates an empty registry.
func NewCancellationRegistry() *CancellationRegistry {
	return &CancellationRegistry{tokens: make(map[string]cancelToken)}
}

// Token returns the cancelable context registered for id, deriving it from ctx
// on first use.
func (r *CancellationRegistry) Token(ctx context.Context, id string) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[id]; ok {
		return t.ctx
	}
	tokenCtx, cancel := context.WithCancel(ctx)
	r.tokens[id] = cancelToken{ctx: tokenCtx, cancel: cancel}
	return tokenCtx
}

// Cancel aborts the request registered as id. It reports whether a token was
// found; calling it again is a no-op.
func (r *CancellationRegistry) Cancel(id string) bool {
	r.mu.Lock()
	t, ok := r.tokens[id]
	delete(r.tokens, id)
	r.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// CancelAll aborts every registered request and empties the registry.
func (r *CancellationRegistry) CancelAll() int {
	r.mu.Lock()
	tokens := r.tokens
	r.tokens = make(map[string]cancelToken)
	r.mu.Unlock()

	for _, t := range tokens {
		t.cancel()
	}
	return len(tokens)
}

// Release drops the token for a finished request.
func (r *CancellationRegistry) Release(id string) {
	r.Cancel(id)
}

// Len returns the number of registered tokens.
func (r *CancellationRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
