package singleflight

import (
	"sync"
)

// Group runs at most one call per key at a time. It backs the cache
// manager's background revalidation, where only the first refresh of a key
// should reach the network.
type Group struct {
	mu sync.Mutex
	m  map[string]*call
}

type call struct {
	wg sync.WaitGroup
}

// New creates a new Group.
func New() *Group {
	return &Group{
		m: make(map[string]*call),
	}
}

// TryGo starts fn in a new goroutine unless a call for key is already in
// progress. It reports whether fn was started. The key is released as soon
// as fn returns.
func (g *Group) TryGo(key string, fn func()) bool {
	g.mu.Lock()
	if _, ok := g.m[key]; ok {
		g.mu.Unlock()
		return false
	}

	c := &call{}
	c.wg.Add(1)
	g.m[key] = c
	g.mu.Unlock()

	go g.run(key, c, fn)
	return true
}

// Wait blocks until the in-flight call for key, if any, completes.
func (g *Group) Wait(key string) {
	g.mu.Lock()
	c, ok := g.m[key]
	g.mu.Unlock()
	if ok {
		c.wg.Wait()
	}
}

func (g *Group) run(key string, c *call, fn func()) {
	defer func() {
		g.mu.Lock()
		if g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()
		c.wg.Done()
	}()
	fn()
}
