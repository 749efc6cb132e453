package benteng

import (
	"context"
	"slices"
	"sync"
)

// Stage intercepts a request on its way to the transport. It may change
// headers before calling next, transform the response after, or return
// without calling next at all.
type Stage interface {
	Handle(ctx context.Context, req *Request, next Handler) (*Response, error)
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, req *Request, next Handler) (*Response, error)

// Handle implements Stage.
func (f StageFunc) Handle(ctx context.Context, req *Request, next Handler) (*Response, error) {
	return f(ctx, req, next)
}

// Pipeline runs stages in registration order around a final handler. The
// first registered stage is the outermost.
type Pipeline struct {
	mu     sync.RWMutex
	stages []Stage
}

// NewPipeline creates a pipeline with the given stages.
func NewPipeline(stages ...Stage) *Pipeline {
	p := &Pipeline{}
	p.Use(stages...)
	return p
}

// Use appends stages. Nil stages are ignored.
func (p *Pipeline) Use(stages ...Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range stages {
		if s != nil {
			p.stages = append(p.stages, s)
		}
	}
}

// Len returns the number of registered stages.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages)
}

// Execute runs req through every stage and then final.
func (p *Pipeline) Execute(ctx context.Context, req *Request, final Handler) (*Response, error) {
	p.mu.RLock()
	stages := slices.Clone(p.stages)
	p.mu.RUnlock()

	d := &dispatcher{stages: stages, final: final}
	return d.dispatch(ctx, 0, req)
}

// dispatcher resolves next for stage i to stage i+1 by index.
type dispatcher struct {
	stages []Stage
	final  Handler
}

func (d *dispatcher) dispatch(ctx context.Context, i int, req *Request) (*Response, error) {
	if i >= len(d.stages) {
		return d.final(ctx, req)
	}
	return d.stages[i].Handle(ctx, req, d.next(i+1))
}

func (d *dispatcher) next(i int) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		return d.dispatch(ctx, i, req)
	}
}
