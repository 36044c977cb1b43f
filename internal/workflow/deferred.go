package workflow

import (
	"context"
	"sync"

	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

// DeferredEngine enqueues graphs for out-of-process execution (a cluster
// scheduler, a worker fleet) instead of running them. Every Run returns
// the deferred-submission signal so the processor can surface "submitted,
// check back later" to the caller instead of blocking.
type DeferredEngine struct {
	mu     sync.Mutex
	queued []repoapi.Graph
	submit func(context.Context, repoapi.Graph) error
}

// DeferredOption customizes the deferring engine.
type DeferredOption func(*DeferredEngine)

// WithSubmitter forwards each graph to an external submission hook before
// deferring. A submission failure aborts the run with the hook's error.
func WithSubmitter(submit func(context.Context, repoapi.Graph) error) DeferredOption {
	return func(e *DeferredEngine) { e.submit = submit }
}

// NewDeferredEngine constructs an engine that defers all execution.
func NewDeferredEngine(opts ...DeferredOption) *DeferredEngine {
	e := &DeferredEngine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run records the graph for external execution and reports deferral.
func (e *DeferredEngine) Run(ctx context.Context, g repoapi.Graph) error {
	if e.submit != nil {
		if err := e.submit(ctx, g); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.queued = append(e.queued, g)
	e.mu.Unlock()
	return domain.ErrSubmissionDeferred
}

// Queued returns the graphs submitted so far, oldest first.
func (e *DeferredEngine) Queued() []repoapi.Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]repoapi.Graph(nil), e.queued...)
}
