package repoapi

import "context"

// Op performs one step's computation, mapping named input ports to named
// output ports. Source and sink boundary steps composed by the processor
// implement Op too, closing over the storage backend.
type Op interface {
	Run(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// OpFunc adapts a function to the Op interface.
type OpFunc func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// Run implements Op.
func (f OpFunc) Run(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return f(ctx, inputs)
}

// Node is one step of a composed execution graph.
type Node struct {
	Name string
	Op   Op
}

// Edge routes a named output port of one node to a named input port of
// another.
type Edge struct {
	From     string
	FromPort string
	To       string
	ToPort   string
}

// Graph is a composed set of steps handed to an execution engine. Port
// values flow along edges; the engine decides scheduling.
type Graph struct {
	Name  string
	Nodes []Node
	Edges []Edge
}

// Engine executes a composed graph. Implementations may run steps
// synchronously, across processes, or submit to a batch scheduler; in the
// latter case Run returns domain.ErrSubmissionDeferred, which callers
// must treat as a signal rather than a failure. Execution failures are
// returned annotated with the failing node's name.
type Engine interface {
	Run(ctx context.Context, graph Graph) error
}
