// Package workflow provides execution engines for composed pipeline
// graphs: a synchronous in-process engine and a deferring engine that
// enqueues graphs for external submission.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

// LocalEngine executes a graph synchronously in dependency order within
// the calling process. It is the default engine for tests and small
// studies.
type LocalEngine struct{}

// NewLocalEngine constructs a synchronous in-process engine.
func NewLocalEngine() *LocalEngine { return &LocalEngine{} }

// Run executes every node of the graph exactly once, routing each edge's
// source port value to its destination port. Node failures abort the run
// with an execution error naming the failed node.
func (e *LocalEngine) Run(ctx context.Context, g repoapi.Graph) error {
	order, err := topoOrder(g)
	if err != nil {
		return err
	}
	nodes := make(map[string]repoapi.Node, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes[n.Name] = n
	}
	// outputs[node][port] holds values produced so far.
	outputs := make(map[string]map[string]any, len(g.Nodes))
	inbound := make(map[string][]repoapi.Edge)
	for _, edge := range g.Edges {
		inbound[edge.To] = append(inbound[edge.To], edge)
	}
	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		inputs := map[string]any{}
		for _, edge := range inbound[name] {
			produced, ok := outputs[edge.From]
			if !ok {
				return domain.NewError(domain.KindExecution, g.Name,
					"node %q consumes output of %q which has not run", name, edge.From)
			}
			value, ok := produced[edge.FromPort]
			if !ok {
				return domain.NewError(domain.KindExecution, g.Name,
					"node %q produced no value on port %q (have: %s)",
					edge.From, edge.FromPort, strings.Join(portNames(produced), ", "))
			}
			inputs[edge.ToPort] = value
		}
		result, err := nodes[name].Op.Run(ctx, inputs)
		if err != nil {
			return fmt.Errorf("node %q: %w", name, err)
		}
		if result == nil {
			result = map[string]any{}
		}
		outputs[name] = result
	}
	return nil
}

// topoOrder validates the graph and returns a deterministic dependency
// order: Kahn's algorithm with name-sorted tie-breaking.
func topoOrder(g repoapi.Graph) ([]string, error) {
	known := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Name == "" {
			return nil, domain.NewError(domain.KindUsage, g.Name, "graph contains an unnamed node")
		}
		if n.Op == nil {
			return nil, domain.NewError(domain.KindUsage, g.Name, "node %q has no operation", n.Name)
		}
		if known[n.Name] {
			return nil, domain.NewError(domain.KindNameClash, g.Name, "node %q appears twice", n.Name)
		}
		known[n.Name] = true
	}
	indegree := make(map[string]int, len(g.Nodes))
	succ := make(map[string][]string)
	seenEdge := map[[2]string]bool{}
	for _, edge := range g.Edges {
		if !known[edge.From] || !known[edge.To] {
			return nil, domain.NewError(domain.KindUsage, g.Name,
				"edge %s.%s -> %s.%s references an unknown node",
				edge.From, edge.FromPort, edge.To, edge.ToPort)
		}
		// Multiple ports between the same pair count once for ordering.
		pair := [2]string{edge.From, edge.To}
		if seenEdge[pair] {
			continue
		}
		seenEdge[pair] = true
		succ[edge.From] = append(succ[edge.From], edge.To)
		indegree[edge.To]++
	}
	ready := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if indegree[n.Name] == 0 {
			ready = append(ready, n.Name)
		}
	}
	sort.Strings(ready)
	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		released := false
		for _, next := range succ[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}
	if len(order) != len(g.Nodes) {
		var stuck []string
		for name := range known {
			if indegree[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, domain.NewError(domain.KindCircular, g.Name,
			"graph contains a cycle through %s", strings.Join(stuck, ", "))
	}
	return order, nil
}

func portNames(produced map[string]any) []string {
	names := make([]string, 0, len(produced))
	for port := range produced {
		names = append(names, port)
	}
	sort.Strings(names)
	return names
}
