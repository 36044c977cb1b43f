package workflow

import (
	"context"
	"strings"
	"testing"

	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

func constOp(outputs map[string]any) repoapi.Op {
	return repoapi.OpFunc(func(context.Context, map[string]any) (map[string]any, error) {
		return outputs, nil
	})
}

func recordOp(seen *map[string]any, outputs map[string]any) repoapi.Op {
	return repoapi.OpFunc(func(_ context.Context, in map[string]any) (map[string]any, error) {
		*seen = in
		return outputs, nil
	})
}

func TestLocalEngineRoutesValues(t *testing.T) {
	var atB, atC map[string]any
	g := repoapi.Graph{
		Name: "routing",
		Nodes: []repoapi.Node{
			{Name: "a", Op: constOp(map[string]any{"out": 1, "aux": "x"})},
			{Name: "b", Op: recordOp(&atB, map[string]any{"out": 2})},
			{Name: "c", Op: recordOp(&atC, nil)},
		},
		Edges: []repoapi.Edge{
			{From: "a", FromPort: "out", To: "b", ToPort: "in"},
			{From: "a", FromPort: "aux", To: "c", ToPort: "tag"},
			{From: "b", FromPort: "out", To: "c", ToPort: "in"},
		},
	}
	if err := NewLocalEngine().Run(context.Background(), g); err != nil {
		t.Fatalf("run: %v", err)
	}
	if atB["in"] != 1 {
		t.Fatalf("b received %v", atB)
	}
	if atC["in"] != 2 || atC["tag"] != "x" {
		t.Fatalf("c received %v", atC)
	}
}

func TestLocalEngineExecutionOrder(t *testing.T) {
	var order []string
	step := func(name string) repoapi.Op {
		return repoapi.OpFunc(func(context.Context, map[string]any) (map[string]any, error) {
			order = append(order, name)
			return map[string]any{"out": name}, nil
		})
	}
	g := repoapi.Graph{
		Name: "order",
		Nodes: []repoapi.Node{
			{Name: "sink", Op: step("sink")},
			{Name: "mid", Op: step("mid")},
			{Name: "source", Op: step("source")},
		},
		Edges: []repoapi.Edge{
			{From: "source", FromPort: "out", To: "mid", ToPort: "in"},
			{From: "mid", FromPort: "out", To: "sink", ToPort: "in"},
		},
	}
	if err := NewLocalEngine().Run(context.Background(), g); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(order, ",") != "source,mid,sink" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestLocalEngineCycle(t *testing.T) {
	g := repoapi.Graph{
		Name: "cyclic",
		Nodes: []repoapi.Node{
			{Name: "a", Op: constOp(nil)},
			{Name: "b", Op: constOp(nil)},
		},
		Edges: []repoapi.Edge{
			{From: "a", FromPort: "out", To: "b", ToPort: "in"},
			{From: "b", FromPort: "out", To: "a", ToPort: "in"},
		},
	}
	err := NewLocalEngine().Run(context.Background(), g)
	if !domain.IsKind(err, domain.KindCircular) {
		t.Fatalf("expected circular error, got %v", err)
	}
}

func TestLocalEngineMissingPort(t *testing.T) {
	g := repoapi.Graph{
		Name: "missing-port",
		Nodes: []repoapi.Node{
			{Name: "a", Op: constOp(map[string]any{"out": 1})},
			{Name: "b", Op: constOp(nil)},
		},
		Edges: []repoapi.Edge{
			{From: "a", FromPort: "absent", To: "b", ToPort: "in"},
		},
	}
	err := NewLocalEngine().Run(context.Background(), g)
	if !domain.IsKind(err, domain.KindExecution) {
		t.Fatalf("expected execution error, got %v", err)
	}
	if !strings.Contains(err.Error(), "absent") {
		t.Fatalf("error must name the missing port, got %q", err.Error())
	}
}

func TestLocalEngineUnknownEdgeNode(t *testing.T) {
	g := repoapi.Graph{
		Name:  "dangling",
		Nodes: []repoapi.Node{{Name: "a", Op: constOp(nil)}},
		Edges: []repoapi.Edge{{From: "a", FromPort: "out", To: "ghost", ToPort: "in"}},
	}
	if err := NewLocalEngine().Run(context.Background(), g); !domain.IsKind(err, domain.KindUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestLocalEngineDuplicateNode(t *testing.T) {
	g := repoapi.Graph{
		Name: "dup",
		Nodes: []repoapi.Node{
			{Name: "a", Op: constOp(nil)},
			{Name: "a", Op: constOp(nil)},
		},
	}
	if err := NewLocalEngine().Run(context.Background(), g); !domain.IsKind(err, domain.KindNameClash) {
		t.Fatalf("expected name-clash error, got %v", err)
	}
}

func TestLocalEngineNodeFailure(t *testing.T) {
	failing := repoapi.OpFunc(func(context.Context, map[string]any) (map[string]any, error) {
		return nil, domain.NewError(domain.KindExecution, "boom", "synthetic failure")
	})
	g := repoapi.Graph{
		Name:  "failing",
		Nodes: []repoapi.Node{{Name: "boom", Op: failing}},
	}
	err := NewLocalEngine().Run(context.Background(), g)
	if err == nil || !strings.Contains(err.Error(), `node "boom"`) {
		t.Fatalf("failure must name the node, got %v", err)
	}
}
