package workflow

import (
	"context"
	"errors"
	"testing"

	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

func TestDeferredEngineQueues(t *testing.T) {
	engine := NewDeferredEngine()
	g := repoapi.Graph{Name: "job1"}
	err := engine.Run(context.Background(), g)
	if !errors.Is(err, domain.ErrSubmissionDeferred) {
		t.Fatalf("expected deferred-submission signal, got %v", err)
	}
	queued := engine.Queued()
	if len(queued) != 1 || queued[0].Name != "job1" {
		t.Fatalf("unexpected queue contents: %v", queued)
	}
}

func TestDeferredEngineSubmitter(t *testing.T) {
	var submitted []string
	engine := NewDeferredEngine(WithSubmitter(func(_ context.Context, g repoapi.Graph) error {
		submitted = append(submitted, g.Name)
		return nil
	}))
	if err := engine.Run(context.Background(), repoapi.Graph{Name: "job1"}); !errors.Is(err, domain.ErrSubmissionDeferred) {
		t.Fatalf("expected deferred-submission signal, got %v", err)
	}
	if len(submitted) != 1 || submitted[0] != "job1" {
		t.Fatalf("submitter not invoked: %v", submitted)
	}
}

func TestDeferredEngineSubmitFailure(t *testing.T) {
	boom := errors.New("scheduler unavailable")
	engine := NewDeferredEngine(WithSubmitter(func(context.Context, repoapi.Graph) error {
		return boom
	}))
	if err := engine.Run(context.Background(), repoapi.Graph{Name: "job1"}); !errors.Is(err, boom) {
		t.Fatalf("expected submitter error, got %v", err)
	}
	if len(engine.Queued()) != 0 {
		t.Fatalf("failed submission must not queue the graph")
	}
}
