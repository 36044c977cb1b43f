package core

import (
	"context"
	"testing"

	"studycore/internal/infra/repository/memory"
	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

func washStudy(t *testing.T, params map[string]any) *Study {
	t.Helper()
	formats := domain.NewFormatRegistry()
	for _, f := range []domain.FileFormat{
		{Name: "nifti", Extension: ".nii"},
		{Name: "analyze", Extension: ".img"},
	} {
		if err := formats.Register(f); err != nil {
			t.Fatalf("register format: %v", err)
		}
	}
	raw, err := domain.NewAcquiredFilesetSpec("raw", domain.PerSession, []string{"nifti"})
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	clean, err := domain.NewDerivedFilesetSpec("clean", domain.PerSession, "nifti", "wash")
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	other, err := domain.NewDerivedFilesetSpec("other", domain.PerSession, "nifti", "rinse")
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	study, err := NewStudy("study1", memory.NewStore(), formats,
		[]domain.Spec{raw, clean, other}, WithParameters(params))
	if err != nil {
		t.Fatalf("study: %v", err)
	}
	return study
}

func nopOp() repoapi.Op {
	return repoapi.OpFunc(func(_ context.Context, in map[string]any) (map[string]any, error) {
		return map[string]any{"out": in["in"]}, nil
	})
}

func buildWash(t *testing.T, study *Study, ctor PipelineConstructor) (*Pipeline, error) {
	t.Helper()
	if err := study.RegisterPipeline("wash", ctor); err != nil {
		t.Fatalf("register: %v", err)
	}
	return study.Pipeline("wash")
}

func TestUnconnectedDeclaredOutput(t *testing.T) {
	study := washStudy(t, nil)
	_, err := buildWash(t, study, func(b *PipelineBuilder) error {
		b.DeclareOutputs("clean")
		return b.AddStep("scrub", "util.scrub", nopOp(), nil)
	})
	if !domain.IsKind(err, domain.KindUsage) {
		t.Fatalf("expected usage error for unconnected declared output, got %v", err)
	}
}

func TestPipelineWithoutOutputs(t *testing.T) {
	study := washStudy(t, nil)
	_, err := buildWash(t, study, func(b *PipelineBuilder) error {
		return b.AddStep("scrub", "util.scrub", nopOp(), nil)
	})
	if !domain.IsKind(err, domain.KindUsage) {
		t.Fatalf("expected usage error for output-free pipeline, got %v", err)
	}
}

func TestConnectOutputToAcquiredSpec(t *testing.T) {
	study := washStudy(t, nil)
	_, err := buildWash(t, study, func(b *PipelineBuilder) error {
		if err := b.AddStep("scrub", "util.scrub", nopOp(), nil); err != nil {
			return err
		}
		return b.ConnectOutput("raw", "scrub", "out", "")
	})
	if !domain.IsKind(err, domain.KindUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestConnectOutputWrongProducer(t *testing.T) {
	study := washStudy(t, nil)
	// "other" names "rinse" as its producing pipeline.
	_, err := buildWash(t, study, func(b *PipelineBuilder) error {
		if err := b.AddStep("scrub", "util.scrub", nopOp(), nil); err != nil {
			return err
		}
		return b.ConnectOutput("other", "scrub", "out", "")
	})
	if !domain.IsKind(err, domain.KindUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestOutputConnectedTwice(t *testing.T) {
	study := washStudy(t, nil)
	_, err := buildWash(t, study, func(b *PipelineBuilder) error {
		if err := b.AddStep("scrub", "util.scrub", nopOp(), nil); err != nil {
			return err
		}
		if err := b.ConnectOutput("clean", "scrub", "out", ""); err != nil {
			return err
		}
		return b.ConnectOutput("clean", "scrub", "out2", "")
	})
	if !domain.IsKind(err, domain.KindUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestInputRequiresConverter(t *testing.T) {
	study := washStudy(t, nil)
	_, err := buildWash(t, study, func(b *PipelineBuilder) error {
		if err := b.AddStep("scrub", "util.scrub", nopOp(), nil); err != nil {
			return err
		}
		// raw is only valid as nifti and no nifti->analyze converter exists.
		return b.ConnectInput("raw", "scrub", "in", "analyze")
	})
	if !domain.IsKind(err, domain.KindNoConverter) {
		t.Fatalf("expected no-converter error, got %v", err)
	}
}

func TestDuplicateStepName(t *testing.T) {
	study := washStudy(t, nil)
	_, err := buildWash(t, study, func(b *PipelineBuilder) error {
		if err := b.AddStep("scrub", "util.scrub", nopOp(), nil); err != nil {
			return err
		}
		return b.AddStep("scrub", "util.scrub", nopOp(), nil)
	})
	if !domain.IsKind(err, domain.KindNameClash) {
		t.Fatalf("expected name-clash error, got %v", err)
	}
}

func parameterizedCtor() PipelineConstructor {
	return func(b *PipelineBuilder) error {
		kernel := b.Context().Parameter("kernel")
		return b.Add("scrub", "util.scrub", nopOp(),
			map[string]StepInput{"in": {Spec: "raw"}},
			map[string]StepOutput{"clean": {Port: "out"}},
			map[string]any{"kernel": kernel},
			Requirement{Name: "scrubber", Version: "2.1"})
	}
}

func TestPipelineEqualTracksConfiguration(t *testing.T) {
	s1 := washStudy(t, map[string]any{"kernel": 3})
	if err := s1.RegisterPipeline("wash", parameterizedCtor()); err != nil {
		t.Fatalf("register: %v", err)
	}
	p1, err := s1.Pipeline("wash")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	p1again, err := s1.Pipeline("wash")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !p1.Equal(p1again) {
		t.Fatalf("identical builds must compare equal")
	}

	s2 := washStudy(t, map[string]any{"kernel": 5})
	if err := s2.RegisterPipeline("wash", parameterizedCtor()); err != nil {
		t.Fatalf("register: %v", err)
	}
	p2, err := s2.Pipeline("wash")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p1.Equal(p2) {
		t.Fatalf("a referenced parameter change must break equality")
	}
}

func TestRecordTemplateCapturesConfiguration(t *testing.T) {
	study := washStudy(t, map[string]any{"kernel": 3, "unrelated": "x"})
	if err := study.RegisterPipeline("wash", parameterizedCtor()); err != nil {
		t.Fatalf("register: %v", err)
	}
	p, err := study.Pipeline("wash")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	rec := p.RecordTemplate(domain.PerSession, "sub1", "visit1")
	if rec.PipelineName != "wash" || rec.FromStudy != "study1" {
		t.Fatalf("unexpected record identity: %+v", rec)
	}
	if _, ok := rec.StudyParameters["kernel"]; !ok {
		t.Fatalf("referenced parameter missing from record")
	}
	if _, ok := rec.StudyParameters["unrelated"]; ok {
		t.Fatalf("unreferenced parameter must not be captured")
	}
	if rec.InterfaceParameters["scrub"]["kernel"] != 3 {
		t.Fatalf("fixed step parameters missing: %+v", rec.InterfaceParameters)
	}
	if len(rec.RequirementVersions["scrub"]) != 1 || rec.RequirementVersions["scrub"][0].Version != "2.1" {
		t.Fatalf("requirement versions missing: %+v", rec.RequirementVersions)
	}
	if len(rec.WorkflowGraph.Steps) != 1 {
		t.Fatalf("workflow graph missing steps: %+v", rec.WorkflowGraph)
	}
}

func TestInputsOutputsSorted(t *testing.T) {
	study := washStudy(t, nil)
	p, err := buildWash(t, study, func(b *PipelineBuilder) error {
		return b.Add("scrub", "util.scrub", nopOp(),
			map[string]StepInput{"in": {Spec: "raw"}},
			map[string]StepOutput{"clean": {Port: "out"}},
			nil)
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := p.Inputs(); len(got) != 1 || got[0] != "raw" {
		t.Fatalf("inputs: %v", got)
	}
	if got := p.Outputs(); len(got) != 1 || got[0] != "clean" {
		t.Fatalf("outputs: %v", got)
	}
	if !p.Produces("clean") || p.Produces("other") {
		t.Fatalf("Produces misreports outputs")
	}
}
