package core

import (
	"context"
	"testing"

	"studycore/internal/infra/repository/memory"
	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

func passThroughCtor(inputSpec, outputSpec string) PipelineConstructor {
	return func(b *PipelineBuilder) error {
		op := repoapi.OpFunc(func(_ context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"out": in["in"]}, nil
		})
		return b.Add("copy", "util.copy", op,
			map[string]StepInput{"in": {Spec: inputSpec}},
			map[string]StepOutput{outputSpec: {Port: "out"}},
			nil)
	}
}

func TestStudyDuplicateSpec(t *testing.T) {
	spec, err := domain.NewAcquiredFieldSpec("age", domain.PerSubject, domain.DTypeInt, false)
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	_, err = NewStudy("study1", memory.NewStore(), nil, []domain.Spec{spec, spec})
	if !domain.IsKind(err, domain.KindNameClash) {
		t.Fatalf("expected name-clash error, got %v", err)
	}
}

func TestBindAcquiredNoSource(t *testing.T) {
	spec, err := domain.NewAcquiredFilesetSpec("t1w", domain.PerSession, []string{"nifti"})
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	study, err := NewStudy("study1", memory.NewStore(), nil, []domain.Spec{spec})
	if err != nil {
		t.Fatalf("study: %v", err)
	}
	if _, err := study.Bind(context.Background(), "t1w"); !domain.IsKind(err, domain.KindMissingData) {
		t.Fatalf("expected missing-data error, got %v", err)
	}
}

func TestBindOptionalPlaceholders(t *testing.T) {
	store := memory.NewStore()
	store.SeedSession("sub1", "visit1")
	store.SeedSession("sub1", "visit2")
	spec, err := domain.NewAcquiredFilesetSpec("lesion_mask", domain.PerSession, []string{"nifti"}, domain.WithOptional())
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	study, err := NewStudy("study1", store, nil, []domain.Spec{spec})
	if err != nil {
		t.Fatalf("study: %v", err)
	}
	col, err := study.Bind(context.Background(), "lesion_mask")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if col.Len() != 2 || col.AllExist() {
		t.Fatalf("optional unbound spec must yield placeholders per session, got len=%d allExist=%v",
			col.Len(), col.AllExist())
	}
}

func TestBindDerivedAnticipated(t *testing.T) {
	store := memory.NewStore()
	store.SeedSession("sub1", "visit1")
	spec, err := domain.NewDerivedFilesetSpec("brain_mask", domain.PerSession, "nifti", "segmentation")
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	study, err := NewStudy("study1", store, nil, []domain.Spec{spec})
	if err != nil {
		t.Fatalf("study: %v", err)
	}
	col, err := study.Bind(context.Background(), "brain_mask")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	items := col.Items()
	if len(items) != 1 || items[0].Exists {
		t.Fatalf("unproduced derived spec must bind to placeholders, got %+v", items)
	}
	if items[0].FromStudy != "study1" {
		t.Fatalf("anticipated item must carry the study namespace, got %q", items[0].FromStudy)
	}
}

func TestRegisterPipelineTwice(t *testing.T) {
	study, err := NewStudy("study1", memory.NewStore(), nil, nil)
	if err != nil {
		t.Fatalf("study: %v", err)
	}
	ctor := func(*PipelineBuilder) error { return nil }
	if err := study.RegisterPipeline("prep", ctor); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := study.RegisterPipeline("prep", ctor); !domain.IsKind(err, domain.KindNameClash) {
		t.Fatalf("expected name-clash error, got %v", err)
	}
}

func TestDerivable(t *testing.T) {
	store := memory.NewStore()
	seedScan(t, store, "raw", "sub1", "visit1")
	rawSpec, err := domain.NewAcquiredFilesetSpec("raw", domain.PerSession, []string{"nifti"})
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	outSpec, err := domain.NewDerivedFilesetSpec("cleaned", domain.PerSession, "nifti", "prep")
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	study, err := NewStudy("study1", store, nil, []domain.Spec{rawSpec, outSpec})
	if err != nil {
		t.Fatalf("study: %v", err)
	}
	if err := study.RegisterPipeline("prep", passThroughCtor("raw", "cleaned")); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	// No input selector assigned: the acquired prerequisite cannot bind.
	ok, err := study.Derivable(ctx, "cleaned")
	if err != nil || ok {
		t.Fatalf("expected not derivable without an input source, got ok=%v err=%v", ok, err)
	}

	sel, err := NewSelector("raw")
	if err != nil {
		t.Fatalf("selector: %v", err)
	}
	if err := study.SetInput("raw", sel); err != nil {
		t.Fatalf("set input: %v", err)
	}
	ok, err = study.Derivable(ctx, "cleaned")
	if err != nil || !ok {
		t.Fatalf("expected derivable, got ok=%v err=%v", ok, err)
	}

	// Acquired specs are never derivable.
	ok, err = study.Derivable(ctx, "raw")
	if err != nil || ok {
		t.Fatalf("acquired spec must not be derivable, got ok=%v err=%v", ok, err)
	}
}

func TestDerivableUnderOutputSwitch(t *testing.T) {
	store := memory.NewStore()
	seedGrid(t, store, fullGrid())
	study := derivationStudy(t, store, map[string]any{"skip_smoothing": true}, "1.0", nil)
	ctx := context.Background()

	// The switch routes the pipeline's output to the alternate spec, so
	// the primary one is not produced under this configuration.
	ok, err := study.Derivable(ctx, "smoothed")
	if err != nil || ok {
		t.Fatalf("expected not derivable under the output switch, got ok=%v err=%v", ok, err)
	}
	ok, err = study.Derivable(ctx, "smoothed_alt")
	if err != nil || !ok {
		t.Fatalf("expected the alternate output derivable, got ok=%v err=%v", ok, err)
	}
}
