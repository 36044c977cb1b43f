package domain

import (
	"path/filepath"
	"testing"
)

func baseRecord() *Record {
	r := NewRecord("segmentation", PerSession, "sub1", "visit1", "study1")
	r.StudyParameters = map[string]any{"threshold": 0.5}
	r.InterfaceParameters = map[string]map[string]any{"segment": {"smooth": true}}
	r.RequirementVersions = map[string][]RequirementVersion{
		"segment": {{Name: "fsl", Version: "6.0.4"}},
	}
	r.WorkflowGraph = WorkflowGraph{
		Steps: []WorkflowStep{{Name: "segment", Operation: "fsl.fast"}},
		Edges: []WorkflowEdge{{From: "source", FromPort: "t1w", To: "segment", ToPort: "in"}},
	}
	r.AttachInputs(map[string]any{"t1w": "sum-a"})
	return r
}

func TestRecordMatchesItself(t *testing.T) {
	r := baseRecord()
	other := r.Clone()
	other.ID = "different-id"
	other.FromStudy = "study2"
	other.AttachOutputs(map[string]any{"brain_mask": "sum-out"})
	if !r.Matches(other, false) {
		t.Fatalf("IDs, study namespace and outputs must not participate in matching: %v",
			r.Mismatch(other, false))
	}
}

func TestRecordMismatchPaths(t *testing.T) {
	r := baseRecord()
	other := r.Clone()
	other.StudyParameters = map[string]any{"threshold": 0.9}
	other.Inputs["t1w"] = "sum-b"
	paths := r.Mismatch(other, false)
	want := map[string]bool{"study_parameters": false, "inputs.t1w": false}
	for _, p := range paths {
		if _, ok := want[p]; !ok {
			t.Fatalf("unexpected mismatch path %q (all: %v)", p, paths)
		}
		want[p] = true
	}
	for p, seen := range want {
		if !seen {
			t.Fatalf("missing mismatch path %q (got: %v)", p, paths)
		}
	}
}

func TestRecordIgnoreVersions(t *testing.T) {
	r := baseRecord()
	other := r.Clone()
	other.RequirementVersions["segment"] = []RequirementVersion{{Name: "fsl", Version: "6.0.5"}}
	if r.Matches(other, false) {
		t.Fatalf("version change must mismatch by default")
	}
	if !r.Matches(other, true) {
		t.Fatalf("version change must be ignored when requested: %v", r.Mismatch(other, true))
	}
}

func TestRecordMismatchNil(t *testing.T) {
	r := baseRecord()
	if r.Matches(nil, false) {
		t.Fatalf("nil record must never match")
	}
}

func TestRecordNumericNormalization(t *testing.T) {
	r := baseRecord()
	r.StudyParameters = map[string]any{"iterations": 3}
	other := r.Clone()
	// A JSON round-trip decodes numbers as float64.
	other.StudyParameters = map[string]any{"iterations": float64(3)}
	if !r.Matches(other, false) {
		t.Fatalf("numerically equal parameters must match: %v", r.Mismatch(other, false))
	}
}

func TestWorkflowGraphCanonicalOrder(t *testing.T) {
	a := WorkflowGraph{
		Steps: []WorkflowStep{{Name: "b", Operation: "op"}, {Name: "a", Operation: "op"}},
		Edges: []WorkflowEdge{
			{From: "a", FromPort: "out", To: "b", ToPort: "in"},
			{From: "a", FromPort: "aux", To: "b", ToPort: "in2"},
		},
	}
	b := WorkflowGraph{
		Steps: []WorkflowStep{{Name: "a", Operation: "op"}, {Name: "b", Operation: "op"}},
		Edges: []WorkflowEdge{
			{From: "a", FromPort: "aux", To: "b", ToPort: "in2"},
			{From: "a", FromPort: "out", To: "b", ToPort: "in"},
		},
	}
	if !canonicalJSONEqual(a.Canonical(), b.Canonical()) {
		t.Fatalf("canonical form must be insensitive to insertion order")
	}
}

func TestRecordJoinIDsParticipate(t *testing.T) {
	r := NewRecord("summary", PerStudy, "", "", "study1")
	r.SubjectIDs = []string{"sub1", "sub2"}
	other := r.Clone()
	other.SubjectIDs = []string{"sub1", "sub2", "sub3"}
	paths := r.Mismatch(other, false)
	if len(paths) != 1 || paths[0] != "subject_ids" {
		t.Fatalf("expected subject_ids mismatch, got %v", paths)
	}
}

func TestRecordSaveLoadRoundTrip(t *testing.T) {
	r := baseRecord()
	r.AttachOutputs(map[string]any{"brain_mask": "sum-out"})
	path := filepath.Join(t.TempDir(), "prov", "record.json")
	if err := r.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadRecord(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ID != r.ID || !r.Matches(loaded, false) {
		t.Fatalf("round-tripped record diverges: %v", r.Mismatch(loaded, false))
	}
	if !loaded.Complete() {
		t.Fatalf("loaded record must retain inputs and outputs")
	}
}
