package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

// RequirementVersion records one external tool requirement and the version
// actually detected at run time.
type RequirementVersion struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	LocalName    string `json:"local_name,omitempty"`
	LocalVersion string `json:"local_version,omitempty"`
}

// WorkflowStep is one node of a pipeline's internal processing graph as
// captured for provenance: the step name, the operation it performs, and
// its fixed (non-input) parameters.
type WorkflowStep struct {
	Name       string         `json:"name"`
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// WorkflowEdge is one connection of the internal graph.
type WorkflowEdge struct {
	From     string `json:"from"`
	FromPort string `json:"from_port"`
	To       string `json:"to"`
	ToPort   string `json:"to_port"`
}

// WorkflowGraph is the content-addressable description of a pipeline's
// step connectivity.
type WorkflowGraph struct {
	Steps []WorkflowStep `json:"steps,omitempty"`
	Edges []WorkflowEdge `json:"edges,omitempty"`
}

// Canonical returns a copy with steps and edges sorted so that node
// insertion order does not affect comparison.
func (g WorkflowGraph) Canonical() WorkflowGraph {
	out := WorkflowGraph{
		Steps: append([]WorkflowStep(nil), g.Steps...),
		Edges: append([]WorkflowEdge(nil), g.Edges...),
	}
	sort.Slice(out.Steps, func(i, j int) bool { return out.Steps[i].Name < out.Steps[j].Name })
	sort.Slice(out.Edges, func(i, j int) bool {
		a, b := out.Edges[i], out.Edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.FromPort != b.FromPort {
			return a.FromPort < b.FromPort
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.ToPort < b.ToPort
	})
	return out
}

// Record captures the configuration and data that produced the outputs of
// one (pipeline, node) execution. It is persisted alongside the produced
// items and reloaded on later runs to decide staleness.
//
// Inputs and Outputs map spec names to checksum values: a plain string at
// the node's own frequency, a list when joining across one finer level,
// or a list of lists when joining sessions grouped under subjects.
type Record struct {
	ID           string    `json:"id,omitempty"`
	PipelineName string    `json:"pipeline_name"`
	Frequency    Frequency `json:"frequency"`
	SubjectID    string    `json:"subject_id,omitempty"`
	VisitID      string    `json:"visit_id,omitempty"`
	// FromStudy names the study that generated the record. Stored for
	// retrieval but deliberately excluded from matching so provenance can
	// be compared across study namespaces.
	FromStudy string `json:"from_study,omitempty"`

	StudyParameters     map[string]any                  `json:"study_parameters,omitempty"`
	InterfaceParameters map[string]map[string]any       `json:"interface_parameters,omitempty"`
	RequirementVersions map[string][]RequirementVersion `json:"requirement_versions,omitempty"`
	WorkflowGraph       WorkflowGraph                   `json:"workflow_graph"`
	SubjectIDs          []string                        `json:"subject_ids,omitempty"`
	VisitIDs            []string                        `json:"visit_ids,omitempty"`

	Inputs  map[string]any `json:"inputs,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

// NewRecord constructs a record shell for one node execution. Input and
// output checksums are attached afterwards, supporting reuse of a single
// template across the sink nodes of a batch.
func NewRecord(pipelineName string, freq Frequency, subjectID, visitID, fromStudy string) *Record {
	return &Record{
		ID:           uuid.NewString(),
		PipelineName: pipelineName,
		Frequency:    freq,
		SubjectID:    subjectID,
		VisitID:      visitID,
		FromStudy:    fromStudy,
	}
}

// Clone returns a deep copy via JSON round-trip. Used when one template
// record is specialized per sink node.
func (r *Record) Clone() *Record {
	b, err := json.Marshal(r)
	if err != nil {
		cp := *r
		return &cp
	}
	var out Record
	if err := json.Unmarshal(b, &out); err != nil {
		cp := *r
		return &cp
	}
	return &out
}

// AttachInputs sets the input checksums/values keyed by input-spec name.
func (r *Record) AttachInputs(inputs map[string]any) { r.Inputs = inputs }

// AttachOutputs sets the output checksums/values keyed by output-spec name.
func (r *Record) AttachOutputs(outputs map[string]any) { r.Outputs = outputs }

// Complete reports whether both input and output checksums are present.
func (r *Record) Complete() bool { return r.Inputs != nil && r.Outputs != nil }

// Matches performs the structural staleness comparison: pipeline name,
// referenced study parameters, fixed per-step configuration, canonical
// workflow connectivity, the joined subject/visit ID sets, and input
// checksums. Requirement versions participate unless ignoreVersions is
// set. Output checksums, record IDs and the owning study name are
// excluded: a freshly planned record has no outputs yet.
func (r *Record) Matches(other *Record, ignoreVersions bool) bool {
	return len(r.Mismatch(other, ignoreVersions)) == 0
}

// Mismatch returns the field paths at which the two records diverge,
// using the same comparison rules as Matches. An empty slice means the
// records match.
func (r *Record) Mismatch(other *Record, ignoreVersions bool) []string {
	if other == nil {
		return []string{"record"}
	}
	var paths []string
	if r.PipelineName != other.PipelineName {
		paths = append(paths, "pipeline_name")
	}
	if !canonicalJSONEqual(r.StudyParameters, other.StudyParameters) {
		paths = append(paths, "study_parameters")
	}
	if !canonicalJSONEqual(r.InterfaceParameters, other.InterfaceParameters) {
		paths = append(paths, "interface_parameters")
	}
	if !canonicalJSONEqual(r.WorkflowGraph.Canonical(), other.WorkflowGraph.Canonical()) {
		paths = append(paths, "workflow_graph")
	}
	if !canonicalJSONEqual(r.SubjectIDs, other.SubjectIDs) {
		paths = append(paths, "subject_ids")
	}
	if !canonicalJSONEqual(r.VisitIDs, other.VisitIDs) {
		paths = append(paths, "visit_ids")
	}
	for _, name := range unionKeys(r.Inputs, other.Inputs) {
		if !canonicalJSONEqual(r.Inputs[name], other.Inputs[name]) {
			paths = append(paths, "inputs."+name)
		}
	}
	if !ignoreVersions && !canonicalJSONEqual(r.RequirementVersions, other.RequirementVersions) {
		paths = append(paths, "requirement_versions")
	}
	return paths
}

// Save writes the record as JSON to path, creating parent directories.
func (r *Record) Save(path string) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record %s: %w", r.PipelineName, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	return os.WriteFile(path, b, 0o600)
}

// LoadRecord reads a record previously written by Save.
func LoadRecord(path string) (*Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	return DecodeRecord(b)
}

// DecodeRecord parses a serialized record.
func DecodeRecord(b []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &r, nil
}

// EncodeRecord serializes a record for storage backends.
func EncodeRecord(r *Record) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", r.PipelineName, err)
	}
	return b, nil
}

// canonicalJSONEqual compares two values by their JSON encodings, which
// normalizes map key order and numeric types across round-trips.
func canonicalJSONEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return errA == nil && errB == nil
	}
	return bytes.Equal(ab, bb)
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var keys []string
	for k := range a {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
