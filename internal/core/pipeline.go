package core

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

// BuildContext accumulates the study parameters a pipeline constructor
// actually references, so provenance comparison is insensitive to
// unrelated parameter changes. It is passed into construction explicitly
// rather than stashed on shared study state.
type BuildContext struct {
	study      *Study
	referenced map[string]any
}

// Parameter reads a study parameter, recording the reference. Absent
// parameters read as nil and are still recorded.
func (c *BuildContext) Parameter(name string) any {
	v, _ := c.study.Parameter(name)
	c.referenced[name] = v
	return v
}

// ParameterBool reads a boolean study parameter, recording the reference.
func (c *BuildContext) ParameterBool(name string) bool {
	v, _ := c.Parameter(name).(bool)
	return v
}

// Referenced returns the parameters referenced so far.
func (c *BuildContext) Referenced() map[string]any {
	out := make(map[string]any, len(c.referenced))
	for k, v := range c.referenced {
		out[k] = v
	}
	return out
}

// Requirement pins an external tool a step depends on. The version
// recorded here is what provenance comparison sees.
type Requirement struct {
	Name    string
	Version string
}

type portRef struct {
	step string
	port string
}

// Pipeline is a named transformation bound to one study: declared input
// and output specs, an internal step graph executed by the workflow
// engine, and the provenance-relevant configuration captured during
// construction.
type Pipeline struct {
	name        string
	description string
	study       *Study
	citations   []string

	inputs       map[string]string // spec name -> format required by steps ("" = native)
	inputConns   map[string][]portRef
	outputs      map[string]portRef
	outputFormat map[string]string

	stepOrder []string
	steps     map[string]domain.WorkflowStep
	ops       map[string]repoapi.Op
	edges     []domain.WorkflowEdge

	referencedParams map[string]any
	requirements     map[string][]domain.RequirementVersion
}

// PipelineBuilder assembles a pipeline inside its constructor. All
// wiring errors surface at construction time; a pipeline is never
// partially wired.
type PipelineBuilder struct {
	p        *Pipeline
	ctx      *BuildContext
	declared []string
}

func newPipelineBuilder(study *Study, name string) *PipelineBuilder {
	ctx := &BuildContext{study: study, referenced: make(map[string]any)}
	return &PipelineBuilder{
		ctx: ctx,
		p: &Pipeline{
			name:             name,
			study:            study,
			inputs:           make(map[string]string),
			inputConns:       make(map[string][]portRef),
			outputs:          make(map[string]portRef),
			outputFormat:     make(map[string]string),
			steps:            make(map[string]domain.WorkflowStep),
			ops:              make(map[string]repoapi.Op),
			referencedParams: ctx.referenced,
			requirements:     make(map[string][]domain.RequirementVersion),
		},
	}
}

// Context returns the build context tracking parameter references.
func (b *PipelineBuilder) Context() *BuildContext { return b.ctx }

// Describe sets the pipeline description.
func (b *PipelineBuilder) Describe(desc string) { b.p.description = desc }

// Cite attaches a citation.
func (b *PipelineBuilder) Cite(citation string) {
	b.p.citations = append(b.p.citations, citation)
}

// DeclareOutputs names the specs the pipeline commits to producing under
// the current configuration. Each declared output must be connected
// exactly once before construction completes.
func (b *PipelineBuilder) DeclareOutputs(names ...string) {
	b.declared = append(b.declared, names...)
}

// StepInput routes a spec (in the given format) into a step port.
type StepInput struct {
	Spec   string
	Format string
}

// StepOutput routes a step port (in the given format) to an output spec.
type StepOutput struct {
	Port   string
	Format string
}

// AddStep registers an internal processing step. Step names must be
// unique; parameters are fixed configuration captured for provenance.
func (b *PipelineBuilder) AddStep(name, operation string, op repoapi.Op, params map[string]any, reqs ...Requirement) error {
	if name == "" {
		return domain.NewError(domain.KindUsage, b.p.name, "step requires a name")
	}
	if _, dup := b.p.steps[name]; dup {
		return domain.NewError(domain.KindNameClash, b.p.name, "step %q added twice", name)
	}
	b.p.steps[name] = domain.WorkflowStep{Name: name, Operation: operation, Parameters: params}
	b.p.ops[name] = op
	b.p.stepOrder = append(b.p.stepOrder, name)
	for _, req := range reqs {
		b.p.requirements[name] = append(b.p.requirements[name],
			domain.RequirementVersion{Name: req.Name, Version: req.Version})
	}
	return nil
}

// Add registers a step and wires its ports in one call, the common case.
// inputs map ports to source specs; outputs map specs to producing ports.
func (b *PipelineBuilder) Add(name, operation string, op repoapi.Op, inputs map[string]StepInput, outputs map[string]StepOutput, params map[string]any, reqs ...Requirement) error {
	if err := b.AddStep(name, operation, op, params, reqs...); err != nil {
		return err
	}
	ports := make([]string, 0, len(inputs))
	for port := range inputs {
		ports = append(ports, port)
	}
	sort.Strings(ports)
	for _, port := range ports {
		in := inputs[port]
		if err := b.ConnectInput(in.Spec, name, port, in.Format); err != nil {
			return err
		}
	}
	specs := make([]string, 0, len(outputs))
	for spec := range outputs {
		specs = append(specs, spec)
	}
	sort.Strings(specs)
	for _, spec := range specs {
		out := outputs[spec]
		if err := b.ConnectOutput(spec, name, out.Port, out.Format); err != nil {
			return err
		}
	}
	return nil
}

// Connect wires one internal step port to another.
func (b *PipelineBuilder) Connect(from, fromPort, to, toPort string) error {
	if _, ok := b.p.steps[from]; !ok {
		return domain.NewError(domain.KindUsage, b.p.name, "connect: unknown step %q", from)
	}
	if _, ok := b.p.steps[to]; !ok {
		return domain.NewError(domain.KindUsage, b.p.name, "connect: unknown step %q", to)
	}
	b.p.edges = append(b.p.edges, domain.WorkflowEdge{From: from, FromPort: fromPort, To: to, ToPort: toPort})
	return nil
}

// ConnectInput routes the named spec into a step port, requiring the
// given format (empty means the spec's native format). A missing
// converter between the spec's format and the required one is a
// conversion error naming the pipeline and port.
func (b *PipelineBuilder) ConnectInput(specName, step, port, format string) error {
	spec, err := b.ctx.study.Spec(specName)
	if err != nil {
		return err
	}
	if _, ok := b.p.steps[step]; !ok {
		return domain.NewError(domain.KindUsage, b.p.name, "connect input %q: unknown step %q", specName, step)
	}
	if format != "" && spec.Kind == domain.KindFileset {
		if err := b.checkConvertible(spec, format, step, port); err != nil {
			return err
		}
	}
	if existing, ok := b.p.inputs[specName]; !ok || existing == "" {
		b.p.inputs[specName] = format
	}
	b.p.inputConns[specName] = append(b.p.inputConns[specName], portRef{step: step, port: port})
	return nil
}

// ConnectOutput routes a step port to the named derived spec. Each output
// spec may be connected exactly once.
func (b *PipelineBuilder) ConnectOutput(specName, step, port, format string) error {
	spec, err := b.ctx.study.Spec(specName)
	if err != nil {
		return err
	}
	if !spec.Derived() {
		return domain.NewError(domain.KindUsage, specName, "cannot connect an output to an acquired spec")
	}
	if spec.PipelineName != b.p.name {
		return domain.NewError(domain.KindUsage, specName,
			"spec names pipeline %q as its producer, not %q", spec.PipelineName, b.p.name)
	}
	if _, ok := b.p.steps[step]; !ok {
		return domain.NewError(domain.KindUsage, b.p.name, "connect output %q: unknown step %q", specName, step)
	}
	if _, dup := b.p.outputs[specName]; dup {
		return domain.NewError(domain.KindUsage, specName, "output connected twice in pipeline %q", b.p.name)
	}
	if format != "" && format != spec.Format && spec.Kind == domain.KindFileset {
		if _, err := b.ctx.study.Formats().Converter(format, spec.Format); err != nil {
			return domain.NewError(domain.KindNoConverter, b.p.name,
				"output %q at step %q port %q: %v", specName, step, port, err)
		}
	}
	b.p.outputs[specName] = portRef{step: step, port: port}
	b.p.outputFormat[specName] = format
	return nil
}

func (b *PipelineBuilder) checkConvertible(spec domain.Spec, required, step, port string) error {
	reg := b.ctx.study.Formats()
	if spec.Derived() {
		if _, err := reg.Converter(spec.Format, required); err != nil {
			return domain.NewError(domain.KindNoConverter, b.p.name,
				"input %q at step %q port %q: %v", spec.Name, step, port, err)
		}
		return nil
	}
	for _, f := range spec.ValidFormats {
		if _, err := reg.Converter(f, required); err == nil {
			return nil
		}
	}
	return domain.NewError(domain.KindNoConverter, b.p.name,
		"input %q at step %q port %q: none of the valid formats (%s) convert to %q",
		spec.Name, step, port, strings.Join(spec.ValidFormats, ", "), required)
}

// finish validates wiring completeness and returns the built pipeline.
func (b *PipelineBuilder) finish() (*Pipeline, error) {
	var unconnected []string
	for _, name := range b.declared {
		if _, ok := b.p.outputs[name]; !ok {
			unconnected = append(unconnected, name)
		}
	}
	if len(unconnected) > 0 {
		sort.Strings(unconnected)
		return nil, domain.NewError(domain.KindUsage, b.p.name,
			"unconnected outputs: %s", strings.Join(unconnected, ", "))
	}
	if len(b.p.outputs) == 0 {
		return nil, domain.NewError(domain.KindUsage, b.p.name, "pipeline produces no outputs")
	}
	return b.p, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Description returns the free-form description.
func (p *Pipeline) Description() string { return p.description }

// Citations returns attached citations.
func (p *Pipeline) Citations() []string { return p.citations }

// Study returns the owning study.
func (p *Pipeline) Study() *Study { return p.study }

// Inputs returns the consumed spec names in sorted order.
func (p *Pipeline) Inputs() []string {
	names := make([]string, 0, len(p.inputs))
	for name := range p.inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Outputs returns the produced spec names in sorted order.
func (p *Pipeline) Outputs() []string {
	names := make([]string, 0, len(p.outputs))
	for name := range p.outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Produces reports whether the pipeline outputs the named spec under the
// configuration it was built with.
func (p *Pipeline) Produces(name string) bool {
	_, ok := p.outputs[name]
	return ok
}

// OutputsByFrequency partitions the produced spec names by frequency.
func (p *Pipeline) OutputsByFrequency() map[domain.Frequency][]string {
	out := make(map[domain.Frequency][]string)
	for _, name := range p.Outputs() {
		spec, err := p.study.Spec(name)
		if err != nil {
			continue
		}
		out[spec.Frequency] = append(out[spec.Frequency], name)
	}
	return out
}

// SummaryOutputs returns produced specs coarser than per-session.
func (p *Pipeline) SummaryOutputs() []string {
	var names []string
	for _, name := range p.Outputs() {
		spec, err := p.study.Spec(name)
		if err == nil && spec.Frequency != domain.PerSession {
			names = append(names, name)
		}
	}
	return names
}

// Graph returns the canonical internal connectivity for provenance.
func (p *Pipeline) Graph() domain.WorkflowGraph {
	g := domain.WorkflowGraph{Edges: append([]domain.WorkflowEdge(nil), p.edges...)}
	for _, name := range p.stepOrder {
		g.Steps = append(g.Steps, p.steps[name])
	}
	return g.Canonical()
}

// ReferencedParameters returns the study parameters touched during
// construction.
func (p *Pipeline) ReferencedParameters() map[string]any {
	out := make(map[string]any, len(p.referencedParams))
	for k, v := range p.referencedParams {
		out[k] = v
	}
	return out
}

// RequirementVersions returns the per-step tool requirements.
func (p *Pipeline) RequirementVersions() map[string][]domain.RequirementVersion {
	out := make(map[string][]domain.RequirementVersion, len(p.requirements))
	for k, v := range p.requirements {
		out[k] = append([]domain.RequirementVersion(nil), v...)
	}
	return out
}

// Equal reports structural identity: same name, inputs, outputs,
// connectivity and referenced configuration. Used by the resolver to
// decide whether two same-name pipeline instances can be deduplicated.
func (p *Pipeline) Equal(other *Pipeline) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.name != other.name {
		return false
	}
	return jsonEqual(p.Inputs(), other.Inputs()) &&
		jsonEqual(p.Outputs(), other.Outputs()) &&
		jsonEqual(p.Graph(), other.Graph()) &&
		jsonEqual(p.referencedParams, other.referencedParams) &&
		jsonEqual(p.requirements, other.requirements)
}

// RecordTemplate builds the provenance record shell for one node
// execution of this pipeline. Input/output checksums and joined ID sets
// are attached by the processor.
func (p *Pipeline) RecordTemplate(freq domain.Frequency, subjectID, visitID string) *domain.Record {
	rec := domain.NewRecord(p.name, freq, subjectID, visitID, p.study.Name())
	rec.StudyParameters = p.ReferencedParameters()
	params := make(map[string]map[string]any, len(p.steps))
	for name, step := range p.steps {
		if len(step.Parameters) > 0 {
			params[name] = step.Parameters
		}
	}
	if len(params) > 0 {
		rec.InterfaceParameters = params
	}
	if len(p.requirements) > 0 {
		rec.RequirementVersions = p.RequirementVersions()
	}
	rec.WorkflowGraph = p.Graph()
	return rec
}

// configString renders the referenced configuration for error messages.
func (p *Pipeline) configString() string {
	if len(p.referencedParams) == 0 {
		return "no parameters referenced"
	}
	keys := make([]string, 0, len(p.referencedParams))
	for k := range p.referencedParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+jsonString(p.referencedParams[k]))
	}
	return strings.Join(parts, ", ")
}

func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return errA == nil && errB == nil
	}
	return bytes.Equal(ab, bb)
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "?"
	}
	return string(b)
}
