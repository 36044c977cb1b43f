package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

// PipelineConstructor builds a named pipeline against a builder. It is
// registered per pipeline name and invoked whenever the pipeline is
// needed, so constructors may branch on study parameters (accessed
// through the builder's context so references are tracked).
type PipelineConstructor func(b *PipelineBuilder) error

// Study owns a spec table, the parameter values configuring its
// pipelines, and the binding cache mapping spec names to collections
// resolved against the repository tree. One orchestration process drives
// a study at a time; the engine holds no locks of its own.
type Study struct {
	name    string
	repo    repoapi.Repository
	formats *domain.FormatRegistry

	specs     map[string]domain.Spec
	specOrder []string
	inputs    map[string]*Selector
	params    map[string]any
	pipelines map[string]PipelineConstructor

	subjectIDs []string
	visitIDs   []string

	tree  *domain.Tree
	bound map[string]domain.Collection
}

// StudyOption customizes study construction.
type StudyOption func(*Study)

// WithParameters sets the study's configuration parameter values.
func WithParameters(params map[string]any) StudyOption {
	return func(s *Study) {
		for k, v := range params {
			s.params[k] = v
		}
	}
}

// WithSubjectScope restricts the study to a subset of subject IDs.
func WithSubjectScope(ids ...string) StudyOption {
	return func(s *Study) { s.subjectIDs = append([]string(nil), ids...) }
}

// WithVisitScope restricts the study to a subset of visit IDs.
func WithVisitScope(ids ...string) StudyOption {
	return func(s *Study) { s.visitIDs = append([]string(nil), ids...) }
}

// NewStudy assembles a study from its spec declarations. Duplicate spec
// names are a construction-time error.
func NewStudy(name string, repo repoapi.Repository, formats *domain.FormatRegistry, specs []domain.Spec, opts ...StudyOption) (*Study, error) {
	if name == "" {
		return nil, domain.Usagef("study requires a name")
	}
	if repo == nil {
		return nil, domain.NewError(domain.KindUsage, name, "study requires a repository")
	}
	if formats == nil {
		formats = domain.NewFormatRegistry()
	}
	s := &Study{
		name:      name,
		repo:      repo,
		formats:   formats,
		specs:     make(map[string]domain.Spec, len(specs)),
		inputs:    make(map[string]*Selector),
		params:    make(map[string]any),
		pipelines: make(map[string]PipelineConstructor),
		bound:     make(map[string]domain.Collection),
	}
	for _, spec := range specs {
		if _, dup := s.specs[spec.Name]; dup {
			return nil, domain.NewError(domain.KindNameClash, spec.Name, "spec declared twice")
		}
		s.specs[spec.Name] = spec
		s.specOrder = append(s.specOrder, spec.Name)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name returns the study's namespace name.
func (s *Study) Name() string { return s.name }

// Repository returns the storage backend handle.
func (s *Study) Repository() repoapi.Repository { return s.repo }

// Formats returns the study's format registry.
func (s *Study) Formats() *domain.FormatRegistry { return s.formats }

// Spec resolves a declared spec by name.
func (s *Study) Spec(name string) (domain.Spec, error) {
	spec, ok := s.specs[name]
	if !ok {
		return domain.Spec{}, domain.NewError(domain.KindUsage, name,
			"no spec declared (have: %s)", strings.Join(s.specOrder, ", "))
	}
	return spec, nil
}

// Specs returns the declared specs in declaration order.
func (s *Study) Specs() []domain.Spec {
	out := make([]domain.Spec, 0, len(s.specOrder))
	for _, name := range s.specOrder {
		out = append(out, s.specs[name])
	}
	return out
}

// Parameter returns a configuration parameter value. Pipelines must read
// parameters through their build context instead, so references are
// recorded for provenance.
func (s *Study) Parameter(name string) (any, bool) {
	v, ok := s.params[name]
	return v, ok
}

// SetInput assigns a selector as the source of an acquired spec. The
// selector inherits the spec's name, kind and frequency.
func (s *Study) SetInput(name string, sel *Selector) error {
	spec, err := s.Spec(name)
	if err != nil {
		return err
	}
	if spec.Derived() {
		return domain.NewError(domain.KindUsage, name, "cannot set an input for a derived spec")
	}
	if err := sel.adoptSpec(spec); err != nil {
		return err
	}
	s.inputs[name] = sel
	delete(s.bound, name)
	return nil
}

// RegisterPipeline registers the constructor for a named pipeline.
// Registering a name twice is a clash error.
func (s *Study) RegisterPipeline(name string, ctor PipelineConstructor) error {
	if _, dup := s.pipelines[name]; dup {
		return domain.NewError(domain.KindNameClash, name, "pipeline constructor already registered")
	}
	s.pipelines[name] = ctor
	return nil
}

// Pipeline constructs the named pipeline with a fresh build context. The
// constructor may branch on parameters, so the result reflects the
// study's current configuration.
func (s *Study) Pipeline(name string) (*Pipeline, error) {
	ctor, ok := s.pipelines[name]
	if !ok {
		return nil, domain.NewError(domain.KindUsage, name, "no pipeline registered")
	}
	b := newPipelineBuilder(s, name)
	if err := ctor(b); err != nil {
		return nil, fmt.Errorf("build pipeline %q: %w", name, err)
	}
	return b.finish()
}

// Tree returns the cached repository snapshot, fetching it on first use.
// The snapshot is restricted to the study's subject/visit scope.
func (s *Study) Tree(ctx context.Context) (domain.Tree, error) {
	if s.tree != nil {
		return *s.tree, nil
	}
	tree, err := s.repo.Tree(ctx, s.subjectIDs, s.visitIDs)
	if err != nil {
		return domain.Tree{}, fmt.Errorf("enumerate repository tree: %w", err)
	}
	s.tree = &tree
	return tree, nil
}

// ClearBinds invalidates the cached tree snapshot and all bound
// collections. Must be called after any execution phase, since outputs
// (and hence subsequent matches) may have changed.
func (s *Study) ClearBinds() {
	s.tree = nil
	s.bound = make(map[string]domain.Collection)
	for _, sel := range s.inputs {
		sel.clearBinds()
	}
}

// Bind resolves a spec name to a collection across every node of the
// spec's frequency, memoizing the result until ClearBinds. Acquired specs
// resolve through their assigned selector, their declared default, or
// placeholders when optional; derived specs resolve to the items the
// study has (or has not yet) produced.
func (s *Study) Bind(ctx context.Context, name string) (domain.Collection, error) {
	if col, ok := s.bound[name]; ok {
		return col, nil
	}
	spec, err := s.Spec(name)
	if err != nil {
		return domain.Collection{}, err
	}
	var col domain.Collection
	switch {
	case !spec.Derived():
		col, err = s.bindAcquired(ctx, spec)
	default:
		col, err = s.bindDerived(ctx, spec)
	}
	if err != nil {
		return domain.Collection{}, err
	}
	s.bound[name] = col
	return col, nil
}

func (s *Study) bindAcquired(ctx context.Context, spec domain.Spec) (domain.Collection, error) {
	if sel, ok := s.inputs[spec.Name]; ok {
		return sel.Bind(ctx, s)
	}
	if spec.Default != nil {
		return *spec.Default, nil
	}
	if spec.Optional {
		return s.placeholderCollection(ctx, spec, "")
	}
	return domain.Collection{}, domain.NewError(domain.KindMissingData, spec.Name,
		"acquired spec has no input selector and no default")
}

func (s *Study) bindDerived(ctx context.Context, spec domain.Spec) (domain.Collection, error) {
	tree, err := s.Tree(ctx)
	if err != nil {
		return domain.Collection{}, err
	}
	nodes := nodesAt(tree, spec.Frequency)
	items := make([]domain.Item, 0, len(nodes))
	for _, node := range nodes {
		if found, ok := node.find(spec.Kind, spec.Name, s.name); ok {
			items = append(items, found)
			continue
		}
		items = append(items, s.anticipatedItem(spec, node))
	}
	return domain.NewCollection(spec.Name, spec.Kind, spec.Frequency, items)
}

// placeholderCollection builds an all-missing collection for spec across
// the nodes of its frequency.
func (s *Study) placeholderCollection(ctx context.Context, spec domain.Spec, fromStudy string) (domain.Collection, error) {
	tree, err := s.Tree(ctx)
	if err != nil {
		return domain.Collection{}, err
	}
	nodes := nodesAt(tree, spec.Frequency)
	items := make([]domain.Item, 0, len(nodes))
	for _, node := range nodes {
		it := s.anticipatedItem(spec, node)
		it.FromStudy = fromStudy
		items = append(items, it)
	}
	return domain.NewCollection(spec.Name, spec.Kind, spec.Frequency, items)
}

// anticipatedItem synthesizes a not-yet-existing item for spec at node.
func (s *Study) anticipatedItem(spec domain.Spec, node treeNode) domain.Item {
	template := domain.Item{
		Name:      spec.Name,
		Kind:      spec.Kind,
		Frequency: spec.Frequency,
		Format:    spec.Format,
		DType:     spec.DType,
		Array:     spec.Array,
	}
	if spec.Derived() {
		template.FromStudy = s.name
	}
	return domain.Placeholder(template, node.subjectID, node.visitID)
}

// Derivable reports whether the named spec can currently be produced:
// it must be derived, its pipeline's declared outputs must include it,
// and every transitive acquired input must be bindable. Not-produced and
// missing-data conditions yield false; structural errors (unknown names,
// cycles) propagate.
func (s *Study) Derivable(ctx context.Context, name string) (bool, error) {
	spec, err := s.Spec(name)
	if err != nil {
		return false, err
	}
	if !spec.Derived() {
		return false, nil
	}
	p, err := s.Pipeline(spec.PipelineName)
	if err != nil {
		return false, err
	}
	if !p.Produces(name) {
		return false, nil
	}
	prereqs, err := NewResolver(s).Prerequisites(p)
	if err != nil {
		if domain.IsKind(err, domain.KindNotProduced) || domain.IsKind(err, domain.KindMissingData) {
			return false, nil
		}
		return false, err
	}
	for _, pl := range append(prereqs, p) {
		for _, in := range pl.Inputs() {
			inSpec, err := s.Spec(in)
			if err != nil {
				return false, err
			}
			if inSpec.Derived() {
				continue
			}
			if _, err := s.Bind(ctx, in); err != nil {
				if domain.IsKind(err, domain.KindMissingData) {
					return false, nil
				}
				return false, err
			}
		}
	}
	return true, nil
}

// treeNode is a uniform view over the hierarchy nodes of one frequency.
type treeNode struct {
	subjectID string
	visitID   string
	filesets  []domain.Item
	fields    []domain.Item
}

func (n treeNode) items(kind domain.ItemKind) []domain.Item {
	if kind == domain.KindFileset {
		return n.filesets
	}
	return n.fields
}

// find locates an item by kind, name and producing study namespace.
func (n treeNode) find(kind domain.ItemKind, name, fromStudy string) (domain.Item, bool) {
	for _, it := range n.items(kind) {
		if it.Name == name && it.FromStudy == fromStudy {
			return it, true
		}
	}
	return domain.Item{}, false
}

// nodesAt flattens the tree to the nodes of one frequency, ordered by
// subject then visit ID.
func nodesAt(tree domain.Tree, freq domain.Frequency) []treeNode {
	var nodes []treeNode
	switch freq {
	case domain.PerSession:
		for _, sess := range tree.Sessions() {
			nodes = append(nodes, treeNode{
				subjectID: sess.SubjectID,
				visitID:   sess.VisitID,
				filesets:  sess.Filesets,
				fields:    sess.Fields,
			})
		}
	case domain.PerSubject:
		for _, sub := range tree.Subjects {
			nodes = append(nodes, treeNode{
				subjectID: sub.ID,
				filesets:  sub.Filesets,
				fields:    sub.Fields,
			})
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].subjectID < nodes[j].subjectID })
	case domain.PerVisit:
		for _, v := range tree.Visits {
			nodes = append(nodes, treeNode{
				visitID:  v.ID,
				filesets: v.Filesets,
				fields:   v.Fields,
			})
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].visitID < nodes[j].visitID })
	case domain.PerStudy:
		nodes = append(nodes, treeNode{filesets: tree.Filesets, fields: tree.Fields})
	}
	return nodes
}
