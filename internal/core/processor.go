package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

// ReprocessPolicy controls how the processor treats existing outputs.
type ReprocessPolicy string

// Reprocessing policies.
const (
	// ReprocessDefault reprocesses nodes whose outputs are missing or
	// whose stored provenance mismatches the current configuration.
	ReprocessDefault ReprocessPolicy = "default"
	// ReprocessForce reprocesses every node of the requested pipelines
	// regardless of existence; prerequisites still run incrementally.
	ReprocessForce ReprocessPolicy = "force"
	// ReprocessForceAll forces prerequisite pipelines too.
	ReprocessForceAll ReprocessPolicy = "force_all"
	// ReprocessRefuse escalates provenance mismatches to hard errors,
	// protecting outputs modified outside the pipeline's management.
	ReprocessRefuse ReprocessPolicy = "refuse"
)

// Filter restricts a processing run to subsets of the hierarchy. Nil
// slices mean no restriction on that axis; Sessions lists explicit
// (subject, visit) pairs.
type Filter struct {
	SubjectIDs []string
	VisitIDs   []string
	Sessions   [][2]string
}

func (f Filter) empty() bool {
	return len(f.SubjectIDs) == 0 && len(f.VisitIDs) == 0 && len(f.Sessions) == 0
}

// SessionKey identifies one session of the hierarchy.
type SessionKey struct {
	SubjectID string
	VisitID   string
}

// Plan is the minimal set of sessions a pipeline must (re)process.
type Plan struct {
	Pipeline string
	Sessions []SessionKey
	// Stale counts sessions included due to provenance mismatch rather
	// than missing outputs.
	Stale int
}

// Empty reports whether nothing needs processing.
func (p Plan) Empty() bool { return len(p.Sessions) == 0 }

// Processor decides which hierarchy nodes need (re)processing for a
// pipeline and drives execution by delegating per-node work to the
// workflow engine.
type Processor struct {
	study          *Study
	engine         repoapi.Engine
	logger         Logger
	metrics        MetricsRecorder
	policy         ReprocessPolicy
	ignoreVersions bool
}

// ProcessorOption customizes processor construction.
type ProcessorOption func(*Processor)

// WithLogger sets the processor's logger.
func WithLogger(l Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithMetrics sets the processor's metrics recorder.
func WithMetrics(m MetricsRecorder) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithReprocess sets the reprocessing policy.
func WithReprocess(policy ReprocessPolicy) ProcessorOption {
	return func(p *Processor) { p.policy = policy }
}

// WithIgnoreVersions makes provenance comparison skip requirement/tool
// version differences.
func WithIgnoreVersions() ProcessorOption {
	return func(p *Processor) { p.ignoreVersions = true }
}

// NewProcessor constructs a processor for the study using the given
// execution engine.
func NewProcessor(study *Study, engine repoapi.Engine, opts ...ProcessorOption) *Processor {
	pr := &Processor{
		study:   study,
		engine:  engine,
		logger:  NopLogger{},
		metrics: NopMetrics{},
		policy:  ReprocessDefault,
	}
	for _, opt := range opts {
		opt(pr)
	}
	return pr
}

// Derive resolves the named derived specs to their producing pipelines
// and runs them (with prerequisites) under the filter. Requesting a spec
// the configured pipeline does not output raises the not-produced error
// with the configuration in effect.
func (pr *Processor) Derive(ctx context.Context, filter Filter, names ...string) error {
	if len(names) == 0 {
		return domain.Usagef("no spec names provided to Derive")
	}
	var pipelines []*Pipeline
	seen := map[string]bool{}
	for _, name := range names {
		spec, err := pr.study.Spec(name)
		if err != nil {
			return err
		}
		if !spec.Derived() {
			return domain.NewError(domain.KindUsage, name, "spec is acquired, not derived")
		}
		p, err := pr.study.Pipeline(spec.PipelineName)
		if err != nil {
			return err
		}
		if !p.Produces(name) {
			return domain.NewError(domain.KindNotProduced, name,
				"pipeline %q does not produce this spec under current configuration (%s)",
				p.Name(), p.configString())
		}
		if !seen[p.Name()] {
			seen[p.Name()] = true
			pipelines = append(pipelines, p)
		}
	}
	return pr.Run(ctx, filter, pipelines...)
}

// Run executes the pipelines (and their prerequisites) over the filtered
// scope, skipping every node whose outputs already exist with matching
// provenance. The study's binding cache is invalidated after each
// execution phase. A deferred-submission signal from the engine is
// propagated for the caller to special-case.
func (pr *Processor) Run(ctx context.Context, filter Filter, pipelines ...*Pipeline) error {
	if len(pipelines) == 0 {
		return domain.Usagef("no pipelines provided to Run")
	}
	ordered, requested, err := pr.executionOrder(pipelines)
	if err != nil {
		return err
	}
	filter, err = pr.widenFilter(ctx, ordered, filter)
	if err != nil {
		return err
	}
	for _, p := range ordered {
		force := pr.policy == ReprocessForceAll || (pr.policy == ReprocessForce && requested[p.Name()])
		plan, err := pr.plan(ctx, p, filter, force)
		if err != nil {
			if errors.Is(err, domain.ErrNoRunRequired) {
				pr.logger.Infof("not running %q pipeline: outputs already present with matching provenance", p.Name())
				continue
			}
			return err
		}
		start := time.Now()
		if err := pr.execute(ctx, p, plan); err != nil {
			pr.study.ClearBinds()
			if errors.Is(err, domain.ErrSubmissionDeferred) {
				pr.metrics.RecordRun(p.Name(), time.Since(start), "deferred")
				return err
			}
			pr.metrics.RecordRun(p.Name(), time.Since(start), "error")
			return err
		}
		pr.metrics.RecordRun(p.Name(), time.Since(start), "ok")
		// Outputs changed: later pipelines must see a fresh snapshot.
		pr.study.ClearBinds()
	}
	return nil
}

// widenFilter dilates the caller's session filter across the whole
// execution order: a summary output anywhere downstream requires its
// prerequisite pipelines to cover the aggregated sessions too, so the
// dilation must apply before per-pipeline planning.
func (pr *Processor) widenFilter(ctx context.Context, ordered []*Pipeline, filter Filter) (Filter, error) {
	if filter.empty() {
		return filter, nil
	}
	tree, err := pr.study.Tree(ctx)
	if err != nil {
		return Filter{}, err
	}
	combined := map[domain.Frequency][]string{}
	for _, p := range ordered {
		for freq, names := range p.OutputsByFrequency() {
			combined[freq] = append(combined[freq], names...)
		}
	}
	set, err := pr.filterSessions(tree, filter)
	if err != nil {
		return Filter{}, err
	}
	dilated := pr.dilate(tree, set, combined)
	if len(dilated) == len(set) {
		return filter, nil
	}
	pr.logger.Warnf("session filter widened from %d to %d sessions: summary-frequency outputs aggregate beyond the filtered scope",
		len(set), len(dilated))
	pairs := make([][2]string, 0, len(dilated))
	for key := range dilated {
		pairs = append(pairs, [2]string{key.SubjectID, key.VisitID})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	return Filter{Sessions: pairs}, nil
}

// executionOrder resolves prerequisites for every requested pipeline and
// merges them into one deduplicated dependency-ordered list.
func (pr *Processor) executionOrder(pipelines []*Pipeline) ([]*Pipeline, map[string]bool, error) {
	resolver := NewResolver(pr.study)
	var ordered []*Pipeline
	seen := map[string]*Pipeline{}
	requested := map[string]bool{}
	appendOne := func(p *Pipeline) error {
		if prev, ok := seen[p.Name()]; ok {
			if !prev.Equal(p) {
				return domain.NewError(domain.KindNameClash, p.Name(),
					"two non-identical pipeline instances share this name in one run")
			}
			return nil
		}
		seen[p.Name()] = p
		ordered = append(ordered, p)
		return nil
	}
	for _, p := range pipelines {
		requested[p.Name()] = true
		prereqs, err := resolver.Prerequisites(p)
		if err != nil {
			return nil, nil, err
		}
		for _, q := range prereqs {
			if err := appendOne(q); err != nil {
				return nil, nil, err
			}
		}
		if err := appendOne(p); err != nil {
			return nil, nil, err
		}
	}
	return ordered, requested, nil
}

// Plan computes the minimal session set requiring (re)processing for the
// pipeline under the filter, without executing anything.
func (pr *Processor) Plan(ctx context.Context, p *Pipeline, filter Filter) (Plan, error) {
	force := pr.policy == ReprocessForce || pr.policy == ReprocessForceAll
	plan, err := pr.plan(ctx, p, filter, force)
	if err != nil && errors.Is(err, domain.ErrNoRunRequired) {
		return Plan{Pipeline: p.Name()}, nil
	}
	return plan, err
}

func (pr *Processor) plan(ctx context.Context, p *Pipeline, filter Filter, force bool) (Plan, error) {
	tree, err := pr.study.Tree(ctx)
	if err != nil {
		return Plan{}, err
	}
	filterSet, err := pr.filterSessions(tree, filter)
	if err != nil {
		return Plan{}, err
	}
	byFreq := p.OutputsByFrequency()
	summary := p.SummaryOutputs()

	// A partial subject cannot contribute safely to a summary aggregate.
	if len(summary) > 0 {
		if incomplete := tree.IncompleteSubjects(); len(incomplete) > 0 {
			ids := make([]string, 0, len(incomplete))
			for _, s := range incomplete {
				ids = append(ids, s.ID)
			}
			return Plan{}, domain.NewError(domain.KindUsage, p.Name(),
				"pipeline has summary-frequency outputs (%s) but subjects %s are missing visits; restrict the subject/visit scope to continue",
				strings.Join(summary, ", "), strings.Join(ids, ", "))
		}
	}
	if _, perStudy := byFreq[domain.PerStudy]; perStudy && !filter.empty() {
		pr.logger.Warnf("subject/visit filter is ineffective for pipeline %q: per-study outputs cannot be selectively reprocessed", p.Name())
	}
	dilatedFilter := pr.dilate(tree, filterSet, byFreq)
	if len(dilatedFilter) > len(filterSet) {
		pr.logger.Warnf("filter dilated from %d to %d sessions for pipeline %q due to summary-frequency outputs",
			len(filterSet), len(dilatedFilter), p.Name())
	}

	toProcess := map[SessionKey]bool{}
	for _, outName := range p.Outputs() {
		col, err := pr.study.Bind(ctx, outName)
		if err != nil {
			return Plan{}, err
		}
		for _, it := range col.Items() {
			if it.Exists && !force {
				continue
			}
			for _, key := range pr.sessionsUnder(tree, col.Frequency(), it.SubjectID, it.VisitID) {
				toProcess[key] = true
			}
		}
	}
	toProcess = pr.dilate(tree, toProcess, byFreq)
	toProcess = intersect(toProcess, dilatedFilter)

	stale := 0
	if !force {
		n, err := pr.markStale(ctx, p, tree, byFreq, dilatedFilter, toProcess)
		if err != nil {
			return Plan{}, err
		}
		stale = n
		if stale > 0 {
			toProcess = pr.dilate(tree, toProcess, byFreq)
		}
	}

	keys := make([]SessionKey, 0, len(toProcess))
	for key := range toProcess {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SubjectID != keys[j].SubjectID {
			return keys[i].SubjectID < keys[j].SubjectID
		}
		return keys[i].VisitID < keys[j].VisitID
	})
	pr.metrics.RecordPlan(p.Name(), len(keys), len(dilatedFilter)-len(keys))
	pr.metrics.RecordStale(p.Name(), stale)
	if len(keys) == 0 {
		return Plan{}, domain.ErrNoRunRequired
	}
	return Plan{Pipeline: p.Name(), Sessions: keys, Stale: stale}, nil
}

// markStale checks provenance for nodes whose outputs all exist within
// the filter and marks mismatching ones for reprocessing. Returns the
// number of sessions added.
func (pr *Processor) markStale(ctx context.Context, p *Pipeline, tree domain.Tree, byFreq map[domain.Frequency][]string, filterSet, toProcess map[SessionKey]bool) (int, error) {
	added := 0
	for freq := range byFreq {
		for _, node := range nodesAt(tree, freq) {
			sessions := pr.sessionsUnder(tree, freq, node.subjectID, node.visitID)
			if len(sessions) == 0 {
				continue
			}
			covered := true
			for _, key := range sessions {
				if !filterSet[key] || toProcess[key] {
					covered = false
					break
				}
			}
			if !covered {
				continue
			}
			expected, err := pr.expectedRecord(ctx, p, tree, freq, node.subjectID, node.visitID)
			if err != nil {
				return 0, err
			}
			key := repoapi.RecordKey{
				PipelineName: p.Name(),
				Frequency:    freq,
				SubjectID:    node.subjectID,
				VisitID:      node.visitID,
				FromStudy:    pr.study.Name(),
			}
			stored, err := pr.study.Repository().GetRecord(ctx, key)
			if err != nil {
				return 0, err
			}
			mismatch := stored == nil
			var paths []string
			if stored != nil {
				paths = expected.Mismatch(stored, pr.ignoreVersions)
				mismatch = len(paths) > 0
			}
			if !mismatch {
				continue
			}
			if pr.policy == ReprocessRefuse && stored != nil {
				return 0, domain.NewError(domain.KindProvenanceMismatch, p.Name(),
					"stored provenance at node %s diverges at %s and silent reprocessing is disabled",
					nodeLabelFor(node.subjectID, node.visitID), strings.Join(paths, ", "))
			}
			if stored != nil {
				pr.logger.Infof("reprocessing node %s with pipeline %q: provenance diverges at %s",
					nodeLabelFor(node.subjectID, node.visitID), p.Name(), strings.Join(paths, ", "))
			}
			for _, k := range sessions {
				if !toProcess[k] {
					toProcess[k] = true
					added++
				}
			}
		}
	}
	return added, nil
}

// filterSessions builds the session set selected by the caller's filter.
// An empty filter selects every session; a filter matching nothing is a
// usage error listing the available IDs.
func (pr *Processor) filterSessions(tree domain.Tree, filter Filter) (map[SessionKey]bool, error) {
	all := tree.Sessions()
	set := make(map[SessionKey]bool, len(all))
	if filter.empty() {
		for _, sess := range all {
			set[SessionKey{sess.SubjectID, sess.VisitID}] = true
		}
		return set, nil
	}
	subjects := toSet(filter.SubjectIDs)
	visits := toSet(filter.VisitIDs)
	pairs := map[SessionKey]bool{}
	for _, p := range filter.Sessions {
		pairs[SessionKey{p[0], p[1]}] = true
	}
	for _, sess := range all {
		key := SessionKey{sess.SubjectID, sess.VisitID}
		if subjects[sess.SubjectID] || visits[sess.VisitID] || pairs[key] {
			set[key] = true
		}
	}
	if len(set) == 0 {
		return nil, domain.Usagef(
			"filter matched no sessions (available subjects: %s; visits: %s)",
			strings.Join(tree.SubjectIDs(), ", "), strings.Join(tree.VisitIDs(), ", "))
	}
	return set, nil
}

// dilate widens a session set so every node required by a summary output
// is fully covered: any touched subject pulls in all its sessions for
// per-subject outputs, any touched visit likewise for per-visit, and any
// touched session pulls in everything for per-study.
func (pr *Processor) dilate(tree domain.Tree, set map[SessionKey]bool, byFreq map[domain.Frequency][]string) map[SessionKey]bool {
	if len(set) == 0 {
		return set
	}
	out := make(map[SessionKey]bool, len(set))
	for k := range set {
		out[k] = true
	}
	if _, ok := byFreq[domain.PerStudy]; ok {
		for _, sess := range tree.Sessions() {
			out[SessionKey{sess.SubjectID, sess.VisitID}] = true
		}
		return out
	}
	if _, ok := byFreq[domain.PerSubject]; ok {
		touched := map[string]bool{}
		for k := range out {
			touched[k.SubjectID] = true
		}
		for _, sess := range tree.Sessions() {
			if touched[sess.SubjectID] {
				out[SessionKey{sess.SubjectID, sess.VisitID}] = true
			}
		}
	}
	if _, ok := byFreq[domain.PerVisit]; ok {
		touched := map[string]bool{}
		for k := range out {
			touched[k.VisitID] = true
		}
		for _, sess := range tree.Sessions() {
			if touched[sess.VisitID] {
				out[SessionKey{sess.SubjectID, sess.VisitID}] = true
			}
		}
	}
	return out
}

// sessionsUnder expands a node of the given frequency to the sessions it
// covers within the tree.
func (pr *Processor) sessionsUnder(tree domain.Tree, freq domain.Frequency, subjectID, visitID string) []SessionKey {
	var out []SessionKey
	switch freq {
	case domain.PerSession:
		if _, ok := tree.Session(subjectID, visitID); ok {
			out = append(out, SessionKey{subjectID, visitID})
		}
	case domain.PerSubject:
		if sub, ok := tree.Subject(subjectID); ok {
			for _, sess := range sub.Sessions {
				out = append(out, SessionKey{sess.SubjectID, sess.VisitID})
			}
		}
	case domain.PerVisit:
		if v, ok := tree.Visit(visitID); ok {
			for _, sess := range v.Sessions {
				out = append(out, SessionKey{sess.SubjectID, sess.VisitID})
			}
		}
	case domain.PerStudy:
		for _, sess := range tree.Sessions() {
			out = append(out, SessionKey{sess.SubjectID, sess.VisitID})
		}
	}
	return out
}

// expectedRecord builds the record the pipeline would produce if run now
// at the node: current configuration plus current input checksums.
func (pr *Processor) expectedRecord(ctx context.Context, p *Pipeline, tree domain.Tree, freq domain.Frequency, subjectID, visitID string) (*domain.Record, error) {
	rec := p.RecordTemplate(freq, subjectID, visitID)
	pr.attachJoinIDs(rec, tree, freq, subjectID)
	inputs := make(map[string]any, len(p.Inputs()))
	for _, inName := range p.Inputs() {
		col, err := pr.study.Bind(ctx, inName)
		if err != nil {
			return nil, err
		}
		sum, err := pr.inputChecksums(tree, col, freq, subjectID, visitID)
		if err != nil {
			return nil, err
		}
		inputs[inName] = sum
	}
	rec.AttachInputs(inputs)
	return rec, nil
}

// attachJoinIDs records the subject/visit ID sets a summary node
// aggregates over.
func (pr *Processor) attachJoinIDs(rec *domain.Record, tree domain.Tree, freq domain.Frequency, subjectID string) {
	switch freq {
	case domain.PerSubject:
		if sub, ok := tree.Subject(subjectID); ok {
			var visits []string
			for _, sess := range sub.Sessions {
				visits = append(visits, sess.VisitID)
			}
			sort.Strings(visits)
			rec.VisitIDs = visits
		}
	case domain.PerVisit:
		rec.SubjectIDs = tree.SubjectIDs()
	case domain.PerStudy:
		rec.SubjectIDs = tree.SubjectIDs()
		rec.VisitIDs = tree.VisitIDs()
	}
}

// joinShape describes how an input collection's items map onto one node:
// a single item, a list joined along one axis, or a list of lists when a
// per-study node joins per-session items grouped by subject.
type joinShape int

const (
	joinScalar joinShape = iota
	joinList
	joinNested
)

// joinIndex returns the collection index keys covering one node, grouped
// for nested joins, plus the shape the port value (and checksum entry)
// must take. Keys within each group are ordered by subject then visit so
// joined values are deterministic.
func joinIndex(tree domain.Tree, colFreq, nodeFreq domain.Frequency, node SessionKey) ([][]SessionKey, joinShape, error) {
	single := func(k SessionKey) ([][]SessionKey, joinShape, error) {
		return [][]SessionKey{{k}}, joinScalar, nil
	}
	if colFreq == domain.PerStudy {
		return single(SessionKey{})
	}
	if colFreq == nodeFreq || nodeFreq == domain.PerSession {
		// Collection indexing ignores unused axes, so a coarser input at
		// a session node resolves with the session's own IDs.
		return single(node)
	}
	sessionKeys := func(sessions []domain.Session) []SessionKey {
		keys := make([]SessionKey, 0, len(sessions))
		for _, sess := range sessions {
			keys = append(keys, SessionKey{sess.SubjectID, sess.VisitID})
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].SubjectID != keys[j].SubjectID {
				return keys[i].SubjectID < keys[j].SubjectID
			}
			return keys[i].VisitID < keys[j].VisitID
		})
		return keys
	}
	switch nodeFreq {
	case domain.PerSubject:
		sub, ok := tree.Subject(node.SubjectID)
		if !ok {
			return nil, 0, domain.Usagef("unknown subject %q", node.SubjectID)
		}
		keys := sessionKeys(sub.Sessions)
		if colFreq == domain.PerVisit {
			for i := range keys {
				keys[i].SubjectID = ""
			}
		}
		return [][]SessionKey{keys}, joinList, nil
	case domain.PerVisit:
		v, ok := tree.Visit(node.VisitID)
		if !ok {
			return nil, 0, domain.Usagef("unknown visit %q", node.VisitID)
		}
		keys := sessionKeys(v.Sessions)
		if colFreq == domain.PerSubject {
			for i := range keys {
				keys[i].VisitID = ""
			}
		}
		return [][]SessionKey{keys}, joinList, nil
	case domain.PerStudy:
		switch colFreq {
		case domain.PerSubject:
			var keys []SessionKey
			for _, id := range tree.SubjectIDs() {
				keys = append(keys, SessionKey{SubjectID: id})
			}
			return [][]SessionKey{keys}, joinList, nil
		case domain.PerVisit:
			var keys []SessionKey
			for _, id := range tree.VisitIDs() {
				keys = append(keys, SessionKey{VisitID: id})
			}
			return [][]SessionKey{keys}, joinList, nil
		default:
			// Two join levels: sessions grouped under subjects.
			var groups [][]SessionKey
			for _, id := range tree.SubjectIDs() {
				sub, _ := tree.Subject(id)
				groups = append(groups, sessionKeys(sub.Sessions))
			}
			return groups, joinNested, nil
		}
	}
	return nil, 0, domain.Usagef("invalid node frequency %q", string(nodeFreq))
}

// joinValues evaluates fn over the node's index keys and assembles the
// result in the join's shape.
func joinValues(tree domain.Tree, col domain.Collection, nodeFreq domain.Frequency, node SessionKey, fn func(domain.Item) (any, error)) (any, error) {
	groups, shape, err := joinIndex(tree, col.Frequency(), nodeFreq, node)
	if err != nil {
		return nil, err
	}
	eval := func(keys []SessionKey) ([]any, error) {
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			it, err := col.Item(k.SubjectID, k.VisitID)
			if err != nil {
				return nil, err
			}
			v, err := fn(it)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	switch shape {
	case joinScalar:
		vals, err := eval(groups[0])
		if err != nil {
			return nil, err
		}
		return vals[0], nil
	case joinList:
		vals, err := eval(groups[0])
		if err != nil {
			return nil, err
		}
		return vals, nil
	default:
		nested := make([]any, 0, len(groups))
		for _, keys := range groups {
			vals, err := eval(keys)
			if err != nil {
				return nil, err
			}
			nested = append(nested, vals)
		}
		return nested, nil
	}
}

// inputChecksums computes the provenance checksum value of one input
// collection at a node in the join's shape.
func (pr *Processor) inputChecksums(tree domain.Tree, col domain.Collection, nodeFreq domain.Frequency, subjectID, visitID string) (any, error) {
	return joinValues(tree, col, nodeFreq, SessionKey{subjectID, visitID}, func(it domain.Item) (any, error) {
		return it.ContentChecksum(), nil
	})
}

func intersect(a, b map[SessionKey]bool) map[SessionKey]bool {
	out := map[SessionKey]bool{}
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func nodeLabelFor(subjectID, visitID string) string {
	switch {
	case subjectID != "" && visitID != "":
		return subjectID + "/" + visitID
	case subjectID != "":
		return subjectID
	case visitID != "":
		return visitID
	default:
		return "study"
	}
}

// execute composes source/sink boundary steps around the pipeline's
// internal workflow for every node requiring processing and hands each
// composed graph to the engine.
func (pr *Processor) execute(ctx context.Context, p *Pipeline, plan Plan) error {
	tree, err := pr.study.Tree(ctx)
	if err != nil {
		return err
	}
	inPlan := make(map[SessionKey]bool, len(plan.Sessions))
	for _, k := range plan.Sessions {
		inPlan[k] = true
	}
	for freq := range p.OutputsByFrequency() {
		nodes := pr.execNodes(tree, freq, inPlan)
		for _, node := range nodes {
			skip, err := pr.runNode(ctx, p, tree, freq, node)
			if err != nil {
				return err
			}
			if skip {
				pr.logger.Infof("skipping node %s for pipeline %q: required input marked missing",
					nodeLabelFor(node.SubjectID, node.VisitID), p.Name())
			}
		}
	}
	return nil
}

// execNodes lifts the planned sessions to the nodes of one output
// frequency.
func (pr *Processor) execNodes(tree domain.Tree, freq domain.Frequency, inPlan map[SessionKey]bool) []SessionKey {
	seen := map[SessionKey]bool{}
	var nodes []SessionKey
	add := func(k SessionKey) {
		if !seen[k] {
			seen[k] = true
			nodes = append(nodes, k)
		}
	}
	for _, sess := range tree.Sessions() {
		key := SessionKey{sess.SubjectID, sess.VisitID}
		if !inPlan[key] {
			continue
		}
		switch freq {
		case domain.PerSession:
			add(key)
		case domain.PerSubject:
			add(SessionKey{SubjectID: sess.SubjectID})
		case domain.PerVisit:
			add(SessionKey{VisitID: sess.VisitID})
		case domain.PerStudy:
			add(SessionKey{})
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].SubjectID != nodes[j].SubjectID {
			return nodes[i].SubjectID < nodes[j].SubjectID
		}
		return nodes[i].VisitID < nodes[j].VisitID
	})
	return nodes
}

// runNode executes the pipeline at one node. Returns skip=true when a
// required input is a known-missing placeholder at the node.
func (pr *Processor) runNode(ctx context.Context, p *Pipeline, tree domain.Tree, freq domain.Frequency, node SessionKey) (bool, error) {
	sourceValues := map[string]any{}
	for _, inName := range p.Inputs() {
		col, err := pr.study.Bind(ctx, inName)
		if err != nil {
			return false, err
		}
		value, present, err := pr.loadInput(ctx, tree, col, freq, node)
		if err != nil {
			return false, err
		}
		if !present {
			return true, nil
		}
		sourceValues[inName] = value
	}
	expected, err := pr.expectedRecord(ctx, p, tree, freq, node.SubjectID, node.VisitID)
	if err != nil {
		return false, err
	}
	graph, err := pr.composeGraph(ctx, p, freq, node, sourceValues, expected)
	if err != nil {
		return false, err
	}
	if err := pr.engine.Run(ctx, graph); err != nil {
		if errors.Is(err, domain.ErrSubmissionDeferred) {
			return false, err
		}
		return false, &domain.Error{
			Kind:    domain.KindExecution,
			Name:    p.Name(),
			Message: fmt.Sprintf("at node %s", nodeLabelFor(node.SubjectID, node.VisitID)),
			Wrapped: err,
		}
	}
	return false, nil
}

// errInputMissing signals a placeholder input encountered while loading,
// meaning the node must be skipped rather than failed.
var errInputMissing = errors.New("input item marked missing")

// loadInput materializes one input's port value at a node: fileset
// content bytes or a field value, assembled in the join's shape.
// present=false means a placeholder input was encountered and the node
// must be skipped.
func (pr *Processor) loadInput(ctx context.Context, tree domain.Tree, col domain.Collection, nodeFreq domain.Frequency, node SessionKey) (any, bool, error) {
	value, err := joinValues(tree, col, nodeFreq, node, func(it domain.Item) (any, error) {
		if !it.Exists {
			return nil, errInputMissing
		}
		return pr.loadItem(ctx, it)
	})
	if errors.Is(err, errInputMissing) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (pr *Processor) loadItem(ctx context.Context, it domain.Item) (any, error) {
	repo := pr.study.Repository()
	if it.Kind == domain.KindField {
		resolved, err := repo.GetField(ctx, it)
		if err != nil {
			return nil, err
		}
		return resolved.Value, nil
	}
	resolved, err := repo.GetFileset(ctx, it)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(resolved.Path)
	if err != nil {
		return nil, fmt.Errorf("read fileset %q: %w", it.Name, err)
	}
	return content, nil
}

// composeGraph wires a source step feeding the pipeline's inputs, the
// internal steps, and a sink step persisting outputs plus the node's
// provenance record.
func (pr *Processor) composeGraph(ctx context.Context, p *Pipeline, freq domain.Frequency, node SessionKey, sourceValues map[string]any, record *domain.Record) (repoapi.Graph, error) {
	graph := repoapi.Graph{Name: p.Name() + "@" + nodeLabelFor(node.SubjectID, node.VisitID)}
	graph.Nodes = append(graph.Nodes, repoapi.Node{
		Name: "source",
		Op: repoapi.OpFunc(func(context.Context, map[string]any) (map[string]any, error) {
			return sourceValues, nil
		}),
	})
	for _, name := range p.stepOrder {
		graph.Nodes = append(graph.Nodes, repoapi.Node{Name: name, Op: p.ops[name]})
	}
	for _, inName := range p.Inputs() {
		for _, ref := range p.inputConns[inName] {
			graph.Edges = append(graph.Edges, repoapi.Edge{
				From: "source", FromPort: inName, To: ref.step, ToPort: ref.port,
			})
		}
	}
	for _, e := range p.edges {
		graph.Edges = append(graph.Edges, repoapi.Edge{From: e.From, FromPort: e.FromPort, To: e.To, ToPort: e.ToPort})
	}
	outNames := p.Outputs()
	graph.Nodes = append(graph.Nodes, repoapi.Node{
		Name: "sink",
		Op:   pr.sinkOp(p, freq, node, record),
	})
	for _, outName := range outNames {
		ref := p.outputs[outName]
		graph.Edges = append(graph.Edges, repoapi.Edge{
			From: ref.step, FromPort: ref.port, To: "sink", ToPort: outName,
		})
	}
	return graph, nil
}

// sinkOp persists the pipeline's outputs at the node and writes the
// completed provenance record alongside them. Only outputs of the node's
// frequency are written here; other frequency classes run in their own
// node groups.
func (pr *Processor) sinkOp(p *Pipeline, freq domain.Frequency, node SessionKey, record *domain.Record) repoapi.Op {
	return repoapi.OpFunc(func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		repo := pr.study.Repository()
		outSums := map[string]any{}
		for _, outName := range p.Outputs() {
			spec, err := pr.study.Spec(outName)
			if err != nil {
				return nil, err
			}
			if spec.Frequency != freq {
				continue
			}
			value, ok := inputs[outName]
			if !ok {
				return nil, domain.NewError(domain.KindExecution, p.Name(),
					"no value arrived at sink port %q", outName)
			}
			item := domain.Item{
				Name:      outName,
				Kind:      spec.Kind,
				Frequency: spec.Frequency,
				SubjectID: node.SubjectID,
				VisitID:   node.VisitID,
				FromStudy: pr.study.Name(),
				Format:    spec.Format,
				DType:     spec.DType,
				Array:     spec.Array,
				Exists:    true,
			}
			var stored domain.Item
			if spec.Kind == domain.KindFileset {
				content, ok := value.([]byte)
				if !ok {
					return nil, domain.NewError(domain.KindExecution, p.Name(),
						"sink port %q expected fileset content bytes, got %T", outName, value)
				}
				stored, err = repo.PutFileset(ctx, item, content)
			} else {
				item.Value = value
				stored, err = repo.PutField(ctx, item)
			}
			if err != nil {
				return nil, err
			}
			outSums[outName] = stored.ContentChecksum()
		}
		rec := record.Clone()
		rec.AttachOutputs(outSums)
		key := repoapi.RecordKey{
			PipelineName: p.Name(),
			Frequency:    freq,
			SubjectID:    node.SubjectID,
			VisitID:      node.VisitID,
			FromStudy:    pr.study.Name(),
		}
		return nil, repo.PutRecord(ctx, key, rec)
	})
}
