package core

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"studycore/pkg/domain"
)

// MatchState classifies the outcome of matching a selector at one node.
type MatchState int

// Match outcomes. Fallback and skip policies branch on these explicitly
// instead of driving control flow through errors.
const (
	// MatchFound means exactly one candidate remained.
	MatchFound MatchState = iota
	// MatchMissing means no candidate matched at the node.
	MatchMissing
	// MatchAmbiguous means multiple candidates remained with no
	// disambiguator.
	MatchAmbiguous
)

// MatchResult is the outcome of matching a selector at one node.
type MatchResult struct {
	State      MatchState
	Item       domain.Item
	Candidates []domain.Item
}

// Selector resolves a spec name or pattern against the concrete items of
// a repository tree, returning exactly one item per node at the spec's
// frequency. A bound selector memoizes its collection per study and
// rebinding is a no-op.
type Selector struct {
	specName  string
	kind      domain.ItemKind
	frequency domain.Frequency

	pattern   string
	isRegex   bool
	re        *regexp.Regexp
	order     int
	fromStudy string

	skipMissing       bool
	fallbackToDefault bool

	bound map[string]domain.Collection
}

// SelectorOption customizes selector construction.
type SelectorOption func(*Selector)

// WithRegex treats the pattern as a regular expression anchored at the
// item name.
func WithRegex() SelectorOption {
	return func(sel *Selector) { sel.isRegex = true }
}

// WithOrder disambiguates multiple matches by position within the node's
// name-ordered candidates (zero-based).
func WithOrder(i int) SelectorOption {
	return func(sel *Selector) { sel.order = i }
}

// WithFromStudy matches only items derived by the named study namespace.
// By default only acquired items match.
func WithFromStudy(study string) SelectorOption {
	return func(sel *Selector) { sel.fromStudy = study }
}

// WithSkipMissing inserts an exists=false placeholder at nodes with no
// match so downstream pipelines skip those nodes. Mutually exclusive with
// WithFallbackToDefault.
func WithSkipMissing() SelectorOption {
	return func(sel *Selector) { sel.skipMissing = true }
}

// WithFallbackToDefault substitutes the spec's default item at nodes with
// no match. Mutually exclusive with WithSkipMissing.
func WithFallbackToDefault() SelectorOption {
	return func(sel *Selector) { sel.fallbackToDefault = true }
}

// NewSelector constructs a selector for the given name pattern. The spec
// name, kind and frequency are adopted when the selector is assigned to a
// study input. Declaring both fallback flags is a configuration error.
func NewSelector(pattern string, opts ...SelectorOption) (*Selector, error) {
	sel := &Selector{pattern: pattern, order: -1, bound: make(map[string]domain.Collection)}
	for _, opt := range opts {
		opt(sel)
	}
	if sel.skipMissing && sel.fallbackToDefault {
		return nil, domain.Usagef("selector %q: skip-missing and fallback-to-default are mutually exclusive", pattern)
	}
	if sel.isRegex {
		re, err := regexp.Compile("^(?:" + sel.pattern + ")$")
		if err != nil {
			return nil, domain.Usagef("selector pattern %q: %v", sel.pattern, err)
		}
		sel.re = re
	}
	return sel, nil
}

// adoptSpec inherits identity from the spec the selector is assigned to.
func (sel *Selector) adoptSpec(spec domain.Spec) error {
	sel.specName = spec.Name
	sel.kind = spec.Kind
	sel.frequency = spec.Frequency
	if sel.pattern == "" {
		sel.pattern = spec.Name
	}
	if sel.fallbackToDefault && spec.Default == nil {
		return domain.NewError(domain.KindUsage, spec.Name, "fallback-to-default requires the spec to declare a default")
	}
	return nil
}

// match applies the selection algorithm to one node's candidate items.
func (sel *Selector) match(candidates []domain.Item) MatchResult {
	var matched []domain.Item
	for _, it := range candidates {
		if it.FromStudy != sel.fromStudy {
			continue
		}
		if sel.re != nil {
			if !sel.re.MatchString(it.Name) {
				continue
			}
		} else if it.Name != sel.pattern {
			continue
		}
		matched = append(matched, it)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Less(matched[j]) })
	switch {
	case len(matched) == 0:
		return MatchResult{State: MatchMissing}
	case sel.order >= 0:
		if sel.order < len(matched) {
			return MatchResult{State: MatchFound, Item: matched[sel.order]}
		}
		return MatchResult{State: MatchMissing, Candidates: matched}
	case len(matched) == 1:
		return MatchResult{State: MatchFound, Item: matched[0]}
	default:
		return MatchResult{State: MatchAmbiguous, Candidates: matched}
	}
}

// Bind resolves the selector across every node of the spec's frequency
// and memoizes the resulting collection for the study. Binding the same
// study again returns the memoized collection unchanged.
func (sel *Selector) Bind(ctx context.Context, study *Study) (domain.Collection, error) {
	if sel.specName == "" {
		return domain.Collection{}, domain.Usagef("selector %q is not assigned to a study input", sel.pattern)
	}
	if col, ok := sel.bound[study.Name()]; ok {
		return col, nil
	}
	tree, err := study.Tree(ctx)
	if err != nil {
		return domain.Collection{}, err
	}
	spec, err := study.Spec(sel.specName)
	if err != nil {
		return domain.Collection{}, err
	}
	nodes := nodesAt(tree, sel.frequency)
	items := make([]domain.Item, 0, len(nodes))
	for _, node := range nodes {
		res := sel.match(node.items(sel.kind))
		switch res.State {
		case MatchFound:
			it := res.Item
			it.Name = sel.specName
			items = append(items, it)
		case MatchAmbiguous:
			names := make([]string, 0, len(res.Candidates))
			for _, c := range res.Candidates {
				names = append(names, c.Name)
			}
			return domain.Collection{}, domain.NewError(domain.KindAmbiguousMatch, sel.specName,
				"%d items match pattern %q at node %s with no order disambiguator: %s",
				len(res.Candidates), sel.pattern, nodeID(node), strings.Join(names, ", "))
		case MatchMissing:
			switch {
			case sel.skipMissing:
				items = append(items, study.anticipatedItem(spec, node))
			case sel.fallbackToDefault:
				def, err := spec.Default.Item(node.subjectID, node.visitID)
				if err != nil {
					return domain.Collection{}, err
				}
				items = append(items, def)
			default:
				return domain.Collection{}, domain.NewError(domain.KindMissingData, sel.specName,
					"no item matches pattern %q at node %s (available: %s)",
					sel.pattern, nodeID(node), strings.Join(availableNames(node, sel.kind), ", "))
			}
		}
	}
	col, err := domain.NewCollection(sel.specName, sel.kind, sel.frequency, items)
	if err != nil {
		return domain.Collection{}, err
	}
	sel.bound[study.Name()] = col
	return col, nil
}

// clearBinds drops the memoized collections.
func (sel *Selector) clearBinds() {
	sel.bound = make(map[string]domain.Collection)
}

func nodeID(node treeNode) string {
	switch {
	case node.subjectID != "" && node.visitID != "":
		return node.subjectID + "/" + node.visitID
	case node.subjectID != "":
		return node.subjectID
	case node.visitID != "":
		return node.visitID
	default:
		return "study"
	}
}

func availableNames(node treeNode, kind domain.ItemKind) []string {
	items := node.items(kind)
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.Name)
	}
	sort.Strings(names)
	return names
}
