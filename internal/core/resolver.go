package core

import (
	"sort"
	"strings"

	"studycore/pkg/domain"
)

// Resolver walks the pipeline graph via spec -> producing pipeline ->
// input specs and computes the ordered, deduplicated set of prerequisite
// pipelines required to satisfy a pipeline's derived inputs.
type Resolver struct {
	study *Study
}

// NewResolver constructs a resolver for the study.
func NewResolver(study *Study) *Resolver {
	return &Resolver{study: study}
}

type resolveState struct {
	visiting map[string]bool
	path     []string
	resolved map[string]*Pipeline
	order    []string
	required map[string]map[string]bool
}

// Prerequisites returns the pipelines that must run before p, in
// dependency order (a prerequisite always precedes anything requiring
// it). Cycles fail fast with a circular-dependency error carrying the
// path; a prerequisite whose declared outputs do not cover what is
// demanded of it fails with a not-produced error naming the missing
// outputs and the configuration in effect.
func (r *Resolver) Prerequisites(p *Pipeline) ([]*Pipeline, error) {
	st := &resolveState{
		visiting: map[string]bool{},
		resolved: map[string]*Pipeline{},
		required: map[string]map[string]bool{},
	}
	if err := r.walk(p, st); err != nil {
		return nil, err
	}
	if err := r.checkRequired(st); err != nil {
		return nil, err
	}
	out := make([]*Pipeline, 0, len(st.order))
	for _, name := range st.order {
		out = append(out, st.resolved[name])
	}
	return out, nil
}

func (r *Resolver) walk(p *Pipeline, st *resolveState) error {
	st.visiting[p.Name()] = true
	st.path = append(st.path, p.Name())
	defer func() {
		delete(st.visiting, p.Name())
		st.path = st.path[:len(st.path)-1]
	}()

	for _, inputName := range p.Inputs() {
		spec, err := r.study.Spec(inputName)
		if err != nil {
			return err
		}
		if !spec.Derived() {
			continue
		}
		producerName := spec.PipelineName
		if st.required[producerName] == nil {
			st.required[producerName] = map[string]bool{}
		}
		st.required[producerName][spec.Name] = true

		if st.visiting[producerName] {
			cycle := append(append([]string(nil), st.path...), producerName)
			return domain.NewError(domain.KindCircular, producerName,
				"circular pipeline dependency: %s", strings.Join(cycle, " -> "))
		}
		producer, err := r.study.Pipeline(producerName)
		if err != nil {
			return err
		}
		if prev, seen := st.resolved[producerName]; seen {
			// The same name must always resolve to an identical pipeline,
			// otherwise deduplication would silently pick one of two
			// different configurations.
			if !prev.Equal(producer) {
				return domain.NewError(domain.KindNameClash, producerName,
					"two non-identical pipeline instances share this name in the prerequisite graph")
			}
			continue
		}
		if err := r.walk(producer, st); err != nil {
			return err
		}
		st.resolved[producerName] = producer
		st.order = append(st.order, producerName)
	}
	return nil
}

// checkRequired verifies every discovered prerequisite actually outputs
// what was demanded of it. The same pipeline may produce different
// outputs under different configuration, so the error reports the
// configuration in effect.
func (r *Resolver) checkRequired(st *resolveState) error {
	for name, demanded := range st.required {
		producer, ok := st.resolved[name]
		if !ok {
			// Demanded but never walked: the producer is not registered.
			if _, err := r.study.Pipeline(name); err != nil {
				return err
			}
			continue
		}
		var missing []string
		for outName := range demanded {
			if !producer.Produces(outName) {
				missing = append(missing, outName)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return domain.NewError(domain.KindNotProduced, name,
				"pipeline does not produce required output(s) %s under current configuration (%s)",
				strings.Join(missing, ", "), producer.configString())
		}
	}
	return nil
}
