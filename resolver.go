package buildat

import (
	"fmt"
	"sort"
	"strings"
)

// DependencyMeta names one dependency edge and whether it is optional.
type DependencyMeta struct {
	Module   string `yaml:"module" json:"module"`
	Optional bool   `yaml:"optional" json:"optional"`
}

// ModuleMeta is the dependency-relevant subset of a module's meta.yaml /
// meta.json (spec.md §6.3). CxxFlags/LDFlags are retained for fidelity with
// the original schema even though this implementation links modules
// statically and never invokes a compiler; see SPEC_FULL.md.
type ModuleMeta struct {
	CxxFlags            []string         `yaml:"cxxflags" json:"cxxflags"`
	LDFlags             []string         `yaml:"ldflags" json:"ldflags"`
	Dependencies        []DependencyMeta `yaml:"dependencies" json:"dependencies"`
	ReverseDependencies []DependencyMeta `yaml:"reverse_dependencies" json:"reverse_dependencies"`
}

// Resolver turns a required module set plus per-module metadata into a
// load order, per spec.md §4.3.
type Resolver struct {
	logger Logger
}

// NewResolver returns a Resolver that logs decisions (missing optional
// deps, ignored reverse deps) through logger.
func NewResolver(logger Logger) *Resolver {
	if logger == nil {
		logger = NopLogger{}
	}
	return &Resolver{logger: logger}
}

// edge is a forward dependency: "from" must load after "to".
type edge struct {
	to       string
	optional bool
}

// Resolve computes a load order for required, given each named module's
// ModuleMeta. Reverse dependencies are rewritten into forward dependencies
// of their target before any promotion begins (spec.md §4.3): this
// implementation resolves the whole dependency graph in one pass rather
// than interleaving rewriting with promotion, so no reverse dependency is
// ever skipped because its target was already promised. A reverse
// dependency targeting a name outside the required set is dropped without
// a log: that name is never visited, so the rewritten edge takes no part
// in promotion and is not reported as missing.
func (r *Resolver) Resolve(required []string, metas map[string]ModuleMeta) ([]string, error) {
	// deps[name] accumulates forward edges, built up from both declared
	// Dependencies and rewritten ReverseDependencies.
	deps := make(map[string][]edge, len(required))
	for _, name := range required {
		meta := metas[name]
		for _, d := range meta.Dependencies {
			deps[name] = append(deps[name], edge{to: d.Module, optional: d.Optional})
		}
	}

	// Rewrite reverse dependencies as forward dependencies of their target,
	// in required-set iteration order, consistent with spec.md's
	// determinism requirement (same input + same iteration order -> same
	// output).
	for _, name := range required {
		meta := metas[name]
		for _, rd := range meta.ReverseDependencies {
			deps[rd.Module] = append(deps[rd.Module], edge{to: name, optional: rd.Optional})
		}
	}

	inRequired := make(map[string]bool, len(required))
	for _, name := range required {
		inRequired[name] = true
	}

	var order []string

	// visit performs a depth-first post-order walk: a module is appended
	// only after every dependency it needs in this pass has been appended.
	// This, rather than a flat breadth-wise sweep, is what makes a
	// module's own dependency list take priority over its siblings in the
	// required set — e.g. if A lists C before B (after reverse-dependency
	// rewriting), C is promoted before B even if B would otherwise have
	// been independently eligible first.
	state := make(map[string]int) // 0 unvisited, 1 visiting (cycle guard), 2 promoted
	var visit func(name string, followOptional bool) bool
	visit = func(name string, followOptional bool) bool {
		switch state[name] {
		case 2:
			return true
		case 1:
			return false // cycle: let the caller decide whether that's fatal
		}
		state[name] = 1
		ok := true
		for _, e := range deps[name] {
			if e.optional && !followOptional {
				continue
			}
			if !inRequired[e.to] {
				if e.optional {
					r.logger.Warn("resolver: missing optional dependency", "module", name, "dependency", e.to)
					continue
				}
				ok = false
				continue
			}
			if !visit(e.to, followOptional) && !e.optional {
				ok = false
			}
		}
		if ok {
			state[name] = 2
			order = append(order, name)
		} else {
			state[name] = 0
		}
		return ok
	}

	for _, name := range required {
		if state[name] != 2 {
			visit(name, true) // Pass A: optional deps count toward satisfaction
		}
	}
	for _, name := range required {
		if state[name] != 2 {
			visit(name, false) // Pass B: absorb cycles made only of optional deps
		}
	}

	if len(order) < len(required) {
		missing := r.describeMissing(required, state, deps)
		return nil, fmt.Errorf("%w: %s", ErrDependencyUnresolvable, missing)
	}

	return order, nil
}

// describeMissing builds a deterministic, human-readable description of the
// first unresolved modules and the dependency chain blocking each.
func (r *Resolver) describeMissing(required []string, state map[string]int, deps map[string][]edge) string {
	var names []string
	for _, name := range required {
		if state[name] != 2 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		var blockers []string
		for _, e := range deps[name] {
			if state[e.to] != 2 {
				tag := ""
				if e.optional {
					tag = " (optional)"
				}
				blockers = append(blockers, e.to+tag)
			}
		}
		parts = append(parts, fmt.Sprintf("%s needs [%s]", name, strings.Join(blockers, ", ")))
	}
	return strings.Join(parts, "; ")
}
