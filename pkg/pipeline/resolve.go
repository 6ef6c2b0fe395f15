package pipeline

import (
	"sort"

	"github.com/cuemby/scanorc/internal/apperrors"
	"github.com/cuemby/scanorc/pkg/types"
)

// dependencySource is the narrow registry surface dependency resolution
// needs: declared dependencies for a known module name.
type dependencySource interface {
	Dependencies(name types.ModuleName) ([]types.ModuleName, error)
}

// plan is the resolved launch plan for one asset pipeline: the requested
// module set closed over its dependencies, the single producer, and the
// edges a consumer reads its input from.
type plan struct {
	modules  []types.ModuleName // closure, deterministic order, producer first
	producer types.ModuleName
	// dependents maps a module to the modules in the closure that directly
	// depend on it -- i.e. the set it must open an output stream for.
	dependents map[types.ModuleName][]types.ModuleName
	// dependsOn maps a module to its direct dependencies within the closure.
	dependsOn map[types.ModuleName][]types.ModuleName
}

// resolve computes the transitive dependency closure of the requested
// module set, validates it forms a DAG with exactly one source node, and
// returns the launch plan. A multi-source closure is AmbiguousProducer; a
// cycle (already excluded by the registry's load-time validation, checked
// again here for the per-request subset) is a dependency-cycle error.
func resolve(requested []types.ModuleName, reg dependencySource) (*plan, error) {
	closure, err := transitiveClosure(requested, reg)
	if err != nil {
		return nil, err
	}

	dependsOn := make(map[types.ModuleName][]types.ModuleName, len(closure))
	dependents := make(map[types.ModuleName][]types.ModuleName, len(closure))
	inClosure := func(m types.ModuleName) bool { _, ok := closure[m]; return ok }

	for m := range closure {
		deps, err := reg.Dependencies(m)
		if err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrConfiguration, "resolve %q: %v", m, err)
		}
		for _, d := range deps {
			if !inClosure(d) {
				continue
			}
			dependsOn[m] = append(dependsOn[m], d)
			dependents[d] = append(dependents[d], m)
		}
	}

	var sources []types.ModuleName
	for m := range closure {
		if len(dependsOn[m]) == 0 {
			sources = append(sources, m)
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	if len(sources) == 0 {
		return nil, apperrors.Wrapf(apperrors.ErrConfiguration, "dependency closure has no source module")
	}
	if len(sources) > 1 {
		return nil, apperrors.Wrapf(apperrors.ErrAmbiguousProducer, "candidates: %v", sources)
	}

	modules := make([]types.ModuleName, 0, len(closure))
	modules = append(modules, sources[0])
	for m := range closure {
		if m != sources[0] {
			modules = append(modules, m)
		}
	}
	sort.Slice(modules[1:], func(i, j int) bool { return modules[1+i] < modules[1+j] })

	for m := range dependsOn {
		sort.Slice(dependsOn[m], func(i, j int) bool { return dependsOn[m][i] < dependsOn[m][j] })
	}
	for m := range dependents {
		sort.Slice(dependents[m], func(i, j int) bool { return dependents[m][i] < dependents[m][j] })
	}

	return &plan{
		modules:    modules,
		producer:   sources[0],
		dependents: dependents,
		dependsOn:  dependsOn,
	}, nil
}

// transitiveClosure walks requested's declared dependencies to fixpoint,
// auto-including any dependency not already requested, with a
// visited-color cycle guard so a bad registry state fails the request
// instead of looping forever.
func transitiveClosure(requested []types.ModuleName, reg dependencySource) (map[types.ModuleName]struct{}, error) {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[types.ModuleName]int)
	closure := make(map[types.ModuleName]struct{})

	var visit func(types.ModuleName) error
	visit = func(m types.ModuleName) error {
		switch color[m] {
		case black:
			return nil
		case grey:
			return apperrors.Wrapf(apperrors.ErrDependencyCycle, "module %q", m)
		}
		color[m] = grey
		deps, err := reg.Dependencies(m)
		if err != nil {
			return apperrors.Wrapf(apperrors.ErrUnknownModule, "%q", m)
		}
		for _, d := range deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		color[m] = black
		closure[m] = struct{}{}
		return nil
	}

	for _, m := range requested {
		if err := visit(m); err != nil {
			return nil, err
		}
	}
	if len(closure) == 0 {
		return nil, apperrors.Wrapf(apperrors.ErrEmptyModuleSet, "no modules resolved")
	}
	return closure, nil
}
