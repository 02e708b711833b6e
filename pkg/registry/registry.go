package registry

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrCyclicDependency  = errors.New("cyclic service dependency")
	ErrUnknownDependency = errors.New("unknown service dependency")
)

// Registry holds the immutable deployment plan. Build it once with New
// before any service starts; ordering errors are fatal for the run.
type Registry struct {
	specs  []ServiceSpec
	byName map[string]ServiceSpec
}

func New(specs []ServiceSpec) (*Registry, error) {
	byName := make(map[string]ServiceSpec, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, errors.New("service missing name")
		}
		if _, ok := byName[spec.Name]; ok {
			return nil, errors.Errorf("duplicate service name %q", spec.Name)
		}
		if len(spec.Command) == 0 && spec.Container == nil {
			return nil, errors.Errorf("service %q has neither command nor container", spec.Name)
		}
		byName[spec.Name] = spec
	}
	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, errors.Wrapf(ErrUnknownDependency, "service %q depends on %q", spec.Name, dep)
			}
		}
	}

	r := &Registry{
		specs:  append([]ServiceSpec{}, specs...),
		byName: byName,
	}
	if _, err := r.OrderedServices(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Get(name string) (ServiceSpec, bool) {
	spec, ok := r.byName[name]
	return spec, ok
}

func (r *Registry) Len() int {
	return len(r.specs)
}

// OrderedServices returns the specs topologically sorted by DependsOn.
// Ties break on declaration order, so the plan is deterministic. Kahn's
// algorithm; anything left over after the walk sits on a cycle.
func (r *Registry) OrderedServices() ([]ServiceSpec, error) {
	indegree := make(map[string]int, len(r.specs))
	dependents := make(map[string][]string, len(r.specs))
	for _, spec := range r.specs {
		indegree[spec.Name] = len(spec.DependsOn)
		for _, dep := range spec.DependsOn {
			dependents[dep] = append(dependents[dep], spec.Name)
		}
	}

	out := make([]ServiceSpec, 0, len(r.specs))
	done := make(map[string]struct{}, len(r.specs))
	for len(out) < len(r.specs) {
		progressed := false
		for _, spec := range r.specs {
			if _, ok := done[spec.Name]; ok {
				continue
			}
			if indegree[spec.Name] != 0 {
				continue
			}
			done[spec.Name] = struct{}{}
			out = append(out, spec)
			for _, name := range dependents[spec.Name] {
				indegree[name]--
			}
			progressed = true
		}
		if !progressed {
			var stuck []string
			for _, spec := range r.specs {
				if _, ok := done[spec.Name]; !ok {
					stuck = append(stuck, spec.Name)
				}
			}
			return nil, errors.Wrapf(ErrCyclicDependency, "involving %s", strings.Join(stuck, ", "))
		}
	}
	return out, nil
}
