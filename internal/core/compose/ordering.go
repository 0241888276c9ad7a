package compose

import (
	"fmt"
	"sort"
)

// =============================================================================
// Service Ordering Functions
// =============================================================================

// TopologicalSort sorts services by their dependencies using Kahn's algorithm.
// Services with no dependencies come first; ties are broken by name so the
// order is stable across runs.
//
// Example:
//
//	// Services: proxy → init → api
//	services := []Service{
//	    {Name: "proxy", DependsOn: []Dependency{{Service: "api"}, {Service: "init"}}},
//	    {Name: "init", DependsOn: []Dependency{{Service: "api"}}},
//	    {Name: "api"},
//	}
//	sorted := TopologicalSort(services)
//	// Result: [api, init, proxy]
func TopologicalSort(services []Service) []Service {
	if len(services) == 0 {
		return services
	}

	serviceMap := make(map[string]Service, len(services))
	for _, svc := range services {
		serviceMap[svc.Name] = svc
	}

	inDegree := make(map[string]int, len(services))
	dependents := make(map[string][]string)
	for _, svc := range services {
		inDegree[svc.Name] += 0
		for _, dep := range svc.DependencyNames() {
			if _, ok := serviceMap[dep]; !ok {
				continue // external dependency, nothing to wait for
			}
			inDegree[svc.Name]++
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var result []Service
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		result = append(result, serviceMap[name])

		var ready []string
		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	// A cycle should be caught at parse time; append the rest as fallback.
	if len(result) < len(services) {
		placed := make(map[string]bool, len(result))
		for _, r := range result {
			placed[r.Name] = true
		}
		for _, svc := range services {
			if !placed[svc.Name] {
				result = append(result, svc)
			}
		}
	}

	return result
}

// RestartOrder returns the selected services in dependency order. Every
// selected name must exist in the stack. An empty selection means all
// services.
func RestartOrder(stack *Stack, selected []string) ([]string, error) {
	want := make(map[string]bool, len(selected))
	for _, name := range selected {
		if _, ok := stack.Service(name); !ok {
			return nil, NewParseError("services."+name, fmt.Sprintf("service %q is not defined", name), ErrUnknownService)
		}
		want[name] = true
	}

	var order []string
	for _, svc := range TopologicalSort(stack.Services) {
		if len(want) == 0 || want[svc.Name] {
			order = append(order, svc.Name)
		}
	}
	return order, nil
}
