package compose

import "sort"

// =============================================================================
// Stack - Main Output Type
// =============================================================================

// Stack is the part of a compose file the activator plans restarts from.
// It is decoupled from compose-go types.
type Stack struct {
	Services []Service `json:"services"`
}

// Service returns the named service.
func (s *Stack) Service(name string) (Service, bool) {
	for _, svc := range s.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return Service{}, false
}

// Names returns the service names in sorted order.
func (s *Stack) Names() []string {
	names := make([]string, 0, len(s.Services))
	for _, svc := range s.Services {
		names = append(names, svc.Name)
	}
	sort.Strings(names)
	return names
}

// IsOneShot reports whether some service waits for name to complete
// successfully, which makes name a run-to-completion task.
func (s *Stack) IsOneShot(name string) bool {
	for _, svc := range s.Services {
		for _, dep := range svc.DependsOn {
			if dep.Service == name && dep.Condition == ConditionCompletedSuccessfully {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// Service Types
// =============================================================================

// Dependency conditions from the compose specification.
const (
	ConditionStarted               = "service_started"
	ConditionHealthy               = "service_healthy"
	ConditionCompletedSuccessfully = "service_completed_successfully"
)

// Service represents a single service definition.
type Service struct {
	Name      string       `json:"name"`
	Image     string       `json:"image,omitempty"`
	DependsOn []Dependency `json:"depends_on,omitempty"`
	Ports     []Port       `json:"ports,omitempty"`
	Healthy   bool         `json:"healthcheck"` // declares an enabled healthcheck
}

// Dependency is one depends_on entry.
type Dependency struct {
	Service   string `json:"service"`
	Condition string `json:"condition"`
}

// DependencyNames returns the names of the services this one depends on.
func (s Service) DependencyNames() []string {
	names := make([]string, 0, len(s.DependsOn))
	for _, d := range s.DependsOn {
		names = append(names, d.Service)
	}
	return names
}

// Port represents a port mapping.
type Port struct {
	Target    uint32 `json:"target"`              // Container port
	Published uint32 `json:"published,omitempty"` // Host port (0 = dynamic)
	Protocol  string `json:"protocol,omitempty"`  // tcp, udp
	HostIP    string `json:"host_ip,omitempty"`   // Bind IP
}

// PublishedPort returns the host port bound to a container port.
func (s Service) PublishedPort(target uint32, protocol string) (uint32, bool) {
	if protocol == "" {
		protocol = "tcp"
	}
	for _, p := range s.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		if p.Target == target && proto == protocol && p.Published != 0 {
			return p.Published, true
		}
	}
	return 0, false
}
