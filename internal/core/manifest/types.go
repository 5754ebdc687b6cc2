package manifest

import "sort"

// =============================================================================
// Manifest - Main Output Type
// =============================================================================

// Manifest is the parsed service topology document.
// It is immutable after parsing; callers must not mutate the returned value.
type Manifest struct {
	Version  string                 `json:"version,omitempty"`
	Services map[string]ServiceSpec `json:"services"`
	Networks map[string]NetworkSpec `json:"networks,omitempty"`
}

// ServiceNames returns the service names sorted lexicographically.
func (m *Manifest) ServiceNames() []string {
	names := make([]string, 0, len(m.Services))
	for name := range m.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OrderedServices returns the services sorted by name.
func (m *Manifest) OrderedServices() []ServiceSpec {
	services := make([]ServiceSpec, 0, len(m.Services))
	for _, name := range m.ServiceNames() {
		services = append(services, m.Services[name])
	}
	return services
}

// NetworkNames returns the network names sorted lexicographically.
func (m *Manifest) NetworkNames() []string {
	names := make([]string, 0, len(m.Networks))
	for name := range m.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Service Types
// =============================================================================

// ServiceSpec represents a single declared service.
type ServiceSpec struct {
	Name     string        `json:"name"`
	Image    string        `json:"image,omitempty"`
	Build    *BuildContext `json:"build,omitempty"`
	Ports    []PortBinding `json:"ports,omitempty"`
	Networks []string      `json:"networks,omitempty"` // sorted, unique
}

// Prebuilt reports whether the service runs a ready-made image and has
// nothing to build.
func (s ServiceSpec) Prebuilt() bool {
	return s.Build == nil
}

// HostPorts returns the host ports claimed by the service.
func (s ServiceSpec) HostPorts() []int {
	ports := make([]int, 0, len(s.Ports))
	for _, p := range s.Ports {
		ports = append(ports, p.HostPort)
	}
	return ports
}

// BuildContext is the directory an image is built from.
type BuildContext struct {
	Context    string `json:"context"`
	Dockerfile string `json:"dockerfile,omitempty"` // Defaults to DefaultDockerfile
}

// DefaultDockerfile is the build recipe name used when none is given.
const DefaultDockerfile = "Dockerfile"

// PortBinding maps a host port to a container port.
type PortBinding struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"`          // tcp, udp
	HostIP        string `json:"host_ip,omitempty"` // Bind IP
}

// =============================================================================
// Network Types
// =============================================================================

// NetworkSpec represents a declared network. The name is its identity.
type NetworkSpec struct {
	Name     string            `json:"name"`
	Driver   string            `json:"driver,omitempty"`
	External bool              `json:"external"`
	Labels   map[string]string `json:"labels,omitempty"`
}
