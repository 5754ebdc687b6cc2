package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// serviceNamePattern is the identifier rule for service names.
var serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// parseProjectName is the throwaway project name handed to compose-go.
// It never reaches the runtime.
const parseProjectName = "dockyard-parse"

// =============================================================================
// Parser Functions
// =============================================================================

// ParseManifest parses a manifest document into a Manifest.
// This is a pure function - no I/O, no side effects.
//
// Every failure is a *ParseError wrapping one of ErrEmptyInput,
// ErrMalformedSyntax, ErrDanglingNetworkReference or ErrDuplicateHostPort.
// A failed parse never returns a partial manifest.
func ParseManifest(document string) (*Manifest, error) {
	if strings.TrimSpace(document) == "" {
		return nil, NewParseError("", "manifest is empty", ErrEmptyInput)
	}

	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(document), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax: "+err.Error(), ErrMalformedSyntax)
	}
	if dict == nil {
		return nil, NewParseError("", "document is not a mapping", ErrMalformedSyntax)
	}

	// Structural checks run on the raw document so that reference errors are
	// reported as such rather than as generic compose validation failures.
	if err := checkStructure(dict); err != nil {
		return nil, err
	}

	project, err := loadProject(document, dict)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Version:  versionOf(dict),
		Services: make(map[string]ServiceSpec, len(project.Services)),
		Networks: make(map[string]NetworkSpec, len(project.Networks)),
	}

	for name, net := range project.Networks {
		m.Networks[name] = convertNetwork(name, net)
	}

	for name, svc := range project.Services {
		svc.Name = name
		converted, err := convertService(svc)
		if err != nil {
			return nil, err
		}
		m.Services[name] = converted
	}

	if err := validateHostPorts(m); err != nil {
		return nil, err
	}

	return m, nil
}

// loadProject loads the document using compose-go.
func loadProject(document string, dict map[string]interface{}) (*types.Project, error) {
	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(document),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName(parseProjectName, false)
		opts.SkipValidation = false
		opts.SkipInterpolation = false
		// Paths stay relative to the manifest; the caller resolves them.
		opts.SkipNormalization = true
		opts.ResolvePaths = false
		opts.SkipExtends = true
	})
	if err != nil {
		return nil, NewParseError("", err.Error(), ErrMalformedSyntax)
	}
	if len(project.Services) == 0 {
		return nil, NewParseError("services", "manifest must define at least one service", ErrMalformedSyntax)
	}
	return project, nil
}

// checkStructure validates service names and network references on the raw document.
func checkStructure(dict map[string]interface{}) error {
	rawServices, ok := dict["services"]
	if !ok || rawServices == nil {
		return NewParseError("services", "manifest must define at least one service", ErrMalformedSyntax)
	}
	services, ok := rawServices.(map[string]interface{})
	if !ok {
		return NewParseError("services", "services must be a mapping", ErrMalformedSyntax)
	}
	if len(services) == 0 {
		return NewParseError("services", "manifest must define at least one service", ErrMalformedSyntax)
	}

	declared := make(map[string]bool)
	if rawNetworks, ok := dict["networks"]; ok && rawNetworks != nil {
		networks, ok := rawNetworks.(map[string]interface{})
		if !ok {
			return NewParseError("networks", "networks must be a mapping", ErrMalformedSyntax)
		}
		for name := range networks {
			declared[name] = true
		}
	}

	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !serviceNamePattern.MatchString(name) {
			return NewParseError("services."+name, "invalid service name", ErrMalformedSyntax)
		}

		body, ok := services[name].(map[string]interface{})
		if !ok {
			return NewParseError("services."+name, "service definition must be a mapping", ErrMalformedSyntax)
		}

		refs, err := networkRefs(name, body["networks"])
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if !declared[ref] {
				return NewParseError(
					"services."+name+".networks",
					fmt.Sprintf("network %q is not declared", ref),
					ErrDanglingNetworkReference,
				)
			}
		}
	}

	return nil
}

// networkRefs extracts network names from the list or mapping form.
func networkRefs(service string, raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		refs := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, NewParseError(
					"services."+service+".networks["+strconv.Itoa(i)+"]",
					"network reference must be a string",
					ErrMalformedSyntax,
				)
			}
			refs = append(refs, s)
		}
		return refs, nil
	case map[string]interface{}:
		refs := make([]string, 0, len(v))
		for name := range v {
			refs = append(refs, name)
		}
		sort.Strings(refs)
		return refs, nil
	default:
		return nil, NewParseError("services."+service+".networks", "networks must be a list or mapping", ErrMalformedSyntax)
	}
}

// versionOf returns the version marker, if any.
func versionOf(dict map[string]interface{}) string {
	switch v := dict["version"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// convertService converts a compose-go service to our ServiceSpec type
func convertService(svc types.ServiceConfig) (ServiceSpec, error) {
	service := ServiceSpec{
		Name:     svc.Name,
		Image:    svc.Image,
		Networks: make([]string, 0, len(svc.Networks)),
	}

	if svc.Build != nil {
		service.Build = &BuildContext{
			Context:    filepath.Clean(svc.Build.Context),
			Dockerfile: svc.Build.Dockerfile,
		}
		if service.Build.Dockerfile == "" {
			service.Build.Dockerfile = DefaultDockerfile
		}
	}

	if service.Image == "" && service.Build == nil {
		return ServiceSpec{}, NewParseError("services."+svc.Name, "service must have image or build", ErrMalformedSyntax)
	}

	for i, p := range svc.Ports {
		binding, err := convertPort(svc.Name, i, p)
		if err != nil {
			return ServiceSpec{}, err
		}
		service.Ports = append(service.Ports, binding)
	}

	for net := range svc.Networks {
		service.Networks = append(service.Networks, net)
	}
	sort.Strings(service.Networks)

	return service, nil
}

// convertPort validates and converts one compose-go port config.
func convertPort(service string, index int, p types.ServicePortConfig) (PortBinding, error) {
	field := "services." + service + ".ports[" + strconv.Itoa(index) + "]"

	if p.Target == 0 || p.Target > 65535 {
		return PortBinding{}, NewParseError(field, "container port must be between 1 and 65535", ErrMalformedSyntax)
	}
	if p.Published == "" {
		return PortBinding{}, NewParseError(field, "host port is required (use \"hostPort:containerPort\")", ErrMalformedSyntax)
	}
	published, err := strconv.ParseUint(p.Published, 10, 32)
	if err != nil || published == 0 || published > 65535 {
		return PortBinding{}, NewParseError(field, "host port must be between 1 and 65535", ErrMalformedSyntax)
	}

	proto := strings.ToLower(p.Protocol)
	if proto == "" {
		proto = "tcp"
	}

	return PortBinding{
		HostPort:      int(published),
		ContainerPort: int(p.Target),
		Protocol:      proto,
		HostIP:        p.HostIP,
	}, nil
}

// convertNetwork converts a compose-go network to our NetworkSpec type
func convertNetwork(name string, net types.NetworkConfig) NetworkSpec {
	driver := net.Driver
	if driver == "" {
		driver = "bridge"
	}
	return NetworkSpec{
		Name:     name,
		Driver:   driver,
		External: bool(net.External),
		Labels:   net.Labels,
	}
}

// validateHostPorts ensures no host port is claimed twice in the manifest.
// Services are visited in name order so the reported conflict is stable.
func validateHostPorts(m *Manifest) error {
	owners := make(map[int]string)
	for _, svc := range m.OrderedServices() {
		for i, p := range svc.Ports {
			if owner, taken := owners[p.HostPort]; taken {
				return NewParseError(
					"services."+svc.Name+".ports["+strconv.Itoa(i)+"]",
					fmt.Sprintf("host port %d is already claimed by service %q", p.HostPort, owner),
					ErrDuplicateHostPort,
				)
			}
			owners[p.HostPort] = svc.Name
		}
	}
	return nil
}
