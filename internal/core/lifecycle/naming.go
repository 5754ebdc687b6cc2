package lifecycle

import (
	"fmt"
	"regexp"
	"strings"
)

// =============================================================================
// Resource Naming Functions
// =============================================================================

var projectNameInvalid = regexp.MustCompile(`[^a-z0-9_-]+`)

// NormalizeProjectName lowercases a project name and strips characters the
// runtime rejects in resource names.
//
// Example:
//
//	NormalizeProjectName("My Shop") // returns "myshop"
func NormalizeProjectName(name string) string {
	normalized := projectNameInvalid.ReplaceAllString(strings.ToLower(name), "")
	if normalized == "" {
		return "default"
	}
	return normalized
}

// NetworkName generates the runtime network name for a manifest network.
// Pattern: {project}_{network}
//
// Example:
//
//	NetworkName("shop", "microservices") // returns "shop_microservices"
func NetworkName(project, network string) string {
	return fmt.Sprintf("%s_%s", project, network)
}

// ContainerName generates a container name for a service in a project.
// Pattern: {project}_{service}
//
// Example:
//
//	ContainerName("shop", "product-service") // returns "shop_product-service"
func ContainerName(project, service string) string {
	return fmt.Sprintf("%s_%s", project, service)
}

// ImageTag generates the tag a built service image is stored under.
// Pattern: {project}-{service}:latest, lowercased since image repositories
// must be lowercase.
//
// Example:
//
//	ImageTag("shop", "ProductService") // returns "shop-productservice:latest"
func ImageTag(project, service string) string {
	repo := strings.Trim(strings.ToLower(fmt.Sprintf("%s-%s", project, service)), "._-")
	return repo + ":latest"
}

// =============================================================================
// Labels
// =============================================================================

// Label keys used to identify managed containers and networks.
const (
	LabelManaged = "com.dockyard.managed"
	LabelProject = "com.dockyard.project"
	LabelService = "com.dockyard.service"
	LabelNetwork = "com.dockyard.network"
)

// ServiceLabels returns the labels attached to a service's container.
func ServiceLabels(project, service string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelProject: project,
		LabelService: service,
	}
}

// NetworkLabels returns the labels attached to a created network.
func NetworkLabels(project, network string, extra map[string]string) map[string]string {
	labels := make(map[string]string, len(extra)+3)
	for k, v := range extra {
		labels[k] = v
	}
	labels[LabelManaged] = "true"
	labels[LabelProject] = project
	labels[LabelNetwork] = network
	return labels
}
