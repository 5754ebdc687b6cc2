package orchestrator

import (
	"context"
	"sort"

	"github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/core/manifest"
	"github.com/artpar/dockyard/internal/shell/docker"
)

// Recover rebuilds the instance registry from the project's labelled
// containers. It runs once per orchestrator; later calls are no-ops.
//
// Containers of services that are not in the manifest, and extra
// containers of a service, are kept as orphans for Down to remove.
func (o *Orchestrator) Recover(ctx context.Context, m *manifest.Manifest) error {
	o.mu.Lock()
	done := o.recovered
	o.mu.Unlock()
	if done {
		return nil
	}

	containers, err := o.client.ListContainers(ctx, docker.ListOptions{
		All:     true,
		Filters: map[string]string{"label": lifecycle.LabelProject + "=" + o.config.Project},
	})
	if err != nil {
		return NewServiceError(o.config.Project, "recover", "list containers: "+err.Error(), err)
	}

	// Running containers first so a duplicate stopped one becomes the orphan.
	sort.SliceStable(containers, func(i, j int) bool {
		if containers[i].Running() != containers[j].Running() {
			return containers[i].Running()
		}
		return containers[i].Name < containers[j].Name
	})

	var orphans []docker.ContainerInfo
	recovered := make(map[string]Instance)
	for _, c := range containers {
		name := c.Labels[lifecycle.LabelService]
		if name == "" {
			continue
		}
		svc, ok := m.Services[name]
		if _, seen := recovered[name]; !ok || seen {
			orphans = append(orphans, c)
			continue
		}
		recovered[name] = o.recoverInstance(ctx, m, svc, c)
	}

	o.mu.Lock()
	if !o.recovered {
		for name, inst := range recovered {
			stored := inst
			o.instances[name] = &stored
		}
		o.orphans = orphans
		o.recovered = true
	}
	o.mu.Unlock()

	if len(recovered) > 0 || len(orphans) > 0 {
		o.logger.Info("instances recovered", "instances", len(recovered), "orphans", len(orphans))
	}
	return nil
}

func (o *Orchestrator) recoverInstance(ctx context.Context, m *manifest.Manifest, svc manifest.ServiceSpec, c docker.ContainerInfo) Instance {
	inst := Instance{
		Service:     svc.Name,
		ContainerID: c.ID,
		State:       lifecycle.StateStopped,
		ImageID:     c.ImageID,
	}
	if inst.ImageID == "" {
		inst.ImageID = c.Image
	}

	joined := make(map[string]bool, len(c.Networks))
	for _, n := range c.Networks {
		joined[n] = true
	}
	for _, name := range svc.Networks {
		h, found, err := o.networks.Resolve(ctx, m.Networks[name])
		if err != nil {
			o.logger.Warn("network not resolved", "service", svc.Name, "network", name, "error", err)
			continue
		}
		if !found || !joined[h.RuntimeName] {
			continue
		}
		if err := o.networks.Attach(lifecycle.ContainerName(o.config.Project, svc.Name), h); err == nil {
			inst.Networks = append(inst.Networks, name)
		}
	}

	if c.Running() {
		inst.State = lifecycle.StateRunning
		for _, p := range svc.Ports {
			inst.Ports = append(inst.Ports, o.publisher.Adopt(svc.Name, p))
		}
	}

	return inst
}
