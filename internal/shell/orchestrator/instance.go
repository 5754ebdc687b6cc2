package orchestrator

import (
	"github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/ports"
)

// Instance is the runtime presence of one service.
type Instance struct {
	Service     string
	ContainerID string
	State       lifecycle.State
	ImageID     string
	Ports       []ports.BoundPort
	Networks    []string // manifest network names the container is attached to
}

// Runtime statuses reported when a container cannot be inspected.
const (
	RuntimeMissing docker.ContainerStatus = "missing"
	RuntimeUnknown docker.ContainerStatus = "unknown"
)

// ServiceStatus is one row of a status report.
type ServiceStatus struct {
	Service     string
	State       lifecycle.State
	Runtime     docker.ContainerStatus // empty without a container
	ContainerID string
	ImageID     string
	Ports       []ports.BoundPort
	Networks    []string
}

// instance returns a copy of the service's instance. Services without an
// instance report StateUndefined.
func (o *Orchestrator) instance(service string) Instance {
	o.mu.Lock()
	defer o.mu.Unlock()

	inst, ok := o.instances[service]
	if !ok {
		return Instance{Service: service, State: lifecycle.StateUndefined}
	}
	return *inst
}

// setInstance stores inst, moving it through the state machine. Invalid
// transitions are logged and counted but never block the update.
func (o *Orchestrator) setInstance(inst Instance) {
	o.mu.Lock()
	defer o.mu.Unlock()

	from := lifecycle.StateUndefined
	if prev, ok := o.instances[inst.Service]; ok {
		from = prev.State
	}
	o.record(inst.Service, from, inst.State)

	if inst.State == lifecycle.StateRemoved {
		delete(o.instances, inst.Service)
		return
	}
	stored := inst
	o.instances[inst.Service] = &stored
}

// adopt stores an instance found in the runtime without recording a
// transition.
func (o *Orchestrator) adopt(inst Instance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stored := inst
	o.instances[inst.Service] = &stored
}

func (o *Orchestrator) record(service string, from, to lifecycle.State) {
	if from == to && to != lifecycle.StateBuilt {
		return
	}
	if err := lifecycle.ValidateTransition(from, to); err != nil {
		o.logger.Warn("unexpected state transition", "service", service, "from", from, "to", to)
	}
	o.metrics.transition(from, to)
	o.logger.Debug("state transition", "service", service, "from", from, "to", to)
}
