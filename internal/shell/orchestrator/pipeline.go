package orchestrator

import (
	"context"
	"errors"

	"github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/core/manifest"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/network"
	"github.com/artpar/dockyard/internal/shell/ports"
)

// =============================================================================
// Service Pipelines
// =============================================================================

// up brings one service to Running.
func (o *Orchestrator) up(ctx context.Context, m *manifest.Manifest, svc manifest.ServiceSpec, force bool) lifecycle.Outcome {
	inst := o.instance(svc.Name)
	force = force && !svc.Prebuilt()

	if force && (inst.State == lifecycle.StateRunning || inst.State == lifecycle.StateStopped) {
		return o.replace(ctx, m, svc, inst)
	}

	path := lifecycle.DetermineUpPath(inst.State)
	switch {
	case path.AlreadyRunning:
		return lifecycle.Outcome{
			Service: svc.Name,
			Kind:    lifecycle.OutcomeAlreadyRunning,
			State:   lifecycle.StateRunning,
			ImageID: inst.ImageID,
		}

	case path.NeedsBuild:
		imageID, kind, err := o.buildImage(ctx, svc, force)
		if err != nil {
			return failed(svc.Name, lifecycle.StateUndefined, err)
		}
		inst = Instance{Service: svc.Name, State: lifecycle.StateBuilt, ImageID: imageID}
		o.setInstance(inst)
		return o.run(ctx, m, svc, inst, kind)

	case inst.State == lifecycle.StateStopped:
		return o.resume(ctx, svc, inst, "")

	default:
		buildKind := lifecycle.OutcomeKind("")
		if force {
			imageID, kind, err := o.buildImage(ctx, svc, true)
			if err != nil {
				return failed(svc.Name, inst.State, err)
			}
			inst.ImageID = imageID
			buildKind = kind
			o.setInstance(inst)
		}
		return o.run(ctx, m, svc, inst, buildKind)
	}
}

// rebuild forces a new image for one service. Existing containers keep
// running their old image until the next up --build.
func (o *Orchestrator) rebuild(ctx context.Context, svc manifest.ServiceSpec) lifecycle.Outcome {
	inst := o.instance(svc.Name)

	imageID, kind, err := o.buildImage(ctx, svc, true)
	if err != nil {
		return failed(svc.Name, inst.State, err)
	}

	switch inst.State {
	case lifecycle.StateUndefined, lifecycle.StateRemoved, lifecycle.StateBuilt:
		inst = Instance{Service: svc.Name, State: lifecycle.StateBuilt, ImageID: imageID}
		o.setInstance(inst)
	}

	return lifecycle.Outcome{Service: svc.Name, Kind: kind, State: inst.State, ImageID: imageID}
}

// replace rebuilds a service that already has a container. The container is
// recreated only when the build produced a different image.
func (o *Orchestrator) replace(ctx context.Context, m *manifest.Manifest, svc manifest.ServiceSpec, inst Instance) lifecycle.Outcome {
	imageID, kind, err := o.buildImage(ctx, svc, true)
	if err != nil {
		return failed(svc.Name, inst.State, err)
	}

	if imageID == inst.ImageID {
		if inst.State == lifecycle.StateStopped {
			return o.resume(ctx, svc, inst, kind)
		}
		return lifecycle.Outcome{
			Service: svc.Name,
			Kind:    lifecycle.OutcomeAlreadyRunning,
			Build:   kind,
			State:   lifecycle.StateRunning,
			ImageID: imageID,
		}
	}

	o.logger.Info("recreating service", "service", svc.Name, "old_image", inst.ImageID, "new_image", imageID)
	if out := o.down(ctx, svc); out.Failed() {
		out.Build = kind
		return out
	}

	fresh := Instance{Service: svc.Name, State: lifecycle.StateBuilt, ImageID: imageID}
	o.setInstance(fresh)
	return o.run(ctx, m, svc, fresh, kind)
}

// buildImage plans and executes the build for one service.
func (o *Orchestrator) buildImage(ctx context.Context, svc manifest.ServiceSpec, force bool) (string, lifecycle.OutcomeKind, error) {
	if err := ctx.Err(); err != nil {
		return "", "", cancelledError(svc.Name, "build", err)
	}

	decision, err := o.planner.Plan(ctx, svc, force)
	if err != nil {
		return "", "", err
	}
	o.metrics.decision(decision)

	imageID, err := o.planner.Execute(ctx, svc, decision)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", cancelledError(svc.Name, "build", errors.Join(ctx.Err(), err))
		}
		return "", "", err
	}

	if decision.Reuse() {
		return imageID, lifecycle.OutcomeReusedBuild, nil
	}
	return imageID, lifecycle.OutcomeRebuilt, nil
}

// run creates and starts a container for a Built instance. Every step taken
// is undone when a later step fails, leaving the service Built.
func (o *Orchestrator) run(ctx context.Context, m *manifest.Manifest, svc manifest.ServiceSpec, inst Instance, buildKind lifecycle.OutcomeKind) lifecycle.Outcome {
	logger := o.logger.With("service", svc.Name)
	fail := func(err error) lifecycle.Outcome {
		out := failed(svc.Name, lifecycle.StateBuilt, err)
		out.Build = buildKind
		out.ImageID = inst.ImageID
		return out
	}

	if err := ctx.Err(); err != nil {
		return fail(cancelledError(svc.Name, "run", err))
	}

	// Network attachments are keyed by container name so they can be
	// recorded before the container exists.
	identity := lifecycle.ContainerName(o.config.Project, svc.Name)

	handles := make([]network.Handle, 0, len(svc.Networks))
	for _, name := range svc.Networks {
		h, err := o.networks.Ensure(ctx, m.Networks[name])
		if err == nil {
			err = o.networks.Attach(identity, h)
		}
		if err != nil {
			o.rollback(ctx, svc.Name, "", nil)
			return fail(err)
		}
		handles = append(handles, h)
	}

	bound, err := o.publisher.BindAll(svc.Name, svc.Ports)
	if err != nil {
		o.rollback(ctx, svc.Name, "", nil)
		return fail(err)
	}

	if err := ctx.Err(); err != nil {
		o.rollback(ctx, svc.Name, "", bound)
		return fail(cancelledError(svc.Name, "run", err))
	}

	spec := docker.ContainerSpec{
		Name:   identity,
		Image:  inst.ImageID,
		Labels: lifecycle.ServiceLabels(o.config.Project, svc.Name),
		Ports:  containerPorts(svc.Ports),
	}
	// Daemons below API 1.44 accept a single endpoint at create. The other
	// networks are connected before start.
	if len(handles) > 0 {
		first := handles[0].RuntimeName
		spec.Networks = []string{first}
		spec.NetworkAliases = map[string][]string{first: {svc.Name}}
	}

	containerID, err := o.client.CreateContainer(ctx, spec)
	if err != nil {
		o.rollback(ctx, svc.Name, "", bound)
		return fail(runtimeError(svc.Name, "create", err))
	}

	for i := 1; i < len(handles); i++ {
		h := handles[i]
		if err := o.client.ConnectNetwork(ctx, h.RuntimeName, containerID, []string{svc.Name}); err != nil {
			o.rollback(ctx, svc.Name, containerID, bound)
			return fail(network.NewNetworkError("connect", h.Name, err.Error(), errors.Join(network.ErrConnectFailed, err)))
		}
	}

	if err := o.client.StartContainer(ctx, containerID); err != nil {
		o.rollback(ctx, svc.Name, containerID, bound)
		if ctx.Err() != nil {
			return fail(cancelledError(svc.Name, "start", errors.Join(ctx.Err(), err)))
		}
		return fail(runtimeError(svc.Name, "start", err))
	}

	inst.ContainerID = containerID
	inst.State = lifecycle.StateRunning
	inst.Ports = bound
	inst.Networks = append([]string(nil), svc.Networks...)
	o.setInstance(inst)

	logger.Info("service started", "container_id", containerID, "image", inst.ImageID)
	return lifecycle.Outcome{
		Service: svc.Name,
		Kind:    lifecycle.OutcomeStarted,
		Build:   buildKind,
		State:   lifecycle.StateRunning,
		ImageID: inst.ImageID,
	}
}

// resume restarts a Stopped instance. On failure the service stays Stopped
// with no ports held.
func (o *Orchestrator) resume(ctx context.Context, svc manifest.ServiceSpec, inst Instance, buildKind lifecycle.OutcomeKind) lifecycle.Outcome {
	fail := func(err error) lifecycle.Outcome {
		out := failed(svc.Name, lifecycle.StateStopped, err)
		out.Build = buildKind
		out.ImageID = inst.ImageID
		return out
	}

	if err := ctx.Err(); err != nil {
		return fail(cancelledError(svc.Name, "resume", err))
	}

	bound, err := o.publisher.BindAll(svc.Name, svc.Ports)
	if err != nil {
		return fail(err)
	}

	if err := o.client.StartContainer(ctx, inst.ContainerID); err != nil {
		// Attachments were kept through stop and stay with the instance.
		for _, b := range bound {
			o.publisher.Unbind(b)
		}
		if errors.Is(err, docker.ErrContainerNotFound) {
			return fail(NewServiceError(svc.Name, "resume", "container disappeared; run down then up", errors.Join(ErrNoInstance, err)))
		}
		return fail(runtimeError(svc.Name, "resume", err))
	}

	inst.State = lifecycle.StateRunning
	inst.Ports = bound
	o.setInstance(inst)

	o.logger.Info("service resumed", "service", svc.Name, "container_id", inst.ContainerID)
	return lifecycle.Outcome{
		Service: svc.Name,
		Kind:    lifecycle.OutcomeStarted,
		Build:   buildKind,
		State:   lifecycle.StateRunning,
		ImageID: inst.ImageID,
	}
}

// stop stops a Running instance and releases its host ports. Network
// attachments are kept for a later start.
func (o *Orchestrator) stop(ctx context.Context, svc manifest.ServiceSpec) lifecycle.Outcome {
	inst := o.instance(svc.Name)
	if ok, reason := lifecycle.CanStop(inst.State); !ok {
		o.logger.Debug("stop skipped", "service", svc.Name, "reason", reason)
		return lifecycle.Outcome{Service: svc.Name, Kind: lifecycle.OutcomeUnchanged, State: inst.State, ImageID: inst.ImageID}
	}

	if err := ctx.Err(); err != nil {
		return failed(svc.Name, inst.State, cancelledError(svc.Name, "stop", err))
	}

	timeout := o.config.StopTimeout
	err := o.client.StopContainer(ctx, inst.ContainerID, &timeout)
	switch {
	case err == nil, errors.Is(err, docker.ErrContainerNotRunning):
	case errors.Is(err, docker.ErrContainerNotFound):
		o.logger.Warn("container vanished; dropping instance", "service", svc.Name, "container_id", inst.ContainerID)
		o.networks.DetachAll(lifecycle.ContainerName(o.config.Project, svc.Name))
		o.publisher.Release(svc.Name)
		o.setInstance(Instance{Service: svc.Name, State: lifecycle.StateRemoved})
		return lifecycle.Outcome{Service: svc.Name, Kind: lifecycle.OutcomeRemoved, State: lifecycle.StateRemoved}
	default:
		return failed(svc.Name, inst.State, runtimeError(svc.Name, "stop", err))
	}

	o.publisher.Release(svc.Name)
	inst.State = lifecycle.StateStopped
	inst.Ports = nil
	o.setInstance(inst)

	o.logger.Info("service stopped", "service", svc.Name)
	return lifecycle.Outcome{Service: svc.Name, Kind: lifecycle.OutcomeStopped, State: lifecycle.StateStopped, ImageID: inst.ImageID}
}

// start resumes a Stopped instance or runs a Built one.
func (o *Orchestrator) start(ctx context.Context, m *manifest.Manifest, svc manifest.ServiceSpec) lifecycle.Outcome {
	inst := o.instance(svc.Name)

	ok, reason := lifecycle.CanStart(inst.State)
	switch {
	case inst.State == lifecycle.StateRunning:
		return lifecycle.Outcome{Service: svc.Name, Kind: lifecycle.OutcomeAlreadyRunning, State: inst.State, ImageID: inst.ImageID}
	case !ok:
		return failed(svc.Name, inst.State, NewServiceError(svc.Name, "start", reason, ErrNoInstance))
	case inst.State == lifecycle.StateBuilt:
		return o.run(ctx, m, svc, inst, "")
	default:
		return o.resume(ctx, svc, inst, "")
	}
}

// down removes a service's container, detaches it from its networks and
// releases its ports.
func (o *Orchestrator) down(ctx context.Context, svc manifest.ServiceSpec) lifecycle.Outcome {
	inst := o.instance(svc.Name)
	if !lifecycle.NeedsTeardown(inst.State) {
		return lifecycle.Outcome{Service: svc.Name, Kind: lifecycle.OutcomeUnchanged, State: inst.State}
	}

	if err := ctx.Err(); err != nil {
		return failed(svc.Name, inst.State, cancelledError(svc.Name, "down", err))
	}

	if inst.ContainerID != "" {
		err := o.client.RemoveContainer(ctx, inst.ContainerID, docker.RemoveOptions{Force: true})
		if err != nil && !errors.Is(err, docker.ErrContainerNotFound) {
			return failed(svc.Name, inst.State, runtimeError(svc.Name, "remove", err))
		}
	}
	o.networks.DetachAll(lifecycle.ContainerName(o.config.Project, svc.Name))
	o.publisher.Release(svc.Name)
	o.setInstance(Instance{Service: svc.Name, State: lifecycle.StateRemoved})

	o.logger.Info("service removed", "service", svc.Name, "container_id", inst.ContainerID)
	return lifecycle.Outcome{Service: svc.Name, Kind: lifecycle.OutcomeRemoved, State: lifecycle.StateRemoved, ImageID: inst.ImageID}
}

// rollback undoes a partially run pipeline. It runs even when ctx is
// cancelled.
func (o *Orchestrator) rollback(ctx context.Context, service, containerID string, bound []ports.BoundPort) {
	ctx = context.WithoutCancel(ctx)

	if containerID != "" {
		if err := o.client.RemoveContainer(ctx, containerID, docker.RemoveOptions{Force: true}); err != nil && !errors.Is(err, docker.ErrContainerNotFound) {
			o.logger.Error("rollback: container not removed", "service", service, "container_id", containerID, "error", err)
		}
	}
	o.networks.DetachAll(lifecycle.ContainerName(o.config.Project, service))
	for _, b := range bound {
		o.publisher.Unbind(b)
	}
	o.logger.Debug("rolled back", "service", service, "container_id", containerID, "ports", len(bound))
}

func containerPorts(bindings []manifest.PortBinding) []docker.PortBinding {
	if len(bindings) == 0 {
		return nil
	}
	out := make([]docker.PortBinding, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, docker.PortBinding{
			ContainerPort: b.ContainerPort,
			HostPort:      b.HostPort,
			Protocol:      b.Protocol,
			HostIP:        b.HostIP,
		})
	}
	return out
}
