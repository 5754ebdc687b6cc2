// Package orchestrator drives every service of a manifest through its
// lifecycle as one batch operation.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/dockyard/internal/core/build"
	"github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/core/manifest"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/network"
	"github.com/artpar/dockyard/internal/shell/ports"
	"github.com/artpar/dockyard/internal/shell/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Config configures the orchestrator.
type Config struct {
	// Project scopes container, network and image names.
	Project string

	// MaxConcurrent is the maximum number of service pipelines run at once.
	// Default: 4.
	MaxConcurrent int

	// StopTimeout is the grace period given to containers on stop.
	// Default: 10 seconds.
	StopTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Project:       "default",
		MaxConcurrent: 4,
		StopTimeout:   10 * time.Second,
	}
}

// BuildPlanner decides and executes service builds.
type BuildPlanner interface {
	Plan(ctx context.Context, svc manifest.ServiceSpec, force bool) (build.Decision, error)
	Execute(ctx context.Context, svc manifest.ServiceSpec, decision build.Decision) (string, error)
}

// UpOptions modifies Up.
type UpOptions struct {
	// Build forces a rebuild of every service with a build context.
	Build bool
}

// Orchestrator runs batch operations over a manifest's services.
type Orchestrator struct {
	config    Config
	client    docker.Client
	planner   BuildPlanner
	networks  *network.Manager
	publisher *ports.Publisher
	store     store.Store
	metrics   *Metrics
	logger    *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	orphans   []docker.ContainerInfo
	recovered bool
}

// New creates an orchestrator. metrics may be nil, in which case the
// collectors are registered on a private registry.
func New(
	config Config,
	client docker.Client,
	planner BuildPlanner,
	networks *network.Manager,
	publisher *ports.Publisher,
	st store.Store,
	metrics *Metrics,
	logger *slog.Logger,
) *Orchestrator {
	if config.Project == "" {
		config.Project = "default"
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.StopTimeout == 0 {
		config.StopTimeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		config:    config,
		client:    client,
		planner:   planner,
		networks:  networks,
		publisher: publisher,
		store:     st,
		metrics:   metrics,
		logger:    logger.With("component", "orchestrator", "project", config.Project),
		instances: make(map[string]*Instance),
	}
}

// =============================================================================
// Batch Operations
// =============================================================================

// Up builds (when needed) and runs every service. Services that are already
// running are left alone unless opts.Build is set.
func (o *Orchestrator) Up(ctx context.Context, m *manifest.Manifest, opts UpOptions) (lifecycle.BatchResult, error) {
	if err := o.Recover(ctx, m); err != nil {
		return lifecycle.BatchResult{}, err
	}
	return o.runBatch(ctx, lifecycle.OperationUp, m.OrderedServices(), func(ctx context.Context, svc manifest.ServiceSpec) lifecycle.Outcome {
		return o.up(ctx, m, svc, opts.Build)
	}), nil
}

// Build rebuilds every service with a build context. Running instances are
// not touched.
func (o *Orchestrator) Build(ctx context.Context, m *manifest.Manifest) (lifecycle.BatchResult, error) {
	if err := o.Recover(ctx, m); err != nil {
		return lifecycle.BatchResult{}, err
	}
	var buildable []manifest.ServiceSpec
	for _, svc := range m.OrderedServices() {
		if !svc.Prebuilt() {
			buildable = append(buildable, svc)
		}
	}
	return o.runBatch(ctx, lifecycle.OperationBuild, buildable, o.rebuild), nil
}

// Stop stops every running service. Ports are released and network
// attachments are kept.
func (o *Orchestrator) Stop(ctx context.Context, m *manifest.Manifest) (lifecycle.BatchResult, error) {
	if err := o.Recover(ctx, m); err != nil {
		return lifecycle.BatchResult{}, err
	}
	return o.runBatch(ctx, lifecycle.OperationStop, m.OrderedServices(), o.stop), nil
}

// Start resumes every stopped service.
func (o *Orchestrator) Start(ctx context.Context, m *manifest.Manifest) (lifecycle.BatchResult, error) {
	if err := o.Recover(ctx, m); err != nil {
		return lifecycle.BatchResult{}, err
	}
	return o.runBatch(ctx, lifecycle.OperationStart, m.OrderedServices(), func(ctx context.Context, svc manifest.ServiceSpec) lifecycle.Outcome {
		return o.start(ctx, m, svc)
	}), nil
}

// Down removes every instance, including containers of services no longer
// in the manifest, then removes the project's unused networks. Build
// records of manifest services are kept; those of departed services are
// pruned. The returned error reports networks that could not be removed.
func (o *Orchestrator) Down(ctx context.Context, m *manifest.Manifest) (lifecycle.BatchResult, error) {
	if err := o.Recover(ctx, m); err != nil {
		return lifecycle.BatchResult{}, err
	}

	services := m.OrderedServices()
	taken := make(map[string]bool, len(services))
	for _, svc := range services {
		taken[svc.Name] = true
	}
	for _, orphan := range o.takeOrphans() {
		name := orphan.Labels[lifecycle.LabelService]
		if taken[name] {
			name = name + "@" + shortID(orphan.ID)
		}
		taken[name] = true
		services = append(services, manifest.ServiceSpec{Name: name})
		o.adopt(Instance{
			Service:     name,
			ContainerID: orphan.ID,
			State:       lifecycle.StateStopped,
			ImageID:     orphan.ImageID,
		})
	}

	result := o.runBatch(ctx, lifecycle.OperationDown, services, o.down)

	if err := o.pruneBuildRecords(context.WithoutCancel(ctx), m); err != nil {
		o.logger.Warn("stale build records not pruned", "error", err)
	}

	var errs []error
	for _, name := range m.NetworkNames() {
		if err := o.networks.Remove(context.WithoutCancel(ctx), m.Networks[name]); err != nil {
			o.logger.Warn("network not removed", "network", name, "error", err)
			errs = append(errs, err)
		}
	}

	return result, errors.Join(errs...)
}

// Plan reports, without side effects, whether each service would reuse its
// previous build or be rebuilt. Instances are recovered first so the report
// carries each service's current state.
func (o *Orchestrator) Plan(ctx context.Context, m *manifest.Manifest, force bool) (lifecycle.BatchResult, error) {
	if err := o.Recover(ctx, m); err != nil {
		return lifecycle.BatchResult{}, err
	}
	return o.runBatch(ctx, lifecycle.OperationPlan, m.OrderedServices(), func(ctx context.Context, svc manifest.ServiceSpec) lifecycle.Outcome {
		d, err := o.planner.Plan(ctx, svc, force)
		if err != nil {
			return failed(svc.Name, o.instance(svc.Name).State, err)
		}
		kind := lifecycle.OutcomePlanRebuild
		if d.Reuse() {
			kind = lifecycle.OutcomePlanReuse
		}
		return lifecycle.Outcome{Service: svc.Name, Kind: kind, State: o.instance(svc.Name).State, ImageID: d.ImageID}
	}), nil
}

// Status reports the state of every manifest service along with what the
// runtime says about its container.
func (o *Orchestrator) Status(ctx context.Context, m *manifest.Manifest) ([]ServiceStatus, error) {
	if err := o.Recover(ctx, m); err != nil {
		return nil, err
	}

	statuses := make([]ServiceStatus, 0, len(m.Services))
	for _, name := range m.ServiceNames() {
		inst := o.instance(name)
		status := ServiceStatus{
			Service:     name,
			State:       inst.State,
			ContainerID: inst.ContainerID,
			ImageID:     inst.ImageID,
			Ports:       inst.Ports,
			Networks:    inst.Networks,
		}
		if inst.ContainerID != "" {
			status.Runtime = o.runtimeStatus(ctx, inst.ContainerID)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (o *Orchestrator) runtimeStatus(ctx context.Context, containerID string) docker.ContainerStatus {
	info, err := o.client.InspectContainer(ctx, containerID)
	switch {
	case errors.Is(err, docker.ErrContainerNotFound):
		return RuntimeMissing
	case err != nil:
		o.logger.Warn("container not inspected", "container_id", containerID, "error", err)
		return RuntimeUnknown
	default:
		return info.Status
	}
}

// Events returns the project's most recent batch events, newest first.
// limit <= 0 uses store.DefaultEventLimit.
func (o *Orchestrator) Events(ctx context.Context, limit int) ([]store.BatchEvent, error) {
	if o.store == nil {
		return nil, nil
	}
	return o.store.ListBatchEvents(ctx, o.config.Project, limit)
}

// pruneBuildRecords drops the build records of services that left the
// manifest. Records of current services are kept.
func (o *Orchestrator) pruneBuildRecords(ctx context.Context, m *manifest.Manifest) error {
	if o.store == nil {
		return nil
	}
	return o.store.WithTx(ctx, func(tx store.Store) error {
		records, err := tx.ListBuildRecords(ctx, o.config.Project)
		if err != nil {
			return err
		}
		for _, r := range records {
			if _, ok := m.Services[r.Service]; ok {
				continue
			}
			if err := tx.DeleteBuildRecord(ctx, o.config.Project, r.Service); err != nil {
				return err
			}
			o.logger.Info("build record pruned", "service", r.Service, "image", r.ImageID)
		}
		return nil
	})
}

// runBatch runs fn for every service concurrently, bounded by
// MaxConcurrent, and joins the outcomes.
func (o *Orchestrator) runBatch(
	ctx context.Context,
	op lifecycle.Operation,
	services []manifest.ServiceSpec,
	fn func(context.Context, manifest.ServiceSpec) lifecycle.Outcome,
) lifecycle.BatchResult {
	startedAt := time.Now()
	o.logger.Info("batch started", "operation", op, "services", len(services))

	sem := make(chan struct{}, o.config.MaxConcurrent)
	outcomes := make([]lifecycle.Outcome, len(services))
	var wg sync.WaitGroup

	for i := range services {
		wg.Add(1)
		go func(i int, svc manifest.ServiceSpec) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				outcomes[i] = failed(svc.Name, o.instance(svc.Name).State, cancelledError(svc.Name, "queue", ctx.Err()))
			case sem <- struct{}{}:
				defer func() { <-sem }()
				started := time.Now()
				outcomes[i] = fn(ctx, svc)
				o.metrics.observe(op, time.Since(started))
			}

			if outcomes[i].Failed() {
				o.metrics.failure(failureKind(outcomes[i].Err))
				o.logger.Error("service failed", "operation", op, "service", svc.Name, "error", outcomes[i].Err)
			}
		}(i, services[i])
	}
	wg.Wait()

	result := lifecycle.NewBatchResult(uuid.NewString(), op, outcomes, startedAt, time.Now())
	o.logger.Info("batch finished",
		"operation", op,
		"batch_id", result.ID,
		"success", result.Success,
		"failures", len(result.Failures()),
		"duration", result.FinishedAt.Sub(result.StartedAt),
	)

	if op != lifecycle.OperationPlan && o.store != nil {
		event := store.NewBatchEvent(o.config.Project, result)
		if err := o.store.CreateBatchEvent(context.WithoutCancel(ctx), event); err != nil {
			o.logger.Warn("batch event not recorded", "batch_id", result.ID, "error", err)
		}
	}

	return result
}

func (o *Orchestrator) takeOrphans() []docker.ContainerInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	orphans := o.orphans
	o.orphans = nil
	return orphans
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// failed builds a failed outcome.
func failed(service string, state lifecycle.State, err error) lifecycle.Outcome {
	if state == "" {
		state = lifecycle.StateUndefined
	}
	return lifecycle.Outcome{Service: service, Kind: lifecycle.OutcomeFailed, State: state, Err: err}
}
