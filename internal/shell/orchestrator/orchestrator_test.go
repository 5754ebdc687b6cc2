package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/artpar/dockyard/internal/core/build"
	"github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/core/manifest"
	shellbuild "github.com/artpar/dockyard/internal/shell/build"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/network"
	"github.com/artpar/dockyard/internal/shell/ports"
	"github.com/artpar/dockyard/internal/shell/store"
	digest "github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fake Runtime
// =============================================================================

type fakeContainer struct {
	info docker.ContainerInfo
}

type fakeRuntime struct {
	docker.Client // Embed interface for default implementations

	mu         sync.Mutex
	containers map[string]*fakeContainer // id -> container
	networks   map[string]docker.NetworkInfo
	nextID     int
	failStart  map[string]error    // container name -> error
	failJoin   map[string]error    // network name -> error
	created    map[string][]string // container name -> networks given at create
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*fakeContainer),
		networks:   make(map[string]docker.NetworkInfo),
		failStart:  make(map[string]error),
		failJoin:   make(map[string]error),
		created:    make(map[string][]string),
	}
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.info.Name == spec.Name {
			return "", docker.NewDockerError("CreateContainer", "container", spec.Name, "container already exists", docker.ErrContainerAlreadyExists)
		}
	}
	for _, n := range spec.Networks {
		if _, ok := f.networks[n]; !ok {
			return "", docker.NewDockerError("CreateContainer", "network", n, "network not found", docker.ErrNetworkNotFound)
		}
	}
	f.created[spec.Name] = append([]string(nil), spec.Networks...)
	f.nextID++
	id := fmt.Sprintf("c%02d", f.nextID)
	f.containers[id] = &fakeContainer{info: docker.ContainerInfo{
		ID:       id,
		Name:     spec.Name,
		Image:    spec.Image,
		ImageID:  spec.Image,
		Status:   docker.ContainerStatusCreated,
		Ports:    spec.Ports,
		Networks: spec.Networks,
		Labels:   spec.Labels,
	}}
	return id, nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return docker.NewDockerError("StartContainer", "container", containerID, "container not found", docker.ErrContainerNotFound)
	}
	if err := f.failStart[c.info.Name]; err != nil {
		return docker.NewDockerError("StartContainer", "container", containerID, err.Error(), err)
	}
	c.info.Status = docker.ContainerStatusRunning
	return nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return docker.NewDockerError("StopContainer", "container", containerID, "container not found", docker.ErrContainerNotFound)
	}
	c.info.Status = docker.ContainerStatusExited
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, containerID string, opts docker.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return docker.NewDockerError("RemoveContainer", "container", containerID, "container not found", docker.ErrContainerNotFound)
	}
	delete(f.containers, containerID)
	return nil
}

func (f *fakeRuntime) InspectContainer(ctx context.Context, containerID string) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return nil, docker.NewDockerError("InspectContainer", "container", containerID, "container not found", docker.ErrContainerNotFound)
	}
	info := c.info
	return &info, nil
}

func (f *fakeRuntime) ConnectNetwork(ctx context.Context, networkID, containerID string, aliases []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[networkID]; !ok {
		return docker.NewDockerError("ConnectNetwork", "network", networkID, "network not found", docker.ErrNetworkNotFound)
	}
	if err := f.failJoin[networkID]; err != nil {
		return docker.NewDockerError("ConnectNetwork", "network", networkID, err.Error(), err)
	}
	c, ok := f.containers[containerID]
	if !ok {
		return docker.NewDockerError("ConnectNetwork", "container", containerID, "container not found", docker.ErrContainerNotFound)
	}
	c.info.Networks = append(c.info.Networks, networkID)
	return nil
}

func (f *fakeRuntime) ListContainers(ctx context.Context, opts docker.ListOptions) ([]docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var key, value string
	if filter, ok := opts.Filters["label"]; ok {
		key, value, _ = strings.Cut(filter, "=")
	}

	var list []docker.ContainerInfo
	for _, c := range f.containers {
		if key != "" && c.info.Labels[key] != value {
			continue
		}
		if !opts.All && !c.info.Running() {
			continue
		}
		list = append(list, c.info)
	}
	return list, nil
}

func (f *fakeRuntime) CreateNetwork(ctx context.Context, spec docker.NetworkSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[spec.Name]; ok {
		return "", docker.NewDockerError("CreateNetwork", "network", spec.Name, "network already exists", docker.ErrNetworkAlreadyExists)
	}
	id := "net-" + spec.Name
	f.networks[spec.Name] = docker.NetworkInfo{ID: id, Name: spec.Name, Driver: spec.Driver, Labels: spec.Labels}
	return id, nil
}

func (f *fakeRuntime) InspectNetwork(ctx context.Context, name string) (*docker.NetworkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.networks[name]
	if !ok {
		return nil, docker.NewDockerError("InspectNetwork", "network", name, "network not found", docker.ErrNetworkNotFound)
	}
	return &info, nil
}

func (f *fakeRuntime) RemoveNetwork(ctx context.Context, networkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, info := range f.networks {
		if info.ID == networkID || name == networkID {
			delete(f.networks, name)
			return nil
		}
	}
	return docker.NewDockerError("RemoveNetwork", "network", networkID, "network not found", docker.ErrNetworkNotFound)
}

func (f *fakeRuntime) running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, c := range f.containers {
		if c.info.Running() {
			names = append(names, c.info.Name)
		}
	}
	return names
}

func (f *fakeRuntime) containerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *fakeRuntime) hasNetwork(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.networks[name]
	return ok
}

func (f *fakeRuntime) add(info docker.ContainerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[info.ID] = &fakeContainer{info: info}
}

// =============================================================================
// Fake Builder
// =============================================================================

type fakeBuilder struct {
	mu     sync.Mutex
	builds map[string]int // service -> number of builds
	fail   map[string]error
	hook   func(req shellbuild.Request)
}

func newFakeBuilder() *fakeBuilder {
	return &fakeBuilder{builds: make(map[string]int), fail: make(map[string]error)}
}

func (b *fakeBuilder) Build(ctx context.Context, req shellbuild.Request) (string, error) {
	if b.hook != nil {
		b.hook(req)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail[req.Service]; err != nil {
		return "", err
	}
	b.builds[req.Service]++
	return fmt.Sprintf("sha256:%s-%d", req.Service, b.builds[req.Service]), nil
}

func (b *fakeBuilder) count(service string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds[service]
}

// =============================================================================
// Test Setup
// =============================================================================

const shopManifest = `
version: "3.4"

services:
  product-service:
    build: ./products
    ports:
      - "8000:80"
    networks:
      - microservices

  review-service:
    build: ./reviews
    ports:
      - "8001:80"
    networks:
      - microservices

networks:
  microservices:
`

type harness struct {
	orch      *Orchestrator
	runtime   *fakeRuntime
	builder   *fakeBuilder
	fs        afero.Fs
	store     store.Store
	networks  *network.Manager
	publisher *ports.Publisher
	manifest  *manifest.Manifest
	probe     *probe
}

type probe struct {
	mu   sync.Mutex
	busy map[int]bool
}

func (p *probe) check(hostIP string, port int, protocol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy[port] {
		return errors.New("address already in use")
	}
	return nil
}

func (p *probe) hold(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy[port] = true
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/shop/products/Dockerfile", "FROM alpine:latest\n")
	writeFile(t, fs, "/shop/products/main.go", "package main\n")
	writeFile(t, fs, "/shop/reviews/Dockerfile", "FROM alpine:latest\n")
	writeFile(t, fs, "/shop/reviews/app.py", "print('reviews')\n")

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m, err := manifest.ParseManifest(shopManifest)
	require.NoError(t, err)

	h := &harness{
		runtime:  newFakeRuntime(),
		builder:  newFakeBuilder(),
		fs:       fs,
		store:    st,
		manifest: m,
		probe:    &probe{busy: make(map[int]bool)},
	}
	h.networks = network.NewManager(h.runtime, "shop", nil)
	h.publisher = ports.NewPublisher(nil, ports.WithProbe(h.probe.check))
	h.orch = h.newOrchestrator()
	return h
}

// newOrchestrator creates a fresh orchestrator over the same runtime and
// store, as a new process would.
func (h *harness) newOrchestrator() *Orchestrator {
	planner := shellbuild.NewPlanner(shellbuild.PlannerConfig{Project: "shop", BaseDir: "/shop"}, h.store, h.fs, h.builder, nil, nil)
	return New(Config{Project: "shop"}, h.runtime, planner, h.networks, h.publisher, h.store, nil, nil)
}

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0644))
}

func outcome(t *testing.T, r lifecycle.BatchResult, service string) lifecycle.Outcome {
	t.Helper()
	o, ok := r.Outcome(service)
	require.True(t, ok, "no outcome for %s", service)
	return o
}

// =============================================================================
// Up Tests
// =============================================================================

func TestUp_BuildsAndStartsAllServices(t *testing.T) {
	h := newHarness(t)

	result, err := h.orch.Up(context.Background(), h.manifest, UpOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, lifecycle.OperationUp, result.Operation)
	assert.NotEmpty(t, result.ID)

	for _, name := range []string{"product-service", "review-service"} {
		o := outcome(t, result, name)
		assert.Equal(t, lifecycle.OutcomeStarted, o.Kind)
		assert.Equal(t, lifecycle.OutcomeRebuilt, o.Build)
		assert.Equal(t, lifecycle.StateRunning, o.State)
		assert.Equal(t, 1, h.builder.count(name))
	}

	assert.ElementsMatch(t, []string{"shop_product-service", "shop_review-service"}, h.runtime.running())
	assert.True(t, h.runtime.hasNetwork("shop_microservices"))
	assert.Len(t, h.networks.Handles(), 1)
	assert.Len(t, h.networks.Attachments("microservices"), 2)

	product := h.publisher.Bound("product-service")
	require.Len(t, product, 1)
	assert.Equal(t, 8000, product[0].HostPort)
	review := h.publisher.Bound("review-service")
	require.Len(t, review, 1)
	assert.Equal(t, 8001, review[0].HostPort)
}

func TestUp_SecondRunIsNoOp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)

	result, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)

	for _, o := range result.Outcomes {
		assert.Equal(t, lifecycle.OutcomeAlreadyRunning, o.Kind)
		assert.Equal(t, 1, h.builder.count(o.Service))
	}
	assert.Equal(t, 2, h.runtime.containerCount())
}

func TestUp_StartFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.runtime.failStart["shop_review-service"] = errors.New("exec format error")

	result, err := h.orch.Up(context.Background(), h.manifest, UpOptions{})
	require.NoError(t, err)
	assert.False(t, result.Success)

	review := outcome(t, result, "review-service")
	assert.True(t, review.Failed())
	assert.Equal(t, lifecycle.StateBuilt, review.State)
	assert.True(t, errors.Is(review.Err, ErrRuntime))
	assert.Contains(t, review.Reason(), "exec format error")

	product := outcome(t, result, "product-service")
	assert.Equal(t, lifecycle.OutcomeStarted, product.Kind)

	assert.Empty(t, h.publisher.Bound("review-service"))
	assert.Len(t, h.networks.Attachments("microservices"), 1)
	assert.Equal(t, []string{"shop_product-service"}, h.runtime.running())
	assert.Equal(t, 1, h.runtime.containerCount())
	assert.Equal(t, lifecycle.StateBuilt, h.orch.instance("review-service").State)

	// Once the fault is gone the retry reuses the build.
	delete(h.runtime.failStart, "shop_review-service")
	retry, err := h.orch.Up(context.Background(), h.manifest, UpOptions{})
	require.NoError(t, err)
	require.True(t, retry.Success)
	assert.Equal(t, lifecycle.OutcomeStarted, outcome(t, retry, "review-service").Kind)
	assert.Equal(t, 1, h.builder.count("review-service"))
}

func TestUp_PortConflictIsolatedToService(t *testing.T) {
	h := newHarness(t)
	h.probe.hold(8001)

	result, err := h.orch.Up(context.Background(), h.manifest, UpOptions{})
	require.NoError(t, err)
	assert.False(t, result.Success)

	review := outcome(t, result, "review-service")
	assert.True(t, review.Failed())
	assert.True(t, errors.Is(review.Err, ports.ErrAlreadyInUse))
	assert.Equal(t, lifecycle.StateBuilt, review.State)
	assert.Equal(t, lifecycle.OutcomeRebuilt, review.Build)

	assert.Equal(t, lifecycle.OutcomeStarted, outcome(t, result, "product-service").Kind)
	assert.Equal(t, []string{"shop_product-service"}, h.runtime.running())
	assert.Equal(t, []string{"shop_product-service"}, h.networks.Attachments("microservices"))
	assert.Empty(t, h.publisher.Bound("review-service"))

	failures := result.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "review-service", failures[0].Service)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.orch.metrics.failures.WithLabelValues("port")))
}

func TestUp_BuildFailureLeavesServiceUndefined(t *testing.T) {
	h := newHarness(t)
	h.builder.fail["product-service"] = errors.New("COPY failed")

	result, err := h.orch.Up(context.Background(), h.manifest, UpOptions{})
	require.NoError(t, err)

	product := outcome(t, result, "product-service")
	assert.True(t, product.Failed())
	assert.Equal(t, lifecycle.StateUndefined, product.State)
	assert.Equal(t, lifecycle.OutcomeStarted, outcome(t, result, "review-service").Kind)
	assert.Empty(t, h.publisher.Bound("product-service"))
}

func TestUp_OnlyChangedServiceRebuilds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)
	_, err = h.orch.Down(ctx, h.manifest)
	require.NoError(t, err)

	writeFile(t, h.fs, "/shop/products/main.go", "package main\n\nfunc main() {}\n")

	plan, err := h.orch.Plan(ctx, h.manifest, false)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomePlanRebuild, outcome(t, plan, "product-service").Kind)
	assert.Equal(t, lifecycle.OutcomePlanReuse, outcome(t, plan, "review-service").Kind)

	result, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, lifecycle.OutcomeRebuilt, outcome(t, result, "product-service").Build)
	assert.Equal(t, lifecycle.OutcomeReusedBuild, outcome(t, result, "review-service").Build)
	assert.Equal(t, 2, h.builder.count("product-service"))
	assert.Equal(t, 1, h.builder.count("review-service"))
	assert.Equal(t, "sha256:review-service-1", outcome(t, result, "review-service").ImageID)
}

func TestUp_ForceBuildRecreatesChangedImage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)
	before := h.orch.instance("product-service").ContainerID

	result, err := h.orch.Up(ctx, h.manifest, UpOptions{Build: true})
	require.NoError(t, err)
	require.True(t, result.Success)

	product := outcome(t, result, "product-service")
	assert.Equal(t, lifecycle.OutcomeStarted, product.Kind)
	assert.Equal(t, lifecycle.OutcomeRebuilt, product.Build)
	assert.Equal(t, "sha256:product-service-2", product.ImageID)

	after := h.orch.instance("product-service")
	assert.NotEqual(t, before, after.ContainerID)
	assert.Equal(t, 2, h.runtime.containerCount())
	assert.Len(t, h.networks.Attachments("microservices"), 2)
	assert.Len(t, h.publisher.Bound("product-service"), 1)
}

const gatewayManifest = `
services:
  gateway:
    build: ./gateway
    ports:
      - "8080:80"
    networks:
      - frontend
      - backend

networks:
  frontend:
  backend:
`

func newGatewayHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	writeFile(t, h.fs, "/shop/gateway/Dockerfile", "FROM nginx:alpine\n")
	m, err := manifest.ParseManifest(gatewayManifest)
	require.NoError(t, err)
	h.manifest = m
	return h
}

func TestUp_ExtraNetworksConnectedAfterCreate(t *testing.T) {
	h := newGatewayHarness(t)
	ctx := context.Background()

	result, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, []string{"shop_backend"}, h.runtime.created["shop_gateway"])

	statuses, err := h.orch.Status(ctx, h.manifest)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	info, err := h.runtime.InspectContainer(ctx, statuses[0].ContainerID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shop_backend", "shop_frontend"}, info.Networks)
	assert.Equal(t, []string{"backend", "frontend"}, statuses[0].Networks)
}

func TestUp_NetworkConnectFailureRollsBack(t *testing.T) {
	h := newGatewayHarness(t)
	ctx := context.Background()
	h.runtime.failJoin["shop_frontend"] = errors.New("endpoint with name gateway already exists")

	result, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)
	require.False(t, result.Success)

	gateway := outcome(t, result, "gateway")
	assert.Equal(t, lifecycle.StateBuilt, gateway.State)
	assert.ErrorIs(t, gateway.Err, network.ErrConnectFailed)
	assert.Equal(t, "network", failureKind(gateway.Err))

	assert.Zero(t, h.runtime.containerCount())
	assert.Empty(t, h.publisher.Bound("gateway"))
	assert.Empty(t, h.networks.Attachments("backend"))
	assert.Empty(t, h.networks.Attachments("frontend"))
}

func TestUp_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)
	assert.False(t, result.Success)

	for _, o := range result.Outcomes {
		assert.True(t, o.Failed())
		assert.True(t, errors.Is(o.Err, ErrCancelled), "service %s: %v", o.Service, o.Err)
		assert.Equal(t, lifecycle.StateUndefined, o.State)
	}
	assert.Zero(t, h.runtime.containerCount())
	assert.Zero(t, h.builder.count("product-service"))
}

func TestUp_CancelledMidPipelineRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first build to run cancels the batch; the other service never
	// gets past its queue or build step.
	h.orch.config.MaxConcurrent = 1
	h.builder.hook = func(req shellbuild.Request) { cancel() }

	result, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)
	assert.False(t, result.Success)

	built := 0
	for _, o := range result.Outcomes {
		assert.True(t, o.Failed())
		assert.True(t, errors.Is(o.Err, ErrCancelled), "service %s: %v", o.Service, o.Err)
		if o.State == lifecycle.StateBuilt {
			built++
		}
		assert.Empty(t, h.publisher.Bound(o.Service))
	}
	assert.Equal(t, 1, built)
	assert.Equal(t, 1, h.builder.count("product-service")+h.builder.count("review-service"))
	assert.Zero(t, h.runtime.containerCount())
	assert.Empty(t, h.networks.Attachments("microservices"))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.orch.metrics.failures.WithLabelValues("cancelled")))
}

// =============================================================================
// Stop / Start Tests
// =============================================================================

func TestStopStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)

	stopped, err := h.orch.Stop(ctx, h.manifest)
	require.NoError(t, err)
	require.True(t, stopped.Success)
	for _, o := range stopped.Outcomes {
		assert.Equal(t, lifecycle.OutcomeStopped, o.Kind)
		assert.Equal(t, lifecycle.StateStopped, o.State)
		assert.Empty(t, h.publisher.Bound(o.Service))
	}
	assert.Empty(t, h.runtime.running())
	assert.Len(t, h.networks.Attachments("microservices"), 2)

	again, err := h.orch.Stop(ctx, h.manifest)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeUnchanged, outcome(t, again, "product-service").Kind)

	started, err := h.orch.Start(ctx, h.manifest)
	require.NoError(t, err)
	require.True(t, started.Success)
	for _, o := range started.Outcomes {
		assert.Equal(t, lifecycle.OutcomeStarted, o.Kind)
		assert.Len(t, h.publisher.Bound(o.Service), 1)
	}
	assert.Len(t, h.runtime.running(), 2)
	assert.Equal(t, 2, h.runtime.containerCount())
	assert.Equal(t, 1, h.builder.count("product-service"))
}

func TestStart_WithoutInstance(t *testing.T) {
	h := newHarness(t)

	result, err := h.orch.Start(context.Background(), h.manifest)
	require.NoError(t, err)
	assert.False(t, result.Success)

	o := outcome(t, result, "product-service")
	assert.True(t, errors.Is(o.Err, ErrNoInstance))
	assert.Equal(t, "product-service: start: service has no instance; run up first", o.Reason())
}

func TestStart_ResumeFailureKeepsStopped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)
	_, err = h.orch.Stop(ctx, h.manifest)
	require.NoError(t, err)

	h.probe.hold(8000)
	result, err := h.orch.Start(ctx, h.manifest)
	require.NoError(t, err)

	product := outcome(t, result, "product-service")
	assert.True(t, product.Failed())
	assert.Equal(t, lifecycle.StateStopped, product.State)
	assert.Equal(t, lifecycle.StateStopped, h.orch.instance("product-service").State)
	assert.Equal(t, lifecycle.OutcomeStarted, outcome(t, result, "review-service").Kind)
}

// =============================================================================
// Down Tests
// =============================================================================

func TestDown_RemovesEverythingButBuildRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)

	result, err := h.orch.Down(ctx, h.manifest)
	require.NoError(t, err)
	require.True(t, result.Success)

	for _, o := range result.Outcomes {
		assert.Equal(t, lifecycle.OutcomeRemoved, o.Kind)
		assert.Equal(t, lifecycle.StateRemoved, o.State)
		assert.Empty(t, h.publisher.Bound(o.Service))
	}
	assert.Zero(t, h.runtime.containerCount())
	assert.False(t, h.runtime.hasNetwork("shop_microservices"))
	assert.Empty(t, h.networks.Handles())

	records, err := h.store.ListBuildRecords(ctx, "shop")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	again, err := h.orch.Down(ctx, h.manifest)
	require.NoError(t, err)
	for _, o := range again.Outcomes {
		assert.Equal(t, lifecycle.OutcomeUnchanged, o.Kind)
	}
}

func TestDown_PrunesRecordsOfDepartedServices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)
	require.NoError(t, h.store.SaveBuildRecord(ctx, "shop", &build.Record{
		Service:     "legacy-service",
		Fingerprint: digest.FromString("legacy"),
		ImageID:     "sha256:legacy",
		ImageTag:    "shop-legacy-service:latest",
		BuiltAt:     time.Now().UTC(),
	}))
	require.NoError(t, h.store.SaveBuildRecord(ctx, "other", &build.Record{
		Service:     "legacy-service",
		Fingerprint: digest.FromString("legacy"),
		ImageID:     "sha256:legacy",
		ImageTag:    "other-legacy-service:latest",
		BuiltAt:     time.Now().UTC(),
	}))

	_, err = h.orch.Down(ctx, h.manifest)
	require.NoError(t, err)

	records, err := h.store.ListBuildRecords(ctx, "shop")
	require.NoError(t, err)
	var services []string
	for _, r := range records {
		services = append(services, r.Service)
	}
	assert.ElementsMatch(t, []string{"product-service", "review-service"}, services)

	_, err = h.store.GetBuildRecord(ctx, "other", "legacy-service")
	assert.NoError(t, err)
}

// =============================================================================
// Build / Plan Tests
// =============================================================================

func TestBuild_ForcesRebuild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orch.Build(ctx, h.manifest)
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.Equal(t, lifecycle.StateBuilt, outcome(t, first, "product-service").State)

	second, err := h.orch.Build(ctx, h.manifest)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeRebuilt, outcome(t, second, "product-service").Kind)
	assert.Equal(t, 2, h.builder.count("product-service"))
	assert.Zero(t, h.runtime.containerCount())
}

func TestPlan_ReportsRecoveredState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)

	// A new process plans against containers it did not start.
	h.networks = network.NewManager(h.runtime, "shop", nil)
	h.publisher = ports.NewPublisher(nil, ports.WithProbe(h.probe.check))
	h.orch = h.newOrchestrator()

	result, err := h.orch.Plan(ctx, h.manifest, false)
	require.NoError(t, err)
	for _, o := range result.Outcomes {
		assert.Equal(t, lifecycle.OutcomePlanReuse, o.Kind)
		assert.Equal(t, lifecycle.StateRunning, o.State)
	}
	assert.Equal(t, 2, h.runtime.containerCount())
}

func TestPlan_HasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.orch.Plan(ctx, h.manifest, false)
	require.NoError(t, err)
	require.True(t, result.Success)
	for _, o := range result.Outcomes {
		assert.Equal(t, lifecycle.OutcomePlanRebuild, o.Kind)
		assert.Equal(t, lifecycle.StateUndefined, o.State)
	}

	assert.Zero(t, h.builder.count("product-service"))
	assert.Zero(t, h.runtime.containerCount())
	assert.False(t, h.runtime.hasNetwork("shop_microservices"))

	events, err := h.store.ListBatchEvents(ctx, "shop", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// =============================================================================
// Recovery Tests
// =============================================================================

func TestRecover_FromLabels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)
	_, err = h.orch.Stop(ctx, &manifest.Manifest{
		Services: map[string]manifest.ServiceSpec{"review-service": h.manifest.Services["review-service"]},
	})
	require.NoError(t, err)

	h.runtime.add(docker.ContainerInfo{
		ID:     "legacy01",
		Name:   "shop_legacy",
		Status: docker.ContainerStatusExited,
		Labels: lifecycle.ServiceLabels("shop", "legacy"),
	})

	// A new process starts with empty registries.
	h.networks = network.NewManager(h.runtime, "shop", nil)
	h.publisher = ports.NewPublisher(nil, ports.WithProbe(h.probe.check))
	h.orch = h.newOrchestrator()

	statuses, err := h.orch.Status(ctx, h.manifest)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "product-service", statuses[0].Service)
	assert.Equal(t, lifecycle.StateRunning, statuses[0].State)
	assert.Equal(t, []string{"microservices"}, statuses[0].Networks)
	assert.Equal(t, lifecycle.StateStopped, statuses[1].State)

	assert.Len(t, h.publisher.Bound("product-service"), 1)
	assert.Empty(t, h.publisher.Bound("review-service"))
	assert.Len(t, h.networks.Attachments("microservices"), 2)

	up, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeAlreadyRunning, outcome(t, up, "product-service").Kind)
	assert.Equal(t, lifecycle.OutcomeStarted, outcome(t, up, "review-service").Kind)

	down, err := h.orch.Down(ctx, h.manifest)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeRemoved, outcome(t, down, "legacy").Kind)
	assert.Zero(t, h.runtime.containerCount())
}

// =============================================================================
// Metrics and Events Tests
// =============================================================================

func TestMetrics_CountsTransitionsAndDecisions(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewRegistry()
	h.orch.metrics = NewMetrics(reg)
	ctx := context.Background()

	_, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(h.orch.metrics.transitions.WithLabelValues("undefined", "built")))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.orch.metrics.transitions.WithLabelValues("built", "running")))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.orch.metrics.decisions.WithLabelValues("rebuild")))
	assert.Equal(t, 1, testutil.CollectAndCount(h.orch.metrics.duration))

	count, err := testutil.GatherAndCount(reg, "dockyard_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestBatchEvents_Recorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.probe.hold(8001)

	result, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)

	events, err := h.store.ListBatchEvents(ctx, "shop", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	event := events[0]
	assert.Equal(t, result.ID, event.ID)
	assert.Equal(t, lifecycle.OperationUp, event.Operation)
	assert.False(t, event.Success)
	require.Len(t, event.Outcomes, 2)
	assert.Equal(t, "review-service", event.Outcomes[1].Service)
	assert.Equal(t, lifecycle.OutcomeFailed, event.Outcomes[1].Kind)
	assert.Contains(t, event.Outcomes[1].Reason, "port 8001 is already in use")
}

func TestStatus_ReportsRuntimeStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)

	review := h.orch.instance("review-service")
	require.NoError(t, h.runtime.RemoveContainer(ctx, review.ContainerID, docker.RemoveOptions{Force: true}))

	statuses, err := h.orch.Status(ctx, h.manifest)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, docker.ContainerStatusRunning, statuses[0].Runtime)
	assert.Equal(t, lifecycle.StateRunning, statuses[1].State)
	assert.Equal(t, RuntimeMissing, statuses[1].Runtime)
}

func TestEvents_NewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	up, err := h.orch.Up(ctx, h.manifest, UpOptions{})
	require.NoError(t, err)
	stop, err := h.orch.Stop(ctx, h.manifest)
	require.NoError(t, err)

	events, err := h.orch.Events(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, stop.ID, events[0].ID)
	assert.Equal(t, lifecycle.OperationStop, events[0].Operation)
	assert.Equal(t, up.ID, events[1].ID)

	latest, err := h.orch.Events(ctx, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, stop.ID, latest[0].ID)
}

func TestServiceError_Format(t *testing.T) {
	err := runtimeError("product-service", "start", errors.New("boom"))

	assert.Equal(t, "product-service: start: boom", err.Error())
	assert.True(t, errors.Is(err, ErrRuntime))
	assert.Equal(t, "runtime", failureKind(err))
}
