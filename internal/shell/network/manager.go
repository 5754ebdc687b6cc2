// Package network creates and tracks the networks a project's services join.
package network

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/core/manifest"
	"github.com/artpar/dockyard/internal/shell/docker"
	"golang.org/x/sync/singleflight"
)

// Handle identifies a network that exists in the runtime.
type Handle struct {
	Name        string // manifest name
	RuntimeName string // name known to the runtime
	ID          string
	External    bool
	Reused      bool // the network already existed when it was ensured
}

// Manager resolves manifest networks to runtime networks and records which
// instances are attached to each. Safe for concurrent use.
type Manager struct {
	client  docker.Client
	project string
	logger  *slog.Logger

	group singleflight.Group

	mu          sync.Mutex
	handles     map[string]Handle
	attachments map[string]map[string]struct{} // network name -> instance IDs
}

// NewManager creates a network manager for one project.
func NewManager(client docker.Client, project string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client:      client,
		project:     project,
		logger:      logger.With("component", "network_manager"),
		handles:     make(map[string]Handle),
		attachments: make(map[string]map[string]struct{}),
	}
}

// RuntimeName returns the runtime name used for a manifest network.
func (m *Manager) RuntimeName(spec manifest.NetworkSpec) string {
	if spec.External {
		return spec.Name
	}
	return lifecycle.NetworkName(m.project, spec.Name)
}

// Ensure returns the handle for a network, creating it on first use.
// Concurrent callers for the same name share one creation.
func (m *Manager) Ensure(ctx context.Context, spec manifest.NetworkSpec) (Handle, error) {
	if h, ok := m.lookup(spec.Name); ok {
		return h, nil
	}

	v, err, _ := m.group.Do(spec.Name, func() (any, error) {
		if h, ok := m.lookup(spec.Name); ok {
			return h, nil
		}

		h, err := m.resolve(ctx, spec)
		if err != nil {
			return Handle{}, err
		}

		m.mu.Lock()
		m.handles[spec.Name] = h
		m.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return Handle{}, err
	}
	return v.(Handle), nil
}

func (m *Manager) resolve(ctx context.Context, spec manifest.NetworkSpec) (Handle, error) {
	name := m.RuntimeName(spec)
	h := Handle{Name: spec.Name, RuntimeName: name, External: spec.External}

	if spec.External {
		info, err := m.client.InspectNetwork(ctx, name)
		if err != nil {
			return Handle{}, NewNetworkError("Ensure", spec.Name, "external network not found", errors.Join(ErrCreationFailed, err))
		}
		h.ID = info.ID
		h.Reused = true
		return h, nil
	}

	id, err := m.client.CreateNetwork(ctx, docker.NetworkSpec{
		Name:   name,
		Driver: spec.Driver,
		Labels: lifecycle.NetworkLabels(m.project, spec.Name, spec.Labels),
	})
	switch {
	case err == nil:
		m.logger.Info("network created", "network", name, "id", id)
		h.ID = id
		return h, nil
	case errors.Is(err, docker.ErrNetworkAlreadyExists):
		info, inspectErr := m.client.InspectNetwork(ctx, name)
		if inspectErr != nil {
			return Handle{}, NewNetworkError("Ensure", spec.Name, "existing network could not be resolved", errors.Join(ErrCreationFailed, inspectErr))
		}
		m.logger.Debug("network reused", "network", name, "id", info.ID)
		h.ID = info.ID
		h.Reused = true
		return h, nil
	default:
		return Handle{}, NewNetworkError("Ensure", spec.Name, err.Error(), errors.Join(ErrCreationFailed, err))
	}
}

// Resolve registers a network only if it already exists in the runtime.
// It never creates anything. The bool reports whether the network exists.
func (m *Manager) Resolve(ctx context.Context, spec manifest.NetworkSpec) (Handle, bool, error) {
	if h, ok := m.lookup(spec.Name); ok {
		return h, true, nil
	}

	name := m.RuntimeName(spec)
	info, err := m.client.InspectNetwork(ctx, name)
	if err != nil {
		if errors.Is(err, docker.ErrNetworkNotFound) {
			return Handle{}, false, nil
		}
		return Handle{}, false, NewNetworkError("Resolve", spec.Name, err.Error(), err)
	}

	h := Handle{Name: spec.Name, RuntimeName: name, ID: info.ID, External: spec.External, Reused: true}
	m.mu.Lock()
	if existing, ok := m.handles[spec.Name]; ok {
		h = existing
	} else {
		m.handles[spec.Name] = h
	}
	m.mu.Unlock()
	return h, true, nil
}

func (m *Manager) lookup(name string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[name]
	return h, ok
}

// Attach records that an instance joined a network.
func (m *Manager) Attach(instanceID string, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.handles[h.Name]; !ok {
		return NewNetworkError("Attach", h.Name, "network has not been ensured", ErrUnknownNetwork)
	}
	set, ok := m.attachments[h.Name]
	if !ok {
		set = make(map[string]struct{})
		m.attachments[h.Name] = set
	}
	set[instanceID] = struct{}{}
	return nil
}

// Detach removes an instance from one network. Detaching an instance that
// is not attached is a no-op.
func (m *Manager) Detach(instanceID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.attachments[name]; ok {
		delete(set, instanceID)
		if len(set) == 0 {
			delete(m.attachments, name)
		}
	}
}

// DetachAll removes an instance from every network and returns the names
// it was detached from.
func (m *Manager) DetachAll(instanceID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var detached []string
	for name, set := range m.attachments {
		if _, ok := set[instanceID]; !ok {
			continue
		}
		delete(set, instanceID)
		if len(set) == 0 {
			delete(m.attachments, name)
		}
		detached = append(detached, name)
	}
	sort.Strings(detached)
	return detached
}

// Attachments returns the instance IDs attached to a network, sorted.
func (m *Manager) Attachments(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.attachments[name]))
	for id := range m.attachments[name] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handles returns every ensured network, sorted by name.
func (m *Manager) Handles() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	handles := make([]Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Name < handles[j].Name })
	return handles
}

// Remove deletes a network from the runtime. It fails with ErrInUse while
// instances are attached. External networks are only forgotten. A network
// that does not exist is not an error.
func (m *Manager) Remove(ctx context.Context, spec manifest.NetworkSpec) error {
	m.mu.Lock()
	if n := len(m.attachments[spec.Name]); n > 0 {
		m.mu.Unlock()
		return NewNetworkError("Remove", spec.Name, "network still has attached instances", ErrInUse)
	}
	h, known := m.handles[spec.Name]
	delete(m.handles, spec.Name)
	m.mu.Unlock()

	if spec.External {
		return nil
	}

	target := h.ID
	if !known {
		target = m.RuntimeName(spec)
	}

	err := m.client.RemoveNetwork(ctx, target)
	if err != nil && known && !errors.Is(err, docker.ErrNetworkNotFound) {
		m.mu.Lock()
		m.handles[spec.Name] = h
		m.mu.Unlock()
	}
	switch {
	case err == nil:
		m.logger.Info("network removed", "network", m.RuntimeName(spec))
		return nil
	case errors.Is(err, docker.ErrNetworkNotFound):
		return nil
	case errors.Is(err, docker.ErrNetworkInUse):
		return NewNetworkError("Remove", spec.Name, "network has active endpoints", errors.Join(ErrInUse, err))
	default:
		return NewNetworkError("Remove", spec.Name, err.Error(), err)
	}
}
