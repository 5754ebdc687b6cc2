// Package ports reserves host ports for service instances.
package ports

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/artpar/dockyard/internal/core/manifest"
)

// BoundPort is a host port reserved for one owner.
type BoundPort struct {
	Owner         string
	HostPort      int
	ContainerPort int
	Protocol      string
	HostIP        string
}

// Probe reports an error when the host port cannot be bound.
type Probe func(hostIP string, port int, protocol string) error

// ListenProbe checks availability by briefly binding the port.
func ListenProbe(hostIP string, port int, protocol string) error {
	addr := net.JoinHostPort(hostIP, strconv.Itoa(port))
	if protocol == "udp" {
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return l.Close()
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithProbe replaces the OS availability probe.
func WithProbe(probe Probe) Option {
	return func(p *Publisher) {
		p.probe = probe
	}
}

// Publisher tracks host port reservations. A host port is one resource
// regardless of protocol. Safe for concurrent use.
type Publisher struct {
	mu       sync.Mutex
	reserved map[int]BoundPort
	probe    Probe
	logger   *slog.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(logger *slog.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		reserved: make(map[int]BoundPort),
		probe:    ListenProbe,
		logger:   logger.With("component", "port_publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Bind reserves binding.HostPort for owner. The reservation check and the
// OS probe run under one lock. Binding the same port twice for the same
// owner returns the existing reservation.
func (p *Publisher) Bind(owner string, binding manifest.PortBinding) (BoundPort, error) {
	if binding.HostPort < 1 || binding.HostPort > 65535 {
		return BoundPort{}, &PortError{HostPort: binding.HostPort, Err: ErrInvalidPort}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.reserved[binding.HostPort]; ok {
		if existing.Owner == owner {
			return existing, nil
		}
		return BoundPort{}, &PortError{HostPort: binding.HostPort, Holder: existing.Owner, Err: ErrAlreadyInUse}
	}

	if err := p.probe(binding.HostIP, binding.HostPort, binding.Protocol); err != nil {
		p.logger.Debug("port probe failed", "port", binding.HostPort, "error", err)
		return BoundPort{}, &PortError{HostPort: binding.HostPort, Err: fmt.Errorf("%w: %v", ErrAlreadyInUse, err)}
	}

	bound := newBoundPort(owner, binding)
	p.reserved[binding.HostPort] = bound
	return bound, nil
}

// BindAll reserves every binding for owner. On failure the ports reserved
// by this call are released again.
func (p *Publisher) BindAll(owner string, bindings []manifest.PortBinding) ([]BoundPort, error) {
	bound := make([]BoundPort, 0, len(bindings))
	for _, b := range bindings {
		bp, err := p.Bind(owner, b)
		if err != nil {
			for _, done := range bound {
				p.Unbind(done)
			}
			return nil, err
		}
		bound = append(bound, bp)
	}
	return bound, nil
}

// Adopt records a reservation without probing. Used for ports already held
// by a running instance found at startup.
func (p *Publisher) Adopt(owner string, binding manifest.PortBinding) BoundPort {
	p.mu.Lock()
	defer p.mu.Unlock()

	bound := newBoundPort(owner, binding)
	p.reserved[binding.HostPort] = bound
	return bound
}

// Unbind releases a reservation. Unbinding a port that is not reserved, or
// is reserved by another owner, is a no-op.
func (p *Publisher) Unbind(bound BoundPort) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.reserved[bound.HostPort]; ok && existing.Owner == bound.Owner {
		delete(p.reserved, bound.HostPort)
	}
}

// Release drops every reservation held by owner and returns the freed ports.
func (p *Publisher) Release(owner string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var freed []int
	for port, bound := range p.reserved {
		if bound.Owner == owner {
			delete(p.reserved, port)
			freed = append(freed, port)
		}
	}
	sort.Ints(freed)
	return freed
}

// Bound returns the ports reserved by owner, sorted by host port.
func (p *Publisher) Bound(owner string) []BoundPort {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ports []BoundPort
	for _, bound := range p.reserved {
		if bound.Owner == owner {
			ports = append(ports, bound)
		}
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].HostPort < ports[j].HostPort })
	return ports
}

func newBoundPort(owner string, binding manifest.PortBinding) BoundPort {
	protocol := binding.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	return BoundPort{
		Owner:         owner,
		HostPort:      binding.HostPort,
		ContainerPort: binding.ContainerPort,
		Protocol:      protocol,
		HostIP:        binding.HostIP,
	}
}
