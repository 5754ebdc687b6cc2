package ports

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/artpar/dockyard/internal/core/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysFree(string, int, string) error { return nil }

func binding(host, container int) manifest.PortBinding {
	return manifest.PortBinding{HostPort: host, ContainerPort: container, Protocol: "tcp"}
}

func TestBind_ReservesPort(t *testing.T) {
	p := NewPublisher(nil, WithProbe(alwaysFree))

	bound, err := p.Bind("product-service", binding(8000, 80))
	require.NoError(t, err)
	assert.Equal(t, 8000, bound.HostPort)
	assert.Equal(t, 80, bound.ContainerPort)
	assert.Equal(t, "tcp", bound.Protocol)
	assert.Equal(t, []BoundPort{bound}, p.Bound("product-service"))
}

func TestBind_ConflictBetweenOwners(t *testing.T) {
	p := NewPublisher(nil, WithProbe(alwaysFree))

	_, err := p.Bind("product-service", binding(8000, 80))
	require.NoError(t, err)

	_, err = p.Bind("review-service", binding(8000, 80))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyInUse)

	var portErr *PortError
	require.ErrorAs(t, err, &portErr)
	assert.Equal(t, 8000, portErr.HostPort)
	assert.Equal(t, "product-service", portErr.Holder)
	assert.Equal(t, "port 8000 is already in use by product-service", err.Error())
}

func TestBind_SameOwnerIsIdempotent(t *testing.T) {
	p := NewPublisher(nil, WithProbe(alwaysFree))

	first, err := p.Bind("product-service", binding(8000, 80))
	require.NoError(t, err)
	second, err := p.Bind("product-service", binding(8000, 80))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBind_ProtocolInsensitive(t *testing.T) {
	p := NewPublisher(nil, WithProbe(alwaysFree))

	_, err := p.Bind("dns", manifest.PortBinding{HostPort: 5353, ContainerPort: 53, Protocol: "udp"})
	require.NoError(t, err)

	_, err = p.Bind("web", manifest.PortBinding{HostPort: 5353, ContainerPort: 80, Protocol: "tcp"})
	assert.ErrorIs(t, err, ErrAlreadyInUse)
}

func TestBind_ProbeFailure(t *testing.T) {
	p := NewPublisher(nil, WithProbe(func(string, int, string) error {
		return errors.New("bind: address already in use")
	}))

	_, err := p.Bind("product-service", binding(8000, 80))
	assert.ErrorIs(t, err, ErrAlreadyInUse)
	assert.Equal(t, "port 8000 is already in use", err.Error())
	assert.Empty(t, p.Bound("product-service"))
}

func TestBind_InvalidPort(t *testing.T) {
	p := NewPublisher(nil, WithProbe(alwaysFree))

	_, err := p.Bind("x", binding(0, 80))
	assert.ErrorIs(t, err, ErrInvalidPort)
	_, err = p.Bind("x", binding(70000, 80))
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestBind_ConcurrentSinglePortHasOneWinner(t *testing.T) {
	p := NewPublisher(nil, WithProbe(alwaysFree))

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := p.Bind("owner-"+strconv.Itoa(i), binding(9000, 80)); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestBindAll_RollsBackOnFailure(t *testing.T) {
	p := NewPublisher(nil, WithProbe(alwaysFree))
	_, err := p.Bind("other", binding(8001, 80))
	require.NoError(t, err)

	_, err = p.BindAll("review-service", []manifest.PortBinding{binding(8002, 80), binding(8001, 81)})
	assert.ErrorIs(t, err, ErrAlreadyInUse)
	assert.Empty(t, p.Bound("review-service"))
}

func TestUnbindAndRelease(t *testing.T) {
	p := NewPublisher(nil, WithProbe(alwaysFree))

	bound, err := p.BindAll("product-service", []manifest.PortBinding{binding(8000, 80), binding(8443, 443)})
	require.NoError(t, err)

	p.Unbind(bound[0])
	p.Unbind(bound[0])
	p.Unbind(BoundPort{Owner: "someone-else", HostPort: 8443})
	assert.Len(t, p.Bound("product-service"), 1)

	assert.Equal(t, []int{8443}, p.Release("product-service"))
	assert.Empty(t, p.Release("product-service"))

	_, err = p.Bind("review-service", binding(8000, 80))
	assert.NoError(t, err)
}

func TestAdopt_SkipsProbe(t *testing.T) {
	p := NewPublisher(nil, WithProbe(func(string, int, string) error {
		return errors.New("held by the running container")
	}))

	bound := p.Adopt("product-service", binding(8000, 80))
	assert.Equal(t, "product-service", bound.Owner)

	_, err := p.Bind("review-service", binding(8000, 80))
	var portErr *PortError
	require.ErrorAs(t, err, &portErr)
	assert.Equal(t, "product-service", portErr.Holder)
}

func TestListenProbe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	assert.Error(t, ListenProbe("127.0.0.1", port, "tcp"))

	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	freePort := free.Addr().(*net.TCPAddr).Port
	require.NoError(t, free.Close())

	assert.NoError(t, ListenProbe("127.0.0.1", freePort, "tcp"))
}
