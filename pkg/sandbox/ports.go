package sandbox

import (
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
)

// defaultPortAttempts bounds how many candidates Acquire probes.
const defaultPortAttempts = 32

// PortAllocator hands out host ports for process-local units. A candidate is
// only leased after a bind-then-release probe succeeds, and a leased port is
// never handed out again until released.
type PortAllocator struct {
	host     string
	min, max int
	attempts int

	mu     sync.Mutex
	leased map[int]struct{}
}

// NewPortAllocator allocates from [minPort, maxPort] on host.
func NewPortAllocator(host string, minPort, maxPort int) *PortAllocator {
	return &PortAllocator{
		host:     host,
		min:      minPort,
		max:      maxPort,
		attempts: defaultPortAttempts,
		leased:   make(map[int]struct{}),
	}
}

// Acquire leases a free port.
func (a *PortAllocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	for range a.attempts {
		port := a.min + rand.IntN(size)
		if _, taken := a.leased[port]; taken {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.leased[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("%w in %d-%d after %d attempts", ErrNoPortAvailable, a.min, a.max, a.attempts)
}

// Release returns port to the pool.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	delete(a.leased, port)
	a.mu.Unlock()
}

// Leased returns the number of ports currently leased.
func (a *PortAllocator) Leased() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}

func (a *PortAllocator) probe(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(a.host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
