package upgrade

import (
	"fmt"
	"sync"

	"github.com/nodelinkio/p2pcore/p2perr"
)

// ResourceScope is a reservation against a ResourceManager's limits for one
// connection's lifetime, released exactly once when the connection closes.
type ResourceScope interface {
	ReserveMemory(bytes int) error
	ReleaseMemory(bytes int)
	Done()
}

// ResourceManager grants ResourceScopes for newly accepted or dialed
// connections. Implementations decide what, if anything, to bound.
type ResourceManager interface {
	OpenConnection() (ResourceScope, error)
}

// NullResourceManager imposes no limits; every OpenConnection call succeeds
// with a no-op scope. Useful for tests and for deployments that bound
// resources some other way.
type NullResourceManager struct{}

type nullScope struct{}

func (nullScope) ReserveMemory(int) error { return nil }
func (nullScope) ReleaseMemory(int)       {}
func (nullScope) Done()                   {}

// OpenConnection always succeeds.
func (NullResourceManager) OpenConnection() (ResourceScope, error) { return nullScope{}, nil }

// MemResourceManager enforces a simple cap on the number of concurrently
// open connections and on aggregate reserved memory across all of them.
type MemResourceManager struct {
	MaxConns  int
	MaxMemory int

	mu        sync.Mutex
	conns     int
	usedBytes int
}

// OpenConnection admits one more connection if under MaxConns, returning a
// ResourceScope tied to this manager's shared memory budget.
func (m *MemResourceManager) OpenConnection() (ResourceScope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MaxConns > 0 && m.conns >= m.MaxConns {
		return nil, p2perr.ResourceLimit("open_connection", fmt.Errorf("max_conns (%d) exceeded", m.MaxConns))
	}
	m.conns++
	return &memScope{mgr: m}, nil
}

type memScope struct {
	mgr     *MemResourceManager
	mu      sync.Mutex
	claimed int
	done    bool
}

func (s *memScope) ReserveMemory(bytes int) error {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()
	if s.mgr.MaxMemory > 0 && s.mgr.usedBytes+bytes > s.mgr.MaxMemory {
		return p2perr.ResourceLimit("reserve_memory", fmt.Errorf("max_memory (%d) exceeded", s.mgr.MaxMemory))
	}
	s.mgr.usedBytes += bytes
	s.mu.Lock()
	s.claimed += bytes
	s.mu.Unlock()
	return nil
}

func (s *memScope) ReleaseMemory(bytes int) {
	s.mgr.mu.Lock()
	s.mgr.usedBytes -= bytes
	s.mgr.mu.Unlock()
	s.mu.Lock()
	s.claimed -= bytes
	s.mu.Unlock()
}

func (s *memScope) Done() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	claimed := s.claimed
	s.claimed = 0
	s.mu.Unlock()

	s.mgr.mu.Lock()
	s.mgr.usedBytes -= claimed
	s.mgr.conns--
	s.mgr.mu.Unlock()
}
