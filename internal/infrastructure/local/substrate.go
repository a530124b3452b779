// Package local holds in-process implementations of the orchestrator's
// external ports: a simulated compute substrate, a window-buffered
// metric source, and a log-backed notification sink. These are the
// naive implementations used until real agent-based adapters are
// available; every port keeps its contract so swapping them out is a
// wiring change only.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// Substrate simulates a compute substrate: launched replicas are
// in-memory records with an address on the loopback interface. A
// replica is healthy from launch until terminated or explicitly failed
// with SetHealthy.
type Substrate struct {
	// BasePort is the first port handed out; zero means 42000.
	BasePort int

	mu       sync.Mutex
	nextPort int
	replicas map[domain.ReplicaID]*replica
}

type replica struct {
	spec    domain.ReplicaSpec
	address string
	healthy bool
}

func NewSubstrate() *Substrate {
	return &Substrate{replicas: make(map[domain.ReplicaID]*replica)}
}

func (s *Substrate) Launch(ctx context.Context, spec domain.ReplicaSpec) (domain.ReplicaID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextPort == 0 {
		s.nextPort = s.BasePort
		if s.nextPort == 0 {
			s.nextPort = 42000
		}
	}
	id := domain.ReplicaID("task-" + uuid.NewString()[:8])
	s.replicas[id] = &replica{
		spec:    spec,
		address: fmt.Sprintf("127.0.0.1:%d", s.nextPort),
		healthy: true,
	}
	s.nextPort++
	return id, nil
}

func (s *Substrate) Terminate(ctx context.Context, id domain.ReplicaID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.replicas[id]; !ok {
		return fmt.Errorf("replica %q: %w", id, domain.ErrNotFound)
	}
	delete(s.replicas, id)
	return nil
}

func (s *Substrate) Probe(ctx context.Context, id domain.ReplicaID, hc domain.HealthCheck) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replicas[id]
	if !ok {
		return false, fmt.Errorf("replica %q: %w", id, domain.ErrNotFound)
	}
	return r.healthy, nil
}

func (s *Substrate) Address(ctx context.Context, id domain.ReplicaID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replicas[id]
	if !ok {
		return "", fmt.Errorf("replica %q: %w", id, domain.ErrNotFound)
	}
	return r.address, nil
}

// SetHealthy flips the simulated health of a replica. Unknown replicas
// are ignored.
func (s *Substrate) SetHealthy(id domain.ReplicaID, healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.replicas[id]; ok {
		r.healthy = healthy
	}
}

// Running is the number of live replicas.
func (s *Substrate) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replicas)
}

var _ domain.ComputeSubstrate = (*Substrate)(nil)
