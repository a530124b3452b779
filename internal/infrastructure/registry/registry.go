// Package registry provides the in-memory service registry: the
// authoritative map from service name to healthy replica endpoints.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// Endpoint is one addressable replica of a service.
type Endpoint struct {
	Replica  domain.ReplicaID `json:"replica"`
	Address  string           `json:"address"`
	LastSeen time.Time        `json:"last_seen"`
}

// Defaults for staleness and eviction.
const (
	DefaultTTL              = 30 * time.Second
	DefaultFailureThreshold = 3
)

// Registry tracks healthy endpoints per service. A replica is
// registered on its first successful probe, refreshed on every
// subsequent success, and removed after FailureThreshold consecutive
// failures. Lookup never retires entries; it only filters by age, so a
// registry that stops receiving probes goes stale rather than empty.
type Registry struct {
	TTL              time.Duration
	FailureThreshold int

	mu       sync.RWMutex
	services map[string]map[domain.ReplicaID]*entry
}

type entry struct {
	address    string
	lastSeen   time.Time
	failStreak int
}

func New() *Registry {
	return &Registry{
		TTL:              DefaultTTL,
		FailureThreshold: DefaultFailureThreshold,
		services:         make(map[string]map[domain.ReplicaID]*entry),
	}
}

// ObserveProbe feeds one probe outcome into the registry.
func (r *Registry) ObserveProbe(service string, id domain.ReplicaID, address string, ok bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints := r.services[service]
	if endpoints == nil {
		endpoints = make(map[domain.ReplicaID]*entry)
		r.services[service] = endpoints
	}

	e, known := endpoints[id]
	if ok {
		if !known {
			e = &entry{address: address}
			endpoints[id] = e
		}
		e.address = address
		e.lastSeen = now
		e.failStreak = 0
		return
	}

	if !known {
		// Never-healthy replicas are not tracked.
		return
	}
	e.failStreak++
	if e.failStreak >= r.FailureThreshold {
		delete(endpoints, id)
	}
}

// Deregister drops a replica immediately, bypassing the failure streak.
// Used when the rollout controller retires a replica on purpose.
func (r *Registry) Deregister(service string, id domain.ReplicaID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[service], id)
}

// Lookup returns the non-stale endpoints for a service, sorted by
// replica ID for stable output. Entries older than TTL are skipped but
// kept, so a late probe success revives them.
func (r *Registry) Lookup(service string, now time.Time) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Endpoint
	for id, e := range r.services[service] {
		if now.Sub(e.lastSeen) > r.TTL {
			continue
		}
		out = append(out, Endpoint{Replica: id, Address: e.address, LastSeen: e.lastSeen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Replica < out[j].Replica })
	return out
}

// Snapshot returns all non-stale endpoints keyed by service.
func (r *Registry) Snapshot(now time.Time) map[string][]Endpoint {
	r.mu.RLock()
	services := make([]string, 0, len(r.services))
	for name := range r.services {
		services = append(services, name)
	}
	r.mu.RUnlock()

	out := make(map[string][]Endpoint, len(services))
	for _, name := range services {
		if eps := r.Lookup(name, now); len(eps) > 0 {
			out[name] = eps
		}
	}
	return out
}
