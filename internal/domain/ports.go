package domain

import (
	"context"
	"time"
)

// ReplicaID identifies one running replica on the compute substrate.
type ReplicaID string

// ReplicaSpec is what the substrate needs to launch one replica of a
// revision.
type ReplicaSpec struct {
	ServiceName   string
	Revision      int64
	ImageRef      string
	CPUUnits      int
	MemoryMB      int
	ContainerPort int
}

// ComputeSubstrate is the port to the external system that actually
// runs replicas. The orchestrator never manages the substrate's own
// resource allocation.
type ComputeSubstrate interface {
	Launch(ctx context.Context, spec ReplicaSpec) (ReplicaID, error)
	Terminate(ctx context.Context, id ReplicaID) error

	// Probe runs one health check against a replica. A false return
	// with nil error is an observed unhealthy result; an error means
	// the probe itself could not run and is counted as a failure.
	Probe(ctx context.Context, id ReplicaID, hc HealthCheck) (bool, error)

	// Address returns the routable address of a replica for discovery.
	Address(ctx context.Context, id ReplicaID) (string, error)
}

// MetricSource is the port to the metrics pipeline. Implementations
// return ErrMetricUnavailable when no datapoints exist for the window.
type MetricSource interface {
	Query(ctx context.Context, metric string, window time.Duration) ([]float64, error)
}

// NotificationSink is the port to the notification pipeline. Publish is
// best-effort and fire-and-forget from the orchestrator's perspective.
type NotificationSink interface {
	Publish(ctx context.Context, channel, subject, message string) error
}

// Provisioner is the external collaborator each resource node
// represents. Apply must be idempotent; the planner performs no network
// I/O itself.
type Provisioner interface {
	Apply(ctx context.Context, node ResourceNode) error
}
