package domain

import "context"

// ServiceSpecRepository persists operator-authored service specs.
type ServiceSpecRepository interface {
	Put(ctx context.Context, spec ServiceSpec) error
	Get(ctx context.Context, name string) (ServiceSpec, error)
	List(ctx context.Context) ([]ServiceSpec, error)
	Delete(ctx context.Context, name string) error
}

// RevisionRepository persists immutable revision snapshots. Publish
// assigns the next sequence number for the service.
type RevisionRepository interface {
	Publish(ctx context.Context, spec ServiceSpec) (Revision, error)
	Get(ctx context.Context, service string, sequence int64) (Revision, error)
	Latest(ctx context.Context, service string) (Revision, error)
	ListByService(ctx context.Context, service string) ([]Revision, error)
}

// DeploymentRepository persists deployment records. Create enforces the
// at-most-one-non-terminal-deployment-per-service invariant.
type DeploymentRepository interface {
	Create(ctx context.Context, d Deployment) error
	Get(ctx context.Context, service string, revision int64) (Deployment, error)
	Current(ctx context.Context, service string) (Deployment, error)
	Update(ctx context.Context, d Deployment) error
	ListByService(ctx context.Context, service string) ([]Deployment, error)
}

// AutoscalingPolicyRepository persists autoscaling policies.
type AutoscalingPolicyRepository interface {
	Put(ctx context.Context, p AutoscalingPolicy) error
	Get(ctx context.Context, service string) (AutoscalingPolicy, error)
	List(ctx context.Context) ([]AutoscalingPolicy, error)
}

// ResourceRepository persists resource node states so that re-applying
// an unchanged plan is a no-op.
type ResourceRepository interface {
	Upsert(ctx context.Context, node ResourceNode) error
	Get(ctx context.Context, id string) (ResourceNode, error)
	List(ctx context.Context) ([]ResourceNode, error)
}
