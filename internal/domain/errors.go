package domain

import "errors"

var (
	// ErrNotFound indicates that a requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a resource with the same identity
	// already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidSpec indicates that an operator-provided value violates
	// a precondition.
	ErrInvalidSpec = errors.New("invalid spec")

	// ErrCycle indicates that the resource graph contains a dependency
	// cycle. This is a configuration error surfaced before any apply.
	ErrCycle = errors.New("dependency cycle")

	// ErrUnsatisfiedDependency indicates that an enabled resource node
	// hard-depends on a node excluded by a feature gate.
	ErrUnsatisfiedDependency = errors.New("unsatisfied dependency")

	// ErrRolloutTimeout indicates that a rollout reached neither steady
	// state nor rollback within its deadline. Fatal for the deployment;
	// never retried automatically.
	ErrRolloutTimeout = errors.New("rollout deadline exceeded")

	// ErrRollbackFailed indicates that the prior revision also failed
	// health checks during rollback. The service is halted until an
	// operator intervenes.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrMetricUnavailable indicates that the metric source returned no
	// usable data. Non-fatal: the autoscaler holds the current count.
	ErrMetricUnavailable = errors.New("metric unavailable")
)
