package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// DeploymentRepo implements [domain.DeploymentRepository] backed by
// SQLite. A partial unique index rejects a second non-terminal
// deployment for the same service.
type DeploymentRepo struct {
	DB *sql.DB
}

// Create records a new deployment. Retrying a revision whose previous
// attempt ended terminal replaces that row; any conflicting
// non-terminal deployment of the service rejects the create.
func (r *DeploymentRepo) Create(ctx context.Context, d domain.Deployment) error {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO deployments (service_name, target_revision, status, healthy_task_count, started_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (service_name, target_revision) DO UPDATE SET
		   status = excluded.status,
		   healthy_task_count = excluded.healthy_task_count,
		   started_at = excluded.started_at
		 WHERE deployments.status IN ('steady', 'rolled_back', 'failed')`,
		d.ServiceName, d.TargetRevision, string(d.Status), d.HealthyTaskCount, formatTime(d.StartedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deployment %s/%d: %w", d.ServiceName, d.TargetRevision, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	// The conflict update is skipped when the existing row for this
	// revision is still non-terminal.
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deployment %s/%d: %w", d.ServiceName, d.TargetRevision, domain.ErrAlreadyExists)
	}
	return nil
}

func (r *DeploymentRepo) Get(ctx context.Context, service string, revision int64) (domain.Deployment, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT service_name, target_revision, status, healthy_task_count, started_at
		 FROM deployments WHERE service_name = ? AND target_revision = ?`,
		service, revision,
	)
	return scanDeployment(row)
}

// Current returns the most recent deployment for the service: the
// non-terminal one when it exists, otherwise the highest revision.
func (r *DeploymentRepo) Current(ctx context.Context, service string) (domain.Deployment, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT service_name, target_revision, status, healthy_task_count, started_at
		 FROM deployments WHERE service_name = ?
		 ORDER BY target_revision DESC LIMIT 1`,
		service,
	)
	return scanDeployment(row)
}

func (r *DeploymentRepo) Update(ctx context.Context, d domain.Deployment) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE deployments SET status = ?, healthy_task_count = ?, started_at = ?
		 WHERE service_name = ? AND target_revision = ?`,
		string(d.Status), d.HealthyTaskCount, formatTime(d.StartedAt),
		d.ServiceName, d.TargetRevision,
	)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deployment %s/%d: %w", d.ServiceName, d.TargetRevision, domain.ErrNotFound)
	}
	return nil
}

func (r *DeploymentRepo) ListByService(ctx context.Context, service string) ([]domain.Deployment, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT service_name, target_revision, status, healthy_task_count, started_at
		 FROM deployments WHERE service_name = ?
		 ORDER BY target_revision`,
		service,
	)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

func scanDeployment(s scanner) (domain.Deployment, error) {
	var d domain.Deployment
	var status, startedAt string
	if err := s.Scan(&d.ServiceName, &d.TargetRevision, &status, &d.HealthyTaskCount, &startedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, fmt.Errorf("deployment: %w", domain.ErrNotFound)
		}
		return d, fmt.Errorf("scan deployment: %w", err)
	}
	d.Status = domain.DeploymentStatus(status)
	t, err := parseTime(startedAt)
	if err != nil {
		return d, err
	}
	d.StartedAt = t
	return d, nil
}
