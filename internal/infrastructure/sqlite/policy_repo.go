package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// PolicyRepo implements [domain.AutoscalingPolicyRepository] backed by
// SQLite.
type PolicyRepo struct {
	DB *sql.DB
}

func (r *PolicyRepo) Put(ctx context.Context, p domain.AutoscalingPolicy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal autoscaling policy: %w", err)
	}

	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO autoscaling_policies (service_name, policy) VALUES (?, ?)
		 ON CONFLICT (service_name) DO UPDATE SET policy = excluded.policy`,
		p.ServiceName, string(raw),
	)
	if err != nil {
		return fmt.Errorf("upsert autoscaling policy: %w", err)
	}
	return nil
}

func (r *PolicyRepo) Get(ctx context.Context, service string) (domain.AutoscalingPolicy, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx,
		`SELECT policy FROM autoscaling_policies WHERE service_name = ?`, service,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AutoscalingPolicy{}, fmt.Errorf("policy for %q: %w", service, domain.ErrNotFound)
		}
		return domain.AutoscalingPolicy{}, fmt.Errorf("get autoscaling policy: %w", err)
	}

	var p domain.AutoscalingPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.AutoscalingPolicy{}, fmt.Errorf("unmarshal autoscaling policy: %w", err)
	}
	return p, nil
}

func (r *PolicyRepo) List(ctx context.Context) ([]domain.AutoscalingPolicy, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT policy FROM autoscaling_policies ORDER BY service_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list autoscaling policies: %w", err)
	}
	defer rows.Close()

	var policies []domain.AutoscalingPolicy
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan autoscaling policy: %w", err)
		}
		var p domain.AutoscalingPolicy
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("unmarshal autoscaling policy: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}
