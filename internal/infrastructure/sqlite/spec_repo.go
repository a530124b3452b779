package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// SpecRepo implements [domain.ServiceSpecRepository] backed by SQLite.
type SpecRepo struct {
	DB *sql.DB
}

func (r *SpecRepo) Put(ctx context.Context, spec domain.ServiceSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal service spec: %w", err)
	}

	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO service_specs (name, spec) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET spec = excluded.spec`,
		spec.Name, string(raw),
	)
	if err != nil {
		return fmt.Errorf("upsert service spec: %w", err)
	}
	return nil
}

func (r *SpecRepo) Get(ctx context.Context, name string) (domain.ServiceSpec, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT spec FROM service_specs WHERE name = ?`, name,
	)
	return scanSpec(row, name)
}

func (r *SpecRepo) List(ctx context.Context) ([]domain.ServiceSpec, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT spec FROM service_specs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list service specs: %w", err)
	}
	defer rows.Close()

	var specs []domain.ServiceSpec
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan service spec: %w", err)
		}
		var spec domain.ServiceSpec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			return nil, fmt.Errorf("unmarshal service spec: %w", err)
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

func (r *SpecRepo) Delete(ctx context.Context, name string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM service_specs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete service spec: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("service %q: %w", name, domain.ErrNotFound)
	}
	return nil
}

func scanSpec(s scanner, name string) (domain.ServiceSpec, error) {
	var raw string
	if err := s.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ServiceSpec{}, fmt.Errorf("service %q: %w", name, domain.ErrNotFound)
		}
		return domain.ServiceSpec{}, fmt.Errorf("scan service spec: %w", err)
	}
	var spec domain.ServiceSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return domain.ServiceSpec{}, fmt.Errorf("unmarshal service spec: %w", err)
	}
	return spec, nil
}
