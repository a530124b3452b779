package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// RevisionRepo implements [domain.RevisionRepository] backed by SQLite.
// Publish assigns the next per-service sequence inside a transaction so
// that sequences are gapless-monotonic even under concurrent publishes.
type RevisionRepo struct {
	DB *sql.DB
}

func (r *RevisionRepo) Publish(ctx context.Context, spec domain.ServiceSpec) (domain.Revision, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return domain.Revision{}, fmt.Errorf("marshal spec: %w", err)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Revision{}, fmt.Errorf("begin publish: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM revisions WHERE service_name = ?`,
		spec.Name,
	).Scan(&next)
	if err != nil {
		return domain.Revision{}, fmt.Errorf("next sequence: %w", err)
	}

	rev := domain.Revision{
		ServiceName: spec.Name,
		Sequence:    next,
		Spec:        spec,
		PublishedAt: time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO revisions (service_name, sequence, spec, published_at) VALUES (?, ?, ?, ?)`,
		rev.ServiceName, rev.Sequence, string(raw), formatTime(rev.PublishedAt),
	)
	if err != nil {
		return domain.Revision{}, fmt.Errorf("insert revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Revision{}, fmt.Errorf("commit publish: %w", err)
	}
	return rev, nil
}

func (r *RevisionRepo) Get(ctx context.Context, service string, sequence int64) (domain.Revision, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT service_name, sequence, spec, published_at
		 FROM revisions WHERE service_name = ? AND sequence = ?`,
		service, sequence,
	)
	return scanRevision(row)
}

func (r *RevisionRepo) Latest(ctx context.Context, service string) (domain.Revision, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT service_name, sequence, spec, published_at
		 FROM revisions WHERE service_name = ?
		 ORDER BY sequence DESC LIMIT 1`,
		service,
	)
	return scanRevision(row)
}

func (r *RevisionRepo) ListByService(ctx context.Context, service string) ([]domain.Revision, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT service_name, sequence, spec, published_at
		 FROM revisions WHERE service_name = ?
		 ORDER BY sequence`,
		service,
	)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	var revs []domain.Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		revs = append(revs, rev)
	}
	return revs, rows.Err()
}

func scanRevision(s scanner) (domain.Revision, error) {
	var rev domain.Revision
	var raw, publishedAt string
	if err := s.Scan(&rev.ServiceName, &rev.Sequence, &raw, &publishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rev, fmt.Errorf("revision: %w", domain.ErrNotFound)
		}
		return rev, fmt.Errorf("scan revision: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &rev.Spec); err != nil {
		return rev, fmt.Errorf("unmarshal revision spec: %w", err)
	}
	t, err := parseTime(publishedAt)
	if err != nil {
		return rev, err
	}
	rev.PublishedAt = t
	return rev, nil
}
