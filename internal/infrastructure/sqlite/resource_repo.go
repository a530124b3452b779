package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// ResourceRepo implements [domain.ResourceRepository] backed by SQLite.
// State is stored in its own column so a changed desired config can be
// detected without touching the recorded provisioning state.
type ResourceRepo struct {
	DB *sql.DB
}

func (r *ResourceRepo) Upsert(ctx context.Context, node domain.ResourceNode) error {
	raw, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal resource node: %w", err)
	}

	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO resources (id, node, state) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET node = excluded.node, state = excluded.state`,
		node.ID, string(raw), string(node.State),
	)
	if err != nil {
		return fmt.Errorf("upsert resource node: %w", err)
	}
	return nil
}

func (r *ResourceRepo) Get(ctx context.Context, id string) (domain.ResourceNode, error) {
	var raw, state string
	err := r.DB.QueryRowContext(ctx,
		`SELECT node, state FROM resources WHERE id = ?`, id,
	).Scan(&raw, &state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ResourceNode{}, fmt.Errorf("resource %q: %w", id, domain.ErrNotFound)
		}
		return domain.ResourceNode{}, fmt.Errorf("get resource node: %w", err)
	}
	return unmarshalNode(raw, state)
}

func (r *ResourceRepo) List(ctx context.Context) ([]domain.ResourceNode, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT node, state FROM resources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list resource nodes: %w", err)
	}
	defer rows.Close()

	var nodes []domain.ResourceNode
	for rows.Next() {
		var raw, state string
		if err := rows.Scan(&raw, &state); err != nil {
			return nil, fmt.Errorf("scan resource node: %w", err)
		}
		node, err := unmarshalNode(raw, state)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func unmarshalNode(raw, state string) (domain.ResourceNode, error) {
	var node domain.ResourceNode
	if err := json.Unmarshal([]byte(raw), &node); err != nil {
		return node, fmt.Errorf("unmarshal resource node: %w", err)
	}
	node.State = domain.NodeState(state)
	return node, nil
}
