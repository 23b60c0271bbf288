package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"curricord/internal/domain"
)

// SnapshotWorkflow stores a workflow definition under its (name, version)
// pair. An existing snapshot is left untouched so a definition referenced by
// running executions can never change underneath them.
func (r Repo) SnapshotWorkflow(ctx context.Context, tx *sql.Tx, wf domain.Workflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workflows(name,version,steps_json,created_at) VALUES (?,?,?,?)
ON CONFLICT(name,version) DO NOTHING`, wf.Name, wf.Version, string(steps), wf.CreatedAt)
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, name string, version int) (domain.Workflow, error) {
	var wf domain.Workflow
	var steps string
	err := r.DB.QueryRowContext(ctx, `SELECT name,version,steps_json,created_at FROM workflows WHERE name=? AND version=?`, name, version).
		Scan(&wf.Name, &wf.Version, &steps, &wf.CreatedAt)
	if err == sql.ErrNoRows {
		return wf, ErrNotFound
	}
	if err != nil {
		return wf, err
	}
	if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
		return wf, err
	}
	return wf, nil
}

func (r Repo) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,version,steps_json,created_at FROM workflows ORDER BY name ASC, version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		var wf domain.Workflow
		var steps string
		if err := rows.Scan(&wf.Name, &wf.Version, &steps, &wf.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
			return nil, err
		}
		res = append(res, wf)
	}
	return res, rows.Err()
}
