package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"curricord/internal/domain"
)

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var caps, heartbeat sql.NullString
	var disabled int
	err := scan(&a.ID, &a.Type, &caps, &a.Status, &disabled, &heartbeat, &a.TasksCompleted, &a.TasksFailed, &a.RegisteredAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Disabled = disabled != 0
	if heartbeat.Valid {
		a.LastHeartbeat = heartbeat.String
	}
	if caps.Valid && caps.String != "" {
		_ = json.Unmarshal([]byte(caps.String), &a.Capabilities)
	}
	return a, nil
}

const agentColumns = `id,type,capabilities_json,status,disabled,last_heartbeat,tasks_completed,tasks_failed,registered_at`

// UpsertAgent registers an agent or refreshes an existing registration.
// Re-registering re-enables a disabled agent.
func (r Repo) UpsertAgent(ctx context.Context, a domain.Agent) error {
	var caps any
	if len(a.Capabilities) > 0 {
		data, err := json.Marshal(a.Capabilities)
		if err != nil {
			return err
		}
		caps = string(data)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(id,type,capabilities_json,status,disabled,last_heartbeat,registered_at)
VALUES (?,?,?,?,0,?,?)
ON CONFLICT(id) DO UPDATE SET type=excluded.type, capabilities_json=excluded.capabilities_json,
status=excluded.status, disabled=0, last_heartbeat=excluded.last_heartbeat`,
		a.ID, a.Type, caps, a.Status, nullable(a.LastHeartbeat), a.RegisteredAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY registered_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// TouchAgentHeartbeat records a liveness signal and the reported status.
func (r Repo) TouchAgentHeartbeat(ctx context.Context, id, status string, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET last_heartbeat=?, status=? WHERE id=? AND disabled=0`,
		now.UTC().Format(time.RFC3339), status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetAgentStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET status=? WHERE id=?`, status, id)
	return err
}

// BumpAgentCountersTx increments the cumulative task counters after a task
// outcome is reported.
func (r Repo) BumpAgentCountersTx(ctx context.Context, tx *sql.Tx, id string, completed, failed int) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET tasks_completed=tasks_completed+?, tasks_failed=tasks_failed+? WHERE id=?`,
		completed, failed, id)
	return err
}

// DisableAgent marks an agent unusable without deleting its history.
func (r Repo) DisableAgent(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET disabled=1, status=? WHERE id=?`, domain.AgentOffline, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaleAgents returns non-offline agents whose last heartbeat is older
// than the cutoff.
func (r Repo) ListStaleAgents(ctx context.Context, cutoff time.Time) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents
WHERE disabled=0 AND status != ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		domain.AgentOffline, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
