package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"curricord/internal/domain"
)

const taskColumns = `id,execution_id,step_id,agent_type,agent_id,status,priority,seq,retry_count,max_retries,payload_json,result_json,error,not_before,created_at,updated_at,started_at,completed_at`

func scanTask(scan func(dest ...any) error) (domain.AgentTask, error) {
	var t domain.AgentTask
	var agentID, payload, result, errMsg, notBefore, started, completed sql.NullString
	err := scan(&t.ID, &t.ExecutionID, &t.StepID, &t.AgentType, &agentID, &t.Status, &t.Priority, &t.Seq,
		&t.RetryCount, &t.MaxRetries, &payload, &result, &errMsg, &notBefore, &t.CreatedAt, &t.UpdatedAt, &started, &completed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if agentID.Valid {
		t.AgentID = &agentID.String
	}
	if payload.Valid {
		t.PayloadJSON = &payload.String
	}
	if result.Valid {
		t.ResultJSON = &result.String
	}
	if errMsg.Valid {
		t.Error = &errMsg.String
	}
	if notBefore.Valid {
		t.NotBefore = &notBefore.String
	}
	if started.Valid {
		t.StartedAt = &started.String
	}
	if completed.Valid {
		t.CompletedAt = &completed.String
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.AgentTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_tasks(id,execution_id,step_id,agent_type,agent_id,status,priority,seq,retry_count,max_retries,payload_json,result_json,error,not_before,created_at,updated_at,started_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ExecutionID, t.StepID, t.AgentType, nullableStringPtr(t.AgentID), t.Status, t.Priority, t.Seq,
		t.RetryCount, t.MaxRetries, nullableStringPtr(t.PayloadJSON), nullableStringPtr(t.ResultJSON),
		nullableStringPtr(t.Error), nullableStringPtr(t.NotBefore), t.CreatedAt, t.UpdatedAt,
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.AgentTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	ExecutionID string
	AgentType   string
	Status      string
	Limit       int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.AgentTask, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.ExecutionID != "" {
		clauses = append(clauses, "execution_id=?")
		args = append(args, f.ExecutionID)
	}
	if f.AgentType != "" {
		clauses = append(clauses, "agent_type=?")
		args = append(args, f.AgentType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + taskColumns + ` FROM agent_tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, seq ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClaimNextPending atomically hands the highest-ordered pending task for an
// agent type to the caller. Ordering is (priority DESC, created_at ASC, seq
// ASC, id ASC), so equal-priority tasks created in the same instant dispatch
// in step declaration order; tasks still inside a retry backoff window are
// skipped. The claim is a compare-and-set on status, so under concurrent
// callers exactly one wins a given task; losers move on to the next candidate.
func (r Repo) ClaimNextPending(ctx context.Context, agentType, agentID string, now time.Time) (domain.AgentTask, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	for {
		var id string
		err := r.DB.QueryRowContext(ctx, `SELECT id FROM agent_tasks
WHERE agent_type=? AND status=? AND (not_before IS NULL OR not_before<=?)
ORDER BY priority DESC, created_at ASC, seq ASC, id ASC LIMIT 1`, agentType, domain.TaskPending, nowStr).Scan(&id)
		if err == sql.ErrNoRows {
			return domain.AgentTask{}, ErrNotFound
		}
		if err != nil {
			return domain.AgentTask{}, err
		}
		res, err := r.DB.ExecContext(ctx, `UPDATE agent_tasks SET status=?, agent_id=?, started_at=?, updated_at=?
WHERE id=? AND status=?`, domain.TaskRunning, agentID, nowStr, nowStr, id, domain.TaskPending)
		if err != nil {
			return domain.AgentTask{}, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return r.GetTask(ctx, id)
		}
		// Lost the race for this candidate; try the next one.
	}
}

// CompleteTaskTx transitions running -> completed for the owning agent.
func (r Repo) CompleteTaskTx(ctx context.Context, tx *sql.Tx, id, agentID, resultJSON string, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE agent_tasks SET status=?, result_json=?, updated_at=?, completed_at=?
WHERE id=? AND status=? AND agent_id=?`,
		domain.TaskCompleted, nullable(resultJSON), nowStr, nowStr, id, domain.TaskRunning, agentID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RetryTaskTx re-enqueues a failed attempt: running -> pending with the retry
// counter bumped and the backoff deadline recorded. Priority is unchanged.
func (r Repo) RetryTaskTx(ctx context.Context, tx *sql.Tx, id, errMsg string, notBefore, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE agent_tasks SET status=?, agent_id=NULL, retry_count=retry_count+1,
error=?, not_before=?, updated_at=?, started_at=NULL
WHERE id=? AND status=? AND retry_count < max_retries`,
		domain.TaskPending, nullable(errMsg), notBefore.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339),
		id, domain.TaskRunning)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FailTaskTx transitions running -> failed once retries are exhausted.
func (r Repo) FailTaskTx(ctx context.Context, tx *sql.Tx, id, errMsg string, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE agent_tasks SET status=?, error=?, updated_at=?, completed_at=?
WHERE id=? AND status=?`,
		domain.TaskFailed, nullable(errMsg), nowStr, nowStr, id, domain.TaskRunning)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelTaskTx transitions pending/running -> cancelled.
func (r Repo) CancelTaskTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE agent_tasks SET status=?, updated_at=?, completed_at=?
WHERE id=? AND status IN (?,?)`,
		domain.TaskCancelled, nowStr, nowStr, id, domain.TaskPending, domain.TaskRunning)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListRunningTasksByAgent returns tasks currently claimed by the agent.
func (r Repo) ListRunningTasksByAgent(ctx context.Context, agentID string) ([]domain.AgentTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE agent_id=? AND status=? ORDER BY created_at ASC, seq ASC, id ASC`,
		agentID, domain.TaskRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountOpenTasks counts pending and running tasks for an execution.
func (r Repo) CountOpenTasksTx(ctx context.Context, tx *sql.Tx, executionID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_tasks WHERE execution_id=? AND status IN (?,?)`,
		executionID, domain.TaskPending, domain.TaskRunning).Scan(&n)
	return n, err
}

// ListTasksByExecutionTx reads all of an execution's tasks inside a tx.
func (r Repo) ListTasksByExecutionTx(ctx context.Context, tx *sql.Tx, executionID string) ([]domain.AgentTask, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE execution_id=? ORDER BY created_at ASC, seq ASC, id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
