package repo

import (
	"context"
	"database/sql"
	"strings"

	"curricord/internal/domain"
)

const sessionColumns = `id,target_id,comparison_id,depth,workflow_name,status,progress,phase,created_by,created_at,completed_at`

func scanSession(scan func(dest ...any) error) (domain.AnalysisSession, error) {
	var s domain.AnalysisSession
	var comparison, phase, completed sql.NullString
	err := scan(&s.ID, &s.TargetID, &comparison, &s.Depth, &s.WorkflowName, &s.Status, &s.Progress, &phase, &s.CreatedBy, &s.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if comparison.Valid {
		s.ComparisonID = &comparison.String
	}
	if phase.Valid {
		s.Phase = phase.String
	}
	if completed.Valid {
		s.CompletedAt = &completed.String
	}
	return s, nil
}

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.AnalysisSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO analysis_sessions(id,target_id,comparison_id,depth,workflow_name,status,progress,phase,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TargetID, nullableStringPtr(s.ComparisonID), s.Depth, s.WorkflowName, s.Status, s.Progress, nullable(s.Phase), s.CreatedBy, s.CreatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.AnalysisSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM analysis_sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

type SessionFilters struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.AnalysisSession, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + sessionColumns + ` FROM analysis_sessions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AnalysisSession
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountActiveSessions counts sessions that still hold a concurrency slot.
func (r Repo) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM analysis_sessions WHERE status IN (?,?,?)`,
		domain.ExecutionPending, domain.ExecutionRunning, domain.ExecutionPaused).Scan(&n)
	return n, err
}

// UpdateSessionProgressTx writes progress and phase. MAX() keeps the stored
// percentage monotone even if a caller recomputes a smaller value.
func (r Repo) UpdateSessionProgressTx(ctx context.Context, tx *sql.Tx, id string, progress int, phase string) error {
	_, err := tx.ExecContext(ctx, `UPDATE analysis_sessions SET progress=MAX(progress,?), phase=? WHERE id=?`,
		progress, nullable(phase), id)
	return err
}

func (r Repo) UpdateSessionStatusTx(ctx context.Context, tx *sql.Tx, id, status string, completedAt *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE analysis_sessions SET status=?, completed_at=COALESCE(?,completed_at) WHERE id=?`,
		status, nullableStringPtr(completedAt), id)
	return err
}

const executionColumns = `id,session_id,workflow_name,workflow_version,status,input_json,output_json,error,created_at,started_at,completed_at`

func scanExecution(scan func(dest ...any) error) (domain.WorkflowExecution, error) {
	var e domain.WorkflowExecution
	var input, output, errMsg, started, completed sql.NullString
	err := scan(&e.ID, &e.SessionID, &e.WorkflowName, &e.WorkflowVersion, &e.Status, &input, &output, &errMsg, &e.CreatedAt, &started, &completed)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if input.Valid {
		e.InputJSON = &input.String
	}
	if output.Valid {
		e.OutputJSON = &output.String
	}
	if errMsg.Valid {
		e.Error = &errMsg.String
	}
	if started.Valid {
		e.StartedAt = &started.String
	}
	if completed.Valid {
		e.CompletedAt = &completed.String
	}
	return e, nil
}

func (r Repo) InsertExecutionTx(ctx context.Context, tx *sql.Tx, e domain.WorkflowExecution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_executions(id,session_id,workflow_name,workflow_version,status,input_json,created_at)
VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.SessionID, e.WorkflowName, e.WorkflowVersion, e.Status, nullableStringPtr(e.InputJSON), e.CreatedAt)
	return err
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.WorkflowExecution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id=?`, id)
	return scanExecution(row.Scan)
}

func (r Repo) GetExecutionBySession(ctx context.Context, sessionID string) (domain.WorkflowExecution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE session_id=? ORDER BY created_at DESC LIMIT 1`, sessionID)
	return scanExecution(row.Scan)
}

type ExecutionUpdate struct {
	Status      string
	Error       *string
	OutputJSON  *string
	StartedAt   *string
	CompletedAt *string
}

// UpdateExecutionStatusTx transitions an execution guarded by its expected
// current status. Returns false when the guard did not match.
func (r Repo) UpdateExecutionStatusTx(ctx context.Context, tx *sql.Tx, id string, expected []string, upd ExecutionUpdate) (bool, error) {
	placeholders := make([]string, len(expected))
	args := []any{upd.Status, nullableStringPtr(upd.Error), nullableStringPtr(upd.OutputJSON), nullableStringPtr(upd.StartedAt), nullableStringPtr(upd.CompletedAt), id}
	for i, s := range expected {
		placeholders[i] = "?"
		args = append(args, s)
	}
	res, err := tx.ExecContext(ctx, `UPDATE workflow_executions SET status=?,
error=COALESCE(?,error), output_json=COALESCE(?,output_json),
started_at=COALESCE(?,started_at), completed_at=COALESCE(?,completed_at)
WHERE id=? AND status IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
