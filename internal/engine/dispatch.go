package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"curricord/internal/domain"
	"curricord/internal/events"
	"curricord/internal/hub"
	"curricord/internal/repo"
)

// AgentRegisterOptions are parameters for registering an agent worker.
type AgentRegisterOptions struct {
	ID           string
	Type         string
	Capabilities []string
}

// RegisterAgent registers or refreshes an agent. Re-registering an existing
// ID updates its type and capabilities and re-enables it.
func (e Engine) RegisterAgent(ctx context.Context, opts AgentRegisterOptions) (domain.Agent, error) {
	if opts.ID == "" || opts.Type == "" {
		return domain.Agent{}, errors.New("agent id and type are required")
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	a := domain.Agent{
		ID:            opts.ID,
		Type:          opts.Type,
		Capabilities:  opts.Capabilities,
		Status:        domain.AgentIdle,
		LastHeartbeat: nowStr,
		RegisteredAt:  nowStr,
	}
	if err := e.Repo.UpsertAgent(ctx, a); err != nil {
		return domain.Agent{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "agent.registered", "", "agent", a.ID, a.ID, events.EventPayload{
		"type": a.Type,
	}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return e.Repo.GetAgent(ctx, a.ID)
}

// Heartbeat records agent liveness and its self-reported status.
func (e Engine) Heartbeat(ctx context.Context, agentID, status string) (domain.Agent, error) {
	switch status {
	case "":
		status = domain.AgentIdle
	case domain.AgentIdle, domain.AgentBusy, domain.AgentError:
	default:
		return domain.Agent{}, fmt.Errorf("invalid agent status %q", status)
	}
	if err := e.Repo.TouchAgentHeartbeat(ctx, agentID, status, e.now()); err != nil {
		return domain.Agent{}, err
	}
	return e.Repo.GetAgent(ctx, agentID)
}

// ClaimTask hands the agent the highest-ordered pending task for its type.
// Returns ErrNoTask when the queue is empty.
func (e Engine) ClaimTask(ctx context.Context, agentType, agentID string) (domain.AgentTask, error) {
	agent, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.AgentTask{}, fmt.Errorf("agent %s not registered: %w", agentID, repo.ErrNotFound)
		}
		return domain.AgentTask{}, err
	}
	if agent.Disabled {
		return domain.AgentTask{}, fmt.Errorf("%w: agent %s is disabled", ErrConflict, agentID)
	}
	t, err := e.Repo.ClaimNextPending(ctx, agentType, agentID, e.now())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.AgentTask{}, ErrNoTask
		}
		return domain.AgentTask{}, err
	}
	exec, err := e.Repo.GetExecution(ctx, t.ExecutionID)
	if err != nil {
		return domain.AgentTask{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentTask{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetAgentStatusTx(ctx, tx, agentID, domain.AgentBusy); err != nil {
		return domain.AgentTask{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.claimed", exec.SessionID, "task", t.ID, agentID, events.EventPayload{
		"step": t.StepID,
	}); err != nil {
		return domain.AgentTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentTask{}, err
	}

	e.notify(hub.TypeAgentStatus, hub.AgentStatusPayload{
		AgentID: agentID, Status: domain.AgentBusy, TaskID: t.ID,
	}, sessionRoom(exec.SessionID))
	return t, nil
}

// CompleteTask records a successful task outcome, materializes any steps the
// completion unblocks, and finishes the execution when no work remains. A
// report against an already-cancelled task is accepted as a no-op: the
// cancellation stands.
func (e Engine) CompleteTask(ctx context.Context, taskID, agentID, resultJSON string) (domain.AgentTask, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.AgentTask{}, err
	}
	if t.Status == domain.TaskCancelled {
		return t, nil
	}
	exec, err := e.Repo.GetExecution(ctx, t.ExecutionID)
	if err != nil {
		return domain.AgentTask{}, err
	}
	wf, err := e.Repo.GetWorkflow(ctx, exec.WorkflowName, exec.WorkflowVersion)
	if err != nil {
		return domain.AgentTask{}, err
	}
	now := e.now().UTC()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentTask{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.CompleteTaskTx(ctx, tx, taskID, agentID, resultJSON, now)
	if err != nil {
		return domain.AgentTask{}, err
	}
	if !ok {
		return domain.AgentTask{}, fmt.Errorf("%w: task %s is %s and owned by %s", ErrConflict, taskID, t.Status, strOrDash(t.AgentID))
	}
	if err := e.Repo.BumpAgentCountersTx(ctx, tx, agentID, 1, 0); err != nil {
		return domain.AgentTask{}, err
	}
	if err := e.Repo.SetAgentStatusTx(ctx, tx, agentID, domain.AgentIdle); err != nil {
		return domain.AgentTask{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.completed", exec.SessionID, "task", taskID, agentID, events.EventPayload{
		"step": t.StepID,
	}); err != nil {
		return domain.AgentTask{}, err
	}

	tasks, err := e.Repo.ListTasksByExecutionTx(ctx, tx, exec.ID)
	if err != nil {
		return domain.AgentTask{}, err
	}
	order := stepOrder(wf)
	for _, step := range readySteps(wf, tasks) {
		if err := e.createTask(ctx, tx, exec, step, order[step.ID], now); err != nil {
			return domain.AgentTask{}, err
		}
		tasks = append(tasks, domain.AgentTask{StepID: step.ID, Status: domain.TaskPending})
	}

	done := executionComplete(wf, tasks)
	pct, phase := progressForExecution(wf, tasks)
	if done {
		pct, phase = 100, ""
		completedAt := now.Format(time.RFC3339)
		if _, err := e.Repo.UpdateExecutionStatusTx(ctx, tx, exec.ID, []string{domain.ExecutionRunning},
			repo.ExecutionUpdate{Status: domain.ExecutionCompleted, CompletedAt: &completedAt}); err != nil {
			return domain.AgentTask{}, err
		}
		if err := e.Repo.UpdateSessionStatusTx(ctx, tx, exec.SessionID, domain.ExecutionCompleted, &completedAt); err != nil {
			return domain.AgentTask{}, err
		}
		if err := e.Events.Append(ctx, tx, "session.completed", exec.SessionID, "session", exec.SessionID, "scheduler", nil); err != nil {
			return domain.AgentTask{}, err
		}
	}
	if err := e.Repo.UpdateSessionProgressTx(ctx, tx, exec.SessionID, pct, phase); err != nil {
		return domain.AgentTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentTask{}, err
	}

	status := exec.Status
	if done {
		status = domain.ExecutionCompleted
	}
	e.notify(hub.TypeAnalysisProgress, hub.ProgressPayload{
		SessionID: exec.SessionID, Progress: pct, Phase: phase, Status: status,
	}, sessionRoom(exec.SessionID))
	if done {
		e.notify(hub.TypeAnalysisComplete, hub.CompletePayload{
			SessionID: exec.SessionID, Status: domain.ExecutionCompleted,
		}, sessionRoom(exec.SessionID))
	}
	return e.Repo.GetTask(ctx, taskID)
}

// FailTask records a failed attempt. Below the retry budget the task is
// re-enqueued with a backoff deadline; once exhausted it goes terminal,
// every open task of the execution is cancelled, and the execution fails.
// A report against an already-cancelled task is accepted as a no-op.
func (e Engine) FailTask(ctx context.Context, taskID, agentID, errMsg string) (domain.AgentTask, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.AgentTask{}, err
	}
	if t.Status == domain.TaskCancelled {
		return t, nil
	}
	if t.AgentID == nil || *t.AgentID != agentID {
		return domain.AgentTask{}, fmt.Errorf("%w: task %s is not owned by agent %s", ErrConflict, taskID, agentID)
	}
	exec, err := e.Repo.GetExecution(ctx, t.ExecutionID)
	if err != nil {
		return domain.AgentTask{}, err
	}
	now := e.now().UTC()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentTask{}, err
	}
	defer tx.Rollback()

	if t.RetryCount < t.MaxRetries {
		notBefore := now.Add(e.Config.Scheduler.RetryDelay(t.RetryCount))
		ok, err := e.Repo.RetryTaskTx(ctx, tx, taskID, errMsg, notBefore, now)
		if err != nil {
			return domain.AgentTask{}, err
		}
		if !ok {
			return domain.AgentTask{}, fmt.Errorf("%w: task %s is %s", ErrConflict, taskID, t.Status)
		}
		if err := e.Repo.BumpAgentCountersTx(ctx, tx, agentID, 0, 1); err != nil {
			return domain.AgentTask{}, err
		}
		if err := e.Repo.SetAgentStatusTx(ctx, tx, agentID, domain.AgentIdle); err != nil {
			return domain.AgentTask{}, err
		}
		if err := e.Events.Append(ctx, tx, "task.retried", exec.SessionID, "task", taskID, agentID, events.EventPayload{
			"step": t.StepID, "attempt": t.RetryCount + 1, "error": errMsg,
		}); err != nil {
			return domain.AgentTask{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.AgentTask{}, err
		}
		return e.Repo.GetTask(ctx, taskID)
	}

	if err := e.failTaskCascadeTx(ctx, tx, t, exec, agentID, errMsg, now); err != nil {
		return domain.AgentTask{}, err
	}
	if err := e.Repo.BumpAgentCountersTx(ctx, tx, agentID, 0, 1); err != nil {
		return domain.AgentTask{}, err
	}
	if err := e.Repo.SetAgentStatusTx(ctx, tx, agentID, domain.AgentIdle); err != nil {
		return domain.AgentTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentTask{}, err
	}

	e.notify(hub.TypeAnalysisComplete, hub.CompletePayload{
		SessionID: exec.SessionID, Status: domain.ExecutionFailed, Error: errMsg,
	}, sessionRoom(exec.SessionID))
	return e.Repo.GetTask(ctx, taskID)
}

// failTaskCascadeTx marks the task terminally failed, cancels every other
// task still open, and fails the execution and session. A failed execution
// never dispatches again, so no non-terminal task may survive it; steps that
// were never materialized simply never will be.
func (e Engine) failTaskCascadeTx(ctx context.Context, tx *sql.Tx, t domain.AgentTask, exec domain.WorkflowExecution, actorID, errMsg string, now time.Time) error {
	ok, err := e.Repo.FailTaskTx(ctx, tx, t.ID, errMsg, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %s is %s", ErrConflict, t.ID, t.Status)
	}
	tasks, err := e.Repo.ListTasksByExecutionTx(ctx, tx, exec.ID)
	if err != nil {
		return err
	}
	cancelled := 0
	for _, other := range tasks {
		if other.Terminal() {
			continue
		}
		if _, err := e.Repo.CancelTaskTx(ctx, tx, other.ID, now); err != nil {
			return err
		}
		cancelled++
	}
	completedAt := now.Format(time.RFC3339)
	if _, err := e.Repo.UpdateExecutionStatusTx(ctx, tx, exec.ID,
		[]string{domain.ExecutionPending, domain.ExecutionRunning, domain.ExecutionPaused},
		repo.ExecutionUpdate{Status: domain.ExecutionFailed, Error: &errMsg, CompletedAt: &completedAt}); err != nil {
		return err
	}
	if err := e.Repo.UpdateSessionStatusTx(ctx, tx, exec.SessionID, domain.ExecutionFailed, &completedAt); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.failed", exec.SessionID, "task", t.ID, actorID, events.EventPayload{
		"step": t.StepID, "error": errMsg, "cancelled_tasks": cancelled,
	}); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "session.failed", exec.SessionID, "session", exec.SessionID, "scheduler", events.EventPayload{
		"failed_step": t.StepID,
	})
}

// ReapStaleAgents marks agents whose heartbeat lapsed as offline and returns
// their running tasks to the queue (or fails them when out of retries).
// Returns the number of agents reaped.
func (e Engine) ReapStaleAgents(ctx context.Context) (int, error) {
	staleness := time.Duration(e.Config.Scheduler.AgentStalenessSeconds) * time.Second
	if staleness <= 0 {
		return 0, nil
	}
	now := e.now().UTC()
	stale, err := e.Repo.ListStaleAgents(ctx, now.Add(-staleness))
	if err != nil {
		return 0, err
	}
	for _, a := range stale {
		if err := e.reapAgent(ctx, a, now); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (e Engine) reapAgent(ctx context.Context, a domain.Agent, now time.Time) error {
	running, err := e.Repo.ListRunningTasksByAgent(ctx, a.ID)
	if err != nil {
		return err
	}
	for _, t := range running {
		exec, err := e.Repo.GetExecution(ctx, t.ExecutionID)
		if err != nil {
			return err
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		errMsg := fmt.Sprintf("agent %s went offline", a.ID)
		if t.RetryCount < t.MaxRetries {
			notBefore := now.Add(e.Config.Scheduler.RetryDelay(t.RetryCount))
			if _, err := e.Repo.RetryTaskTx(ctx, tx, t.ID, errMsg, notBefore, now); err != nil {
				tx.Rollback()
				return err
			}
			if err := e.Events.Append(ctx, tx, "task.requeued", exec.SessionID, "task", t.ID, "scheduler", events.EventPayload{
				"step": t.StepID, "agent": a.ID,
			}); err != nil {
				tx.Rollback()
				return err
			}
		} else if err := e.failTaskCascadeTx(ctx, tx, t, exec, "scheduler", errMsg, now); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetAgentStatusTx(ctx, tx, a.ID, domain.AgentOffline); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "agent.offline", "", "agent", a.ID, "scheduler", events.EventPayload{
		"requeued_tasks": len(running),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// executionComplete reports whether every declared step has a completed task.
func executionComplete(wf domain.Workflow, tasks []domain.AgentTask) bool {
	byStep := make(map[string]domain.AgentTask, len(tasks))
	for _, t := range tasks {
		byStep[t.StepID] = t
	}
	for _, step := range wf.Steps {
		t, ok := byStep[step.ID]
		if !ok || t.Status != domain.TaskCompleted {
			return false
		}
	}
	return true
}

func strOrDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
