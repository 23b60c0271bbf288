package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"curricord/internal/config"
	"curricord/internal/domain"
	"curricord/internal/events"
	"curricord/internal/hub"
	"curricord/internal/repo"
)

var (
	// ErrConflict signals an operation against an entity already in a
	// terminal or otherwise incompatible state.
	ErrConflict = errors.New("conflict")
	// ErrCapacity signals the concurrent-session limit; retryable.
	ErrCapacity = errors.New("capacity exceeded")
	// ErrNoTask signals an empty dispatch queue for the agent type.
	ErrNoTask = errors.New("no claimable task")
)

// Notifier receives real-time events from the scheduler. Delivery is
// best-effort; the scheduler never depends on it for correctness.
type Notifier interface {
	BroadcastEvent(msgType string, data any, room string)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Notifier Notifier
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func sessionRoom(sessionID string) string {
	return "analysis-" + sessionID
}

func (e Engine) notify(msgType string, data any, room string) {
	if e.Notifier == nil {
		return
	}
	e.Notifier.BroadcastEvent(msgType, data, room)
}

// SessionStartOptions are parameters for starting an analysis session.
type SessionStartOptions struct {
	ID           string
	TargetID     string
	ComparisonID string
	Depth        string
	WorkflowName string
	InputJSON    string
	ActorID      string
}

// StartSession creates a session, snapshots the workflow definition, creates
// the execution and the tasks of every step with no dependencies, and moves
// everything to running. Rejected without partial state when the concurrent
// session limit is reached.
func (e Engine) StartSession(ctx context.Context, opts SessionStartOptions) (domain.AnalysisSession, error) {
	if e.Config == nil {
		return domain.AnalysisSession{}, errors.New("config not loaded")
	}
	if opts.TargetID == "" {
		return domain.AnalysisSession{}, errors.New("target is required")
	}
	if opts.WorkflowName == "" {
		opts.WorkflowName = "curriculum-analysis"
	}
	wfCfg, ok := e.Config.Workflows[opts.WorkflowName]
	if !ok {
		return domain.AnalysisSession{}, fmt.Errorf("workflow %s not found", opts.WorkflowName)
	}
	if opts.Depth == "" {
		opts.Depth = "standard"
	}
	limit := e.Config.Scheduler.MaxConcurrentSessions
	if limit > 0 {
		active, err := e.Repo.CountActiveSessions(ctx)
		if err != nil {
			return domain.AnalysisSession{}, err
		}
		if active >= limit {
			return domain.AnalysisSession{}, fmt.Errorf("%w: %d sessions already active", ErrCapacity, active)
		}
	}

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	s := domain.AnalysisSession{
		ID:           id,
		TargetID:     opts.TargetID,
		Depth:        opts.Depth,
		WorkflowName: opts.WorkflowName,
		Status:       domain.ExecutionPending,
		CreatedBy:    opts.ActorID,
		CreatedAt:    nowStr,
	}
	if opts.ComparisonID != "" {
		s.ComparisonID = &opts.ComparisonID
	}
	wf := snapshotFromConfig(opts.WorkflowName, wfCfg, nowStr)

	exec := domain.WorkflowExecution{
		ID:              uuid.New().String(),
		SessionID:       s.ID,
		WorkflowName:    wf.Name,
		WorkflowVersion: wf.Version,
		Status:          domain.ExecutionPending,
		CreatedAt:       nowStr,
	}
	if opts.InputJSON != "" {
		exec.InputJSON = &opts.InputJSON
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AnalysisSession{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertSessionTx(ctx, tx, s); err != nil {
		return domain.AnalysisSession{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Repo.SnapshotWorkflow(ctx, tx, wf); err != nil {
		return domain.AnalysisSession{}, fmt.Errorf("snapshot workflow: %w", err)
	}
	if err := e.Repo.InsertExecutionTx(ctx, tx, exec); err != nil {
		return domain.AnalysisSession{}, fmt.Errorf("insert execution: %w", err)
	}
	if err := e.startExecution(ctx, tx, wf, exec, now); err != nil {
		return domain.AnalysisSession{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.started", s.ID, "session", s.ID, opts.ActorID, events.EventPayload{
		"workflow": wf.Name, "target": s.TargetID,
	}); err != nil {
		return domain.AnalysisSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AnalysisSession{}, err
	}

	s.Status = domain.ExecutionRunning
	pct, phase := progressForExecution(wf, nil)
	e.notify(hub.TypeAnalysisProgress, hub.ProgressPayload{
		SessionID: s.ID, Progress: pct, Phase: phase, Status: s.Status,
	}, sessionRoom(s.ID))
	return s, nil
}

// startExecution validates the step graph, creates the initially-ready
// tasks, and transitions execution and session to running.
func (e Engine) startExecution(ctx context.Context, tx *sql.Tx, wf domain.Workflow, exec domain.WorkflowExecution, now time.Time) error {
	nowStr := now.Format(time.RFC3339)
	created := map[string]bool{}
	for i, step := range wf.Steps {
		if len(step.DependsOn) > 0 {
			continue
		}
		if err := e.createTask(ctx, tx, exec, step, i, now); err != nil {
			return err
		}
		created[step.ID] = true
	}
	if len(created) == 0 {
		return fmt.Errorf("workflow %s has no runnable entry steps", wf.Name)
	}
	startedAt := nowStr
	if _, err := e.Repo.UpdateExecutionStatusTx(ctx, tx, exec.ID, []string{domain.ExecutionPending}, repo.ExecutionUpdate{
		Status:    domain.ExecutionRunning,
		StartedAt: &startedAt,
	}); err != nil {
		return err
	}
	if err := e.Repo.UpdateSessionStatusTx(ctx, tx, exec.SessionID, domain.ExecutionRunning, nil); err != nil {
		return err
	}
	_, phase := progressForExecution(wf, nil)
	return e.Repo.UpdateSessionProgressTx(ctx, tx, exec.SessionID, 0, phase)
}

// createTask materializes one step instance. Task payload carries the
// execution input so agents do not need a second lookup; seq is the step's
// declaration position, the dispatch tie-break among equal priorities.
func (e Engine) createTask(ctx context.Context, tx *sql.Tx, exec domain.WorkflowExecution, step domain.WorkflowStep, seq int, now time.Time) error {
	nowStr := now.Format(time.RFC3339)
	maxRetries := e.Config.Scheduler.DefaultMaxRetries
	priority := step.Priority
	if priority == 0 {
		priority = 50
	}
	t := domain.AgentTask{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		StepID:      step.ID,
		AgentType:   step.AgentType,
		Status:      domain.TaskPending,
		Priority:    priority,
		Seq:         seq,
		MaxRetries:  maxRetries,
		PayloadJSON: exec.InputJSON,
		CreatedAt:   nowStr,
		UpdatedAt:   nowStr,
	}
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return fmt.Errorf("insert task %s: %w", step.ID, err)
	}
	return e.Events.Append(ctx, tx, "task.created", exec.SessionID, "task", t.ID, "scheduler", events.EventPayload{
		"step": step.ID, "agent_type": step.AgentType,
	})
}

// CancelSession cancels the session's execution and every non-terminal task.
// Returns ErrConflict when the execution is already terminal. Running tasks
// get a best-effort abort signal relayed to the owning agent over the hub.
func (e Engine) CancelSession(ctx context.Context, sessionID, actorID string) (domain.AnalysisSession, error) {
	exec, err := e.Repo.GetExecutionBySession(ctx, sessionID)
	if err != nil {
		return domain.AnalysisSession{}, err
	}
	if domain.ExecutionTerminal(exec.Status) {
		return domain.AnalysisSession{}, fmt.Errorf("%w: execution already %s", ErrConflict, exec.Status)
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AnalysisSession{}, err
	}
	defer tx.Rollback()

	tasks, err := e.Repo.ListTasksByExecutionTx(ctx, tx, exec.ID)
	if err != nil {
		return domain.AnalysisSession{}, err
	}
	var aborted []domain.AgentTask
	for _, t := range tasks {
		if t.Terminal() {
			continue
		}
		running := t.Status == domain.TaskRunning
		if _, err := e.Repo.CancelTaskTx(ctx, tx, t.ID, now); err != nil {
			return domain.AnalysisSession{}, err
		}
		if running {
			aborted = append(aborted, t)
		}
	}
	completedAt := nowStr
	ok, err := e.Repo.UpdateExecutionStatusTx(ctx, tx, exec.ID,
		[]string{domain.ExecutionPending, domain.ExecutionRunning, domain.ExecutionPaused},
		repo.ExecutionUpdate{Status: domain.ExecutionCancelled, CompletedAt: &completedAt})
	if err != nil {
		return domain.AnalysisSession{}, err
	}
	if !ok {
		return domain.AnalysisSession{}, fmt.Errorf("%w: execution no longer cancellable", ErrConflict)
	}
	if err := e.Repo.UpdateSessionStatusTx(ctx, tx, sessionID, domain.ExecutionCancelled, &completedAt); err != nil {
		return domain.AnalysisSession{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.cancelled", sessionID, "session", sessionID, actorID, events.EventPayload{
		"cancelled_tasks": len(aborted),
	}); err != nil {
		return domain.AnalysisSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AnalysisSession{}, err
	}

	for _, t := range aborted {
		if t.AgentID == nil {
			continue
		}
		e.notify(hub.TypeAgentStatus, hub.AgentStatusPayload{
			AgentID: *t.AgentID, Status: domain.AgentIdle, TaskID: t.ID, Action: "abort",
		}, sessionRoom(sessionID))
	}
	e.notify(hub.TypeAnalysisComplete, hub.CompletePayload{
		SessionID: sessionID, Status: domain.ExecutionCancelled,
	}, sessionRoom(sessionID))
	return e.Repo.GetSession(ctx, sessionID)
}

// SessionStatus is the control-surface view of a session.
type SessionStatus struct {
	Session   domain.AnalysisSession   `json:"session"`
	Execution domain.WorkflowExecution `json:"execution"`
	Tasks     []domain.AgentTask       `json:"tasks"`
}

func (e Engine) GetSessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	exec, err := e.Repo.GetExecutionBySession(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ExecutionID: exec.ID})
	if err != nil {
		return SessionStatus{}, err
	}
	return SessionStatus{Session: s, Execution: exec, Tasks: tasks}, nil
}

func snapshotFromConfig(name string, wfCfg config.WorkflowConfig, createdAt string) domain.Workflow {
	wf := domain.Workflow{
		Name:      name,
		Version:   wfCfg.Version,
		CreatedAt: createdAt,
	}
	for _, s := range wfCfg.Steps {
		wf.Steps = append(wf.Steps, domain.WorkflowStep{
			ID:        s.ID,
			AgentType: s.AgentType,
			DependsOn: s.DependsOn,
			Weight:    s.Weight,
			Priority:  s.Priority,
		})
	}
	return wf
}
