package domain

// Agent statuses.
const (
	AgentIdle    = "idle"
	AgentBusy    = "busy"
	AgentError   = "error"
	AgentOffline = "offline"
)

// Execution and session statuses.
const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
	ExecutionPaused    = "paused"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// PhaseFinalizing is reported when no task is pending or running but the
// execution has not reached a terminal status yet.
const PhaseFinalizing = "finalizing"

type Agent struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Status         string   `json:"status" enum:"idle,busy,error,offline"`
	Disabled       bool     `json:"disabled"`
	LastHeartbeat  string   `json:"last_heartbeat,omitempty" format:"date-time"`
	TasksCompleted int      `json:"tasks_completed"`
	TasksFailed    int      `json:"tasks_failed"`
	RegisteredAt   string   `json:"registered_at" format:"date-time"`
}

// WorkflowStep is one node of a workflow's dependency graph. Weight defaults
// to 1 when the definition does not assign one.
type WorkflowStep struct {
	ID        string   `json:"id"`
	AgentType string   `json:"agent_type"`
	DependsOn []string `json:"depends_on,omitempty"`
	Weight    int      `json:"weight,omitempty"`
	Priority  int      `json:"priority,omitempty"`
}

// StepWeight returns the step's progress weight, defaulting to 1.
func (s WorkflowStep) StepWeight() int {
	if s.Weight <= 0 {
		return 1
	}
	return s.Weight
}

// Workflow is a named, versioned step graph. Once referenced by an execution
// the (name, version) pair is immutable; edits create a new version.
type Workflow struct {
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	Steps     []WorkflowStep `json:"steps"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type WorkflowExecution struct {
	ID              string  `json:"id"`
	SessionID       string  `json:"session_id"`
	WorkflowName    string  `json:"workflow_name"`
	WorkflowVersion int     `json:"workflow_version"`
	Status          string  `json:"status" enum:"pending,running,completed,failed,cancelled,paused"`
	InputJSON       *string `json:"input_json,omitempty"`
	OutputJSON      *string `json:"output_json,omitempty"`
	Error           *string `json:"error,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
}

type AgentTask struct {
	ID          string  `json:"id"`
	ExecutionID string  `json:"execution_id"`
	StepID      string  `json:"step_id"`
	AgentType   string  `json:"agent_type"`
	AgentID     *string `json:"agent_id,omitempty"`
	Status      string  `json:"status" enum:"pending,running,completed,failed,cancelled"`
	Priority    int     `json:"priority"`
	Seq         int     `json:"seq"`
	RetryCount  int     `json:"retry_count"`
	MaxRetries  int     `json:"max_retries"`
	PayloadJSON *string `json:"payload_json,omitempty"`
	ResultJSON  *string `json:"result_json,omitempty"`
	Error       *string `json:"error,omitempty"`
	NotBefore   *string `json:"not_before,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// Terminal reports whether the task can never change status again.
func (t AgentTask) Terminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

type AnalysisSession struct {
	ID           string  `json:"id"`
	TargetID     string  `json:"target_id"`
	ComparisonID *string `json:"comparison_id,omitempty"`
	Depth        string  `json:"depth"`
	WorkflowName string  `json:"workflow_name"`
	Status       string  `json:"status" enum:"pending,running,completed,failed,cancelled,paused"`
	Progress     int     `json:"progress_percentage"`
	Phase        string  `json:"phase,omitempty"`
	CreatedBy    string  `json:"created_by"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ExecutionTerminal reports whether an execution/session status is final.
func ExecutionTerminal(status string) bool {
	switch status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}
