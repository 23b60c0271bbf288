package server

import (
	"strconv"

	"curricord/internal/domain"
	"curricord/internal/engine"
)

type StartSessionRequest struct {
	TargetID     string         `json:"target_id"`
	ComparisonID *string        `json:"comparison_id,omitempty"`
	Depth        string         `json:"depth,omitempty" enum:"quick,standard,deep"`
	Workflow     string         `json:"workflow,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
}

type RegisterAgentRequest struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type HeartbeatRequest struct {
	Status string `json:"status,omitempty" enum:"idle,busy,error"`
}

type ClaimTaskRequest struct {
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type"`
}

type ClaimTaskResponse struct {
	Task *domain.AgentTask `json:"task"`
}

type CompleteTaskRequest struct {
	AgentID string         `json:"agent_id"`
	Result  map[string]any `json:"result,omitempty"`
}

type FailTaskRequest struct {
	AgentID string `json:"agent_id"`
	Error   string `json:"error"`
}

type paginatedSessions struct {
	Items      []domain.AnalysisSession `json:"items"`
	NextCursor string                   `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type sessionStatusResponse = engine.SessionStatus

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func parseEventCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	return strconv.ParseInt(cursor, 10, 64)
}
