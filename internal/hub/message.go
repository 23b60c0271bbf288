package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types carried in the envelope. Inbound types are validated against
// this set before dispatch; unknown types produce an invalid_message reply.
const (
	TypeConnect          = "connect"
	TypeAuth             = "auth"
	TypeAuthSuccess      = "auth_success"
	TypeAuthError        = "auth_error"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeChatMessage      = "chat_message"
	TypeTyping           = "typing"
	TypeJoinRoom         = "join_room"
	TypeLeaveRoom        = "leave_room"
	TypeRoomJoined       = "room_joined"
	TypeRoomLeft         = "room_left"
	TypeAgentStatus      = "agent_status"
	TypeAnalysisProgress = "analysis_progress"
	TypeAnalysisComplete = "analysis_complete"
	TypeError            = "error"
	TypeInvalidMessage   = "invalid_message"
)

// Envelope is the client-facing message frame.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Timestamp     string          `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Payload shapes, one per inbound message type.

type AuthPayload struct {
	Token string `json:"token"`
}

type ChatPayload struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

type TypingPayload struct {
	Room string `json:"room"`
}

type RoomPayload struct {
	Room string `json:"room"`
}

type AgentStatusPayload struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	TaskID  string `json:"task_id,omitempty"`
	Action  string `json:"action,omitempty"`
}

type ProgressPayload struct {
	SessionID string `json:"session_id"`
	Progress  int    `json:"progress_percentage"`
	Phase     string `json:"phase,omitempty"`
	Status    string `json:"status"`
}

type CompletePayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ConnectAckPayload struct {
	ConnectionID string `json:"connection_id"`
	AuthRequired bool   `json:"auth_required"`
}

type AuthSuccessPayload struct {
	UserID string `json:"user_id"`
}

// NewEnvelope stamps an outbound message.
func NewEnvelope(msgType string, data any, now time.Time) (Envelope, error) {
	env := Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Data = raw
	}
	return env, nil
}

// decodePayload validates an inbound envelope's data against the payload
// shape for its type.
func decodePayload(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s message requires data", env.Type)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return nil
}
