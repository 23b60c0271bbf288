package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"curricord/internal/identity"
)

// EventKind enumerates the hub's observable events. Listeners can only
// subscribe to this fixed set.
type EventKind int

const (
	EventConnect EventKind = iota
	EventAuthenticated
	EventDisconnect
	EventChat
	EventMessage
)

type Event struct {
	Kind     EventKind
	ConnID   string
	UserID   string
	Room     string
	Envelope Envelope
}

// Listener receives hub events. Called synchronously from connection
// goroutines; implementations must not block.
type Listener func(Event)

type Config struct {
	MaxConnections    int
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	AuthGrace         time.Duration
	SendBuffer        int
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 500
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 60 * time.Second
	}
	if c.AuthGrace <= 0 {
		c.AuthGrace = time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// Hub owns all connection and room state. It never touches persisted
// entities; the scheduler publishes events into it via Broadcast.
type Hub struct {
	cfg       Config
	validator identity.Validator
	logger    *log.Logger
	upgrader  websocket.Upgrader
	Now       func() time.Time

	mu        sync.RWMutex
	conns     map[string]*Conn
	rooms     map[string]map[string]*Conn
	listeners []Listener
	closed    bool
	stop      context.CancelFunc

	wg sync.WaitGroup
}

func New(cfg Config, validator identity.Validator, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		cfg:       cfg.withDefaults(),
		validator: validator,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		Now:   time.Now,
		conns: make(map[string]*Conn),
		rooms: make(map[string]map[string]*Conn),
	}
}

// RegisterListener subscribes to hub events.
func (h *Hub) RegisterListener(l Listener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

func (h *Hub) emit(evt Event) {
	h.mu.RLock()
	listeners := h.listeners
	h.mu.RUnlock()
	for _, l := range listeners {
		l(evt)
	}
}

// ServeHTTP upgrades the request and runs the connection lifecycle.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	now := h.Now()
	c := newConn(uuid.New().String(), ws, h.cfg.SendBuffer, now)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.terminate(websocket.CloseGoingAway, "server shutdown")
		return
	}
	if len(h.conns) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		env, _ := NewEnvelope(TypeError, ErrorPayload{Code: "capacity_exceeded", Message: "connection capacity exceeded, retry later"}, now)
		_ = ws.WriteJSON(env)
		c.terminate(websocket.CloseTryAgainLater, "connection capacity exceeded")
		return
	}
	h.conns[c.ID] = c
	h.mu.Unlock()

	go c.writeLoop()

	c.setState(StateAuthenticating)
	ack, _ := NewEnvelope(TypeConnect, ConnectAckPayload{ConnectionID: c.ID, AuthRequired: true}, now)
	c.enqueue(ack)
	h.emit(Event{Kind: EventConnect, ConnID: c.ID})

	h.readLoop(c)
}

func (h *Hub) readLoop(c *Conn) {
	defer h.drop(c, websocket.CloseNormalClosure, "connection closed")
	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if _, ok := err.(*json.SyntaxError); ok || isUnmarshalError(err) {
				// A single bad frame is never fatal.
				c.touch(h.Now())
				h.sendError(c, "invalid_message", "malformed message", "")
				continue
			}
			return
		}
		c.touch(h.Now())
		h.dispatch(c, env)
	}
}

func isUnmarshalError(err error) bool {
	_, ok := err.(*json.UnmarshalTypeError)
	return ok
}

func (h *Hub) dispatch(c *Conn, env Envelope) {
	if env.Type == "" {
		h.sendError(c, "invalid_message", "message type is required", env.ID)
		return
	}
	if c.State() != StateAuthenticated {
		if env.Type == TypeAuth {
			h.handleAuth(c, env)
			return
		}
		h.sendError(c, "auth_required", "authentication required", env.ID)
		return
	}
	switch env.Type {
	case TypeAuth:
		// Already authenticated; re-ack idempotently.
		h.reply(c, TypeAuthSuccess, AuthSuccessPayload{UserID: c.UserID()}, env.ID)
	case TypePing:
		h.reply(c, TypePong, nil, env.ID)
	case TypeJoinRoom:
		var p RoomPayload
		if err := decodePayload(env, &p); err != nil || p.Room == "" {
			h.sendError(c, "invalid_message", "join_room requires a room", env.ID)
			return
		}
		h.JoinRoom(c, p.Room)
		h.reply(c, TypeRoomJoined, RoomPayload{Room: p.Room}, env.ID)
	case TypeLeaveRoom:
		var p RoomPayload
		if err := decodePayload(env, &p); err != nil || p.Room == "" {
			h.sendError(c, "invalid_message", "leave_room requires a room", env.ID)
			return
		}
		h.LeaveRoom(c, p.Room)
		h.reply(c, TypeRoomLeft, RoomPayload{Room: p.Room}, env.ID)
	case TypeChatMessage:
		var p ChatPayload
		if err := decodePayload(env, &p); err != nil || p.Room == "" || p.Text == "" {
			h.sendError(c, "invalid_message", "chat_message requires room and text", env.ID)
			return
		}
		h.Broadcast(env, p.Room, c.ID)
		h.emit(Event{Kind: EventChat, ConnID: c.ID, UserID: c.UserID(), Room: p.Room, Envelope: env})
	case TypeTyping:
		var p TypingPayload
		if err := decodePayload(env, &p); err != nil || p.Room == "" {
			h.sendError(c, "invalid_message", "typing requires a room", env.ID)
			return
		}
		h.Broadcast(env, p.Room, c.ID)
	case TypeAgentStatus:
		var p AgentStatusPayload
		if err := decodePayload(env, &p); err != nil || p.AgentID == "" {
			h.sendError(c, "invalid_message", "agent_status requires agent_id", env.ID)
			return
		}
		h.Broadcast(env, "", c.ID)
		h.emit(Event{Kind: EventMessage, ConnID: c.ID, UserID: c.UserID(), Envelope: env})
	default:
		h.sendError(c, "invalid_message", "unknown message type "+env.Type, env.ID)
	}
}

func (h *Hub) handleAuth(c *Conn, env Envelope) {
	var p AuthPayload
	if err := decodePayload(env, &p); err != nil || p.Token == "" {
		h.sendError(c, "invalid_message", "auth requires a token", env.ID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := h.validator.ValidateToken(ctx, p.Token)
	if err != nil {
		h.reply(c, TypeAuthError, ErrorPayload{Code: "auth_failed", Message: "authentication failed"}, env.ID)
		// Grace period lets the client read the error before the close.
		time.AfterFunc(h.cfg.AuthGrace, func() {
			h.drop(c, websocket.ClosePolicyViolation, "authentication failed")
		})
		return
	}
	c.authenticate(id.UserID)
	h.reply(c, TypeAuthSuccess, AuthSuccessPayload{UserID: id.UserID}, env.ID)
	h.emit(Event{Kind: EventAuthenticated, ConnID: c.ID, UserID: id.UserID})
}

// JoinRoom adds the connection to a room, creating it lazily. Idempotent.
func (h *Hub) JoinRoom(c *Conn, room string) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[c.ID] = c
	h.mu.Unlock()
	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()
}

// LeaveRoom removes the connection; an emptied room is destroyed. Idempotent.
func (h *Hub) LeaveRoom(c *Conn, room string) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// RoomSize returns the current membership count.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast fans the envelope out to authenticated members of the room, or to
// every authenticated connection when room is empty. The excluded connection
// and any connection whose channel is full are skipped silently.
func (h *Hub) Broadcast(env Envelope, room, excludeConnID string) {
	h.mu.RLock()
	var targets []*Conn
	if room != "" {
		for _, c := range h.rooms[room] {
			targets = append(targets, c)
		}
	} else {
		for _, c := range h.conns {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		if c.ID == excludeConnID {
			continue
		}
		if c.State() != StateAuthenticated {
			continue
		}
		c.enqueue(env)
	}
}

// BroadcastEvent builds an envelope and fans it out.
func (h *Hub) BroadcastEvent(msgType string, data any, room string) {
	env, err := NewEnvelope(msgType, data, h.Now())
	if err != nil {
		h.logger.Printf("hub: drop %s broadcast: %v", msgType, err)
		return
	}
	h.Broadcast(env, room, "")
}

// Run drives the periodic heartbeat sweep until the context is cancelled.
// The sweep is the only place inactive connections are removed.
func (h *Hub) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.stop = cancel
	h.mu.Unlock()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.sweep(h.Now())
			}
		}
	}()
}

// sweep terminates connections idle beyond the timeout and probes the ones
// approaching it.
func (h *Hub) sweep(now time.Time) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		idle := c.idleSince(now)
		switch {
		case idle > h.cfg.ConnectionTimeout:
			h.drop(c, websocket.ClosePolicyViolation, "inactivity timeout")
		case idle > h.cfg.HeartbeatInterval:
			env, _ := NewEnvelope(TypePing, nil, now)
			c.enqueue(env)
		}
	}
}

// drop unregisters the connection from the hub and every room it belongs to,
// then terminates the websocket.
func (h *Hub) drop(c *Conn, code int, reason string) {
	h.mu.Lock()
	_, registered := h.conns[c.ID]
	delete(h.conns, c.ID)
	for _, room := range c.joinedRooms() {
		if members, ok := h.rooms[room]; ok {
			delete(members, c.ID)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()
	userID := c.UserID()
	c.terminate(code, reason)
	if registered {
		h.emit(Event{Kind: EventDisconnect, ConnID: c.ID, UserID: userID})
	}
}

// Shutdown terminates every connection and clears all rooms.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	if h.stop != nil {
		h.stop()
	}
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Conn)
	h.rooms = make(map[string]map[string]*Conn)
	h.mu.Unlock()
	for _, c := range conns {
		c.terminate(websocket.CloseGoingAway, "server shutdown")
	}
	h.wg.Wait()
}

func (h *Hub) reply(c *Conn, msgType string, data any, correlationID string) {
	env, err := NewEnvelope(msgType, data, h.Now())
	if err != nil {
		return
	}
	env.CorrelationID = correlationID
	c.enqueue(env)
}

func (h *Hub) sendError(c *Conn, code, message, correlationID string) {
	msgType := TypeError
	if code == "invalid_message" {
		msgType = TypeInvalidMessage
	}
	env, err := NewEnvelope(msgType, ErrorPayload{Code: code, Message: message}, h.Now())
	if err != nil {
		return
	}
	env.CorrelationID = correlationID
	c.enqueue(env)
}
