package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection states.
const (
	StateConnecting     = "connecting"
	StateAuthenticating = "authenticating"
	StateAuthenticated  = "authenticated"
	StateTerminated     = "terminated"
)

// Conn is one client connection. The hub owns all state transitions; the
// websocket itself is written only by the connection's write loop.
type Conn struct {
	ID string

	ws   *websocket.Conn
	send chan Envelope

	mu           sync.Mutex
	state        string
	userID       string
	rooms        map[string]bool
	lastActivity time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, ws *websocket.Conn, sendBuffer int, now time.Time) *Conn {
	return &Conn{
		ID:           id,
		ws:           ws,
		send:         make(chan Envelope, sendBuffer),
		state:        StateConnecting,
		rooms:        make(map[string]bool),
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

func (c *Conn) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) authenticate(userID string) {
	c.mu.Lock()
	c.state = StateAuthenticated
	c.userID = userID
	c.mu.Unlock()
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *Conn) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

func (c *Conn) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		res = append(res, room)
	}
	return res
}

// enqueue offers a message to the connection's send channel. A full or closed
// channel drops the message: delivery is at-most-once.
func (c *Conn) enqueue(env Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// writeLoop drains the send channel onto the websocket until the connection
// is closed.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case env, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		}
	}
}

// terminate closes the websocket with the given close code and reason. Safe
// to call more than once.
func (c *Conn) terminate(code int, reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateTerminated)
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}
