package chat

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/campuschat/internal/logger"
)

// ConnState is the lifecycle state of the group socket.
//
//	Idle -> Connecting -> Open -> Closed -> Reconnecting -> Connecting ...
//
// After the bounded reconnect attempts are exhausted the connection returns
// to Idle and stays there until the caller reopens it explicitly.
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnecting   ConnState = "connecting"
	StateOpen         ConnState = "open"
	StateClosed       ConnState = "closed"
	StateReconnecting ConnState = "reconnecting"
)

const (
	reconnectBase        = time.Second
	reconnectCap         = 30 * time.Second
	maxReconnectAttempts = 5

	connDialTimeout  = 10 * time.Second
	connWriteTimeout = 10 * time.Second
)

// ErrNotOpen is returned by Send when the connection is not Open.
var ErrNotOpen = errors.New("chat: connection not open")

// StateChange is one transition of the connection state machine. Attempt is
// set for StateReconnecting (1-based); Reason is set for StateClosed.
type StateChange struct {
	State   ConnState
	Attempt int
	Reason  error
}

// ConnectionManager owns one logical socket connection per active group:
// dial, authenticate via token, detect failure, reconnect with bounded
// exponential backoff. At most one group is live at a time; opening a
// different group tears the previous connection down first.
//
// Inbound frames are delivered to the frame handler in arrival order from a
// single reader goroutine. Both handlers expect a single consumer.
type ConnectionManager struct {
	baseURL string
	dialer  *websocket.Dialer

	onFrame func(raw []byte)
	onState func(StateChange)

	// backoff policy, defaulted to the package constants
	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int

	mu             sync.Mutex
	state          ConnState
	groupID        int64
	token          string
	conn           *websocket.Conn
	attempt        int // failed attempts since the last Open
	announcedDown  bool
	reconnectTimer *time.Timer
	gen            uint64 // invalidates pumps and timers of torn-down connections
}

// NewConnectionManager creates a manager dialing baseURL (e.g.
// "ws://host/ws"). onFrame receives raw inbound frames; onState receives
// state transitions. Either may be nil.
func NewConnectionManager(baseURL string, onFrame func([]byte), onState func(StateChange)) *ConnectionManager {
	return &ConnectionManager{
		baseURL:     baseURL,
		dialer:      &websocket.Dialer{HandshakeTimeout: connDialTimeout},
		onFrame:     onFrame,
		onState:     onState,
		backoffBase: reconnectBase,
		backoffCap:  reconnectCap,
		maxAttempts: maxReconnectAttempts,
		state:       StateIdle,
	}
}

// State returns the current connection state.
func (c *ConnectionManager) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GroupID returns the group the connection is (or was last) bound to.
func (c *ConnectionManager) GroupID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupID
}

// Open connects to the given group, authenticating with token. Opening while
// already Open for the same group is a no-op. Opening for a different group
// in any non-Idle state forces a close of the previous connection first.
func (c *ConnectionManager) Open(groupID int64, token string) {
	c.mu.Lock()
	if c.state == StateOpen && c.groupID == groupID {
		c.mu.Unlock()
		return
	}
	if c.state != StateIdle {
		c.teardownLocked()
	}
	c.groupID = groupID
	c.token = token
	c.attempt = 0
	c.announcedDown = false
	c.state = StateConnecting
	gen := c.gen
	c.mu.Unlock()

	c.emit(StateChange{State: StateConnecting})
	go c.dial(gen)
}

// Close tears the connection down and returns the state machine to Idle.
// Safe to call in any state.
func (c *ConnectionManager) Close() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.state = StateIdle
	c.mu.Unlock()
	c.emit(StateChange{State: StateIdle})
}

// Send marshals v to JSON and writes it to the socket. Fails with ErrNotOpen
// unless the connection is Open.
func (c *ConnectionManager) Send(v any) error {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return ErrNotOpen
	}
	conn := c.conn
	gen := c.gen
	c.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(connWriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		c.handleFailure(gen, fmt.Errorf("write: %w", err))
		return err
	}
	return nil
}

// teardownLocked invalidates the current generation, cancels any pending
// reconnect timer and closes the socket. Caller holds c.mu.
func (c *ConnectionManager) teardownLocked() {
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *ConnectionManager) endpoint() string {
	q := url.Values{}
	q.Set("group", strconv.FormatInt(c.groupID, 10))
	q.Set("token", c.token)
	return c.baseURL + "?" + q.Encode()
}

func (c *ConnectionManager) dial(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	endpoint := c.endpoint()
	c.mu.Unlock()

	conn, resp, err := c.dialer.Dial(endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.handleFailure(gen, fmt.Errorf("dial: %w", err))
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.attempt = 0
	c.announcedDown = false
	c.mu.Unlock()

	logger.Debugf("conn open group=%d", c.groupID)
	c.emit(StateChange{State: StateOpen})
	go c.readLoop(gen, conn)
}

// readLoop delivers inbound frames in arrival order until the socket errors.
func (c *ConnectionManager) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleFailure(gen, err)
			return
		}
		if c.onFrame != nil {
			c.onFrame(raw)
		}
	}
}

// handleFailure runs the backoff path. Transport errors and abnormal closes
// are treated identically. The Closed transition (connected=false) is
// published once per failure, not once per retry.
func (c *ConnectionManager) handleFailure(gen uint64, reason error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen = c.gen
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	var changes []StateChange
	c.state = StateClosed
	if !c.announcedDown {
		c.announcedDown = true
		changes = append(changes, StateChange{State: StateClosed, Reason: reason})
	}

	if c.attempt >= c.maxAttempts {
		// Exhausted: terminal Idle, reopening requires an explicit caller action.
		c.state = StateIdle
		c.mu.Unlock()
		logger.Errorf("conn group=%d gave up after %d attempts: %v", c.groupID, c.maxAttempts, reason)
		for _, s := range changes {
			c.emit(s)
		}
		c.emit(StateChange{State: StateIdle})
		return
	}

	delay := delayForAttempt(c.backoffBase, c.backoffCap, c.attempt)
	c.attempt++
	attempt := c.attempt
	c.state = StateReconnecting
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(gen) })
	c.mu.Unlock()

	logger.Debugf("conn group=%d reconnect attempt=%d in %s: %v", c.groupID, attempt, delay, reason)
	for _, s := range changes {
		c.emit(s)
	}
	c.emit(StateChange{State: StateReconnecting, Attempt: attempt})
}

func (c *ConnectionManager) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.state = StateConnecting
	c.mu.Unlock()

	c.emit(StateChange{State: StateConnecting})
	c.dial(gen)
}

func (c *ConnectionManager) emit(s StateChange) {
	if c.onState != nil {
		c.onState(s)
	}
}

// delayForAttempt returns min(base*2^n, cap) for the n-th consecutive failure
// (0-based): 1s, 2s, 4s, 8s, 16s, then capped at 30s.
func delayForAttempt(base, cap time.Duration, n int) time.Duration {
	d := base << uint(n)
	if d > cap || d <= 0 {
		return cap
	}
	return d
}
