// Package client is the Go consumer of the collaboration engine: it owns
// the transport lifecycle (connect, heartbeat, reconnect with backoff,
// explicit close) and folds the room event stream into a Facade the UI
// layer reads.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"workhub/collab/internal/collab"
	"workhub/collab/internal/transport"
)

// Config describes one client connection to one document room.
type Config struct {
	// URL is the room endpoint, e.g. ws://host:8791/ws/doc-1.
	URL        string
	UserID     string
	UserName   string
	UserAvatar string

	HeartbeatInterval time.Duration // default 10s
	InitialBackoff    time.Duration // default 500ms
	MaxBackoff        time.Duration // default 30s
	MaxAttempts       int           // reconnect attempts before giving up, default 8
	Dialer            *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

var ErrNotConnected = errors.New("client is not connected")

// Client drives the connection state machine. All state transitions go
// through setStatus, which enforces the lifecycle invariant and notifies
// listeners.
type Client struct {
	cfg    Config
	facade *Facade

	mu           sync.Mutex
	writeMu      sync.Mutex
	status       collab.ConnectionStatus
	conn         *websocket.Conn
	connectionID string
	listeners    []func(collab.ConnectionStatus)
	closed       bool
}

func New(cfg Config) *Client {
	c := &Client{
		cfg:    cfg.withDefaults(),
		status: collab.StatusDisconnected,
	}
	c.facade = newFacade(c)
	return c
}

// Facade exposes the UI-facing view: connection status, presence lists,
// and the pending conflict list.
func (c *Client) Facade() *Facade { return c.facade }

func (c *Client) Status() collab.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatusChange registers a listener invoked on every lifecycle
// transition.
func (c *Client) OnStatusChange(fn func(collab.ConnectionStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Client) setStatus(next collab.ConnectionStatus) bool {
	c.mu.Lock()
	if !c.status.CanTransition(next) {
		c.mu.Unlock()
		return false
	}
	c.status = next
	listeners := append([]func(collab.ConnectionStatus){}, c.listeners...)
	c.mu.Unlock()
	c.facade.setStatus(next)
	for _, fn := range listeners {
		fn(next)
	}
	return true
}

// Connect dials the room and blocks until the first connection is
// established. After that the client maintains the connection in the
// background, reconnecting with exponential backoff until the attempt
// budget runs out or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	if !c.setStatus(collab.StatusConnecting) {
		return fmt.Errorf("connect from %q: %w", c.Status(), ErrNotConnected)
	}
	conn, err := c.dial(ctx)
	if err != nil {
		c.setStatus(collab.StatusDisconnected)
		return err
	}
	c.setStatus(collab.StatusConnected)
	go c.run(ctx, conn)
	return nil
}

// dial opens the socket and performs the join handshake. The first server
// frame must be room-state; it seeds the facade.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	join := transport.JoinPayload{
		UserID:       c.cfg.UserID,
		UserName:     c.cfg.UserName,
		UserAvatar:   c.cfg.UserAvatar,
		ConnectionID: c.connectionID,
		LastSeq:      c.facade.LastSeq(),
	}
	c.mu.Unlock()

	if err := c.writeFrame(conn, transport.TypeJoin, join); err != nil {
		conn.Close()
		return nil, err
	}

	var state transport.Frame
	if err := conn.ReadJSON(&state); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read join reply: %w", err)
	}
	if state.Type == transport.TypeError {
		conn.Close()
		return nil, fmt.Errorf("join rejected: %s", string(state.Data))
	}
	if state.Type != transport.TypeRoomState {
		conn.Close()
		return nil, fmt.Errorf("unexpected join reply %q", state.Type)
	}
	var payload transport.RoomStatePayload
	if err := transport.DecodePayload(state, &payload); err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.connectionID = payload.ConnectionID
	c.mu.Unlock()
	c.facade.applyRoomState(payload)
	return conn, nil
}

// run reads the event stream and keeps the connection alive, entering the
// reconnect path when the socket drops.
func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	for {
		heartbeatStop := make(chan struct{})
		go c.heartbeatLoop(conn, heartbeatStop)
		err := c.readLoop(conn)
		close(heartbeatStop)
		conn.Close()

		if c.isClosed() || ctx.Err() != nil {
			c.setStatus(collab.StatusDisconnected)
			return
		}
		if !c.setStatus(collab.StatusReconnecting) {
			return
		}
		log.Printf("client: connection lost (%v), reconnecting", err)

		next, rerr := c.reconnect(ctx)
		if rerr != nil {
			log.Printf("client: reconnect failed: %v", rerr)
			c.setStatus(collab.StatusDisconnected)
			return
		}
		c.setStatus(collab.StatusConnected)
		conn = next
	}
}

// reconnect retries the dial with exponential backoff and jitter until it
// succeeds or the attempt budget is spent.
func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, error) {
	policy := c.backoffPolicy()
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		wait := policy.NextBackOff()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if c.isClosed() {
			return nil, ErrNotConnected
		}
		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		log.Printf("client: reconnect attempt %d/%d failed: %v", attempt, c.cfg.MaxAttempts, err)
	}
	return nil, fmt.Errorf("gave up after %d reconnect attempts", c.cfg.MaxAttempts)
}

// backoffPolicy builds the reconnect schedule: exponential from
// InitialBackoff, capped at MaxBackoff, with jitter. The nominal (unjittered)
// schedule is non-decreasing until the cap.
func (c *Client) backoffPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialBackoff
	policy.MaxInterval = c.cfg.MaxBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var frame transport.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		c.facade.applyFrame(frame)
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			payload := transport.HeartbeatPayload{ConnectionID: c.ConnectionID()}
			if err := c.send(transport.TypeHeartbeat, payload); err != nil {
				return
			}
		}
	}
}

func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

func (c *Client) send(frameType string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	status := c.status
	c.mu.Unlock()
	if conn == nil || status != collab.StatusConnected {
		return ErrNotConnected
	}
	return c.writeFrame(conn, frameType, payload)
}

// SubmitOperation sends an optimistic edit with its base version.
func (c *Client) SubmitOperation(entityID string, baseVersion int64, op collab.Operation) error {
	return c.send(transport.TypeOperationSubmit, transport.OperationSubmitPayload{
		EntityID:    entityID,
		BaseVersion: baseVersion,
		Operation:   op,
	})
}

// SetAction publishes what this user is currently doing.
func (c *Client) SetAction(action string) error {
	return c.send(transport.TypeAction, transport.ActionPayload{
		ConnectionID: c.ConnectionID(),
		Action:       action,
	})
}

func (c *Client) resolveConflict(conflictID string, decision collab.Decision) error {
	return c.send(transport.TypeConflictResolve, transport.ConflictResolvePayload{
		ConflictID: conflictID,
		Decision:   decision,
		ResolvedBy: c.cfg.UserID,
	})
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close leaves the room explicitly and tears the connection down. A closed
// client does not reconnect; a fresh Connect is required.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	connectionID := c.connectionID
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = c.writeFrame(conn, transport.TypeLeave, transport.LeavePayload{ConnectionID: connectionID})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	return nil
}

// writeFrame serializes all socket writes; gorilla connections allow only
// one concurrent writer.
func (c *Client) writeFrame(conn *websocket.Conn, frameType string, payload any) error {
	frame, err := transport.EncodeFrame(frameType, 0, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(frame)
}
