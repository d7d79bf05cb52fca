package remotesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GoCodeAlone/hotmod"
)

// ConnState is the client connection state machine. The client moves
// Disconnected -> Connecting -> Connected, drops to Backoff on any
// failure, and retries after a fixed delay, indefinitely, until its
// context is canceled.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateBackoff      ConnState = "backoff"
)

// MessageHandler receives every envelope the server sends this client,
// in arrival order.
type MessageHandler func(ctx context.Context, env Envelope)

// Client maintains one peer connection to a sync server. Disconnects
// are masked from callers by automatic reconnection; Send fails only
// while no connection is established.
type Client struct {
	url        string
	clientType string
	retryDelay time.Duration
	handler    MessageHandler
	logger     hotmod.Logger

	mu       sync.RWMutex
	state    ConnState
	conn     *websocket.Conn
	clientID string
}

// NewClient creates a client for the given websocket URL. The handler
// may be nil. The retry delay is fixed (no exponential growth); zero
// selects 5 seconds.
func NewClient(url, clientType string, retryDelay time.Duration, handler MessageHandler, logger hotmod.Logger) *Client {
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	if logger == nil {
		logger = hotmod.NewSlogLogger(nil)
	}
	return &Client{
		url:        url,
		clientType: clientType,
		retryDelay: retryDelay,
		handler:    handler,
		logger:     logger,
		state:      StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ClientID returns the session id assigned by the server, empty until
// the register handshake completed.
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Run drives the connection state machine until ctx is canceled. It
// blocks; run it in its own goroutine. On return the client is always
// Disconnected, no matter which state cancellation interrupted.
func (c *Client) Run(ctx context.Context) {
	defer c.setState(StateDisconnected, nil)
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting, nil)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Warn("Connect failed, backing off", "url", c.url, "delay", c.retryDelay, "error", err)
			c.setState(StateBackoff, nil)
			if !sleepCtx(ctx, c.retryDelay) {
				return
			}
			continue
		}

		c.setState(StateConnected, conn)
		c.logger.Info("Connected", "url", c.url)

		if err := c.register(); err != nil {
			c.logger.Error("Register handshake failed", "error", err)
		}

		c.readLoop(ctx, conn)

		c.setState(StateBackoff, nil)
		_ = conn.Close()
		c.logger.Warn("Connection lost, reconnecting", "delay", c.retryDelay)
		if !sleepCtx(ctx, c.retryDelay) {
			return
		}
	}
}

// Send writes one envelope. It fails while the client is not connected;
// callers relying on delivery should watch the broadcast stream for the
// effect rather than trusting the write.
func (c *Client) Send(env Envelope) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("%w: not connected", hotmod.ErrProtocol)
	}
	return conn.WriteJSON(env)
}

func (c *Client) register() error {
	env, err := NewEnvelope(MsgRegister, RegisterRequest{ClientType: c.clientType})
	if err != nil {
		return err
	}
	return c.Send(env)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("Dropping malformed server frame", "error", err)
			continue
		}
		if env.Type == MsgRegistered {
			var reply RegisteredReply
			if err := json.Unmarshal(env.Data, &reply); err == nil {
				c.mu.Lock()
				c.clientID = reply.ClientID
				c.mu.Unlock()
			}
		}
		if c.handler != nil {
			c.handler(ctx, env)
		}
	}
}

func (c *Client) setState(state ConnState, conn *websocket.Conn) {
	c.mu.Lock()
	c.state = state
	c.conn = conn
	c.mu.Unlock()
}

// sleepCtx waits for d, returning false if ctx was canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
