/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Koinonia Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signaling implements the client for the Koinonia signaling
// gateway: a websocket channel that delivers asynchronous call signals
// (invites, accepts, rejects, participant changes) independently of the
// REST call-management API and of the media transport.
//
// Signals for the same call are delivered in send order by the gateway;
// the client preserves that order by dispatching from a single read loop.
package signaling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koinoniahq/koinonia-go/koinoniasdk"
)

// Signal is one message from the signaling gateway. Type is the
// discriminant that selects the handler; Data carries the type-specific
// payload and is decoded by the consumer.
type Signal struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	CallID     string          `json:"callId,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	TrackingID string          `json:"trackingId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Handler is a callback invoked for a received signal.
type Handler func(sig *Signal)

// Config holds configuration for the signaling client
type Config struct {
	// URL overrides the signaling gateway websocket URL from the core
	// client configuration.
	URL string

	// PingInterval is how often to send websocket pings. Default: 30s.
	PingInterval time.Duration

	// PongTimeout is how long to wait for a pong before the connection
	// is considered dead. Default: 10s.
	PongTimeout time.Duration

	// BackoffTimeReset is the initial reconnect backoff delay. Default: 1s.
	BackoffTimeReset time.Duration

	// BackoffTimeMax caps the reconnect backoff delay. Default: 32s.
	BackoffTimeMax time.Duration

	// MaxRetries is the number of reconnect attempts after a dropped
	// connection before giving up. Default: 3.
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		BackoffTimeReset: 1 * time.Second,
		BackoffTimeMax:   32 * time.Second,
		MaxRetries:       3,
	}
}

// Client is the signaling gateway client. Handlers are registered per
// signal type; "*" registers a wildcard handler that receives every signal.
type Client struct {
	mu sync.RWMutex

	core   *koinoniasdk.Client
	config *Config

	conn      *websocket.Conn
	connected bool
	stop      chan struct{}

	// Serializes writes; gorilla allows only one concurrent writer.
	writeMu sync.Mutex

	handlers map[string][]Handler

	// Dialer is the websocket dialer used for connections. Tests may
	// replace it; nil means websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// New creates a new signaling client
func New(core *koinoniasdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongTimeout == 0 {
		config.PongTimeout = 10 * time.Second
	}
	if config.BackoffTimeReset == 0 {
		config.BackoffTimeReset = 1 * time.Second
	}
	if config.BackoffTimeMax == 0 {
		config.BackoffTimeMax = 32 * time.Second
	}

	return &Client{
		core:     core,
		config:   config,
		handlers: make(map[string][]Handler),
	}
}

// On registers a handler for a signal type. Use "*" to receive all signals.
func (c *Client) On(signalType string, handler Handler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[signalType] = append(c.handlers[signalType], handler)
}

// ClearHandlers removes all handlers for a signal type.
func (c *Client) ClearHandlers(signalType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, signalType)
}

// IsConnected returns whether the websocket is currently connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// gatewayURL resolves the websocket URL to connect to.
func (c *Client) gatewayURL() string {
	if c.config.URL != "" {
		return c.config.URL
	}
	return c.core.Config.SignalingURL
}

// Connect dials the signaling gateway and starts the read and ping loops.
// It returns once the websocket is established; signals are then delivered
// asynchronously to registered handlers.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	wsURL := c.gatewayURL()
	if wsURL == "" {
		return fmt.Errorf("no signaling gateway URL configured")
	}

	conn, err := c.dial(wsURL)
	if err != nil {
		return fmt.Errorf("signaling connection failed: %w", err)
	}

	stop := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.stop = stop
	c.mu.Unlock()

	go c.readLoop(conn, stop)
	go c.pingLoop(conn, stop)

	return nil
}

// dial performs a single websocket dial with authentication headers.
func (c *Client) dial(wsURL string) (*websocket.Conn, error) {
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.core.GetAccessToken())
	header.Set("trackingId", fmt.Sprintf("koinonia-go_%s", uuid.New().String()))

	conn, resp, err := dialer.Dial(wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(c.config.PingInterval + c.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.PingInterval + c.config.PongTimeout))
	})

	return conn, nil
}

// Disconnect closes the websocket and stops the loops. It is safe to call
// more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	stop := c.stop
	c.conn = nil
	c.connected = false
	c.stop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

// readLoop reads signals from the websocket and dispatches them in order.
// On a read error it attempts to reconnect with exponential backoff unless
// the client was stopped.
func (c *Client) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			c.core.GetLogger().Printf("signaling: read error: %v", err)
			c.reconnect(stop)
			return
		}

		var sig Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			c.core.GetLogger().Printf("signaling: malformed signal: %v", err)
			continue
		}

		c.dispatch(&sig)
	}
}

// dispatch invokes the handlers for a signal's type, then the wildcard
// handlers. Handlers run on the read loop goroutine so per-call ordering
// is preserved.
func (c *Client) dispatch(sig *Signal) {
	c.mu.RLock()
	typed := make([]Handler, len(c.handlers[sig.Type]))
	copy(typed, c.handlers[sig.Type])
	wild := make([]Handler, len(c.handlers["*"]))
	copy(wild, c.handlers["*"])
	c.mu.RUnlock()

	for _, h := range typed {
		h(sig)
	}
	for _, h := range wild {
		h(sig)
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (c *Client) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(c.config.PongTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.core.GetLogger().Printf("signaling: ping failed: %v", err)
				return
			}
		}
	}
}

// reconnect re-establishes a dropped connection with exponential backoff.
func (c *Client) reconnect(stop chan struct{}) {
	c.mu.Lock()
	// The old connection is gone; mark disconnected but keep the stop
	// channel so Disconnect during backoff is honored.
	c.connected = false
	c.conn = nil
	c.mu.Unlock()

	delay := c.config.BackoffTimeReset

	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := c.dial(c.gatewayURL())
		if err != nil {
			c.core.GetLogger().Printf("signaling: reconnect attempt %d failed: %v", attempt+1, err)
			delay *= 2
			if delay > c.config.BackoffTimeMax {
				delay = c.config.BackoffTimeMax
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		go c.readLoop(conn, stop)
		go c.pingLoop(conn, stop)
		return
	}

	c.core.GetLogger().Printf("signaling: giving up after %d reconnect attempts", c.config.MaxRetries)
}
