// Package transport owns the real-time connection to the server: connect,
// send, receive, deliberate disconnect, and linear-backoff reconnection.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/router"
	"github.com/matheus3301/chatsync/internal/status"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5
	DefaultDialTimeout = 10 * time.Second
)

// Config holds connection settings. Zero values select the defaults.
type Config struct {
	URL         string
	BaseDelay   time.Duration
	MaxAttempts int
	DialTimeout time.Duration
	Clock       clock.Clock
}

// Sink receives inbound frames and connection lifecycle events.
// *router.Router implements it.
type Sink interface {
	HandleFrame(frame []byte)
	Dispatch(evt router.Event)
}

// ReconnectScheduled is the bus payload of transport.reconnect_scheduled.
type ReconnectScheduled struct {
	Attempt int
	Delay   time.Duration
}

// SendDropped is the bus payload of transport.send_dropped.
type SendDropped struct {
	Event string
}

// Client is a single real-time connection with automatic reconnection.
// Reconnect attempt n waits BaseDelay*n; after MaxAttempts failures it
// stops until Connect is called again.
type Client struct {
	cfg     Config
	dialer  Dialer
	sink    Sink
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu       sync.Mutex
	conn     Conn
	cancel   context.CancelFunc
	gen      uint64
	attempts int
	timer    *clock.Timer
	manual   bool
	onState  func(status.State, int)

	writeMu sync.Mutex
}

// New creates a disconnected client.
func New(cfg Config, dialer Dialer, sink Sink, b *bus.Bus, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Client{
		cfg:     cfg,
		dialer:  dialer,
		sink:    sink,
		machine: status.NewMachine(b),
		bus:     b,
		logger:  logger.Named("transport"),
	}
}

// OnStateChange sets a hook called after every connection state or
// attempt counter change. Set it before Connect.
func (c *Client) OnStateChange(fn func(st status.State, attempts int)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() status.State {
	return c.machine.Current()
}

// IsConnected reports whether frames can be sent.
func (c *Client) IsConnected() bool {
	return c.machine.Current() == status.Connected
}

// Attempts returns the reconnect attempts made since the last successful
// connect or explicit Connect.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect dials the server. It is a no-op while connecting or connected.
// An explicit call resets the reconnect counter, so it also resumes after
// reconnection gave up. A failed dial schedules a reconnect like any other
// unexpected closure.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.manual = false
	if c.machine.Current() == status.Disconnected {
		c.attempts = 0
		c.stopTimerLocked()
	}
	c.mu.Unlock()
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	if !c.machine.TransitionIf(status.Disconnected, status.Connecting) {
		return nil
	}
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.notifyState()

	conn, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		c.logger.Warn("dial failed", zap.String("url", c.cfg.URL), zap.Error(err))
		if c.machine.TransitionIf(status.Connecting, status.Disconnected) {
			c.notifyState()
		}
		c.bus.Publish(bus.Event{Kind: bus.TransportDisconnected, Payload: err.Error()})
		c.sink.Dispatch(router.Disconnected{Reason: err.Error()})
		c.scheduleReconnect()
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.manual || c.gen != gen {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.gen++
	gen = c.gen
	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.attempts = 0
	c.mu.Unlock()

	if !c.machine.TransitionIf(status.Connecting, status.Connected) {
		cancel()
		_ = conn.Close()
		return nil
	}
	c.notifyState()
	c.logger.Info("connected", zap.String("url", c.cfg.URL))
	c.bus.Publish(bus.Event{Kind: bus.TransportConnected})
	c.sink.Dispatch(router.Connected{})

	go c.readLoop(readCtx, conn, gen)
	return nil
}

// readLoop is the only goroutine delivering inbound frames, so handlers
// observe them in arrival order.
func (c *Client) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			c.closed(gen, err)
			return
		}
		c.sink.HandleFrame(frame)
	}
}

// closed handles an unexpected end of the connection of generation gen.
func (c *Client) closed(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.cancel()
	c.cancel = nil
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn("connection lost", zap.Error(cause))
	if c.machine.TransitionIf(status.Connected, status.Disconnected) {
		c.notifyState()
	}
	c.bus.Publish(bus.Event{Kind: bus.TransportDisconnected, Payload: cause.Error()})
	c.sink.Dispatch(router.Disconnected{Reason: cause.Error()})
	c.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer unless one is already pending,
// the client was disconnected on purpose, or attempts are exhausted.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.manual || c.timer != nil {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxAttempts {
		attempts := c.attempts
		c.mu.Unlock()
		c.logger.Error("reconnect attempts exhausted", zap.Int("attempts", attempts))
		c.bus.Publish(bus.Event{Kind: bus.TransportReconnectExhausted, Payload: attempts})
		return
	}
	c.attempts++
	attempt := c.attempts
	delay := c.cfg.BaseDelay * time.Duration(attempt)
	c.timer = c.cfg.Clock.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	c.bus.Publish(bus.Event{
		Kind:    bus.TransportReconnectScheduled,
		Payload: ReconnectScheduled{Attempt: attempt, Delay: delay},
	})
	c.notifyState()
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.timer = nil
	manual := c.manual
	c.mu.Unlock()
	if manual {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	_ = c.dial(ctx)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Disconnect tears the connection down on purpose: any pending reconnect is
// cancelled and no reconnect is attempted until Connect is called again.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	changed := c.machine.TransitionIf(status.Connected, status.Disconnected) ||
		c.machine.TransitionIf(status.Connecting, status.Disconnected)
	if !changed {
		return
	}
	c.notifyState()
	c.logger.Info("disconnected")
	c.bus.Publish(bus.Event{Kind: bus.TransportDisconnected, Payload: "client disconnect"})
	c.sink.Dispatch(router.Disconnected{Reason: "client disconnect"})
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Send writes {"event":name,"data":payload} when connected. Otherwise the
// payload is dropped and Send returns false; nothing is queued.
func (c *Client) Send(ctx context.Context, name string, payload any) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.IsConnected() {
		c.logger.Debug("not connected, dropping event", zap.String("event", name))
		c.bus.Publish(bus.Event{Kind: bus.TransportSendDropped, Payload: SendDropped{Event: name}})
		return false
	}

	frame, err := json.Marshal(outbound{Event: name, Data: payload})
	if err != nil {
		c.logger.Error("encode event", zap.String("event", name), zap.Error(err))
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(ctx, frame); err != nil {
		c.logger.Warn("write failed", zap.String("event", name), zap.Error(err))
		c.bus.Publish(bus.Event{Kind: bus.TransportSendDropped, Payload: SendDropped{Event: name}})
		return false
	}
	return true
}

func (c *Client) notifyState() {
	c.mu.Lock()
	fn := c.onState
	attempts := c.attempts
	c.mu.Unlock()
	if fn != nil {
		fn(c.machine.Current(), attempts)
	}
}
