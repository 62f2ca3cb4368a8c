// Package broker implements the AMQP transport: a managed connection
// with bounded reconnection, the publisher/consumer broker satisfying
// queue.Broker, and the topology manager that declares the per-org
// resource ladder.
package broker

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/queue"
)

// ConnectionState represents the state of the connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

const (
	defaultHeartbeat   = 10 * time.Second
	defaultDialTimeout = 10 * time.Second
)

// Connection manages an AMQP connection with automatic reconnection.
// Connect retries a bounded number of times before giving up so a
// process without a broker fails fast instead of hanging.
type Connection struct {
	url string
	cfg config.BrokerConfig
	log *zap.Logger

	conn       *amqp.Connection
	mu         sync.RWMutex
	state      atomic.Int32
	closeCh    chan struct{}
	notifyCh   chan *amqp.Error
	reconnects atomic.Int64

	onConnect    []func()
	onDisconnect []func(error)
	onReconnect  []func()
}

// NewConnection creates a connection manager for the given AMQP URL.
func NewConnection(brokerURL string, cfg config.BrokerConfig, log *zap.Logger) *Connection {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ConnectAttempts < 1 {
		cfg.ConnectAttempts = 1
	}
	if cfg.ConnectBaseDelay <= 0 {
		cfg.ConnectBaseDelay = 500 * time.Millisecond
	}
	if cfg.ConnectMaxDelay < cfg.ConnectBaseDelay {
		cfg.ConnectMaxDelay = cfg.ConnectBaseDelay
	}

	c := &Connection{
		url:     brokerURL,
		cfg:     cfg,
		log:     log,
		closeCh: make(chan struct{}),
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// Connect establishes the connection, retrying with exponential backoff
// up to the configured attempt budget.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ConnectionState(c.state.Load()) == StateConnected {
		return nil
	}

	c.state.Store(int32(StateConnecting))

	delay := c.cfg.ConnectBaseDelay
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		conn, err := c.dial()
		if err == nil {
			c.adopt(conn)
			c.log.Info("Connected to broker",
				zap.String("url", RedactURL(c.url)),
				zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err

		if attempt == c.cfg.ConnectAttempts {
			break
		}
		c.log.Warn("Broker connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			c.state.Store(int32(StateDisconnected))
			return queue.BrokerUnavailable("connect to broker", ctx.Err())
		case <-c.closeCh:
			c.state.Store(int32(StateClosed))
			return queue.BrokerUnavailable("connect to broker", queue.ErrConnectionClosed)
		case <-time.After(delay):
		}
		delay = nextReconnectDelay(delay, c.cfg.ConnectMaxDelay)
	}

	c.state.Store(int32(StateDisconnected))
	return queue.BrokerUnavailable(
		fmt.Sprintf("connect to broker failed after %d attempts", c.cfg.ConnectAttempts), lastErr)
}

// adopt installs a live connection and arms the close monitor. Caller
// holds c.mu.
func (c *Connection) adopt(conn *amqp.Connection) {
	c.conn = conn
	c.notifyCh = make(chan *amqp.Error, 1)
	c.conn.NotifyClose(c.notifyCh)
	c.state.Store(int32(StateConnected))

	go c.handleReconnect(c.notifyCh)

	for _, cb := range c.onConnect {
		go cb()
	}
}

func (c *Connection) dial() (*amqp.Connection, error) {
	amqpCfg := amqp.Config{
		Heartbeat: defaultHeartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(defaultDialTimeout),
	}
	return amqp.DialConfig(c.url, amqpCfg)
}

// handleReconnect watches one connection generation for closure and
// drives the bounded reconnect loop.
func (c *Connection) handleReconnect(notifyCh chan *amqp.Error) {
	select {
	case <-c.closeCh:
		return
	case err := <-notifyCh:
		if err == nil {
			// Graceful shutdown closes the channel without an error.
			return
		}

		c.log.Warn("Broker connection lost", zap.Error(err))
		for _, cb := range c.onDisconnect {
			go cb(err)
		}

		c.state.Store(int32(StateReconnecting))
		if rerr := c.reconnect(); rerr != nil {
			c.log.Error("Broker reconnection exhausted", zap.Error(rerr))
			c.state.Store(int32(StateDisconnected))
		}
	}
}

// reconnect redials with the same bounded backoff the initial connect
// uses. On success a fresh monitor generation is armed.
func (c *Connection) reconnect() error {
	delay := c.cfg.ConnectBaseDelay

	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		select {
		case <-c.closeCh:
			return queue.BrokerUnavailable("reconnect", queue.ErrConnectionClosed)
		case <-time.After(delay):
		}

		c.reconnects.Add(1)
		c.log.Info("Attempting broker reconnect",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		conn, err := c.dial()
		if err != nil {
			c.log.Warn("Broker reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			delay = nextReconnectDelay(delay, c.cfg.ConnectMaxDelay)
			continue
		}

		c.mu.Lock()
		c.adopt(conn)
		c.mu.Unlock()

		c.log.Info("Reconnected to broker", zap.Int("attempts", attempt))
		for _, cb := range c.onReconnect {
			go cb()
		}
		return nil
	}

	return queue.BrokerUnavailable(
		fmt.Sprintf("reconnect failed after %d attempts", c.cfg.ConnectAttempts), nil)
}

// nextReconnectDelay doubles the backoff up to the cap.
func nextReconnectDelay(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	return d
}

// Close closes the connection and stops the reconnect monitor.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ConnectionState(c.state.Load()) == StateClosed {
		return nil
	}
	c.state.Store(int32(StateClosed))
	close(c.closeCh)

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			return queue.BrokerUnavailable("close connection", err)
		}
	}

	c.log.Info("Broker connection closed")
	return nil
}

// Channel opens a new AMQP channel on the live connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil || c.conn.IsClosed() {
		return nil, queue.BrokerUnavailable("open channel", queue.ErrNotConnected)
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, queue.BrokerUnavailable("open channel", err)
	}
	return ch, nil
}

// IsConnected reports whether the connection is currently live.
func (c *Connection) IsConnected() bool {
	return ConnectionState(c.state.Load()) == StateConnected
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// ReconnectCount returns the number of reconnection attempts made.
func (c *Connection) ReconnectCount() int64 {
	return c.reconnects.Load()
}

// OnConnect registers a callback invoked after the initial connect and
// every successful reconnect.
func (c *Connection) OnConnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, cb)
}

// OnDisconnect registers a callback invoked when the connection drops.
func (c *Connection) OnDisconnect(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, cb)
}

// OnReconnect registers a callback invoked after a successful
// reconnect. The broker reopens its publisher channel here.
func (c *Connection) OnReconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, cb)
}

// RedactURL strips credentials from an AMQP URL for logging.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "amqp://"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}

// String returns the connection state as a string.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
