// Package feed subscribes to the machine status topic of a message broker.
// The Client is transport-neutral; STOMP over WebSocket and NATS dialers are
// provided.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"fleetdash/internal/metrics"
)

// State of the broker connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	ErrNotConnected = errors.New("feed not connected")
	// ErrDisconnected is returned by Connect when Disconnect ran while the
	// dial was in flight.
	ErrDisconnected = errors.New("disconnected while connecting")
)

// ConnectionError is a failed connect or a lost connection.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("feed connection to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscriptionError is a subscription the broker refused.
type SubscriptionError struct {
	Topic string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s: %v", e.Topic, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Handler receives raw payloads in broker order. It runs on the transport's
// delivery goroutine; blocking it holds back later messages.
type Handler func(payload []byte)

// Conn is one established broker connection.
type Conn interface {
	// Subscribe asks the broker for topic and returns the subscription id.
	// A broker that refuses it may instead end the connection.
	Subscribe(topic string, deliver Handler) (string, error)
	Unsubscribe(id string) error
	Close() error
	// Done is closed when the connection ends for any reason.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	Endpoint() string
}

type Subscription struct {
	Topic string
	id    string
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client owns at most one connection and the subscriptions opened on it.
// Lost connections are reported on Lost and never retried.
type Client struct {
	dial    Dialer
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State
	conn  Conn
	subs  map[string]*Subscription
	lost  chan error
}

func NewClient(dial Dialer, opts ...Option) *Client {
	c := &Client{
		dial:   dial,
		logger: zap.NewNop(),
		subs:   make(map[string]*Subscription),
		lost:   make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Lost delivers a *ConnectionError each time an established connection
// drops without Disconnect having been called.
func (c *Client) Lost() <-chan error {
	return c.lost
}

// Connect dials the broker. Calling it on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Connected:
		c.mu.Unlock()
		return nil
	case Connecting:
		c.mu.Unlock()
		return &ConnectionError{Endpoint: c.dial.Endpoint(), Err: errors.New("connect already in progress")}
	}
	c.state = Connecting
	c.mu.Unlock()

	conn, err := c.dial.Dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = Disconnected
		return &ConnectionError{Endpoint: c.dial.Endpoint(), Err: err}
	}
	if c.state != Connecting {
		_ = conn.Close()
		return &ConnectionError{Endpoint: c.dial.Endpoint(), Err: ErrDisconnected}
	}
	c.state = Connected
	c.conn = conn
	c.metrics.FeedConnected(1)
	c.logger.Info("feed connected", zap.String("endpoint", c.dial.Endpoint()))
	go c.watch(conn)
	return nil
}

func (c *Client) watch(conn Conn) {
	<-conn.Done()

	c.mu.Lock()
	if c.conn != conn {
		// Disconnect already took it down.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = Disconnected
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	c.metrics.FeedConnected(-1)
	cause := conn.Err()
	if cause == nil {
		cause = errors.New("connection closed")
	}
	c.logger.Warn("feed connection lost", zap.String("endpoint", c.dial.Endpoint()), zap.Error(cause))
	select {
	case c.lost <- &ConnectionError{Endpoint: c.dial.Endpoint(), Err: cause}:
	default:
	}
}

// Subscribe opens a subscription on the current connection.
func (c *Client) Subscribe(topic string, h Handler) (*Subscription, error) {
	c.mu.Lock()
	conn := c.conn
	if c.state != Connected || conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.mu.Unlock()

	id, err := conn.Subscribe(topic, h)
	if err != nil {
		return nil, &SubscriptionError{Topic: topic, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return nil, &SubscriptionError{Topic: topic, Err: ErrNotConnected}
	}
	s := &Subscription{Topic: topic, id: id}
	c.subs[id] = s
	c.logger.Debug("subscribed", zap.String("topic", topic), zap.String("id", id))
	return s, nil
}

func (c *Client) Unsubscribe(s *Subscription) error {
	if s == nil {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	_, ok := c.subs[s.id]
	delete(c.subs, s.id)
	c.mu.Unlock()

	if !ok || conn == nil {
		return nil
	}
	return conn.Unsubscribe(s.id)
}

// Disconnect releases every open subscription and closes the connection.
// It is safe to call on a client that never connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	subs := c.subs
	wasConnected := c.state == Connected
	c.conn = nil
	c.state = Disconnected
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	var errs []error
	for id := range subs {
		if err := conn.Unsubscribe(id); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", id, err))
		}
	}
	if err := conn.Close(); err != nil {
		errs = append(errs, err)
	}
	if wasConnected {
		c.metrics.FeedConnected(-1)
	}
	c.logger.Info("feed disconnected", zap.String("endpoint", c.dial.Endpoint()))
	return errors.Join(errs...)
}
