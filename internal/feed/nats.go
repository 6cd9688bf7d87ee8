package feed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectFor maps a broker topic path to a NATS subject:
// "/topic/machine-status" becomes "topic.machine-status".
func SubjectFor(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// NATSDialer connects to a NATS server. Reconnects are disabled so a
// dropped connection reaches the Client as a loss.
type NATSDialer struct {
	URL     string
	Name    string
	Options []nats.Option
	Logger  *zap.Logger
}

func (d *NATSDialer) Endpoint() string { return d.URL }

func (d *NATSDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := d.Name
	if name == "" {
		name = "fleetdash"
	}

	c := &natsConn{
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
		done:   make(chan struct{}),
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			c.logger.Debug("nats disconnected", zap.Error(err))
			c.fail(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.fail(nats.ErrConnectionClosed)
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	opts = append(opts, d.Options...)

	nc, err := nats.Connect(d.URL, opts...)
	if err != nil {
		return nil, err
	}
	c.nc = nc
	return c, nil
}

type natsConn struct {
	nc     *nats.Conn
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	once sync.Once
	done chan struct{}
	err  error
}

func (c *natsConn) Done() <-chan struct{} { return c.done }

func (c *natsConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *natsConn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Subscribe returns once the server has seen the subscription. Messages of
// one subscription are delivered serially, in publish order.
func (c *natsConn) Subscribe(topic string, deliver Handler) (string, error) {
	sub, err := c.nc.Subscribe(SubjectFor(topic), func(m *nats.Msg) {
		deliver(m.Data)
	})
	if err != nil {
		return "", err
	}
	if err := c.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return "", err
	}
	if err := c.nc.LastError(); err != nil {
		_ = sub.Unsubscribe()
		return "", err
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()
	return id, nil
}

func (c *natsConn) Unsubscribe(id string) error {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok || c.nc.IsClosed() {
		return nil
	}
	return sub.Unsubscribe()
}

func (c *natsConn) Close() error {
	c.nc.Close()
	c.fail(nats.ErrConnectionClosed)
	return nil
}
