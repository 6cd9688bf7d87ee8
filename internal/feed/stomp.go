package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	stompWriteWait = 10 * time.Second
	// stompReceiptWait bounds how long UNSUBSCRIBE waits for its receipt.
	stompReceiptWait = 5 * time.Second
)

// BrokerError is an ERROR frame sent by the broker.
type BrokerError struct {
	Message string
	Detail  string
}

func (e *BrokerError) Error() string {
	if e.Detail == "" {
		return "broker error: " + e.Message
	}
	return fmt.Sprintf("broker error: %s: %s", e.Message, e.Detail)
}

// brokerError converts an ERROR reported by the STOMP connection.
func brokerError(err error) error {
	var se stomp.Error
	switch e := any(err).(type) {
	case stomp.Error:
		se = e
	case *stomp.Error:
		se = *e
	default:
		return err
	}
	be := &BrokerError{Message: se.Message}
	if se.Frame != nil {
		be.Detail = string(se.Frame.Body)
	}
	return be
}

// STOMPDialer connects to a STOMP 1.2 broker exposed over WebSocket, such as
// a Spring message broker at ws://host/ws.
type STOMPDialer struct {
	URL      string
	Header   http.Header
	Login    string
	Passcode string
	Logger   *zap.Logger
}

func (d *STOMPDialer) Endpoint() string { return d.URL }

func (d *STOMPDialer) Dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, err
	}

	dialer := *websocket.DefaultDialer
	dialer.Subprotocols = []string{"v12.stomp"}
	ws, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, err
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &stompConn{
		logger: logger,
		subs:   make(map[string]*stomp.Subscription),
		done:   make(chan struct{}),
	}
	stream := newWSStream(ws, stompWriteWait)
	stream.onReadError = c.fail
	c.stream = stream

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.AcceptVersion(stomp.V12),
		stomp.ConnOpt.Host(u.Hostname()),
		stomp.ConnOpt.HeartBeat(0, 0),
	}
	if d.Login != "" {
		opts = append(opts, stomp.ConnOpt.Login(d.Login, d.Passcode))
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	conn, err := stomp.Connect(stream, opts...)
	if err != nil {
		_ = ws.Close()
		return nil, brokerError(err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	c.conn = conn
	return c, nil
}

type stompConn struct {
	conn   *stomp.Conn
	stream *wsStream
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*stomp.Subscription

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func (c *stompConn) Done() <-chan struct{} { return c.done }

func (c *stompConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *stompConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Subscribe returns once SUBSCRIBE is queued. A broker ERROR ends the
// whole connection and is reported through Done.
func (c *stompConn) Subscribe(topic string, deliver Handler) (string, error) {
	select {
	case <-c.done:
		return "", ErrDisconnected
	default:
	}
	sub, err := c.conn.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()

	go func() {
		for msg := range sub.C {
			if msg.Err != nil {
				c.logger.Warn("stomp subscription ended", zap.String("topic", topic), zap.Error(msg.Err))
				c.fail(brokerError(msg.Err))
				return
			}
			deliver(msg.Body)
		}
	}()
	return id, nil
}

func (c *stompConn) Unsubscribe(id string) error {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-c.done:
		return nil
	default:
	}

	result := make(chan error, 1)
	go func() { result <- sub.Unsubscribe() }()
	select {
	case err := <-result:
		if errors.Is(err, stomp.ErrCompletedSubscription) {
			return nil
		}
		return err
	case <-c.done:
		return nil
	case <-time.After(stompReceiptWait):
		return fmt.Errorf("unsubscribe %s: no receipt after %s", sub.Destination(), stompReceiptWait)
	}
}

// Close sends DISCONNECT and drops the socket without waiting for a receipt.
func (c *stompConn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	if err := frame.NewWriter(c.stream).Write(frame.New(frame.DISCONNECT)); err != nil {
		c.logger.Debug("stomp disconnect frame", zap.Error(err))
	}
	c.fail(errors.New("closed by client"))
	return c.conn.MustDisconnect()
}
