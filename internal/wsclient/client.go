// Package wsclient is the client side of the relay protocol: an owned
// WebSocket handle that reconnects with exponential backoff and re-sends the
// last join_room after every reconnect.
package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"ordertrack/internal/logger"
	"ordertrack/internal/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("client closed")
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

type Options struct {
	URL           string
	Header        http.Header
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	Logger        *zap.Logger
	// OnEvent receives every server event, in order, on the client's read goroutine.
	OnEvent func(protocol.Envelope)
	// OnConnection is called with true after each (re)connect and false after each drop.
	OnConnection func(connected bool)
}

type Client struct {
	opts   Options
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	join      []byte
	closed    bool
	connected bool
}

// Dial starts a client that connects to opts.URL in the background. It does
// not wait for the first connection. Close releases everything it started.
func Dial(ctx context.Context, opts Options) *Client {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectBase {
		opts.ReconnectMax = 30 * time.Second
	}
	c := &Client{
		opts: opts,
		log:  logger.OrNop(opts.Logger).Named("wsclient"),
		done: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run()
	return c
}

// Join records the room to join and sends join_room if connected. The join
// is re-sent automatically after every reconnect.
func (c *Client) Join(orderID string, role protocol.Role, token string) error {
	msg, err := protocol.NewJoin(orderID, role, token)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.join = msg
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := c.write(conn, msg); err != nil {
		c.log.Debug("join write failed, will retry after reconnect", zap.Error(err))
	}
	return nil
}

// Publish sends update_location. While disconnected the fix is dropped and
// ErrNotConnected is returned.
func (c *Client) Publish(orderID string, fix protocol.Fix) error {
	msg, err := protocol.NewUpdate(orderID, fix)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, msg)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Done is closed after Close has released the connection and all goroutines.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close sends a normal closure, stops reconnecting and waits for the
// background goroutine to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	c.cancel()
	<-c.done
	return nil
}

func (c *Client) write(conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}

func (c *Client) run() {
	defer close(c.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectBase
	b.MaxInterval = c.opts.ReconnectMax
	b.MaxElapsedTime = 0
	retry := backoff.WithContext(b, c.ctx)

	for {
		conn, err := c.connect()
		if err != nil {
			wait := retry.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			c.log.Debug("connect failed, retrying",
				zap.String("url", c.opts.URL),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			timer := time.NewTimer(wait)
			select {
			case <-c.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		retry.Reset()
		c.readLoop(conn)
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) connect() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{HTTPHeader: c.opts.Header})
	if err != nil {
		return nil, err
	}

	// The join goes out before the connection is visible to Publish, so no
	// update_location can precede it on the wire.
	var sent []byte
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.CloseNow()
			return nil, ErrClosed
		}
		join := c.join
		if bytes.Equal(join, sent) {
			c.conn = conn
			c.connected = true
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()

		if err := c.write(conn, join); err != nil {
			conn.CloseNow()
			return nil, fmt.Errorf("rejoin: %w", err)
		}
		sent = join
	}

	c.log.Debug("connected", zap.String("url", c.opts.URL), zap.Bool("rejoined", sent != nil))
	if c.opts.OnConnection != nil {
		c.opts.OnConnection(true)
	}
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		conn.CloseNow()
		if c.opts.OnConnection != nil {
			c.opts.OnConnection(false)
		}
	}()

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Debug("connection lost", zap.Error(err))
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed server message", zap.Error(err))
			continue
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(env)
		}
	}
}

// DecodeError extracts the payload of an error event.
func DecodeError(env protocol.Envelope) (protocol.ErrorEvent, error) {
	var e protocol.ErrorEvent
	err := json.Unmarshal(env.Data, &e)
	return e, err
}

// DecodeLocation extracts the payload of a location_updated event.
func DecodeLocation(env protocol.Envelope) (protocol.LocationUpdated, error) {
	var lu protocol.LocationUpdated
	err := json.Unmarshal(env.Data, &lu)
	return lu, err
}
