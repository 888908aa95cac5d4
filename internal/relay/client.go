package relay

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const writeTimeout = 5 * time.Second

// Client is one relay connection. It is a room member with a bounded
// outbound queue that is drained by its write pump.
type Client struct {
	id        string
	transport string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	orderID string
}

func newClient(transport string, buffer int) *Client {
	return &Client{
		id:        uuid.New().String(),
		transport: transport,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues msg without blocking. It drops msg when the queue is full or
// the client is shutting down.
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Done is closed once the client has been told to disconnect.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) OrderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orderID
}

func (c *Client) setOrder(orderID string) {
	c.mu.Lock()
	c.orderID = orderID
	c.mu.Unlock()
}

func (c *Client) takeOrder() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.orderID
	c.orderID = ""
	return id
}

// WritePump writes queued messages to conn until ctx ends or the client is shut
// down. On shutdown whatever is still queued is flushed first.
func (c *Client) WritePump(ctx context.Context, conn *websocket.Conn) {
	write := func(msg []byte) error {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return conn.Write(wctx, websocket.MessageText, msg)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					if err := write(msg); err != nil {
						return
					}
				default:
					return
				}
			}
		case msg := <-c.send:
			if err := write(msg); err != nil {
				return
			}
		}
	}
}
