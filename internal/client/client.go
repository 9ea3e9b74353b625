package client

import (
	"context"
	"fmt"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kal997/block-notification-server/internal/models"
)

const bufferSize = 256

// Client is a subscriber connection to a block notification server
type Client struct {
	conn *websocket.Conn

	notifications chan models.Notification
	errors        chan string

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Dial connects to the server's /ws endpoint, e.g. ws://localhost:7420/ws
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:          conn,
		notifications: make(chan models.Notification, bufferSize),
		errors:        make(chan string, bufferSize),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go c.readLoop(readCtx)
	return c, nil
}

// Subscribe asks for notifications of ops on block. The call is one-way:
// the server sends no acknowledgement.
func (c *Client) Subscribe(ctx context.Context, block models.BlockID, ops ...string) error {
	return c.send(ctx, models.Request{Method: models.MethodSubscribe, BlockID: block, Ops: ops})
}

// Unsubscribe stops notifications of ops on block. One-way like Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, block models.BlockID, ops ...string) error {
	return c.send(ctx, models.Request{Method: models.MethodUnsubscribe, BlockID: block, Ops: ops})
}

func (c *Client) send(ctx context.Context, req models.Request) error {
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		return fmt.Errorf("failed to send %s: %w", req.Method, err)
	}
	return nil
}

// Notifications is closed when the connection ends
func (c *Client) Notifications() <-chan models.Notification {
	return c.notifications
}

// Errors carries transport-level error messages from the server. Messages
// are dropped when nobody reads them.
func (c *Client) Errors() <-chan string {
	return c.errors
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	return err
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.errors)
	defer close(c.notifications)

	for {
		var frame models.Frame
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}

		switch frame.Type {
		case models.FrameNotification:
			if frame.Notification == nil {
				continue
			}
			select {
			case c.notifications <- *frame.Notification:
			case <-ctx.Done():
				return
			}
		case models.FrameError:
			select {
			case c.errors <- frame.Error:
			default:
			}
		}
	}
}
