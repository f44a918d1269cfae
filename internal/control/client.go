package control

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client is a controller connection to a running agent.
type Client struct {
	conn net.Conn
	mu   sync.Mutex
}

// Dial connects to the agent socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to reach agent at %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Send writes one command.
func (c *Client) Send(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeFrame(c.conn, cmd)
}

// Recv blocks for the next event. Returns io.EOF when the agent hangs up.
func (c *Client) Recv() (Event, error) {
	var ev Event
	if err := readFrame(c.conn, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// SetReadDeadline bounds the next Recv calls.
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close hangs up.
func (c *Client) Close() error {
	return c.conn.Close()
}
