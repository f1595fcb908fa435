package wire

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/cuihairu/arcade/internal/apperr"
)

var ErrClientClosed = errors.New("wire: client closed")

// Client drives requests over one connection. Calls are serialized; a
// background reader routes responses to the pending call and pushes to
// the Pushes channel.
type Client struct {
	conn   *Conn
	callMu sync.Mutex
	resp   chan *Message
	pushes chan *Message

	errMu sync.Mutex
	err   error
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var (
		nc  net.Conn
		err error
	)
	if cfg := buildOptions(opts).TLS; cfg != nil {
		d := tls.Dialer{Config: cfg}
		nc, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		nc, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return NewClient(nc, opts...), nil
}

// NewClient takes ownership of nc.
func NewClient(nc net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:   NewConn(nc, opts...),
		resp:   make(chan *Message, 1),
		pushes: make(chan *Message, 64),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.pushes)
	for {
		m, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		switch m.Kind {
		case KindResponse:
			select {
			case c.resp <- m:
			default:
				c.fail(apperr.Protocol(nil, "unsolicited response %s", m.Op))
				return
			}
		case KindPush:
			select {
			case c.pushes <- m:
			default:
				slog.Warn("wire: push dropped, consumer too slow", "op", m.Op, "conn", c.conn.ID())
			}
		default:
			c.fail(apperr.Protocol(nil, "server sent a request"))
			return
		}
	}
}

func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		if c.conn.Closed() {
			err = ErrClientClosed
		}
		c.err = err
	}
	c.errMu.Unlock()
	_ = c.conn.Close()
}

// Err returns the error that terminated the client, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Pushes delivers server notifications. Closed when the connection ends.
func (c *Client) Pushes() <-chan *Message { return c.pushes }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Do sends a request and waits for its response. Failed responses are
// returned as messages, not errors; transport failures are errors.
// Cancelling ctx mid-call closes the client since the pairing is lost.
func (c *Client) Do(ctx context.Context, op string, body any) (*Message, error) {
	req, err := NewRequest(op, body)
	if err != nil {
		return nil, err
	}
	c.callMu.Lock()
	defer c.callMu.Unlock()
	if c.conn.Closed() {
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClientClosed
	}
	if err := c.conn.WriteMessage(req); err != nil {
		c.fail(err)
		return nil, err
	}
	select {
	case m := <-c.resp:
		if m.Op != op {
			err := apperr.Protocol(nil, "response %s for request %s", m.Op, op)
			c.fail(err)
			return nil, err
		}
		return m, nil
	case <-c.conn.Done():
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClientClosed
	case <-ctx.Done():
		c.fail(ctx.Err())
		return nil, ctx.Err()
	}
}

// Call sends a request, decodes a successful body into out (may be nil)
// and returns failed responses as *apperr.Error.
func (c *Client) Call(ctx context.Context, op string, in, out any) error {
	m, err := c.Do(ctx, op, in)
	if err != nil {
		return err
	}
	if err := m.Err(); err != nil {
		return err
	}
	if out != nil {
		return m.Decode(out)
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.fail(ErrClientClosed)
	return err
}
