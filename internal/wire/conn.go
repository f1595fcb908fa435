package wire

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options shared by Conn, Client and Server.
type Options struct {
	Codec        Codec
	MaxFrameSize int
	// WriteTimeout bounds a single frame write so one stalled peer cannot
	// hold a push fan-out.
	WriteTimeout time.Duration
	// TLS wraps the listener (Server) or the dialed connection (Dial).
	TLS *tls.Config
}

type Option func(*Options)

func WithCodec(c Codec) Option                { return func(o *Options) { o.Codec = c } }
func WithMaxFrameSize(n int) Option           { return func(o *Options) { o.MaxFrameSize = n } }
func WithWriteTimeout(d time.Duration) Option { return func(o *Options) { o.WriteTimeout = d } }
func WithTLS(cfg *tls.Config) Option          { return func(o *Options) { o.TLS = cfg } }

func buildOptions(opts []Option) Options {
	o := Options{Codec: JSONCodec{}, MaxFrameSize: DefaultMaxFrameSize, WriteTimeout: 30 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	if o.Codec == nil {
		o.Codec = JSONCodec{}
	}
	return o
}

// Conn is one framed connection. Reads must come from a single goroutine;
// writes are serialized internally.
type Conn struct {
	id   string
	nc   net.Conn
	r    *bufio.Reader
	opts Options
	wmu  sync.Mutex
	once sync.Once
	done chan struct{}
}

// NewConn wraps nc.
func NewConn(nc net.Conn, opts ...Option) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		nc:   nc,
		r:    bufio.NewReaderSize(nc, 64<<10),
		opts: buildOptions(opts),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() string            { return c.id }
func (c *Conn) RemoteAddr() net.Addr  { return c.nc.RemoteAddr() }
func (c *Conn) Done() <-chan struct{} { return c.done }

// ReadMessage blocks for the next message.
func (c *Conn) ReadMessage() (*Message, error) {
	payload, err := ReadFrame(c.r, c.opts.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := c.opts.Codec.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// WriteMessage encodes and sends m.
func (c *Conn) WriteMessage(m *Message) error {
	payload, err := c.opts.Codec.Marshal(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.opts.WriteTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		defer c.nc.SetWriteDeadline(time.Time{})
	}
	return WriteFrame(c.nc, payload, c.opts.MaxFrameSize)
}

// Push sends an unsolicited notification.
func (c *Conn) Push(op string, body any) error {
	m, err := NewPush(op, body)
	if err != nil {
		return err
	}
	return c.WriteMessage(m)
}

// Close closes the underlying connection once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.nc.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
