package wire

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/cuihairu/arcade/internal/apperr"
)

// Handler serves the requests of every connection. Handle is called
// sequentially per connection and concurrently across connections.
type Handler interface {
	// Open runs once after accept, before the first read.
	Open(ctx context.Context, c *Conn)
	// Handle answers one request. A nil response sends nothing.
	Handle(ctx context.Context, c *Conn, req *Message) *Message
	// Closed runs once after the connection ends, for any reason.
	Closed(c *Conn)
}

// Server accepts connections and runs one goroutine per connection.
type Server struct {
	name    string
	handler Handler
	opts    []Option
	log     *slog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
	ln    net.Listener
	wg    sync.WaitGroup
}

func NewServer(name string, h Handler, opts ...Option) *Server {
	return &Server{
		name:    name,
		handler: h,
		opts:    opts,
		log:     slog.Default().With("server", name),
		conns:   map[*Conn]struct{}{},
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if cfg := buildOptions(s.opts).TLS; cfg != nil {
		ln = tls.NewListener(ln, cfg)
	}
	return s.Serve(ctx, ln)
}

// Addr returns the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts on ln until ctx is done or the listener fails. On return
// all connections are closed and their handlers have finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening", "addr", ln.Addr().String())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	var err error
	for {
		nc, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil && !errors.Is(aerr, net.ErrClosed) {
				err = aerr
			}
			break
		}
		c := NewConn(nc, s.opts...)
		s.track(c, true)
		s.wg.Add(1)
		go s.serveConn(ctx, c)
	}
	_ = ln.Close()
	s.closeAll()
	s.wg.Wait()
	return err
}

func (s *Server) track(c *Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) serveConn(ctx context.Context, c *Conn) {
	defer s.wg.Done()
	defer s.track(c, false)
	defer s.handler.Closed(c)
	defer c.Close()

	log := s.log.With("conn", c.ID(), "remote", c.RemoteAddr().String())
	log.Debug("connection opened")
	s.handler.Open(ctx, c)
	for {
		req, err := c.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), c.Closed(), errors.Is(err, net.ErrClosed):
				log.Debug("connection closed")
			case apperr.Fatal(err):
				log.Warn("protocol error, closing connection", "error", err)
			default:
				log.Debug("read failed", "error", err)
			}
			return
		}
		if req.Kind != KindRequest {
			log.Warn("protocol error, closing connection", "error", "peer sent "+string(req.Kind))
			return
		}
		resp := s.handler.Handle(ctx, c, req)
		if resp == nil {
			continue
		}
		if err := c.WriteMessage(resp); err != nil {
			if !c.Closed() {
				log.Debug("write failed", "op", req.Op, "error", err)
			}
			return
		}
	}
}
