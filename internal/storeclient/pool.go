// Package storeclient is the lobby's upstream connection to the store: a
// small pool of service-authenticated wire clients with typed calls.
package storeclient

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuihairu/arcade/internal/apperr"
	"github.com/cuihairu/arcade/internal/wire"
)

// Config holds configuration for the pool.
type Config struct {
	// Addr is the store's host:port.
	Addr string `mapstructure:"addr"`
	// Token is a signed service token; empty skips service_auth.
	Token string `mapstructure:"token"`
	// Size is the maximum number of connections.
	Size int `mapstructure:"pool_size"`
	// MaxIdleTime closes connections unused for longer.
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// DialRetries bounds reconnect attempts per call.
	DialRetries uint64 `mapstructure:"dial_retries"`
	Codec       string `mapstructure:"codec"`
	// TLS, when set, dials the store over TLS.
	TLS *tls.Config `mapstructure:"-"`
}

func (c *Config) defaults() {
	if c.Size <= 0 {
		c.Size = 4
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 5 * time.Minute
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
	if c.DialRetries == 0 {
		c.DialRetries = 3
	}
}

// Stats holds statistics about the pool.
type Stats struct {
	Open  int
	Idle  int
	Dials int64
}

type pooled struct {
	c        *wire.Client
	lastUsed time.Time
}

// Pool hands out one connection per in-flight call; the wire protocol
// allows a single outstanding request per connection.
type Pool struct {
	cfg   Config
	opts  []wire.Option
	slots chan struct{}
	log   *slog.Logger

	mu     sync.Mutex
	idle   []*pooled
	open   int
	dials  int64
	closed bool
}

// NewPool validates cfg. Connections are dialed lazily.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Addr == "" {
		return nil, errors.New("storeclient: store address is required")
	}
	cfg.defaults()
	var opts []wire.Option
	if cfg.Codec != "" {
		codec, err := wire.CodecByName(cfg.Codec)
		if err != nil {
			return nil, err
		}
		opts = append(opts, wire.WithCodec(codec))
	}
	if cfg.TLS != nil {
		opts = append(opts, wire.WithTLS(cfg.TLS))
	}
	return &Pool{
		cfg:   cfg,
		opts:  opts,
		slots: make(chan struct{}, cfg.Size),
		log:   slog.Default().With("component", "storeclient", "addr", cfg.Addr),
	}, nil
}

func (p *Pool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) release() { <-p.slots }

// take returns an idle connection or nil. Stale ones are closed.
func (p *Pool) take() *pooled {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if pc.c.Err() == nil && time.Since(pc.lastUsed) <= p.cfg.MaxIdleTime {
			return pc
		}
		p.open--
		_ = pc.c.Close()
	}
	return nil
}

func (p *Pool) dial(ctx context.Context) (*pooled, error) {
	var pc *pooled
	op := func() error {
		dctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
		defer cancel()
		c, err := wire.Dial(dctx, p.cfg.Addr, p.opts...)
		if err != nil {
			return err
		}
		if p.cfg.Token != "" {
			if err := c.Call(dctx, "service_auth", map[string]any{"token": p.cfg.Token}, nil); err != nil {
				_ = c.Close()
				if apperr.CodeOf(err) == apperr.CodeAuth || apperr.CodeOf(err) == apperr.CodeAuthorization {
					return backoff.Permanent(err)
				}
				return err
			}
		}
		pc = &pooled{c: c, lastUsed: time.Now()}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, p.cfg.DialRetries), ctx))
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	if p.closed {
		_ = pc.c.Close()
		return nil, ErrPoolClosed
	}
	p.open++
	return pc, nil
}

func (p *Pool) put(pc *pooled, broken bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if broken || p.closed {
		p.open--
		_ = pc.c.Close()
		return
	}
	pc.lastUsed = time.Now()
	p.idle = append(p.idle, pc)
}

// transportFailure reports whether err came from the connection rather
// than from a store reply.
func transportFailure(err error) bool {
	if err == nil {
		return false
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Code == apperr.CodeProtocol || (ae.Code == apperr.CodeInternal && ae.Cause != nil)
	}
	return true
}

// Call runs one request. A failure on a reused connection (the store may
// have restarted) is retried once on a fresh one.
func (p *Pool) Call(ctx context.Context, op string, in, out any) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolClosed
	}
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()

	for attempt := 0; ; attempt++ {
		pc := p.take()
		reused := pc != nil
		if pc == nil {
			var err error
			if pc, err = p.dial(ctx); err != nil {
				return unavailable(err)
			}
		}
		cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		err := pc.c.Call(cctx, op, in, out)
		cancel()
		broken := transportFailure(err) || pc.c.Err() != nil
		p.put(pc, broken)
		if broken && reused && attempt == 0 && ctx.Err() == nil {
			p.log.Debug("retrying on a fresh connection", "op", op, "error", err)
			continue
		}
		if broken {
			return unavailable(err)
		}
		return err
	}
}

func unavailable(err error) error {
	if errors.Is(err, ErrPoolClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Code != apperr.CodeProtocol {
		return err
	}
	return apperr.Wrap(apperr.CodeInternal, "", errors.Join(ErrUnavailable, err), "store unavailable")
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Open: p.open, Idle: len(p.idle), Dials: p.dials}
}

// Close closes idle connections; in-flight ones close when returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, pc := range p.idle {
		_ = pc.c.Close()
	}
	p.open -= len(p.idle)
	p.idle = nil
	return nil
}
