package tlsutil_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuihairu/arcade/internal/devcert"
	"github.com/cuihairu/arcade/internal/tlsutil"
	"github.com/cuihairu/arcade/internal/wire"
)

type echo struct{}

func (echo) Open(context.Context, *wire.Conn) {}
func (echo) Closed(*wire.Conn)                {}
func (echo) Handle(ctx context.Context, c *wire.Conn, req *wire.Message) *wire.Message {
	return wire.Reply(req, req.Body)
}

func TestMutualTLSWire(t *testing.T) {
	dir := t.TempDir()
	caCrt, caKey, err := devcert.EnsureCA(dir)
	if err != nil {
		t.Fatalf("ca: %v", err)
	}
	srvCrt, srvKey, err := devcert.EnsureServerCert(dir, "store", caCrt, caKey, []string{"localhost", "127.0.0.1"})
	if err != nil {
		t.Fatalf("server cert: %v", err)
	}
	cliCrt, cliKey, err := devcert.EnsureClientCert(dir, "lobby", caCrt, caKey)
	if err != nil {
		t.Fatalf("client cert: %v", err)
	}
	again, _, err := devcert.EnsureCA(dir)
	if err != nil || again != caCrt {
		t.Fatalf("existing CA must be reused: %v", err)
	}

	srvCfg, err := tlsutil.ServerConfig(srvCrt, srvKey, caCrt)
	if err != nil {
		t.Fatalf("server config: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := wire.NewServer("store", echo{}, wire.WithTLS(srvCfg))
	go func() { _ = srv.ListenAndServe(ctx, addr) }()

	cliCfg, err := tlsutil.ClientConfig(cliCrt, cliKey, caCrt, "127.0.0.1")
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	var c *wire.Client
	for deadline := time.Now().Add(3 * time.Second); ; {
		c, err = wire.Dial(ctx, addr, wire.WithTLS(cliCfg))
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	var out map[string]any
	cctx, ccancel := context.WithTimeout(ctx, 3*time.Second)
	defer ccancel()
	if err := c.Call(cctx, "echo", map[string]any{"x": "y"}, &out); err != nil || out["x"] != "y" {
		t.Fatalf("call over TLS: %v %v", out, err)
	}

	anon, err := tlsutil.ClientConfig("", "", caCrt, "127.0.0.1")
	if err != nil {
		t.Fatalf("anon config: %v", err)
	}
	nc, err := wire.Dial(ctx, addr, wire.WithTLS(anon))
	if err == nil {
		// TLS 1.3 reports the missing client certificate on first read.
		defer nc.Close()
		if err := nc.Call(cctx, "echo", nil, nil); err == nil {
			t.Fatalf("server accepted a client without certificate")
		}
	}
}
