package storeclient

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuihairu/arcade/internal/apperr"
	"github.com/cuihairu/arcade/internal/wire"
)

// fakeStore answers a few ops and counts authenticated connections.
type fakeStore struct {
	mux   *wire.Mux
	auths atomic.Int32
	mu    sync.Mutex
	authd map[string]bool
}

func newFakeStore() *fakeStore {
	f := &fakeStore{mux: wire.NewMux(), authd: map[string]bool{}}
	f.mux.Handle("service_auth", func(ctx context.Context, c *wire.Conn, req *wire.Message) (any, error) {
		var in struct {
			Token string `json:"token"`
		}
		_ = req.Decode(&in)
		if in.Token != "good" {
			return nil, apperr.Auth(apperr.ReasonBadCredentials, "bad token")
		}
		f.auths.Add(1)
		f.mu.Lock()
		f.authd[c.ID()] = true
		f.mu.Unlock()
		return nil, nil
	})
	f.mux.Handle("get_launch_info", func(ctx context.Context, c *wire.Conn, req *wire.Message) (any, error) {
		f.mu.Lock()
		ok := f.authd[c.ID()]
		f.mu.Unlock()
		if !ok {
			return nil, apperr.Auth(apperr.ReasonAuthRequired, "login required")
		}
		var in struct {
			GameID string `json:"game_id"`
		}
		_ = req.Decode(&in)
		if in.GameID == "missing" {
			return nil, apperr.NotFound("game %q not found", in.GameID)
		}
		time.Sleep(20 * time.Millisecond)
		return map[string]any{"game_id": in.GameID, "version": "v1.0.0", "server_entry": "server.py"}, nil
	})
	return f
}

func (f *fakeStore) Open(ctx context.Context, c *wire.Conn) {}
func (f *fakeStore) Handle(ctx context.Context, c *wire.Conn, req *wire.Message) *wire.Message {
	return f.mux.Dispatch(ctx, c, req)
}
func (f *fakeStore) Closed(c *wire.Conn) {}

func start(t *testing.T, h wire.Handler, addr string) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = wire.NewServer("fake-store", h).Serve(ctx, ln)
		close(done)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return ln.Addr().String(), stop
}

func TestPoolBoundsConnectionsAndAuthenticates(t *testing.T) {
	fs := newFakeStore()
	addr, _ := start(t, fs, "127.0.0.1:0")
	c, err := New(Config{Addr: addr, Token: "good", Size: 2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := c.LaunchInfo(ctx, "duel", "")
			if err == nil && info.Version != "v1.0.0" {
				err = errors.New("wrong version " + info.Version)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("call: %v", err)
		}
	}
	st := c.Pool().Stats()
	if st.Open > 2 || st.Dials > 2 {
		t.Fatalf("pool exceeded its size: %+v", st)
	}
	if int64(fs.auths.Load()) != st.Dials {
		t.Fatalf("every dial must authenticate: auths=%d dials=%d", fs.auths.Load(), st.Dials)
	}

	// store errors pass through and keep the connection
	_, err = c.LaunchInfo(ctx, "missing", "")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("want NOT_FOUND, got %v", err)
	}
	if c.Pool().Stats().Open != st.Open {
		t.Fatalf("store error must not drop the connection")
	}
}

func TestPoolRejectsBadTokenAndReconnects(t *testing.T) {
	fs := newFakeStore()
	addr, stop := start(t, fs, "127.0.0.1:0")

	bad, _ := New(Config{Addr: addr, Token: "bad", DialRetries: 1})
	defer bad.Close()
	if _, err := bad.LaunchInfo(context.Background(), "duel", ""); !errors.Is(err, apperr.ErrAuth) {
		t.Fatalf("bad token: %v", err)
	}

	c, _ := New(Config{Addr: addr, Token: "good", Size: 1, DialRetries: 5})
	defer c.Close()
	ctx := context.Background()
	if _, err := c.LaunchInfo(ctx, "duel", ""); err != nil {
		t.Fatalf("first call: %v", err)
	}
	// restart the store on the same address; the idle connection is dead
	stop()
	start(t, fs, addr)
	if _, err := c.LaunchInfo(ctx, "duel", ""); err != nil {
		t.Fatalf("call after restart: %v", err)
	}
	if c.Pool().Stats().Dials != 2 {
		t.Fatalf("expected a redial, stats %+v", c.Pool().Stats())
	}

	_ = c.Close()
	if _, err := c.LaunchInfo(ctx, "duel", ""); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("closed pool: %v", err)
	}
}
