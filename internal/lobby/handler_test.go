package lobby

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuihairu/arcade/internal/apperr"
	"github.com/cuihairu/arcade/internal/wire"
)

func dialLobby(t *testing.T, addr string) *wire.Client {
	t.Helper()
	c, err := wire.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	waitPush(t, c, wire.PushHello)
	return c
}

// waitPush skips room updates and other pushes until op arrives.
func waitPush(t *testing.T, c *wire.Client, op string) *wire.Message {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case m, ok := <-c.Pushes():
			if !ok {
				t.Fatalf("connection closed waiting for %s", op)
			}
			if m.Op == op {
				return m
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s", op)
		}
	}
}

func login(t *testing.T, c *wire.Client, name string) bool {
	t.Helper()
	var out struct {
		Replaced bool `json:"session_replaced"`
	}
	if err := c.Call(context.Background(), "login", map[string]any{"username": name, "password": "pw-" + name}, &out); err != nil {
		t.Fatalf("login %s: %v", name, err)
	}
	return out.Replaced
}

func online(t *testing.T, c *wire.Client) []string {
	t.Helper()
	var out struct {
		Players []OnlinePlayer `json:"players"`
	}
	if err := c.Call(context.Background(), "list_online", nil, &out); err != nil {
		t.Fatalf("list_online: %v", err)
	}
	names := make([]string, 0, len(out.Players))
	for _, p := range out.Players {
		names = append(names, p.Username)
	}
	return names
}

func TestLobbySecondLoginEvictsFirstConnection(t *testing.T) {
	e := newEnv(t)
	alice := e.player(t, "alice")
	addr := serveWire(t, "lobby", NewHandler(e.lobby, nil))
	ctx := context.Background()

	first := dialLobby(t, addr)
	if login(t, first, "alice") {
		t.Fatalf("first login reported a replaced session")
	}
	// logging in again on the same connection keeps it
	if login(t, first, "alice") {
		t.Fatalf("re-login on the same connection reported a replaced session")
	}
	if err := first.Call(ctx, "list_rooms", nil, nil); err != nil {
		t.Fatalf("same-connection re-login broke the session: %v", err)
	}

	second := dialLobby(t, addr)
	if !login(t, second, "alice") {
		t.Fatalf("second login must replace the first")
	}
	err := first.Call(ctx, "list_rooms", nil, nil)
	if !errors.Is(err, &apperr.Error{Code: apperr.CodeAuth, Reason: apperr.ReasonSessionExpired}) {
		t.Fatalf("evicted connection: want AUTH/SESSION_EXPIRED, got %v", err)
	}
	waitPush(t, first, wire.PushSessionExpired)
	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("evicted connection not closed")
	}
	time.Sleep(100 * time.Millisecond)

	// the evicted connection closing leaves the live session alone
	if names := online(t, second); len(names) != 1 || names[0] != "alice" {
		t.Fatalf("online after eviction: %v", names)
	}
	if p, err := e.lobby.repo.Presence(ctx, alice.AccountID); err != nil || !p.Online {
		t.Fatalf("presence after eviction: %+v %v", p, err)
	}
}

func TestLobbyDisconnectRunsOffline(t *testing.T) {
	e := newEnv(t)
	e.publish(t, "duel", "v1.0.0", 4, 2)
	alice, bob := e.player(t, "alice"), e.player(t, "bob")
	e.download(t, alice, "duel", "")
	e.download(t, bob, "duel", "")
	addr := serveWire(t, "lobby", NewHandler(e.lobby, nil))
	ctx := context.Background()

	ca, cb := dialLobby(t, addr), dialLobby(t, addr)
	login(t, ca, "alice")
	login(t, cb, "bob")
	if err := ca.Call(ctx, "create_room", map[string]any{"name": "r1", "game_id": "duel"}, nil); err != nil {
		t.Fatalf("create_room: %v", err)
	}
	if err := cb.Call(ctx, "join_room", map[string]any{"name": "r1"}, nil); err != nil {
		t.Fatalf("join_room: %v", err)
	}

	_ = ca.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		r, ok := e.lobby.rooms.Get("r1")
		if ok && len(r.Members) == 1 && r.OwnerID == bob.AccountID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("disconnect not applied to the waiting room: %+v", r)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if names := online(t, cb); len(names) != 1 || names[0] != "bob" {
		t.Fatalf("online after disconnect: %v", names)
	}
	if p, err := e.lobby.repo.Presence(ctx, alice.AccountID); err != nil || p.Online {
		t.Fatalf("alice presence after disconnect: %+v %v", p, err)
	}
}
