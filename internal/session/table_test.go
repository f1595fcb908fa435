package session

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cuihairu/arcade/internal/apperr"
	"github.com/cuihairu/arcade/internal/wire"
)

func TestIssueRevokesPriorSession(t *testing.T) {
	tbl := NewTable(50 * time.Millisecond)
	srv, cli := net.Pipe()
	defer cli.Close()
	conn := wire.NewConn(srv)

	first, prev := tbl.Issue(7, "alice", "player", conn)
	if prev != nil || first.Valid() != nil {
		t.Fatalf("first issue: prev=%v valid=%v", prev, first.Valid())
	}
	// drain the eviction push so the pipe write does not block
	go func() {
		peer := wire.NewConn(cli)
		for {
			if _, err := peer.ReadMessage(); err != nil {
				return
			}
		}
	}()
	second, prev := tbl.Issue(7, "alice", "player", nil)
	if prev != first {
		t.Fatalf("second issue must return the first session")
	}
	if !errors.Is(first.Valid(), &apperr.Error{Code: apperr.CodeAuth, Reason: apperr.ReasonSessionExpired}) {
		t.Fatalf("first session still valid: %v", first.Valid())
	}
	if s, _ := tbl.Get(7); s != second {
		t.Fatalf("live session is not the newest")
	}
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("evicted connection not closed after grace")
	}

	// removing a stale session must not drop the live one
	if tbl.Remove(first) {
		t.Fatalf("stale remove reported live")
	}
	if tbl.Len() != 1 {
		t.Fatalf("live session dropped")
	}
	if !tbl.Remove(second) || tbl.Len() != 0 {
		t.Fatalf("remove live failed")
	}
	var nilSession *Session
	if !errors.Is(nilSession.Valid(), apperr.ErrAuth) {
		t.Fatalf("nil session must be AUTH")
	}
}

func TestOnlineIsSortedByName(t *testing.T) {
	tbl := NewTable(0)
	tbl.Issue(2, "zed", "player", nil)
	tbl.Issue(1, "amy", "player", nil)
	on := tbl.Online()
	if len(on) != 2 || on[0].Username != "amy" || on[1].Username != "zed" {
		t.Fatalf("online: %+v", on)
	}
}

func TestReloginOnSameConnectionKeepsIt(t *testing.T) {
	tbl := NewTable(20 * time.Millisecond)
	srv, cli := net.Pipe()
	defer cli.Close()
	conn := wire.NewConn(srv)
	pushed := make(chan string, 1)
	go func() {
		peer := wire.NewConn(cli)
		for {
			m, err := peer.ReadMessage()
			if err != nil {
				return
			}
			pushed <- m.Op
		}
	}()

	first, _ := tbl.Issue(7, "alice", "player", conn)
	second, prev := tbl.Issue(7, "alice", "player", conn)
	if prev != first {
		t.Fatalf("second issue must return the first session")
	}
	if err := second.Valid(); err != nil {
		t.Fatalf("live session invalid: %v", err)
	}
	select {
	case op := <-pushed:
		t.Fatalf("same connection got push %s", op)
	case <-conn.Done():
		t.Fatalf("re-login closed its own connection")
	case <-time.After(200 * time.Millisecond):
	}
	if s, _ := tbl.Get(7); s != second {
		t.Fatalf("live session is not the newest")
	}
}
