package lobby

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuihairu/arcade/internal/apperr"
	"github.com/cuihairu/arcade/internal/db"
)

func openRooms(t *testing.T, dir string) *Rooms {
	t.Helper()
	gdb, err := db.Open(db.Options{DSN: "sqlite-go://" + filepath.Join(dir, "lobby.db")})
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rooms := NewRooms(NewRepo(gdb))
	if _, err := rooms.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return rooms
}

func holdsAll(string, string) bool { return true }

func seat(id uint, name string) Member { return Member{AccountID: id, Username: name} }

func TestLeaveHandsOverOwnershipAndDestroysEmptyRoom(t *testing.T) {
	rooms := openRooms(t, t.TempDir())
	ctx := context.Background()
	if _, err := rooms.Create(ctx, &Room{Name: "r", GameID: "g", Version: "v1.0.0", OwnerID: 1, Owner: "a", MaxPlayers: 3,
		Members: []Member{{AccountID: 1, Username: "a", Present: true}}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := rooms.Join(ctx, "r", seat(2, "b"), holdsAll); err != nil {
		t.Fatalf("join: %v", err)
	}
	_, err := rooms.Leave(ctx, "r", 9)
	if !apperrIs(err, apperr.CodeValidation, apperr.ReasonNotMember) {
		t.Fatalf("want NOT_MEMBER, got %v", err)
	}
	c, err := rooms.Leave(ctx, "r", 1)
	if err != nil || c.Destroyed || c.Room.Owner != "b" || len(c.Room.Members) != 1 {
		t.Fatalf("leave owner: %+v %v", c, err)
	}
	c, _ = rooms.Leave(ctx, "r", 2)
	if !c.Destroyed {
		t.Fatalf("empty room must be destroyed")
	}
	// the name is free again
	if _, err := rooms.Create(ctx, &Room{Name: "r", GameID: "g", Version: "v1.0.0", OwnerID: 3, Owner: "c",
		Members: []Member{{AccountID: 3, Username: "c", Present: true}}}); err != nil {
		t.Fatalf("reuse name: %v", err)
	}
}

func TestStartingRoomFreezesMembershipAndCancelsWhenEmpty(t *testing.T) {
	rooms := openRooms(t, t.TempDir())
	ctx := context.Background()
	_, _ = rooms.Create(ctx, &Room{Name: "r", GameID: "g", Version: "v1.0.0", OwnerID: 1, Owner: "a", MaxPlayers: 4,
		Members: []Member{{AccountID: 1, Username: "a", Present: true}}})
	_, _ = rooms.Join(ctx, "r", seat(2, "b"), holdsAll)

	_, err := rooms.BeginStart(ctx, "r", 1, 2, func(m Member) bool { return m.AccountID != 2 }, func() {})
	if !apperrIs(err, apperr.CodeVersionMismatch, "") {
		t.Fatalf("want VERSION_MISMATCH, got %v", err)
	}
	if r, _ := rooms.Get("r"); r.State != StateWaiting {
		t.Fatalf("rejected start must leave WAITING, got %s", r.State)
	}

	canceled := make(chan struct{})
	if _, err := rooms.BeginStart(ctx, "r", 1, 2, func(Member) bool { return true }, func() { close(canceled) }); err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err = rooms.Join(ctx, "r", seat(3, "c"), holdsAll)
	if !apperrIs(err, apperr.CodeCapacity, apperr.ReasonRoomNotWaiting) {
		t.Fatalf("join while STARTING: %v", err)
	}
	rooms.Disconnect(ctx, 1)
	rooms.Disconnect(ctx, 2)
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatalf("launch not canceled when the room emptied")
	}
	c, ok := rooms.Rollback(ctx, "r")
	if !ok || !c.Destroyed {
		t.Fatalf("rollback of an emptied room must destroy it: %+v", c)
	}
}

func TestStartedRefusesExitedProcess(t *testing.T) {
	rooms := openRooms(t, t.TempDir())
	ctx := context.Background()
	_, _ = rooms.Create(ctx, &Room{Name: "r1", GameID: "g", Version: "v1.0.0", OwnerID: 1, Owner: "a", MaxPlayers: 2,
		Members: []Member{{AccountID: 1, Username: "a", Present: true}}})
	_, _ = rooms.Join(ctx, "r1", seat(2, "b"), holdsAll)
	_, _ = rooms.BeginStart(ctx, "r1", 1, 2, func(Member) bool { return true }, func() {})

	srv := GameServer{PID: 4242, Host: "127.0.0.1", Port: 20001, StartedAt: time.Now()}
	if _, ok := rooms.Started(ctx, "r1", srv, "client.py", func() bool { return false }); ok {
		t.Fatalf("a room must not run a process that already exited")
	}
	if r, _ := rooms.Get("r1"); r.State != StateStarting || r.Server != nil {
		t.Fatalf("room after refused start: %+v", r)
	}
	// a late exit report for the refused process changes nothing
	if _, ok := rooms.Exited(ctx, "r1", 4242, 1); ok {
		t.Fatalf("exit applied to a STARTING room")
	}
	c, ok := rooms.Rollback(ctx, "r1")
	if !ok || c.Room.State != StateWaiting || len(c.Room.Members) != 2 || c.Room.FinishedAt != nil {
		t.Fatalf("rollback: %v %+v", ok, c.Room)
	}
}

func TestReloadFinishesRunningRooms(t *testing.T) {
	dir := t.TempDir()
	rooms := openRooms(t, dir)
	ctx := context.Background()
	_, _ = rooms.Create(ctx, &Room{Name: "live", GameID: "g", Version: "v1.0.0", OwnerID: 1, Owner: "a", MaxPlayers: 2,
		Members: []Member{{AccountID: 1, Username: "a", Present: true}}})
	_, _ = rooms.Join(ctx, "live", seat(2, "b"), holdsAll)
	_, _ = rooms.BeginStart(ctx, "live", 1, 2, func(Member) bool { return true }, func() {})
	if _, ok := rooms.Started(ctx, "live", GameServer{PID: 4242, Host: "127.0.0.1", Port: 20001, StartedAt: time.Now()}, "client.py", nil); !ok {
		t.Fatalf("started")
	}
	_, _ = rooms.Create(ctx, &Room{Name: "wait", GameID: "g", Version: "v1.0.0", OwnerID: 3, Owner: "c",
		Members: []Member{{AccountID: 3, Username: "c", Present: true}}})
	_, _ = rooms.BeginStart(ctx, "wait", 3, 1, func(Member) bool { return true }, func() {})

	again := openRooms(t, dir)
	live, _ := again.Get("live")
	if live.State != StateFinished || live.Server != nil || live.FinishedAt == nil || len(live.Members) != 2 {
		t.Fatalf("live after reload: %+v", live)
	}
	wait, _ := again.Get("wait")
	if wait.State != StateWaiting {
		t.Fatalf("STARTING must reload as WAITING, got %s", wait.State)
	}
	// an exit report for the old process is ignored
	if _, ok := again.Exited(ctx, "live", 4242, 0); ok {
		t.Fatalf("stale exit applied")
	}
}

func apperrIs(err error, code apperr.Code, reason string) bool {
	e := apperr.From(err)
	return e != nil && e.Code == code && (reason == "" || e.Reason == reason)
}
