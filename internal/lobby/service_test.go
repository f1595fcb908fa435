package lobby

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuihairu/arcade/internal/apperr"
)

func TestRoomVersionBindingAndMinimum(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.publish(t, "duel", "v1.0.0", 4, 2)
	alice, bob := e.player(t, "alice"), e.player(t, "bob")

	_, err := e.lobby.CreateRoom(ctx, alice, "r1", "duel")
	wantErr(t, err, apperr.CodeVersionMismatch, "")

	if res := e.download(t, alice, "duel", ""); res.Version != "v1.0.0" || !res.Downloaded {
		t.Fatalf("first download: %+v", res)
	}
	room, err := e.lobby.CreateRoom(ctx, alice, "r1", "duel")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if room.Version != "v1.0.0" || room.State != StateWaiting || room.MaxPlayers != 4 {
		t.Fatalf("unexpected room %+v", room)
	}
	_, err = e.lobby.CreateRoom(ctx, bob, "r1", "duel")
	wantErr(t, err, apperr.CodeValidation, apperr.ReasonRoomExists)

	_, err = e.lobby.StartGame(ctx, alice, "r1")
	wantErr(t, err, apperr.CodeCapacity, apperr.ReasonBelowMinimum)
	if r, _ := e.lobby.rooms.Get("r1"); r.State != StateWaiting {
		t.Fatalf("room must stay WAITING, is %s", r.State)
	}

	e.publish(t, "duel", "v1.1.0", 4, 2)
	if res := e.download(t, bob, "duel", ""); res.Version != "v1.1.0" {
		t.Fatalf("bob got %s", res.Version)
	}
	_, err = e.lobby.JoinRoom(ctx, bob, "r1")
	wantErr(t, err, apperr.CodeVersionMismatch, "")

	// the update sits next to the old version instead of replacing it
	e.download(t, bob, "duel", "v1.0.0")
	m, _ := e.lobby.MyDownloads(bob)
	if len(m.Versions("duel")) != 2 || m.Games["duel"].Current != "v1.1.0" {
		t.Fatalf("bob manifest: %+v", m.Games["duel"])
	}
	room, err = e.lobby.JoinRoom(ctx, bob, "r1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(room.Members) != 2 {
		t.Fatalf("members %+v", room.Members)
	}
	_, err = e.lobby.StartGame(ctx, bob, "r1")
	wantErr(t, err, apperr.CodeAuthorization, apperr.ReasonNotOwner)

	// re-downloading the same version fetches nothing
	if res := e.download(t, bob, "duel", "v1.0.0"); res.Downloaded {
		t.Fatalf("second download of the same version fetched again")
	}
}

func TestConcurrentStartsGetDistinctPorts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.publish(t, "duel", "v1.0.0", 2, 2)
	rooms := []string{"north", "south"}
	owners := make([]Player, len(rooms))
	for i, name := range rooms {
		owner, guest := e.player(t, name+"-a"), e.player(t, name+"-b")
		e.download(t, owner, "duel", "")
		e.download(t, guest, "duel", "")
		if _, err := e.lobby.CreateRoom(ctx, owner, name, "duel"); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := e.lobby.JoinRoom(ctx, guest, name); err != nil {
			t.Fatalf("join %s: %v", name, err)
		}
		third := e.player(t, name+"-c")
		e.download(t, third, "duel", "")
		_, err := e.lobby.JoinRoom(ctx, third, name)
		wantErr(t, err, apperr.CodeCapacity, apperr.ReasonRoomFull)
		owners[i] = owner
	}

	var wg sync.WaitGroup
	started := make([]*Room, len(rooms))
	errs := make([]error, len(rooms))
	for i := range rooms {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started[i], errs[i] = e.lobby.StartGame(ctx, owners[i], rooms[i])
		}(i)
	}
	wg.Wait()
	for i := range rooms {
		if errs[i] != nil {
			t.Fatalf("start %s: %v", rooms[i], errs[i])
		}
		if started[i].State != StateRunning || started[i].Server == nil {
			t.Fatalf("room %s not running: %+v", rooms[i], started[i])
		}
	}
	if started[0].Server.Port == started[1].Server.Port {
		t.Fatalf("both rooms got port %d", started[0].Server.Port)
	}

	// a running room refuses joins and a second start
	_, err := e.lobby.StartGame(ctx, owners[0], rooms[0])
	wantErr(t, err, apperr.CodeCapacity, apperr.ReasonRoomNotWaiting)

	// the process going away finishes the room
	if err := e.sup.Stop("north"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	r := waitState(t, e.lobby, "north", StateFinished)
	if r.Server != nil || r.ExitCode == nil {
		t.Fatalf("finished room keeps process info: %+v", r)
	}
	// rematch from FINISHED gets a fresh port
	again, err := e.lobby.StartGame(ctx, owners[0], "north")
	if err != nil {
		t.Fatalf("rematch: %v", err)
	}
	if again.Server.Port == started[0].Server.Port || again.Server.Port == started[1].Server.Port {
		t.Fatalf("rematch reused port %d", again.Server.Port)
	}
}

func TestSpawnFailureRollsBackToWaiting(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.publish(t, "duel", "v1.0.0", 2, 2)
	alice, bob := e.player(t, "alice"), e.player(t, "bob")
	e.download(t, alice, "duel", "")
	e.download(t, bob, "duel", "")
	if _, err := e.lobby.CreateRoom(ctx, alice, "r1", "duel"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.lobby.JoinRoom(ctx, bob, "r1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := os.Remove(filepath.Join(storagePath(t, e, "duel", "v1.0.0"), "server.py")); err != nil {
		t.Fatalf("remove entry: %v", err)
	}
	before := e.sup.Ports().Remaining()
	_, err := e.lobby.StartGame(ctx, alice, "r1")
	wantErr(t, err, apperr.CodeSpawnFail, apperr.ReasonSpawnEntryMissing)
	r, _ := e.lobby.rooms.Get("r1")
	if r.State != StateWaiting || len(r.Members) != 2 || r.Server != nil {
		t.Fatalf("room after failed start: %+v", r)
	}
	if e.sup.Ports().Remaining() != before {
		t.Fatalf("a launch that never started must not consume a port")
	}
}

func TestDisconnectDuringRunningKeepsProcessUntilEmpty(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.publish(t, "duel", "v1.0.0", 3, 2)
	alice, bob := e.player(t, "alice"), e.player(t, "bob")
	e.download(t, alice, "duel", "")
	e.download(t, bob, "duel", "")
	_, _ = e.lobby.CreateRoom(ctx, alice, "r1", "duel")
	_, _ = e.lobby.JoinRoom(ctx, bob, "r1")
	if _, err := e.lobby.StartGame(ctx, alice, "r1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	e.lobby.Offline(ctx, bob)
	r, _ := e.lobby.rooms.Get("r1")
	if r.State != StateRunning || len(r.Members) != 2 || r.Members[1].Present {
		t.Fatalf("bob must stay seated but absent: %+v", r.Members)
	}
	if _, ok := e.sup.Running("r1"); !ok {
		t.Fatalf("process must survive while a member is present")
	}
	// late joiners cannot take the seat of a running room
	carol := e.player(t, "carol")
	e.download(t, carol, "duel", "")
	_, err := e.lobby.JoinRoom(ctx, carol, "r1")
	wantErr(t, err, apperr.CodeCapacity, apperr.ReasonRoomNotWaiting)

	e.lobby.Offline(ctx, alice)
	waitGone(t, e.lobby, "r1")
	if e.sup.Len() != 0 {
		t.Fatalf("process must be stopped once nobody is present")
	}
}

func waitGone(t *testing.T, s *Service, room string) {
	t.Helper()
	for i := 0; i < 250; i++ {
		if _, ok := s.rooms.Get(room); !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("room %s was not destroyed", room)
}

func TestRestartReloadsRoomsOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.publish(t, "duel", "v1.0.0", 4, 2)
	alice, bob := e.player(t, "alice"), e.player(t, "bob")
	e.download(t, alice, "duel", "")
	e.download(t, bob, "duel", "")
	_, _ = e.lobby.CreateRoom(ctx, alice, "r1", "duel")
	_, _ = e.lobby.JoinRoom(ctx, bob, "r1")
	_, _ = e.lobby.CreateRoom(ctx, bob, "r2", "duel")
	_, _ = e.lobby.JoinRoom(ctx, alice, "r2")
	if _, err := e.lobby.StartGame(ctx, bob, "r2"); err != nil {
		t.Fatalf("start r2: %v", err)
	}

	e.open(t)
	rooms := e.lobby.ListRooms()
	if len(rooms) != 2 {
		t.Fatalf("want 2 rooms after restart, got %d", len(rooms))
	}
	r1, r2 := rooms[0], rooms[1]
	if r1.Name != "r1" || r1.State != StateWaiting || r1.Version != "v1.0.0" || len(r1.Members) != 2 || r1.Owner != "alice" {
		t.Fatalf("r1 after restart: %+v", r1)
	}
	if r2.State != StateFinished || r2.Server != nil {
		t.Fatalf("r2 after restart: %+v", r2)
	}
	for _, m := range r1.Members {
		if m.Present {
			t.Fatalf("members come back absent: %+v", r1.Members)
		}
	}
	if n, err := e.lobby.rooms.Load(ctx); err != nil || n != 2 {
		t.Fatalf("second load: n=%d err=%v", n, err)
	}
	recs, _ := e.lobby.repo.Rooms(ctx)
	if len(recs) != 2 {
		t.Fatalf("reload duplicated rows: %d", len(recs))
	}

	// logging back in takes the seat again
	e.lobby.Online(ctx, alice)
	r, _ := e.lobby.rooms.Get("r1")
	if !r.Members[0].Present || r.Members[1].Present {
		t.Fatalf("reattach: %+v", r.Members)
	}
}

func TestRateRequiresDownload(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.publish(t, "duel", "v1.0.0", 2, 1)
	alice := e.player(t, "alice")
	err := e.lobby.Rate(ctx, alice, "duel", 5, "great")
	wantErr(t, err, apperr.CodeValidation, apperr.ReasonNeedDownload)
	e.download(t, alice, "duel", "")
	if err := e.lobby.Rate(ctx, alice, "duel", 5, "great"); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if err := e.lobby.Rate(ctx, alice, "duel", 2, "meh"); err != nil {
		t.Fatalf("re-rate: %v", err)
	}
	games, err := e.lobby.ListCatalog(ctx)
	if err != nil || len(games) != 1 {
		t.Fatalf("catalog: %v %v", games, err)
	}
	if games[0].RatingCount != 1 || games[0].RatingAvg != 2 || games[0].DownloadCount != 1 {
		t.Fatalf("catalog row %+v", games[0])
	}
}

func TestDownloadRepairsMissingInstall(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.publish(t, "duel", "v1.0.0", 2, 1)
	alice := e.player(t, "alice")
	first := e.download(t, alice, "duel", "")
	if err := os.RemoveAll(first.Path); err != nil {
		t.Fatalf("remove install: %v", err)
	}
	if _, err := e.lobby.CreateRoom(ctx, alice, "r1", "duel"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.lobby.StartGame(ctx, alice, "r1"); !errors.Is(err, apperr.ErrVersionMismatch) {
		t.Fatalf("start with missing files: %v", err)
	}

	again := e.download(t, alice, "duel", "v1.0.0")
	if !again.Downloaded || again.Path != first.Path {
		t.Fatalf("repair download: %+v", again)
	}
	if _, err := os.Stat(filepath.Join(again.Path, "client.py")); err != nil {
		t.Fatalf("files not restored: %v", err)
	}
}
