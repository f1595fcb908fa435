package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuihairu/arcade/internal/apperr"
	"github.com/cuihairu/arcade/internal/authz"
	"github.com/cuihairu/arcade/internal/db"
	"github.com/cuihairu/arcade/internal/events"
	"github.com/cuihairu/arcade/internal/gamepkg/gamepkgtest"
	"github.com/cuihairu/arcade/internal/objstore"
)

var service = authz.Principal{Username: "lobby", Role: authz.RoleService}

type fixture struct {
	svc    *Service
	events *events.Memory
	close  func()
}

// openService opens a store rooted at dir; opening the same dir twice
// simulates a restart.
func openService(t *testing.T, dir string) *fixture {
	t.Helper()
	ctx := context.Background()
	gdb, err := db.Open(db.Options{DSN: "sqlite-go://" + filepath.Join(dir, "store.db")})
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	objects, err := objstore.Open(ctx, objstore.Config{Driver: "file", BaseDir: filepath.Join(dir, "objects")})
	if err != nil {
		t.Fatalf("objstore: %v", err)
	}
	az, err := authz.New("")
	if err != nil {
		t.Fatalf("authz: %v", err)
	}
	mem := events.NewMemory()
	svc, err := NewService(Deps{
		DB:          gdb,
		Objects:     objects,
		Authz:       az,
		Events:      events.NewPublisher(mem, "store"),
		StorageRoot: filepath.Join(dir, "games"),
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	closed := false
	f := &fixture{svc: svc, events: mem}
	f.close = func() {
		if closed {
			return
		}
		closed = true
		_ = objects.Close()
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	t.Cleanup(f.close)
	return f
}

func (f *fixture) account(t *testing.T, name, role string) authz.Principal {
	t.Helper()
	a, err := f.svc.Register(context.Background(), name, "pw-"+name, role)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return authz.Principal{AccountID: a.ID, Username: a.Username, Role: a.Role}
}

func (f *fixture) upload(t *testing.T, p authz.Principal, gameID, ver string) *UploadResult {
	t.Helper()
	res, err := f.svc.Upload(context.Background(), p, UploadRequest{
		GameID: gameID, Version: ver, Archive: gamepkgtest.Game(gameID, 4, 2).Zip(),
	}, false)
	if err != nil {
		t.Fatalf("upload %s %s: %v", gameID, ver, err)
	}
	return res
}

func wantErr(t *testing.T, err error, code apperr.Code, reason string) {
	t.Helper()
	if !errors.Is(err, &apperr.Error{Code: code, Reason: reason}) {
		t.Fatalf("want %s/%s, got %v", code, reason, err)
	}
}

func TestRegisterAndAuthenticate(t *testing.T) {
	f := openService(t, t.TempDir())
	ctx := context.Background()
	f.account(t, "alice", authz.RoleDeveloper)
	_, err := f.svc.Register(ctx, "alice", "x", authz.RolePlayer)
	wantErr(t, err, apperr.CodeValidation, apperr.ReasonUserExists)
	_, err = f.svc.Register(ctx, "eve", "x", "admin")
	wantErr(t, err, apperr.CodeValidation, apperr.ReasonBadField)

	if _, err := f.svc.Authenticate(ctx, "alice", "pw-alice"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	_, err = f.svc.Authenticate(ctx, "alice", "wrong")
	wantErr(t, err, apperr.CodeAuth, apperr.ReasonBadCredentials)
	_, err = f.svc.Authenticate(ctx, "nobody", "x")
	wantErr(t, err, apperr.CodeAuth, apperr.ReasonBadCredentials)
}

func TestUploadRejectsIncompletePackageWithoutRecords(t *testing.T) {
	dir := t.TempDir()
	f := openService(t, dir)
	ctx := context.Background()
	dev := f.account(t, "alice", authz.RoleDeveloper)

	cases := map[string]struct {
		files  gamepkgtest.Files
		reason string
	}{
		"no manifest":     {gamepkgtest.Game("g", 2, 0).Without("game_config.json"), apperr.ReasonManifestMissing},
		"no server entry": {gamepkgtest.Game("g", 2, 0).Without("server.py"), apperr.ReasonEntryMissing},
		"no client entry": {gamepkgtest.Game("g", 2, 0).Without("client.py"), apperr.ReasonEntryMissing},
	}
	for name, tc := range cases {
		_, err := f.svc.Upload(ctx, dev, UploadRequest{GameID: "broken", Version: "v1.0.0", Archive: tc.files.Zip()}, false)
		if !errors.Is(err, &apperr.Error{Code: apperr.CodeValidation, Reason: tc.reason}) {
			t.Fatalf("%s: want %s, got %v", name, tc.reason, err)
		}
	}
	if _, err := f.svc.repo.GameByID(ctx, "broken"); !notFound(err) {
		t.Fatalf("game record created for a rejected upload: %v", err)
	}
	if vs, _ := f.svc.repo.Versions(ctx, "broken"); len(vs) != 0 {
		t.Fatalf("versions recorded for a rejected upload: %d", len(vs))
	}
	if _, err := os.Stat(filepath.Join(dir, "games", "broken")); !os.IsNotExist(err) {
		t.Fatalf("content materialized for a rejected upload: %v", err)
	}
	if left, _ := os.ReadDir(filepath.Join(dir, "games", ".tmp")); len(left) != 0 {
		t.Fatalf("scratch dirs left behind: %v", left)
	}
}

func TestUploadRejectsGameIDOutsideStorageRoot(t *testing.T) {
	dir := t.TempDir()
	f := openService(t, dir)
	ctx := context.Background()
	dev := f.account(t, "alice", authz.RoleDeveloper)

	for _, id := range []string{"../../escaped", "../escaped", "a/b", "Duel"} {
		_, err := f.svc.Upload(ctx, dev, UploadRequest{GameID: id, Version: "v1.0.0", Archive: gamepkgtest.Game("escaped", 2, 0).Zip()}, false)
		wantErr(t, err, apperr.CodeValidation, apperr.ReasonBadField)
	}
	for _, p := range []string{filepath.Join(dir, "escaped"), filepath.Join(filepath.Dir(dir), "escaped")} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("content written outside the storage root at %s: %v", p, err)
		}
	}
	if games, _ := f.svc.repo.GamesByOwner(ctx, dev.AccountID); len(games) != 0 {
		t.Fatalf("games recorded: %d", len(games))
	}
}

func TestVersionOrderingAndLatest(t *testing.T) {
	f := openService(t, t.TempDir())
	ctx := context.Background()
	dev := f.account(t, "alice", authz.RoleDeveloper)

	first := f.upload(t, dev, "duel", "v1.0.0")
	if !first.Created || first.Latest != "v1.0.0" {
		t.Fatalf("first upload: %+v", first)
	}
	g, err := f.svc.repo.GameByID(ctx, "duel")
	if err != nil || g.MaxPlayers != 4 || g.MinPlayers != 2 || g.Type != "cli" || !g.Listed || g.OwnerID != dev.AccountID {
		t.Fatalf("game from manifest: %+v %v", g, err)
	}

	for _, dup := range []string{"v1.0.0", "1.0", "v1.0.0.0"} {
		_, err := f.svc.Upload(ctx, dev, UploadRequest{GameID: "duel", Version: dup, Archive: gamepkgtest.Game("duel", 4, 2).Zip()}, false)
		wantErr(t, err, apperr.CodeValidation, apperr.ReasonVersionExists)
		var ae *apperr.Error
		if !errors.As(err, &ae) || ae.Details["suggested"] != "v1.0.1" {
			t.Fatalf("%s: suggested missing in %v", dup, err)
		}
	}

	f.upload(t, dev, "duel", "v1.1.0")
	info, err := f.svc.LaunchInfo(ctx, authz.Principal{}, "duel", "")
	if err != nil || info.Version != "v1.1.0" {
		t.Fatalf("latest = %+v %v", info, err)
	}
	if info.ServerEntry != "server.py" || info.ClientEntry != "client.py" {
		t.Fatalf("entries: %+v", info)
	}
	if _, err := os.Stat(filepath.Join(info.StoragePath, "server.py")); err != nil {
		t.Fatalf("storage path: %v", err)
	}

	// update_version enforces monotonic versions
	_, err = f.svc.Upload(ctx, dev, UploadRequest{GameID: "duel", Version: "v1.0.5", Archive: gamepkgtest.Game("duel", 4, 2).Zip()}, true)
	wantErr(t, err, apperr.CodeValidation, apperr.ReasonVersionNotMonotone)
	_, err = f.svc.Upload(ctx, dev, UploadRequest{GameID: "duel", Archive: gamepkgtest.Game("duel", 4, 2).Zip()}, true)
	wantErr(t, err, apperr.CodeValidation, apperr.ReasonVersionRequired)
	_, err = f.svc.Upload(ctx, dev, UploadRequest{GameID: "duel", Version: "banana", Archive: gamepkgtest.Game("duel", 4, 2).Zip()}, true)
	wantErr(t, err, apperr.CodeValidation, apperr.ReasonVersionInvalid)
	_, err = f.svc.Upload(ctx, dev, UploadRequest{GameID: "ghost", Version: "v2.0.0", Archive: gamepkgtest.Game("ghost", 4, 2).Zip()}, true)
	wantErr(t, err, apperr.CodeNotFound, "")

	cur, next, err := f.svc.SuggestVersion(ctx, dev, "duel")
	if err != nil || cur != "v1.1.0" || next != "v1.1.1" {
		t.Fatalf("suggest = %s %s %v", cur, next, err)
	}
	res, err := f.svc.Upload(ctx, dev, UploadRequest{GameID: "duel", Version: next, Archive: gamepkgtest.Game("duel", 6, 2).Zip()}, true)
	if err != nil || res.Latest != "v1.1.1" {
		t.Fatalf("update: %+v %v", res, err)
	}
	if g, _ := f.svc.repo.GameByID(ctx, "duel"); g.MaxPlayers != 6 {
		t.Fatalf("metadata should follow the newest version, max=%d", g.MaxPlayers)
	}

	// an older, unused version may still be uploaded; latest is unchanged
	res = f.upload(t, dev, "duel", "v1.0.5")
	if res.Latest != "v1.1.1" {
		t.Fatalf("out of order upload moved latest: %+v", res)
	}
	if old, err := f.svc.LaunchInfo(ctx, authz.Principal{}, "duel", "v1.0.5"); err != nil || old.MaxPlayers != 4 {
		t.Fatalf("explicit version: %+v %v", old, err)
	}
	if got := f.events.Types(events.StreamCatalog); len(got) == 0 || got[0] != events.AccountRegistered {
		t.Fatalf("events: %v", got)
	}
}

func TestNonOwnerCannotMutate(t *testing.T) {
	f := openService(t, t.TempDir())
	ctx := context.Background()
	alice := f.account(t, "alice", authz.RoleDeveloper)
	bob := f.account(t, "bob", authz.RoleDeveloper)
	pat := f.account(t, "pat", authz.RolePlayer)
	f.upload(t, alice, "duel", "v1.0.0")

	_, err := f.svc.Upload(ctx, bob, UploadRequest{GameID: "duel", Version: "v2.0.0", Archive: gamepkgtest.Game("duel", 4, 2).Zip()}, true)
	wantErr(t, err, apperr.CodeAuthorization, apperr.ReasonNotOwner)
	_, err = f.svc.Upload(ctx, bob, UploadRequest{GameID: "duel", Version: "v2.0.0", Archive: gamepkgtest.Game("duel", 4, 2).Zip()}, false)
	wantErr(t, err, apperr.CodeAuthorization, apperr.ReasonNotOwner)
	wantErr(t, f.svc.SetListed(ctx, bob, "duel", false), apperr.CodeAuthorization, apperr.ReasonNotOwner)
	_, _, err = f.svc.SuggestVersion(ctx, bob, "duel")
	wantErr(t, err, apperr.CodeAuthorization, apperr.ReasonNotOwner)
	_, err = f.svc.Upload(ctx, bob, UploadRequest{GameID: "duel", Version: "v2.0.0", Archive: gamepkgtest.Game("duel", 4, 2).Without("server.py").Zip()}, true)
	wantErr(t, err, apperr.CodeAuthorization, apperr.ReasonNotOwner)
	_, err = f.svc.Upload(ctx, pat, UploadRequest{GameID: "mine", Version: "v1.0.0", Archive: gamepkgtest.Game("mine", 4, 2).Zip()}, false)
	wantErr(t, err, apperr.CodeAuthorization, apperr.ReasonWrongRole)

	g, _ := f.svc.repo.GameByID(ctx, "duel")
	vs, _ := f.svc.repo.Versions(ctx, "duel")
	if !g.Listed || g.OwnerID != alice.AccountID || len(vs) != 1 {
		t.Fatalf("state changed by non-owner: %+v versions=%d", g, len(vs))
	}
}

func TestDelistHidesFromOthers(t *testing.T) {
	f := openService(t, t.TempDir())
	ctx := context.Background()
	alice := f.account(t, "alice", authz.RoleDeveloper)
	pat := f.account(t, "pat", authz.RolePlayer)
	f.upload(t, alice, "duel", "v1.0.0")
	f.upload(t, alice, "chess", "v1.0.0")

	if err := f.svc.SetListed(ctx, alice, "duel", false); err != nil {
		t.Fatalf("delist: %v", err)
	}
	if games, _ := f.svc.ListCatalog(ctx, pat); len(games) != 1 || games[0].GameID != "chess" {
		t.Fatalf("player catalog: %+v", games)
	}
	own, _ := f.svc.ListCatalog(ctx, alice)
	if len(own) != 2 {
		t.Fatalf("owner catalog: %+v", own)
	}
	if _, err := f.svc.GameDetail(ctx, pat, "duel"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("detail of delisted game: %v", err)
	}
	if _, err := f.svc.LaunchInfo(ctx, service, "duel", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("latest of delisted game: %v", err)
	}
	if _, err := f.svc.LaunchInfo(ctx, service, "duel", "v1.0.0"); err != nil {
		t.Fatalf("bound version of delisted game: %v", err)
	}
	mine, err := f.svc.MyGames(ctx, alice)
	if err != nil || len(mine) != 2 {
		t.Fatalf("my games: %d %v", len(mine), err)
	}

	if err := f.svc.SetListed(ctx, alice, "duel", true); err != nil {
		t.Fatalf("relist: %v", err)
	}
	if games, _ := f.svc.ListCatalog(ctx, pat); len(games) != 2 {
		t.Fatalf("relisted game hidden: %+v", games)
	}
	if vs, _ := f.svc.repo.Versions(ctx, "duel"); len(vs) != 1 {
		t.Fatalf("history lost: %d", len(vs))
	}
}

func TestRatingRequiresDownloadAndOverwrites(t *testing.T) {
	f := openService(t, t.TempDir())
	ctx := context.Background()
	alice := f.account(t, "alice", authz.RoleDeveloper)
	pat := f.account(t, "pat", authz.RolePlayer)
	f.upload(t, alice, "duel", "v1.0.0")

	wantErr(t, f.svc.SubmitRating(ctx, pat, 0, "duel", 5, "great"), apperr.CodeValidation, apperr.ReasonNeedDownload)
	_, _, err := f.svc.RecordDownload(ctx, pat, pat.AccountID, "duel", "v1.0.0")
	wantErr(t, err, apperr.CodeAuthorization, apperr.ReasonWrongRole)

	recorded, count, err := f.svc.RecordDownload(ctx, service, pat.AccountID, "duel", "v1.0.0")
	if err != nil || !recorded || count != 1 {
		t.Fatalf("record: %v %d %v", recorded, count, err)
	}
	recorded, count, err = f.svc.RecordDownload(ctx, service, pat.AccountID, "duel", "1.0.0")
	if err != nil || recorded || count != 1 {
		t.Fatalf("repeat download must be idempotent: %v %d %v", recorded, count, err)
	}
	_, _, err = f.svc.RecordDownload(ctx, service, pat.AccountID, "duel", "v9.0.0")
	wantErr(t, err, apperr.CodeNotFound, "")

	if err := f.svc.SubmitRating(ctx, pat, 0, "duel", 4, "fun"); err != nil {
		t.Fatalf("first rating: %v", err)
	}
	if err := f.svc.SubmitRating(ctx, service, pat.AccountID, "duel", 2, "meh"); err != nil {
		t.Fatalf("second rating: %v", err)
	}
	wantErr(t, f.svc.SubmitRating(ctx, pat, 0, "duel", 6, ""), apperr.CodeValidation, apperr.ReasonBadScore)

	d, err := f.svc.GameDetail(ctx, pat, "duel")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(d.Ratings) != 1 || d.Ratings[0].Score != 2 || d.Ratings[0].Comment != "meh" || d.Ratings[0].Username != "pat" {
		t.Fatalf("ratings: %+v", d.Ratings)
	}
	if d.Game.RatingCount != 1 || d.Game.RatingAvg != 2 || d.Game.DownloadCount != 1 {
		t.Fatalf("aggregates: %+v", d.Game)
	}
}

func TestArchiveRoundTripAndRepack(t *testing.T) {
	f := openService(t, t.TempDir())
	ctx := context.Background()
	alice := f.account(t, "alice", authz.RoleDeveloper)
	f.upload(t, alice, "duel", "v1.0.0")

	info, data, format, err := f.svc.Archive(ctx, service, "duel", "")
	if err != nil || format != "zip" || len(data) == 0 || info.Version != "v1.0.0" {
		t.Fatalf("archive: %v %s %d", err, format, len(data))
	}
	if _, _, _, err := f.svc.Archive(ctx, authz.Principal{}, "duel", ""); !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("anonymous archive: %v", err)
	}

	v, _ := f.svc.repo.LatestVersion(ctx, "duel")
	if err := f.svc.objects.Delete(ctx, v.ArchiveKey); err != nil {
		t.Fatalf("delete object: %v", err)
	}
	_, data, format, err = f.svc.Archive(ctx, service, "duel", "v1.0.0")
	if err != nil || format != "tar.gz" || len(data) == 0 {
		t.Fatalf("repack: %v %s", err, format)
	}
}

func TestRestartReloadsCommittedState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	f := openService(t, dir)
	alice := f.account(t, "alice", authz.RoleDeveloper)
	pat := f.account(t, "pat", authz.RolePlayer)
	f.upload(t, alice, "duel", "v1.0.0")
	f.upload(t, alice, "duel", "v1.2.0")
	if _, _, err := f.svc.RecordDownload(ctx, service, pat.AccountID, "duel", "v1.2.0"); err != nil {
		t.Fatalf("record: %v", err)
	}
	before, _ := f.svc.ListCatalog(ctx, alice)
	f.close()

	for i := 0; i < 2; i++ {
		g := openService(t, dir)
		if _, err := g.svc.Authenticate(ctx, "alice", "pw-alice"); err != nil {
			t.Fatalf("restart %d: account lost: %v", i, err)
		}
		after, err := g.svc.ListCatalog(ctx, alice)
		if err != nil || len(after) != len(before) {
			t.Fatalf("restart %d: catalog %+v %v", i, after, err)
		}
		if after[0].LatestVersion != "v1.2.0" || after[0].DownloadCount != 1 {
			t.Fatalf("restart %d: summary %+v", i, after[0])
		}
		vs, _ := g.svc.repo.Versions(ctx, "duel")
		if len(vs) != 2 {
			t.Fatalf("restart %d: versions duplicated or lost: %d", i, len(vs))
		}
		_, err = g.svc.Upload(ctx, alice, UploadRequest{GameID: "duel", Version: "v1.2.0", Archive: gamepkgtest.Game("duel", 4, 2).Zip()}, false)
		wantErr(t, err, apperr.CodeValidation, apperr.ReasonVersionExists)
		g.close()
	}
}
