package store

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cuihairu/arcade/internal/apperr"
	"github.com/cuihairu/arcade/internal/auth/token"
	"github.com/cuihairu/arcade/internal/authz"
	"github.com/cuihairu/arcade/internal/gamepkg/gamepkgtest"
	"github.com/cuihairu/arcade/internal/session"
	"github.com/cuihairu/arcade/internal/wire"
)

const testSecret = "store-test-secret"

func serve(t *testing.T, f *fixture) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h := NewHandler(f.svc, session.NewTable(5*time.Second), token.NewManager(testSecret), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = wire.NewServer("store", h).Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *wire.Client {
	t.Helper()
	c, err := wire.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	waitPush(t, c, wire.PushHello)
	return c
}

func waitPush(t *testing.T, c *wire.Client, op string) *wire.Message {
	t.Helper()
	select {
	case m, ok := <-c.Pushes():
		if !ok || m.Op != op {
			t.Fatalf("want push %s, got %+v", op, m)
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", op)
	}
	return nil
}

func TestSecondLoginEvictsFirstConnection(t *testing.T) {
	f := openService(t, t.TempDir())
	f.account(t, "alice", authz.RoleDeveloper)
	addr := serve(t, f)
	ctx := context.Background()
	creds := map[string]any{"username": "alice", "password": "pw-alice"}

	first := dial(t, addr)
	var out struct {
		Replaced bool `json:"session_replaced"`
	}
	if err := first.Call(ctx, "login", creds, &out); err != nil || out.Replaced {
		t.Fatalf("first login: %v replaced=%v", err, out.Replaced)
	}
	second := dial(t, addr)
	if err := second.Call(ctx, "login", creds, &out); err != nil || !out.Replaced {
		t.Fatalf("second login: %v replaced=%v", err, out.Replaced)
	}

	// the stale connection is already revoked, whether or not the push
	// has been read yet
	err := first.Call(ctx, "my_games", nil, nil)
	if !errors.Is(err, &apperr.Error{Code: apperr.CodeAuth, Reason: apperr.ReasonSessionExpired}) {
		t.Fatalf("evicted connection: want AUTH/SESSION_EXPIRED, got %v", err)
	}
	err = first.Call(ctx, "list_catalog", nil, nil)
	if !errors.Is(err, apperr.ErrAuth) {
		t.Fatalf("evicted connection read: want AUTH, got %v", err)
	}
	waitPush(t, first, wire.PushSessionExpired)
	if err := second.Call(ctx, "my_games", nil, nil); err != nil {
		t.Fatalf("live session: %v", err)
	}
}

func TestUploadOverTheWire(t *testing.T) {
	f := openService(t, t.TempDir())
	f.account(t, "alice", authz.RoleDeveloper)
	addr := serve(t, f)
	ctx := context.Background()

	c := dial(t, addr)
	archive := base64.StdEncoding.EncodeToString(gamepkgtest.Game("Number Battle", 2, 2).Zip())
	err := c.Call(ctx, "upload_version", map[string]any{"archive_b64": archive}, nil)
	if !errors.Is(err, &apperr.Error{Code: apperr.CodeAuth, Reason: apperr.ReasonAuthRequired}) {
		t.Fatalf("anonymous upload: %v", err)
	}
	if err := c.Call(ctx, "login", map[string]any{"username": "alice", "password": "pw-alice"}, nil); err != nil {
		t.Fatalf("login: %v", err)
	}
	var res UploadResult
	if err := c.Call(ctx, "upload_version", map[string]any{"archive_b64": archive}, &res); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.GameID != "number-battle" || res.Version != "v1.0.0" || !res.Created {
		t.Fatalf("defaults: %+v", res)
	}
	err = c.Call(ctx, "update_version", map[string]any{"game_id": res.GameID, "version": "v1.0.0", "archive_b64": archive}, nil)
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Reason != apperr.ReasonVersionExists || ae.Details["suggested"] != "v1.0.1" {
		t.Fatalf("duplicate over the wire: %v", err)
	}
	var sugg struct {
		Suggested string `json:"suggested"`
	}
	if err := c.Call(ctx, "suggest_version", map[string]any{"game_id": res.GameID}, &sugg); err != nil || sugg.Suggested != "v1.0.1" {
		t.Fatalf("suggest: %v %+v", err, sugg)
	}
	err = c.Call(ctx, "no_such_op", nil, nil)
	if !errors.Is(err, &apperr.Error{Code: apperr.CodeValidation, Reason: apperr.ReasonUnknownOp}) {
		t.Fatalf("unknown op: %v", err)
	}
}

func TestServiceAuthAndLedger(t *testing.T) {
	f := openService(t, t.TempDir())
	alice := f.account(t, "alice", authz.RoleDeveloper)
	f.account(t, "pat", authz.RolePlayer)
	f.upload(t, alice, "duel", "v1.0.0")
	addr := serve(t, f)
	ctx := context.Background()

	c := dial(t, addr)
	bad, _ := token.NewManager("other").Sign("lobby", []string{authz.RoleService}, time.Minute)
	if err := c.Call(ctx, "service_auth", map[string]any{"token": bad}, nil); !errors.Is(err, apperr.ErrAuth) {
		t.Fatalf("forged token: %v", err)
	}
	tok, err := token.NewManager(testSecret).Sign("lobby", []string{authz.RoleService}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := c.Call(ctx, "service_auth", map[string]any{"token": tok}, nil); err != nil {
		t.Fatalf("service auth: %v", err)
	}
	var acct struct {
		AccountID uint   `json:"account_id"`
		Role      string `json:"role"`
	}
	if err := c.Call(ctx, "verify_credentials", map[string]any{"username": "pat", "password": "pw-pat"}, &acct); err != nil || acct.Role != authz.RolePlayer {
		t.Fatalf("verify: %v %+v", err, acct)
	}
	var rec struct {
		Recorded bool  `json:"recorded"`
		Count    int64 `json:"download_count"`
	}
	body := map[string]any{"account_id": acct.AccountID, "game_id": "duel", "version": "v1.0.0"}
	if err := c.Call(ctx, "record_download", body, &rec); err != nil || !rec.Recorded || rec.Count != 1 {
		t.Fatalf("record: %v %+v", err, rec)
	}
	if err := c.Call(ctx, "submit_rating", map[string]any{"account_id": acct.AccountID, "game_id": "duel", "score": 5}, nil); err != nil {
		t.Fatalf("rate: %v", err)
	}
	var arch struct {
		Format string `json:"format"`
		B64    string `json:"archive_b64"`
	}
	if err := c.Call(ctx, "download_archive", map[string]any{"game_id": "duel"}, &arch); err != nil || arch.Format != "zip" || arch.B64 == "" {
		t.Fatalf("archive: %v %s", err, arch.Format)
	}
}
