package store

import (
	"context"
	"encoding/base64"
	"slices"
	"sync"
	"time"

	"github.com/cuihairu/arcade/internal/apperr"
	"github.com/cuihairu/arcade/internal/auth/token"
	"github.com/cuihairu/arcade/internal/authz"
	"github.com/cuihairu/arcade/internal/session"
	"github.com/cuihairu/arcade/internal/telemetry"
	"github.com/cuihairu/arcade/internal/wire"
)

// connState is what a connection has authenticated as.
type connState struct {
	mu      sync.Mutex
	sess    *session.Session
	service *authz.Principal
}

func (st *connState) get() (*session.Session, *authz.Principal) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sess, st.service
}

// Handler serves the store ops over the wire protocol.
type Handler struct {
	svc      *Service
	sessions *session.Table
	tokens   *token.Manager
	metrics  *telemetry.Metrics
	mux      *wire.Mux
	conns    sync.Map // conn id -> *connState
}

// NewHandler wires svc to the op table. tokens may be nil, which disables
// service_auth.
func NewHandler(svc *Service, sessions *session.Table, tokens *token.Manager, metrics *telemetry.Metrics) *Handler {
	if sessions == nil {
		sessions = session.NewTable(0)
	}
	h := &Handler{svc: svc, sessions: sessions, tokens: tokens, metrics: metrics, mux: wire.NewMux()}
	h.routes()
	return h
}

func (h *Handler) Sessions() *session.Table { return h.sessions }

func (h *Handler) Open(ctx context.Context, c *wire.Conn) {
	h.conns.Store(c.ID(), &connState{})
	_ = c.Push(wire.PushHello, map[string]any{"server": "store", "conn": c.ID(), "ops": h.mux.Ops()})
}

func (h *Handler) Closed(c *wire.Conn) {
	v, ok := h.conns.LoadAndDelete(c.ID())
	if !ok {
		return
	}
	if sess, _ := v.(*connState).get(); sess != nil {
		h.sessions.Remove(sess)
	}
}

func (h *Handler) Handle(ctx context.Context, c *wire.Conn, req *wire.Message) *wire.Message {
	start := time.Now()
	resp := h.mux.Dispatch(ctx, c, req)
	code := resp.Code
	if resp.OK {
		code = "OK"
	}
	h.metrics.Request(req.Op, code, time.Since(start))
	return resp
}

func (h *Handler) state(c *wire.Conn) *connState {
	if v, ok := h.conns.Load(c.ID()); ok {
		return v.(*connState)
	}
	st := &connState{}
	h.conns.Store(c.ID(), st)
	return st
}

// principal resolves the caller. A revoked session is always an AUTH
// error; an unauthenticated connection is anonymous unless required.
func (h *Handler) principal(c *wire.Conn, required bool) (authz.Principal, error) {
	sess, svc := h.state(c).get()
	if svc != nil {
		return *svc, nil
	}
	if sess != nil {
		if err := sess.Valid(); err != nil {
			return authz.Principal{}, err
		}
		return authz.Principal{AccountID: sess.AccountID, Username: sess.Username, Role: sess.Role}, nil
	}
	if required {
		return authz.Principal{}, apperr.Auth(apperr.ReasonAuthRequired, "login required")
	}
	return authz.Principal{}, nil
}

// authed adapts an op that needs a principal.
func (h *Handler) authed(required bool, fn func(ctx context.Context, p authz.Principal, req *wire.Message) (any, error)) wire.HandlerFunc {
	return func(ctx context.Context, c *wire.Conn, req *wire.Message) (any, error) {
		p, err := h.principal(c, required)
		if err != nil {
			return nil, err
		}
		return fn(ctx, p, req)
	}
}

func (h *Handler) routes() {
	m := h.mux
	m.Handle("ping", func(context.Context, *wire.Conn, *wire.Message) (any, error) {
		return map[string]any{"reply": "PONG"}, nil
	})
	m.Handle("register", h.register)
	m.Handle("login", h.login)
	m.Handle("logout", h.logout)
	m.Handle("service_auth", h.serviceAuth)
	m.Handle("verify_credentials", h.authed(true, h.verifyCredentials))
	m.Handle("list_catalog", h.authed(false, h.listCatalog))
	m.Handle("game_detail", h.authed(false, h.gameDetail))
	m.Handle("my_games", h.authed(true, h.myGames))
	m.Handle("upload_version", h.authed(true, h.upload(false)))
	m.Handle("update_version", h.authed(true, h.upload(true)))
	m.Handle("suggest_version", h.authed(true, h.suggestVersion))
	m.Handle("delist", h.authed(true, h.setListed(false)))
	m.Handle("relist", h.authed(true, h.setListed(true)))
	m.Handle("record_download", h.authed(true, h.recordDownload))
	m.Handle("submit_rating", h.authed(true, h.submitRating))
	m.Handle("get_launch_info", h.authed(false, h.launchInfo))
	m.Handle("download_archive", h.authed(true, h.downloadArchive))
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (h *Handler) register(ctx context.Context, c *wire.Conn, req *wire.Message) (any, error) {
	var in credentials
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	a, err := h.svc.Register(ctx, in.Username, in.Password, in.Role)
	if err != nil {
		return nil, err
	}
	return map[string]any{"account_id": a.ID, "username": a.Username, "role": a.Role}, nil
}

func (h *Handler) login(ctx context.Context, c *wire.Conn, req *wire.Message) (any, error) {
	var in credentials
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	a, err := h.svc.Authenticate(ctx, in.Username, in.Password)
	if err != nil {
		return nil, err
	}
	st := h.state(c)
	st.mu.Lock()
	old := st.sess
	st.mu.Unlock()
	if old != nil && old.AccountID != a.ID {
		h.sessions.Remove(old)
	}
	// the prior session is revoked before this response is written
	cur, prev := h.sessions.Issue(a.ID, a.Username, a.Role, c)
	st.mu.Lock()
	st.sess = cur
	st.mu.Unlock()
	h.metrics.Login()
	replaced := prev != nil && prev.ConnID != c.ID()
	if replaced {
		h.metrics.Eviction()
	}
	return map[string]any{
		"session_id":       cur.ID,
		"account_id":       a.ID,
		"username":         a.Username,
		"role":             a.Role,
		"session_replaced": replaced,
	}, nil
}

func (h *Handler) logout(ctx context.Context, c *wire.Conn, req *wire.Message) (any, error) {
	st := h.state(c)
	st.mu.Lock()
	sess := st.sess
	st.sess = nil
	st.mu.Unlock()
	if err := sess.Valid(); err != nil {
		return nil, err
	}
	h.sessions.Remove(sess)
	return map[string]any{"logged_out": true}, nil
}

func (h *Handler) serviceAuth(ctx context.Context, c *wire.Conn, req *wire.Message) (any, error) {
	if h.tokens == nil {
		return nil, apperr.Auth(apperr.ReasonBadCredentials, "service authentication is disabled")
	}
	var in struct {
		Token string `json:"token"`
	}
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	sub, roles, err := h.tokens.Verify(in.Token)
	if err != nil {
		return nil, apperr.Auth(apperr.ReasonBadCredentials, "invalid service token: %v", err)
	}
	if !slices.Contains(roles, authz.RoleService) {
		return nil, apperr.Authorization(apperr.ReasonWrongRole, "token for %q lacks the service role", sub)
	}
	st := h.state(c)
	st.mu.Lock()
	st.service = &authz.Principal{Username: sub, Role: authz.RoleService}
	st.mu.Unlock()
	return map[string]any{"service": sub}, nil
}

func (h *Handler) verifyCredentials(ctx context.Context, p authz.Principal, req *wire.Message) (any, error) {
	if !h.svc.Authorizer().Allowed(p, "verify_credentials") {
		return nil, apperr.Authorization(apperr.ReasonWrongRole, "role %q may not verify credentials", p.Role)
	}
	var in credentials
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	a, err := h.svc.Authenticate(ctx, in.Username, in.Password)
	if err != nil {
		return nil, err
	}
	return map[string]any{"account_id": a.ID, "username": a.Username, "role": a.Role}, nil
}

type gameRef struct {
	GameID  string `json:"game_id"`
	Version string `json:"version"`
}

func (h *Handler) listCatalog(ctx context.Context, p authz.Principal, req *wire.Message) (any, error) {
	games, err := h.svc.ListCatalog(ctx, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"games": games}, nil
}

func (h *Handler) gameDetail(ctx context.Context, p authz.Principal, req *wire.Message) (any, error) {
	var in gameRef
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	return h.svc.GameDetail(ctx, p, in.GameID)
}

func (h *Handler) myGames(ctx context.Context, p authz.Principal, req *wire.Message) (any, error) {
	games, err := h.svc.MyGames(ctx, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"games": games}, nil
}

func (h *Handler) upload(requireExisting bool) func(context.Context, authz.Principal, *wire.Message) (any, error) {
	return func(ctx context.Context, p authz.Principal, req *wire.Message) (any, error) {
		var in struct {
			GameID      string `json:"game_id"`
			Name        string `json:"name"`
			Version     string `json:"version"`
			Description string `json:"description"`
			ArchiveB64  string `json:"archive_b64"`
		}
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		data, err := base64.StdEncoding.DecodeString(in.ArchiveB64)
		if err != nil {
			return nil, apperr.Validation(apperr.ReasonArchiveInvalid, "archive_b64: %v", err)
		}
		return h.svc.Upload(ctx, p, UploadRequest{
			GameID:      in.GameID,
			Name:        in.Name,
			Version:     in.Version,
			Description: in.Description,
			Archive:     data,
		}, requireExisting)
	}
}

func (h *Handler) suggestVersion(ctx context.Context, p authz.Principal, req *wire.Message) (any, error) {
	var in gameRef
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	cur, next, err := h.svc.SuggestVersion(ctx, p, in.GameID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"game_id": in.GameID, "current": cur, "suggested": next}, nil
}

func (h *Handler) setListed(listed bool) func(context.Context, authz.Principal, *wire.Message) (any, error) {
	return func(ctx context.Context, p authz.Principal, req *wire.Message) (any, error) {
		var in gameRef
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		if err := h.svc.SetListed(ctx, p, in.GameID, listed); err != nil {
			return nil, err
		}
		return map[string]any{"game_id": in.GameID, "listed": listed}, nil
	}
}

func (h *Handler) recordDownload(ctx context.Context, p authz.Principal, req *wire.Message) (any, error) {
	var in struct {
		AccountID uint   `json:"account_id"`
		GameID    string `json:"game_id"`
		Version   string `json:"version"`
	}
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	recorded, count, err := h.svc.RecordDownload(ctx, p, in.AccountID, in.GameID, in.Version)
	if err != nil {
		return nil, err
	}
	return map[string]any{"recorded": recorded, "download_count": count}, nil
}

func (h *Handler) submitRating(ctx context.Context, p authz.Principal, req *wire.Message) (any, error) {
	var in struct {
		AccountID uint   `json:"account_id"`
		GameID    string `json:"game_id"`
		Score     int    `json:"score"`
		Comment   string `json:"comment"`
	}
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := h.svc.SubmitRating(ctx, p, in.AccountID, in.GameID, in.Score, in.Comment); err != nil {
		return nil, err
	}
	return map[string]any{"game_id": in.GameID, "score": in.Score}, nil
}

func (h *Handler) launchInfo(ctx context.Context, p authz.Principal, req *wire.Message) (any, error) {
	var in gameRef
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	return h.svc.LaunchInfo(ctx, p, in.GameID, in.Version)
}

func (h *Handler) downloadArchive(ctx context.Context, p authz.Principal, req *wire.Message) (any, error) {
	var in gameRef
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	info, data, format, err := h.svc.Archive(ctx, p, in.GameID, in.Version)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"game_id":     info.GameID,
		"version":     info.Version,
		"format":      format,
		"archive_b64": base64.StdEncoding.EncodeToString(data),
	}, nil
}
