package lobby

import (
	"context"
	"sync"
	"time"

	"github.com/cuihairu/arcade/internal/session"
	"github.com/cuihairu/arcade/internal/telemetry"
	"github.com/cuihairu/arcade/internal/wire"
)

// Handler serves the lobby ops over the wire protocol.
type Handler struct {
	svc     *Service
	metrics *telemetry.Metrics
	mux     *wire.Mux
	mu      sync.Mutex
	conns   map[string]*session.Session // conn id -> session, nil until login
}

func NewHandler(svc *Service, metrics *telemetry.Metrics) *Handler {
	h := &Handler{svc: svc, metrics: metrics, mux: wire.NewMux(), conns: map[string]*session.Session{}}
	h.routes()
	return h
}

func (h *Handler) Open(ctx context.Context, c *wire.Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = nil
	h.mu.Unlock()
	_ = c.Push(wire.PushHello, map[string]any{"server": "lobby", "conn": c.ID(), "ops": h.mux.Ops()})
}

// Closed runs the disconnect rules when the connection held the account's
// live session. An evicted connection closing changes nothing.
func (h *Handler) Closed(c *wire.Conn) {
	h.mu.Lock()
	sess := h.conns[c.ID()]
	delete(h.conns, c.ID())
	h.mu.Unlock()
	h.end(sess)
}

func (h *Handler) end(sess *session.Session) {
	if sess == nil || !h.svc.sessions.Remove(sess) {
		return
	}
	h.svc.Offline(context.Background(), Player{AccountID: sess.AccountID, Username: sess.Username})
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

func (h *Handler) session(c *wire.Conn) *session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[c.ID()]
}

// player adapts an op that needs a live session.
func (h *Handler) player(fn func(ctx context.Context, p Player, req *wire.Message) (any, error)) wire.HandlerFunc {
	return func(ctx context.Context, c *wire.Conn, req *wire.Message) (any, error) {
		sess := h.session(c)
		if err := sess.Valid(); err != nil {
			return nil, err
		}
		return fn(ctx, Player{AccountID: sess.AccountID, Username: sess.Username}, req)
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
	m.Handle("list_online", h.player(h.listOnline))
	m.Handle("list_rooms", h.player(h.listRooms))
	m.Handle("room_info", h.player(h.roomInfo))
	m.Handle("list_catalog", h.player(h.listCatalog))
	m.Handle("my_downloads", h.player(h.myDownloads))
	m.Handle("download_or_update", h.player(h.downloadOrUpdate))
	m.Handle("create_room", h.player(h.createRoom))
	m.Handle("join_room", h.player(h.joinRoom))
	m.Handle("leave_room", h.player(h.leaveRoom))
	m.Handle("start_game", h.player(h.startGame))
	m.Handle("rate", h.player(h.rate))
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type roomRef struct {
	Name   string `json:"name"`
	GameID string `json:"game_id"`
}

func (h *Handler) register(ctx context.Context, c *wire.Conn, req *wire.Message) (any, error) {
	var in credentials
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	return h.svc.Register(ctx, in.Username, in.Password)
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
	if old := h.session(c); old != nil && old.AccountID != a.AccountID {
		h.end(old)
	}
	// the prior session is revoked before this response is written
	cur, prev := h.svc.sessions.Issue(a.AccountID, a.Username, a.Role, c)
	h.mu.Lock()
	if _, open := h.conns[c.ID()]; open {
		h.conns[c.ID()] = cur
	}
	h.mu.Unlock()
	h.metrics.Login()
	replaced := prev != nil && prev.ConnID != c.ID()
	if replaced {
		h.metrics.Eviction()
	}
	p := Player{AccountID: a.AccountID, Username: a.Username}
	h.svc.Online(ctx, p)
	return map[string]any{
		"session_id":       cur.ID,
		"account_id":       a.AccountID,
		"username":         a.Username,
		"session_replaced": replaced,
	}, nil
}

func (h *Handler) logout(ctx context.Context, c *wire.Conn, req *wire.Message) (any, error) {
	h.mu.Lock()
	sess := h.conns[c.ID()]
	if _, open := h.conns[c.ID()]; open {
		h.conns[c.ID()] = nil
	}
	h.mu.Unlock()
	if err := sess.Valid(); err != nil {
		return nil, err
	}
	h.end(sess)
	return map[string]any{"logged_out": true}, nil
}

func (h *Handler) listOnline(ctx context.Context, p Player, req *wire.Message) (any, error) {
	return map[string]any{"players": h.svc.ListOnline()}, nil
}

func (h *Handler) listRooms(ctx context.Context, p Player, req *wire.Message) (any, error) {
	return map[string]any{"rooms": h.svc.ListRooms()}, nil
}

func (h *Handler) roomInfo(ctx context.Context, p Player, req *wire.Message) (any, error) {
	var in roomRef
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	r, err := h.svc.RoomInfo(in.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"room": r}, nil
}

func (h *Handler) listCatalog(ctx context.Context, p Player, req *wire.Message) (any, error) {
	games, err := h.svc.ListCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"games": games}, nil
}

func (h *Handler) myDownloads(ctx context.Context, p Player, req *wire.Message) (any, error) {
	m, err := h.svc.MyDownloads(p)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (h *Handler) downloadOrUpdate(ctx context.Context, p Player, req *wire.Message) (any, error) {
	var in struct {
		GameID  string `json:"game_id"`
		Version string `json:"version"`
	}
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	return h.svc.DownloadOrUpdate(ctx, p, in.GameID, in.Version)
}

func (h *Handler) createRoom(ctx context.Context, p Player, req *wire.Message) (any, error) {
	var in roomRef
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	r, err := h.svc.CreateRoom(ctx, p, in.Name, in.GameID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"room": r}, nil
}

func (h *Handler) joinRoom(ctx context.Context, p Player, req *wire.Message) (any, error) {
	var in roomRef
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	r, err := h.svc.JoinRoom(ctx, p, in.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"room": r}, nil
}

func (h *Handler) leaveRoom(ctx context.Context, p Player, req *wire.Message) (any, error) {
	var in roomRef
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	r, err := h.svc.LeaveRoom(ctx, p, in.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"room": r}, nil
}

func (h *Handler) startGame(ctx context.Context, p Player, req *wire.Message) (any, error) {
	var in roomRef
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	r, err := h.svc.StartGame(ctx, p, in.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"room": r, "host": r.Server.Host, "port": r.Server.Port, "client_entry": r.ClientEntry}, nil
}

func (h *Handler) rate(ctx context.Context, p Player, req *wire.Message) (any, error) {
	var in struct {
		GameID  string `json:"game_id"`
		Score   int    `json:"score"`
		Comment string `json:"comment"`
	}
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := h.svc.Rate(ctx, p, in.GameID, in.Score, in.Comment); err != nil {
		return nil, err
	}
	return map[string]any{"game_id": in.GameID, "score": in.Score}, nil
}

var _ wire.Handler = (*Handler)(nil)
