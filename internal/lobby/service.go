// Package lobby tracks online players, matches them into rooms and launches
// one game server per room through the supervisor. The store stays the
// source of truth for accounts and the catalog; every version the lobby
// relies on is re-checked against it at the moment of use.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/cuihairu/arcade/internal/apperr"
	"github.com/cuihairu/arcade/internal/authz"
	"github.com/cuihairu/arcade/internal/catalogcache"
	"github.com/cuihairu/arcade/internal/events"
	"github.com/cuihairu/arcade/internal/gamepkg"
	"github.com/cuihairu/arcade/internal/session"
	"github.com/cuihairu/arcade/internal/store"
	"github.com/cuihairu/arcade/internal/storeclient"
	"github.com/cuihairu/arcade/internal/supervisor"
	"github.com/cuihairu/arcade/internal/telemetry"
	"github.com/cuihairu/arcade/internal/version"
	"github.com/cuihairu/arcade/internal/wire"
)

// Upstream is the subset of the store the lobby calls.
type Upstream interface {
	Register(ctx context.Context, username, password, role string) (*storeclient.Account, error)
	VerifyCredentials(ctx context.Context, username, password string) (*storeclient.Account, error)
	ListCatalog(ctx context.Context) ([]store.GameSummary, error)
	LaunchInfo(ctx context.Context, gameID, version string) (*store.LaunchInfo, error)
	DownloadArchive(ctx context.Context, gameID, version string) (*storeclient.Archive, error)
	RecordDownload(ctx context.Context, accountID uint, gameID, version string) (bool, error)
	SubmitRating(ctx context.Context, accountID uint, gameID string, score int, comment string) error
}

// Deps are the collaborators of a Service.
type Deps struct {
	DB         *gorm.DB
	Store      Upstream
	Supervisor *supervisor.Supervisor
	Sessions   *session.Table
	// Catalog defaults to an uncached loader over Store.
	Catalog *catalogcache.Cache
	Events  *events.Publisher
	Metrics *telemetry.Metrics
	// DownloadsRoot holds the per-player download layout.
	DownloadsRoot string
	// InstallRoot holds server-side copies of versions whose store
	// storage path is not reachable from this host.
	InstallRoot string
}

// Player is the caller of a lobby op.
type Player struct {
	AccountID uint
	Username  string
}

type Service struct {
	store       Upstream
	sup         *supervisor.Supervisor
	sessions    *session.Table
	catalog     *catalogcache.Cache
	events      *events.Publisher
	metrics     *telemetry.Metrics
	repo        *Repo
	rooms       *Rooms
	downloads   *Downloads
	installRoot string
	log         *slog.Logger
}

// NewService migrates the lobby schema, resets presence and reloads rooms.
func NewService(ctx context.Context, d Deps) (*Service, error) {
	if d.DB == nil || d.Store == nil || d.Supervisor == nil {
		return nil, errors.New("lobby: db, store and supervisor are required")
	}
	if d.DownloadsRoot == "" {
		return nil, errors.New("lobby: downloads root is required")
	}
	if err := AutoMigrate(d.DB); err != nil {
		return nil, fmt.Errorf("lobby: migrate: %w", err)
	}
	downloads, err := NewDownloads(d.DownloadsRoot)
	if err != nil {
		return nil, err
	}
	install := d.InstallRoot
	if install == "" {
		install = filepath.Join(filepath.Dir(downloads.root), "servers")
	}
	if err := os.MkdirAll(filepath.Join(install, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("lobby: %w", err)
	}
	s := &Service{
		store:       d.Store,
		sup:         d.Supervisor,
		sessions:    d.Sessions,
		catalog:     d.Catalog,
		events:      d.Events,
		metrics:     d.Metrics,
		repo:        NewRepo(d.DB),
		downloads:   downloads,
		installRoot: install,
		log:         slog.Default().With("component", "lobby"),
	}
	s.rooms = NewRooms(s.repo)
	if s.sessions == nil {
		s.sessions = session.NewTable(0)
	}
	if s.events == nil {
		s.events = events.NewPublisher(nil, "lobby")
	}
	if s.catalog == nil {
		if s.catalog, err = catalogcache.New(catalogcache.Config{Type: "none"}, d.Store.ListCatalog); err != nil {
			return nil, err
		}
	}
	if err := s.repo.ResetPresence(ctx); err != nil {
		return nil, fmt.Errorf("lobby: reset presence: %w", err)
	}
	n, err := s.rooms.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("lobby: reload rooms: %w", err)
	}
	if n > 0 {
		s.log.Info("rooms reloaded", "count", n)
	}
	s.sup.OnExit(s.processExited)
	return s, nil
}

func (s *Service) Sessions() *session.Table     { return s.sessions }
func (s *Service) Rooms() *Rooms                 { return s.rooms }
func (s *Service) Downloads() *Downloads         { return s.downloads }
func (s *Service) Catalog() *catalogcache.Cache { return s.catalog }

// push notifies the live sessions of the given accounts.
func (s *Service) push(op string, body any, accounts ...uint) {
	for _, id := range accounts {
		sess, ok := s.sessions.Get(id)
		if !ok || sess.Revoked() || sess.Conn() == nil {
			continue
		}
		if err := sess.Conn().Push(op, body); err != nil {
			s.log.Debug("push failed", "op", op, "user", sess.Username, "error", err)
		}
	}
}

func presentIDs(r *Room) []uint {
	var out []uint
	for _, m := range r.Members {
		if m.Present {
			out = append(out, m.AccountID)
		}
	}
	return out
}

// apply acts on membership changes once the room lock is released.
func (s *Service) apply(changes ...Change) {
	for _, c := range changes {
		if c.StopProcess {
			if err := s.sup.Stop(c.Room.Name); err != nil && !errors.Is(err, apperr.ErrNotFound) {
				s.log.Warn("stop game server failed", "room", c.Room.Name, "error", err)
			}
		}
		if c.Destroyed {
			s.events.Emit(events.StreamRooms, events.RoomClosed, map[string]any{"room": c.Room.Name, "game_id": c.Room.GameID})
			continue
		}
		s.push(wire.PushRoomUpdated, map[string]any{"room": c.Room}, presentIDs(c.Room)...)
	}
}

// Accounts

func (s *Service) Register(ctx context.Context, username, password string) (*storeclient.Account, error) {
	return s.store.Register(ctx, username, password, authz.RolePlayer)
}

// Authenticate checks credentials with the store. Only players may use the
// lobby.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*storeclient.Account, error) {
	a, err := s.store.VerifyCredentials(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if a.Role != authz.RolePlayer {
		return nil, apperr.Authorization(apperr.ReasonWrongRole, "the lobby is for players; %q is a %s", a.Username, a.Role)
	}
	return a, nil
}

// Online records a fresh session and gives the player back any seats
// kept for them.
func (s *Service) Online(ctx context.Context, p Player) {
	if err := s.repo.SetOnline(ctx, p.AccountID, p.Username, time.Now().UTC()); err != nil {
		s.log.Warn("presence update failed", "user", p.Username, "error", err)
	}
	for _, r := range s.rooms.Reattach(ctx, p.AccountID) {
		s.push(wire.PushRoomUpdated, map[string]any{"room": r}, presentIDs(r)...)
	}
}

// Offline applies the disconnect rules for a player whose live session
// ended.
func (s *Service) Offline(ctx context.Context, p Player) {
	if err := s.repo.SetOffline(ctx, p.AccountID, time.Now().UTC()); err != nil {
		s.log.Warn("presence update failed", "user", p.Username, "error", err)
	}
	s.apply(s.rooms.Disconnect(ctx, p.AccountID)...)
}

// OnlinePlayer is one list_online row.
type OnlinePlayer struct {
	AccountID uint      `json:"account_id"`
	Username  string    `json:"username"`
	Since     time.Time `json:"since"`
}

func (s *Service) ListOnline() []OnlinePlayer {
	live := s.sessions.Online()
	out := make([]OnlinePlayer, 0, len(live))
	for _, sess := range live {
		out = append(out, OnlinePlayer{AccountID: sess.AccountID, Username: sess.Username, Since: sess.IssuedAt})
	}
	return out
}

// Catalog and downloads

func (s *Service) ListCatalog(ctx context.Context) ([]store.GameSummary, error) {
	return s.catalog.Catalog(ctx)
}

func (s *Service) MyDownloads(p Player) (*Manifest, error) {
	return s.downloads.Load(p.Username)
}

// DownloadResult reports one download_or_update.
type DownloadResult struct {
	GameID     string `json:"game_id"`
	Version    string `json:"version"`
	Path       string `json:"path"`
	Downloaded bool   `json:"downloaded"`
	Current    string `json:"current"`
}

// DownloadOrUpdate installs the latest (or the requested) version of a game
// next to any versions the player already holds, then reports it to the
// store ledger.
func (s *Service) DownloadOrUpdate(ctx context.Context, p Player, gameID, ver string) (*DownloadResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "lobby.download", telemetry.GameIDKey.String(gameID))
	defer span.End()
	if strings.TrimSpace(gameID) == "" {
		return nil, apperr.Validation(apperr.ReasonBadField, "game_id is required")
	}
	info, err := s.store.LaunchInfo(ctx, gameID, ver)
	if err != nil {
		return nil, err
	}
	m, err := s.downloads.Load(p.Username)
	if err != nil {
		return nil, err
	}
	res := &DownloadResult{GameID: info.GameID, Version: info.Version}
	var archive []byte
	if !m.Holds(info.GameID, info.Version) {
		a, err := s.store.DownloadArchive(ctx, info.GameID, info.Version)
		if err != nil {
			return nil, err
		}
		archive = a.Data
		res.Downloaded = true
	}
	if res.Path, err = s.downloads.Install(p.Username, info.GameID, info.Version, archive); err != nil {
		return nil, err
	}
	// the ledger is idempotent, so a retry after a failed report is safe
	if _, err := s.store.RecordDownload(ctx, p.AccountID, info.GameID, info.Version); err != nil {
		return nil, fmt.Errorf("lobby: record download: %w", err)
	}
	if res.Downloaded {
		s.catalog.Invalidate(ctx)
		s.metrics.Download(info.GameID)
	}
	if m, err = s.downloads.Load(p.Username); err == nil {
		if g := m.Games[info.GameID]; g != nil {
			res.Current = g.Current
		}
	}
	s.log.Info("download", "user", p.Username, "game", info.GameID, "version", info.Version, "fetched", res.Downloaded)
	return res, nil
}

func (s *Service) Rate(ctx context.Context, p Player, gameID string, score int, comment string) error {
	return s.store.SubmitRating(ctx, p.AccountID, gameID, score, comment)
}

// Rooms

func (s *Service) ListRooms() []*Room { return s.rooms.List() }

func (s *Service) RoomInfo(name string) (*Room, error) {
	r, ok := s.rooms.Get(name)
	if !ok {
		return nil, apperr.NotFound("room %q not found", name)
	}
	return r, nil
}

func validRoomName(name string) error {
	if name == "" || len(name) > 64 || strings.ContainsAny(name, "/\\ \t\r\n") {
		return apperr.Validation(apperr.ReasonBadField, "room name must be 1-64 characters without spaces or slashes")
	}
	return nil
}

// CreateRoom binds a new room to the creator's current download of the
// game, after confirming the store still serves that version.
func (s *Service) CreateRoom(ctx context.Context, p Player, name, gameID string) (*Room, error) {
	name = strings.TrimSpace(name)
	if err := validRoomName(name); err != nil {
		return nil, err
	}
	if _, ok := s.rooms.Get(name); ok {
		return nil, apperr.Validation(apperr.ReasonRoomExists, "room %q already exists", name)
	}
	m, err := s.downloads.Load(p.Username)
	if err != nil {
		return nil, err
	}
	g := m.Games[gameID]
	if g == nil || g.Current == "" {
		return nil, apperr.VersionMismatch("download %s before creating a room for it", gameID).With("game_id", gameID)
	}
	info, err := s.store.LaunchInfo(ctx, gameID, g.Current)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.VersionMismatch("%s %s is no longer available", gameID, g.Current).With("bound_version", g.Current)
		}
		return nil, err
	}
	r, err := s.rooms.Create(ctx, &Room{
		Name:        name,
		GameID:      info.GameID,
		Version:     g.Current,
		OwnerID:     p.AccountID,
		Owner:       p.Username,
		MinPlayers:  minPlayers(info),
		MaxPlayers:  info.MaxPlayers,
		ClientEntry: info.ClientEntry,
		Members:     []Member{{AccountID: p.AccountID, Username: p.Username, Present: true}},
	})
	if err != nil {
		return nil, err
	}
	s.events.Emit(events.StreamRooms, events.RoomCreated, map[string]any{"room": r.Name, "game_id": r.GameID, "version": r.Version, "owner": p.Username})
	return r, nil
}

func minPlayers(info *store.LaunchInfo) int {
	if info.MinPlayers < 1 {
		return 1
	}
	return info.MinPlayers
}

// holds reads a player's manifest; an unreadable one holds nothing.
func (s *Service) holds(username, gameID, ver string) bool {
	m, err := s.downloads.Load(username)
	if err != nil {
		s.log.Warn("read download manifest failed", "user", username, "error", err)
		return false
	}
	return m.Holds(gameID, ver)
}

func (s *Service) JoinRoom(ctx context.Context, p Player, name string) (*Room, error) {
	r, err := s.rooms.Join(ctx, name, Member{AccountID: p.AccountID, Username: p.Username}, func(gameID, ver string) bool {
		return s.holds(p.Username, gameID, ver)
	})
	if err != nil {
		return nil, err
	}
	s.push(wire.PushRoomUpdated, map[string]any{"room": r}, presentIDs(r)...)
	return r, nil
}

func (s *Service) LeaveRoom(ctx context.Context, p Player, name string) (*Room, error) {
	c, err := s.rooms.Leave(ctx, name, p.AccountID)
	if err != nil {
		return nil, err
	}
	s.apply(c)
	return c.Room, nil
}

// StartGame launches the room's game server. The request waits for the
// launch result while other connections keep being served; on failure the
// room is back in WAITING before the error is returned.
func (s *Service) StartGame(ctx context.Context, p Player, name string) (*Room, error) {
	ctx, span := telemetry.StartSpan(ctx, "lobby.start_game", telemetry.RoomKey.String(name))
	defer span.End()
	snap, ok := s.rooms.Get(name)
	if !ok {
		return nil, apperr.NotFound("room %q not found", name)
	}
	if snap.OwnerID != p.AccountID {
		return nil, apperr.Authorization(apperr.ReasonNotOwner, "only the owner of room %q may start it", name)
	}
	info, err := s.store.LaunchInfo(ctx, snap.GameID, snap.Version)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.VersionMismatch("%s %s is no longer available", snap.GameID, snap.Version).With("bound_version", snap.Version)
		}
		return nil, err
	}
	if !sameVersion(info.Version, snap.Version) {
		return nil, apperr.VersionMismatch("store resolved %s %s, room is bound to %s", snap.GameID, info.Version, snap.Version).
			With("bound_version", snap.Version)
	}
	launchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	room, err := s.rooms.BeginStart(ctx, name, p.AccountID, minPlayers(info), func(m Member) bool {
		return s.holds(m.Username, snap.GameID, snap.Version)
	}, cancel)
	if err != nil {
		return nil, err
	}
	s.push(wire.PushRoomUpdated, map[string]any{"room": room}, presentIDs(room)...)

	res := s.launch(ctx, launchCtx, room, info)
	if res.Err != nil {
		if c, ok := s.rooms.Rollback(context.Background(), name); ok {
			s.apply(c)
		}
		s.events.Emit(events.StreamRooms, events.SpawnFailed, map[string]any{
			"room": name, "game_id": room.GameID, "version": room.Version, "reason": apperr.From(res.Err).Reason,
		})
		return nil, res.Err
	}
	proc := res.Process
	srv := GameServer{PID: proc.PID, Host: proc.Host, Port: proc.Port, StartedAt: proc.StartedAt}
	started, ok := s.rooms.Started(context.Background(), name, srv, info.ClientEntry, func() bool {
		return s.sup.Alive(name, proc.PID)
	})
	if !ok {
		exited := !s.sup.Alive(name, proc.PID)
		_ = s.sup.Stop(name)
		if c, ok := s.rooms.Rollback(context.Background(), name); ok {
			s.apply(c)
		}
		if exited {
			s.events.Emit(events.StreamRooms, events.SpawnFailed, map[string]any{
				"room": name, "game_id": room.GameID, "version": room.Version, "reason": apperr.ReasonSpawnExited,
			})
			return nil, apperr.SpawnFail(apperr.ReasonSpawnExited, nil, "game server for room %q exited right after start", name)
		}
		return nil, apperr.SpawnFail(apperr.ReasonSpawnCanceled, nil, "room %q emptied while its game server was starting", name)
	}
	s.metrics.RoomStarted(started.GameID)
	s.events.Emit(events.StreamRooms, events.RoomStarted, map[string]any{
		"room": name, "game_id": started.GameID, "version": started.Version, "port": srv.Port, "pid": srv.PID,
	})
	s.log.Info("room started", "room", name, "game", started.GameID, "version", started.Version, "addr", srv.Addr(), "pid", srv.PID)
	s.push(wire.PushRoomStarted, map[string]any{
		"room":         name,
		"game_id":      started.GameID,
		"version":      started.Version,
		"host":         srv.Host,
		"port":         srv.Port,
		"client_entry": started.ClientEntry,
		"players":      started.Usernames(),
	}, presentIDs(started)...)
	return started, nil
}

func (s *Service) launch(ctx, launchCtx context.Context, room *Room, info *store.LaunchInfo) supervisor.LaunchResult {
	dir, err := s.serverFiles(ctx, info)
	if err != nil {
		return supervisor.LaunchResult{Err: apperr.SpawnFail(apperr.ReasonSpawnEntryMissing, err, "game files for %s %s unavailable: %v", info.GameID, info.Version, err)}
	}
	return <-s.sup.Launch(launchCtx, supervisor.LaunchSpec{
		Room:        room.Name,
		GameID:      room.GameID,
		Version:     room.Version,
		StoragePath: dir,
		ServerEntry: info.ServerEntry,
		Players:     room.Usernames(),
	})
}

// serverFiles returns a local directory holding the version's files: the
// store's storage path when this host can see it, else a lobby copy
// downloaded once per version.
func (s *Service) serverFiles(ctx context.Context, info *store.LaunchInfo) (string, error) {
	if info.StoragePath != "" {
		if st, err := os.Stat(info.StoragePath); err == nil && st.IsDir() {
			return info.StoragePath, nil
		}
	}
	dest := filepath.Join(s.installRoot, info.GameID, info.Version)
	if exists(dest) {
		return dest, nil
	}
	a, err := s.store.DownloadArchive(ctx, info.GameID, info.Version)
	if err != nil {
		return "", err
	}
	scratch, root, _, err := gamepkg.Unpack(a.Data, filepath.Join(s.installRoot, ".tmp"))
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(scratch)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(root, dest); err != nil && !exists(dest) {
		return "", err
	}
	return dest, nil
}

func sameVersion(a, b string) bool {
	va, err := version.Parse(a)
	if err != nil {
		return a == b
	}
	vb, err := version.Parse(b)
	if err != nil {
		return false
	}
	return va.Compare(vb) == 0
}

// processExited is the supervisor's exit callback.
func (s *Service) processExited(e supervisor.ExitInfo) {
	c, ok := s.rooms.Exited(context.Background(), e.Room, e.PID, e.Code)
	if !ok {
		return
	}
	s.log.Info("room finished", "room", e.Room, "code", e.Code, "stopped", e.Stopped)
	s.events.Emit(events.StreamRooms, events.RoomFinished, map[string]any{"room": e.Room, "game_id": c.Room.GameID, "exit_code": e.Code})
	if c.Destroyed {
		s.events.Emit(events.StreamRooms, events.RoomClosed, map[string]any{"room": e.Room, "game_id": c.Room.GameID})
		return
	}
	s.push(wire.PushRoomFinished, map[string]any{"room": e.Room, "exit_code": e.Code, "state": c.Room.State}, presentIDs(c.Room)...)
}

// Shutdown stops every game server.
func (s *Service) Shutdown() { s.sup.Shutdown() }
