package lobby

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuihairu/arcade/internal/apperr"
)

// Change is the outcome of a membership change, for the caller to act on
// after the table lock is released.
type Change struct {
	Room        *Room
	Destroyed   bool
	StopProcess bool
}

// Rooms is the room table. One mutex covers every state transition
// together with the membership checks it depends on.
type Rooms struct {
	mu     sync.Mutex
	byName map[string]*Room
	repo   *Repo
	loaded bool
	log    *slog.Logger
}

func NewRooms(repo *Repo) *Rooms {
	return &Rooms{byName: map[string]*Room{}, repo: repo, log: slog.Default().With("component", "rooms")}
}

func (t *Rooms) persist(ctx context.Context, r *Room) error {
	r.UpdatedAt = time.Now().UTC()
	return t.repo.SaveRoom(ctx, r.record())
}

// save persists a transition that has already happened in memory.
func (t *Rooms) save(ctx context.Context, r *Room) {
	if err := t.persist(ctx, r); err != nil {
		t.log.Error("persist room failed", "room", r.Name, "state", r.State, "error", err)
	}
}

func (t *Rooms) destroy(ctx context.Context, r *Room) {
	delete(t.byName, r.Name)
	if err := t.repo.DeleteRoom(ctx, r.Name); err != nil {
		t.log.Error("delete room failed", "room", r.Name, "error", err)
	}
	t.log.Info("room destroyed", "room", r.Name)
}

// Load restores rooms from the database once. No connection or process
// survives a restart: members come back absent, STARTING rooms return to
// WAITING and RUNNING rooms are FINISHED.
func (t *Rooms) Load(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return len(t.byName), nil
	}
	recs, err := t.repo.Rooms(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	for _, rec := range recs {
		r := roomFromRecord(rec)
		for i := range r.Members {
			r.Members[i].Present = false
		}
		switch r.State {
		case StateStarting:
			r.State = StateWaiting
		case StateRunning:
			if r.Server != nil {
				t.log.Warn("game server of reloaded room is not supervised", "room", r.Name, "pid", r.Server.PID, "port", r.Server.Port)
			}
			r.State = StateFinished
			r.FinishedAt = &now
			r.Server = nil
		}
		t.byName[r.Name] = r
		if err := t.persist(ctx, r); err != nil {
			return 0, err
		}
	}
	t.loaded = true
	return len(t.byName), nil
}

func (t *Rooms) Get(name string) (*Room, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// List returns snapshots ordered by name.
func (t *Rooms) List() []*Room {
	t.mu.Lock()
	out := make([]*Room, 0, len(t.byName))
	for _, r := range t.byName {
		out = append(out, r.clone())
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Rooms) Create(ctx context.Context, r *Room) (*Room, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byName[r.Name]; ok {
		return nil, apperr.Validation(apperr.ReasonRoomExists, "room %q already exists", r.Name)
	}
	now := time.Now().UTC()
	r.State = StateWaiting
	r.CreatedAt = now
	if err := t.persist(ctx, r); err != nil {
		return nil, err
	}
	t.byName[r.Name] = r
	t.log.Info("room created", "room", r.Name, "game", r.GameID, "version", r.Version, "owner", r.Owner)
	return r.clone(), nil
}

// Join seats a player. holds reports whether the player has a version
// downloaded. A seated but absent player is marked present again.
func (t *Rooms) Join(ctx context.Context, name string, m Member, holds func(gameID, ver string) bool) (*Room, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byName[name]
	if !ok {
		return nil, apperr.NotFound("room %q not found", name)
	}
	if i := r.member(m.AccountID); i >= 0 {
		if !r.Members[i].Present {
			r.Members[i].Present = true
			t.save(ctx, r)
		}
		return r.clone(), nil
	}
	if r.State != StateWaiting {
		return nil, apperr.Capacity(apperr.ReasonRoomNotWaiting, "room %q is %s", name, r.State).With("state", string(r.State))
	}
	if r.MaxPlayers > 0 && len(r.Members) >= r.MaxPlayers {
		return nil, apperr.Capacity(apperr.ReasonRoomFull, "room %q is full (%d/%d)", name, len(r.Members), r.MaxPlayers)
	}
	if !holds(r.GameID, r.Version) {
		return nil, apperr.VersionMismatch("room %q needs %s %s; download it first", name, r.GameID, r.Version).
			With("game_id", r.GameID).With("bound_version", r.Version)
	}
	m.Present = true
	r.Members = append(r.Members, m)
	if err := t.persist(ctx, r); err != nil {
		r.Members = r.Members[:len(r.Members)-1]
		return nil, err
	}
	return r.clone(), nil
}

// depart applies the disconnect rules to member i.
func (t *Rooms) depart(ctx context.Context, r *Room, i int) Change {
	switch r.State {
	case StateStarting, StateRunning:
		r.Members[i].Present = false
		if len(r.present()) == 0 {
			if r.State == StateStarting && r.cancel != nil {
				r.cancel()
			}
			t.save(ctx, r)
			return Change{Room: r.clone(), StopProcess: r.State == StateRunning}
		}
	default:
		r.Members = append(r.Members[:i], r.Members[i+1:]...)
		r.fixOwner()
		if len(r.Members) == 0 {
			t.destroy(ctx, r)
			return Change{Room: r.clone(), Destroyed: true}
		}
	}
	t.save(ctx, r)
	return Change{Room: r.clone()}
}

func (t *Rooms) Leave(ctx context.Context, name string, accountID uint) (Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byName[name]
	if !ok {
		return Change{}, apperr.NotFound("room %q not found", name)
	}
	i := r.member(accountID)
	if i < 0 {
		return Change{}, apperr.Validation(apperr.ReasonNotMember, "not a member of room %q", name)
	}
	return t.depart(ctx, r, i), nil
}

// Disconnect applies the disconnect rules to every room the account is
// present in.
func (t *Rooms) Disconnect(ctx context.Context, accountID uint) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Change
	for _, r := range t.byName {
		if i := r.member(accountID); i >= 0 && r.Members[i].Present {
			out = append(out, t.depart(ctx, r, i))
		}
	}
	return out
}

// Reattach marks the account present again wherever it is still seated.
func (t *Rooms) Reattach(ctx context.Context, accountID uint) []*Room {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Room
	for _, r := range t.byName {
		if i := r.member(accountID); i >= 0 && !r.Members[i].Present {
			r.Members[i].Present = true
			t.save(ctx, r)
			out = append(out, r.clone())
		}
	}
	return out
}

// BeginStart moves a room to STARTING. Absent members are dropped first,
// then the owner, member count and every member's version are checked
// without releasing the lock, so no join can interleave.
func (t *Rooms) BeginStart(ctx context.Context, name string, ownerID uint, minPlayers int, holds func(Member) bool, cancel context.CancelFunc) (*Room, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byName[name]
	if !ok {
		return nil, apperr.NotFound("room %q not found", name)
	}
	if r.OwnerID != ownerID {
		return nil, apperr.Authorization(apperr.ReasonNotOwner, "only the owner of room %q may start it", name)
	}
	if r.State != StateWaiting && r.State != StateFinished {
		return nil, apperr.Capacity(apperr.ReasonRoomNotWaiting, "room %q is %s", name, r.State).With("state", string(r.State))
	}
	prev := r.clone()
	r.prune()
	if len(r.Members) < minPlayers {
		r.restore(prev)
		return nil, apperr.Capacity(apperr.ReasonBelowMinimum, "room %q needs %d players, has %d", name, minPlayers, len(r.Members)).
			With("required", minPlayers).With("have", len(r.Members))
	}
	for _, m := range r.Members {
		if !holds(m) {
			r.restore(prev)
			return nil, apperr.VersionMismatch("%s does not hold %s %s", m.Username, r.GameID, r.Version).
				With("username", m.Username).With("bound_version", r.Version)
		}
	}
	r.State = StateStarting
	r.MinPlayers = minPlayers
	r.cancel = cancel
	if err := t.persist(ctx, r); err != nil {
		r.restore(prev)
		return nil, err
	}
	return r.clone(), nil
}

// Started moves a STARTING room to RUNNING. It reports false when the room
// is gone, no longer STARTING, has no present member or alive reports the
// process gone; the caller then owns stopping the process and rolling back.
// alive runs under the table lock, so an exit seen after it finds the room
// RUNNING.
func (t *Rooms) Started(ctx context.Context, name string, srv GameServer, clientEntry string, alive func() bool) (*Room, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byName[name]
	if !ok || r.State != StateStarting || len(r.present()) == 0 {
		return nil, false
	}
	if alive != nil && !alive() {
		return nil, false
	}
	r.State = StateRunning
	r.Server = &srv
	r.ClientEntry = clientEntry
	r.FinishedAt, r.ExitCode = nil, nil
	r.cancel = nil
	t.save(ctx, r)
	return r.clone(), true
}

// Rollback returns a STARTING room to WAITING, dropping members that left
// while it was starting.
func (t *Rooms) Rollback(ctx context.Context, name string) (Change, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byName[name]
	if !ok || r.State != StateStarting {
		return Change{}, false
	}
	r.State = StateWaiting
	r.cancel = nil
	r.prune()
	if len(r.Members) == 0 {
		t.destroy(ctx, r)
		return Change{Room: r.clone(), Destroyed: true}, true
	}
	t.save(ctx, r)
	return Change{Room: r.clone()}, true
}

// Exited finishes a RUNNING room whose process pid exited. Absent members
// are pruned; an empty room is destroyed.
func (t *Rooms) Exited(ctx context.Context, name string, pid, code int) (Change, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byName[name]
	if !ok || r.State != StateRunning || r.Server == nil || r.Server.PID != pid {
		return Change{}, false
	}
	now := time.Now().UTC()
	r.State = StateFinished
	r.FinishedAt = &now
	r.ExitCode = &code
	r.Server = nil
	r.prune()
	if len(r.Members) == 0 {
		t.destroy(ctx, r)
		return Change{Room: r.clone(), Destroyed: true}, true
	}
	t.save(ctx, r)
	return Change{Room: r.clone()}, true
}
