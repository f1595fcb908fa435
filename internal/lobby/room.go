package lobby

import (
	"context"
	"net"
	"strconv"
	"time"
)

// State is a room lifecycle state.
type State string

const (
	StateWaiting  State = "WAITING"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateFinished State = "FINISHED"
)

// Member is one seat in a room. Absent members keep their seat while the
// room is STARTING or RUNNING.
type Member struct {
	AccountID uint   `json:"account_id"`
	Username  string `json:"username"`
	Present   bool   `json:"present"`
}

// GameServer is the live process of a RUNNING room.
type GameServer struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

func (g *GameServer) Addr() string { return net.JoinHostPort(g.Host, strconv.Itoa(g.Port)) }

// Room binds a member set to one game version and at most one process.
type Room struct {
	Name        string      `json:"name"`
	GameID      string      `json:"game_id"`
	Version     string      `json:"version"`
	OwnerID     uint        `json:"owner_id"`
	Owner       string      `json:"owner"`
	State       State       `json:"state"`
	MinPlayers  int         `json:"min_players"`
	MaxPlayers  int         `json:"max_players"`
	ClientEntry string      `json:"client_entry,omitempty"`
	Members     []Member    `json:"members"`
	Server      *GameServer `json:"server,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	ExitCode    *int        `json:"exit_code,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`

	cancel context.CancelFunc
}

func (r *Room) clone() *Room {
	c := *r
	c.Members = append([]Member(nil), r.Members...)
	if r.Server != nil {
		s := *r.Server
		c.Server = &s
	}
	c.cancel = nil
	return &c
}

func (r *Room) member(accountID uint) int {
	for i, m := range r.Members {
		if m.AccountID == accountID {
			return i
		}
	}
	return -1
}

func (r *Room) present() []Member {
	var out []Member
	for _, m := range r.Members {
		if m.Present {
			out = append(out, m)
		}
	}
	return out
}

// MemberIDs lists every seated account.
func (r *Room) MemberIDs() []uint {
	out := make([]uint, len(r.Members))
	for i, m := range r.Members {
		out[i] = m.AccountID
	}
	return out
}

// Usernames lists seated usernames in join order.
func (r *Room) Usernames() []string {
	out := make([]string, len(r.Members))
	for i, m := range r.Members {
		out[i] = m.Username
	}
	return out
}

// prune drops absent members and hands ownership to the first remaining
// member when the owner is gone.
func (r *Room) prune() {
	r.Members = r.present()
	r.fixOwner()
}

func (r *Room) fixOwner() {
	if len(r.Members) == 0 || r.member(r.OwnerID) >= 0 {
		return
	}
	next := r.Members[0]
	for _, m := range r.Members {
		if m.Present {
			next = m
			break
		}
	}
	r.OwnerID, r.Owner = next.AccountID, next.Username
}

// restore undoes membership changes made during a rejected transition.
func (r *Room) restore(prev *Room) {
	r.Members, r.OwnerID, r.Owner, r.State = prev.Members, prev.OwnerID, prev.Owner, prev.State
}
