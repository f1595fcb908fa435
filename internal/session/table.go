// Package session keeps the one-live-session-per-account table used by the
// store and the lobby.
package session

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuihairu/arcade/internal/apperr"
	"github.com/cuihairu/arcade/internal/wire"
)

// DefaultEvictGrace is how long an evicted connection stays open after the
// SESSION_EXPIRED push, so that its pending request is answered with AUTH.
const DefaultEvictGrace = 2 * time.Second

// Session is a logged-in account bound to one connection.
type Session struct {
	ID        string
	AccountID uint
	Username  string
	Role      string
	ConnID    string
	IssuedAt  time.Time

	conn    *wire.Conn
	revoked atomic.Bool
}

// Revoked reports whether the session was replaced or logged out.
func (s *Session) Revoked() bool { return s.revoked.Load() }

// Conn returns the connection the session is bound to.
func (s *Session) Conn() *wire.Conn { return s.conn }

// Valid returns an AUTH error for a nil or revoked session.
func (s *Session) Valid() error {
	if s == nil {
		return apperr.Auth(apperr.ReasonAuthRequired, "login required")
	}
	if s.Revoked() {
		return apperr.Auth(apperr.ReasonSessionExpired, "session expired: logged in elsewhere")
	}
	return nil
}

// Table holds at most one live session per account.
type Table struct {
	mu    sync.Mutex
	live  map[uint]*Session
	grace time.Duration
	log   *slog.Logger
}

func NewTable(grace time.Duration) *Table {
	if grace <= 0 {
		grace = DefaultEvictGrace
	}
	return &Table{live: map[uint]*Session{}, grace: grace, log: slog.Default().With("component", "sessions")}
}

// Issue creates the account's session on conn. A prior session is revoked
// before Issue returns and is handed back so the caller can report it; its
// connection gets a SESSION_EXPIRED push and is closed after the grace
// period, unless it is conn itself.
func (t *Table) Issue(accountID uint, username, role string, conn *wire.Conn) (cur, prev *Session) {
	cur = &Session{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Username:  username,
		Role:      role,
		IssuedAt:  time.Now().UTC(),
		conn:      conn,
	}
	if conn != nil {
		cur.ConnID = conn.ID()
	}
	t.mu.Lock()
	prev = t.live[accountID]
	t.live[accountID] = cur
	if prev != nil {
		prev.revoked.Store(true)
	}
	t.mu.Unlock()
	if prev != nil && (prev.conn == nil || prev.conn != conn) {
		t.evict(prev)
	}
	return cur, prev
}

func (t *Table) evict(s *Session) {
	t.log.Info("session evicted", "account", s.AccountID, "user", s.Username, "conn", s.ConnID)
	c := s.conn
	if c == nil || c.Closed() {
		return
	}
	// push and close off the caller's path; the revoked flag already guards
	// every later request on the stale connection
	go func() {
		if err := c.Push(wire.PushSessionExpired, map[string]any{
			"reason": "logged in from another connection",
		}); err != nil {
			t.log.Debug("session expired push failed", "conn", c.ID(), "error", err)
		}
		timer := time.NewTimer(t.grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = c.Close()
		case <-c.Done():
		}
	}()
}

// Remove drops s if it is still the account's live session and marks it
// revoked. It reports whether s was live.
func (t *Table) Remove(s *Session) bool {
	if s == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s.revoked.Store(true)
	if t.live[s.AccountID] != s {
		return false
	}
	delete(t.live, s.AccountID)
	return true
}

// Get returns the live session of an account.
func (t *Table) Get(accountID uint) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.live[accountID]
	return s, ok
}

// Online lists live sessions ordered by username.
func (t *Table) Online() []*Session {
	t.mu.Lock()
	out := make([]*Session, 0, len(t.live))
	for _, s := range t.live {
		out = append(out, s)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}
