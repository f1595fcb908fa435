// Package authz is the single authorization predicate applied before every
// mutating store operation. A Casbin role policy decides which roles may
// invoke an action; owner-scoped actions additionally require the caller to
// own the target game.
package authz

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/cuihairu/arcade/internal/apperr"
)

// Roles.
const (
	RoleDeveloper = "developer"
	RolePlayer    = "player"
	RoleService   = "service"
)

const modelText = `
[request_definition]
r = sub, act

[policy_definition]
p = sub, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (r.act == p.act || p.act == "*")
`

// DefaultPolicy is used when no policy file is configured.
const DefaultPolicy = `p, role:developer, upload_version
p, role:developer, update_version
p, role:developer, suggest_version
p, role:developer, delist
p, role:developer, relist
p, role:developer, my_games
p, role:developer, download_archive
p, role:player, submit_rating
p, role:player, download_archive
p, role:service, verify_credentials
p, role:service, record_download
p, role:service, submit_rating
p, role:service, download_archive
`

// Owner-scoped actions.
var ownerScoped = map[string]bool{
	"upload_version":  true,
	"update_version":  true,
	"suggest_version": true,
	"delist":          true,
	"relist":          true,
}

// Principal is the authenticated caller.
type Principal struct {
	AccountID uint
	Username  string
	Role      string
}

func (p Principal) subject() string { return "user:" + strconv.FormatUint(uint64(p.AccountID), 10) }

// Resource is the target of an action. OwnerID is zero when the target does
// not exist yet (e.g. the first upload of a game).
type Resource struct {
	Kind    string
	ID      string
	OwnerID uint
}

// Authorizer wraps a synced Casbin enforcer.
type Authorizer struct {
	mu         sync.RWMutex
	enforcer   *casbin.SyncedEnforcer
	policyPath string
}

// New loads the role policy from policyPath, or DefaultPolicy when empty.
func New(policyPath string) (*Authorizer, error) {
	a := &Authorizer{policyPath: policyPath}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload re-reads the policy. On error the previous policy stays active.
func (a *Authorizer) Reload() error {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return fmt.Errorf("authz: model: %w", err)
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return fmt.Errorf("authz: enforcer: %w", err)
	}
	text := DefaultPolicy
	if a.policyPath != "" {
		b, err := os.ReadFile(a.policyPath)
		if err != nil {
			return fmt.Errorf("authz: read policy: %w", err)
		}
		text = string(b)
	}
	rules, err := parsePolicy(text)
	if err != nil {
		return err
	}
	for _, r := range rules {
		switch r[0] {
		case "p":
			_, err = e.AddPolicy(r[1], r[2])
		case "g":
			_, err = e.AddGroupingPolicy(r[1], r[2])
		}
		if err != nil {
			return fmt.Errorf("authz: load rule %v: %w", r, err)
		}
	}
	a.mu.Lock()
	a.enforcer = e
	a.mu.Unlock()
	slog.Info("authorization policy loaded", "rules", len(rules), "path", a.policyPath)
	return nil
}

// Allowed reports whether role may perform action, ignoring ownership.
func (a *Authorizer) Allowed(p Principal, action string) bool {
	a.mu.RLock()
	e := a.enforcer
	a.mu.RUnlock()
	for _, sub := range []string{p.subject(), "role:" + p.Role} {
		ok, err := e.Enforce(sub, action)
		if err != nil {
			slog.Warn("authz: enforce failed", "sub", sub, "action", action, "error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// Check is the authorization predicate: role policy first, then ownership
// for owner-scoped actions on existing resources.
func (a *Authorizer) Check(p Principal, action string, res Resource) error {
	if !a.Allowed(p, action) {
		return apperr.Authorization(apperr.ReasonWrongRole, "role %q may not %s", p.Role, action)
	}
	if ownerScoped[action] && res.OwnerID != 0 && res.OwnerID != p.AccountID {
		return apperr.Authorization(apperr.ReasonNotOwner, "%s %s is owned by another account", res.Kind, res.ID)
	}
	return nil
}
