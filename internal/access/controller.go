// Package access implements role-based authorization for bank administration.
//
// The super administrator is a single owner. It cannot be granted through
// Grant; ownership moves with a two-step handover where the nominee has to
// accept.
package access

import (
	"sort"
	"sync"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/errors"
	"github.com/R3E-Network/custody_bank/pkg/logger"
)

// Controller tracks role grants.
type Controller struct {
	mu      sync.RWMutex
	owner   util.Uint160
	pending *util.Uint160
	grants  map[custody.Role]map[util.Uint160]struct{}
	log     *logger.Logger
}

// State is the exportable view of the controller used for persistence.
type State struct {
	SuperAdmin        util.Uint160
	PendingSuperAdmin *util.Uint160
	Grants            map[custody.Role][]util.Uint160
}

// New creates a controller owned by superAdmin.
func New(superAdmin util.Uint160, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.NewDefault("access")
	}
	return &Controller{
		owner:  superAdmin,
		grants: make(map[custody.Role]map[util.Uint160]struct{}),
		log:    log,
	}
}

// Bootstrap seeds grants without authorization checks. Used at startup from
// configuration, before any request is served.
func (c *Controller) Bootstrap(grants map[custody.Role][]util.Uint160) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for role, principals := range grants {
		if role == custody.RoleSuperAdministrator {
			return errors.ErrInvalidRole.WithDetails("role", string(role))
		}
		if _, ok := custody.ParseRole(string(role)); !ok {
			return errors.ErrInvalidRole.WithDetails("role", string(role))
		}
		for _, p := range principals {
			c.add(role, p)
		}
	}
	return nil
}

// HasRole reports whether principal holds role.
func (c *Controller) HasRole(role custody.Role, principal util.Uint160) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasRole(role, principal)
}

func (c *Controller) hasRole(role custody.Role, principal util.Uint160) bool {
	if role == custody.RoleSuperAdministrator {
		return principal == c.owner
	}
	_, ok := c.grants[role][principal]
	return ok
}

// Require returns ErrUnauthorized unless principal holds role.
func (c *Controller) Require(role custody.Role, principal util.Uint160) error {
	if c.HasRole(role, principal) {
		return nil
	}
	return unauthorized(role, principal)
}

func unauthorized(role custody.Role, principal util.Uint160) error {
	return errors.ErrUnauthorized.
		WithDetails("role", string(role)).
		WithDetails("principal", custody.FormatAccount(principal))
}

// Grant gives principal the role. Only the super administrator may grant.
func (c *Controller) Grant(caller util.Uint160, role custody.Role, principal util.Uint160) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkGrant(caller, role, principal); err != nil {
		return err
	}
	c.add(role, principal)
	c.log.WithField("role", role).WithField("principal", custody.FormatAccount(principal)).Info("role granted")
	return nil
}

// Revoke removes the role from principal. Only the super administrator may revoke.
func (c *Controller) Revoke(caller util.Uint160, role custody.Role, principal util.Uint160) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkGrant(caller, role, principal); err != nil {
		return err
	}
	delete(c.grants[role], principal)
	c.log.WithField("role", role).WithField("principal", custody.FormatAccount(principal)).Info("role revoked")
	return nil
}

func (c *Controller) checkGrant(caller util.Uint160, role custody.Role, principal util.Uint160) error {
	if caller != c.owner {
		return unauthorized(custody.RoleSuperAdministrator, caller)
	}
	if _, ok := custody.ParseRole(string(role)); !ok || role == custody.RoleSuperAdministrator {
		return errors.ErrInvalidRole.WithDetails("role", string(role))
	}
	if principal == (util.Uint160{}) {
		return errors.ErrInvalidPrincipal
	}
	return nil
}

// RenounceRole lets caller drop one of its own roles. The super administrator
// role can only move through a handover.
func (c *Controller) RenounceRole(caller util.Uint160, role custody.Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if role == custody.RoleSuperAdministrator {
		return errors.ErrInvalidRole.WithDetails("role", string(role))
	}
	if !c.hasRole(role, caller) {
		return unauthorized(role, caller)
	}
	delete(c.grants[role], caller)
	return nil
}

// TransferSuperAdmin nominates next as the new owner.
func (c *Controller) TransferSuperAdmin(caller, next util.Uint160) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.owner {
		return unauthorized(custody.RoleSuperAdministrator, caller)
	}
	if next == (util.Uint160{}) {
		return errors.ErrInvalidPrincipal
	}
	n := next
	c.pending = &n
	c.log.WithField("nominee", custody.FormatAccount(next)).Info("super administrator handover started")
	return nil
}

// AcceptSuperAdmin completes a handover. Only the nominee may accept.
func (c *Controller) AcceptSuperAdmin(caller util.Uint160) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || *c.pending != caller {
		return unauthorized(custody.RoleSuperAdministrator, caller)
	}
	c.owner = caller
	c.pending = nil
	c.log.WithField("owner", custody.FormatAccount(caller)).Info("super administrator handover accepted")
	return nil
}

// SuperAdmin returns the current owner.
func (c *Controller) SuperAdmin() util.Uint160 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// Members lists holders of role sorted by address.
func (c *Controller) Members(role custody.Role) []util.Uint160 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if role == custody.RoleSuperAdministrator {
		return []util.Uint160{c.owner}
	}
	return sortedMembers(c.grants[role])
}

// Export captures the controller for persistence.
func (c *Controller) Export() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := State{SuperAdmin: c.owner, Grants: make(map[custody.Role][]util.Uint160, len(c.grants))}
	if c.pending != nil {
		p := *c.pending
		st.PendingSuperAdmin = &p
	}
	for role, set := range c.grants {
		if len(set) == 0 {
			continue
		}
		st.Grants[role] = sortedMembers(set)
	}
	return st
}

// Restore replaces the controller contents with st.
func (c *Controller) Restore(st State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.owner = st.SuperAdmin
	c.pending = nil
	if st.PendingSuperAdmin != nil {
		p := *st.PendingSuperAdmin
		c.pending = &p
	}
	c.grants = make(map[custody.Role]map[util.Uint160]struct{}, len(st.Grants))
	for role, principals := range st.Grants {
		for _, p := range principals {
			c.add(role, p)
		}
	}
}

func (c *Controller) add(role custody.Role, principal util.Uint160) {
	set, ok := c.grants[role]
	if !ok {
		set = make(map[util.Uint160]struct{})
		c.grants[role] = set
	}
	set[principal] = struct{}{}
}

func sortedMembers(set map[util.Uint160]struct{}) []util.Uint160 {
	out := make([]util.Uint160, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
