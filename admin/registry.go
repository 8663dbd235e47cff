// Package admin implements the Admin Command Gate: a command registry with
// global/scoped eligibility, a cached whitelist, the /export pipeline, and
// admin-error telemetry with whitelist-cache invalidation on auth failures.
package admin

import "context"

const (
	CommandStart       = "/start"
	CommandAdmin       = "/admin"
	CommandAdminStatus = "/admin status"
	CommandExport      = "/export"
	CommandBroadcast   = "/broadcast"
)

const roleMismatchText = "This command is restricted to administrators."

// DetermineCommandRole resolves whether userID may run a scoped command,
// injected so the host process can back it with its own admin source of
// truth (typically the Whitelist below).
type DetermineCommandRole func(ctx context.Context, userID, command string) (bool, error)

// Registry tracks globally-allowed commands versus scoped commands that
// require DetermineCommandRole to approve.
type Registry struct {
	global        map[string]struct{}
	scoped        map[string]struct{}
	determineRole DetermineCommandRole
}

// NewRegistry constructs a Registry with the fixed command set.
func NewRegistry(determineRole DetermineCommandRole) *Registry {
	return &Registry{
		global: map[string]struct{}{
			CommandStart: {},
		},
		scoped: map[string]struct{}{
			CommandAdmin:       {},
			CommandAdminStatus: {},
			CommandExport:      {},
			CommandBroadcast:   {},
		},
		determineRole: determineRole,
	}
}

// IsKnown reports whether command is registered at all (global or scoped).
func (r *Registry) IsKnown(command string) bool {
	if _, ok := r.global[command]; ok {
		return true
	}
	_, ok := r.scoped[command]
	return ok
}

// Authorize reports whether userID may run command right now. Global
// commands are always authorized; scoped commands defer to
// DetermineCommandRole. On mismatch, replyText carries the role-mismatch
// message the caller should send back to the user.
func (r *Registry) Authorize(ctx context.Context, userID, command string) (allowed bool, replyText string, err error) {
	if _, ok := r.global[command]; ok {
		return true, "", nil
	}
	if _, ok := r.scoped[command]; !ok {
		return false, "", nil
	}
	allowed, err = r.determineRole(ctx, userID, command)
	if err != nil {
		return false, "", err
	}
	if !allowed {
		return false, roleMismatchText, nil
	}
	return true, "", nil
}
