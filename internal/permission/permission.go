// Package permission decides whether the signed-in user may perform an
// action. Checks are exact role-name membership tests; there is no role
// hierarchy and no wildcard. Anything not explicitly granted is denied.
package permission

import (
	"go.uber.org/zap"

	"fleetdash/internal/metrics"
	"fleetdash/internal/model"
)

// Capabilities, as named by the account service.
const (
	CanReadUsers        = "can_read_users"
	CanCreateUsers      = "can_create_users"
	CanUpdateUsers      = "can_update_users"
	CanDeleteUsers      = "can_delete_users"
	CanSearchMachines   = "can_search_machines"
	CanStartMachines    = "can_start_machines"
	CanStopMachines     = "can_stop_machines"
	CanRestartMachines  = "can_restart_machines"
	CanCreateMachines   = "can_create_machines"
	CanDestroyMachines  = "can_destroy_machines"
	CanScheduleMachines = "can_schedule_machines"
)

// Dashboard actions that require a capability.
const (
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionRestart    = "restart"
	ActionDestroy    = "destroy"
	ActionCreate     = "create"
	ActionSchedule   = "schedule"
	ActionSearch     = "search"
	ActionUpdateUser = "update-user"
	ActionDeleteUser = "delete-user"
	ActionReadUsers  = "read-users"
)

var actionCapability = map[string]string{
	ActionStart:      CanStartMachines,
	ActionStop:       CanStopMachines,
	ActionRestart:    CanRestartMachines,
	ActionDestroy:    CanDestroyMachines,
	ActionCreate:     CanCreateMachines,
	ActionSchedule:   CanScheduleMachines,
	ActionSearch:     CanSearchMachines,
	ActionUpdateUser: CanUpdateUsers,
	ActionDeleteUser: CanDeleteUsers,
	ActionReadUsers:  CanReadUsers,
}

// CapabilityFor returns the capability guarding action.
func CapabilityFor(action string) (string, bool) {
	c, ok := actionCapability[action]
	return c, ok
}

// Actions lists every gated action.
func Actions() []string {
	return []string{
		ActionStart, ActionStop, ActionRestart, ActionDestroy, ActionCreate,
		ActionSchedule, ActionSearch, ActionUpdateUser, ActionDeleteUser,
		ActionReadUsers,
	}
}

// HasPermission reports whether roles contains a role named required.
// Comparison is case-sensitive.
func HasPermission(roles []model.Role, required string) bool {
	for _, r := range roles {
		if r.Name == required {
			return true
		}
	}
	return false
}

// Gate holds one session's role set. The set is captured when the gate is
// built and is not refreshed: a role revoked server-side stays effective
// until the session is loaded again.
type Gate struct {
	roles   map[string]struct{}
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewGate(roles []model.Role, m *metrics.Metrics, logger *zap.Logger) *Gate {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r.Name] = struct{}{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{roles: set, metrics: m, logger: logger}
}

// Has is a side-effect free membership test, used to render controls.
func (g *Gate) Has(capability string) bool {
	if g == nil {
		return false
	}
	_, ok := g.roles[capability]
	return ok
}

// Allow checks capability before a dispatch. Denials are counted.
func (g *Gate) Allow(capability string) bool {
	if g.Has(capability) {
		return true
	}
	if g != nil {
		g.metrics.PermissionDenied(capability)
		g.logger.Debug("action suppressed", zap.String("capability", capability))
	}
	return false
}

// AllowAction resolves action to its capability and checks it. Unknown
// actions are denied.
func (g *Gate) AllowAction(action string) bool {
	c, ok := CapabilityFor(action)
	if !ok {
		return false
	}
	return g.Allow(c)
}

// Controls reports, per gated action, whether its control is enabled.
func (g *Gate) Controls() map[string]bool {
	out := make(map[string]bool, len(actionCapability))
	for action, c := range actionCapability {
		out[action] = g.Has(c)
	}
	return out
}
