package permission

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"project-board-sync/internal/connection"
	"project-board-sync/internal/domain"
	"project-board-sync/internal/response"
	"project-board-sync/internal/transport"
)

// Roles known to the role table
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// Capability names one permission flag
type Capability string

// Capability constants
const (
	CanView          Capability = "canView"
	CanEdit          Capability = "canEdit"
	CanDelete        Capability = "canDelete"
	CanCreateColumns Capability = "canCreateColumns"
	CanDeleteColumns Capability = "canDeleteColumns"
	CanInvite        Capability = "canInvite"
	CanManageProject Capability = "canManageProject"
)

// Set is the capability set of the local user
type Set struct {
	CanView          bool `json:"canView"`
	CanEdit          bool `json:"canEdit"`
	CanDelete        bool `json:"canDelete"`
	CanCreateColumns bool `json:"canCreateColumns"`
	CanDeleteColumns bool `json:"canDeleteColumns"`
	CanInvite        bool `json:"canInvite"`
	CanManageProject bool `json:"canManageProject"`
}

// ForRole maps a role to its capabilities. Unknown roles can only view.
func ForRole(role string) Set {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleAdmin:
		return Set{
			CanView:          true,
			CanEdit:          true,
			CanDelete:        true,
			CanCreateColumns: true,
			CanDeleteColumns: true,
			CanInvite:        true,
			CanManageProject: true,
		}
	case RoleMember:
		return Set{
			CanView:          true,
			CanEdit:          true,
			CanCreateColumns: true,
		}
	default:
		return Set{CanView: true}
	}
}

// Has reports whether the set grants c
func (s Set) Has(c Capability) bool {
	switch c {
	case CanView:
		return s.CanView
	case CanEdit:
		return s.CanEdit
	case CanDelete:
		return s.CanDelete
	case CanCreateColumns:
		return s.CanCreateColumns
	case CanDeleteColumns:
		return s.CanDeleteColumns
	case CanInvite:
		return s.CanInvite
	case CanManageProject:
		return s.CanManageProject
	}
	return false
}

// Predicate is checked before every mutating operation
type Predicate interface {
	Current() Set
}

// Require returns a PERMISSION_DENIED error when p lacks c
func Require(p Predicate, c Capability) error {
	if p == nil || p.Current().Has(c) {
		return nil
	}
	return response.NewAppError(response.ErrCodePermissionDenied, "You do not have permission for this action", string(c))
}

// Static never changes
type Static Set

// Current implements Predicate
func (s Static) Current() Set { return Set(s) }

// Live follows permissions:updated events for one company
type Live struct {
	companyID string
	logger    *zap.Logger

	mu       sync.RWMutex
	role     string
	set      Set
	onChange func(role string, set Set)
	unsub    func()
}

// NewLive starts with the role table entry of role and listens for updates
func NewLive(conn connection.Manager, companyID, role string, logger *zap.Logger) *Live {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Live{companyID: companyID, logger: logger, role: role, set: ForRole(role)}
	l.unsub = conn.On(domain.EventPermissionsUpdated, l.handle)
	return l
}

// OnChange registers a callback for role changes
func (l *Live) OnChange(fn func(role string, set Set)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Current implements Predicate
func (l *Live) Current() Set {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.set
}

// Role returns the current role
func (l *Live) Role() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.role
}

func (l *Live) handle(msg transport.Message) {
	var payload domain.PermissionsPayload
	if err := msg.Decode(&payload); err != nil {
		l.logger.Warn("Malformed permissions update", zap.Error(err))
		return
	}
	if l.companyID != "" && payload.CompanyID != l.companyID {
		return
	}

	l.mu.Lock()
	if payload.Role == l.role {
		l.mu.Unlock()
		return
	}
	l.role = payload.Role
	l.set = ForRole(payload.Role)
	set, fn := l.set, l.onChange
	l.mu.Unlock()

	l.logger.Info("Permissions updated",
		zap.String("company_id", payload.CompanyID),
		zap.String("role", payload.Role))
	if fn != nil {
		fn(payload.Role, set)
	}
}

// Close stops listening for updates
func (l *Live) Close() {
	l.mu.Lock()
	unsub := l.unsub
	l.unsub = nil
	l.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
