package domain

import "time"

// DefaultEditWindow is the period after creation during which the original
// author may still modify an entity.
const DefaultEditWindow = 60 * time.Minute

// WithinWindow reports whether ts is within window of now. The boundary is
// inclusive: an edit at exactly window after creation is still allowed.
func WithinWindow(ts, now time.Time, window time.Duration) bool {
	return now.Sub(ts) <= window
}

// CanEditPatrol reports whether actorID may edit the patrol: creator only,
// inside the edit window measured from creation.
func CanEditPatrol(p *Patrol, actorID string, now time.Time, window time.Duration) bool {
	if actorID == "" || actorID != p.CreatedBy {
		return false
	}
	return WithinWindow(p.CreatedAt, now, window)
}

// CanEditAction reports whether actorID may edit the corrective action:
// assignee or creator, inside the edit window measured from creation.
func CanEditAction(a *CorrectiveAction, actorID string, now time.Time, window time.Duration) bool {
	if actorID == "" {
		return false
	}
	if actorID != a.AssignedTo && actorID != a.CreatedBy {
		return false
	}
	return WithinWindow(a.CreatedAt, now, window)
}

// CanEditVerification reports whether actorID may still amend a recorded
// verification. The window is measured from the verification timestamp, not
// the action's creation.
func CanEditVerification(a *CorrectiveAction, actorID string, now time.Time, window time.Duration) bool {
	if a.Verification == nil {
		return false
	}
	if actorID == "" || actorID != a.Verification.VerifiedBy {
		return false
	}
	return WithinWindow(a.Verification.Date, now, window)
}

// CanVerify reports whether actorID may verify corrective actions on the
// patrol. Verification is restricted to the patrol's originating creator
// regardless of role: the person who raised the issue signs off on its
// remediation, never the person who actioned it.
func CanVerify(p *Patrol, actorID string) bool {
	return actorID != "" && actorID == p.CreatedBy
}

// roleLevels maps a user role to the approval levels it may decide.
var roleLevels = map[string][]ApprovalLevel{
	"supervisor":     {LevelSupervisor},
	"manager":        {LevelManager},
	"safety_officer": {LevelSafetyOfficer},
	"admin":          {LevelSupervisor, LevelManager, LevelSafetyOfficer},
	"system_admin":   {LevelSupervisor, LevelManager, LevelSafetyOfficer, LevelExecutive},
}

// LevelsForRole returns the approval levels a role may decide. Unknown roles
// get none.
func LevelsForRole(role string) []ApprovalLevel {
	return roleLevels[role]
}

// CanApproveAtLevel reports whether a role is mapped to the given approval
// level.
func CanApproveAtLevel(role string, level ApprovalLevel) bool {
	for _, l := range roleLevels[role] {
		if l == level {
			return true
		}
	}
	return false
}
