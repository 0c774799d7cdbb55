package domain

import "time"

// VerificationState is the verification view of one corrective action used
// by the patrol status derivation: unverified, approved or rejected.
type VerificationState string

const (
	VerificationStateUnverified VerificationState = "unverified"
	VerificationStateApproved   VerificationState = "approved"
	VerificationStateRejected   VerificationState = "rejected"
)

// VerificationStateOf projects a corrective action onto its verification
// state.
func VerificationStateOf(a *CorrectiveAction) VerificationState {
	if a.Verification == nil {
		return VerificationStateUnverified
	}
	if a.Verification.Outcome == VerificationApproved {
		return VerificationStateApproved
	}
	return VerificationStateRejected
}

// DerivePatrolStatus computes a patrol's aggregate status from the
// verification states of its corrective actions. It is the single source of
// the patrol status; no other component may write it.
//
// Priority order, first match wins:
//  1. no actions            -> open
//  2. any unverified action -> pending_verification
//  3. all approved          -> closed
//  4. otherwise             -> rejected
//
// An unresolved action always outranks a resolved-but-rejected one: "needs
// attention" must never be masked by a stale rejection from a superseded
// action.
func DerivePatrolStatus(states []VerificationState) PatrolStatus {
	if len(states) == 0 {
		return PatrolOpen
	}

	approved := 0
	for _, s := range states {
		switch s {
		case VerificationStateApproved:
			approved++
		case VerificationStateRejected:
			// counted by elimination below
		default:
			return PatrolPendingVerification
		}
	}

	if approved == len(states) {
		return PatrolClosed
	}
	return PatrolRejected
}

// DerivePatrolStatusFromActions is DerivePatrolStatus over full action rows.
func DerivePatrolStatusFromActions(actions []*CorrectiveAction) PatrolStatus {
	states := make([]VerificationState, 0, len(actions))
	for _, a := range actions {
		states = append(states, VerificationStateOf(a))
	}
	return DerivePatrolStatus(states)
}

// EffectiveStatus returns the display-time status of an action: overdue when
// the due date has passed and the action is not terminal. Overdue is never
// persisted; a verified terminal state always wins over the date check.
func EffectiveStatus(a *CorrectiveAction, now time.Time) ActionStatus {
	switch a.Status {
	case ActionCompleted, ActionCancelled, ActionRejected:
		return a.Status
	}
	if !a.DueDate.IsZero() && a.DueDate.Before(now) {
		return ActionOverdue
	}
	return a.Status
}
