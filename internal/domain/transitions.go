package domain

import "github.com/qshe-platform/be-patrol-engine/internal/apperrors"

// transitions enumerates the user-driven edges of the corrective-action
// state machine. Overdue is a derived display status, never a transition
// target; cancellation is allowed from any non-terminal state and handled
// separately.
var transitions = map[ActionStatus][]ActionStatus{
	ActionDraft:         {ActionSubmitted},
	ActionSubmitted:     {ActionApproved, ActionRejected},
	ActionApproved:      {ActionInProgress},
	ActionInProgress:    {ActionPendingReview},
	ActionPendingReview: {ActionCompleted, ActionInProgress},
}

// terminal states admit no further transitions except none at all.
var terminal = map[ActionStatus]bool{
	ActionCompleted: true,
	ActionCancelled: true,
	ActionRejected:  true,
}

// Terminal reports whether s admits no further lifecycle transitions.
func Terminal(s ActionStatus) bool { return terminal[s] }

// CanTransition reports whether from -> to is a valid state-machine edge.
func CanTransition(from, to ActionStatus) bool {
	if to == ActionCancelled {
		return !terminal[from]
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a StateError when from -> to is not a valid edge.
func CheckTransition(from, to ActionStatus) error {
	if !CanTransition(from, to) {
		return apperrors.Newf(apperrors.CodeState,
			"cannot transition corrective action from %q to %q", from, to)
	}
	return nil
}

// CheckReviewable validates the in_progress -> pending_review precondition:
// progress at or above the configured threshold, or an explicit request.
func CheckReviewable(a *CorrectiveAction, progressThreshold int, explicit bool) error {
	if err := CheckTransition(a.Status, ActionPendingReview); err != nil {
		return err
	}
	if explicit || a.ProgressPercentage >= progressThreshold {
		return nil
	}
	return apperrors.Newf(apperrors.CodeState,
		"progress %d%% is below the review threshold of %d%%",
		a.ProgressPercentage, progressThreshold)
}
