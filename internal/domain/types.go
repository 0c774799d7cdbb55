// Package domain holds the patrol and corrective-action lifecycle rules:
// status vocabularies, the state machine, patrol status derivation, the
// risk matrix and the permission policy. Everything here is pure; all I/O
// lives in the repository and service layers.
package domain

import "time"

// PatrolStatus is the derived aggregate status of a patrol. It is never set
// directly by a user; DerivePatrolStatus is the only producer.
type PatrolStatus string

const (
	PatrolOpen                PatrolStatus = "open"
	PatrolPendingVerification PatrolStatus = "pending_verification"
	PatrolClosed              PatrolStatus = "closed"
	PatrolRejected            PatrolStatus = "rejected"
)

// PatrolType classifies how a patrol was initiated.
type PatrolType string

const (
	PatrolScheduled        PatrolType = "scheduled"
	PatrolRandom           PatrolType = "random"
	PatrolIncidentFollowup PatrolType = "incident_followup"
)

// ActionStatus is the lifecycle status of a corrective action.
type ActionStatus string

const (
	ActionDraft         ActionStatus = "draft"
	ActionSubmitted     ActionStatus = "submitted"
	ActionApproved      ActionStatus = "approved"
	ActionRejected      ActionStatus = "rejected"
	ActionInProgress    ActionStatus = "in_progress"
	ActionPendingReview ActionStatus = "pending_review"
	ActionCompleted     ActionStatus = "completed"
	ActionOverdue       ActionStatus = "overdue"
	ActionCancelled     ActionStatus = "cancelled"
)

// ActionType classifies the remediation horizon of a corrective action.
type ActionType string

const (
	ActionImmediate  ActionType = "immediate"
	ActionShortTerm  ActionType = "short_term"
	ActionLongTerm   ActionType = "long_term"
	ActionPreventive ActionType = "preventive"
)

// VerificationOutcome is the patrol creator's sign-off decision on a
// completed corrective action. It is an explicit tagged value, not a notes
// prefix.
type VerificationOutcome string

const (
	VerificationApproved VerificationOutcome = "approved"
	VerificationRejected VerificationOutcome = "rejected"
)

// ApprovalLevel is one stage in the multi-level sign-off sequence.
type ApprovalLevel string

const (
	LevelSupervisor    ApprovalLevel = "supervisor"
	LevelManager       ApprovalLevel = "manager"
	LevelSafetyOfficer ApprovalLevel = "safety_officer"
	LevelExecutive     ApprovalLevel = "executive"
)

// ApprovalStatus is the decision state of a single approval step.
type ApprovalStatus string

const (
	ApprovalPending         ApprovalStatus = "pending"
	ApprovalDecidedApproved ApprovalStatus = "approved"
	ApprovalDecidedRejected ApprovalStatus = "rejected"
)

// PhotoType classifies evidence photos by workflow phase.
type PhotoType string

const (
	PhotoPlanning     PhotoType = "planning"
	PhotoBefore       PhotoType = "before"
	PhotoDuring       PhotoType = "during"
	PhotoAfter        PhotoType = "after"
	PhotoEvidence     PhotoType = "evidence"
	PhotoVerification PhotoType = "verification"
)

// RiskLevel is derived from the 4x4 likelihood x severity matrix.
type RiskLevel string

const (
	RiskLow           RiskLevel = "low"
	RiskMedium        RiskLevel = "medium"
	RiskHigh          RiskLevel = "high"
	RiskExtremelyHigh RiskLevel = "extremely_high"
)

// RecommendedAction is the matrix-recommended response for a risk score.
type RecommendedAction string

const (
	RecommendMonitor  RecommendedAction = "monitor"
	RecommendControl  RecommendedAction = "control"
	RecommendMitigate RecommendedAction = "mitigate"
	RecommendStopWork RecommendedAction = "stop_work"
)

// Patrol is a single safety-inspection record.
type Patrol struct {
	ID                string
	PatrolNumber      string
	Title             string
	Description       string
	Location          *string
	PatrolType        PatrolType
	Likelihood        int // 1..4
	Severity          int // 1..4
	RiskScore         int // likelihood * severity
	RiskLevel         RiskLevel
	RecommendedAction RecommendedAction
	ImmediateHazard   bool
	WorkStopped       bool
	Status            PatrolStatus
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time

	Actions []*CorrectiveAction
}

// CorrectiveAction is a remediation task raised against a patrol.
type CorrectiveAction struct {
	ID                 string
	PatrolID           string
	ActionNumber       string
	Description        string
	ActionType         ActionType
	RootCauseAnalysis  *string
	AssignedTo         string
	AssignedDate       time.Time
	DueDate            time.Time
	Status             ActionStatus
	ProgressPercentage int // 0..100
	Verification       *Verification
	SubmittedAt        *time.Time
	WorkStartedAt      *time.Time
	WorkCompletedAt    *time.Time
	CreatedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Photos    []*Photo
	Approvals []*ApprovalStep
}

// Verification records the patrol creator's sign-off or rejection of a
// corrective action.
type Verification struct {
	VerifiedBy string
	Date       time.Time
	Notes      string
	Outcome    VerificationOutcome
}

// ApprovalStep is one stage in a corrective action's sign-off sequence,
// ordered by SequenceOrder.
type ApprovalStep struct {
	ID              string
	ActionID        string
	Level           ApprovalLevel
	SequenceOrder   int
	Status          ApprovalStatus
	IsFinalApproval bool
	DecidedBy       *string
	DecidedAt       *time.Time
	Notes           *string
	RejectionReason *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Photo is a stored evidence photo reference. The engine only stores and
// counts URLs; image content is the photo store's concern.
type Photo struct {
	ID            string
	ActionID      string
	URL           string
	PhotoType     PhotoType
	Caption       *string
	SequenceOrder int
	TakenBy       string
	TakenAt       time.Time
}

// ProgressUpdate is one append-only progress note on a corrective action.
type ProgressUpdate struct {
	ID                 string
	ActionID           string
	UpdateText         string
	ProgressPercentage int
	UpdatedBy          string
	CreatedAt          time.Time
}

// ValidActionStatus reports whether s is a member of the closed status set.
// Used at the persistence boundary.
func ValidActionStatus(s ActionStatus) bool {
	switch s {
	case ActionDraft, ActionSubmitted, ActionApproved, ActionRejected,
		ActionInProgress, ActionPendingReview, ActionCompleted,
		ActionOverdue, ActionCancelled:
		return true
	}
	return false
}

// ValidPatrolType reports whether t is a member of the closed type set.
func ValidPatrolType(t PatrolType) bool {
	switch t {
	case PatrolScheduled, PatrolRandom, PatrolIncidentFollowup:
		return true
	}
	return false
}

// ValidRiskLevel reports whether l is a member of the closed level set.
func ValidRiskLevel(l RiskLevel) bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh, RiskExtremelyHigh:
		return true
	}
	return false
}

// ValidActionType reports whether t is a member of the closed type set.
func ValidActionType(t ActionType) bool {
	switch t {
	case ActionImmediate, ActionShortTerm, ActionLongTerm, ActionPreventive:
		return true
	}
	return false
}

// ValidPhotoType reports whether t is a member of the closed photo type set.
func ValidPhotoType(t PhotoType) bool {
	switch t {
	case PhotoPlanning, PhotoBefore, PhotoDuring, PhotoAfter,
		PhotoEvidence, PhotoVerification:
		return true
	}
	return false
}

// ValidApprovalLevel reports whether l is a member of the closed level set.
func ValidApprovalLevel(l ApprovalLevel) bool {
	switch l {
	case LevelSupervisor, LevelManager, LevelSafetyOfficer, LevelExecutive:
		return true
	}
	return false
}
