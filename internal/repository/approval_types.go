package repository

import (
	"time"

	"github.com/qshe-platform/be-patrol-engine/internal/domain"
)

// ApprovalRuleStep is one entry in an approval rule's approval_steps JSONB array.
type ApprovalRuleStep struct {
	Step  int                  `json:"step"`
	Level domain.ApprovalLevel `json:"level"`
	Final bool                 `json:"final"`
}

// ApprovalRule is a configurable routing rule. Rules are evaluated in
// priority order; the first match decides the step sequence for a
// submitted action.
type ApprovalRule struct {
	ID            string
	RuleName      string
	IsActive      bool
	RiskLevel     *domain.RiskLevel  // nil = any risk level
	ActionType    *domain.ActionType // nil = any action type
	ApprovalSteps []ApprovalRuleStep
	Priority      int // lower = evaluated first
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuditEntry is one immutable record in the lifecycle audit log.
type AuditEntry struct {
	ID           string
	PatrolID     string
	ActionID     *string
	StepID       *string
	Event        string // created | submitted | approved | rejected | work_started | progress_updated | review_requested | verified | cancelled
	PerformedBy  string
	PerformedAt  time.Time
	StatusBefore *string
	StatusAfter  *string
	Metadata     map[string]interface{} // arbitrary JSON context
}
