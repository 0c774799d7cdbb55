package service

import (
	"context"

	"github.com/qshe-platform/be-patrol-engine/internal/domain"
	"github.com/qshe-platform/be-patrol-engine/internal/repository"
)

// PatrolStore is the persistence surface the services need for patrols.
// Implemented by repository.PatrolRepository.
type PatrolStore interface {
	Create(ctx context.Context, p *domain.Patrol) error
	GetByID(ctx context.Context, id string) (*domain.Patrol, error)
	List(ctx context.Context, status *domain.PatrolStatus, riskLevel *domain.RiskLevel, createdBy *string, limit, offset int) ([]*domain.Patrol, int64, error)
	Update(ctx context.Context, p *domain.Patrol) error
}

// ActionStore is the persistence surface for corrective actions.
// Implemented by repository.ActionRepository.
type ActionStore interface {
	CreateWithPhotos(ctx context.Context, a *domain.CorrectiveAction, photos []*domain.Photo) (domain.PatrolStatus, error)
	GetByID(ctx context.Context, id string) (*domain.CorrectiveAction, error)
	ListByPatrol(ctx context.Context, patrolID string) ([]*domain.CorrectiveAction, error)
	ListAssignedTo(ctx context.Context, userID string) ([]*domain.CorrectiveAction, error)
	UpdateStatus(ctx context.Context, id string, status domain.ActionStatus) error
	UpdateProgress(ctx context.Context, update *domain.ProgressUpdate) error
	GetProgressUpdates(ctx context.Context, actionID string) ([]*domain.ProgressUpdate, error)
	RecordVerification(ctx context.Context, a *domain.CorrectiveAction, v *domain.Verification, newStatus domain.ActionStatus, photos []*domain.Photo) (domain.PatrolStatus, error)
	AttachPhotos(ctx context.Context, actionID string, photos []*domain.Photo) error
}

// StepStore is the persistence surface for approval steps.
// Implemented by repository.ApprovalStepRepository.
type StepStore interface {
	CreateForSubmission(ctx context.Context, actionID string, steps []*domain.ApprovalStep) error
	GetByActionID(ctx context.Context, actionID string) ([]*domain.ApprovalStep, error)
	ListPendingForLevels(ctx context.Context, levels []domain.ApprovalLevel) ([]*domain.ApprovalStep, error)
	RecordDecision(ctx context.Context, d repository.DecisionUpdate) error
}

// RuleStore resolves and manages approval routing rules.
// Implemented by repository.ApprovalRulesRepository.
type RuleStore interface {
	Create(ctx context.Context, rule *repository.ApprovalRule) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRule, error)
	List(ctx context.Context, activeOnly bool) ([]*repository.ApprovalRule, error)
	Update(ctx context.Context, rule *repository.ApprovalRule) error
	Delete(ctx context.Context, id string) error
	FindMatchingRule(ctx context.Context, riskLevel domain.RiskLevel, actionType domain.ActionType) (*repository.ApprovalRule, error)
}

// AuditStore is the append-only lifecycle audit log.
// Implemented by repository.AuditRepository.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	GetByPatrolID(ctx context.Context, patrolID string) ([]*repository.AuditEntry, error)
	GetByActionID(ctx context.Context, actionID string) ([]*repository.AuditEntry, error)
}

// IdentityClientInterface resolves user roles from the identity service.
type IdentityClientInterface interface {
	GetUserRole(ctx context.Context, userID string) (string, error)
}

// NotifierInterface publishes lifecycle events. Implementations must be
// non-fatal: a failed publish is logged, never returned.
type NotifierInterface interface {
	PublishActionEvent(ctx context.Context, eventType, actionID, patrolID, actorID string, recipients []string, payload map[string]interface{})
}

// PhotoStoreInterface mints storage keys and public URLs for action photos.
type PhotoStoreInterface interface {
	NewKey(actionID, filename string) string
	URL(key string) string
}
