package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/qshe-platform/be-patrol-engine/internal/apperrors"
	"github.com/qshe-platform/be-patrol-engine/internal/domain"
	"github.com/qshe-platform/be-patrol-engine/internal/repository"
)

// PatrolService handles patrol business logic. Patrol status is never set
// here: it is derived inside the repository whenever a child action changes.
type PatrolService struct {
	patrolRepo PatrolStore
	auditRepo  AuditStore
	refnums    *domain.RefNumberGenerator
	editWindow time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// NewPatrolService creates a new patrol service.
func NewPatrolService(
	patrolRepo PatrolStore,
	auditRepo AuditStore,
	editWindow time.Duration,
	log zerolog.Logger,
) *PatrolService {
	return &PatrolService{
		patrolRepo: patrolRepo,
		auditRepo:  auditRepo,
		refnums:    domain.NewRefNumberGenerator("SP"),
		editWindow: editWindow,
		now:        time.Now,
		log:        log,
	}
}

// CreatePatrolRequest represents a create patrol request.
type CreatePatrolRequest struct {
	Title           string
	Description     string
	Location        *string
	PatrolType      string
	Likelihood      int
	Severity        int
	ImmediateHazard bool
	WorkStopped     bool
	CreatedBy       string
}

// UpdatePatrolRequest represents an update patrol request.
type UpdatePatrolRequest struct {
	ID              string
	Title           string
	Description     string
	Location        *string
	Likelihood      int
	Severity        int
	ImmediateHazard bool
	WorkStopped     bool
	UpdatedBy       string
}

// CreatePatrol creates a new patrol in open status with its risk assessment
// derived from the likelihood x severity matrix.
func (s *PatrolService) CreatePatrol(ctx context.Context, req *CreatePatrolRequest) (*domain.Patrol, error) {
	if req.Title == "" {
		return nil, apperrors.InvalidInput("title", "title is required")
	}
	if req.CreatedBy == "" {
		return nil, apperrors.InvalidInput("created_by", "creator is required")
	}

	patrolType := domain.PatrolType(req.PatrolType)
	if !domain.ValidPatrolType(patrolType) {
		return nil, apperrors.InvalidInput("patrol_type", "invalid patrol type")
	}

	score, err := domain.RiskScore(req.Likelihood, req.Severity)
	if err != nil {
		return nil, err
	}

	patrol := &domain.Patrol{
		PatrolNumber:      s.refnums.Next(),
		Title:             req.Title,
		Description:       req.Description,
		Location:          req.Location,
		PatrolType:        patrolType,
		Likelihood:        req.Likelihood,
		Severity:          req.Severity,
		RiskScore:         score,
		RiskLevel:         domain.RiskLevelForScore(score),
		RecommendedAction: domain.RecommendedActionForScore(score),
		ImmediateHazard:   req.ImmediateHazard,
		WorkStopped:       req.WorkStopped,
		Status:            domain.PatrolOpen,
		CreatedBy:         req.CreatedBy,
	}

	if err := s.patrolRepo.Create(ctx, patrol); err != nil {
		return nil, err
	}

	statusAfter := string(patrol.Status)
	s.appendAudit(ctx, &repository.AuditEntry{
		PatrolID:    patrol.ID,
		Event:       "created",
		PerformedBy: req.CreatedBy,
		StatusAfter: &statusAfter,
		Metadata: map[string]interface{}{
			"patrol_number": patrol.PatrolNumber,
			"risk_level":    string(patrol.RiskLevel),
		},
	})

	s.log.Info().
		Str("patrol_id", patrol.ID).
		Str("patrol_number", patrol.PatrolNumber).
		Str("risk_level", string(patrol.RiskLevel)).
		Bool("immediate_hazard", patrol.ImmediateHazard).
		Msg("Patrol created")

	return patrol, nil
}

// GetPatrol retrieves a patrol with its actions. Action statuses are
// projected through the overdue check before returning.
func (s *PatrolService) GetPatrol(ctx context.Context, id string) (*domain.Patrol, error) {
	patrol, err := s.patrolRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, a := range patrol.Actions {
		a.Status = domain.EffectiveStatus(a, now)
	}
	return patrol, nil
}

// ListPatrols lists patrols with filtering and pagination.
func (s *PatrolService) ListPatrols(ctx context.Context, status *domain.PatrolStatus, riskLevel *domain.RiskLevel, createdBy *string, page, pageSize int) ([]*domain.Patrol, int64, error) {
	offset := (page - 1) * pageSize
	return s.patrolRepo.List(ctx, status, riskLevel, createdBy, pageSize, offset)
}

// UpdatePatrol modifies a patrol's editable fields. Only the creator may
// edit, and only inside the edit window.
func (s *PatrolService) UpdatePatrol(ctx context.Context, req *UpdatePatrolRequest) (*domain.Patrol, error) {
	patrol, err := s.patrolRepo.GetByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	if !domain.CanEditPatrol(patrol, req.UpdatedBy, s.now(), s.editWindow) {
		return nil, apperrors.PermissionDenied("patrol can only be edited by its creator within the edit window")
	}

	if req.Title == "" {
		return nil, apperrors.InvalidInput("title", "title is required")
	}

	score, err := domain.RiskScore(req.Likelihood, req.Severity)
	if err != nil {
		return nil, err
	}

	patrol.Title = req.Title
	patrol.Description = req.Description
	patrol.Location = req.Location
	patrol.Likelihood = req.Likelihood
	patrol.Severity = req.Severity
	patrol.RiskScore = score
	patrol.RiskLevel = domain.RiskLevelForScore(score)
	patrol.RecommendedAction = domain.RecommendedActionForScore(score)
	patrol.ImmediateHazard = req.ImmediateHazard
	patrol.WorkStopped = req.WorkStopped

	if err := s.patrolRepo.Update(ctx, patrol); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("patrol_id", patrol.ID).
		Str("patrol_number", patrol.PatrolNumber).
		Str("updated_by", req.UpdatedBy).
		Msg("Patrol updated")

	return patrol, nil
}

// CanEdit reports whether an actor may currently edit the patrol.
func (s *PatrolService) CanEdit(ctx context.Context, id, actorID string) (bool, error) {
	patrol, err := s.patrolRepo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return domain.CanEditPatrol(patrol, actorID, s.now(), s.editWindow), nil
}

// GetAuditTrail returns the full lifecycle audit log for a patrol.
func (s *PatrolService) GetAuditTrail(ctx context.Context, patrolID string) ([]*repository.AuditEntry, error) {
	if _, err := s.patrolRepo.GetByID(ctx, patrolID); err != nil {
		return nil, err
	}
	return s.auditRepo.GetByPatrolID(ctx, patrolID)
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *PatrolService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.auditRepo.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("patrol_id", entry.PatrolID).
			Str("event", entry.Event).
			Msg("Failed to write audit log entry")
	}
}
