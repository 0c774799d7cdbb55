package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/qshe-platform/be-patrol-engine/internal/apperrors"
	"github.com/qshe-platform/be-patrol-engine/internal/config"
	"github.com/qshe-platform/be-patrol-engine/internal/domain"
	"github.com/qshe-platform/be-patrol-engine/internal/repository"
)

// ActionService handles the corrective-action lifecycle: creation, work
// tracking and the patrol creator's verification sign-off. Approval routing
// lives in ApprovalService.
type ActionService struct {
	actionRepo ActionStore
	patrolRepo PatrolStore
	auditRepo  AuditStore
	notifier   NotifierInterface
	photos     PhotoStoreInterface
	refnums    *domain.RefNumberGenerator
	cfg        config.EngineConfig
	now        func() time.Time
	log        zerolog.Logger
}

// NewActionService creates a new corrective-action service.
func NewActionService(
	actionRepo ActionStore,
	patrolRepo PatrolStore,
	auditRepo AuditStore,
	notifier NotifierInterface,
	photos PhotoStoreInterface,
	cfg config.EngineConfig,
	log zerolog.Logger,
) *ActionService {
	return &ActionService{
		actionRepo: actionRepo,
		patrolRepo: patrolRepo,
		auditRepo:  auditRepo,
		notifier:   notifier,
		photos:     photos,
		refnums:    domain.NewRefNumberGenerator("CA"),
		cfg:        cfg,
		now:        time.Now,
		log:        log,
	}
}

// PhotoRequest is one photo reference attached to a request.
type PhotoRequest struct {
	URL       string
	PhotoType string
	Caption   *string
	TakenBy   string
}

// CreateActionRequest represents a create corrective action request.
type CreateActionRequest struct {
	PatrolID          string
	Description       string
	ActionType        string
	RootCauseAnalysis *string
	AssignedTo        string
	DueDate           *time.Time
	Photos            []PhotoRequest
	CreatedBy         string
}

// VerifyActionRequest represents the patrol creator's sign-off decision.
type VerifyActionRequest struct {
	ActionID   string
	VerifiedBy string
	Outcome    string
	Notes      string
	Photos     []PhotoRequest
}

// CreateAction creates a corrective action in draft against a patrol. At
// least one evidence photo documenting the finding is required; the patrol's
// aggregate status is recomputed in the same transaction.
func (s *ActionService) CreateAction(ctx context.Context, req *CreateActionRequest) (*domain.CorrectiveAction, domain.PatrolStatus, error) {
	patrol, err := s.patrolRepo.GetByID(ctx, req.PatrolID)
	if err != nil {
		return nil, "", err
	}

	if req.Description == "" {
		return nil, "", apperrors.InvalidInput("description", "description is required")
	}
	if req.AssignedTo == "" {
		return nil, "", apperrors.InvalidInput("assigned_to", "assignee is required")
	}
	actionType := domain.ActionType(req.ActionType)
	if !domain.ValidActionType(actionType) {
		return nil, "", apperrors.InvalidInput("action_type", "invalid action type")
	}
	if len(req.Photos) < 1 {
		return nil, "", apperrors.InvalidInput("photos", "at least one evidence photo is required")
	}

	photos, err := s.buildPhotos(req.Photos, domain.PhotoEvidence)
	if err != nil {
		return nil, "", err
	}

	now := s.now()
	dueDate := now.AddDate(0, 0, s.cfg.DefaultDueDays)
	if req.DueDate != nil {
		if req.DueDate.Before(now) {
			return nil, "", apperrors.InvalidInput("due_date", "due date cannot be in the past")
		}
		dueDate = *req.DueDate
	}

	action := &domain.CorrectiveAction{
		PatrolID:          patrol.ID,
		ActionNumber:      s.refnums.Next(),
		Description:       req.Description,
		ActionType:        actionType,
		RootCauseAnalysis: req.RootCauseAnalysis,
		AssignedTo:        req.AssignedTo,
		DueDate:           dueDate,
		Status:            domain.ActionDraft,
		CreatedBy:         req.CreatedBy,
	}

	patrolStatus, err := s.actionRepo.CreateWithPhotos(ctx, action, photos)
	if err != nil {
		return nil, "", err
	}

	statusAfter := string(action.Status)
	s.appendAudit(ctx, &repository.AuditEntry{
		PatrolID:    patrol.ID,
		ActionID:    &action.ID,
		Event:       "created",
		PerformedBy: req.CreatedBy,
		StatusAfter: &statusAfter,
		Metadata: map[string]interface{}{
			"action_number": action.ActionNumber,
			"assigned_to":   action.AssignedTo,
		},
	})

	s.notifier.PublishActionEvent(ctx, "action_created", action.ID, patrol.ID, req.CreatedBy,
		[]string{action.AssignedTo}, map[string]interface{}{
			"action_number": action.ActionNumber,
			"due_date":      action.DueDate,
		})

	s.log.Info().
		Str("action_id", action.ID).
		Str("action_number", action.ActionNumber).
		Str("patrol_id", patrol.ID).
		Str("assigned_to", action.AssignedTo).
		Str("patrol_status", string(patrolStatus)).
		Msg("Corrective action created")

	return action, patrolStatus, nil
}

// GetAction retrieves an action with photos and approval steps. The status
// is projected through the overdue check.
func (s *ActionService) GetAction(ctx context.Context, id string) (*domain.CorrectiveAction, error) {
	action, err := s.actionRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	action.Status = domain.EffectiveStatus(action, s.now())
	return action, nil
}

// ListPatrolActions returns all actions raised against a patrol.
func (s *ActionService) ListPatrolActions(ctx context.Context, patrolID string) ([]*domain.CorrectiveAction, error) {
	actions, err := s.actionRepo.ListByPatrol(ctx, patrolID)
	if err != nil {
		return nil, err
	}
	s.projectOverdue(actions)
	return actions, nil
}

// ListAssignedActions returns all open actions assigned to a user.
func (s *ActionService) ListAssignedActions(ctx context.Context, userID string) ([]*domain.CorrectiveAction, error) {
	actions, err := s.actionRepo.ListAssignedTo(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.projectOverdue(actions)
	return actions, nil
}

// StartWork moves an approved action to in_progress. Only the assignee may
// begin work.
func (s *ActionService) StartWork(ctx context.Context, actionID, actorID string) (*domain.CorrectiveAction, error) {
	action, err := s.actionRepo.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if actorID != action.AssignedTo {
		return nil, apperrors.PermissionDenied("only the assignee can start work on a corrective action")
	}
	if err := domain.CheckTransition(action.Status, domain.ActionInProgress); err != nil {
		return nil, err
	}

	if err := s.actionRepo.UpdateStatus(ctx, actionID, domain.ActionInProgress); err != nil {
		return nil, err
	}

	s.auditTransition(ctx, action, actorID, "work_started", domain.ActionInProgress, nil)

	s.log.Info().
		Str("action_id", actionID).
		Str("action_number", action.ActionNumber).
		Str("started_by", actorID).
		Msg("Work started on corrective action")

	action.Status = domain.ActionInProgress
	return action, nil
}

// UpdateProgress appends a progress note and moves the completion percentage.
// Progress never goes backwards.
func (s *ActionService) UpdateProgress(ctx context.Context, actionID, actorID, text string, percentage int) (*domain.CorrectiveAction, error) {
	action, err := s.actionRepo.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if actorID != action.AssignedTo {
		return nil, apperrors.PermissionDenied("only the assignee can report progress")
	}
	if action.Status != domain.ActionInProgress {
		return nil, apperrors.InvalidState("progress can only be reported while work is in progress")
	}
	if text == "" {
		return nil, apperrors.InvalidInput("update_text", "progress note is required")
	}
	if percentage < 0 || percentage > 100 {
		return nil, apperrors.InvalidInput("progress_percentage", "progress must be between 0 and 100")
	}
	if percentage < action.ProgressPercentage {
		return nil, apperrors.InvalidInput("progress_percentage", "progress cannot decrease")
	}

	update := &domain.ProgressUpdate{
		ActionID:           actionID,
		UpdateText:         text,
		ProgressPercentage: percentage,
		UpdatedBy:          actorID,
	}
	if err := s.actionRepo.UpdateProgress(ctx, update); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		PatrolID:    action.PatrolID,
		ActionID:    &action.ID,
		Event:       "progress_updated",
		PerformedBy: actorID,
		Metadata:    map[string]interface{}{"progress_percentage": percentage},
	})

	action.ProgressPercentage = percentage
	return action, nil
}

// RequestReview moves an in_progress action to pending_review so the patrol
// creator can verify it. Allowed when progress has reached the configured
// threshold, or on an explicit request from the assignee.
func (s *ActionService) RequestReview(ctx context.Context, actionID, actorID string, explicit bool) (*domain.CorrectiveAction, error) {
	action, err := s.actionRepo.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if actorID != action.AssignedTo {
		return nil, apperrors.PermissionDenied("only the assignee can request review")
	}
	if err := domain.CheckReviewable(action, s.cfg.ReviewProgressThreshold, explicit); err != nil {
		return nil, err
	}

	if err := s.actionRepo.UpdateStatus(ctx, actionID, domain.ActionPendingReview); err != nil {
		return nil, err
	}

	s.auditTransition(ctx, action, actorID, "review_requested", domain.ActionPendingReview, nil)

	patrol, err := s.patrolRepo.GetByID(ctx, action.PatrolID)
	if err == nil {
		s.notifier.PublishActionEvent(ctx, "review_requested", action.ID, action.PatrolID, actorID,
			[]string{patrol.CreatedBy}, map[string]interface{}{
				"action_number": action.ActionNumber,
			})
	}

	s.log.Info().
		Str("action_id", actionID).
		Str("action_number", action.ActionNumber).
		Str("requested_by", actorID).
		Msg("Review requested for corrective action")

	action.Status = domain.ActionPendingReview
	return action, nil
}

// VerifyAction records the patrol creator's sign-off. An approved outcome
// completes the action; a rejected one sends it back to in_progress. The
// verification, status change and patrol recompute are one atomic unit.
func (s *ActionService) VerifyAction(ctx context.Context, req *VerifyActionRequest) (*domain.CorrectiveAction, domain.PatrolStatus, error) {
	action, err := s.actionRepo.GetByID(ctx, req.ActionID)
	if err != nil {
		return nil, "", err
	}

	patrol, err := s.patrolRepo.GetByID(ctx, action.PatrolID)
	if err != nil {
		return nil, "", err
	}
	if !domain.CanVerify(patrol, req.VerifiedBy) {
		return nil, "", apperrors.PermissionDenied("only the patrol creator can verify corrective actions")
	}

	outcome := domain.VerificationOutcome(req.Outcome)
	if outcome != domain.VerificationApproved && outcome != domain.VerificationRejected {
		return nil, "", apperrors.InvalidInput("outcome", "outcome must be approved or rejected")
	}
	if req.Notes == "" {
		return nil, "", apperrors.InvalidInput("notes", "verification notes are required")
	}
	if len(req.Photos) < 1 {
		return nil, "", apperrors.InvalidInput("photos", "at least one verification photo is required")
	}

	newStatus := domain.ActionCompleted
	if outcome == domain.VerificationRejected {
		newStatus = domain.ActionInProgress
	}
	if err := domain.CheckTransition(action.Status, newStatus); err != nil {
		return nil, "", err
	}
	photos, err := s.buildPhotos(req.Photos, domain.PhotoVerification)
	if err != nil {
		return nil, "", err
	}

	statusBefore := action.Status
	verification := &domain.Verification{
		VerifiedBy: req.VerifiedBy,
		Date:       s.now(),
		Notes:      req.Notes,
		Outcome:    outcome,
	}

	patrolStatus, err := s.actionRepo.RecordVerification(ctx, action, verification, newStatus, photos)
	if err != nil {
		return nil, "", err
	}

	before := string(statusBefore)
	after := string(newStatus)
	s.appendAudit(ctx, &repository.AuditEntry{
		PatrolID:     action.PatrolID,
		ActionID:     &action.ID,
		Event:        "verified",
		PerformedBy:  req.VerifiedBy,
		StatusBefore: &before,
		StatusAfter:  &after,
		Metadata: map[string]interface{}{
			"outcome":       string(outcome),
			"patrol_status": string(patrolStatus),
		},
	})

	eventType := "action_verified"
	if outcome == domain.VerificationRejected {
		eventType = "verification_rejected"
	}
	s.notifier.PublishActionEvent(ctx, eventType, action.ID, action.PatrolID, req.VerifiedBy,
		[]string{action.AssignedTo}, map[string]interface{}{
			"action_number": action.ActionNumber,
			"outcome":       string(outcome),
		})

	s.log.Info().
		Str("action_id", action.ID).
		Str("action_number", action.ActionNumber).
		Str("verified_by", req.VerifiedBy).
		Str("outcome", string(outcome)).
		Str("patrol_status", string(patrolStatus)).
		Msg("Corrective action verified")

	return action, patrolStatus, nil
}

// CancelAction cancels a corrective action from any non-terminal state.
// Allowed for the action's creator or the patrol's creator.
func (s *ActionService) CancelAction(ctx context.Context, actionID, actorID, reason string) (*domain.CorrectiveAction, error) {
	action, err := s.actionRepo.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}

	patrol, err := s.patrolRepo.GetByID(ctx, action.PatrolID)
	if err != nil {
		return nil, err
	}
	if actorID != action.CreatedBy && actorID != patrol.CreatedBy {
		return nil, apperrors.PermissionDenied("only the action or patrol creator can cancel a corrective action")
	}
	if err := domain.CheckTransition(action.Status, domain.ActionCancelled); err != nil {
		return nil, err
	}

	if err := s.actionRepo.UpdateStatus(ctx, actionID, domain.ActionCancelled); err != nil {
		return nil, err
	}

	s.auditTransition(ctx, action, actorID, "cancelled", domain.ActionCancelled,
		map[string]interface{}{"reason": reason})

	s.notifier.PublishActionEvent(ctx, "action_cancelled", action.ID, action.PatrolID, actorID,
		[]string{action.AssignedTo}, map[string]interface{}{
			"action_number": action.ActionNumber,
			"reason":        reason,
		})

	s.log.Info().
		Str("action_id", actionID).
		Str("action_number", action.ActionNumber).
		Str("cancelled_by", actorID).
		Msg("Corrective action cancelled")

	action.Status = domain.ActionCancelled
	return action, nil
}

// AttachPhotos appends photos to a non-terminal action.
func (s *ActionService) AttachPhotos(ctx context.Context, actionID, actorID string, reqs []PhotoRequest) ([]*domain.Photo, error) {
	action, err := s.actionRepo.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if actorID != action.AssignedTo && actorID != action.CreatedBy {
		return nil, apperrors.PermissionDenied("only the assignee or creator can attach photos")
	}
	if domain.Terminal(action.Status) {
		return nil, apperrors.InvalidState("cannot attach photos to a finished corrective action")
	}
	if len(reqs) < 1 {
		return nil, apperrors.InvalidInput("photos", "at least one photo is required")
	}

	photos, err := s.buildPhotos(reqs, domain.PhotoDuring)
	if err != nil {
		return nil, err
	}
	if err := s.actionRepo.AttachPhotos(ctx, actionID, photos); err != nil {
		return nil, err
	}
	return photos, nil
}

// GetProgressUpdates returns the progress history of an action.
func (s *ActionService) GetProgressUpdates(ctx context.Context, actionID string) ([]*domain.ProgressUpdate, error) {
	return s.actionRepo.GetProgressUpdates(ctx, actionID)
}

// PreparePhotoUpload mints a storage key and public URL for a photo the
// client is about to upload.
func (s *ActionService) PreparePhotoUpload(ctx context.Context, actionID, filename string) (key, url string, err error) {
	if _, err := s.actionRepo.GetByID(ctx, actionID); err != nil {
		return "", "", err
	}
	if filename == "" {
		return "", "", apperrors.InvalidInput("filename", "filename is required")
	}
	key = s.photos.NewKey(actionID, filename)
	return key, s.photos.URL(key), nil
}

// Permissions reports what an actor may currently do with an action.
type Permissions struct {
	CanEdit             bool `json:"can_edit"`
	CanVerify           bool `json:"can_verify"`
	CanEditVerification bool `json:"can_edit_verification"`
}

// GetPermissions evaluates the edit-window and verification policies for an
// actor against an action.
func (s *ActionService) GetPermissions(ctx context.Context, actionID, actorID string) (*Permissions, error) {
	action, err := s.actionRepo.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	patrol, err := s.patrolRepo.GetByID(ctx, action.PatrolID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	return &Permissions{
		CanEdit:             domain.CanEditAction(action, actorID, now, s.cfg.EditWindow),
		CanVerify:           domain.CanVerify(patrol, actorID),
		CanEditVerification: domain.CanEditVerification(action, actorID, now, s.cfg.EditWindow),
	}, nil
}

// GetAuditTrail returns the audit log for a single action.
func (s *ActionService) GetAuditTrail(ctx context.Context, actionID string) ([]*repository.AuditEntry, error) {
	if _, err := s.actionRepo.GetByID(ctx, actionID); err != nil {
		return nil, err
	}
	return s.auditRepo.GetByActionID(ctx, actionID)
}

// ── internal helpers ──────────────────────────────────────────────────────────

func (s *ActionService) projectOverdue(actions []*domain.CorrectiveAction) {
	now := s.now()
	for _, a := range actions {
		a.Status = domain.EffectiveStatus(a, now)
	}
}

// buildPhotos validates photo requests and converts them to domain photos,
// defaulting the type when the request leaves it empty.
func (s *ActionService) buildPhotos(reqs []PhotoRequest, defaultType domain.PhotoType) ([]*domain.Photo, error) {
	now := s.now()
	photos := make([]*domain.Photo, 0, len(reqs))
	for i, pr := range reqs {
		if pr.URL == "" {
			return nil, apperrors.InvalidInput("photos", "photo url is required")
		}
		photoType := defaultType
		if pr.PhotoType != "" {
			photoType = domain.PhotoType(pr.PhotoType)
			if !domain.ValidPhotoType(photoType) {
				return nil, apperrors.InvalidInput("photos", "invalid photo type")
			}
		}
		photos = append(photos, &domain.Photo{
			URL:           pr.URL,
			PhotoType:     photoType,
			Caption:       pr.Caption,
			SequenceOrder: i + 1,
			TakenBy:       pr.TakenBy,
			TakenAt:       now,
		})
	}
	return photos, nil
}

func (s *ActionService) auditTransition(ctx context.Context, action *domain.CorrectiveAction, actorID, event string, to domain.ActionStatus, metadata map[string]interface{}) {
	before := string(action.Status)
	after := string(to)
	s.appendAudit(ctx, &repository.AuditEntry{
		PatrolID:     action.PatrolID,
		ActionID:     &action.ID,
		Event:        event,
		PerformedBy:  actorID,
		StatusBefore: &before,
		StatusAfter:  &after,
		Metadata:     metadata,
	})
}

func (s *ActionService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.auditRepo.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("patrol_id", entry.PatrolID).
			Str("event", entry.Event).
			Msg("Failed to write audit log entry")
	}
}
