package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/qshe-platform/be-patrol-engine/internal/apperrors"
	"github.com/qshe-platform/be-patrol-engine/internal/domain"
	"github.com/qshe-platform/be-patrol-engine/internal/repository"
)

// fallbackLevel routes actions that match no configured rule through a
// single safety officer sign-off.
const fallbackLevel = domain.LevelSafetyOfficer

// ApprovalService orchestrates the multi-level approval sequence of a
// corrective action: rule-driven step creation on submission and ordered
// decisions until final approval or a terminal rejection.
type ApprovalService struct {
	actionRepo ActionStore
	patrolRepo PatrolStore
	stepRepo   StepStore
	rulesRepo  RuleStore
	auditRepo  AuditStore
	identity   IdentityClientInterface
	notifier   NotifierInterface
	now        func() time.Time
	log        zerolog.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	actionRepo ActionStore,
	patrolRepo PatrolStore,
	stepRepo StepStore,
	rulesRepo RuleStore,
	auditRepo AuditStore,
	identity IdentityClientInterface,
	notifier NotifierInterface,
	log zerolog.Logger,
) *ApprovalService {
	return &ApprovalService{
		actionRepo: actionRepo,
		patrolRepo: patrolRepo,
		stepRepo:   stepRepo,
		rulesRepo:  rulesRepo,
		auditRepo:  auditRepo,
		identity:   identity,
		notifier:   notifier,
		now:        time.Now,
		log:        log,
	}
}

// DecideRequest represents one approver's decision on the current step.
// Level is optional: when set, the decision must name the current pending
// step's level, otherwise the current step is selected implicitly.
type DecideRequest struct {
	ActionID  string
	DecidedBy string
	Level     domain.ApprovalLevel
	Approved  bool
	Notes     *string
	Reason    string
}

// SubmitForApproval moves a draft action to submitted and creates its
// approval step sequence from the first matching routing rule, or a single
// safety officer step when none matches.
func (s *ApprovalService) SubmitForApproval(ctx context.Context, actionID, submittedBy string) ([]*domain.ApprovalStep, error) {
	action, err := s.actionRepo.GetByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if submittedBy != action.CreatedBy && submittedBy != action.AssignedTo {
		return nil, apperrors.PermissionDenied("only the action creator or assignee can submit for approval")
	}
	if err := domain.CheckTransition(action.Status, domain.ActionSubmitted); err != nil {
		return nil, err
	}

	patrol, err := s.patrolRepo.GetByID(ctx, action.PatrolID)
	if err != nil {
		return nil, err
	}

	rule, err := s.rulesRepo.FindMatchingRule(ctx, patrol.RiskLevel, action.ActionType)
	if err != nil {
		return nil, err
	}

	steps := s.buildSteps(rule)
	if err := s.stepRepo.CreateForSubmission(ctx, actionID, steps); err != nil {
		return nil, err
	}

	before := string(action.Status)
	after := string(domain.ActionSubmitted)
	s.appendAudit(ctx, &repository.AuditEntry{
		PatrolID:     action.PatrolID,
		ActionID:     &action.ID,
		Event:        "submitted",
		PerformedBy:  submittedBy,
		StatusBefore: &before,
		StatusAfter:  &after,
		Metadata:     map[string]interface{}{"total_steps": len(steps)},
	})

	s.notifier.PublishActionEvent(ctx, "action_submitted", action.ID, action.PatrolID, submittedBy,
		[]string{patrol.CreatedBy}, map[string]interface{}{
			"action_number": action.ActionNumber,
			"total_steps":   len(steps),
		})

	s.log.Info().
		Str("action_id", action.ID).
		Str("action_number", action.ActionNumber).
		Int("total_steps", len(steps)).
		Str("submitted_by", submittedBy).
		Msg("Corrective action submitted for approval")

	return steps, nil
}

// buildSteps converts a rule's step definitions into pending step records.
// The last step always carries the final-approval marker.
func (s *ApprovalService) buildSteps(rule *repository.ApprovalRule) []*domain.ApprovalStep {
	defs := []repository.ApprovalRuleStep{{Step: 1, Level: fallbackLevel, Final: true}}
	if rule != nil && len(rule.ApprovalSteps) > 0 {
		defs = rule.ApprovalSteps
	}

	steps := make([]*domain.ApprovalStep, 0, len(defs))
	for i, def := range defs {
		steps = append(steps, &domain.ApprovalStep{
			Level:           def.Level,
			SequenceOrder:   def.Step,
			Status:          domain.ApprovalPending,
			IsFinalApproval: def.Final || i == len(defs)-1,
		})
	}
	return steps
}

// Decide records an approval or rejection on the action's current step. The
// current step is always the lowest-sequence undecided one; deciding any
// other step is a state error. Returns true when the decision resolved the
// whole sequence.
func (s *ApprovalService) Decide(ctx context.Context, req *DecideRequest) (complete bool, err error) {
	action, err := s.actionRepo.GetByID(ctx, req.ActionID)
	if err != nil {
		return false, err
	}
	if action.Status != domain.ActionSubmitted {
		return false, apperrors.Newf(apperrors.CodeState,
			"corrective action is not awaiting approval (status: %s)", action.Status)
	}

	step := currentStep(action.Approvals)
	if step == nil {
		return false, apperrors.InvalidState("no pending approval step")
	}
	if req.Level != "" && req.Level != step.Level {
		return false, apperrors.Newf(apperrors.CodeState,
			"step at level %s is not the current pending step (current: %s)", req.Level, step.Level)
	}

	role, err := s.identity.GetUserRole(ctx, req.DecidedBy)
	if err != nil {
		return false, err
	}
	if !domain.CanApproveAtLevel(role, step.Level) {
		return false, apperrors.PermissionDenied("user cannot decide approvals at this level")
	}

	if req.Approved {
		return s.approve(ctx, action, step, req)
	}
	return s.reject(ctx, action, step, req)
}

func (s *ApprovalService) approve(ctx context.Context, action *domain.CorrectiveAction, step *domain.ApprovalStep, req *DecideRequest) (bool, error) {
	d := repository.DecisionUpdate{
		StepID:    step.ID,
		Status:    domain.ApprovalDecidedApproved,
		DecidedBy: req.DecidedBy,
		DecidedAt: s.now(),
		Notes:     req.Notes,
		ActionID:  action.ID,
	}

	final := step.IsFinalApproval
	if final {
		approved := domain.ActionApproved
		d.NewActionStatus = &approved
	}

	if err := s.stepRepo.RecordDecision(ctx, d); err != nil {
		return false, err
	}

	before := string(domain.ActionSubmitted)
	after := before
	if final {
		after = string(domain.ActionApproved)
	}
	s.appendAudit(ctx, &repository.AuditEntry{
		PatrolID:     action.PatrolID,
		ActionID:     &action.ID,
		StepID:       &step.ID,
		Event:        "approved",
		PerformedBy:  req.DecidedBy,
		StatusBefore: &before,
		StatusAfter:  &after,
		Metadata: map[string]interface{}{
			"level":          string(step.Level),
			"sequence_order": step.SequenceOrder,
		},
	})

	if final {
		s.notifier.PublishActionEvent(ctx, "action_approved", action.ID, action.PatrolID, req.DecidedBy,
			[]string{action.AssignedTo}, map[string]interface{}{
				"action_number": action.ActionNumber,
			})
	}

	s.log.Info().
		Str("action_id", action.ID).
		Str("level", string(step.Level)).
		Str("decided_by", req.DecidedBy).
		Bool("final", final).
		Msg("Approval step approved")

	return final, nil
}

func (s *ApprovalService) reject(ctx context.Context, action *domain.CorrectiveAction, step *domain.ApprovalStep, req *DecideRequest) (bool, error) {
	if req.Reason == "" {
		return false, apperrors.InvalidInput("reason", "rejection reason is required")
	}

	// Rejection at any level is terminal for the whole sequence.
	rejected := domain.ActionRejected
	d := repository.DecisionUpdate{
		StepID:          step.ID,
		Status:          domain.ApprovalDecidedRejected,
		DecidedBy:       req.DecidedBy,
		DecidedAt:       s.now(),
		Notes:           req.Notes,
		RejectionReason: &req.Reason,
		ActionID:        action.ID,
		NewActionStatus: &rejected,
	}

	if err := s.stepRepo.RecordDecision(ctx, d); err != nil {
		return false, err
	}

	before := string(domain.ActionSubmitted)
	after := string(domain.ActionRejected)
	s.appendAudit(ctx, &repository.AuditEntry{
		PatrolID:     action.PatrolID,
		ActionID:     &action.ID,
		StepID:       &step.ID,
		Event:        "rejected",
		PerformedBy:  req.DecidedBy,
		StatusBefore: &before,
		StatusAfter:  &after,
		Metadata: map[string]interface{}{
			"level":  string(step.Level),
			"reason": req.Reason,
		},
	})

	s.notifier.PublishActionEvent(ctx, "action_rejected", action.ID, action.PatrolID, req.DecidedBy,
		[]string{action.AssignedTo, action.CreatedBy}, map[string]interface{}{
			"action_number": action.ActionNumber,
			"reason":        req.Reason,
		})

	s.log.Info().
		Str("action_id", action.ID).
		Str("level", string(step.Level)).
		Str("decided_by", req.DecidedBy).
		Msg("Approval step rejected")

	return true, nil
}

// ListPendingApprovals returns the current steps awaiting decision at any
// level the user's role covers.
func (s *ApprovalService) ListPendingApprovals(ctx context.Context, userID string) ([]*domain.ApprovalStep, error) {
	role, err := s.identity.GetUserRole(ctx, userID)
	if err != nil {
		return nil, err
	}

	levels := domain.LevelsForRole(role)
	if len(levels) == 0 {
		return nil, nil
	}
	return s.stepRepo.ListPendingForLevels(ctx, levels)
}

// GetSteps returns the full step sequence for an action.
func (s *ApprovalService) GetSteps(ctx context.Context, actionID string) ([]*domain.ApprovalStep, error) {
	if _, err := s.actionRepo.GetByID(ctx, actionID); err != nil {
		return nil, err
	}
	return s.stepRepo.GetByActionID(ctx, actionID)
}

// CreateRule registers a new approval routing rule. Administrators only.
func (s *ApprovalService) CreateRule(ctx context.Context, userID string, rule *repository.ApprovalRule) error {
	if err := s.requireRuleAdmin(ctx, userID); err != nil {
		return err
	}
	if err := validateRule(rule); err != nil {
		return err
	}
	if err := s.rulesRepo.Create(ctx, rule); err != nil {
		return err
	}

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("rule_name", rule.RuleName).
		Int("steps", len(rule.ApprovalSteps)).
		Msg("Approval rule created")
	return nil
}

// ListRules returns the configured routing rules. Administrators only.
func (s *ApprovalService) ListRules(ctx context.Context, userID string, activeOnly bool) ([]*repository.ApprovalRule, error) {
	if err := s.requireRuleAdmin(ctx, userID); err != nil {
		return nil, err
	}
	return s.rulesRepo.List(ctx, activeOnly)
}

// GetRule returns a single routing rule by id. Administrators only.
func (s *ApprovalService) GetRule(ctx context.Context, userID, id string) (*repository.ApprovalRule, error) {
	if err := s.requireRuleAdmin(ctx, userID); err != nil {
		return nil, err
	}
	return s.rulesRepo.GetByID(ctx, id)
}

// UpdateRule replaces a routing rule's criteria, steps and priority.
// Administrators only. Steps already created from the old version of the
// rule are not touched.
func (s *ApprovalService) UpdateRule(ctx context.Context, userID string, rule *repository.ApprovalRule) error {
	if err := s.requireRuleAdmin(ctx, userID); err != nil {
		return err
	}
	if err := validateRule(rule); err != nil {
		return err
	}
	return s.rulesRepo.Update(ctx, rule)
}

// DeleteRule removes a routing rule. Administrators only.
func (s *ApprovalService) DeleteRule(ctx context.Context, userID, id string) error {
	if err := s.requireRuleAdmin(ctx, userID); err != nil {
		return err
	}
	if err := s.rulesRepo.Delete(ctx, id); err != nil {
		return err
	}

	s.log.Info().Str("rule_id", id).Str("deleted_by", userID).Msg("Approval rule deleted")
	return nil
}

func (s *ApprovalService) requireRuleAdmin(ctx context.Context, userID string) error {
	role, err := s.identity.GetUserRole(ctx, userID)
	if err != nil {
		return err
	}
	if role != "admin" && role != "system_admin" {
		return apperrors.PermissionDenied("only administrators can manage approval rules")
	}
	return nil
}

func validateRule(rule *repository.ApprovalRule) error {
	if rule.RuleName == "" {
		return apperrors.InvalidInput("rule_name", "rule name is required")
	}
	if len(rule.ApprovalSteps) == 0 {
		return apperrors.InvalidInput("approval_steps", "at least one approval step is required")
	}
	for i, def := range rule.ApprovalSteps {
		if def.Step != i+1 {
			return apperrors.InvalidInput("approval_steps", "step numbers must be sequential starting at 1")
		}
		if !domain.ValidApprovalLevel(def.Level) {
			return apperrors.InvalidInput("approval_steps", "unknown approval level: "+string(def.Level))
		}
	}
	if rule.RiskLevel != nil && !domain.ValidRiskLevel(*rule.RiskLevel) {
		return apperrors.InvalidInput("risk_level", "unknown risk level: "+string(*rule.RiskLevel))
	}
	if rule.ActionType != nil && !domain.ValidActionType(*rule.ActionType) {
		return apperrors.InvalidInput("action_type", "unknown action type: "+string(*rule.ActionType))
	}
	return nil
}

// currentStep returns the lowest-sequence undecided step, or nil.
func currentStep(steps []*domain.ApprovalStep) *domain.ApprovalStep {
	var current *domain.ApprovalStep
	for _, step := range steps {
		if step.Status != domain.ApprovalPending {
			continue
		}
		if current == nil || step.SequenceOrder < current.SequenceOrder {
			current = step
		}
	}
	return current
}

func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.auditRepo.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("patrol_id", entry.PatrolID).
			Str("event", entry.Event).
			Msg("Failed to write audit log entry")
	}
}
