package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/qshe-platform/be-patrol-engine/internal/apperrors"
	"github.com/qshe-platform/be-patrol-engine/internal/database"
	"github.com/qshe-platform/be-patrol-engine/internal/domain"
)

// ApprovalStepRepository manages the ordered approval steps of a corrective
// action. Submission (action status flip plus step creation) and decisions
// (step update plus optional action status flip) are single transactions.
type ApprovalStepRepository struct {
	db *database.DB
}

// NewApprovalStepRepository creates a new ApprovalStepRepository.
func NewApprovalStepRepository(db *database.DB) *ApprovalStepRepository {
	return &ApprovalStepRepository{db: db}
}

const stepColumns = `
	id, action_id, approval_level, sequence_order, status, is_final_approval,
	decided_by, decided_at, notes, rejection_reason, created_at, updated_at
`

// CreateForSubmission inserts the step sequence for an action and moves the
// action to submitted, in one transaction.
func (r *ApprovalStepRepository) CreateForSubmission(
	ctx context.Context,
	actionID string,
	steps []*domain.ApprovalStep,
) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE corrective_actions
			 SET status = 'submitted'::action_status, submitted_at = NOW(), updated_at = NOW()
			 WHERE id = $1`, actionID)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to submit action")
		}
		if tag.RowsAffected() == 0 {
			return apperrors.NotFound("corrective_action", actionID)
		}

		query := `
			INSERT INTO approval_steps
			    (action_id, approval_level, sequence_order, status, is_final_approval)
			VALUES ($1, $2::approval_level, $3, $4::approval_status, $5)
			RETURNING id, created_at, updated_at
		`

		for _, step := range steps {
			step.ActionID = actionID
			err := tx.QueryRow(ctx, query,
				step.ActionID,
				step.Level,
				step.SequenceOrder,
				step.Status,
				step.IsFinalApproval,
			).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create approval step")
			}
		}

		return nil
	})
}

// GetByActionID returns all steps for an action ordered by sequence_order.
func (r *ApprovalStepRepository) GetByActionID(ctx context.Context, actionID string) ([]*domain.ApprovalStep, error) {
	return listStepsByAction(ctx, r.db, actionID)
}

// ListPendingForLevels returns pending steps at any of the given levels,
// restricted to actions still in submitted state (a terminal rejection
// leaves later step rows pending but the workflow dead).
func (r *ApprovalStepRepository) ListPendingForLevels(
	ctx context.Context,
	levels []domain.ApprovalLevel,
) ([]*domain.ApprovalStep, error) {
	if len(levels) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + qualifyStepColumns("s") + `
		FROM approval_steps s
		JOIN corrective_actions a ON a.id = s.action_id
		WHERE s.status = 'pending'
		  AND a.status = 'submitted'
		  AND s.approval_level = ANY($1::approval_level[])
		  AND NOT EXISTS (
		      SELECT 1 FROM approval_steps prior
		      WHERE prior.action_id = s.action_id
		        AND prior.sequence_order < s.sequence_order
		        AND prior.status = 'pending'
		  )
		ORDER BY s.created_at ASC
	`

	levelStrs := make([]string, len(levels))
	for i, l := range levels {
		levelStrs[i] = string(l)
	}

	rows, err := r.db.Query(ctx, query, levelStrs)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return scanStepRows(rows)
}

// DecisionUpdate captures one approval decision and its effect on the
// owning action.
type DecisionUpdate struct {
	StepID          string
	Status          domain.ApprovalStatus
	DecidedBy       string
	DecidedAt       time.Time
	Notes           *string
	RejectionReason *string

	// ActionID plus a non-nil NewActionStatus flips the action in the same
	// transaction (final approval or terminal rejection).
	ActionID        string
	NewActionStatus *domain.ActionStatus
}

// RecordDecision persists a step decision and, when the decision resolves
// the workflow, the action's new status, atomically.
func (r *ApprovalStepRepository) RecordDecision(ctx context.Context, d DecisionUpdate) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_steps
			SET status           = $2::approval_status,
			    decided_by       = $3,
			    decided_at       = $4,
			    notes            = $5,
			    rejection_reason = $6,
			    updated_at       = NOW()
			WHERE id = $1 AND status = 'pending'
			RETURNING id
		`

		var returnedID string
		err := tx.QueryRow(ctx, query,
			d.StepID, d.Status, d.DecidedBy, d.DecidedAt, d.Notes, d.RejectionReason,
		).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return apperrors.InvalidState("approval step is not pending")
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to record approval decision")
		}

		if d.NewActionStatus != nil {
			tag, err := tx.Exec(ctx,
				`UPDATE corrective_actions
				 SET status = $2::action_status, updated_at = NOW()
				 WHERE id = $1`,
				d.ActionID, *d.NewActionStatus)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update action after decision")
			}
			if tag.RowsAffected() == 0 {
				return apperrors.NotFound("corrective_action", d.ActionID)
			}
		}

		return nil
	})
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func qualifyStepColumns(alias string) string {
	return alias + `.id, ` + alias + `.action_id, ` + alias + `.approval_level, ` +
		alias + `.sequence_order, ` + alias + `.status, ` + alias + `.is_final_approval, ` +
		alias + `.decided_by, ` + alias + `.decided_at, ` + alias + `.notes, ` +
		alias + `.rejection_reason, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func listStepsByAction(ctx context.Context, db *database.DB, actionID string) ([]*domain.ApprovalStep, error) {
	query := `SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE action_id = $1
		ORDER BY sequence_order ASC`

	rows, err := db.Query(ctx, query, actionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	return scanStepRows(rows)
}

func scanStepRows(rows pgx.Rows) ([]*domain.ApprovalStep, error) {
	var steps []*domain.ApprovalStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan approval step")
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func scanStep(row rowScanner) (*domain.ApprovalStep, error) {
	s := &domain.ApprovalStep{}
	err := row.Scan(
		&s.ID,
		&s.ActionID,
		&s.Level,
		&s.SequenceOrder,
		&s.Status,
		&s.IsFinalApproval,
		&s.DecidedBy,
		&s.DecidedAt,
		&s.Notes,
		&s.RejectionReason,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
