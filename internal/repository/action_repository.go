package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/qshe-platform/be-patrol-engine/internal/apperrors"
	"github.com/qshe-platform/be-patrol-engine/internal/database"
	"github.com/qshe-platform/be-patrol-engine/internal/domain"
)

// ActionRepository handles corrective-action data operations. Every write
// that changes the derivation inputs (creation, verification) recomputes the
// owning patrol's status in the same transaction.
type ActionRepository struct {
	db *database.DB
}

// NewActionRepository creates a new corrective-action repository.
func NewActionRepository(db *database.DB) *ActionRepository {
	return &ActionRepository{db: db}
}

const actionColumns = `
	id, patrol_id, action_number, description, action_type, root_cause_analysis,
	assigned_to, assigned_date, due_date, status, progress_percentage,
	verified_by, verification_date, verification_notes, verification_outcome,
	submitted_at, work_started_at, work_completed_at,
	created_by, created_at, updated_at
`

// CreateWithPhotos inserts an action and its photos, then recomputes the
// patrol status, all in one transaction. Returns the patrol's new status.
func (r *ActionRepository) CreateWithPhotos(
	ctx context.Context,
	a *domain.CorrectiveAction,
	photos []*domain.Photo,
) (domain.PatrolStatus, error) {
	var patrolStatus domain.PatrolStatus

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO corrective_actions
			    (patrol_id, action_number, description, action_type, root_cause_analysis,
			     assigned_to, due_date, status, submitted_at, created_by)
			VALUES ($1, $2, $3, $4::action_type, $5,
			        $6, $7, $8::action_status, $9, $10)
			RETURNING id, assigned_date, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			a.PatrolID,
			a.ActionNumber,
			a.Description,
			a.ActionType,
			a.RootCauseAnalysis,
			a.AssignedTo,
			a.DueDate,
			a.Status,
			a.SubmittedAt,
			a.CreatedBy,
		).Scan(&a.ID, &a.AssignedDate, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create corrective action")
		}

		for _, photo := range photos {
			photo.ActionID = a.ID
			if err := insertPhotoTx(ctx, tx, photo); err != nil {
				return err
			}
		}
		a.Photos = photos

		patrolStatus, err = recomputeStatusTx(ctx, tx, a.PatrolID)
		return err
	})

	return patrolStatus, err
}

// GetByID retrieves an action with its photos and approval steps.
func (r *ActionRepository) GetByID(ctx context.Context, id string) (*domain.CorrectiveAction, error) {
	query := `SELECT ` + actionColumns + ` FROM corrective_actions WHERE id = $1`

	a, err := scanAction(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("corrective_action", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get corrective action")
	}

	photos, err := r.GetPhotos(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	a.Photos = photos

	steps, err := listStepsByAction(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	a.Approvals = steps

	return a, nil
}

// ListByPatrol returns all actions for a patrol, newest first.
func (r *ActionRepository) ListByPatrol(ctx context.Context, patrolID string) ([]*domain.CorrectiveAction, error) {
	return listActions(ctx, r.db, patrolID)
}

// ListAssignedTo returns non-terminal actions assigned to a user.
func (r *ActionRepository) ListAssignedTo(ctx context.Context, userID string) ([]*domain.CorrectiveAction, error) {
	query := `SELECT ` + actionColumns + `
		FROM corrective_actions
		WHERE assigned_to = $1
		  AND status NOT IN ('completed', 'cancelled', 'rejected')
		ORDER BY due_date ASC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list assigned actions")
	}
	defer rows.Close()

	return scanActionRows(rows)
}

// UpdateStatus transitions an action's lifecycle status and stamps the
// matching workflow timestamp.
func (r *ActionRepository) UpdateStatus(ctx context.Context, id string, status domain.ActionStatus) error {
	query := `
		UPDATE corrective_actions
		SET status          = $2::action_status,
		    submitted_at    = CASE WHEN $2 = 'submitted'   THEN NOW() ELSE submitted_at END,
		    work_started_at = CASE WHEN $2 = 'in_progress' AND work_started_at IS NULL THEN NOW() ELSE work_started_at END,
		    updated_at      = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("corrective_action", id)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update action status")
	}
	return nil
}

// UpdateProgress sets the progress percentage and appends a progress update
// row in one transaction.
func (r *ActionRepository) UpdateProgress(ctx context.Context, update *domain.ProgressUpdate) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE corrective_actions
			 SET progress_percentage = $2, updated_at = NOW()
			 WHERE id = $1`,
			update.ActionID, update.ProgressPercentage)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update progress")
		}
		if tag.RowsAffected() == 0 {
			return apperrors.NotFound("corrective_action", update.ActionID)
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO action_progress_updates (action_id, update_text, progress_percentage, updated_by)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id, created_at`,
			update.ActionID, update.UpdateText, update.ProgressPercentage, update.UpdatedBy,
		).Scan(&update.ID, &update.CreatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to append progress update")
		}
		return nil
	})
}

// GetProgressUpdates returns the progress history for an action, oldest first.
func (r *ActionRepository) GetProgressUpdates(ctx context.Context, actionID string) ([]*domain.ProgressUpdate, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, action_id, update_text, progress_percentage, updated_by, created_at
		 FROM action_progress_updates
		 WHERE action_id = $1
		 ORDER BY created_at ASC`, actionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get progress updates")
	}
	defer rows.Close()

	var updates []*domain.ProgressUpdate
	for rows.Next() {
		u := &domain.ProgressUpdate{}
		if err := rows.Scan(&u.ID, &u.ActionID, &u.UpdateText, &u.ProgressPercentage, &u.UpdatedBy, &u.CreatedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan progress update")
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// RecordVerification writes the verification outcome, moves the action to
// its post-verification status, stores verification photos and recomputes
// the patrol status — one atomic unit. Returns the patrol's new status.
func (r *ActionRepository) RecordVerification(
	ctx context.Context,
	a *domain.CorrectiveAction,
	v *domain.Verification,
	newStatus domain.ActionStatus,
	photos []*domain.Photo,
) (domain.PatrolStatus, error) {
	var patrolStatus domain.PatrolStatus

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE corrective_actions
			SET status               = $2::action_status,
			    verified_by          = $3,
			    verification_date    = $4,
			    verification_notes   = $5,
			    verification_outcome = $6::verification_outcome,
			    work_completed_at    = CASE WHEN $2 = 'completed' THEN NOW() ELSE work_completed_at END,
			    updated_at           = NOW()
			WHERE id = $1
			RETURNING id
		`

		var returnedID string
		err := tx.QueryRow(ctx, query,
			a.ID, newStatus, v.VerifiedBy, v.Date, v.Notes, v.Outcome,
		).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return apperrors.NotFound("corrective_action", a.ID)
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to record verification")
		}

		for _, photo := range photos {
			photo.ActionID = a.ID
			if err := insertPhotoTx(ctx, tx, photo); err != nil {
				return err
			}
		}

		patrolStatus, err = recomputeStatusTx(ctx, tx, a.PatrolID)
		return err
	})
	if err != nil {
		return "", err
	}

	a.Status = newStatus
	a.Verification = v
	return patrolStatus, nil
}

// AttachPhotos appends photos to an existing action.
func (r *ActionRepository) AttachPhotos(ctx context.Context, actionID string, photos []*domain.Photo) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		for _, photo := range photos {
			photo.ActionID = actionID
			if err := insertPhotoTx(ctx, tx, photo); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPhotos returns an action's photos, optionally filtered by type, in
// sequence order.
func (r *ActionRepository) GetPhotos(ctx context.Context, actionID string, photoType *domain.PhotoType) ([]*domain.Photo, error) {
	query := `
		SELECT id, action_id, url, photo_type, caption, sequence_order, taken_by, taken_at
		FROM action_photos
		WHERE action_id = $1
	`
	args := []any{actionID}
	if photoType != nil {
		query += ` AND photo_type = $2::photo_type`
		args = append(args, *photoType)
	}
	query += ` ORDER BY photo_type, sequence_order`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get action photos")
	}
	defer rows.Close()

	var photos []*domain.Photo
	for rows.Next() {
		p := &domain.Photo{}
		if err := rows.Scan(&p.ID, &p.ActionID, &p.URL, &p.PhotoType, &p.Caption, &p.SequenceOrder, &p.TakenBy, &p.TakenAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan action photo")
		}
		photos = append(photos, p)
	}
	return photos, nil
}

// ── shared helpers ────────────────────────────────────────────────────────────

func insertPhotoTx(ctx context.Context, tx pgx.Tx, photo *domain.Photo) error {
	err := tx.QueryRow(ctx,
		`INSERT INTO action_photos (action_id, url, photo_type, caption, sequence_order, taken_by)
		 VALUES ($1, $2, $3::photo_type, $4, $5, $6)
		 RETURNING id, taken_at`,
		photo.ActionID, photo.URL, photo.PhotoType, photo.Caption, photo.SequenceOrder, photo.TakenBy,
	).Scan(&photo.ID, &photo.TakenAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to insert action photo")
	}
	return nil
}

func listActions(ctx context.Context, db *database.DB, patrolID string) ([]*domain.CorrectiveAction, error) {
	query := `SELECT ` + actionColumns + `
		FROM corrective_actions
		WHERE patrol_id = $1
		ORDER BY created_at DESC`

	rows, err := db.Query(ctx, query, patrolID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list corrective actions")
	}
	defer rows.Close()

	return scanActionRows(rows)
}

func scanActionRows(rows pgx.Rows) ([]*domain.CorrectiveAction, error) {
	var actions []*domain.CorrectiveAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan corrective action")
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func scanAction(row rowScanner) (*domain.CorrectiveAction, error) {
	a := &domain.CorrectiveAction{}
	var (
		verifiedBy *string
		verifiedAt *time.Time
		notes      *string
		outcome    *domain.VerificationOutcome
	)

	err := row.Scan(
		&a.ID,
		&a.PatrolID,
		&a.ActionNumber,
		&a.Description,
		&a.ActionType,
		&a.RootCauseAnalysis,
		&a.AssignedTo,
		&a.AssignedDate,
		&a.DueDate,
		&a.Status,
		&a.ProgressPercentage,
		&verifiedBy,
		&verifiedAt,
		&notes,
		&outcome,
		&a.SubmittedAt,
		&a.WorkStartedAt,
		&a.WorkCompletedAt,
		&a.CreatedBy,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if outcome != nil && verifiedBy != nil && verifiedAt != nil {
		v := &domain.Verification{
			VerifiedBy: *verifiedBy,
			Date:       *verifiedAt,
			Outcome:    *outcome,
		}
		if notes != nil {
			v.Notes = *notes
		}
		a.Verification = v
	}

	return a, nil
}
