package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/qshe-platform/be-patrol-engine/internal/apperrors"
	"github.com/qshe-platform/be-patrol-engine/internal/database"
	"github.com/qshe-platform/be-patrol-engine/internal/domain"
)

// PatrolRepository handles patrol data operations. The derived status column
// is only ever written by recomputeStatusTx, which runs inside the same
// transaction as the corrective-action event that triggered it.
type PatrolRepository struct {
	db *database.DB
}

// NewPatrolRepository creates a new patrol repository.
func NewPatrolRepository(db *database.DB) *PatrolRepository {
	return &PatrolRepository{db: db}
}

const patrolColumns = `
	id, patrol_number, title, description, location, patrol_type,
	likelihood, severity, risk_score, risk_level, recommended_action,
	immediate_hazard, work_stopped, status,
	created_by, created_at, updated_at
`

// Create inserts a new patrol. Status always starts as open; a patrol with
// zero actions is open by definition.
func (r *PatrolRepository) Create(ctx context.Context, p *domain.Patrol) error {
	query := `
		INSERT INTO patrols (patrol_number, title, description, location, patrol_type,
		                     likelihood, severity, risk_score, risk_level, recommended_action,
		                     immediate_hazard, work_stopped, status, created_by)
		VALUES ($1, $2, $3, $4, $5::patrol_type,
		        $6, $7, $8, $9::risk_level, $10::recommended_action,
		        $11, $12, 'open'::patrol_status, $13)
		RETURNING id, status, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		p.PatrolNumber,
		p.Title,
		p.Description,
		p.Location,
		p.PatrolType,
		p.Likelihood,
		p.Severity,
		p.RiskScore,
		p.RiskLevel,
		p.RecommendedAction,
		p.ImmediateHazard,
		p.WorkStopped,
		p.CreatedBy,
	).Scan(&p.ID, &p.Status, &p.CreatedAt, &p.UpdatedAt)

	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create patrol")
	}
	return nil
}

// GetByID retrieves a patrol with its corrective actions.
func (r *PatrolRepository) GetByID(ctx context.Context, id string) (*domain.Patrol, error) {
	query := `SELECT ` + patrolColumns + ` FROM patrols WHERE id = $1`

	p, err := scanPatrol(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("patrol", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get patrol")
	}

	actions, err := listActions(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	p.Actions = actions

	return p, nil
}

// List retrieves patrols with filtering and pagination, newest first.
func (r *PatrolRepository) List(
	ctx context.Context,
	status *domain.PatrolStatus,
	riskLevel *domain.RiskLevel,
	createdBy *string,
	limit, offset int,
) ([]*domain.Patrol, int64, error) {
	query := `SELECT ` + patrolColumns + ` FROM patrols WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM patrols WHERE 1=1`

	args := []any{}
	argCount := 1

	if status != nil {
		cond := fmt.Sprintf(" AND status = $%d::patrol_status", argCount)
		query += cond
		countQuery += cond
		args = append(args, *status)
		argCount++
	}

	if riskLevel != nil {
		cond := fmt.Sprintf(" AND risk_level = $%d::risk_level", argCount)
		query += cond
		countQuery += cond
		args = append(args, *riskLevel)
		argCount++
	}

	if createdBy != nil {
		cond := fmt.Sprintf(" AND created_by = $%d", argCount)
		query += cond
		countQuery += cond
		args = append(args, *createdBy)
		argCount++
	}

	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCount, argCount+1)
	queryArgs := append(args, limit, offset)

	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.CodeInternal, "failed to count patrols")
	}

	rows, err := r.db.Query(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list patrols")
	}
	defer rows.Close()

	patrols := make([]*domain.Patrol, 0)
	for rows.Next() {
		p, err := scanPatrol(rows)
		if err != nil {
			return nil, 0, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan patrol")
		}
		patrols = append(patrols, p)
	}

	return patrols, total, nil
}

// Update modifies the editable fields of a patrol. Status is deliberately
// not among them.
func (r *PatrolRepository) Update(ctx context.Context, p *domain.Patrol) error {
	query := `
		UPDATE patrols
		SET title              = $2,
		    description        = $3,
		    location           = $4,
		    likelihood         = $5,
		    severity           = $6,
		    risk_score         = $7,
		    risk_level         = $8::risk_level,
		    recommended_action = $9::recommended_action,
		    immediate_hazard   = $10,
		    work_stopped       = $11,
		    updated_at         = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		p.ID,
		p.Title,
		p.Description,
		p.Location,
		p.Likelihood,
		p.Severity,
		p.RiskScore,
		p.RiskLevel,
		p.RecommendedAction,
		p.ImmediateHazard,
		p.WorkStopped,
	).Scan(&p.UpdatedAt)

	if err == pgx.ErrNoRows {
		return apperrors.NotFound("patrol", p.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update patrol")
	}
	return nil
}

// recomputeStatusTx re-derives and persists the patrol status inside tx.
// The patrol row is locked first so concurrent verification of sibling
// actions is serialized and the derivation always sees a consistent
// snapshot.
func recomputeStatusTx(ctx context.Context, tx pgx.Tx, patrolID string) (domain.PatrolStatus, error) {
	var current domain.PatrolStatus
	err := tx.QueryRow(ctx,
		`SELECT status FROM patrols WHERE id = $1 FOR UPDATE`, patrolID,
	).Scan(&current)
	if err == pgx.ErrNoRows {
		return "", apperrors.NotFound("patrol", patrolID)
	}
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "failed to lock patrol")
	}

	rows, err := tx.Query(ctx,
		`SELECT verification_outcome FROM corrective_actions WHERE patrol_id = $1`, patrolID)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "failed to read sibling actions")
	}
	defer rows.Close()

	var states []domain.VerificationState
	for rows.Next() {
		var outcome *domain.VerificationOutcome
		if err := rows.Scan(&outcome); err != nil {
			return "", apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan verification outcome")
		}
		switch {
		case outcome == nil:
			states = append(states, domain.VerificationStateUnverified)
		case *outcome == domain.VerificationApproved:
			states = append(states, domain.VerificationStateApproved)
		default:
			states = append(states, domain.VerificationStateRejected)
		}
	}
	rows.Close()

	status := domain.DerivePatrolStatus(states)
	if status == current {
		return status, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE patrols SET status = $2::patrol_status, updated_at = NOW() WHERE id = $1`,
		patrolID, status)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "failed to update patrol status")
	}
	return status, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatrol(row rowScanner) (*domain.Patrol, error) {
	p := &domain.Patrol{}
	err := row.Scan(
		&p.ID,
		&p.PatrolNumber,
		&p.Title,
		&p.Description,
		&p.Location,
		&p.PatrolType,
		&p.Likelihood,
		&p.Severity,
		&p.RiskScore,
		&p.RiskLevel,
		&p.RecommendedAction,
		&p.ImmediateHazard,
		&p.WorkStopped,
		&p.Status,
		&p.CreatedBy,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
