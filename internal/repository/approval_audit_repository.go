package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/qshe-platform/be-patrol-engine/internal/apperrors"
	"github.com/qshe-platform/be-patrol-engine/internal/database"
)

// AuditRepository appends and reads immutable lifecycle audit log entries.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry. The log is append-only so this is the only
// mutation operation exposed.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO lifecycle_audit_log
		    (patrol_id, action_id, step_id,
		     event, performed_by,
		     status_before, status_after,
		     metadata)
		VALUES ($1, $2, $3,
		        $4, $5,
		        $6, $7,
		        $8)
		RETURNING id, performed_at
	`

	return r.db.QueryRow(ctx, query,
		entry.PatrolID,
		entry.ActionID,
		entry.StepID,
		entry.Event,
		entry.PerformedBy,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
}

// GetByPatrolID returns the full audit trail for a patrol ordered oldest-first.
func (r *AuditRepository) GetByPatrolID(ctx context.Context, patrolID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, patrol_id, action_id, step_id,
		       event, performed_by, performed_at,
		       status_before, status_after,
		       metadata
		FROM lifecycle_audit_log
		WHERE patrol_id = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, patrolID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// GetByActionID returns all audit entries for a specific corrective action.
func (r *AuditRepository) GetByActionID(ctx context.Context, actionID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, patrol_id, action_id, step_id,
		       event, performed_by, performed_at,
		       status_before, status_after,
		       metadata
		FROM lifecycle_audit_log
		WHERE action_id = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, actionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get action audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *AuditRepository) scanEntry(sc rowScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.PatrolID,
		&entry.ActionID,
		&entry.StepID,
		&entry.Event,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&entry.StatusBefore,
		&entry.StatusAfter,
		&metadataJSON,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan audit entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}
