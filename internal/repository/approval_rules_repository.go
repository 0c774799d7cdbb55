package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/qshe-platform/be-patrol-engine/internal/apperrors"
	"github.com/qshe-platform/be-patrol-engine/internal/database"
	"github.com/qshe-platform/be-patrol-engine/internal/domain"
)

// ApprovalRulesRepository handles CRUD for approval_rules.
type ApprovalRulesRepository struct {
	db *database.DB
}

// NewApprovalRulesRepository creates a new ApprovalRulesRepository.
func NewApprovalRulesRepository(db *database.DB) *ApprovalRulesRepository {
	return &ApprovalRulesRepository{db: db}
}

// Create inserts a new approval rule.
func (r *ApprovalRulesRepository) Create(ctx context.Context, rule *ApprovalRule) error {
	stepsJSON, err := json.Marshal(rule.ApprovalSteps)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal approval steps")
	}

	query := `
		INSERT INTO approval_rules
		    (rule_name, is_active, risk_level, action_type, approval_steps, priority)
		VALUES ($1, $2, $3::risk_level, $4::action_type, $5, $6)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		rule.RuleName,
		rule.IsActive,
		rule.RiskLevel,
		rule.ActionType,
		stepsJSON,
		rule.Priority,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
}

// GetByID retrieves a rule by primary key.
func (r *ApprovalRulesRepository) GetByID(ctx context.Context, id string) (*ApprovalRule, error) {
	query := `
		SELECT id, rule_name, is_active, risk_level, action_type,
		       approval_steps, priority, created_at, updated_at
		FROM approval_rules
		WHERE id = $1
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_rule", id)
	}
	return rule, err
}

// List returns all rules, optionally filtered to active only.
func (r *ApprovalRulesRepository) List(ctx context.Context, activeOnly bool) ([]*ApprovalRule, error) {
	query := `
		SELECT id, rule_name, is_active, risk_level, action_type,
		       approval_steps, priority, created_at, updated_at
		FROM approval_rules
	`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY priority ASC, rule_name ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// FindMatchingRule evaluates active rules in priority order and returns the
// first rule whose criteria match the action's attributes.
// Returns nil (no error) when no rule matches.
func (r *ApprovalRulesRepository) FindMatchingRule(
	ctx context.Context,
	riskLevel domain.RiskLevel,
	actionType domain.ActionType,
) (*ApprovalRule, error) {
	// Load all active rules ordered by priority; evaluate in Go to keep SQL simple.
	rules, err := r.List(ctx, true)
	if err != nil {
		return nil, err
	}

	for _, rule := range rules {
		if ruleMatches(rule, riskLevel, actionType) {
			return rule, nil
		}
	}
	return nil, nil
}

// ruleMatches returns true when every set criterion matches. A nil criterion
// matches anything.
func ruleMatches(rule *ApprovalRule, riskLevel domain.RiskLevel, actionType domain.ActionType) bool {
	if rule.RiskLevel != nil && *rule.RiskLevel != riskLevel {
		return false
	}
	if rule.ActionType != nil && *rule.ActionType != actionType {
		return false
	}
	return true
}

// Update persists changes to an existing rule.
func (r *ApprovalRulesRepository) Update(ctx context.Context, rule *ApprovalRule) error {
	stepsJSON, err := json.Marshal(rule.ApprovalSteps)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal approval steps")
	}

	query := `
		UPDATE approval_rules
		SET rule_name      = $2,
		    is_active      = $3,
		    risk_level     = $4::risk_level,
		    action_type    = $5::action_type,
		    approval_steps = $6,
		    priority       = $7,
		    updated_at     = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		rule.ID,
		rule.RuleName,
		rule.IsActive,
		rule.RiskLevel,
		rule.ActionType,
		stepsJSON,
		rule.Priority,
	).Scan(&rule.UpdatedAt)

	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_rule", rule.ID)
	}
	return err
}

// Delete removes an approval rule. Step rows already created from the rule
// are unaffected.
func (r *ApprovalRulesRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_rules WHERE id = $1`, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to delete approval rule")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("approval_rule", id)
	}
	return nil
}

func (r *ApprovalRulesRepository) scanRule(row rowScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	var stepsJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.RuleName,
		&rule.IsActive,
		&rule.RiskLevel,
		&rule.ActionType,
		&stepsJSON,
		&rule.Priority,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &rule.ApprovalSteps); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal approval steps")
	}
	return rule, nil
}
