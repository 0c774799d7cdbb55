package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qshe-platform/be-patrol-engine/internal/apperrors"
	"github.com/qshe-platform/be-patrol-engine/internal/domain"
	"github.com/qshe-platform/be-patrol-engine/internal/repository"
)

// memStore is an in-memory implementation of the store interfaces. It mirrors
// the repository's transactional behavior: action writes recompute the owning
// patrol's status in the same call.
type memStore struct {
	mu      sync.Mutex
	seq     int
	patrols map[string]*domain.Patrol
	actions map[string]*domain.CorrectiveAction
	steps   map[string][]*domain.ApprovalStep
	rules   []*repository.ApprovalRule
	audit   []*repository.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		patrols: make(map[string]*domain.Patrol),
		actions: make(map[string]*domain.CorrectiveAction),
		steps:   make(map[string][]*domain.ApprovalStep),
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%04d", prefix, m.seq)
}

// ── PatrolStore ───────────────────────────────────────────────────────────────

func (m *memStore) Create(ctx context.Context, p *domain.Patrol) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.nextID("patrol")
	p.Status = domain.PatrolOpen
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.patrols[p.ID] = clonePatrol(p)
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (*domain.Patrol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patrols[id]
	if !ok {
		return nil, apperrors.NotFound("patrol", id)
	}
	out := clonePatrol(p)
	for _, a := range m.actions {
		if a.PatrolID == id {
			out.Actions = append(out.Actions, m.cloneAction(a))
		}
	}
	return out, nil
}

func (m *memStore) List(ctx context.Context, status *domain.PatrolStatus, riskLevel *domain.RiskLevel, createdBy *string, limit, offset int) ([]*domain.Patrol, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Patrol
	for _, p := range m.patrols {
		if status != nil && p.Status != *status {
			continue
		}
		if riskLevel != nil && p.RiskLevel != *riskLevel {
			continue
		}
		if createdBy != nil && p.CreatedBy != *createdBy {
			continue
		}
		out = append(out, clonePatrol(p))
	}
	return out, int64(len(out)), nil
}

func (m *memStore) Update(ctx context.Context, p *domain.Patrol) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.patrols[p.ID]
	if !ok {
		return apperrors.NotFound("patrol", p.ID)
	}
	status := stored.Status
	m.patrols[p.ID] = clonePatrol(p)
	m.patrols[p.ID].Status = status
	return nil
}

// ── ActionStore ───────────────────────────────────────────────────────────────

func (m *memStore) CreateWithPhotos(ctx context.Context, a *domain.CorrectiveAction, photos []*domain.Photo) (domain.PatrolStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.nextID("action")
	a.AssignedDate = time.Now()
	a.CreatedAt = time.Now()
	a.Photos = photos
	m.actions[a.ID] = m.cloneAction(a)
	return m.recomputePatrol(a.PatrolID)
}

func (m *memStore) getActionLocked(id string) (*domain.CorrectiveAction, error) {
	a, ok := m.actions[id]
	if !ok {
		return nil, apperrors.NotFound("corrective_action", id)
	}
	return a, nil
}

func (m *memStore) GetByIDAction(ctx context.Context, id string) (*domain.CorrectiveAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.getActionLocked(id)
	if err != nil {
		return nil, err
	}
	return m.cloneAction(a), nil
}

func (m *memStore) ListByPatrol(ctx context.Context, patrolID string) ([]*domain.CorrectiveAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.CorrectiveAction
	for _, a := range m.actions {
		if a.PatrolID == patrolID {
			out = append(out, m.cloneAction(a))
		}
	}
	return out, nil
}

func (m *memStore) ListAssignedTo(ctx context.Context, userID string) ([]*domain.CorrectiveAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.CorrectiveAction
	for _, a := range m.actions {
		if a.AssignedTo == userID && !domain.Terminal(a.Status) {
			out = append(out, m.cloneAction(a))
		}
	}
	return out, nil
}

func (m *memStore) UpdateStatus(ctx context.Context, id string, status domain.ActionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.getActionLocked(id)
	if err != nil {
		return err
	}
	now := time.Now()
	switch status {
	case domain.ActionSubmitted:
		a.SubmittedAt = &now
	case domain.ActionInProgress:
		if a.WorkStartedAt == nil {
			a.WorkStartedAt = &now
		}
	}
	a.Status = status
	return nil
}

func (m *memStore) UpdateProgress(ctx context.Context, update *domain.ProgressUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.getActionLocked(update.ActionID)
	if err != nil {
		return err
	}
	a.ProgressPercentage = update.ProgressPercentage
	return nil
}

func (m *memStore) GetProgressUpdates(ctx context.Context, actionID string) ([]*domain.ProgressUpdate, error) {
	return nil, nil
}

func (m *memStore) RecordVerification(ctx context.Context, a *domain.CorrectiveAction, v *domain.Verification, newStatus domain.ActionStatus, photos []*domain.Photo) (domain.PatrolStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.getActionLocked(a.ID)
	if err != nil {
		return "", err
	}
	stored.Verification = v
	stored.Status = newStatus
	stored.Photos = append(stored.Photos, photos...)
	patrolStatus, err := m.recomputePatrol(stored.PatrolID)
	if err != nil {
		return "", err
	}
	a.Status = newStatus
	a.Verification = v
	return patrolStatus, nil
}

func (m *memStore) AttachPhotos(ctx context.Context, actionID string, photos []*domain.Photo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.getActionLocked(actionID)
	if err != nil {
		return err
	}
	a.Photos = append(a.Photos, photos...)
	return nil
}

// ── StepStore ─────────────────────────────────────────────────────────────────

func (m *memStore) CreateForSubmission(ctx context.Context, actionID string, steps []*domain.ApprovalStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.getActionLocked(actionID)
	if err != nil {
		return err
	}
	now := time.Now()
	a.Status = domain.ActionSubmitted
	a.SubmittedAt = &now
	for _, step := range steps {
		step.ID = m.nextID("step")
		step.ActionID = actionID
	}
	m.steps[actionID] = steps
	return nil
}

func (m *memStore) GetByActionID(ctx context.Context, actionID string) ([]*domain.ApprovalStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps[actionID], nil
}

func (m *memStore) ListPendingForLevels(ctx context.Context, levels []domain.ApprovalLevel) ([]*domain.ApprovalStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	levelSet := make(map[domain.ApprovalLevel]bool)
	for _, l := range levels {
		levelSet[l] = true
	}

	var out []*domain.ApprovalStep
	for actionID, steps := range m.steps {
		a, ok := m.actions[actionID]
		if !ok || a.Status != domain.ActionSubmitted {
			continue
		}
		current := currentStep(steps)
		if current != nil && levelSet[current.Level] {
			out = append(out, current)
		}
	}
	return out, nil
}

func (m *memStore) RecordDecision(ctx context.Context, d repository.DecisionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, steps := range m.steps {
		for _, step := range steps {
			if step.ID != d.StepID {
				continue
			}
			if step.Status != domain.ApprovalPending {
				return apperrors.InvalidState("approval step is not pending")
			}
			step.Status = d.Status
			step.DecidedBy = &d.DecidedBy
			step.DecidedAt = &d.DecidedAt
			step.Notes = d.Notes
			step.RejectionReason = d.RejectionReason
			if d.NewActionStatus != nil {
				a, err := m.getActionLocked(d.ActionID)
				if err != nil {
					return err
				}
				a.Status = *d.NewActionStatus
			}
			return nil
		}
	}
	return apperrors.NotFound("approval_step", d.StepID)
}

// ── RuleStore ─────────────────────────────────────────────────────────────────

func (m *memStore) FindMatchingRule(ctx context.Context, riskLevel domain.RiskLevel, actionType domain.ActionType) (*repository.ApprovalRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rule := range m.rules {
		if !rule.IsActive {
			continue
		}
		if rule.RiskLevel != nil && *rule.RiskLevel != riskLevel {
			continue
		}
		if rule.ActionType != nil && *rule.ActionType != actionType {
			continue
		}
		return rule, nil
	}
	return nil, nil
}

// ── AuditStore ────────────────────────────────────────────────────────────────

func (m *memStore) Append(ctx context.Context, entry *repository.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = m.nextID("audit")
	entry.PerformedAt = time.Now()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *memStore) GetByPatrolID(ctx context.Context, patrolID string) ([]*repository.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range m.audit {
		if e.PatrolID == patrolID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) auditByAction(actionID string) []*repository.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range m.audit {
		if e.ActionID != nil && *e.ActionID == actionID {
			out = append(out, e)
		}
	}
	return out
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (m *memStore) recomputePatrol(patrolID string) (domain.PatrolStatus, error) {
	p, ok := m.patrols[patrolID]
	if !ok {
		return "", apperrors.NotFound("patrol", patrolID)
	}
	var actions []*domain.CorrectiveAction
	for _, a := range m.actions {
		if a.PatrolID == patrolID {
			actions = append(actions, a)
		}
	}
	p.Status = domain.DerivePatrolStatusFromActions(actions)
	return p.Status, nil
}

func clonePatrol(p *domain.Patrol) *domain.Patrol {
	cp := *p
	cp.Actions = nil
	return &cp
}

func (m *memStore) cloneAction(a *domain.CorrectiveAction) *domain.CorrectiveAction {
	ca := *a
	ca.Photos = append([]*domain.Photo(nil), a.Photos...)
	ca.Approvals = append([]*domain.ApprovalStep(nil), m.steps[a.ID]...)
	return &ca
}

// actionStoreAdapter disambiguates GetByID, which memStore implements for
// patrols on its main method set.
type actionStoreAdapter struct {
	*memStore
}

func (s actionStoreAdapter) GetByID(ctx context.Context, id string) (*domain.CorrectiveAction, error) {
	return s.memStore.GetByIDAction(ctx, id)
}

// auditStoreAdapter disambiguates GetByActionID, which memStore implements
// for approval steps on its main method set.
type auditStoreAdapter struct {
	*memStore
}

func (s auditStoreAdapter) GetByActionID(ctx context.Context, actionID string) ([]*repository.AuditEntry, error) {
	return s.memStore.auditByAction(actionID), nil
}

// ruleStoreAdapter disambiguates the CRUD names that memStore already uses
// for patrols.
type ruleStoreAdapter struct {
	*memStore
}

func (s ruleStoreAdapter) Create(ctx context.Context, rule *repository.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule.ID = s.nextID("rule")
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	s.rules = append(s.rules, rule)
	sort.SliceStable(s.rules, func(i, j int) bool { return s.rules[i].Priority < s.rules[j].Priority })
	return nil
}

func (s ruleStoreAdapter) GetByID(ctx context.Context, id string) (*repository.ApprovalRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rule := range s.rules {
		if rule.ID == id {
			return rule, nil
		}
	}
	return nil, apperrors.NotFound("approval_rule", id)
}

func (s ruleStoreAdapter) List(ctx context.Context, activeOnly bool) ([]*repository.ApprovalRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ApprovalRule
	for _, rule := range s.rules {
		if activeOnly && !rule.IsActive {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

func (s ruleStoreAdapter) Update(ctx context.Context, rule *repository.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.rules {
		if existing.ID == rule.ID {
			rule.CreatedAt = existing.CreatedAt
			rule.UpdatedAt = time.Now()
			s.rules[i] = rule
			return nil
		}
	}
	return apperrors.NotFound("approval_rule", rule.ID)
}

func (s ruleStoreAdapter) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rule := range s.rules {
		if rule.ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return nil
		}
	}
	return apperrors.NotFound("approval_rule", id)
}

// ── collaborator fakes ────────────────────────────────────────────────────────

type fakeIdentity struct {
	roles map[string]string
}

func (f *fakeIdentity) GetUserRole(ctx context.Context, userID string) (string, error) {
	return f.roles[userID], nil
}

type publishedEvent struct {
	eventType  string
	actionID   string
	recipients []string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakeNotifier) PublishActionEvent(ctx context.Context, eventType, actionID, patrolID, actorID string, recipients []string, payload map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{eventType: eventType, actionID: actionID, recipients: recipients})
}

func (f *fakeNotifier) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.eventType
	}
	return out
}

type fakePhotoStore struct{}

func (fakePhotoStore) NewKey(actionID, filename string) string { return actionID + "/" + filename }
func (fakePhotoStore) URL(key string) string                   { return "https://photos.test/" + key }
