package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qshe-platform/be-patrol-engine/internal/apperrors"
	"github.com/qshe-platform/be-patrol-engine/internal/config"
	"github.com/qshe-platform/be-patrol-engine/internal/domain"
	"github.com/qshe-platform/be-patrol-engine/internal/repository"
)

type testEnv struct {
	store    *memStore
	notifier *fakeNotifier
	identity *fakeIdentity
	patrols  *PatrolService
	actions  *ActionService
	approval *ApprovalService
}

func newTestEnv() *testEnv {
	store := newMemStore()
	notifier := &fakeNotifier{}
	identity := &fakeIdentity{roles: map[string]string{
		"sup-1":    "supervisor",
		"mgr-1":    "manager",
		"safety-1": "safety_officer",
		"admin-1":  "admin",
	}}
	log := zerolog.Nop()

	cfg := config.EngineConfig{
		EditWindow:              domain.DefaultEditWindow,
		ReviewProgressThreshold: 100,
		DefaultDueDays:          7,
	}

	actionStore := actionStoreAdapter{store}
	auditStore := auditStoreAdapter{store}

	return &testEnv{
		store:    store,
		notifier: notifier,
		identity: identity,
		patrols:  NewPatrolService(store, auditStore, cfg.EditWindow, log),
		actions:  NewActionService(actionStore, store, auditStore, notifier, fakePhotoStore{}, cfg, log),
		approval: NewApprovalService(actionStore, store, store, ruleStoreAdapter{store}, auditStore, identity, notifier, log),
	}
}

func (e *testEnv) createPatrol(t *testing.T, createdBy string) *domain.Patrol {
	t.Helper()
	patrol, err := e.patrols.CreatePatrol(context.Background(), &CreatePatrolRequest{
		Title:      "Unguarded edge on level 3",
		PatrolType: "scheduled",
		Likelihood: 3,
		Severity:   3,
		CreatedBy:  createdBy,
	})
	require.NoError(t, err)
	return patrol
}

func (e *testEnv) createAction(t *testing.T, patrolID, assignee, createdBy string) *domain.CorrectiveAction {
	t.Helper()
	action, _, err := e.actions.CreateAction(context.Background(), &CreateActionRequest{
		PatrolID:    patrolID,
		Description: "Install guard rail",
		ActionType:  "short_term",
		AssignedTo:  assignee,
		Photos:      []PhotoRequest{{URL: "https://photos.test/finding.jpg", TakenBy: createdBy}},
		CreatedBy:   createdBy,
	})
	require.NoError(t, err)
	return action
}

func TestFullLifecycleClosesPatrol(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	patrol := env.createPatrol(t, "creator-1")
	assert.Equal(t, domain.PatrolOpen, patrol.Status)
	assert.Equal(t, domain.RiskHigh, patrol.RiskLevel)

	action, patrolStatus, err := env.actions.CreateAction(ctx, &CreateActionRequest{
		PatrolID:    patrol.ID,
		Description: "Install guard rail",
		ActionType:  "short_term",
		AssignedTo:  "worker-1",
		Photos:      []PhotoRequest{{URL: "https://photos.test/finding.jpg", TakenBy: "creator-1"}},
		CreatedBy:   "creator-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionDraft, action.Status)
	assert.Equal(t, domain.PatrolPendingVerification, patrolStatus)
	assert.Regexp(t, `^CA-\d{10}$`, action.ActionNumber)

	// No routing rule configured: a single safety officer step is created.
	steps, err := env.approval.SubmitForApproval(ctx, action.ID, "creator-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, domain.LevelSafetyOfficer, steps[0].Level)
	assert.True(t, steps[0].IsFinalApproval)

	complete, err := env.approval.Decide(ctx, &DecideRequest{
		ActionID:  action.ID,
		DecidedBy: "safety-1",
		Approved:  true,
	})
	require.NoError(t, err)
	assert.True(t, complete)

	got, err := env.actions.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionApproved, got.Status)

	_, err = env.actions.StartWork(ctx, action.ID, "worker-1")
	require.NoError(t, err)

	_, err = env.actions.UpdateProgress(ctx, action.ID, "worker-1", "rail installed", 100)
	require.NoError(t, err)

	_, err = env.actions.RequestReview(ctx, action.ID, "worker-1", false)
	require.NoError(t, err)

	verified, patrolStatus, err := env.actions.VerifyAction(ctx, &VerifyActionRequest{
		ActionID:   action.ID,
		VerifiedBy: "creator-1",
		Outcome:    "approved",
		Notes:      "rail in place and secure",
		Photos:     []PhotoRequest{{URL: "https://photos.test/fixed.jpg", TakenBy: "creator-1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, verified.Status)
	assert.Equal(t, domain.PatrolClosed, patrolStatus)

	// A new action reopens verification.
	_, patrolStatus, err = env.actions.CreateAction(ctx, &CreateActionRequest{
		PatrolID:    patrol.ID,
		Description: "Repaint hazard markings",
		ActionType:  "preventive",
		AssignedTo:  "worker-2",
		Photos:      []PhotoRequest{{URL: "https://photos.test/markings.jpg", TakenBy: "creator-1"}},
		CreatedBy:   "creator-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PatrolPendingVerification, patrolStatus)

	assert.Contains(t, env.notifier.eventTypes(), "action_created")
	assert.Contains(t, env.notifier.eventTypes(), "action_approved")
	assert.Contains(t, env.notifier.eventTypes(), "action_verified")
}

func TestCreateActionRequiresEvidencePhoto(t *testing.T) {
	env := newTestEnv()
	patrol := env.createPatrol(t, "creator-1")

	_, _, err := env.actions.CreateAction(context.Background(), &CreateActionRequest{
		PatrolID:    patrol.ID,
		Description: "Install guard rail",
		ActionType:  "short_term",
		AssignedTo:  "worker-1",
		CreatedBy:   "creator-1",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestVerifyRestrictedToPatrolCreator(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	patrol := env.createPatrol(t, "creator-1")
	action := env.createAction(t, patrol.ID, "worker-1", "creator-1")

	_, err := env.approval.SubmitForApproval(ctx, action.ID, "creator-1")
	require.NoError(t, err)
	_, err = env.approval.Decide(ctx, &DecideRequest{ActionID: action.ID, DecidedBy: "safety-1", Approved: true})
	require.NoError(t, err)
	_, err = env.actions.StartWork(ctx, action.ID, "worker-1")
	require.NoError(t, err)
	_, err = env.actions.RequestReview(ctx, action.ID, "worker-1", true)
	require.NoError(t, err)

	// The assignee did the work; they still cannot sign it off.
	_, _, err = env.actions.VerifyAction(ctx, &VerifyActionRequest{
		ActionID:   action.ID,
		VerifiedBy: "worker-1",
		Outcome:    "approved",
		Notes:      "looks good",
		Photos:     []PhotoRequest{{URL: "https://photos.test/x.jpg", TakenBy: "worker-1"}},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodePermission, apperrors.CodeOf(err))
}

func TestVerificationRejectionReturnsWorkToInProgress(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	patrol := env.createPatrol(t, "creator-1")
	action := env.createAction(t, patrol.ID, "worker-1", "creator-1")

	_, err := env.approval.SubmitForApproval(ctx, action.ID, "creator-1")
	require.NoError(t, err)
	_, err = env.approval.Decide(ctx, &DecideRequest{ActionID: action.ID, DecidedBy: "safety-1", Approved: true})
	require.NoError(t, err)
	_, err = env.actions.StartWork(ctx, action.ID, "worker-1")
	require.NoError(t, err)
	_, err = env.actions.RequestReview(ctx, action.ID, "worker-1", true)
	require.NoError(t, err)

	got, patrolStatus, err := env.actions.VerifyAction(ctx, &VerifyActionRequest{
		ActionID:   action.ID,
		VerifiedBy: "creator-1",
		Outcome:    "rejected",
		Notes:      "rail is loose, redo the anchoring",
		Photos:     []PhotoRequest{{URL: "https://photos.test/loose-rail.jpg", TakenBy: "creator-1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionInProgress, got.Status)
	// With its only action verified-rejected the patrol is rejected.
	assert.Equal(t, domain.PatrolRejected, patrolStatus)
	assert.Contains(t, env.notifier.eventTypes(), "verification_rejected")

	// The action can go around the loop again.
	_, err = env.actions.RequestReview(ctx, action.ID, "worker-1", true)
	require.NoError(t, err)

	// An unverified action takes priority over the rejected one.
	env.createAction(t, patrol.ID, "worker-2", "creator-1")
	p, err := env.patrols.GetPatrol(ctx, patrol.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PatrolPendingVerification, p.Status)
}

func TestTwoStepApprovalSequence(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	high := domain.RiskHigh
	env.store.rules = []*repository.ApprovalRule{{
		ID:        "rule-1",
		RuleName:  "high risk double sign-off",
		IsActive:  true,
		RiskLevel: &high,
		ApprovalSteps: []repository.ApprovalRuleStep{
			{Step: 1, Level: domain.LevelSupervisor},
			{Step: 2, Level: domain.LevelManager, Final: true},
		},
	}}

	patrol := env.createPatrol(t, "creator-1")
	action := env.createAction(t, patrol.ID, "worker-1", "creator-1")

	steps, err := env.approval.SubmitForApproval(ctx, action.ID, "creator-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)

	// Only the supervisor step is actionable while it is undecided.
	pending, err := env.approval.ListPendingApprovals(ctx, "mgr-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = env.approval.ListPendingApprovals(ctx, "sup-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.LevelSupervisor, pending[0].Level)

	// The manager cannot decide the supervisor step.
	_, err = env.approval.Decide(ctx, &DecideRequest{ActionID: action.ID, DecidedBy: "mgr-1", Approved: true})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodePermission, apperrors.CodeOf(err))

	// Naming a level that is not the current pending step is a state error.
	_, err = env.approval.Decide(ctx, &DecideRequest{
		ActionID: action.ID, DecidedBy: "admin-1", Level: domain.LevelManager, Approved: true,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeState, apperrors.CodeOf(err))

	complete, err := env.approval.Decide(ctx, &DecideRequest{ActionID: action.ID, DecidedBy: "sup-1", Approved: true})
	require.NoError(t, err)
	assert.False(t, complete)

	got, err := env.actions.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionSubmitted, got.Status)

	complete, err = env.approval.Decide(ctx, &DecideRequest{ActionID: action.ID, DecidedBy: "mgr-1", Approved: true})
	require.NoError(t, err)
	assert.True(t, complete)

	got, err = env.actions.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionApproved, got.Status)
}

func TestApprovalRejectionIsTerminal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	patrol := env.createPatrol(t, "creator-1")
	action := env.createAction(t, patrol.ID, "worker-1", "creator-1")

	_, err := env.approval.SubmitForApproval(ctx, action.ID, "creator-1")
	require.NoError(t, err)

	// Rejection without a reason is refused.
	_, err = env.approval.Decide(ctx, &DecideRequest{ActionID: action.ID, DecidedBy: "safety-1"})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	complete, err := env.approval.Decide(ctx, &DecideRequest{
		ActionID:  action.ID,
		DecidedBy: "safety-1",
		Reason:    "wrong remediation approach",
	})
	require.NoError(t, err)
	assert.True(t, complete)

	got, err := env.actions.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionRejected, got.Status)

	// No further decisions and no restart.
	_, err = env.approval.Decide(ctx, &DecideRequest{ActionID: action.ID, DecidedBy: "safety-1", Approved: true})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeState, apperrors.CodeOf(err))

	_, err = env.actions.StartWork(ctx, action.ID, "worker-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeState, apperrors.CodeOf(err))
}

func TestAdminRoleCoversMultipleLevels(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	high := domain.RiskHigh
	env.store.rules = []*repository.ApprovalRule{{
		ID:        "rule-1",
		RuleName:  "high risk double sign-off",
		IsActive:  true,
		RiskLevel: &high,
		ApprovalSteps: []repository.ApprovalRuleStep{
			{Step: 1, Level: domain.LevelSupervisor},
			{Step: 2, Level: domain.LevelManager, Final: true},
		},
	}}

	patrol := env.createPatrol(t, "creator-1")
	action := env.createAction(t, patrol.ID, "worker-1", "creator-1")
	_, err := env.approval.SubmitForApproval(ctx, action.ID, "creator-1")
	require.NoError(t, err)

	// An admin maps to supervisor, manager and safety officer levels.
	complete, err := env.approval.Decide(ctx, &DecideRequest{ActionID: action.ID, DecidedBy: "admin-1", Approved: true})
	require.NoError(t, err)
	assert.False(t, complete)

	complete, err = env.approval.Decide(ctx, &DecideRequest{ActionID: action.ID, DecidedBy: "admin-1", Approved: true})
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestRequestReviewBelowThreshold(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	patrol := env.createPatrol(t, "creator-1")
	action := env.createAction(t, patrol.ID, "worker-1", "creator-1")

	_, err := env.approval.SubmitForApproval(ctx, action.ID, "creator-1")
	require.NoError(t, err)
	_, err = env.approval.Decide(ctx, &DecideRequest{ActionID: action.ID, DecidedBy: "safety-1", Approved: true})
	require.NoError(t, err)
	_, err = env.actions.StartWork(ctx, action.ID, "worker-1")
	require.NoError(t, err)

	_, err = env.actions.UpdateProgress(ctx, action.ID, "worker-1", "anchors set", 40)
	require.NoError(t, err)

	_, err = env.actions.RequestReview(ctx, action.ID, "worker-1", false)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeState, apperrors.CodeOf(err))

	// An explicit request overrides the threshold.
	_, err = env.actions.RequestReview(ctx, action.ID, "worker-1", true)
	require.NoError(t, err)
}

func TestUpdateProgressNeverDecreases(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	patrol := env.createPatrol(t, "creator-1")
	action := env.createAction(t, patrol.ID, "worker-1", "creator-1")

	_, err := env.approval.SubmitForApproval(ctx, action.ID, "creator-1")
	require.NoError(t, err)
	_, err = env.approval.Decide(ctx, &DecideRequest{ActionID: action.ID, DecidedBy: "safety-1", Approved: true})
	require.NoError(t, err)
	_, err = env.actions.StartWork(ctx, action.ID, "worker-1")
	require.NoError(t, err)

	_, err = env.actions.UpdateProgress(ctx, action.ID, "worker-1", "half done", 50)
	require.NoError(t, err)

	_, err = env.actions.UpdateProgress(ctx, action.ID, "worker-1", "oops", 30)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	_, err = env.actions.UpdateProgress(ctx, action.ID, "creator-1", "not mine", 60)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodePermission, apperrors.CodeOf(err))
}

func TestCancelFromNonTerminalOnly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	patrol := env.createPatrol(t, "creator-1")
	action := env.createAction(t, patrol.ID, "worker-1", "creator-1")

	got, err := env.actions.CancelAction(ctx, action.ID, "creator-1", "duplicate finding")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCancelled, got.Status)

	_, err = env.actions.CancelAction(ctx, action.ID, "creator-1", "again")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeState, apperrors.CodeOf(err))

	other := env.createAction(t, patrol.ID, "worker-1", "creator-1")
	_, err = env.actions.CancelAction(ctx, other.ID, "stranger", "not involved")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodePermission, apperrors.CodeOf(err))
}

func TestPatrolEditWindow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	patrol := env.createPatrol(t, "creator-1")

	update := &UpdatePatrolRequest{
		ID:         patrol.ID,
		Title:      "Unguarded edge on level 3, east side",
		Likelihood: 2,
		Severity:   2,
		UpdatedBy:  "creator-1",
	}

	got, err := env.patrols.UpdatePatrol(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskMedium, got.RiskLevel)

	// Someone else can never edit, even inside the window.
	update.UpdatedBy = "other-user"
	_, err = env.patrols.UpdatePatrol(ctx, update)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodePermission, apperrors.CodeOf(err))

	// The creator loses edit rights once the window has passed.
	env.patrols.now = func() time.Time { return time.Now().Add(61 * time.Minute) }
	update.UpdatedBy = "creator-1"
	_, err = env.patrols.UpdatePatrol(ctx, update)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodePermission, apperrors.CodeOf(err))
}

func TestVerifyRequiresPendingReview(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	patrol := env.createPatrol(t, "creator-1")
	action := env.createAction(t, patrol.ID, "worker-1", "creator-1")

	_, _, err := env.actions.VerifyAction(ctx, &VerifyActionRequest{
		ActionID:   action.ID,
		VerifiedBy: "creator-1",
		Outcome:    "approved",
		Notes:      "premature",
		Photos:     []PhotoRequest{{URL: "https://photos.test/x.jpg", TakenBy: "creator-1"}},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeState, apperrors.CodeOf(err))
}

func TestRuleAdministration(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	extreme := domain.RiskExtremelyHigh
	rule := &repository.ApprovalRule{
		RuleName:  "extreme risk executive sign-off",
		IsActive:  true,
		RiskLevel: &extreme,
		ApprovalSteps: []repository.ApprovalRuleStep{
			{Step: 1, Level: domain.LevelSafetyOfficer},
			{Step: 2, Level: domain.LevelExecutive, Final: true},
		},
	}

	// Non-admins cannot manage rules.
	err := env.approval.CreateRule(ctx, "sup-1", rule)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodePermission, apperrors.CodeOf(err))

	require.NoError(t, env.approval.CreateRule(ctx, "admin-1", rule))
	assert.NotEmpty(t, rule.ID)

	rules, err := env.approval.ListRules(ctx, "admin-1", true)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	got, err := env.approval.GetRule(ctx, "admin-1", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "extreme risk executive sign-off", got.RuleName)

	// Deactivating the rule drops it from the active listing.
	rule.IsActive = false
	require.NoError(t, env.approval.UpdateRule(ctx, "admin-1", rule))

	rules, err = env.approval.ListRules(ctx, "admin-1", true)
	require.NoError(t, err)
	assert.Empty(t, rules)

	require.NoError(t, env.approval.DeleteRule(ctx, "admin-1", rule.ID))
	_, err = env.approval.GetRule(ctx, "admin-1", rule.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestRuleValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	tests := []struct {
		name string
		rule *repository.ApprovalRule
	}{
		{
			name: "missing name",
			rule: &repository.ApprovalRule{
				IsActive:      true,
				ApprovalSteps: []repository.ApprovalRuleStep{{Step: 1, Level: domain.LevelManager, Final: true}},
			},
		},
		{
			name: "no steps",
			rule: &repository.ApprovalRule{RuleName: "empty", IsActive: true},
		},
		{
			name: "non-sequential steps",
			rule: &repository.ApprovalRule{
				RuleName: "gap",
				IsActive: true,
				ApprovalSteps: []repository.ApprovalRuleStep{
					{Step: 1, Level: domain.LevelSupervisor},
					{Step: 3, Level: domain.LevelManager, Final: true},
				},
			},
		},
		{
			name: "unknown level",
			rule: &repository.ApprovalRule{
				RuleName:      "bad level",
				IsActive:      true,
				ApprovalSteps: []repository.ApprovalRuleStep{{Step: 1, Level: "intern", Final: true}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.approval.CreateRule(ctx, "admin-1", tt.rule)
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
		})
	}
}

func TestVerifyRequiresPhotoForEitherOutcome(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	patrol := env.createPatrol(t, "creator-1")
	action := env.createAction(t, patrol.ID, "worker-1", "creator-1")

	_, err := env.approval.SubmitForApproval(ctx, action.ID, "creator-1")
	require.NoError(t, err)
	_, err = env.approval.Decide(ctx, &DecideRequest{ActionID: action.ID, DecidedBy: "safety-1", Approved: true})
	require.NoError(t, err)
	_, err = env.actions.StartWork(ctx, action.ID, "worker-1")
	require.NoError(t, err)
	_, err = env.actions.RequestReview(ctx, action.ID, "worker-1", true)
	require.NoError(t, err)

	for _, outcome := range []string{"approved", "rejected"} {
		_, _, err := env.actions.VerifyAction(ctx, &VerifyActionRequest{
			ActionID:   action.ID,
			VerifiedBy: "creator-1",
			Outcome:    outcome,
			Notes:      "looked at it",
		})
		require.Error(t, err, "outcome %s", outcome)
		assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
	}

	// Still awaiting review; the photo-less attempts changed nothing.
	got, err := env.actions.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPendingReview, got.Status)
}
