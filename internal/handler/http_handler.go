package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/qshe-platform/be-patrol-engine/internal/apperrors"
	"github.com/qshe-platform/be-patrol-engine/internal/domain"
	"github.com/qshe-platform/be-patrol-engine/internal/repository"
	"github.com/qshe-platform/be-patrol-engine/internal/service"
)

// HTTPHandler exposes the lifecycle engine over REST. The acting user is
// taken from the X-User-Id header set by the API gateway.
type HTTPHandler struct {
	patrols    *service.PatrolService
	actions    *service.ActionService
	approvals  *service.ApprovalService
	autoSubmit bool
	log        zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	patrols *service.PatrolService,
	actions *service.ActionService,
	approvals *service.ApprovalService,
	autoSubmit bool,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		patrols:    patrols,
		actions:    actions,
		approvals:  approvals,
		autoSubmit: autoSubmit,
		log:        log,
	}
}

// Routes mounts all endpoints under /api/v1.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/patrols", func(r chi.Router) {
			r.Post("/", h.createPatrol)
			r.Get("/", h.listPatrols)
			r.Get("/{id}", h.getPatrol)
			r.Put("/{id}", h.updatePatrol)
			r.Get("/{id}/actions", h.listPatrolActions)
			r.Get("/{id}/audit", h.patrolAuditTrail)
		})

		r.Route("/actions", func(r chi.Router) {
			r.Post("/", h.createAction)
			r.Get("/assigned", h.listAssignedActions)
			r.Get("/{id}", h.getAction)
			r.Post("/{id}/submit", h.submitAction)
			r.Post("/{id}/decision", h.decideAction)
			r.Post("/{id}/start", h.startWork)
			r.Post("/{id}/progress", h.updateProgress)
			r.Get("/{id}/progress", h.progressHistory)
			r.Post("/{id}/review", h.requestReview)
			r.Post("/{id}/verify", h.verifyAction)
			r.Post("/{id}/cancel", h.cancelAction)
			r.Post("/{id}/photos", h.attachPhotos)
			r.Post("/{id}/photos/upload-url", h.photoUploadURL)
			r.Get("/{id}/steps", h.actionSteps)
			r.Get("/{id}/permissions", h.actionPermissions)
			r.Get("/{id}/audit", h.actionAuditTrail)
		})

		r.Get("/approvals/pending", h.pendingApprovals)

		r.Route("/approval-rules", func(r chi.Router) {
			r.Post("/", h.createRule)
			r.Get("/", h.listRules)
			r.Get("/{id}", h.getRule)
			r.Put("/{id}", h.updateRule)
			r.Delete("/{id}", h.deleteRule)
		})
	})
}

// ── patrols ───────────────────────────────────────────────────────────────────

type patrolBody struct {
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Location        *string `json:"location"`
	PatrolType      string  `json:"patrol_type"`
	Likelihood      int     `json:"likelihood"`
	Severity        int     `json:"severity"`
	ImmediateHazard bool    `json:"immediate_hazard"`
	WorkStopped     bool    `json:"work_stopped"`
}

func (h *HTTPHandler) createPatrol(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body patrolBody
	if !h.decode(w, r, &body) {
		return
	}

	patrol, err := h.patrols.CreatePatrol(r.Context(), &service.CreatePatrolRequest{
		Title:           body.Title,
		Description:     body.Description,
		Location:        body.Location,
		PatrolType:      body.PatrolType,
		Likelihood:      body.Likelihood,
		Severity:        body.Severity,
		ImmediateHazard: body.ImmediateHazard,
		WorkStopped:     body.WorkStopped,
		CreatedBy:       actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, patrol)
}

func (h *HTTPHandler) getPatrol(w http.ResponseWriter, r *http.Request) {
	patrol, err := h.patrols.GetPatrol(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, patrol)
}

func (h *HTTPHandler) listPatrols(w http.ResponseWriter, r *http.Request) {
	var status *domain.PatrolStatus
	if s := r.URL.Query().Get("status"); s != "" {
		v := domain.PatrolStatus(s)
		status = &v
	}
	var riskLevel *domain.RiskLevel
	if s := r.URL.Query().Get("risk_level"); s != "" {
		v := domain.RiskLevel(s)
		riskLevel = &v
	}
	var createdBy *string
	if s := r.URL.Query().Get("created_by"); s != "" {
		createdBy = &s
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}

	patrols, total, err := h.patrols.ListPatrols(r.Context(), status, riskLevel, createdBy, page, pageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"patrols":  patrols,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

func (h *HTTPHandler) updatePatrol(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body patrolBody
	if !h.decode(w, r, &body) {
		return
	}

	patrol, err := h.patrols.UpdatePatrol(r.Context(), &service.UpdatePatrolRequest{
		ID:              chi.URLParam(r, "id"),
		Title:           body.Title,
		Description:     body.Description,
		Location:        body.Location,
		Likelihood:      body.Likelihood,
		Severity:        body.Severity,
		ImmediateHazard: body.ImmediateHazard,
		WorkStopped:     body.WorkStopped,
		UpdatedBy:       actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, patrol)
}

func (h *HTTPHandler) listPatrolActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.actions.ListPatrolActions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

func (h *HTTPHandler) patrolAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.patrols.GetAuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// ── corrective actions ────────────────────────────────────────────────────────

type photoBody struct {
	URL       string  `json:"url"`
	PhotoType string  `json:"photo_type"`
	Caption   *string `json:"caption"`
}

type createActionBody struct {
	PatrolID          string      `json:"patrol_id"`
	Description       string      `json:"description"`
	ActionType        string      `json:"action_type"`
	RootCauseAnalysis *string     `json:"root_cause_analysis"`
	AssignedTo        string      `json:"assigned_to"`
	DueDate           *time.Time  `json:"due_date"`
	Photos            []photoBody `json:"photos"`
}

func (h *HTTPHandler) photoRequests(bodies []photoBody, takenBy string) []service.PhotoRequest {
	photos := make([]service.PhotoRequest, 0, len(bodies))
	for _, p := range bodies {
		photos = append(photos, service.PhotoRequest{
			URL:       p.URL,
			PhotoType: p.PhotoType,
			Caption:   p.Caption,
			TakenBy:   takenBy,
		})
	}
	return photos
}

func (h *HTTPHandler) createAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body createActionBody
	if !h.decode(w, r, &body) {
		return
	}

	action, patrolStatus, err := h.actions.CreateAction(r.Context(), &service.CreateActionRequest{
		PatrolID:          body.PatrolID,
		Description:       body.Description,
		ActionType:        body.ActionType,
		RootCauseAnalysis: body.RootCauseAnalysis,
		AssignedTo:        body.AssignedTo,
		DueDate:           body.DueDate,
		Photos:            h.photoRequests(body.Photos, actor),
		CreatedBy:         actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if h.autoSubmit {
		if _, err := h.approvals.SubmitForApproval(r.Context(), action.ID, actor); err != nil {
			h.writeError(w, r, err)
			return
		}
		action.Status = domain.ActionSubmitted
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"action":        action,
		"patrol_status": patrolStatus,
	})
}

func (h *HTTPHandler) getAction(w http.ResponseWriter, r *http.Request) {
	action, err := h.actions.GetAction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, action)
}

func (h *HTTPHandler) listAssignedActions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	actions, err := h.actions.ListAssignedActions(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

func (h *HTTPHandler) submitAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	steps, err := h.approvals.SubmitForApproval(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

func (h *HTTPHandler) decideAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body struct {
		Level    string  `json:"level"`
		Approved bool    `json:"approved"`
		Notes    *string `json:"notes"`
		Reason   string  `json:"reason"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	complete, err := h.approvals.Decide(r.Context(), &service.DecideRequest{
		ActionID:  chi.URLParam(r, "id"),
		DecidedBy: actor,
		Level:     domain.ApprovalLevel(body.Level),
		Approved:  body.Approved,
		Notes:     body.Notes,
		Reason:    body.Reason,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"complete": complete})
}

func (h *HTTPHandler) startWork(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	action, err := h.actions.StartWork(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, action)
}

func (h *HTTPHandler) updateProgress(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body struct {
		UpdateText         string `json:"update_text"`
		ProgressPercentage int    `json:"progress_percentage"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	action, err := h.actions.UpdateProgress(r.Context(), chi.URLParam(r, "id"), actor, body.UpdateText, body.ProgressPercentage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, action)
}

func (h *HTTPHandler) progressHistory(w http.ResponseWriter, r *http.Request) {
	updates, err := h.actions.GetProgressUpdates(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"updates": updates})
}

func (h *HTTPHandler) requestReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body struct {
		Explicit bool `json:"explicit"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	action, err := h.actions.RequestReview(r.Context(), chi.URLParam(r, "id"), actor, body.Explicit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, action)
}

func (h *HTTPHandler) verifyAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body struct {
		Outcome string      `json:"outcome"`
		Notes   string      `json:"notes"`
		Photos  []photoBody `json:"photos"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	action, patrolStatus, err := h.actions.VerifyAction(r.Context(), &service.VerifyActionRequest{
		ActionID:   chi.URLParam(r, "id"),
		VerifiedBy: actor,
		Outcome:    body.Outcome,
		Notes:      body.Notes,
		Photos:     h.photoRequests(body.Photos, actor),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"action":        action,
		"patrol_status": patrolStatus,
	})
}

func (h *HTTPHandler) cancelAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	action, err := h.actions.CancelAction(r.Context(), chi.URLParam(r, "id"), actor, body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, action)
}

func (h *HTTPHandler) attachPhotos(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body struct {
		Photos []photoBody `json:"photos"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	photos, err := h.actions.AttachPhotos(r.Context(), chi.URLParam(r, "id"), actor, h.photoRequests(body.Photos, actor))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"photos": photos})
}

func (h *HTTPHandler) photoUploadURL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filename string `json:"filename"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	key, url, err := h.actions.PreparePhotoUpload(r.Context(), chi.URLParam(r, "id"), body.Filename)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"key": key, "url": url})
}

func (h *HTTPHandler) actionSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.approvals.GetSteps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

func (h *HTTPHandler) actionPermissions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	perms, err := h.actions.GetPermissions(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, perms)
}

func (h *HTTPHandler) actionAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.actions.GetAuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *HTTPHandler) pendingApprovals(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	steps, err := h.approvals.ListPendingApprovals(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// ── approval rules ────────────────────────────────────────────────────────────

type ruleBody struct {
	RuleName      string                        `json:"rule_name"`
	IsActive      bool                          `json:"is_active"`
	RiskLevel     *domain.RiskLevel             `json:"risk_level"`
	ActionType    *domain.ActionType            `json:"action_type"`
	ApprovalSteps []repository.ApprovalRuleStep `json:"approval_steps"`
	Priority      int                           `json:"priority"`
}

func (b *ruleBody) toRule(id string) *repository.ApprovalRule {
	return &repository.ApprovalRule{
		ID:            id,
		RuleName:      b.RuleName,
		IsActive:      b.IsActive,
		RiskLevel:     b.RiskLevel,
		ActionType:    b.ActionType,
		ApprovalSteps: b.ApprovalSteps,
		Priority:      b.Priority,
	}
}

func (h *HTTPHandler) createRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body ruleBody
	if !h.decode(w, r, &body) {
		return
	}

	rule := body.toRule("")
	if err := h.approvals.CreateRule(r.Context(), actor, rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rule)
}

func (h *HTTPHandler) listRules(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"

	rules, err := h.approvals.ListRules(r.Context(), actor, activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

func (h *HTTPHandler) getRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	rule, err := h.approvals.GetRule(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

func (h *HTTPHandler) updateRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body ruleBody
	if !h.decode(w, r, &body) {
		return
	}

	rule := body.toRule(chi.URLParam(r, "id"))
	if err := h.approvals.UpdateRule(r.Context(), actor, rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

func (h *HTTPHandler) deleteRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.approvals.DeleteRule(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── plumbing ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := r.Header.Get("X-User-Id")
	if actor == "" {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing X-User-Id header"})
		return "", false
	}
	return actor, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response body")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	h.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(apperrors.CodeOf(err)),
	})
}
