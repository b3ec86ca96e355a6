package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"creditcore.io/internal/model"
)

type ruleBody struct {
	Name            string  `json:"name"`
	MinCredits      int64   `json:"min_credits"`
	MaxCredits      *int64  `json:"max_credits"`
	ApproverRole    string  `json:"approver_role"`
	EscalationHours *int    `json:"escalation_hours"`
	EscalateTo      *string `json:"escalate_to"`
	Priority        int     `json:"priority"`
	Active          *bool   `json:"active"`
}

func (b ruleBody) rule(companyID string) model.ApprovalRule {
	r := model.ApprovalRule{
		CompanyID:       companyID,
		Name:            b.Name,
		MinCredits:      b.MinCredits,
		MaxCredits:      b.MaxCredits,
		ApproverRole:    model.Level(b.ApproverRole),
		EscalationHours: b.EscalationHours,
		Priority:        b.Priority,
		Active:          b.Active == nil || *b.Active,
	}
	if b.EscalateTo != nil {
		l := model.Level(*b.EscalateTo)
		r.EscalateTo = &l
	}
	return r
}

type assignmentBody struct {
	TeamID          string     `json:"team_id"`
	UserID          string     `json:"user_id"`
	Level           string     `json:"level"`
	ApprovalCeiling *int64     `json:"approval_ceiling"`
	DelegateTo      *string    `json:"delegate_to"`
	DelegateStart   *time.Time `json:"delegate_start"`
	DelegateEnd     *time.Time `json:"delegate_end"`
}

func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := true
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(w, r, "active must be a boolean")
			return
		}
		activeOnly = v
	}
	act := actor(r)
	items, err := a.svc.Approval.ListRules(r.Context(), act, act.CompanyID, activeOnly)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[model.ApprovalRule]{Items: nonNil(items), Limit: len(items)})
}

func (a *API) createRule(w http.ResponseWriter, r *http.Request) {
	var body ruleBody
	if err := decodeJSON(w, r, &body); err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	act := actor(r)
	rule, err := a.svc.Approval.CreateRule(r.Context(), act, body.rule(act.CompanyID))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "rule.create", map[string]any{"rule": rule.ID, "approver_role": string(rule.ApproverRole)})
	w.Header().Set("Location", "/v1/rules/"+rule.ID)
	writeJSON(w, http.StatusCreated, rule)
}

func (a *API) updateRule(w http.ResponseWriter, r *http.Request) {
	var body ruleBody
	if err := decodeJSON(w, r, &body); err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	act := actor(r)
	in := body.rule(act.CompanyID)
	in.ID = chi.URLParam(r, "id")
	rule, err := a.svc.Approval.UpdateRule(r.Context(), act, in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "rule.update", map[string]any{"rule": rule.ID, "active": rule.Active})
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) deactivateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.svc.Approval.DeactivateRule(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "rule.deactivate", map[string]any{"rule": rule.ID})
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) listAssignments(w http.ResponseWriter, r *http.Request) {
	act := actor(r)
	items, err := a.svc.Approval.ListAssignments(r.Context(), act, act.CompanyID, r.URL.Query().Get("team_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[model.ApproverAssignment]{Items: nonNil(items), Limit: len(items)})
}

func (a *API) upsertAssignment(w http.ResponseWriter, r *http.Request) {
	var body assignmentBody
	if err := decodeJSON(w, r, &body); err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	act := actor(r)
	asg, err := a.svc.Approval.UpsertAssignment(r.Context(), act, model.ApproverAssignment{
		CompanyID:       act.CompanyID,
		TeamID:          body.TeamID,
		UserID:          body.UserID,
		Level:           model.Level(body.Level),
		ApprovalCeiling: body.ApprovalCeiling,
		DelegateTo:      body.DelegateTo,
		DelegateStart:   body.DelegateStart,
		DelegateEnd:     body.DelegateEnd,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "assignment.upsert", map[string]any{"assignment": asg.ID, "user": asg.UserID, "level": string(asg.Level)})
	writeJSON(w, http.StatusOK, asg)
}

func (a *API) deactivateAssignment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.svc.Approval.DeactivateAssignment(r.Context(), actor(r), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "assignment.deactivate", map[string]any{"assignment": id})
	w.WriteHeader(http.StatusNoContent)
}
