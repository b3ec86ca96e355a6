package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"creditcore.io/internal/approval"
	"creditcore.io/internal/model"
)

type createRequestBody struct {
	TeamID           string         `json:"team_id"`
	Type             string         `json:"type"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Context          map[string]any `json:"context"`
	EstimatedCredits int64          `json:"estimated_credits"`
	IdempotencyKey   string         `json:"idempotency_key"`
}

type decisionBody struct {
	Note           string `json:"note"`
	Reason         string `json:"reason"`
	Code           string `json:"code"`
	IdempotencyKey string `json:"idempotency_key"`
}

type fulfilBody struct {
	ActualCredits  int64  `json:"actual_credits"`
	IdempotencyKey string `json:"idempotency_key"`
}

type commentBody struct {
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotency_key"`
}

type reassignBody struct {
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason"`
}

func (a *API) createRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	key, err := idempotencyKey(r, body.IdempotencyKey)
	if err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	act := actor(r)
	req, err := a.svc.Approval.Create(r.Context(), approval.CreateInput{
		CompanyID:        act.CompanyID,
		TeamID:           body.TeamID,
		RequesterID:      act.UserID,
		Type:             model.RequestType(body.Type),
		Title:            body.Title,
		Description:      body.Description,
		Context:          body.Context,
		EstimatedCredits: body.EstimatedCredits,
		IdempotencyKey:   key,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if key != "" {
		w.Header().Set("Idempotency-Key", key)
	}
	a.audit(r.Context(), "request.create", map[string]any{"request": req.ID, "estimated_credits": req.EstimatedCredits})
	w.Header().Set("Location", "/v1/requests/"+req.ID)
	writeJSON(w, http.StatusCreated, req)
}

func (a *API) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.svc.Approval.GetRequest(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) listRequests(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	q := r.URL.Query()
	f := model.RequestFilter{
		TeamID:          q.Get("team_id"),
		RequesterID:     q.Get("requester_id"),
		CurrentApprover: q.Get("approver"),
		ApprovalLevel:   model.Level(q.Get("level")),
		Limit:           limit,
		Offset:          offset,
	}
	for _, s := range csv(q.Get("status")) {
		f.Statuses = append(f.Statuses, model.Status(s))
	}
	items, err := a.svc.Approval.ListRequests(r.Context(), actor(r), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[model.Request]{Items: nonNil(items), Limit: limit, Offset: offset})
}

func (a *API) approvalQueue(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	items, err := a.svc.Approval.ApprovalQueue(r.Context(), actor(r), limit, offset)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[model.Request]{Items: nonNil(items), Limit: limit, Offset: offset})
}

func (a *API) requestEvents(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.Approval.Events(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[model.ApprovalEvent]{Items: nonNil(items), Limit: len(items)})
}

// transition decodes an optional decision body, resolves the idempotency
// key and runs op against the request named in the path.
func (a *API) transition(w http.ResponseWriter, r *http.Request, event string,
	op func(id string, act approval.Actor, body decisionBody, key string) (model.Request, error)) {
	var body decisionBody
	if err := decodeOptionalJSON(w, r, &body); err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	key, err := idempotencyKey(r, body.IdempotencyKey)
	if err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	req, err := op(chi.URLParam(r, "id"), actor(r), body, key)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), event, map[string]any{"request": req.ID, "status": string(req.Status)})
	writeJSON(w, http.StatusOK, req)
}

func (a *API) submitRequest(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, "request.submit", func(id string, act approval.Actor, _ decisionBody, key string) (model.Request, error) {
		return a.svc.Approval.Submit(r.Context(), id, act, key)
	})
}

func (a *API) approveRequest(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, "request.approve", func(id string, act approval.Actor, body decisionBody, key string) (model.Request, error) {
		return a.svc.Approval.Approve(r.Context(), id, act, body.Note, key)
	})
}

func (a *API) denyRequest(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, "request.deny", func(id string, act approval.Actor, body decisionBody, key string) (model.Request, error) {
		return a.svc.Approval.Deny(r.Context(), id, act, body.Reason, body.Code, key)
	})
}

func (a *API) cancelRequest(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, "request.cancel", func(id string, act approval.Actor, body decisionBody, key string) (model.Request, error) {
		return a.svc.Approval.Cancel(r.Context(), id, act, body.Reason, key)
	})
}

func (a *API) fulfilRequest(w http.ResponseWriter, r *http.Request) {
	var body fulfilBody
	if err := decodeJSON(w, r, &body); err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	key, err := idempotencyKey(r, body.IdempotencyKey)
	if err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	req, err := a.svc.Approval.Fulfil(r.Context(), chi.URLParam(r, "id"), actor(r), body.ActualCredits, key)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "request.fulfil", map[string]any{"request": req.ID, "actual_credits": body.ActualCredits})
	writeJSON(w, http.StatusOK, req)
}

func (a *API) commentRequest(w http.ResponseWriter, r *http.Request) {
	var body commentBody
	if err := decodeJSON(w, r, &body); err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	key, err := idempotencyKey(r, body.IdempotencyKey)
	if err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	ev, err := a.svc.Approval.Comment(r.Context(), chi.URLParam(r, "id"), actor(r), body.Body, key)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (a *API) reassignRequest(w http.ResponseWriter, r *http.Request) {
	var body reassignBody
	if err := decodeJSON(w, r, &body); err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	req, err := a.svc.Approval.Reassign(r.Context(), chi.URLParam(r, "id"), actor(r), body.ApproverID, body.Reason)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "request.reassign", map[string]any{"request": req.ID, "approver": req.CurrentApprover})
	writeJSON(w, http.StatusOK, req)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
