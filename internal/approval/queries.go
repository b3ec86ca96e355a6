package approval

import (
	"context"

	"creditcore.io/internal/apperr"
	"creditcore.io/internal/model"
	"creditcore.io/internal/store"
)

// GetRequest returns one request visible to actor.
func (e *Engine) GetRequest(ctx context.Context, id string, actor Actor) (model.Request, error) {
	var r model.Request
	err := e.store.ReadTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		r, err = getVisible(ctx, tx, id, actor)
		return err
	})
	return r, err
}

// ListRequests lists the requests of a company. Members only see their own.
func (e *Engine) ListRequests(ctx context.Context, actor Actor, f model.RequestFilter) ([]model.Request, error) {
	if actor.CompanyID != "" {
		f.CompanyID = actor.CompanyID
	}
	if f.CompanyID == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "company_id is required")
	}
	if actor.Role == model.RoleMember {
		f.RequesterID = actor.UserID
	}
	for _, s := range f.Statuses {
		if !s.Valid() {
			return nil, apperr.New(apperr.KindInvalidInput, "unknown status %q", s)
		}
	}
	f.Limit = clampLimit(f.Limit)
	if f.Offset < 0 {
		f.Offset = 0
	}
	var out []model.Request
	err := e.store.ReadTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Requests().List(ctx, f)
		return err
	})
	return out, err
}

// ApprovalQueue lists the pending requests actor can decide: those assigned
// to an approver, or every pending request of the company for an admin.
func (e *Engine) ApprovalQueue(ctx context.Context, actor Actor, limit, offset int) ([]model.Request, error) {
	f := model.RequestFilter{
		CompanyID: actor.CompanyID,
		Statuses:  []model.Status{model.StatusPending},
		Limit:     clampLimit(limit),
		Offset:    max(offset, 0),
	}
	switch actor.Role {
	case model.RoleAdmin:
	case model.RoleApprover:
		f.CurrentApprover = actor.UserID
	default:
		return nil, nil
	}
	var out []model.Request
	err := e.store.ReadTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Requests().List(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	// Own requests are never decidable.
	queue := out[:0]
	for _, r := range out {
		if r.RequesterID != actor.UserID {
			queue = append(queue, r)
		}
	}
	return queue, nil
}

// Events returns the audit trail of a request in commit order.
func (e *Engine) Events(ctx context.Context, id string, actor Actor) ([]model.ApprovalEvent, error) {
	var out []model.ApprovalEvent
	err := e.store.ReadTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := getVisible(ctx, tx, id, actor); err != nil {
			return err
		}
		var err error
		out, err = tx.Events().List(ctx, id)
		return err
	})
	return out, err
}

func getVisible(ctx context.Context, tx store.Tx, id string, actor Actor) (model.Request, error) {
	r, err := tx.Requests().Get(ctx, id)
	if err != nil {
		return model.Request{}, requestErr(err, id)
	}
	if actor.CompanyID != "" && actor.CompanyID != r.CompanyID {
		return model.Request{}, apperr.New(apperr.KindUnknownRequest, "request %s not found", id)
	}
	return r, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}
