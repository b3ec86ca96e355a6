package approval

import (
	"context"
	"errors"
	"time"

	"creditcore.io/internal/apperr"
	"creditcore.io/internal/model"
	"creditcore.io/internal/store"
)

// Escalate reassigns a pending request to the escalation level of its rule
// and extends its deadline by the rule's interval.
func (e *Engine) Escalate(ctx context.Context, id string) (model.Request, error) {
	return e.run(ctx, "escalate", func(ctx context.Context, tx store.Tx, o *op) error {
		r, err := lockVisible(ctx, tx, id, System())
		if err != nil {
			return err
		}
		if r.Status != model.StatusPending {
			return illegal(r, "escalate")
		}
		rule, err := e.escalationRule(ctx, tx, r)
		if err != nil {
			return err
		}
		if rule == nil {
			return apperr.New(apperr.KindIllegalTransition, "request %s has no escalation target", r.ID)
		}
		if r.EscalationCount >= e.maxEscalations {
			return apperr.New(apperr.KindIllegalTransition,
				"request %s already escalated %d times", r.ID, r.EscalationCount)
		}
		return e.escalate(ctx, tx, o, r, *rule)
	})
}

// EscalateDue escalates id if it is pending, past its deadline and still
// eligible. It reports whether a transition happened; re-running it is a
// no-op because the deadline moves forward.
func (e *Engine) EscalateDue(ctx context.Context, id string, now time.Time) (bool, error) {
	var changed bool
	_, err := e.run(ctx, "escalate", func(ctx context.Context, tx store.Tx, o *op) error {
		changed = false
		r, err := tx.Requests().Lock(ctx, id)
		if err != nil {
			return requestErr(err, id)
		}
		if !due(r, now) {
			o.req = r
			return nil
		}
		rule, err := e.escalationRule(ctx, tx, r)
		if err != nil {
			return err
		}
		if rule == nil || r.EscalationCount >= e.maxEscalations {
			o.req = r
			return nil
		}
		changed = true
		return e.escalate(ctx, tx, o, r, *rule)
	})
	return changed, err
}

func (e *Engine) escalate(ctx context.Context, tx store.Tx, o *op, r model.Request, rule model.ApprovalRule) error {
	now := e.ledger.Now()
	level := *rule.EscalateTo
	prev := r.CurrentApprover
	approver, err := e.pickApprover(ctx, tx, r, level, now)
	if err != nil {
		return err
	}
	base := now
	if r.ExpiresAt != nil && r.ExpiresAt.After(now) {
		base = *r.ExpiresAt
	}
	expires := base.Add(rule.EscalationInterval())

	r.EscalationCount++
	r.ApprovalLevel = level
	r.CurrentApprover = approver
	r.ExpiresAt = &expires
	r.UpdatedAt = now
	ev := newEvent(r, model.EventEscalated, System(), model.StatusPending, now)
	ev.Metadata = map[string]any{
		"from_approver":    prev,
		"to_approver":      approver,
		"level":            string(level),
		"escalation_count": r.EscalationCount,
		"expires_at":       expires,
	}
	return e.commit(ctx, tx, o, r, model.StatusPending, ev)
}

// Expire closes a pending request that ran out of time and returns its
// reserved credits.
func (e *Engine) Expire(ctx context.Context, id string) (model.Request, error) {
	return e.run(ctx, "expire", func(ctx context.Context, tx store.Tx, o *op) error {
		r, err := lockVisible(ctx, tx, id, System())
		if err != nil {
			return err
		}
		if r.Status != model.StatusPending {
			return illegal(r, "expire")
		}
		return e.expire(ctx, tx, o, r)
	})
}

// ExpireDue expires id if it is pending, past its deadline and no longer
// eligible for escalation.
func (e *Engine) ExpireDue(ctx context.Context, id string, now time.Time) (bool, error) {
	var changed bool
	_, err := e.run(ctx, "expire", func(ctx context.Context, tx store.Tx, o *op) error {
		changed = false
		r, err := tx.Requests().Lock(ctx, id)
		if err != nil {
			return requestErr(err, id)
		}
		if !due(r, now) {
			o.req = r
			return nil
		}
		rule, err := e.escalationRule(ctx, tx, r)
		if err != nil {
			return err
		}
		if rule != nil && r.EscalationCount < e.maxEscalations {
			o.req = r
			return nil
		}
		changed = true
		return e.expire(ctx, tx, o, r)
	})
	return changed, err
}

func (e *Engine) expire(ctx context.Context, tx store.Tx, o *op, r model.Request) error {
	if err := e.releaseHold(ctx, tx, o, r.ID, model.HoldExpired); err != nil {
		return err
	}
	now := e.ledger.Now()
	r.Status = model.StatusExpired
	r.UpdatedAt = now
	ev := newEvent(r, model.EventExpired, System(), model.StatusPending, now)
	return e.commit(ctx, tx, o, r, model.StatusPending, ev)
}

// DuePending pages pending requests whose deadline passed, oldest first.
func (e *Engine) DuePending(ctx context.Context, now time.Time, after *model.DueCursor, limit int) ([]model.Request, error) {
	var out []model.Request
	err := e.store.ReadTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Requests().DuePending(ctx, now, after, limit)
		return err
	})
	return out, err
}

// escalationRule returns the rule of r when it carries an escalation target.
// A deleted or deactivated rule still governs the requests routed by it.
func (e *Engine) escalationRule(ctx context.Context, tx store.Tx, r model.Request) (*model.ApprovalRule, error) {
	if r.RuleID == "" {
		return nil, nil
	}
	rule, err := tx.Rules().Get(ctx, r.RuleID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !rule.Escalates() {
		return nil, nil
	}
	return &rule, nil
}

func due(r model.Request, now time.Time) bool {
	return r.Status == model.StatusPending && r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}
