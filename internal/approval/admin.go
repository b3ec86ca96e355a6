package approval

import (
	"context"
	"errors"

	"creditcore.io/internal/apperr"
	"creditcore.io/internal/ids"
	"creditcore.io/internal/model"
	"creditcore.io/internal/store"
)

func requireAdmin(actor Actor, companyID string) error {
	if !actor.IsSystem() && !actor.IsAdmin() {
		return apperr.New(apperr.KindUnauthorized, "only admins may manage approval routing")
	}
	if actor.CompanyID != "" && actor.CompanyID != companyID {
		return apperr.New(apperr.KindUnauthorized, "company %s is not managed by this actor", companyID)
	}
	return nil
}

// CreateRule stores a new routing rule.
func (e *Engine) CreateRule(ctx context.Context, actor Actor, rule model.ApprovalRule) (model.ApprovalRule, error) {
	if err := requireAdmin(actor, rule.CompanyID); err != nil {
		return model.ApprovalRule{}, err
	}
	if err := rule.Validate(); err != nil {
		return model.ApprovalRule{}, err
	}
	now := e.ledger.Now()
	rule.ID = ids.NewAt(now)
	rule.Active = true
	rule.CreatedAt, rule.UpdatedAt = now, now
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Rules().Insert(ctx, &rule)
	})
	if err != nil {
		return model.ApprovalRule{}, err
	}
	e.log.Info().Str("rule_id", rule.ID).Str("company_id", rule.CompanyID).
		Str("actor", actor.UserID).Msg("approval rule created")
	return rule, nil
}

// UpdateRule replaces the mutable fields of a rule. Pending requests keep
// the rule id they were routed with.
func (e *Engine) UpdateRule(ctx context.Context, actor Actor, rule model.ApprovalRule) (model.ApprovalRule, error) {
	var out model.ApprovalRule
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.Rules().Get(ctx, rule.ID)
		if err != nil {
			return ruleErr(err, rule.ID)
		}
		if err := requireAdmin(actor, cur.CompanyID); err != nil {
			return err
		}
		rule.CompanyID = cur.CompanyID
		rule.CreatedAt = cur.CreatedAt
		rule.UpdatedAt = e.ledger.Now()
		if err := rule.Validate(); err != nil {
			return err
		}
		if err := tx.Rules().Update(ctx, &rule); err != nil {
			return ruleErr(err, rule.ID)
		}
		out = rule
		return nil
	})
	if err != nil {
		return model.ApprovalRule{}, err
	}
	e.log.Info().Str("rule_id", out.ID).Str("actor", actor.UserID).Bool("active", out.Active).Msg("approval rule updated")
	return out, nil
}

// DeactivateRule removes a rule from routing.
func (e *Engine) DeactivateRule(ctx context.Context, actor Actor, id string) (model.ApprovalRule, error) {
	var out model.ApprovalRule
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.Rules().Get(ctx, id)
		if err != nil {
			return ruleErr(err, id)
		}
		if err := requireAdmin(actor, cur.CompanyID); err != nil {
			return err
		}
		cur.Active = false
		cur.UpdatedAt = e.ledger.Now()
		if err := tx.Rules().Update(ctx, &cur); err != nil {
			return ruleErr(err, id)
		}
		out = cur
		return nil
	})
	if err != nil {
		return model.ApprovalRule{}, err
	}
	e.log.Info().Str("rule_id", id).Str("actor", actor.UserID).Msg("approval rule deactivated")
	return out, nil
}

// ListRules returns the rules of a company in routing order.
func (e *Engine) ListRules(ctx context.Context, actor Actor, companyID string, activeOnly bool) ([]model.ApprovalRule, error) {
	if actor.CompanyID != "" {
		companyID = actor.CompanyID
	}
	var out []model.ApprovalRule
	err := e.store.ReadTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Rules().List(ctx, companyID, activeOnly)
		return err
	})
	return out, err
}

// UpsertAssignment creates or replaces the assignment of a user on a team.
func (e *Engine) UpsertAssignment(ctx context.Context, actor Actor, a model.ApproverAssignment) (model.ApproverAssignment, error) {
	if err := requireAdmin(actor, a.CompanyID); err != nil {
		return model.ApproverAssignment{}, err
	}
	if err := a.Validate(); err != nil {
		return model.ApproverAssignment{}, err
	}
	now := e.ledger.Now()
	a.ID = ids.NewAt(now)
	a.Active = true
	a.CreatedAt, a.UpdatedAt = now, now
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Assignments().Upsert(ctx, &a)
	})
	if err != nil {
		return model.ApproverAssignment{}, err
	}
	e.log.Info().Str("assignment_id", a.ID).Str("team_id", a.TeamID).Str("user_id", a.UserID).
		Str("level", string(a.Level)).Str("actor", actor.UserID).Msg("approver assigned")
	return a, nil
}

// DeactivateAssignment stops routing to an assignment.
func (e *Engine) DeactivateAssignment(ctx context.Context, actor Actor, id string) error {
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.Assignments().Get(ctx, id)
		if err != nil {
			return assignmentErr(err, id)
		}
		if err := requireAdmin(actor, cur.CompanyID); err != nil {
			return err
		}
		return assignmentErr(tx.Assignments().SetActive(ctx, id, false, e.ledger.Now()), id)
	})
	if err != nil {
		return err
	}
	e.log.Info().Str("assignment_id", id).Str("actor", actor.UserID).Msg("approver unassigned")
	return nil
}

// ListAssignments lists the assignments of a company, optionally of one team.
func (e *Engine) ListAssignments(ctx context.Context, actor Actor, companyID, teamID string) ([]model.ApproverAssignment, error) {
	if actor.CompanyID != "" {
		companyID = actor.CompanyID
	}
	var out []model.ApproverAssignment
	err := e.store.ReadTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Assignments().List(ctx, companyID, teamID)
		return err
	})
	return out, err
}

func ruleErr(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindUnknownRule, "rule %s not found", id)
	}
	return err
}

func assignmentErr(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindUnknownAssignment, "assignment %s not found", id)
	}
	return err
}
