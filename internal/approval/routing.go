package approval

import (
	"context"
	"sort"
	"time"

	"creditcore.io/internal/apperr"
	"creditcore.io/internal/model"
	"creditcore.io/internal/store"
)

type route struct {
	rule  *model.ApprovalRule
	level model.Level
}

func (rt route) ruleID() string {
	if rt.rule == nil {
		return ""
	}
	return rt.rule.ID
}

// route picks the active rule of minimum priority whose range admits amount.
// Without a match the request goes to admins with no escalation.
func (e *Engine) route(ctx context.Context, tx store.Tx, companyID string, amount int64) (route, error) {
	rules, err := tx.Rules().List(ctx, companyID, true)
	if err != nil {
		return route{}, err
	}
	for i := range rules {
		if rules[i].Matches(amount) {
			return route{rule: &rules[i], level: rules[i].ApproverRole}, nil
		}
	}
	if !e.defaultRoute {
		return route{}, apperr.New(apperr.KindRuleMisconfigured,
			"no active rule of company %s covers %d credits", companyID, amount)
	}
	return route{level: model.LevelAdmin}, nil
}

// pickApprover selects the approver of r at level. Admins stand in for
// approvers; admin-level requests fall back to company-wide admins when the
// team has none. Ties break on the shortest pending queue, then user id.
func (e *Engine) pickApprover(ctx context.Context, tx store.Tx, r model.Request, level model.Level, at time.Time) (string, error) {
	levels := []model.Level{level}
	if level == model.LevelApprover {
		levels = append(levels, model.LevelAdmin)
	}
	candidates, err := tx.Assignments().ListActive(ctx, r.CompanyID, r.TeamID, levels)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 && level == model.LevelAdmin && r.TeamID != "" {
		candidates, err = tx.Assignments().ListActive(ctx, r.CompanyID, "", []model.Level{model.LevelAdmin})
		if err != nil {
			return "", err
		}
	}

	type scored struct {
		user  string
		queue int
	}
	seen := make(map[string]bool)
	var pool []scored
	for _, a := range candidates {
		if !a.CoversAmount(r.EstimatedCredits) {
			continue
		}
		user := a.EffectiveUser(at)
		if user == r.RequesterID || seen[user] {
			continue
		}
		seen[user] = true
		n, err := tx.Requests().CountPendingFor(ctx, user)
		if err != nil {
			return "", err
		}
		pool = append(pool, scored{user: user, queue: n})
	}
	if len(pool) == 0 {
		return "", nil
	}
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].queue != pool[j].queue {
			return pool[i].queue < pool[j].queue
		}
		return pool[i].user < pool[j].user
	})
	return pool[0].user, nil
}

// CanApprove reports whether user with role may decide r.
func CanApprove(r model.Request, userID string, role model.Role) bool {
	return checkApprove(r, Actor{UserID: userID, CompanyID: r.CompanyID, Role: role}) == nil
}

// checkDecided lets only the user who decided r replay that decision.
func checkDecided(r model.Request, a Actor) error {
	if a.IsSystem() || a.UserID != r.DecidedBy {
		return apperr.New(apperr.KindUnauthorized, "request %s was decided by another user", r.ID)
	}
	return nil
}

func checkSubmit(r model.Request, a Actor) error {
	if a.UserID != r.RequesterID {
		return apperr.New(apperr.KindUnauthorized, "only the requester may submit request %s", r.ID)
	}
	return nil
}

func checkCancel(r model.Request, a Actor) error {
	if a.UserID != r.RequesterID && !a.IsAdmin() {
		return apperr.New(apperr.KindUnauthorized, "only the requester or an admin may cancel request %s", r.ID)
	}
	return nil
}

func checkFulfil(r model.Request, a Actor) error {
	if !a.IsSystem() && a.UserID != r.RequesterID && !a.IsAdmin() {
		return apperr.New(apperr.KindUnauthorized, "only the requester or an admin may fulfil request %s", r.ID)
	}
	return nil
}

func checkApprove(r model.Request, a Actor) error {
	if r.Status != model.StatusPending {
		return illegal(r, "decide")
	}
	if a.IsSystem() {
		return apperr.New(apperr.KindUnauthorized, "a decision needs an acting user")
	}
	if a.UserID == r.RequesterID {
		return apperr.New(apperr.KindUnauthorized, "requesters cannot decide their own request")
	}
	switch a.Role {
	case model.RoleAdmin:
		return nil
	case model.RoleApprover:
		if a.UserID == r.CurrentApprover {
			return nil
		}
		return apperr.New(apperr.KindUnauthorized, "request %s is assigned to another approver", r.ID)
	}
	return apperr.New(apperr.KindUnauthorized, "role %q cannot decide requests", a.Role)
}
