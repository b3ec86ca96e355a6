package pg

import (
	"context"
	"database/sql"
	"time"

	"creditcore.io/internal/model"
	"creditcore.io/internal/store"
)

// --- approval rules ---

const ruleCols = `id, company_id, name, min_credits, max_credits, approver_role, escalation_hours, escalate_to, priority, active, created_at, updated_at`

type rules struct{ q querier }

func scanRule(row scanner) (model.ApprovalRule, error) {
	var (
		r          model.ApprovalRule
		maxCredits sql.NullInt64
		hours      sql.NullInt32
		to         sql.NullString
	)
	if err := row.Scan(&r.ID, &r.CompanyID, &r.Name, &r.MinCredits, &maxCredits, &r.ApproverRole, &hours, &to, &r.Priority, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return model.ApprovalRule{}, mapErr(err)
	}
	r.MaxCredits = int64Ptr(maxCredits)
	if hours.Valid {
		h := int(hours.Int32)
		r.EscalationHours = &h
	}
	if to.Valid {
		l := model.Level(to.String)
		r.EscalateTo = &l
	}
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	return r, nil
}

func ruleArgs(r *model.ApprovalRule) (hours sql.NullInt32, to sql.NullString) {
	if r.EscalationHours != nil {
		hours = sql.NullInt32{Int32: int32(*r.EscalationHours), Valid: true}
	}
	if r.EscalateTo != nil {
		to = nullIfEmpty(string(*r.EscalateTo))
	}
	return hours, to
}

func (s rules) Insert(ctx context.Context, r *model.ApprovalRule) error {
	hours, to := ruleArgs(r)
	_, err := s.q.ExecContext(ctx, `
		insert into approval_rules(`+ruleCols+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, r.ID, r.CompanyID, r.Name, r.MinCredits, nullInt64(r.MaxCredits), string(r.ApproverRole),
		hours, to, r.Priority, r.Active, r.CreatedAt, r.UpdatedAt)
	return mapErr(err)
}

func (s rules) Get(ctx context.Context, id string) (model.ApprovalRule, error) {
	return scanRule(s.q.QueryRowContext(ctx, `select `+ruleCols+` from approval_rules where id=$1`, id))
}

func (s rules) Update(ctx context.Context, r *model.ApprovalRule) error {
	hours, to := ruleArgs(r)
	res, err := s.q.ExecContext(ctx, `
		update approval_rules set
			name=$2, min_credits=$3, max_credits=$4, approver_role=$5,
			escalation_hours=$6, escalate_to=$7, priority=$8, active=$9, updated_at=$10
		where id=$1
	`, r.ID, r.Name, r.MinCredits, nullInt64(r.MaxCredits), string(r.ApproverRole),
		hours, to, r.Priority, r.Active, r.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return touched(res)
}

func (s rules) List(ctx context.Context, companyID string, activeOnly bool) ([]model.ApprovalRule, error) {
	query := `select ` + ruleCols + ` from approval_rules where company_id=$1`
	if activeOnly {
		query += ` and active`
	}
	rows, err := s.q.QueryContext(ctx, query+` order by priority, id`, companyID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.ApprovalRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- approver assignments ---

const assignmentCols = `id, company_id, team_id, user_id, level, approval_ceiling, delegate_to, delegate_start, delegate_end, active, created_at, updated_at`

type assignments struct{ q querier }

func scanAssignment(row scanner) (model.ApproverAssignment, error) {
	var (
		a          model.ApproverAssignment
		ceiling    sql.NullInt64
		delegate   sql.NullString
		start, end sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.CompanyID, &a.TeamID, &a.UserID, &a.Level, &ceiling, &delegate, &start, &end, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return model.ApproverAssignment{}, mapErr(err)
	}
	a.ApprovalCeiling = int64Ptr(ceiling)
	if delegate.Valid {
		a.DelegateTo = &delegate.String
	}
	a.DelegateStart, a.DelegateEnd = timePtr(start), timePtr(end)
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	return a, nil
}

// Upsert keeps the original id and created_at of an existing (team, user)
// pair and writes them back into a.
func (r assignments) Upsert(ctx context.Context, a *model.ApproverAssignment) error {
	var delegate sql.NullString
	if a.DelegateTo != nil {
		delegate = nullIfEmpty(*a.DelegateTo)
	}
	err := r.q.QueryRowContext(ctx, `
		insert into approver_assignments(`+assignmentCols+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		on conflict (team_id, user_id) do update set
			company_id=excluded.company_id,
			level=excluded.level,
			approval_ceiling=excluded.approval_ceiling,
			delegate_to=excluded.delegate_to,
			delegate_start=excluded.delegate_start,
			delegate_end=excluded.delegate_end,
			active=excluded.active,
			updated_at=excluded.updated_at
		returning id, created_at
	`, a.ID, a.CompanyID, a.TeamID, a.UserID, string(a.Level), nullInt64(a.ApprovalCeiling), delegate,
		nullTime(a.DelegateStart), nullTime(a.DelegateEnd), a.Active, a.CreatedAt, a.UpdatedAt).Scan(&a.ID, &a.CreatedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	return mapErr(err)
}

func (r assignments) Get(ctx context.Context, id string) (model.ApproverAssignment, error) {
	return scanAssignment(r.q.QueryRowContext(ctx, `select `+assignmentCols+` from approver_assignments where id=$1`, id))
}

func (r assignments) ListActive(ctx context.Context, companyID, teamID string, levels []model.Level) ([]model.ApproverAssignment, error) {
	if len(levels) == 0 {
		return nil, nil
	}
	var w where
	w.add("company_id=$%d", companyID)
	w.clauses = append(w.clauses, "active")
	if teamID != "" {
		w.add("team_id=$%d", teamID)
	}
	names := make([]string, len(levels))
	for i, l := range levels {
		names[i] = string(l)
	}
	w.in("level", names)
	return r.query(ctx, `select `+assignmentCols+` from approver_assignments`+w.String()+` order by team_id, user_id`, w.args...)
}

func (r assignments) List(ctx context.Context, companyID, teamID string) ([]model.ApproverAssignment, error) {
	var w where
	w.add("company_id=$%d", companyID)
	if teamID != "" {
		w.add("team_id=$%d", teamID)
	}
	return r.query(ctx, `select `+assignmentCols+` from approver_assignments`+w.String()+` order by team_id, user_id`, w.args...)
}

func (r assignments) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `update approver_assignments set active=$2, updated_at=$3 where id=$1`, id, active, at)
	if err != nil {
		return mapErr(err)
	}
	return touched(res)
}

func (r assignments) query(ctx context.Context, query string, args ...any) ([]model.ApproverAssignment, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.ApproverAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func touched(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
