package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"creditcore.io/internal/model"
	"creditcore.io/internal/store"
)

// --- requests ---

const requestCols = `id, company_id, account_id, team_id, requester_id, type, status, title, description, context,
	estimated_credits, actual_credits, approval_level, rule_id, current_approver, escalation_count,
	decision_reason, decision_code, decided_by, idempotency_key,
	created_at, updated_at, submitted_at, decided_at, fulfilled_at, expires_at`

type requests struct{ q querier }

func scanRequest(row scanner) (model.Request, error) {
	var (
		r                                        model.Request
		ctxJSON                                  []byte
		actual                                   sql.NullInt64
		level, rule, approver, decidedBy, key    sql.NullString
		submitted, decided, fulfilled, expiresAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.CompanyID, &r.AccountID, &r.TeamID, &r.RequesterID, &r.Type, &r.Status, &r.Title, &r.Description, &ctxJSON,
		&r.EstimatedCredits, &actual, &level, &rule, &approver, &r.EscalationCount,
		&r.DecisionReason, &r.DecisionCode, &decidedBy, &key,
		&r.CreatedAt, &r.UpdatedAt, &submitted, &decided, &fulfilled, &expiresAt)
	if err != nil {
		return model.Request{}, mapErr(err)
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &r.Context); err != nil {
			return model.Request{}, fmt.Errorf("decode request context: %w", err)
		}
	}
	r.ActualCredits = int64Ptr(actual)
	r.ApprovalLevel = model.Level(level.String)
	r.RuleID, r.CurrentApprover, r.DecidedBy, r.IdempotencyKey = rule.String, approver.String, decidedBy.String, key.String
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	r.SubmittedAt, r.DecidedAt, r.FulfilledAt, r.ExpiresAt = timePtr(submitted), timePtr(decided), timePtr(fulfilled), timePtr(expiresAt)
	return r, nil
}

func encodeJSON(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func (r requests) Insert(ctx context.Context, q *model.Request) error {
	ctxJSON, err := encodeJSON(q.Context)
	if err != nil {
		return fmt.Errorf("encode request context: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		insert into credit_requests(`+requestCols+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
	`, q.ID, q.CompanyID, q.AccountID, q.TeamID, q.RequesterID, string(q.Type), string(q.Status), q.Title, q.Description, ctxJSON,
		q.EstimatedCredits, nullInt64(q.ActualCredits), nullIfEmpty(string(q.ApprovalLevel)), nullIfEmpty(q.RuleID),
		nullIfEmpty(q.CurrentApprover), q.EscalationCount,
		q.DecisionReason, q.DecisionCode, nullIfEmpty(q.DecidedBy), nullIfEmpty(q.IdempotencyKey),
		q.CreatedAt, q.UpdatedAt, nullTime(q.SubmittedAt), nullTime(q.DecidedAt), nullTime(q.FulfilledAt), nullTime(q.ExpiresAt))
	return mapErr(err)
}

func (r requests) Get(ctx context.Context, id string) (model.Request, error) {
	return scanRequest(r.q.QueryRowContext(ctx, `select `+requestCols+` from credit_requests where id=$1`, id))
}

func (r requests) GetByKey(ctx context.Context, companyID, key string) (model.Request, error) {
	if key == "" {
		return model.Request{}, store.ErrNotFound
	}
	return scanRequest(r.q.QueryRowContext(ctx,
		`select `+requestCols+` from credit_requests where company_id=$1 and idempotency_key=$2`, companyID, key))
}

func (r requests) Lock(ctx context.Context, id string) (model.Request, error) {
	return scanRequest(r.q.QueryRowContext(ctx, `select `+requestCols+` from credit_requests where id=$1 for update`, id))
}

func (r requests) Update(ctx context.Context, q *model.Request, expected model.Status) error {
	ctxJSON, err := encodeJSON(q.Context)
	if err != nil {
		return fmt.Errorf("encode request context: %w", err)
	}
	res, err := r.q.ExecContext(ctx, `
		update credit_requests set
			status=$3, title=$4, description=$5, context=$6,
			actual_credits=$7, approval_level=$8, rule_id=$9, current_approver=$10, escalation_count=$11,
			decision_reason=$12, decision_code=$13, decided_by=$14,
			updated_at=$15, submitted_at=$16, decided_at=$17, fulfilled_at=$18, expires_at=$19
		where id=$1 and status=$2
	`, q.ID, string(expected), string(q.Status), q.Title, q.Description, ctxJSON,
		nullInt64(q.ActualCredits), nullIfEmpty(string(q.ApprovalLevel)), nullIfEmpty(q.RuleID), nullIfEmpty(q.CurrentApprover), q.EscalationCount,
		q.DecisionReason, q.DecisionCode, nullIfEmpty(q.DecidedBy),
		q.UpdatedAt, nullTime(q.SubmittedAt), nullTime(q.DecidedAt), nullTime(q.FulfilledAt), nullTime(q.ExpiresAt))
	if err != nil {
		return mapErr(err)
	}
	return affected(ctx, r.q, res, "credit_requests", q.ID)
}

func (r requests) List(ctx context.Context, f model.RequestFilter) ([]model.Request, error) {
	var w where
	if f.CompanyID != "" {
		w.add("company_id=$%d", f.CompanyID)
	}
	if f.TeamID != "" {
		w.add("team_id=$%d", f.TeamID)
	}
	if f.RequesterID != "" {
		w.add("requester_id=$%d", f.RequesterID)
	}
	if f.CurrentApprover != "" {
		w.add("current_approver=$%d", f.CurrentApprover)
	}
	if f.ApprovalLevel != "" {
		w.add("approval_level=$%d", string(f.ApprovalLevel))
	}
	statuses := make([]string, len(f.Statuses))
	for i, s := range f.Statuses {
		statuses[i] = string(s)
	}
	w.in("status", statuses)
	query := `select ` + requestCols + ` from credit_requests` + w.String() + ` order by created_at desc, id desc`
	query += w.page(f.Limit, f.Offset)
	return r.query(ctx, query, w.args...)
}

func (r requests) DuePending(ctx context.Context, now time.Time, after *model.DueCursor, limit int) ([]model.Request, error) {
	var w where
	w.add("status=$%d", string(model.StatusPending))
	w.add("expires_at <= $%d", now)
	if after != nil {
		w.args = append(w.args, after.ExpiresAt, after.ID)
		w.clauses = append(w.clauses, fmt.Sprintf("(expires_at, id) > ($%d, $%d)", len(w.args)-1, len(w.args)))
	}
	query := `select ` + requestCols + ` from credit_requests` + w.String() + ` order by expires_at, id`
	query += w.page(limit, 0)
	return r.query(ctx, query, w.args...)
}

func (r requests) CountPendingFor(ctx context.Context, approverID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`select count(*) from credit_requests where current_approver=$1 and status='pending'`, approverID).Scan(&n)
	return n, mapErr(err)
}

func (r requests) query(ctx context.Context, query string, args ...any) ([]model.Request, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.Request
	for rows.Next() {
		q, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// --- approval events ---

const eventCols = `id, sequence, request_id, company_id, kind, actor_id, system, from_status, to_status, reason, metadata, idempotency_key, created_at`

type events struct{ q querier }

func scanEvent(row scanner) (model.ApprovalEvent, error) {
	var (
		e                model.ApprovalEvent
		actor, from, key sql.NullString
		meta             []byte
	)
	if err := row.Scan(&e.ID, &e.Sequence, &e.RequestID, &e.CompanyID, &e.Kind, &actor, &e.System, &from, &e.ToStatus, &e.Reason, &meta, &key, &e.CreatedAt); err != nil {
		return model.ApprovalEvent{}, mapErr(err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return model.ApprovalEvent{}, fmt.Errorf("decode event metadata: %w", err)
		}
	}
	e.ActorID, e.FromStatus, e.IdempotencyKey = actor.String, model.Status(from.String), key.String
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func (r events) Append(ctx context.Context, e *model.ApprovalEvent) error {
	meta, err := encodeJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}
	err = r.q.QueryRowContext(ctx, `
		insert into approval_events(id, request_id, company_id, kind, actor_id, system, from_status, to_status, reason, metadata, idempotency_key, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		returning sequence
	`, e.ID, e.RequestID, e.CompanyID, string(e.Kind), nullIfEmpty(e.ActorID), e.System, nullIfEmpty(string(e.FromStatus)),
		string(e.ToStatus), e.Reason, meta, nullIfEmpty(e.IdempotencyKey), e.CreatedAt).Scan(&e.Sequence)
	return mapErr(err)
}

func (r events) List(ctx context.Context, requestID string) ([]model.ApprovalEvent, error) {
	rows, err := r.q.QueryContext(ctx,
		`select `+eventCols+` from approval_events where request_id=$1 order by sequence`, requestID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.ApprovalEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r events) GetByKey(ctx context.Context, requestID, key string) (model.ApprovalEvent, error) {
	if key == "" {
		return model.ApprovalEvent{}, store.ErrNotFound
	}
	return scanEvent(r.q.QueryRowContext(ctx,
		`select `+eventCols+` from approval_events where request_id=$1 and idempotency_key=$2`, requestID, key))
}
