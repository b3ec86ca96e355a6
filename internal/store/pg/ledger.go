package pg

import (
	"context"
	"database/sql"
	"time"

	"creditcore.io/internal/model"
	"creditcore.io/internal/store"
)

// --- accounts ---

const accountCols = `id, company_id, tier, period_start, period_end, base_credits, bonus_credits, created_at, updated_at`

type accounts struct{ q querier }

func scanAccount(row scanner) (model.Account, error) {
	var (
		a            model.Account
		start, end   sql.NullTime
		created, upd time.Time
	)
	if err := row.Scan(&a.ID, &a.CompanyID, &a.Tier, &start, &end, &a.BaseCredits, &a.BonusCredits, &created, &upd); err != nil {
		return model.Account{}, mapErr(err)
	}
	a.PeriodStart, a.PeriodEnd = start.Time.UTC(), end.Time.UTC()
	a.CreatedAt, a.UpdatedAt = created.UTC(), upd.UTC()
	return a, nil
}

func (r accounts) Insert(ctx context.Context, a *model.Account) error {
	_, err := r.q.ExecContext(ctx, `
		insert into accounts(`+accountCols+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, a.ID, a.CompanyID, a.Tier, zeroNull(a.PeriodStart), zeroNull(a.PeriodEnd), a.BaseCredits, a.BonusCredits, a.CreatedAt, a.UpdatedAt)
	return mapErr(err)
}

func (r accounts) Get(ctx context.Context, id string) (model.Account, error) {
	return scanAccount(r.q.QueryRowContext(ctx, `select `+accountCols+` from accounts where id=$1`, id))
}

func (r accounts) GetByCompany(ctx context.Context, companyID string) (model.Account, error) {
	return scanAccount(r.q.QueryRowContext(ctx, `select `+accountCols+` from accounts where company_id=$1`, companyID))
}

func (r accounts) Lock(ctx context.Context, id string) (model.Account, error) {
	return scanAccount(r.q.QueryRowContext(ctx, `select `+accountCols+` from accounts where id=$1 for update`, id))
}

func (r accounts) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `update accounts set updated_at=$2 where id=$1`, id, at)
	if err != nil {
		return mapErr(err)
	}
	return touched(res)
}

func zeroNull(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// --- ledger entries ---

const entryCols = `id, account_id, direction, amount, kind, reference_type, reference_id, description, actor_id, idempotency_key, created_at`

type entries struct{ q querier }

func scanEntry(row scanner) (model.LedgerEntry, error) {
	var (
		e                          model.LedgerEntry
		refType, refID, actor, key sql.NullString
	)
	if err := row.Scan(&e.ID, &e.AccountID, &e.Direction, &e.Amount, &e.Kind, &refType, &refID, &e.Description, &actor, &key, &e.CreatedAt); err != nil {
		return model.LedgerEntry{}, mapErr(err)
	}
	if refType.Valid {
		e.Reference = &model.Reference{Type: model.ReferenceType(refType.String), ID: refID.String}
	}
	e.ActorID, e.IdempotencyKey = actor.String, key.String
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func (r entries) Insert(ctx context.Context, e *model.LedgerEntry) error {
	var refType, refID sql.NullString
	if e.Reference != nil {
		refType, refID = nullIfEmpty(string(e.Reference.Type)), nullIfEmpty(e.Reference.ID)
	}
	_, err := r.q.ExecContext(ctx, `
		insert into ledger_entries(`+entryCols+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, e.ID, e.AccountID, string(e.Direction), e.Amount, string(e.Kind), refType, refID,
		e.Description, nullIfEmpty(e.ActorID), nullIfEmpty(e.IdempotencyKey), e.CreatedAt)
	return mapErr(err)
}

func (r entries) Get(ctx context.Context, id string) (model.LedgerEntry, error) {
	return scanEntry(r.q.QueryRowContext(ctx, `select `+entryCols+` from ledger_entries where id=$1`, id))
}

func (r entries) GetByKey(ctx context.Context, accountID, key string) (model.LedgerEntry, error) {
	if key == "" {
		return model.LedgerEntry{}, store.ErrNotFound
	}
	return scanEntry(r.q.QueryRowContext(ctx,
		`select `+entryCols+` from ledger_entries where account_id=$1 and idempotency_key=$2`, accountID, key))
}

func (r entries) Sums(ctx context.Context, accountID string) ([]model.EntrySum, error) {
	rows, err := r.q.QueryContext(ctx, `
		select direction, kind, coalesce(sum(amount), 0)
		from ledger_entries
		where account_id=$1
		group by direction, kind
		order by direction, kind
	`, accountID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.EntrySum
	for rows.Next() {
		var s model.EntrySum
		if err := rows.Scan(&s.Direction, &s.Kind, &s.Total); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r entries) List(ctx context.Context, f model.HistoryFilter) ([]model.LedgerEntry, error) {
	var w where
	w.add("account_id=$%d", f.AccountID)
	if f.From != nil {
		w.add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		w.add("created_at < $%d", *f.To)
	}
	kinds := make([]string, len(f.Kinds))
	for i, k := range f.Kinds {
		kinds[i] = string(k)
	}
	w.in("kind", kinds)
	query := `select ` + entryCols + ` from ledger_entries` + w.String() + ` order by created_at desc, id desc`
	query += w.page(f.Limit, f.Offset)
	return r.query(ctx, query, w.args...)
}

func (r entries) ListByReference(ctx context.Context, ref model.Reference) ([]model.LedgerEntry, error) {
	return r.query(ctx, `
		select `+entryCols+` from ledger_entries
		where reference_type=$1 and reference_id=$2
		order by created_at, id
	`, string(ref.Type), ref.ID)
}

func (r entries) query(ctx context.Context, query string, args ...any) ([]model.LedgerEntry, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- holds ---

const holdCols = `id, account_id, request_id, amount, status, idempotency_key, created_at, released_at, converted_at`

type holds struct{ q querier }

func scanHold(row scanner) (model.Hold, error) {
	var (
		h                   model.Hold
		key                 sql.NullString
		released, converted sql.NullTime
	)
	if err := row.Scan(&h.ID, &h.AccountID, &h.RequestID, &h.Amount, &h.Status, &key, &h.CreatedAt, &released, &converted); err != nil {
		return model.Hold{}, mapErr(err)
	}
	h.IdempotencyKey = key.String
	h.CreatedAt = h.CreatedAt.UTC()
	h.ReleasedAt, h.ConvertedAt = timePtr(released), timePtr(converted)
	return h, nil
}

func (r holds) Insert(ctx context.Context, h *model.Hold) error {
	_, err := r.q.ExecContext(ctx, `
		insert into holds(`+holdCols+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, h.ID, h.AccountID, h.RequestID, h.Amount, string(h.Status), nullIfEmpty(h.IdempotencyKey),
		h.CreatedAt, nullTime(h.ReleasedAt), nullTime(h.ConvertedAt))
	return mapErr(err)
}

func (r holds) Get(ctx context.Context, id string) (model.Hold, error) {
	return scanHold(r.q.QueryRowContext(ctx, `select `+holdCols+` from holds where id=$1`, id))
}

func (r holds) GetByRequest(ctx context.Context, requestID string) (model.Hold, error) {
	return scanHold(r.q.QueryRowContext(ctx, `select `+holdCols+` from holds where request_id=$1`, requestID))
}

func (r holds) Lock(ctx context.Context, id string) (model.Hold, error) {
	return scanHold(r.q.QueryRowContext(ctx, `select `+holdCols+` from holds where id=$1 for update`, id))
}

func (r holds) UpdateStatus(ctx context.Context, id string, from, to model.HoldStatus, at time.Time) error {
	column := "released_at"
	if to == model.HoldConverted {
		column = "converted_at"
	}
	res, err := r.q.ExecContext(ctx,
		`update holds set status=$3, `+column+`=$4 where id=$1 and status=$2`,
		id, string(from), string(to), at)
	if err != nil {
		return mapErr(err)
	}
	return affected(ctx, r.q, res, "holds", id)
}

func (r holds) SumActive(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := r.q.QueryRowContext(ctx,
		`select coalesce(sum(amount), 0) from holds where account_id=$1 and status='active'`, accountID).Scan(&total)
	return total, mapErr(err)
}
