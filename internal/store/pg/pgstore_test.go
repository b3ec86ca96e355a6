package pg

import (
	"context"
	"errors"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditcore.io/internal/apperr"
	"creditcore.io/internal/model"
	"creditcore.io/internal/store"
)

func newMock(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, opts...), mock
}

var now = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func TestInsertMapsUniqueViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into accounts").
		WithArgs("acc_1", "acme", "growth", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(1000), int64(0), now, now).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "accounts_company_id_key"})
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Accounts().Insert(ctx, &model.Account{
			ID: "acc_1", CompanyID: "acme", Tier: "growth", BaseCredits: 1000, CreatedAt: now, UpdatedAt: now,
		})
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMapsCheckViolation(t *testing.T) {
	s, mock := newMock(t, WithBreaker(1, time.Minute))
	mock.ExpectBegin()
	mock.ExpectExec("insert into ledger_entries").
		WillReturnError(&pgconn.PgError{Code: pgErrCheckViolation, ConstraintName: "ledger_entries_reference_type_check"})
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Entries().Insert(ctx, &model.LedgerEntry{
			ID: "le_1", AccountID: "acc_1", Direction: model.Debit, Amount: 5, Kind: model.KindSpend,
			Reference: &model.Reference{Type: "invoice", ID: "inv_1"}, CreatedAt: now,
		})
	})
	assert.ErrorIs(t, err, apperr.InvalidInput)
	assert.Equal(t, gobreaker.StateClosed, s.breaker.State())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockTakesRowLock(t *testing.T) {
	s, mock := newMock(t)
	cols := []string{"id", "company_id", "tier", "period_start", "period_end", "base_credits", "bonus_credits", "created_at", "updated_at"}
	mock.ExpectBegin()
	mock.ExpectQuery(`from accounts where id=\$1 for update`).
		WithArgs("acc_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("acc_1", "acme", "growth", now, now.AddDate(0, 1, 0), int64(1000), int64(50), now, now))
	mock.ExpectQuery(`select direction, kind, coalesce\(sum\(amount\), 0\)`).
		WithArgs("acc_1").
		WillReturnRows(sqlmock.NewRows([]string{"direction", "kind", "sum"}).
			AddRow("credit", "refund", int64(20)).
			AddRow("debit", "spend", int64(300)))
	mock.ExpectQuery(`select coalesce\(sum\(amount\), 0\) from holds where account_id=\$1 and status='active'`).
		WithArgs("acc_1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(100)))
	mock.ExpectCommit()

	var bal model.Balance
	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		acc, err := tx.Accounts().Lock(ctx, "acc_1")
		if err != nil {
			return err
		}
		sums, err := tx.Entries().Sums(ctx, acc.ID)
		if err != nil {
			return err
		}
		reserved, err := tx.Holds().SumActive(ctx, acc.ID)
		if err != nil {
			return err
		}
		bal = model.ComputeBalance(acc, sums, reserved)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000+50+20-300-100), bal.Available)
	assert.Equal(t, int64(280), bal.Used)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMissingRowIsNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`from credit_requests where id=\$1`).WithArgs("req_x").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := s.ReadTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.Requests().Get(ctx, "req_x")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConditionalUpdates(t *testing.T) {
	tests := []struct {
		name   string
		exists bool
		want   error
	}{
		{"status moved", true, store.ErrStale},
		{"row missing", false, store.ErrNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectBegin()
			mock.ExpectExec(`update holds set status=\$3, released_at=\$4 where id=\$1 and status=\$2`).
				WithArgs("hold_1", "active", "released", now).
				WillReturnResult(sqlmock.NewResult(0, 0))
			rows := sqlmock.NewRows([]string{"one"})
			if tc.exists {
				rows.AddRow(1)
			}
			mock.ExpectQuery(`select 1 from holds where id=\$1`).WithArgs("hold_1").WillReturnRows(rows)
			mock.ExpectRollback()

			err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
				return tx.Holds().UpdateStatus(ctx, "hold_1", model.HoldActive, model.HoldReleased, now)
			})
			assert.ErrorIs(t, err, tc.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDuePendingPagesAfterCursor(t *testing.T) {
	s, mock := newMock(t)
	cursor := &model.DueCursor{ExpiresAt: now.Add(-time.Hour), ID: "req_a"}
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`where status=$1 and expires_at <= $2 and (expires_at, id) > ($3, $4) order by expires_at, id limit $5`)).
		WithArgs("pending", now, cursor.ExpiresAt, "req_a", 25).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := s.ReadTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		got, err := tx.Requests().DuePending(ctx, now, cursor, 25)
		assert.Empty(t, got)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRequestsBuildsFilter(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`where company_id=$1 and requester_id=$2 and status in ($3, $4) order by created_at desc, id desc limit $5 offset $6`)).
		WithArgs("acme", "bob", "pending", "approved", 10, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := s.ReadTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.Requests().List(ctx, model.RequestFilter{
			CompanyID: "acme", RequesterID: "bob",
			Statuses: []model.Status{model.StatusPending, model.StatusApproved},
			Limit:    10, Offset: 20,
		})
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventAppendReturnsSequence(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`insert into approval_events`).
		WithArgs("evt_1", "req_1", "acme", "submitted", "bob", false, "draft", "pending", "", []byte(`{"hold_id":"hold_1"}`), "submit", now).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(42)))
	mock.ExpectCommit()

	ev := model.ApprovalEvent{
		ID: "evt_1", RequestID: "req_1", CompanyID: "acme", Kind: model.EventSubmitted, ActorID: "bob",
		FromStatus: model.StatusDraft, ToStatus: model.StatusPending,
		Metadata: map[string]any{"hold_id": "hold_1"}, IdempotencyKey: "submit", CreatedAt: now,
	}
	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Events().Append(ctx, &ev)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), ev.Sequence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadlockIsRetried(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`update accounts set updated_at`).WillReturnError(&pgconn.PgError{Code: pgErrDeadlock})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`update accounts set updated_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		calls++
		return tx.Accounts().Touch(ctx, "acc_1", now)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBreakerOpensOnOutage(t *testing.T) {
	s, mock := newMock(t, WithBreaker(2, time.Minute))
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	mock.ExpectBegin().WillReturnError(refused)
	mock.ExpectBegin().WillReturnError(refused)

	noop := func(context.Context, store.Tx) error { return nil }
	for i := 0; i < 2; i++ {
		err := s.WithTx(context.Background(), noop)
		assert.ErrorIs(t, err, apperr.StorageUnavailable)
		assert.True(t, apperr.KindOf(err).Retriable())
	}

	err := s.WithTx(context.Background(), noop)
	assert.ErrorIs(t, err, apperr.StorageUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState, "an open circuit answers without touching the pool")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDomainErrorsDoNotTripBreaker(t *testing.T) {
	s, mock := newMock(t, WithBreaker(1, time.Minute))
	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}
	for i := 0; i < 3; i++ {
		err := s.WithTx(context.Background(), func(context.Context, store.Tx) error {
			return apperr.New(apperr.KindInsufficientFunds, "short")
		})
		assert.ErrorIs(t, err, apperr.InsufficientFunds)
	}
	assert.Equal(t, gobreaker.StateClosed, s.breaker.State())
	assert.NoError(t, mock.ExpectationsWereMet())
}
