// Package store declares the transactional storage the credit core runs on.
//
// Services never hold in-memory locks across calls: every mutation runs in
// Store.WithTx, and row-level serialization (account row, request row, hold
// row) is obtained through the Lock* methods of the repositories.
package store

import (
	"context"
	"errors"
	"time"

	"creditcore.io/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("store: duplicate")
	// ErrStale is returned by conditional updates whose precondition no longer holds.
	ErrStale = errors.New("store: stale row")
)

// Store opens transactions.
type Store interface {
	// WithTx runs fn inside a read-write transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// ReadTx runs fn inside a read-only snapshot.
	ReadTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Accounts() AccountRepo
	Entries() EntryRepo
	Holds() HoldRepo
	Requests() RequestRepo
	Rules() RuleRepo
	Assignments() AssignmentRepo
	Events() EventRepo
}

type AccountRepo interface {
	Insert(ctx context.Context, a *model.Account) error
	Get(ctx context.Context, id string) (model.Account, error)
	GetByCompany(ctx context.Context, companyID string) (model.Account, error)
	// Lock reads the account and holds its row lock until the transaction ends.
	Lock(ctx context.Context, id string) (model.Account, error)
	Touch(ctx context.Context, id string, at time.Time) error
}

type EntryRepo interface {
	Insert(ctx context.Context, e *model.LedgerEntry) error
	Get(ctx context.Context, id string) (model.LedgerEntry, error)
	GetByKey(ctx context.Context, accountID, key string) (model.LedgerEntry, error)
	Sums(ctx context.Context, accountID string) ([]model.EntrySum, error)
	List(ctx context.Context, f model.HistoryFilter) ([]model.LedgerEntry, error)
	ListByReference(ctx context.Context, ref model.Reference) ([]model.LedgerEntry, error)
}

type HoldRepo interface {
	Insert(ctx context.Context, h *model.Hold) error
	Get(ctx context.Context, id string) (model.Hold, error)
	GetByRequest(ctx context.Context, requestID string) (model.Hold, error)
	Lock(ctx context.Context, id string) (model.Hold, error)
	// UpdateStatus moves a hold from one status to another and stamps the
	// matching timestamp. Returns ErrStale when the hold is not in from.
	UpdateStatus(ctx context.Context, id string, from, to model.HoldStatus, at time.Time) error
	SumActive(ctx context.Context, accountID string) (int64, error)
}

type RequestRepo interface {
	Insert(ctx context.Context, r *model.Request) error
	Get(ctx context.Context, id string) (model.Request, error)
	GetByKey(ctx context.Context, companyID, key string) (model.Request, error)
	Lock(ctx context.Context, id string) (model.Request, error)
	// Update writes every mutable column. Returns ErrStale when the stored
	// status differs from expected.
	Update(ctx context.Context, r *model.Request, expected model.Status) error
	List(ctx context.Context, f model.RequestFilter) ([]model.Request, error)
	// DuePending returns pending requests with expires_at <= now ordered by
	// (expires_at, id), strictly after the cursor when one is given.
	DuePending(ctx context.Context, now time.Time, after *model.DueCursor, limit int) ([]model.Request, error)
	CountPendingFor(ctx context.Context, approverID string) (int, error)
}

type RuleRepo interface {
	Insert(ctx context.Context, r *model.ApprovalRule) error
	Get(ctx context.Context, id string) (model.ApprovalRule, error)
	Update(ctx context.Context, r *model.ApprovalRule) error
	// List returns rules of a company ordered by (priority, id).
	List(ctx context.Context, companyID string, activeOnly bool) ([]model.ApprovalRule, error)
}

type AssignmentRepo interface {
	// Upsert inserts or replaces the assignment keyed by (team_id, user_id).
	Upsert(ctx context.Context, a *model.ApproverAssignment) error
	Get(ctx context.Context, id string) (model.ApproverAssignment, error)
	// ListActive returns active assignments of the company at one of levels.
	// An empty teamID matches every team.
	ListActive(ctx context.Context, companyID, teamID string, levels []model.Level) ([]model.ApproverAssignment, error)
	List(ctx context.Context, companyID, teamID string) ([]model.ApproverAssignment, error)
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
}

type EventRepo interface {
	Append(ctx context.Context, e *model.ApprovalEvent) error
	List(ctx context.Context, requestID string) ([]model.ApprovalEvent, error)
	GetByKey(ctx context.Context, requestID, key string) (model.ApprovalEvent, error)
}
