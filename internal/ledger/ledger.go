// Package ledger is the append-only credit journal of each company account.
//
// The tier grant is stored on the account row (base + bonus) and is never
// journaled; everything else that moves a balance is a LedgerEntry. Balances
// are derived on demand from four independent aggregates and are never cached.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"creditcore.io/internal/apperr"
	"creditcore.io/internal/ids"
	"creditcore.io/internal/model"
	"creditcore.io/internal/obs"
	"creditcore.io/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxKeyLength        = 128
)

// Service implements the ledger operations on top of a transactional store.
type Service struct {
	store store.Store
	log   zerolog.Logger
	now   func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l.With().Str("component", "ledger").Logger() }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a ledger Service.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store: st,
		log:   zerolog.Nop(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock reading. Shared with collaborators so that
// one transaction stamps one time.
func (s *Service) Now() time.Time { return s.now() }

// OpenAccountInput describes a subscription grant.
type OpenAccountInput struct {
	CompanyID    string
	Tier         string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	BaseCredits  int64
	BonusCredits int64
}

// OpenAccount creates the single account of a company. The grant is written
// on the account row only.
func (s *Service) OpenAccount(ctx context.Context, in OpenAccountInput) (model.Account, error) {
	in.CompanyID = strings.TrimSpace(in.CompanyID)
	if in.CompanyID == "" {
		return model.Account{}, apperr.New(apperr.KindInvalidInput, "company_id is required")
	}
	if in.BaseCredits < 0 || in.BonusCredits < 0 {
		return model.Account{}, apperr.New(apperr.KindInvalidAmount, "base and bonus credits must be >= 0")
	}
	if !in.PeriodEnd.IsZero() && in.PeriodEnd.Before(in.PeriodStart) {
		return model.Account{}, apperr.New(apperr.KindInvalidInput, "period_end must not be before period_start")
	}
	now := s.now()
	acc := model.Account{
		ID:           ids.NewAt(now),
		CompanyID:    in.CompanyID,
		Tier:         in.Tier,
		PeriodStart:  in.PeriodStart,
		PeriodEnd:    in.PeriodEnd,
		BaseCredits:  in.BaseCredits,
		BonusCredits: in.BonusCredits,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Accounts().Insert(ctx, &acc); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.New(apperr.KindDuplicateAccount, "company %s already has an account", in.CompanyID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return model.Account{}, err
	}
	s.log.Info().Str("account_id", acc.ID).Str("company_id", acc.CompanyID).
		Int64("base", acc.BaseCredits).Int64("bonus", acc.BonusCredits).Msg("account opened")
	return acc, nil
}

// GetAccount returns an account by id.
func (s *Service) GetAccount(ctx context.Context, id string) (model.Account, error) {
	var acc model.Account
	err := s.store.ReadTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		acc, err = tx.Accounts().Get(ctx, id)
		return accountErr(err, id)
	})
	return acc, err
}

// AccountForCompany returns the account of a company.
func (s *Service) AccountForCompany(ctx context.Context, companyID string) (model.Account, error) {
	var acc model.Account
	err := s.store.ReadTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		acc, err = tx.Accounts().GetByCompany(ctx, companyID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.KindUnknownAccount, "company %s has no account", companyID)
		}
		return err
	})
	return acc, err
}

// Balance computes the derived balance from a consistent snapshot.
func (s *Service) Balance(ctx context.Context, accountID string) (model.Balance, error) {
	var b model.Balance
	err := s.store.ReadTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := tx.Accounts().Get(ctx, accountID)
		if err != nil {
			return accountErr(err, accountID)
		}
		b, err = balanceOf(ctx, tx, acc)
		return err
	})
	return b, err
}

// BalanceTx computes the balance inside an existing transaction.
func (s *Service) BalanceTx(ctx context.Context, tx store.Tx, accountID string) (model.Balance, error) {
	acc, err := tx.Accounts().Get(ctx, accountID)
	if err != nil {
		return model.Balance{}, accountErr(err, accountID)
	}
	return balanceOf(ctx, tx, acc)
}

// balanceOf runs the entry and hold aggregations separately so that neither
// inflates the other.
func balanceOf(ctx context.Context, tx store.Tx, acc model.Account) (model.Balance, error) {
	sums, err := tx.Entries().Sums(ctx, acc.ID)
	if err != nil {
		return model.Balance{}, err
	}
	reserved, err := tx.Holds().SumActive(ctx, acc.ID)
	if err != nil {
		return model.Balance{}, err
	}
	return model.ComputeBalance(acc, sums, reserved), nil
}

// EntryInput is one journal write.
type EntryInput struct {
	AccountID      string
	Direction      model.Direction
	Amount         int64
	Kind           model.EntryKind
	Reference      *model.Reference
	Description    string
	ActorID        string
	IdempotencyKey string
}

// AppendEntry journals one entry. A replay with the same key and the same
// semantics returns the stored entry unchanged.
func (s *Service) AppendEntry(ctx context.Context, in EntryInput) (model.LedgerEntry, error) {
	var (
		entry    model.LedgerEntry
		replayed bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entry, replayed, err = s.AppendTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return model.LedgerEntry{}, err
	}
	s.committed(entry, replayed)
	return entry, nil
}

// AppendTx journals an entry inside tx and reports whether it was a replay.
// The account row is locked for the rest of the transaction. Debits other
// than hold conversions are funds-checked; a conversion spends credits that
// its hold already reserved.
func (s *Service) AppendTx(ctx context.Context, tx store.Tx, in EntryInput) (model.LedgerEntry, bool, error) {
	if err := validateEntry(in); err != nil {
		return model.LedgerEntry{}, false, err
	}
	acc, err := tx.Accounts().Lock(ctx, in.AccountID)
	if err != nil {
		return model.LedgerEntry{}, false, accountErr(err, in.AccountID)
	}

	candidate := model.LedgerEntry{
		AccountID:      acc.ID,
		Direction:      in.Direction,
		Amount:         in.Amount,
		Kind:           in.Kind,
		Reference:      in.Reference,
		Description:    in.Description,
		ActorID:        in.ActorID,
		IdempotencyKey: in.IdempotencyKey,
	}

	if in.IdempotencyKey != "" {
		existing, err := tx.Entries().GetByKey(ctx, acc.ID, in.IdempotencyKey)
		switch {
		case err == nil:
			if !existing.SameSemantics(candidate) {
				return model.LedgerEntry{}, false, apperr.New(apperr.KindConflictingKey,
					"idempotency key %q already used for a different entry", in.IdempotencyKey)
			}
			return existing, true, nil
		case !errors.Is(err, store.ErrNotFound):
			return model.LedgerEntry{}, false, err
		}
	}

	if in.Direction == model.Debit && in.Kind != model.KindHoldConversion {
		bal, err := balanceOf(ctx, tx, acc)
		if err != nil {
			return model.LedgerEntry{}, false, err
		}
		if bal.Available < in.Amount {
			return model.LedgerEntry{}, false, apperr.New(apperr.KindInsufficientFunds,
				"available %d is below requested %d", bal.Available, in.Amount)
		}
	}

	now := s.now()
	candidate.ID = ids.NewAt(now)
	candidate.CreatedAt = now
	if err := tx.Entries().Insert(ctx, &candidate); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return model.LedgerEntry{}, false, apperr.New(apperr.KindConflictingKey,
				"idempotency key %q already used", in.IdempotencyKey)
		}
		return model.LedgerEntry{}, false, err
	}
	if err := tx.Accounts().Touch(ctx, acc.ID, now); err != nil {
		return model.LedgerEntry{}, false, err
	}
	return candidate, false, nil
}

// SpendInput describes a direct, funds-checked spend.
type SpendInput struct {
	AccountID      string
	Amount         int64
	Reference      *model.Reference
	Description    string
	ActorID        string
	IdempotencyKey string
}

func (in SpendInput) entry() EntryInput {
	return EntryInput{
		AccountID:      in.AccountID,
		Direction:      model.Debit,
		Amount:         in.Amount,
		Kind:           model.KindSpend,
		Reference:      in.Reference,
		Description:    in.Description,
		ActorID:        in.ActorID,
		IdempotencyKey: in.IdempotencyKey,
	}
}

// DirectSpend atomically checks available credits and journals a spend debit.
// Request debits are journaled by the approval engine only.
func (s *Service) DirectSpend(ctx context.Context, in SpendInput) (model.LedgerEntry, error) {
	if in.Reference != nil && in.Reference.Type == model.RefRequest {
		return model.LedgerEntry{}, apperr.New(apperr.KindInvalidInput, "request references are reserved for approved requests")
	}
	return s.AppendEntry(ctx, in.entry())
}

// DirectSpendTx is DirectSpend inside an existing transaction.
func (s *Service) DirectSpendTx(ctx context.Context, tx store.Tx, in SpendInput) (model.LedgerEntry, bool, error) {
	return s.AppendTx(ctx, tx, in.entry())
}

// AdjustInput is an administrative correction.
type AdjustInput struct {
	AccountID      string
	Direction      model.Direction
	Amount         int64
	Reason         string
	ActorID        string
	IdempotencyKey string
}

// Adjust journals an adjustment credit or debit referencing the acting admin.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (model.LedgerEntry, error) {
	if strings.TrimSpace(in.Reason) == "" {
		return model.LedgerEntry{}, apperr.New(apperr.KindInvalidInput, "adjustment reason is required")
	}
	ref := &model.Reference{Type: model.RefAdmin, ID: in.ActorID}
	if in.ActorID == "" {
		ref = &model.Reference{Type: model.RefSystem, ID: "adjustment"}
	}
	return s.AppendEntry(ctx, EntryInput{
		AccountID:      in.AccountID,
		Direction:      in.Direction,
		Amount:         in.Amount,
		Kind:           model.KindAdjustment,
		Reference:      ref,
		Description:    in.Reason,
		ActorID:        in.ActorID,
		IdempotencyKey: in.IdempotencyKey,
	})
}

// AllocateInput is a mid-cycle top-up.
type AllocateInput struct {
	AccountID      string
	Amount         int64
	SubscriptionID string
	Description    string
	ActorID        string
	IdempotencyKey string
}

// Allocate journals an allocation credit. The initial tier grant must go
// through OpenAccount instead.
func (s *Service) Allocate(ctx context.Context, in AllocateInput) (model.LedgerEntry, error) {
	var ref *model.Reference
	if in.SubscriptionID != "" {
		ref = &model.Reference{Type: model.RefSubscription, ID: in.SubscriptionID}
	} else if in.ActorID != "" {
		ref = &model.Reference{Type: model.RefAdmin, ID: in.ActorID}
	}
	return s.AppendEntry(ctx, EntryInput{
		AccountID:      in.AccountID,
		Direction:      model.Credit,
		Amount:         in.Amount,
		Kind:           model.KindAllocation,
		Reference:      ref,
		Description:    in.Description,
		ActorID:        in.ActorID,
		IdempotencyKey: in.IdempotencyKey,
	})
}

// History returns the entries of an account, newest first.
func (s *Service) History(ctx context.Context, f model.HistoryFilter) ([]model.LedgerEntry, error) {
	if f.Limit <= 0 {
		f.Limit = defaultHistoryLimit
	}
	if f.Limit > maxHistoryLimit {
		f.Limit = maxHistoryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	for _, k := range f.Kinds {
		if !k.Valid() {
			return nil, apperr.New(apperr.KindInvalidInput, "unknown entry kind %q", k)
		}
	}
	var out []model.LedgerEntry
	err := s.store.ReadTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Accounts().Get(ctx, f.AccountID); err != nil {
			return accountErr(err, f.AccountID)
		}
		var err error
		out, err = tx.Entries().List(ctx, f)
		return err
	})
	return out, err
}

// Committed records metrics and logs for an entry once its transaction has
// committed. Collaborators that journal through AppendTx call it after commit.
func (s *Service) Committed(e model.LedgerEntry, replayed bool) { s.committed(e, replayed) }

func (s *Service) committed(e model.LedgerEntry, replayed bool) {
	if replayed {
		obs.ObserveReplay("ledger_entry")
		s.log.Debug().Str("entry_id", e.ID).Str("idempotency_key", e.IdempotencyKey).Msg("entry replayed")
		return
	}
	obs.ObserveEntry(string(e.Kind), string(e.Direction), e.Amount)
	s.log.Info().
		Str("entry_id", e.ID).
		Str("account_id", e.AccountID).
		Str("kind", string(e.Kind)).
		Str("direction", string(e.Direction)).
		Int64("amount", e.Amount).
		Msg("entry journaled")
}

func validateEntry(in EntryInput) error {
	if in.Amount <= 0 {
		return apperr.New(apperr.KindInvalidAmount, "amount must be > 0, got %d", in.Amount)
	}
	if !in.Direction.Valid() {
		return apperr.New(apperr.KindInvalidInput, "direction must be credit or debit")
	}
	if !in.Kind.Valid() {
		return apperr.New(apperr.KindInvalidInput, "unknown entry kind %q", in.Kind)
	}
	if ref := in.Reference; ref != nil {
		if !ref.Type.Valid() {
			return apperr.New(apperr.KindInvalidInput, "unknown reference type %q", ref.Type)
		}
		if strings.TrimSpace(ref.ID) == "" {
			return apperr.New(apperr.KindInvalidInput, "reference id is required with reference type %q", ref.Type)
		}
	}
	if len(in.IdempotencyKey) > maxKeyLength {
		return apperr.New(apperr.KindInvalidInput, "idempotency key longer than %d", maxKeyLength)
	}
	return nil
}

func accountErr(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindUnknownAccount, "account %s not found", id)
	}
	return err
}
