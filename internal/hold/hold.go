// Package hold manages credit reservations for pending requests.
//
// A hold is active while its request awaits a decision. Active holds count
// towards the reserved part of a balance; a converted hold is replaced by a
// hold_conversion debit in the same transaction, and released or expired
// holds return their credits simply by leaving the active set.
package hold

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"creditcore.io/internal/apperr"
	"creditcore.io/internal/ids"
	"creditcore.io/internal/ledger"
	"creditcore.io/internal/model"
	"creditcore.io/internal/obs"
	"creditcore.io/internal/store"
)

// Manager drives holds through their lifecycle.
type Manager struct {
	store  store.Store
	ledger *ledger.Service
	log    zerolog.Logger
}

// NewManager constructs a Manager journaling through l.
func NewManager(st store.Store, l *ledger.Service, log zerolog.Logger) *Manager {
	return &Manager{store: st, ledger: l, log: log.With().Str("component", "hold").Logger()}
}

// PlaceInput reserves Amount on an account for one request.
type PlaceInput struct {
	AccountID      string
	RequestID      string
	Amount         int64
	IdempotencyKey string
}

// PlaceResult is the placed hold and the balance left after it.
type PlaceResult struct {
	Hold      model.Hold `json:"hold"`
	Available int64      `json:"available"`
	Replayed  bool       `json:"-"`
}

// Place reserves credits for a request.
func (m *Manager) Place(ctx context.Context, in PlaceInput) (PlaceResult, error) {
	var res PlaceResult
	err := m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = m.PlaceTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return PlaceResult{}, err
	}
	m.placed(res)
	return res, nil
}

// PlaceTx reserves credits inside tx. The account row stays locked until
// the transaction ends, which serializes concurrent reservations.
func (m *Manager) PlaceTx(ctx context.Context, tx store.Tx, in PlaceInput) (PlaceResult, error) {
	if in.Amount <= 0 {
		return PlaceResult{}, apperr.New(apperr.KindInvalidAmount, "hold amount must be > 0, got %d", in.Amount)
	}
	if in.RequestID == "" {
		return PlaceResult{}, apperr.New(apperr.KindInvalidInput, "request_id is required")
	}
	if _, err := tx.Accounts().Lock(ctx, in.AccountID); err != nil {
		return PlaceResult{}, accountErr(err, in.AccountID)
	}

	existing, err := tx.Holds().GetByRequest(ctx, in.RequestID)
	switch {
	case err == nil:
		if in.IdempotencyKey != "" && existing.IdempotencyKey == in.IdempotencyKey &&
			existing.AccountID == in.AccountID && existing.Amount == in.Amount {
			bal, err := m.ledger.BalanceTx(ctx, tx, in.AccountID)
			if err != nil {
				return PlaceResult{}, err
			}
			return PlaceResult{Hold: existing, Available: bal.Available, Replayed: true}, nil
		}
		if in.IdempotencyKey != "" && existing.IdempotencyKey == in.IdempotencyKey {
			return PlaceResult{}, apperr.New(apperr.KindConflictingKey,
				"idempotency key %q already placed a different hold", in.IdempotencyKey)
		}
		return PlaceResult{}, apperr.New(apperr.KindDuplicateHold, "request %s already has hold %s", in.RequestID, existing.ID)
	case !errors.Is(err, store.ErrNotFound):
		return PlaceResult{}, err
	}

	bal, err := m.ledger.BalanceTx(ctx, tx, in.AccountID)
	if err != nil {
		return PlaceResult{}, err
	}
	if bal.Available < in.Amount {
		return PlaceResult{}, apperr.New(apperr.KindInsufficientFunds,
			"available %d is below requested hold %d", bal.Available, in.Amount)
	}

	now := m.ledger.Now()
	h := model.Hold{
		ID:             ids.NewAt(now),
		AccountID:      in.AccountID,
		RequestID:      in.RequestID,
		Amount:         in.Amount,
		Status:         model.HoldActive,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
	}
	if err := tx.Holds().Insert(ctx, &h); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return PlaceResult{}, apperr.New(apperr.KindDuplicateHold, "request %s already has a hold", in.RequestID)
		}
		return PlaceResult{}, err
	}
	if err := tx.Accounts().Touch(ctx, in.AccountID, now); err != nil {
		return PlaceResult{}, err
	}
	return PlaceResult{Hold: h, Available: bal.Available - in.Amount}, nil
}

// Get returns a hold by id.
func (m *Manager) Get(ctx context.Context, id string) (model.Hold, error) {
	var h model.Hold
	err := m.store.ReadTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		h, err = tx.Holds().Get(ctx, id)
		return holdErr(err, id)
	})
	return h, err
}

// Release returns the reserved credits of an active hold. Releasing a hold
// that is already released is a successful no-op.
func (m *Manager) Release(ctx context.Context, id string) (model.Hold, error) {
	return m.finish(ctx, id, model.HoldReleased)
}

// Expire is Release for holds whose request ran out of time.
func (m *Manager) Expire(ctx context.Context, id string) (model.Hold, error) {
	return m.finish(ctx, id, model.HoldExpired)
}

func (m *Manager) finish(ctx context.Context, id string, to model.HoldStatus) (model.Hold, error) {
	var (
		h       model.Hold
		changed bool
	)
	err := m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		h, changed, err = m.FinishTx(ctx, tx, id, to)
		return err
	})
	if err != nil {
		return model.Hold{}, err
	}
	if changed {
		m.finished(h)
	}
	return h, nil
}

// FinishTx moves an active hold to released or expired inside tx and reports
// whether the status changed. No ledger entry is written: the credits were
// never debited.
func (m *Manager) FinishTx(ctx context.Context, tx store.Tx, id string, to model.HoldStatus) (model.Hold, bool, error) {
	if to != model.HoldReleased && to != model.HoldExpired {
		return model.Hold{}, false, apperr.New(apperr.KindIllegalTransition, "hold cannot be finished as %s", to)
	}
	h, err := tx.Holds().Lock(ctx, id)
	if err != nil {
		return model.Hold{}, false, holdErr(err, id)
	}
	switch h.Status {
	case to:
		return h, false, nil
	case model.HoldActive:
	default:
		return model.Hold{}, false, apperr.New(apperr.KindIllegalTransition, "hold %s is %s", id, h.Status)
	}
	now := m.ledger.Now()
	if err := tx.Holds().UpdateStatus(ctx, id, model.HoldActive, to, now); err != nil {
		if errors.Is(err, store.ErrStale) {
			return model.Hold{}, false, apperr.New(apperr.KindIllegalTransition, "hold %s changed concurrently", id)
		}
		return model.Hold{}, false, err
	}
	h.Status = to
	h.ReleasedAt = &now
	return h, true, nil
}

// ConvertInput turns an active hold into a spend.
type ConvertInput struct {
	HoldID         string
	Description    string
	ActorID        string
	IdempotencyKey string
}

// ConvertResult is the converted hold and the debit that replaced it.
type ConvertResult struct {
	Hold     model.Hold        `json:"hold"`
	Entry    model.LedgerEntry `json:"entry"`
	Replayed bool              `json:"-"`
}

// Convert debits the held amount and closes the hold in one transaction.
// Replaying with the same key returns the original entry.
func (m *Manager) Convert(ctx context.Context, in ConvertInput) (ConvertResult, error) {
	var res ConvertResult
	err := m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = m.ConvertTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return ConvertResult{}, err
	}
	m.converted(res)
	return res, nil
}

// ConvertTx converts inside tx. Lock order is account, then hold.
func (m *Manager) ConvertTx(ctx context.Context, tx store.Tx, in ConvertInput) (ConvertResult, error) {
	if in.IdempotencyKey == "" {
		return ConvertResult{}, apperr.New(apperr.KindInvalidInput, "idempotency key is required to convert a hold")
	}
	peek, err := tx.Holds().Get(ctx, in.HoldID)
	if err != nil {
		return ConvertResult{}, holdErr(err, in.HoldID)
	}
	if _, err := tx.Accounts().Lock(ctx, peek.AccountID); err != nil {
		return ConvertResult{}, accountErr(err, peek.AccountID)
	}
	h, err := tx.Holds().Lock(ctx, in.HoldID)
	if err != nil {
		return ConvertResult{}, holdErr(err, in.HoldID)
	}

	switch h.Status {
	case model.HoldConverted:
		entry, err := tx.Entries().GetByKey(ctx, h.AccountID, in.IdempotencyKey)
		if errors.Is(err, store.ErrNotFound) {
			return ConvertResult{}, apperr.New(apperr.KindConflictingKey,
				"hold %s was converted under a different key", h.ID)
		}
		if err != nil {
			return ConvertResult{}, err
		}
		if entry.Kind != model.KindHoldConversion || !entry.Reference.Equal(model.RequestRef(h.RequestID)) {
			return ConvertResult{}, apperr.New(apperr.KindConflictingKey,
				"idempotency key %q belongs to another entry", in.IdempotencyKey)
		}
		return ConvertResult{Hold: h, Entry: entry, Replayed: true}, nil
	case model.HoldActive:
	default:
		return ConvertResult{}, apperr.New(apperr.KindIllegalTransition, "hold %s is %s", h.ID, h.Status)
	}

	entry, replayed, err := m.ledger.AppendTx(ctx, tx, ledger.EntryInput{
		AccountID:      h.AccountID,
		Direction:      model.Debit,
		Amount:         h.Amount,
		Kind:           model.KindHoldConversion,
		Reference:      model.RequestRef(h.RequestID),
		Description:    in.Description,
		ActorID:        in.ActorID,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return ConvertResult{}, err
	}
	if replayed {
		// An active hold never has a conversion entry.
		return ConvertResult{}, apperr.New(apperr.KindConflictingKey,
			"idempotency key %q already journaled while hold %s is active", in.IdempotencyKey, h.ID)
	}
	now := entry.CreatedAt
	if err := tx.Holds().UpdateStatus(ctx, h.ID, model.HoldActive, model.HoldConverted, now); err != nil {
		if errors.Is(err, store.ErrStale) {
			return ConvertResult{}, apperr.New(apperr.KindIllegalTransition, "hold %s changed concurrently", h.ID)
		}
		return ConvertResult{}, err
	}
	h.Status = model.HoldConverted
	h.ConvertedAt = &now
	return ConvertResult{Hold: h, Entry: entry}, nil
}

// Placed records a committed PlaceTx.
func (m *Manager) Placed(res PlaceResult) { m.placed(res) }

// Finished records a committed FinishTx that changed the hold.
func (m *Manager) Finished(h model.Hold) { m.finished(h) }

// Converted records a committed ConvertTx.
func (m *Manager) Converted(res ConvertResult) { m.converted(res) }

func (m *Manager) placed(res PlaceResult) {
	if res.Replayed {
		obs.ObserveReplay("hold_place")
		return
	}
	obs.ObserveHold(string(model.HoldActive))
	m.log.Info().Str("hold_id", res.Hold.ID).Str("request_id", res.Hold.RequestID).
		Int64("amount", res.Hold.Amount).Int64("available", res.Available).Msg("hold placed")
}

func (m *Manager) finished(h model.Hold) {
	obs.ObserveHold(string(h.Status))
	m.log.Info().Str("hold_id", h.ID).Str("request_id", h.RequestID).
		Str("status", string(h.Status)).Int64("amount", h.Amount).Msg("hold closed")
}

func (m *Manager) converted(res ConvertResult) {
	if res.Replayed {
		obs.ObserveReplay("hold_convert")
		return
	}
	obs.ObserveHold(string(model.HoldConverted))
	m.ledger.Committed(res.Entry, false)
	m.log.Info().Str("hold_id", res.Hold.ID).Str("entry_id", res.Entry.ID).
		Int64("amount", res.Hold.Amount).Msg("hold converted")
}

func accountErr(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindUnknownAccount, "account %s not found", id)
	}
	return err
}

func holdErr(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindUnknownHold, "hold %s not found", id)
	}
	return err
}
