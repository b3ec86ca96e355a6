package model

import "time"

// Direction of a ledger entry relative to the account.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

func (d Direction) Valid() bool { return d == Credit || d == Debit }

// EntryKind classifies why a ledger entry exists.
type EntryKind string

const (
	KindAllocation     EntryKind = "allocation" // mid-cycle top-up, never the initial grant
	KindSpend          EntryKind = "spend"
	KindHoldConversion EntryKind = "hold_conversion"
	KindRefund         EntryKind = "refund"
	KindAdjustment     EntryKind = "adjustment"
	KindExpiry         EntryKind = "expiry"
	KindRollover       EntryKind = "rollover"
)

func (k EntryKind) Valid() bool {
	switch k {
	case KindAllocation, KindSpend, KindHoldConversion, KindRefund, KindAdjustment, KindExpiry, KindRollover:
		return true
	}
	return false
}

// Consumption reports whether a debit of this kind counts towards used credits.
func (k EntryKind) Consumption() bool { return k == KindSpend || k == KindHoldConversion }

// ReferenceType names the kind of entity an entry points at.
type ReferenceType string

const (
	RefRequest      ReferenceType = "request"
	RefSubscription ReferenceType = "subscription"
	RefAdmin        ReferenceType = "admin"
	RefSystem       ReferenceType = "system"
)

func (t ReferenceType) Valid() bool {
	switch t {
	case RefRequest, RefSubscription, RefAdmin, RefSystem:
		return true
	}
	return false
}

// Reference links an entry to its source entity.
type Reference struct {
	Type ReferenceType `json:"type"`
	ID   string        `json:"id"`
}

// RequestRef returns the reference used for entries produced by a request.
func RequestRef(requestID string) *Reference {
	return &Reference{Type: RefRequest, ID: requestID}
}

func (r *Reference) Equal(o *Reference) bool {
	if r == nil || o == nil {
		return r == nil && o == nil
	}
	return *r == *o
}

// Account is one company's credit pool. The tier grant (base + bonus) lives
// on the row and is never journaled.
type Account struct {
	ID           string    `json:"id"`
	CompanyID    string    `json:"company_id"`
	Tier         string    `json:"tier"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	BaseCredits  int64     `json:"base_credits"`
	BonusCredits int64     `json:"bonus_credits"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LedgerEntry is an immutable balance change.
type LedgerEntry struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	Direction      Direction  `json:"direction"`
	Amount         int64      `json:"amount"`
	Kind           EntryKind  `json:"kind"`
	Reference      *Reference `json:"reference,omitempty"`
	Description    string     `json:"description,omitempty"`
	ActorID        string     `json:"actor_id,omitempty"` // empty for system actions
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// SameSemantics reports whether o describes the same write as e, ignoring
// generated fields. Used to tell replays from key conflicts.
func (e LedgerEntry) SameSemantics(o LedgerEntry) bool {
	return e.AccountID == o.AccountID &&
		e.Direction == o.Direction &&
		e.Amount == o.Amount &&
		e.Kind == o.Kind &&
		e.Reference.Equal(o.Reference)
}

// EntrySum is one (direction, kind) aggregate over an account's entries.
type EntrySum struct {
	Direction Direction
	Kind      EntryKind
	Total     int64
}

// Balance is derived, never stored.
type Balance struct {
	AccountID     string `json:"account_id"`
	Base          int64  `json:"base"`
	Bonus         int64  `json:"bonus"`
	LedgerCredits int64  `json:"ledger_credits"`
	LedgerDebits  int64  `json:"ledger_debits"`
	Reserved      int64  `json:"reserved"`
	Available     int64  `json:"available"`
	Used          int64  `json:"used"`
}

// ComputeBalance folds the independent aggregates into a Balance.
//
//	available = base + bonus + credits - debits - reserved
//	used      = consumption debits - refunds
func ComputeBalance(acc Account, sums []EntrySum, reserved int64) Balance {
	b := Balance{
		AccountID: acc.ID,
		Base:      acc.BaseCredits,
		Bonus:     acc.BonusCredits,
		Reserved:  reserved,
	}
	var consumed, refunded int64
	for _, s := range sums {
		switch s.Direction {
		case Credit:
			b.LedgerCredits += s.Total
			if s.Kind == KindRefund {
				refunded += s.Total
			}
		case Debit:
			b.LedgerDebits += s.Total
			if s.Kind.Consumption() {
				consumed += s.Total
			}
		}
	}
	b.Available = b.Base + b.Bonus + b.LedgerCredits - b.LedgerDebits - b.Reserved
	b.Used = consumed - refunded
	if b.Used < 0 {
		b.Used = 0
	}
	return b
}

// HoldStatus is the lifecycle state of a reservation.
type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldConverted HoldStatus = "converted"
	HoldReleased  HoldStatus = "released"
	HoldExpired   HoldStatus = "expired"
)

func (s HoldStatus) Terminal() bool { return s != HoldActive }

// Hold reserves credits for exactly one pending request.
type Hold struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	RequestID      string     `json:"request_id"`
	Amount         int64      `json:"amount"`
	Status         HoldStatus `json:"status"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
	ConvertedAt    *time.Time `json:"converted_at,omitempty"`
}

// HistoryFilter narrows an account's ledger history. Results are newest first.
type HistoryFilter struct {
	AccountID string
	From      *time.Time
	To        *time.Time
	Kinds     []EntryKind
	Limit     int
	Offset    int
}
