package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"creditcore.io/internal/apperr"
)

func ptr[T any](v T) *T { return &v }

func TestComputeBalance(t *testing.T) {
	acc := Account{ID: "a1", BaseCredits: 1000, BonusCredits: 100}
	sums := []EntrySum{
		{Direction: Credit, Kind: KindAllocation, Total: 200},
		{Direction: Credit, Kind: KindRefund, Total: 50},
		{Direction: Debit, Kind: KindSpend, Total: 300},
		{Direction: Debit, Kind: KindHoldConversion, Total: 150},
		{Direction: Debit, Kind: KindAdjustment, Total: 25},
	}
	b := ComputeBalance(acc, sums, 400)

	assert.Equal(t, int64(250), b.LedgerCredits)
	assert.Equal(t, int64(475), b.LedgerDebits)
	assert.Equal(t, int64(400), b.Reserved)
	assert.Equal(t, int64(1000+100+250-475-400), b.Available)
	assert.Equal(t, int64(300+150-50), b.Used)
}

func TestCanTransition(t *testing.T) {
	legal := [][2]Status{
		{StatusDraft, StatusPending},
		{StatusDraft, StatusApproved},
		{StatusDraft, StatusCancelled},
		{StatusPending, StatusApproved},
		{StatusPending, StatusDenied},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusExpired},
		{StatusApproved, StatusFulfilled},
		{StatusApproved, StatusCancelled},
	}
	for _, e := range legal {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
	for _, from := range []Status{StatusDenied, StatusCancelled, StatusExpired, StatusFulfilled} {
		for _, to := range []Status{StatusDraft, StatusPending, StatusApproved, StatusDenied, StatusCancelled, StatusExpired, StatusFulfilled} {
			assert.False(t, CanTransition(from, to), "terminal %s must not reach %s", from, to)
		}
	}
	assert.False(t, CanTransition(StatusApproved, StatusPending))
	assert.False(t, CanTransition(StatusDraft, StatusDenied))
}

func TestRuleMatchesAndValidate(t *testing.T) {
	r := ApprovalRule{CompanyID: "c1", MinCredits: 500, MaxCredits: ptr[int64](2000), ApproverRole: LevelApprover}
	assert.False(t, r.Matches(499))
	assert.True(t, r.Matches(500))
	assert.True(t, r.Matches(2000))
	assert.False(t, r.Matches(2001))
	assert.NoError(t, r.Validate())

	unbounded := ApprovalRule{CompanyID: "c1", MinCredits: 10, ApproverRole: LevelAdmin}
	assert.True(t, unbounded.Matches(1<<40))

	cases := map[string]ApprovalRule{
		"max below min":   {CompanyID: "c1", MinCredits: 10, MaxCredits: ptr[int64](10), ApproverRole: LevelAuto},
		"negative min":    {CompanyID: "c1", MinCredits: -1, ApproverRole: LevelAuto},
		"bad role":        {CompanyID: "c1", ApproverRole: "boss"},
		"half escalation": {CompanyID: "c1", ApproverRole: LevelApprover, EscalationHours: ptr(48)},
		"escalate to auto": {CompanyID: "c1", ApproverRole: LevelApprover, EscalationHours: ptr(48),
			EscalateTo: ptr(LevelAuto)},
	}
	for name, rule := range cases {
		err := rule.Validate()
		assert.Error(t, err, name)
		var ae *apperr.Error
		assert.True(t, errors.As(err, &ae), name)
	}
}

func TestAssignmentEffectiveUser(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	a := ApproverAssignment{
		CompanyID: "c1", TeamID: "t1", UserID: "alice", Level: LevelApprover,
		DelegateTo: ptr("bob"), DelegateStart: &start, DelegateEnd: &end,
	}
	assert.NoError(t, a.Validate())
	assert.Equal(t, "alice", a.EffectiveUser(start.Add(-time.Hour)))
	assert.Equal(t, "bob", a.EffectiveUser(start.Add(9*time.Hour)))
	assert.Equal(t, "bob", a.EffectiveUser(end.Add(23*time.Hour)))
	assert.Equal(t, "alice", a.EffectiveUser(end.Add(25*time.Hour)))

	partial := a
	partial.DelegateEnd = nil
	assert.Error(t, partial.Validate())

	reversed := a
	reversed.DelegateStart, reversed.DelegateEnd = &end, &start
	assert.Error(t, reversed.Validate())
}

func TestReferenceEqual(t *testing.T) {
	assert.True(t, (*Reference)(nil).Equal(nil))
	assert.False(t, RequestRef("r1").Equal(nil))
	assert.True(t, RequestRef("r1").Equal(RequestRef("r1")))
	assert.False(t, RequestRef("r1").Equal(&Reference{Type: RefAdmin, ID: "r1"}))
}
