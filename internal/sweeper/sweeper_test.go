package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditcore.io/internal/approval"
	"creditcore.io/internal/hold"
	"creditcore.io/internal/ledger"
	"creditcore.io/internal/model"
	"creditcore.io/internal/store/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	requester = approval.Actor{UserID: "bob", CompanyID: "acme", Role: model.RoleMember}
	admin     = approval.Actor{UserID: "root", CompanyID: "acme", Role: model.RoleAdmin}
)

type fixture struct {
	clock   *clock
	ledger  *ledger.Service
	engine  *approval.Engine
	account model.Account
}

func setup(t *testing.T, escalate bool) fixture {
	t.Helper()
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	st := memory.New()
	l := ledger.New(st, ledger.WithClock(c.Now))
	e := approval.New(st, l, hold.NewManager(st, l, zerolog.Nop()), approval.WithPendingTTL(24*time.Hour))
	acc, err := l.OpenAccount(ctx, ledger.OpenAccountInput{CompanyID: "acme", BaseCredits: 10000})
	require.NoError(t, err)

	rule := model.ApprovalRule{CompanyID: "acme", MinCredits: 1, ApproverRole: model.LevelApprover}
	if escalate {
		hours, to := 48, model.LevelAdmin
		rule.EscalationHours, rule.EscalateTo = &hours, &to
	}
	_, err = e.CreateRule(ctx, admin, rule)
	require.NoError(t, err)
	for user, level := range map[string]model.Level{"alice": model.LevelApprover, "root": model.LevelAdmin} {
		_, err = e.UpsertAssignment(ctx, admin, model.ApproverAssignment{CompanyID: "acme", TeamID: "ops", UserID: user, Level: level})
		require.NoError(t, err)
	}
	return fixture{clock: c, ledger: l, engine: e, account: acc}
}

func (f fixture) submit(t *testing.T, amount int64) model.Request {
	t.Helper()
	ctx := context.Background()
	r, err := f.engine.Create(ctx, approval.CreateInput{
		CompanyID: "acme", TeamID: "ops", RequesterID: "bob",
		Type: model.TypeMonitoring, Title: "Watchlist", EstimatedCredits: amount,
	})
	require.NoError(t, err)
	r, err = f.engine.Submit(ctx, r.ID, requester, "")
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, r.Status)
	return r
}

func TestEscalationSweep(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	r := f.submit(t, 750)
	s := New(f.engine)

	n, err := s.RunEscalationSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is due yet")

	f.clock.Advance(48*time.Hour + time.Second)
	n, err = s.RunEscalationSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.engine.GetRequest(ctx, r.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 1, got.EscalationCount)
	assert.Equal(t, "root", got.CurrentApprover)
	assert.True(t, got.ExpiresAt.After(f.clock.Now()))

	n, err = s.RunEscalationSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "re-running the tick changes nothing")

	n, err = s.RunExpirationSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpirationSweep(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	r := f.submit(t, 750)
	s := New(f.engine)

	f.clock.Advance(24*time.Hour + time.Second)
	n, err := s.RunEscalationSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.RunExpirationSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.engine.GetRequest(ctx, r.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	bal, err := f.ledger.Balance(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal.Available)

	n, err = s.RunExpirationSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTickPagesThroughBacklog(t *testing.T) {
	f := setup(t, false)
	for i := 0; i < 7; i++ {
		f.submit(t, int64(100+i))
		f.clock.Advance(time.Minute)
	}
	f.clock.Advance(25 * time.Hour)

	s := New(f.engine, WithBatch(2))
	escalated, expired, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, escalated)
	assert.Equal(t, 7, expired)

	bal, err := f.ledger.Balance(context.Background(), f.account.ID)
	require.NoError(t, err)
	assert.Zero(t, bal.Reserved)
}

func TestRedisLockerElectsOneReplica(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	a := NewRedisLocker(client, "creditcore:sweep", 30*time.Second)
	b := NewRedisLocker(client, "creditcore:sweep", 30*time.Second)

	release, err := a.Acquire(ctx)
	require.NoError(t, err)

	_, err = b.Acquire(ctx)
	assert.ErrorIs(t, err, ErrLockHeld)

	f := setup(t, false)
	f.submit(t, 100)
	f.clock.Advance(25 * time.Hour)
	escalated, expired, err := New(f.engine, WithLocker(b)).Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, escalated+expired, "a replica without the lock skips the tick")

	require.NoError(t, release(ctx))
	_, expired, err = New(f.engine, WithLocker(b)).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := setup(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(f.engine, WithInterval(10*time.Millisecond)).Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
