package approval

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditcore.io/internal/model"
	"creditcore.io/internal/store"
)

// TestRandomSequencesKeepInvariants drives random operations against one
// account and checks the ledger and audit invariants after every step.
func TestRandomSequencesKeepInvariants(t *testing.T) {
	for seed := int64(1); seed <= 8; seed++ {
		rng := rand.New(rand.NewSource(seed))
		v := newEnv(t, 5000)
		v.standard(true)
		ctx := context.Background()

		var ids []string
		for step := 0; step < 120; step++ {
			switch n := rng.Intn(8); {
			case n == 0 || len(ids) == 0:
				r := v.create(int64(1 + rng.Intn(1500)))
				ids = append(ids, r.ID)
			default:
				id := ids[rng.Intn(len(ids))]
				v.randomOp(rng, id)
			}
			if rng.Intn(10) == 0 {
				v.clock.Advance(time.Duration(rng.Intn(72)) * time.Hour)
				now := v.clock.Now()
				due, err := v.engine.DuePending(ctx, now, nil, 100)
				require.NoError(t, err)
				for _, r := range due {
					_, err := v.engine.EscalateDue(ctx, r.ID, now)
					require.NoError(t, err)
					_, err = v.engine.ExpireDue(ctx, r.ID, now)
					require.NoError(t, err)
				}
			}
			v.checkInvariants(ids)
		}
	}
}

func (v *env) randomOp(rng *rand.Rand, id string) {
	ctx := context.Background()
	before := v.snapshot(id)
	var err error
	switch rng.Intn(7) {
	case 0, 1:
		_, err = v.engine.Submit(ctx, id, bob, "")
	case 2:
		_, err = v.engine.Approve(ctx, id, root, "", "")
	case 3:
		_, err = v.engine.Deny(ctx, id, root, "no budget", "", "")
	case 4:
		_, err = v.engine.Cancel(ctx, id, bob, "", "")
	case 5:
		r, gerr := v.engine.GetRequest(ctx, id, root)
		require.NoError(v.t, gerr)
		actual := r.EstimatedCredits + int64(rng.Intn(200)-100)
		if actual < 0 {
			actual = 0
		}
		_, err = v.engine.Fulfil(ctx, id, bob, actual, "")
	case 6:
		_, err = v.engine.Comment(ctx, id, bob, "ping", "")
	}
	if err != nil {
		// A rejected operation leaves no trace.
		assert.Equal(v.t, before, v.snapshot(id))
		return
	}

	// Replaying a successful transition is a no-op.
	after := v.snapshot(id)
	if rng.Intn(2) == 0 && after.request.Status != before.request.Status {
		switch after.request.Status {
		case model.StatusPending:
			_, err = v.engine.Submit(ctx, id, bob, "")
		case model.StatusDenied:
			_, err = v.engine.Deny(ctx, id, root, "no budget", "", "")
		case model.StatusCancelled:
			_, err = v.engine.Cancel(ctx, id, bob, "", "")
		default:
			return
		}
		require.NoError(v.t, err)
		assert.Equal(v.t, after, v.snapshot(id))
	}
}

type snapshot struct {
	request model.Request
	events  int
	entries int
	balance model.Balance
}

func (v *env) snapshot(id string) snapshot {
	v.t.Helper()
	r, err := v.engine.GetRequest(context.Background(), id, root)
	require.NoError(v.t, err)
	evs, err := v.engine.Events(context.Background(), id, root)
	require.NoError(v.t, err)
	return snapshot{request: r, events: len(evs), entries: len(v.entries(id)), balance: v.balance()}
}

func (v *env) checkInvariants(ids []string) {
	t := v.t
	t.Helper()
	b := v.balance()
	require.GreaterOrEqual(t, b.Available, int64(0), "available went negative")

	var reserved int64
	err := v.store.ReadTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, id := range ids {
			r, err := tx.Requests().Get(ctx, id)
			if err != nil {
				return err
			}
			if !r.Status.Valid() {
				t.Fatalf("request %s has unknown status %q", id, r.Status)
			}

			h, herr := tx.Holds().GetByRequest(ctx, id)
			if herr == nil {
				if h.Status == model.HoldActive {
					reserved += h.Amount
					assert.Equal(t, model.StatusPending, r.Status, "active hold outside pending")
				}
			}

			entries, err := tx.Entries().ListByReference(ctx, *model.RequestRef(id))
			if err != nil {
				return err
			}
			conversions, spends := 0, 0
			for _, e := range entries {
				switch {
				case e.Kind == model.KindHoldConversion:
					conversions++
					assert.Equal(t, model.HoldConverted, h.Status)
					assert.Equal(t, h.Amount, e.Amount)
				case e.Kind == model.KindSpend && e.IdempotencyKey == "spend:"+id:
					spends++
				}
			}
			assert.LessOrEqual(t, conversions, 1)
			assert.LessOrEqual(t, spends, 1)
			assert.False(t, conversions == 1 && spends == 1, "request debited twice")

			events, err := tx.Events().List(ctx, id)
			if err != nil {
				return err
			}
			require.NotEmpty(t, events)
			var last model.ApprovalEvent
			for _, ev := range events {
				if ev.Kind == model.EventComment || ev.Kind == model.EventReassigned || ev.Kind == model.EventEscalated {
					assert.Equal(t, ev.FromStatus, ev.ToStatus)
					continue
				}
				if last.ID != "" {
					assert.Equal(t, last.ToStatus, ev.FromStatus, "events must chain")
					assert.True(t, model.CanTransition(ev.FromStatus, ev.ToStatus), "%s -> %s", ev.FromStatus, ev.ToStatus)
				}
				last = ev
			}
			assert.Equal(t, r.Status, last.ToStatus)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, reserved, b.Reserved)
	assert.Equal(t, b.Base+b.Bonus+b.LedgerCredits-b.LedgerDebits-b.Reserved, b.Available)
}
