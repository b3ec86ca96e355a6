// Package approval owns the credit request state machine.
//
// Every mutation runs in one store transaction that locks the request row,
// checks the source status, performs the ledger or hold side effect, updates
// the request and appends exactly one audit event. Observations (metrics,
// logs, stream fan-out) happen only after commit.
package approval

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"creditcore.io/internal/apperr"
	"creditcore.io/internal/hold"
	"creditcore.io/internal/ids"
	"creditcore.io/internal/ledger"
	"creditcore.io/internal/model"
	"creditcore.io/internal/obs"
	"creditcore.io/internal/store"
)

const (
	defaultPendingTTL     = 72 * time.Hour
	defaultMaxEscalations = 1
	defaultListLimit      = 50
	maxListLimit          = 500
)

// Publisher receives committed audit events.
type Publisher interface {
	Publish(ev model.ApprovalEvent)
}

// Actor is the caller of an operation. The zero Actor is the system.
type Actor struct {
	UserID    string
	CompanyID string
	Role      model.Role
}

// System returns the actor used by sweepers.
func System() Actor { return Actor{} }

func (a Actor) IsSystem() bool { return a.UserID == "" }

func (a Actor) IsAdmin() bool { return a.Role == model.RoleAdmin }

// Engine drives requests through their lifecycle.
type Engine struct {
	store  store.Store
	ledger *ledger.Service
	holds  *hold.Manager
	log    zerolog.Logger
	pub    Publisher

	maxEscalations int
	pendingTTL     time.Duration
	defaultRoute   bool
	cancelRefund   bool
}

// Option configures Engine.
type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l.With().Str("component", "approval").Logger() }
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithMaxEscalations bounds how often one request may escalate.
func WithMaxEscalations(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxEscalations = n
		}
	}
}

// WithPendingTTL sets the deadline of pending requests whose rule has no
// escalation interval.
func WithPendingTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pendingTTL = d
		}
	}
}

// WithDefaultRoute controls whether requests matching no rule fall back to
// admin approval. When disabled they fail with RuleMisconfigured.
func WithDefaultRoute(enabled bool) Option {
	return func(e *Engine) { e.defaultRoute = enabled }
}

// WithCancelRefund makes cancelling an approved request refund its net debit
// under the key refund:<request_id>.
func WithCancelRefund(enabled bool) Option {
	return func(e *Engine) { e.cancelRefund = enabled }
}

// New constructs an Engine.
func New(st store.Store, l *ledger.Service, h *hold.Manager, opts ...Option) *Engine {
	e := &Engine{
		store:          st,
		ledger:         l,
		holds:          h,
		log:            zerolog.Nop(),
		maxEscalations: defaultMaxEscalations,
		pendingTTL:     defaultPendingTTL,
		defaultRoute:   true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now reads the engine clock.
func (e *Engine) Now() time.Time { return e.ledger.Now() }

// MaxEscalations returns the configured escalation bound.
func (e *Engine) MaxEscalations() int { return e.maxEscalations }

// op collects the outcome of one transaction for post-commit observation.
type op struct {
	req    model.Request
	events []model.ApprovalEvent
	after  []func()
	replay bool
}

func (o *op) then(fn func()) { o.after = append(o.after, fn) }

// run executes fn in a transaction and publishes its outcome after commit.
func (e *Engine) run(ctx context.Context, name string, fn func(ctx context.Context, tx store.Tx, o *op) error) (model.Request, error) {
	o := &op{}
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		*o = op{}
		return fn(ctx, tx, o)
	})
	if err != nil {
		e.rejected(name, err)
		return model.Request{}, err
	}
	if o.replay {
		obs.ObserveReplay("request_" + name)
		return o.req, nil
	}
	for _, f := range o.after {
		f()
	}
	for _, ev := range o.events {
		obs.ObserveEvent(string(ev.Kind))
		e.log.Info().
			Str("request_id", ev.RequestID).
			Str("event", string(ev.Kind)).
			Str("from", string(ev.FromStatus)).
			Str("to", string(ev.ToStatus)).
			Str("actor", ev.ActorID).
			Bool("system", ev.System).
			Msg("request transition")
		if e.pub != nil {
			e.pub.Publish(ev)
		}
	}
	return o.req, nil
}

func (e *Engine) rejected(name string, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal || kind == apperr.KindStorageUnavailable {
		e.log.Error().Err(err).Str("op", name).Msg("request operation failed")
		return
	}
	e.log.Debug().Err(err).Str("op", name).Str("kind", string(kind)).Msg("request operation rejected")
}

// CreateInput describes a new draft request.
type CreateInput struct {
	CompanyID        string
	TeamID           string
	RequesterID      string
	Type             model.RequestType
	Title            string
	Description      string
	Context          map[string]any
	EstimatedCredits int64
	IdempotencyKey   string
}

// Create inserts a draft request. Replaying a key returns the request it
// created; reusing it for a different request fails with ConflictingKey.
func (e *Engine) Create(ctx context.Context, in CreateInput) (model.Request, error) {
	if err := validateCreate(&in); err != nil {
		return model.Request{}, err
	}
	create := func(ctx context.Context, tx store.Tx, o *op) error {
		if in.IdempotencyKey != "" {
			existing, err := tx.Requests().GetByKey(ctx, in.CompanyID, in.IdempotencyKey)
			switch {
			case err == nil:
				if !sameCreate(existing, in) {
					return apperr.New(apperr.KindConflictingKey,
						"idempotency key %q already created request %s", in.IdempotencyKey, existing.ID)
				}
				o.req, o.replay = existing, true
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}
		acc, err := tx.Accounts().GetByCompany(ctx, in.CompanyID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.KindUnknownAccount, "company %s has no account", in.CompanyID)
		}
		if err != nil {
			return err
		}
		now := e.ledger.Now()
		r := model.Request{
			ID:               ids.NewAt(now),
			CompanyID:        in.CompanyID,
			AccountID:        acc.ID,
			TeamID:           in.TeamID,
			RequesterID:      in.RequesterID,
			Type:             in.Type,
			Status:           model.StatusDraft,
			Title:            in.Title,
			Description:      in.Description,
			Context:          in.Context,
			EstimatedCredits: in.EstimatedCredits,
			IdempotencyKey:   in.IdempotencyKey,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.Requests().Insert(ctx, &r); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Wrap(err, apperr.KindConflictingKey, "idempotency key already used")
			}
			return err
		}
		ev := newEvent(r, model.EventCreated, Actor{UserID: in.RequesterID}, "", now)
		ev.Metadata = map[string]any{"estimated_credits": r.EstimatedCredits, "type": string(r.Type)}
		if err := appendEvent(ctx, tx, o, &ev); err != nil {
			return err
		}
		o.req = r
		return nil
	}
	r, err := e.run(ctx, "create", create)
	if in.IdempotencyKey != "" && errors.Is(err, store.ErrDuplicate) {
		// A concurrent create took the key after the lookup; rerun to read it.
		return e.run(ctx, "create", create)
	}
	return r, err
}

// sameCreate reports whether in describes the request r was created from.
func sameCreate(r model.Request, in CreateInput) bool {
	return r.RequesterID == in.RequesterID && r.TeamID == in.TeamID &&
		r.Type == in.Type && r.EstimatedCredits == in.EstimatedCredits &&
		r.Title == in.Title
}

func validateCreate(in *CreateInput) error {
	in.CompanyID = strings.TrimSpace(in.CompanyID)
	in.Title = strings.TrimSpace(in.Title)
	switch {
	case in.CompanyID == "":
		return apperr.New(apperr.KindInvalidInput, "company_id is required")
	case strings.TrimSpace(in.RequesterID) == "":
		return apperr.New(apperr.KindInvalidInput, "requester_id is required")
	case !in.Type.Valid():
		return apperr.New(apperr.KindInvalidInput, "unknown request type %q", in.Type)
	case in.Title == "":
		return apperr.New(apperr.KindInvalidInput, "title is required")
	case in.EstimatedCredits <= 0:
		return apperr.New(apperr.KindInvalidAmount, "estimated_credits must be > 0, got %d", in.EstimatedCredits)
	}
	return nil
}

// Submit routes a draft request. Auto-level requests are debited and
// approved at once; all others reserve their credits and become pending.
func (e *Engine) Submit(ctx context.Context, id string, actor Actor, key string) (model.Request, error) {
	return e.run(ctx, "submit", func(ctx context.Context, tx store.Tx, o *op) error {
		r, err := lockVisible(ctx, tx, id, actor)
		if err != nil {
			return err
		}
		if err := checkSubmit(r, actor); err != nil {
			return err
		}
		key, explicit := eventKey(key, "submit")
		if done, err := replayed(ctx, tx, r, key, explicit, model.EventSubmitted, model.EventAutoApproved); done || err != nil {
			o.req, o.replay = r, done
			return err
		}
		if r.Status != model.StatusDraft {
			return illegal(r, "submit")
		}

		rt, err := e.route(ctx, tx, r.CompanyID, r.EstimatedCredits)
		if err != nil {
			return err
		}
		now := e.ledger.Now()
		r.ApprovalLevel = rt.level
		r.RuleID = rt.ruleID()
		r.SubmittedAt = &now
		r.UpdatedAt = now

		if rt.level == model.LevelAuto {
			entry, repl, err := e.ledger.DirectSpendTx(ctx, tx, ledger.SpendInput{
				AccountID:      r.AccountID,
				Amount:         r.EstimatedCredits,
				Reference:      model.RequestRef(r.ID),
				Description:    r.Title,
				ActorID:        r.RequesterID,
				IdempotencyKey: "spend:" + r.ID,
			})
			if err != nil {
				return err
			}
			o.then(func() { e.ledger.Committed(entry, repl) })
			r.Status = model.StatusApproved
			r.DecidedAt = &now
			ev := newEvent(r, model.EventAutoApproved, System(), model.StatusDraft, now)
			ev.IdempotencyKey = key
			ev.Metadata = map[string]any{"entry_id": entry.ID, "submitted_by": actor.UserID}
			return e.commit(ctx, tx, o, r, model.StatusDraft, ev)
		}

		placed, err := e.holds.PlaceTx(ctx, tx, hold.PlaceInput{
			AccountID:      r.AccountID,
			RequestID:      r.ID,
			Amount:         r.EstimatedCredits,
			IdempotencyKey: "hold:" + r.ID,
		})
		if err != nil {
			return err
		}
		o.then(func() { e.holds.Placed(placed) })
		approver, err := e.pickApprover(ctx, tx, r, rt.level, now)
		if err != nil {
			return err
		}
		ttl := e.pendingTTL
		if rt.rule != nil && rt.rule.EscalationHours != nil {
			ttl = rt.rule.EscalationInterval()
		}
		expires := now.Add(ttl)
		r.Status = model.StatusPending
		r.CurrentApprover = approver
		r.ExpiresAt = &expires
		ev := newEvent(r, model.EventSubmitted, actor, model.StatusDraft, now)
		ev.IdempotencyKey = key
		ev.Metadata = map[string]any{
			"hold_id":          placed.Hold.ID,
			"approval_level":   string(rt.level),
			"current_approver": approver,
		}
		if approver == "" {
			e.log.Warn().Str("request_id", r.ID).Str("level", string(rt.level)).Msg("no approver available")
		}
		return e.commit(ctx, tx, o, r, model.StatusDraft, ev)
	})
}

// Approve converts the hold of a pending request into a debit.
func (e *Engine) Approve(ctx context.Context, id string, actor Actor, note, key string) (model.Request, error) {
	return e.run(ctx, "approve", func(ctx context.Context, tx store.Tx, o *op) error {
		r, err := lockVisible(ctx, tx, id, actor)
		if err != nil {
			return err
		}
		key, explicit := eventKey(key, "decision")
		if done, err := replayed(ctx, tx, r, key, explicit, model.EventApproved); done || err != nil {
			if done {
				if err := checkDecided(r, actor); err != nil {
					return err
				}
				if r.DecisionReason != note {
					return apperr.New(apperr.KindConflictingKey, "request %s was approved with another note", r.ID)
				}
			}
			o.req, o.replay = r, done
			return err
		}
		if err := checkApprove(r, actor); err != nil {
			return err
		}
		h, err := tx.Holds().GetByRequest(ctx, r.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.New(apperr.KindUnknownHold, "request %s has no hold", r.ID)
			}
			return err
		}
		conv, err := e.holds.ConvertTx(ctx, tx, hold.ConvertInput{
			HoldID:         h.ID,
			Description:    r.Title,
			ActorID:        actor.UserID,
			IdempotencyKey: "convert:" + r.ID,
		})
		if err != nil {
			return err
		}
		o.then(func() { e.holds.Converted(conv) })
		now := e.ledger.Now()
		r.Status = model.StatusApproved
		r.DecidedBy = actor.UserID
		r.DecidedAt = &now
		r.DecisionReason = note
		r.UpdatedAt = now
		ev := newEvent(r, model.EventApproved, actor, model.StatusPending, now)
		ev.Reason = note
		ev.IdempotencyKey = key
		ev.Metadata = map[string]any{"entry_id": conv.Entry.ID, "hold_id": h.ID}
		return e.commit(ctx, tx, o, r, model.StatusPending, ev)
	})
}

// Deny releases the hold of a pending request.
func (e *Engine) Deny(ctx context.Context, id string, actor Actor, reason, code, key string) (model.Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.Request{}, apperr.New(apperr.KindInvalidInput, "a reason is required to deny")
	}
	return e.run(ctx, "deny", func(ctx context.Context, tx store.Tx, o *op) error {
		r, err := lockVisible(ctx, tx, id, actor)
		if err != nil {
			return err
		}
		key, explicit := eventKey(key, "decision")
		if done, err := replayed(ctx, tx, r, key, explicit, model.EventDenied); done || err != nil {
			if done {
				if err := checkDecided(r, actor); err != nil {
					return err
				}
				if r.DecisionReason != reason {
					return apperr.New(apperr.KindConflictingKey, "request %s was denied with another reason", r.ID)
				}
			}
			o.req, o.replay = r, done
			return err
		}
		if err := checkApprove(r, actor); err != nil {
			return err
		}
		if err := e.releaseHold(ctx, tx, o, r.ID, model.HoldReleased); err != nil {
			return err
		}
		now := e.ledger.Now()
		r.Status = model.StatusDenied
		r.DecidedBy = actor.UserID
		r.DecidedAt = &now
		r.DecisionReason = reason
		r.DecisionCode = code
		r.UpdatedAt = now
		ev := newEvent(r, model.EventDenied, actor, model.StatusPending, now)
		ev.Reason = reason
		ev.IdempotencyKey = key
		if code != "" {
			ev.Metadata = map[string]any{"code": code}
		}
		return e.commit(ctx, tx, o, r, model.StatusPending, ev)
	})
}

// Cancel withdraws a request. Only the requester or an admin may cancel.
// An active hold is released; a booked debit stays unless cancel refunds are
// enabled.
func (e *Engine) Cancel(ctx context.Context, id string, actor Actor, reason, key string) (model.Request, error) {
	return e.run(ctx, "cancel", func(ctx context.Context, tx store.Tx, o *op) error {
		r, err := lockVisible(ctx, tx, id, actor)
		if err != nil {
			return err
		}
		if err := checkCancel(r, actor); err != nil {
			return err
		}
		key, explicit := eventKey(key, "cancel")
		if done, err := replayed(ctx, tx, r, key, explicit, model.EventCancelled); done || err != nil {
			o.req, o.replay = r, done
			return err
		}
		from := r.Status
		if !model.CanTransition(from, model.StatusCancelled) {
			return illegal(r, "cancel")
		}
		meta := map[string]any{}
		switch from {
		case model.StatusPending:
			if err := e.releaseHold(ctx, tx, o, r.ID, model.HoldReleased); err != nil {
				return err
			}
		case model.StatusApproved:
			if e.cancelRefund {
				entry, err := e.refund(ctx, tx, o, r, actor)
				if err != nil {
					return err
				}
				if entry != nil {
					meta["refund_entry_id"] = entry.ID
				}
			}
		}
		now := e.ledger.Now()
		r.Status = model.StatusCancelled
		r.UpdatedAt = now
		ev := newEvent(r, model.EventCancelled, actor, from, now)
		ev.Reason = strings.TrimSpace(reason)
		ev.IdempotencyKey = key
		if len(meta) > 0 {
			ev.Metadata = meta
		}
		return e.commit(ctx, tx, o, r, from, ev)
	})
}

// refund credits back the net debit booked against the request.
func (e *Engine) refund(ctx context.Context, tx store.Tx, o *op, r model.Request, actor Actor) (*model.LedgerEntry, error) {
	entries, err := tx.Entries().ListByReference(ctx, *model.RequestRef(r.ID))
	if err != nil {
		return nil, err
	}
	var net int64
	for _, en := range entries {
		if en.Direction == model.Debit {
			net += en.Amount
		} else {
			net -= en.Amount
		}
	}
	if net <= 0 {
		return nil, nil
	}
	entry, repl, err := e.ledger.AppendTx(ctx, tx, ledger.EntryInput{
		AccountID:      r.AccountID,
		Direction:      model.Credit,
		Amount:         net,
		Kind:           model.KindRefund,
		Reference:      model.RequestRef(r.ID),
		Description:    "cancelled: " + r.Title,
		ActorID:        actor.UserID,
		IdempotencyKey: "refund:" + r.ID,
	})
	if err != nil {
		return nil, err
	}
	o.then(func() { e.ledger.Committed(entry, repl) })
	return &entry, nil
}

// Fulfil closes an approved request with its actual cost. The difference to
// the estimate is trued up under the key truing:<request_id>.
func (e *Engine) Fulfil(ctx context.Context, id string, actor Actor, actual int64, key string) (model.Request, error) {
	if actual < 0 {
		return model.Request{}, apperr.New(apperr.KindInvalidAmount, "actual_credits must be >= 0, got %d", actual)
	}
	return e.run(ctx, "fulfil", func(ctx context.Context, tx store.Tx, o *op) error {
		r, err := lockVisible(ctx, tx, id, actor)
		if err != nil {
			return err
		}
		if err := checkFulfil(r, actor); err != nil {
			return err
		}
		key, explicit := eventKey(key, "fulfil")
		if done, err := replayed(ctx, tx, r, key, explicit, model.EventFulfilled); done || err != nil {
			if done && (r.ActualCredits == nil || *r.ActualCredits != actual) {
				return apperr.New(apperr.KindConflictingKey,
					"request %s was fulfilled with %d credits", r.ID, deref(r.ActualCredits))
			}
			o.req, o.replay = r, done
			return err
		}
		if r.Status != model.StatusApproved {
			return illegal(r, "fulfil")
		}
		meta := map[string]any{"actual_credits": actual, "estimated_credits": r.EstimatedCredits}
		if delta := actual - r.EstimatedCredits; delta != 0 {
			in := ledger.EntryInput{
				AccountID:      r.AccountID,
				Direction:      model.Debit,
				Amount:         delta,
				Kind:           model.KindSpend,
				Reference:      model.RequestRef(r.ID),
				Description:    "truing: " + r.Title,
				ActorID:        actor.UserID,
				IdempotencyKey: "truing:" + r.ID,
			}
			if delta < 0 {
				in.Direction, in.Amount, in.Kind = model.Credit, -delta, model.KindRefund
			}
			entry, repl, err := e.ledger.AppendTx(ctx, tx, in)
			if err != nil {
				return err
			}
			o.then(func() { e.ledger.Committed(entry, repl) })
			meta["truing_entry_id"] = entry.ID
		}
		now := e.ledger.Now()
		r.Status = model.StatusFulfilled
		r.ActualCredits = &actual
		r.FulfilledAt = &now
		r.UpdatedAt = now
		ev := newEvent(r, model.EventFulfilled, actor, model.StatusApproved, now)
		ev.IdempotencyKey = key
		ev.Metadata = meta
		return e.commit(ctx, tx, o, r, model.StatusApproved, ev)
	})
}

// Comment appends a comment event without changing the request status.
func (e *Engine) Comment(ctx context.Context, id string, actor Actor, body, key string) (model.ApprovalEvent, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return model.ApprovalEvent{}, apperr.New(apperr.KindInvalidInput, "comment body is required")
	}
	if actor.IsSystem() {
		return model.ApprovalEvent{}, apperr.New(apperr.KindUnauthorized, "comments need an author")
	}
	var out model.ApprovalEvent
	_, err := e.run(ctx, "comment", func(ctx context.Context, tx store.Tx, o *op) error {
		r, err := lockVisible(ctx, tx, id, actor)
		if err != nil {
			return err
		}
		if key != "" {
			prev, err := tx.Events().GetByKey(ctx, r.ID, key)
			switch {
			case err == nil:
				if prev.Kind != model.EventComment || prev.Reason != body || prev.ActorID != actor.UserID {
					return apperr.New(apperr.KindConflictingKey, "idempotency key %q already used on request %s", key, r.ID)
				}
				out, o.req, o.replay = prev, r, true
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}
		ev := newEvent(r, model.EventComment, actor, r.Status, e.ledger.Now())
		ev.Reason = body
		ev.IdempotencyKey = key
		if err := appendEvent(ctx, tx, o, &ev); err != nil {
			return err
		}
		out, o.req = ev, r
		return nil
	})
	return out, err
}

// Reassign hands a pending request to another approver. Admin only.
func (e *Engine) Reassign(ctx context.Context, id string, actor Actor, approverID, reason string) (model.Request, error) {
	approverID = strings.TrimSpace(approverID)
	if approverID == "" {
		return model.Request{}, apperr.New(apperr.KindInvalidInput, "approver_id is required")
	}
	if !actor.IsAdmin() {
		return model.Request{}, apperr.New(apperr.KindUnauthorized, "only admins may reassign requests")
	}
	return e.run(ctx, "reassign", func(ctx context.Context, tx store.Tx, o *op) error {
		r, err := lockVisible(ctx, tx, id, actor)
		if err != nil {
			return err
		}
		if r.Status != model.StatusPending {
			return illegal(r, "reassign")
		}
		if approverID == r.RequesterID {
			return apperr.New(apperr.KindUnauthorized, "the requester cannot approve request %s", r.ID)
		}
		if approverID == r.CurrentApprover {
			o.req, o.replay = r, true
			return nil
		}
		now := e.ledger.Now()
		prev := r.CurrentApprover
		r.CurrentApprover = approverID
		r.UpdatedAt = now
		ev := newEvent(r, model.EventReassigned, actor, model.StatusPending, now)
		ev.Reason = strings.TrimSpace(reason)
		ev.Metadata = map[string]any{"from_approver": prev, "to_approver": approverID}
		return e.commit(ctx, tx, o, r, model.StatusPending, ev)
	})
}

func (e *Engine) releaseHold(ctx context.Context, tx store.Tx, o *op, requestID string, to model.HoldStatus) error {
	h, err := tx.Holds().GetByRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if h.Status != model.HoldActive {
		return nil
	}
	closed, changed, err := e.holds.FinishTx(ctx, tx, h.ID, to)
	if err != nil {
		return err
	}
	if changed {
		o.then(func() { e.holds.Finished(closed) })
	}
	return nil
}

// commit writes r guarded by its expected source status and appends ev.
func (e *Engine) commit(ctx context.Context, tx store.Tx, o *op, r model.Request, from model.Status, ev model.ApprovalEvent) error {
	if from != r.Status && !model.CanTransition(from, r.Status) {
		return apperr.New(apperr.KindIllegalTransition, "request %s cannot move from %s to %s", r.ID, from, r.Status)
	}
	if err := tx.Requests().Update(ctx, &r, from); err != nil {
		if errors.Is(err, store.ErrStale) {
			return apperr.New(apperr.KindIllegalTransition, "request %s is no longer %s", r.ID, from)
		}
		return err
	}
	if err := appendEvent(ctx, tx, o, &ev); err != nil {
		return err
	}
	o.req = r
	return nil
}

func appendEvent(ctx context.Context, tx store.Tx, o *op, ev *model.ApprovalEvent) error {
	if err := tx.Events().Append(ctx, ev); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return apperr.New(apperr.KindConflictingKey, "idempotency key %q already used on request %s", ev.IdempotencyKey, ev.RequestID)
		}
		return err
	}
	o.events = append(o.events, *ev)
	return nil
}

func newEvent(r model.Request, kind model.EventKind, actor Actor, from model.Status, at time.Time) model.ApprovalEvent {
	return model.ApprovalEvent{
		ID:         ids.NewAt(at),
		RequestID:  r.ID,
		CompanyID:  r.CompanyID,
		Kind:       kind,
		ActorID:    actor.UserID,
		System:     actor.IsSystem(),
		FromStatus: from,
		ToStatus:   r.Status,
		CreatedAt:  at,
	}
}

// lockVisible locks the request row. Requests of another company are
// reported as unknown.
func lockVisible(ctx context.Context, tx store.Tx, id string, actor Actor) (model.Request, error) {
	r, err := tx.Requests().Lock(ctx, id)
	if err != nil {
		return model.Request{}, requestErr(err, id)
	}
	if actor.CompanyID != "" && actor.CompanyID != r.CompanyID {
		return model.Request{}, apperr.New(apperr.KindUnknownRequest, "request %s not found", id)
	}
	return r, nil
}

// replayed reports whether key already produced one of kinds on r. A caller
// key found on a different kind of event is a conflict; a derived key is not,
// and the status check that follows rejects the call instead.
func replayed(ctx context.Context, tx store.Tx, r model.Request, key string, explicit bool, kinds ...model.EventKind) (bool, error) {
	prev, err := tx.Events().GetByKey(ctx, r.ID, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, k := range kinds {
		if prev.Kind == k {
			return true, nil
		}
	}
	if !explicit {
		return false, nil
	}
	return false, apperr.New(apperr.KindConflictingKey, "idempotency key %q already produced a %s event", key, prev.Kind)
}

// eventKey scopes caller keys per request; without one the operation name
// is the key, since each transition can happen at most once.
func eventKey(key, opName string) (string, bool) {
	if key = strings.TrimSpace(key); key != "" {
		return key, true
	}
	return opName, false
}

func illegal(r model.Request, opName string) error {
	return apperr.New(apperr.KindIllegalTransition, "cannot %s request %s in status %s", opName, r.ID, r.Status)
}

func requestErr(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindUnknownRequest, "request %s not found", id)
	}
	return err
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
