// Package memory implements store.Store in process memory.
//
// A single writer lock models a serializable transaction: WithTx snapshots
// the mutable maps, runs the callback and restores the snapshot when the
// callback fails. It exists for tests and local development only.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"creditcore.io/internal/model"
	"creditcore.io/internal/store"
)

// Store is an in-memory store.Store.
type Store struct {
	mu sync.RWMutex
	st state
}

var _ store.Store = (*Store)(nil)

type state struct {
	accounts    map[string]model.Account
	entries     []model.LedgerEntry
	holds       map[string]model.Hold
	requests    map[string]model.Request
	rules       map[string]model.ApprovalRule
	assignments map[string]model.ApproverAssignment
	events      []model.ApprovalEvent
	eventSeq    int64
}

// New creates an empty store.
func New() *Store {
	return &Store{st: state{
		accounts:    make(map[string]model.Account),
		holds:       make(map[string]model.Hold),
		requests:    make(map[string]model.Request),
		rules:       make(map[string]model.ApprovalRule),
		assignments: make(map[string]model.ApproverAssignment),
	}}
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.snapshot()
	if err := fn(ctx, &tx{st: &s.st}); err != nil {
		s.st = saved
		return err
	}
	if err := ctx.Err(); err != nil {
		// Cancelled before commit.
		s.st = saved
		return err
	}
	return nil
}

func (s *Store) ReadTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(ctx, &tx{st: &s.st, readOnly: true})
}

func (s *Store) snapshot() state {
	return state{
		accounts:    maps.Clone(s.st.accounts),
		entries:     s.st.entries[:len(s.st.entries):len(s.st.entries)],
		holds:       maps.Clone(s.st.holds),
		requests:    maps.Clone(s.st.requests),
		rules:       maps.Clone(s.st.rules),
		assignments: maps.Clone(s.st.assignments),
		events:      s.st.events[:len(s.st.events):len(s.st.events)],
		eventSeq:    s.st.eventSeq,
	}
}

type tx struct {
	st       *state
	readOnly bool
}

func (t *tx) Accounts() store.AccountRepo       { return accounts{t} }
func (t *tx) Entries() store.EntryRepo          { return entries{t} }
func (t *tx) Holds() store.HoldRepo             { return holds{t} }
func (t *tx) Requests() store.RequestRepo       { return requests{t} }
func (t *tx) Rules() store.RuleRepo             { return rules{t} }
func (t *tx) Assignments() store.AssignmentRepo { return assignments{t} }
func (t *tx) Events() store.EventRepo           { return events{t} }

func (t *tx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

type readOnlyError struct{}

func (readOnlyError) Error() string { return "memory: write in read-only transaction" }

var errReadOnly error = readOnlyError{}

// --- accounts ---

type accounts struct{ t *tx }

func (r accounts) Insert(_ context.Context, a *model.Account) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if _, ok := r.t.st.accounts[a.ID]; ok {
		return store.ErrDuplicate
	}
	for _, existing := range r.t.st.accounts {
		if existing.CompanyID == a.CompanyID {
			return store.ErrDuplicate
		}
	}
	r.t.st.accounts[a.ID] = *a
	return nil
}

func (r accounts) Get(_ context.Context, id string) (model.Account, error) {
	a, ok := r.t.st.accounts[id]
	if !ok {
		return model.Account{}, store.ErrNotFound
	}
	return a, nil
}

func (r accounts) GetByCompany(_ context.Context, companyID string) (model.Account, error) {
	for _, a := range r.t.st.accounts {
		if a.CompanyID == companyID {
			return a, nil
		}
	}
	return model.Account{}, store.ErrNotFound
}

func (r accounts) Lock(ctx context.Context, id string) (model.Account, error) {
	return r.Get(ctx, id)
}

func (r accounts) Touch(_ context.Context, id string, at time.Time) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	a, ok := r.t.st.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.UpdatedAt = at
	r.t.st.accounts[id] = a
	return nil
}

// --- ledger entries ---

type entries struct{ t *tx }

func (r entries) Insert(_ context.Context, e *model.LedgerEntry) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if _, ok := r.t.st.accounts[e.AccountID]; !ok {
		return store.ErrNotFound
	}
	for _, x := range r.t.st.entries {
		if x.ID == e.ID {
			return store.ErrDuplicate
		}
		if e.IdempotencyKey != "" && x.AccountID == e.AccountID && x.IdempotencyKey == e.IdempotencyKey {
			return store.ErrDuplicate
		}
	}
	r.t.st.entries = append(r.t.st.entries, *e)
	return nil
}

func (r entries) Get(_ context.Context, id string) (model.LedgerEntry, error) {
	for _, e := range r.t.st.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return model.LedgerEntry{}, store.ErrNotFound
}

func (r entries) GetByKey(_ context.Context, accountID, key string) (model.LedgerEntry, error) {
	if key == "" {
		return model.LedgerEntry{}, store.ErrNotFound
	}
	for _, e := range r.t.st.entries {
		if e.AccountID == accountID && e.IdempotencyKey == key {
			return e, nil
		}
	}
	return model.LedgerEntry{}, store.ErrNotFound
}

func (r entries) Sums(_ context.Context, accountID string) ([]model.EntrySum, error) {
	type key struct {
		d model.Direction
		k model.EntryKind
	}
	totals := make(map[key]int64)
	for _, e := range r.t.st.entries {
		if e.AccountID == accountID {
			totals[key{e.Direction, e.Kind}] += e.Amount
		}
	}
	out := make([]model.EntrySum, 0, len(totals))
	for k, v := range totals {
		out = append(out, model.EntrySum{Direction: k.d, Kind: k.k, Total: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Direction != out[j].Direction {
			return out[i].Direction < out[j].Direction
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

func (r entries) List(_ context.Context, f model.HistoryFilter) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	for i := len(r.t.st.entries) - 1; i >= 0; i-- {
		e := r.t.st.entries[i]
		if e.AccountID != f.AccountID {
			continue
		}
		if f.From != nil && e.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !e.CreatedAt.Before(*f.To) {
			continue
		}
		if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, f.Offset, f.Limit), nil
}

func (r entries) ListByReference(_ context.Context, ref model.Reference) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	for _, e := range r.t.st.entries {
		if e.Reference != nil && *e.Reference == ref {
			out = append(out, e)
		}
	}
	return out, nil
}

func containsKind(kinds []model.EntryKind, k model.EntryKind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

// --- holds ---

type holds struct{ t *tx }

func (r holds) Insert(_ context.Context, h *model.Hold) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if _, ok := r.t.st.accounts[h.AccountID]; !ok {
		return store.ErrNotFound
	}
	if _, ok := r.t.st.holds[h.ID]; ok {
		return store.ErrDuplicate
	}
	for _, x := range r.t.st.holds {
		if x.RequestID == h.RequestID {
			return store.ErrDuplicate
		}
	}
	r.t.st.holds[h.ID] = *h
	return nil
}

func (r holds) Get(_ context.Context, id string) (model.Hold, error) {
	h, ok := r.t.st.holds[id]
	if !ok {
		return model.Hold{}, store.ErrNotFound
	}
	return h, nil
}

func (r holds) GetByRequest(_ context.Context, requestID string) (model.Hold, error) {
	for _, h := range r.t.st.holds {
		if h.RequestID == requestID {
			return h, nil
		}
	}
	return model.Hold{}, store.ErrNotFound
}

func (r holds) Lock(ctx context.Context, id string) (model.Hold, error) { return r.Get(ctx, id) }

func (r holds) UpdateStatus(_ context.Context, id string, from, to model.HoldStatus, at time.Time) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	h, ok := r.t.st.holds[id]
	if !ok {
		return store.ErrNotFound
	}
	if h.Status != from {
		return store.ErrStale
	}
	h.Status = to
	stamp := at
	switch to {
	case model.HoldConverted:
		h.ConvertedAt = &stamp
	case model.HoldReleased, model.HoldExpired:
		h.ReleasedAt = &stamp
	}
	r.t.st.holds[id] = h
	return nil
}

func (r holds) SumActive(_ context.Context, accountID string) (int64, error) {
	var total int64
	for _, h := range r.t.st.holds {
		if h.AccountID == accountID && h.Status == model.HoldActive {
			total += h.Amount
		}
	}
	return total, nil
}

// --- requests ---

type requests struct{ t *tx }

func (r requests) Insert(_ context.Context, q *model.Request) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if _, ok := r.t.st.requests[q.ID]; ok {
		return store.ErrDuplicate
	}
	if q.IdempotencyKey != "" {
		for _, x := range r.t.st.requests {
			if x.CompanyID == q.CompanyID && x.IdempotencyKey == q.IdempotencyKey {
				return store.ErrDuplicate
			}
		}
	}
	r.t.st.requests[q.ID] = *q
	return nil
}

func (r requests) Get(_ context.Context, id string) (model.Request, error) {
	q, ok := r.t.st.requests[id]
	if !ok {
		return model.Request{}, store.ErrNotFound
	}
	return q, nil
}

func (r requests) GetByKey(_ context.Context, companyID, key string) (model.Request, error) {
	if key == "" {
		return model.Request{}, store.ErrNotFound
	}
	for _, q := range r.t.st.requests {
		if q.CompanyID == companyID && q.IdempotencyKey == key {
			return q, nil
		}
	}
	return model.Request{}, store.ErrNotFound
}

func (r requests) Lock(ctx context.Context, id string) (model.Request, error) { return r.Get(ctx, id) }

func (r requests) Update(_ context.Context, q *model.Request, expected model.Status) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	cur, ok := r.t.st.requests[q.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status != expected {
		return store.ErrStale
	}
	r.t.st.requests[q.ID] = *q
	return nil
}

func (r requests) List(_ context.Context, f model.RequestFilter) ([]model.Request, error) {
	var out []model.Request
	for _, q := range r.t.st.requests {
		if f.CompanyID != "" && q.CompanyID != f.CompanyID {
			continue
		}
		if f.TeamID != "" && q.TeamID != f.TeamID {
			continue
		}
		if f.RequesterID != "" && q.RequesterID != f.RequesterID {
			continue
		}
		if f.CurrentApprover != "" && q.CurrentApprover != f.CurrentApprover {
			continue
		}
		if f.ApprovalLevel != "" && q.ApprovalLevel != f.ApprovalLevel {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, q.Status) {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, f.Offset, f.Limit), nil
}

func (r requests) DuePending(_ context.Context, now time.Time, after *model.DueCursor, limit int) ([]model.Request, error) {
	var out []model.Request
	for _, q := range r.t.st.requests {
		if q.Status != model.StatusPending || q.ExpiresAt == nil || q.ExpiresAt.After(now) {
			continue
		}
		if after != nil {
			if q.ExpiresAt.Before(after.ExpiresAt) {
				continue
			}
			if q.ExpiresAt.Equal(after.ExpiresAt) && q.ID <= after.ID {
				continue
			}
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(*out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, limit), nil
}

func (r requests) CountPendingFor(_ context.Context, approverID string) (int, error) {
	n := 0
	for _, q := range r.t.st.requests {
		if q.Status == model.StatusPending && q.CurrentApprover == approverID {
			n++
		}
	}
	return n, nil
}

func containsStatus(statuses []model.Status, s model.Status) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

// --- rules ---

type rules struct{ t *tx }

func (r rules) Insert(_ context.Context, rule *model.ApprovalRule) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if _, ok := r.t.st.rules[rule.ID]; ok {
		return store.ErrDuplicate
	}
	r.t.st.rules[rule.ID] = *rule
	return nil
}

func (r rules) Get(_ context.Context, id string) (model.ApprovalRule, error) {
	rule, ok := r.t.st.rules[id]
	if !ok {
		return model.ApprovalRule{}, store.ErrNotFound
	}
	return rule, nil
}

func (r rules) Update(_ context.Context, rule *model.ApprovalRule) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if _, ok := r.t.st.rules[rule.ID]; !ok {
		return store.ErrNotFound
	}
	r.t.st.rules[rule.ID] = *rule
	return nil
}

func (r rules) List(_ context.Context, companyID string, activeOnly bool) ([]model.ApprovalRule, error) {
	var out []model.ApprovalRule
	for _, rule := range r.t.st.rules {
		if rule.CompanyID != companyID || (activeOnly && !rule.Active) {
			continue
		}
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- assignments ---

type assignments struct{ t *tx }

func (r assignments) Upsert(_ context.Context, a *model.ApproverAssignment) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	for id, x := range r.t.st.assignments {
		if x.TeamID == a.TeamID && x.UserID == a.UserID {
			a.ID = id
			a.CreatedAt = x.CreatedAt
			break
		}
	}
	r.t.st.assignments[a.ID] = *a
	return nil
}

func (r assignments) Get(_ context.Context, id string) (model.ApproverAssignment, error) {
	a, ok := r.t.st.assignments[id]
	if !ok {
		return model.ApproverAssignment{}, store.ErrNotFound
	}
	return a, nil
}

func (r assignments) ListActive(_ context.Context, companyID, teamID string, levels []model.Level) ([]model.ApproverAssignment, error) {
	var out []model.ApproverAssignment
	for _, a := range r.t.st.assignments {
		if !a.Active || a.CompanyID != companyID {
			continue
		}
		if teamID != "" && a.TeamID != teamID {
			continue
		}
		match := false
		for _, l := range levels {
			if a.Level == l {
				match = true
				break
			}
		}
		if match {
			out = append(out, a)
		}
	}
	sortAssignments(out)
	return out, nil
}

func (r assignments) List(_ context.Context, companyID, teamID string) ([]model.ApproverAssignment, error) {
	var out []model.ApproverAssignment
	for _, a := range r.t.st.assignments {
		if a.CompanyID != companyID || (teamID != "" && a.TeamID != teamID) {
			continue
		}
		out = append(out, a)
	}
	sortAssignments(out)
	return out, nil
}

func (r assignments) SetActive(_ context.Context, id string, active bool, at time.Time) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	a, ok := r.t.st.assignments[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Active = active
	a.UpdatedAt = at
	r.t.st.assignments[id] = a
	return nil
}

func sortAssignments(out []model.ApproverAssignment) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].TeamID != out[j].TeamID {
			return out[i].TeamID < out[j].TeamID
		}
		return out[i].UserID < out[j].UserID
	})
}

// --- events ---

type events struct{ t *tx }

func (r events) Append(_ context.Context, e *model.ApprovalEvent) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if e.IdempotencyKey != "" {
		for _, x := range r.t.st.events {
			if x.RequestID == e.RequestID && x.IdempotencyKey == e.IdempotencyKey {
				return store.ErrDuplicate
			}
		}
	}
	r.t.st.eventSeq++
	e.Sequence = r.t.st.eventSeq
	r.t.st.events = append(r.t.st.events, *e)
	return nil
}

func (r events) List(_ context.Context, requestID string) ([]model.ApprovalEvent, error) {
	var out []model.ApprovalEvent
	for _, e := range r.t.st.events {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r events) GetByKey(_ context.Context, requestID, key string) (model.ApprovalEvent, error) {
	if key == "" {
		return model.ApprovalEvent{}, store.ErrNotFound
	}
	for _, e := range r.t.st.events {
		if e.RequestID == requestID && e.IdempotencyKey == key {
			return e, nil
		}
	}
	return model.ApprovalEvent{}, store.ErrNotFound
}

func page[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
