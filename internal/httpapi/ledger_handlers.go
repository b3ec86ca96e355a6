package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"creditcore.io/internal/apperr"
	"creditcore.io/internal/ledger"
	"creditcore.io/internal/model"
)

type openAccountBody struct {
	CompanyID    string    `json:"company_id"`
	Tier         string    `json:"tier"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	BaseCredits  int64     `json:"base_credits"`
	BonusCredits int64     `json:"bonus_credits"`
}

type spendBody struct {
	Amount         int64  `json:"amount"`
	Description    string `json:"description"`
	ReferenceType  string `json:"reference_type"`
	ReferenceID    string `json:"reference_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type adjustBody struct {
	Direction      string `json:"direction"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type allocateBody struct {
	Amount         int64  `json:"amount"`
	SubscriptionID string `json:"subscription_id"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key"`
}

func requireAdmin(r *http.Request) error {
	if act := actor(r); !act.IsAdmin() {
		return apperr.New(apperr.KindUnauthorized, "only admins may perform this operation")
	}
	return nil
}

// ownAccount loads an account of the caller's company. Other companies'
// accounts are reported as unknown.
func (a *API) ownAccount(r *http.Request, id string) (model.Account, error) {
	acc, err := a.svc.Ledger.GetAccount(r.Context(), id)
	if err != nil {
		return model.Account{}, err
	}
	if acc.CompanyID != actor(r).CompanyID {
		return model.Account{}, apperr.New(apperr.KindUnknownAccount, "account %s not found", id)
	}
	return acc, nil
}

// requiredKey is idempotencyKey for raw ledger writes, which must carry one.
func requiredKey(r *http.Request, body string) (string, error) {
	key, err := idempotencyKey(r, body)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", errors.New("Idempotency-Key is required")
	}
	return key, nil
}

func (a *API) openAccount(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		a.fail(w, r, err)
		return
	}
	var body openAccountBody
	if err := decodeJSON(w, r, &body); err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	company := actor(r).CompanyID
	if body.CompanyID != "" && body.CompanyID != company {
		a.fail(w, r, apperr.New(apperr.KindUnauthorized, "company %s is not managed by this actor", body.CompanyID))
		return
	}
	acc, err := a.svc.Ledger.OpenAccount(r.Context(), ledger.OpenAccountInput{
		CompanyID:    company,
		Tier:         body.Tier,
		PeriodStart:  body.PeriodStart,
		PeriodEnd:    body.PeriodEnd,
		BaseCredits:  body.BaseCredits,
		BonusCredits: body.BonusCredits,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "account.open", map[string]any{"account": acc.ID, "base": acc.BaseCredits, "bonus": acc.BonusCredits})
	w.Header().Set("Location", "/v1/accounts/"+acc.ID)
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) companyAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := a.svc.Ledger.AccountForCompany(r.Context(), actor(r).CompanyID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := a.ownAccount(r, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request) {
	acc, err := a.ownAccount(r, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	bal, err := a.svc.Ledger.Balance(r.Context(), acc.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (a *API) listEntries(w http.ResponseWriter, r *http.Request) {
	acc, err := a.ownAccount(r, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	limit, offset, err := page(r)
	if err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	q := r.URL.Query()
	f := model.HistoryFilter{AccountID: acc.ID, Limit: limit, Offset: offset}
	for _, k := range csv(q.Get("kind")) {
		f.Kinds = append(f.Kinds, model.EntryKind(k))
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, r, "%s must be an RFC 3339 timestamp", name)
			return
		}
		*dst = &t
	}
	items, err := a.svc.Ledger.History(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[model.LedgerEntry]{Items: nonNil(items), Limit: limit, Offset: offset})
}

func (a *API) directSpend(w http.ResponseWriter, r *http.Request) {
	acc, err := a.ownAccount(r, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var body spendBody
	if err := decodeJSON(w, r, &body); err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	key, err := requiredKey(r, body.IdempotencyKey)
	if err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	var ref *model.Reference
	if body.ReferenceType != "" || body.ReferenceID != "" {
		ref = &model.Reference{Type: model.ReferenceType(body.ReferenceType), ID: body.ReferenceID}
	}
	entry, err := a.svc.Ledger.DirectSpend(r.Context(), ledger.SpendInput{
		AccountID:      acc.ID,
		Amount:         body.Amount,
		Reference:      ref,
		Description:    body.Description,
		ActorID:        actor(r).UserID,
		IdempotencyKey: key,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.spend", map[string]any{"account": acc.ID, "entry": entry.ID, "amount": entry.Amount, "idempotency_key": key})
	w.Header().Set("Idempotency-Key", key)
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) adjust(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		a.fail(w, r, err)
		return
	}
	acc, err := a.ownAccount(r, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var body adjustBody
	if err := decodeJSON(w, r, &body); err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	key, err := requiredKey(r, body.IdempotencyKey)
	if err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	entry, err := a.svc.Ledger.Adjust(r.Context(), ledger.AdjustInput{
		AccountID:      acc.ID,
		Direction:      model.Direction(body.Direction),
		Amount:         body.Amount,
		Reason:         body.Reason,
		ActorID:        actor(r).UserID,
		IdempotencyKey: key,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.adjust", map[string]any{"account": acc.ID, "entry": entry.ID, "direction": body.Direction, "amount": entry.Amount})
	w.Header().Set("Idempotency-Key", key)
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) allocate(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		a.fail(w, r, err)
		return
	}
	acc, err := a.ownAccount(r, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var body allocateBody
	if err := decodeJSON(w, r, &body); err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	key, err := requiredKey(r, body.IdempotencyKey)
	if err != nil {
		badRequest(w, r, "%s", err.Error())
		return
	}
	entry, err := a.svc.Ledger.Allocate(r.Context(), ledger.AllocateInput{
		AccountID:      acc.ID,
		Amount:         body.Amount,
		SubscriptionID: body.SubscriptionID,
		Description:    body.Description,
		ActorID:        actor(r).UserID,
		IdempotencyKey: key,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.allocate", map[string]any{"account": acc.ID, "entry": entry.ID, "amount": entry.Amount})
	w.Header().Set("Idempotency-Key", key)
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) getHold(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h, err := a.svc.Holds.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if _, err := a.ownAccount(r, h.AccountID); err != nil {
		a.fail(w, r, apperr.New(apperr.KindUnknownHold, "hold %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, h)
}
