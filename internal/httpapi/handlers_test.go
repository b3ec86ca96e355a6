package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditcore.io/internal/approval"
	"creditcore.io/internal/auth"
	"creditcore.io/internal/hold"
	"creditcore.io/internal/ledger"
	"creditcore.io/internal/model"
	"creditcore.io/internal/store/memory"
	"creditcore.io/internal/stream"
)

type who struct {
	user, company string
	role          model.Role
}

var (
	root  = who{"root", "acme", model.RoleAdmin}
	alice = who{"alice", "acme", model.RoleApprover}
	bob   = who{"bob", "acme", model.RoleMember}
	eve   = who{"eve", "globex", model.RoleAdmin}
)

type apiClient struct {
	t      *testing.T
	srv    *httptest.Server
	signer *auth.Signer
}

func newTestAPI(t *testing.T, mutate ...func(*Options)) *apiClient {
	t.Helper()
	st := memory.New()
	l := ledger.New(st)
	h := hold.NewManager(st, l, zerolog.Nop())
	hub := stream.New(8)
	e := approval.New(st, l, h, approval.WithPublisher(hub))

	opts := Options{Version: "test", Logger: zerolog.Nop(), RatePerSec: 1000, RateBurst: 1000, Ready: ReadyProbe{Store: st}}
	for _, m := range mutate {
		m(&opts)
	}
	api := New(Services{Ledger: l, Holds: h, Approval: e, Stream: hub}, opts)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiClient{t: t, srv: srv, signer: opts.Signer}
}

func (c *apiClient) request(method, path string, as who, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(c.t, err)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, bytes.NewReader(payload))
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if as.user != "" {
		if c.signer != nil {
			token, err := c.signer.GenerateToken(auth.Principal{UserID: as.user, CompanyID: as.company, Role: as.role}, time.Minute)
			require.NoError(c.t, err)
			req.Header.Set(authHeader, bearer+token)
		} else {
			req.Header.Set(headerUserID, as.user)
			req.Header.Set(headerCompanyID, as.company)
			req.Header.Set(headerRole, string(as.role))
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	return resp
}

func (c *apiClient) post(path string, as who, body any) *http.Response {
	return c.request(http.MethodPost, path, as, body, nil)
}

func (c *apiClient) get(path string, as who) *http.Response {
	return c.request(http.MethodGet, path, as, nil, nil)
}

func decode[T any](t *testing.T, r *http.Response, status int) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(r.Body).Decode(&v))
	require.Equal(t, status, r.StatusCode, "body: %+v", v)
	return v
}

// seed opens acme with 1000 credits, an approver rule for 500-2000 and
// alice as approver of team ops.
func (c *apiClient) seed() model.Account {
	c.t.Helper()
	acc := decode[model.Account](c.t, c.post("/v1/accounts", root, map[string]any{"tier": "growth", "base_credits": 1000}), http.StatusCreated)
	decode[model.ApprovalRule](c.t, c.post("/v1/rules", root, map[string]any{
		"min_credits": 500, "max_credits": 2000, "approver_role": "approver",
		"escalation_hours": 48, "escalate_to": "admin",
	}), http.StatusCreated)
	resp := c.request(http.MethodPut, "/v1/assignments", root, map[string]any{"team_id": "ops", "user_id": "alice", "level": "approver"}, nil)
	decode[model.ApproverAssignment](c.t, resp, http.StatusOK)
	return acc
}

func (c *apiClient) draft(credits int64) model.Request {
	c.t.Helper()
	return decode[model.Request](c.t, c.post("/v1/requests", bob, map[string]any{
		"team_id": "ops", "type": "risk_report", "title": "Supplier review", "estimated_credits": credits,
	}), http.StatusCreated)
}

func TestApproverFlowOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	acc := c.seed()

	req := c.draft(750)
	assert.Equal(t, model.StatusDraft, req.Status)

	req = decode[model.Request](t, c.post("/v1/requests/"+req.ID+"/submit", bob, nil), http.StatusOK)
	assert.Equal(t, model.StatusPending, req.Status)
	assert.Equal(t, "alice", req.CurrentApprover)

	bal := decode[model.Balance](t, c.get("/v1/accounts/"+acc.ID+"/balance", bob), http.StatusOK)
	assert.Equal(t, int64(250), bal.Available)
	assert.Equal(t, int64(750), bal.Reserved)

	queue := decode[listResponse[model.Request]](t, c.get("/v1/requests/queue", alice), http.StatusOK)
	require.Len(t, queue.Items, 1)
	assert.Equal(t, req.ID, queue.Items[0].ID)

	req = decode[model.Request](t, c.post("/v1/requests/"+req.ID+"/approve", alice, map[string]any{"note": "ok"}), http.StatusOK)
	assert.Equal(t, model.StatusApproved, req.Status)

	bal = decode[model.Balance](t, c.get("/v1/accounts/"+acc.ID+"/balance", bob), http.StatusOK)
	assert.Equal(t, int64(250), bal.Available)
	assert.Equal(t, int64(750), bal.Used)
	assert.Zero(t, bal.Reserved)

	events := decode[listResponse[model.ApprovalEvent]](t, c.get("/v1/requests/"+req.ID+"/events", bob), http.StatusOK)
	var kinds []model.EventKind
	for _, ev := range events.Items {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []model.EventKind{model.EventCreated, model.EventSubmitted, model.EventApproved}, kinds)

	entries := decode[listResponse[model.LedgerEntry]](t, c.get("/v1/accounts/"+acc.ID+"/entries?kind=hold_conversion", root), http.StatusOK)
	require.Len(t, entries.Items, 1)
	assert.Equal(t, int64(750), entries.Items[0].Amount)
}

func TestDenyReleasesHoldOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	acc := c.seed()
	req := c.draft(750)
	decode[model.Request](t, c.post("/v1/requests/"+req.ID+"/submit", bob, nil), http.StatusOK)

	req = decode[model.Request](t, c.post("/v1/requests/"+req.ID+"/deny", alice, map[string]any{"reason": "out of scope"}), http.StatusOK)
	assert.Equal(t, model.StatusDenied, req.Status)
	assert.Equal(t, "out of scope", req.DecisionReason)

	bal := decode[model.Balance](t, c.get("/v1/accounts/"+acc.ID+"/balance", bob), http.StatusOK)
	assert.Equal(t, int64(1000), bal.Available)
}

func TestErrorMapping(t *testing.T) {
	c := newTestAPI(t)
	c.seed()
	req := c.draft(750)
	decode[model.Request](t, c.post("/v1/requests/"+req.ID+"/submit", bob, nil), http.StatusOK)

	tests := []struct {
		name   string
		resp   func() *http.Response
		status int
		kind   string
		code   string
	}{
		{"self approval", func() *http.Response { return c.post("/v1/requests/"+req.ID+"/approve", bob, nil) },
			http.StatusForbidden, "unauthorized", "CRD-0040"},
		{"unknown request", func() *http.Response { return c.get("/v1/requests/nope", bob) },
			http.StatusNotFound, "unknown_request", "CRD-0002"},
		{"other company", func() *http.Response { return c.get("/v1/requests/"+req.ID, eve) },
			http.StatusNotFound, "unknown_request", "CRD-0002"},
		{"illegal transition", func() *http.Response { return c.post("/v1/requests/"+req.ID+"/fulfil", root, map[string]any{"actual_credits": 10}) },
			http.StatusConflict, "illegal_transition", "CRD-0030"},
		{"insufficient funds", func() *http.Response {
			big := c.draft(1500)
			return c.post("/v1/requests/"+big.ID+"/submit", bob, nil)
		}, http.StatusConflict, "insufficient_funds", "CRD-0020"},
		{"invalid amount", func() *http.Response {
			return c.post("/v1/requests", bob, map[string]any{"team_id": "ops", "type": "risk_report", "title": "x", "estimated_credits": 0})
		}, http.StatusBadRequest, "invalid_amount", "CRD-0010"},
		{"unknown field", func() *http.Response { return c.post("/v1/requests", bob, map[string]any{"bogus": 1}) },
			http.StatusBadRequest, "invalid_input", "CRD-0011"},
		{"missing identity", func() *http.Response { return c.get("/v1/requests", who{}) },
			http.StatusUnauthorized, "unauthenticated", "CRD-0041"},
		{"member manages rules", func() *http.Response {
			return c.post("/v1/rules", bob, map[string]any{"min_credits": 0, "approver_role": "auto"})
		}, http.StatusForbidden, "unauthorized", "CRD-0040"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body := decode[errorResponse](t, tc.resp(), tc.status)
			assert.Equal(t, tc.kind, body.Error.Kind)
			assert.Equal(t, tc.code, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
			assert.NotEmpty(t, body.RequestID)
		})
	}
}

func TestDirectSpendIsIdempotent(t *testing.T) {
	c := newTestAPI(t)
	acc := c.seed()
	path := "/v1/accounts/" + acc.ID + "/spends"

	missing := decode[errorResponse](t, c.post(path, bob, map[string]any{"amount": 100}), http.StatusBadRequest)
	assert.Contains(t, missing.Error.Message, "Idempotency-Key")

	key := map[string]string{"Idempotency-Key": "spend-1"}
	first := decode[model.LedgerEntry](t, c.request(http.MethodPost, path, bob, map[string]any{"amount": 100}, key), http.StatusCreated)
	again := decode[model.LedgerEntry](t, c.request(http.MethodPost, path, bob, map[string]any{"amount": 100}, key), http.StatusCreated)
	assert.Equal(t, first.ID, again.ID)

	conflict := decode[errorResponse](t, c.request(http.MethodPost, path, bob, map[string]any{"amount": 200}, key), http.StatusConflict)
	assert.Equal(t, "conflicting_key", conflict.Error.Kind)

	mismatch := decode[errorResponse](t, c.request(http.MethodPost, path, bob,
		map[string]any{"amount": 100, "idempotency_key": "other"}, key), http.StatusBadRequest)
	assert.Contains(t, mismatch.Error.Message, "must match")

	bal := decode[model.Balance](t, c.get("/v1/accounts/"+acc.ID+"/balance", bob), http.StatusOK)
	assert.Equal(t, int64(900), bal.Available)
}

func TestAccountsAreCompanyScoped(t *testing.T) {
	c := newTestAPI(t)
	acc := c.seed()

	own := decode[model.Account](t, c.get("/v1/account", bob), http.StatusOK)
	assert.Equal(t, acc.ID, own.ID)

	body := decode[errorResponse](t, c.get("/v1/accounts/"+acc.ID, eve), http.StatusNotFound)
	assert.Equal(t, "unknown_account", body.Error.Kind)

	body = decode[errorResponse](t, c.post("/v1/accounts/"+acc.ID+"/allocations", bob, map[string]any{"amount": 10}), http.StatusForbidden)
	assert.Equal(t, "unauthorized", body.Error.Kind)
}

func TestBearerTokens(t *testing.T) {
	signer, err := auth.NewSigner("test-secret", "")
	require.NoError(t, err)
	c := newTestAPI(t, func(o *Options) { o.Signer = signer })
	c.seed()

	resp := c.request(http.MethodGet, "/v1/requests", who{}, nil, map[string]string{
		headerUserID: "bob", headerCompanyID: "acme", headerRole: "member",
	})
	body := decode[errorResponse](t, resp, http.StatusUnauthorized)
	assert.Equal(t, "missing bearer token", body.Error.Message)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

	resp = c.request(http.MethodGet, "/v1/requests", who{}, nil, map[string]string{authHeader: "Bearer garbage"})
	decode[errorResponse](t, resp, http.StatusUnauthorized)

	list := decode[listResponse[model.Request]](t, c.get("/v1/requests", bob), http.StatusOK)
	assert.Empty(t, list.Items)
}

func TestHealthAndReadiness(t *testing.T) {
	c := newTestAPI(t)
	health := decode[map[string]any](t, c.get("/healthz", who{}), http.StatusOK)
	assert.Equal(t, "ok", health["status"])
	decode[map[string]any](t, c.get("/readyz", who{}), http.StatusOK)

	down := newTestAPI(t, func(o *Options) {
		o.Ready = probeFunc(func(context.Context) error { return errors.New("store down") })
	})
	body := decode[map[string]any](t, down.get("/readyz", who{}), http.StatusServiceUnavailable)
	assert.Equal(t, "not_ready", body["status"])
}

func TestStreamDeliversCompanyEvents(t *testing.T) {
	c := newTestAPI(t)
	c.seed()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.srv.URL+"/v1/stream", nil)
	require.NoError(t, err)
	req.Header.Set(headerUserID, "root")
	req.Header.Set(headerCompanyID, "acme")
	req.Header.Set(headerRole, "admin")
	resp, err := c.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, ": stream started"))

	created := c.draft(100)

	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	assert.Equal(t, string(model.EventCreated), event)
	var ev model.ApprovalEvent
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, created.ID, ev.RequestID)
}
