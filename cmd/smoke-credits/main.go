// Command smoke-credits drives the three reference approval scenarios
// against a running creditd seeded with the demo company.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"creditcore.io/internal/auth"
	"creditcore.io/internal/config"
	"creditcore.io/internal/model"
)

const company = "demo"

var (
	requester = auth.Principal{UserID: "demo-member", CompanyID: company, Role: model.RoleMember}
	approver  = auth.Principal{UserID: "demo-approver", CompanyID: company, Role: model.RoleApprover}
)

type client struct {
	base   string
	http   *http.Client
	signer *auth.Signer
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).With().Timestamp().Logger()

	base := os.Getenv(config.Prefix + "_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	c := &client{base: base, http: &http.Client{Timeout: 10 * time.Second}}
	if secret := os.Getenv(config.Prefix + "_AUTH_SECRET"); secret != "" {
		signer, err := auth.NewSigner(secret, os.Getenv(config.Prefix+"_AUTH_ISSUER"))
		if err != nil {
			log.Fatal().Err(err).Msg("signer")
		}
		c.signer = signer
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	scenarios := []struct {
		name string
		run  func(context.Context, *client) error
	}{
		{"auto approval", autoApproval},
		{"approver decision", approverDecision},
		{"denial releases hold", denial},
	}
	for _, s := range scenarios {
		if err := s.run(ctx, c); err != nil {
			log.Fatal().Err(err).Str("scenario", s.name).Msg("smoke failed")
		}
		log.Info().Str("scenario", s.name).Msg("passed")
	}
	fmt.Println("credit core smoke test passed")
}

// autoApproval: a small request is approved on submit and fulfilment
// charges the actual amount.
func autoApproval(ctx context.Context, c *client) error {
	before, err := c.balance(ctx)
	if err != nil {
		return err
	}
	r, err := c.submitNew(ctx, 100)
	if err != nil {
		return err
	}
	if r.Status != model.StatusApproved {
		return fmt.Errorf("expected auto approval, got %s", r.Status)
	}
	if r, err = c.decide(ctx, requester, r.ID, "fulfil", map[string]any{"actual_credits": 120}); err != nil {
		return err
	}
	if r.Status != model.StatusFulfilled {
		return fmt.Errorf("expected fulfilled, got %s", r.Status)
	}
	after, err := c.balance(ctx)
	if err != nil {
		return err
	}
	return expect("used", after.Used-before.Used, 120)
}

// approverDecision: a mid-sized request waits for the team approver and
// holds its credits until approved.
func approverDecision(ctx context.Context, c *client) error {
	before, err := c.balance(ctx)
	if err != nil {
		return err
	}
	r, err := c.submitNew(ctx, 750)
	if err != nil {
		return err
	}
	if r.Status != model.StatusPending || r.CurrentApprover != approver.UserID {
		return fmt.Errorf("expected pending on %s, got %s on %q", approver.UserID, r.Status, r.CurrentApprover)
	}
	held, err := c.balance(ctx)
	if err != nil {
		return err
	}
	if err := expect("reserved", held.Reserved-before.Reserved, 750); err != nil {
		return err
	}
	if r, err = c.decide(ctx, approver, r.ID, "approve", map[string]any{"note": "smoke"}); err != nil {
		return err
	}
	if r.Status != model.StatusApproved {
		return fmt.Errorf("expected approved, got %s", r.Status)
	}
	after, err := c.balance(ctx)
	if err != nil {
		return err
	}
	if err := expect("reserved", after.Reserved, before.Reserved); err != nil {
		return err
	}
	return expect("used", after.Used-before.Used, 750)
}

// denial: a denied request returns its held credits.
func denial(ctx context.Context, c *client) error {
	before, err := c.balance(ctx)
	if err != nil {
		return err
	}
	r, err := c.submitNew(ctx, 800)
	if err != nil {
		return err
	}
	if r, err = c.decide(ctx, approver, r.ID, "deny", map[string]any{"reason": "smoke"}); err != nil {
		return err
	}
	if r.Status != model.StatusDenied {
		return fmt.Errorf("expected denied, got %s", r.Status)
	}
	after, err := c.balance(ctx)
	if err != nil {
		return err
	}
	return expect("available", after.Available, before.Available)
}

func (c *client) submitNew(ctx context.Context, credits int64) (model.Request, error) {
	var r model.Request
	err := c.do(ctx, requester, http.MethodPost, "/v1/requests", map[string]any{
		"team_id":           "ops",
		"type":              string(model.TypeRiskReport),
		"title":             fmt.Sprintf("smoke %d credits", credits),
		"estimated_credits": credits,
	}, http.StatusCreated, &r)
	if err != nil {
		return r, err
	}
	return c.decide(ctx, requester, r.ID, "submit", nil)
}

func (c *client) decide(ctx context.Context, as auth.Principal, id, action string, body any) (model.Request, error) {
	var r model.Request
	err := c.do(ctx, as, http.MethodPost, "/v1/requests/"+id+"/"+action, body, http.StatusOK, &r)
	return r, err
}

func (c *client) balance(ctx context.Context) (model.Balance, error) {
	var acc model.Account
	if err := c.do(ctx, requester, http.MethodGet, "/v1/account", nil, http.StatusOK, &acc); err != nil {
		return model.Balance{}, err
	}
	var bal model.Balance
	err := c.do(ctx, requester, http.MethodGet, "/v1/accounts/"+acc.ID+"/balance", nil, http.StatusOK, &bal)
	return bal, err
}

func (c *client) do(ctx context.Context, as auth.Principal, method, path string, body any, want int, out any) error {
	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	if err := c.authenticate(req, as); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	return json.Unmarshal(raw, out)
}

func (c *client) authenticate(req *http.Request, as auth.Principal) error {
	if c.signer == nil {
		req.Header.Set("X-User-ID", as.UserID)
		req.Header.Set("X-Company-ID", as.CompanyID)
		req.Header.Set("X-Role", string(as.Role))
		return nil
	}
	token, err := c.signer.GenerateToken(as, 5*time.Minute)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func expect(what string, got, want int64) error {
	if got != want {
		return fmt.Errorf("%s: got %d, want %d", what, got, want)
	}
	return nil
}
