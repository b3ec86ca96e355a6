package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditcore.io/internal/auth"
	"creditcore.io/internal/model"
)

func principalEcho(t *testing.T, a *API) (http.Handler, *auth.Principal) {
	t.Helper()
	var got auth.Principal
	return a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})), &got
}

func TestHeaderIdentity(t *testing.T) {
	a := New(Services{}, Options{Logger: zerolog.Nop()})
	h, got := principalEcho(t, a)

	req := httptest.NewRequest(http.MethodGet, "/v1/requests", nil)
	req.Header.Set(headerUserID, "bob")
	req.Header.Set(headerCompanyID, "acme")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, auth.Principal{UserID: "bob", CompanyID: "acme", Role: model.RoleMember}, *got)

	req.Header.Set(headerRole, "Approver")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, model.RoleApprover, got.Role)

	req.Header.Set(headerRole, "superuser")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/requests", nil)
	req.Header.Set(headerUserID, "bob")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "company is required")
}

func TestBearerIdentity(t *testing.T) {
	signer, err := auth.NewSigner("secret", "")
	require.NoError(t, err)
	a := New(Services{}, Options{Logger: zerolog.Nop(), Signer: signer})
	h, got := principalEcho(t, a)

	want := auth.Principal{UserID: "alice", CompanyID: "acme", Role: model.RoleApprover}
	token, err := signer.GenerateToken(want, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/requests/queue", nil)
	req.Header.Set(authHeader, "bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, want, *got)

	other, err := auth.NewSigner("other-secret", "")
	require.NoError(t, err)
	forged, err := other.GenerateToken(want, time.Minute)
	require.NoError(t, err)
	req.Header.Set(authHeader, bearer+forged)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), auth.ErrInvalidToken.Error())
}

func TestExtractBearerToken(t *testing.T) {
	tests := map[string]struct {
		header string
		token  string
		ok     bool
	}{
		"valid":        {header: "Bearer abc", token: "abc", ok: true},
		"lower scheme": {header: "bearer abc", token: "abc", ok: true},
		"empty":        {header: ""},
		"basic":        {header: "Basic dXNlcjpwYXNz"},
		"no token":     {header: "Bearer   "},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			token, err := extractBearerToken(tc.header)
			if !tc.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.token, token)
		})
	}
}
