package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"creditcore.io/internal/apperr"
	"creditcore.io/internal/approval"
	"creditcore.io/internal/auth"
	"creditcore.io/internal/model"
)

const (
	authHeader      = "Authorization"
	bearer          = "Bearer "
	headerUserID    = "X-User-ID"
	headerCompanyID = "X-Company-ID"
	headerRole      = "X-Role"
)

// withAuth attaches the calling principal to the request context. With a
// signer the principal comes from a bearer token; otherwise from identity
// headers set by a trusted gateway.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		var (
			principal auth.Principal
			err       error
		)
		if a.signer != nil {
			principal, err = a.tokenPrincipal(r)
		} else {
			principal, err = headerPrincipal(r)
		}
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="creditcore"`)
			writeError(w, r, http.StatusUnauthorized, string(apperr.KindUnauthenticated), apperr.KindUnauthenticated.Code(), err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}

func (a *API) tokenPrincipal(r *http.Request) (auth.Principal, error) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		return auth.Principal{}, err
	}
	p, err := a.signer.Verify(token)
	if err != nil {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return p, nil
}

func headerPrincipal(r *http.Request) (auth.Principal, error) {
	p := auth.Principal{
		UserID:    strings.TrimSpace(r.Header.Get(headerUserID)),
		CompanyID: strings.TrimSpace(r.Header.Get(headerCompanyID)),
		Role:      model.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(headerRole)))),
	}
	if p.Role == "" {
		p.Role = model.RoleMember
	}
	if err := p.Validate(); err != nil {
		return auth.Principal{}, err
	}
	return p, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// actor converts the authenticated principal into an approval actor.
func actor(r *http.Request) approval.Actor {
	p, _ := auth.PrincipalFromContext(r.Context())
	return approval.Actor{UserID: p.UserID, CompanyID: p.CompanyID, Role: p.Role}
}
