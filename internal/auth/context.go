package auth

import (
	"context"
	"errors"
	"strings"

	"creditcore.io/internal/model"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID    string     `json:"user_id"`
	CompanyID string     `json:"company_id"`
	Role      model.Role `json:"role"`
}

func (p Principal) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(p.CompanyID) == "" {
		return errors.New("company id is required")
	}
	if !p.Role.Valid() {
		return errors.New("role must be member, approver or admin")
	}
	return nil
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.UserID == "" {
		return "", false
	}
	return p.UserID, true
}
