package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditcore.io/internal/model"
)

var alice = Principal{UserID: "alice", CompanyID: "acme", Role: model.RoleApprover}

func TestGenerateAndVerify(t *testing.T) {
	s, err := NewSigner("s3cret", "")
	require.NoError(t, err)

	token, err := s.GenerateToken(alice, 30*time.Minute)
	require.NoError(t, err)

	got, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, alice, got)
}

func TestVerifyRejects(t *testing.T) {
	s, err := NewSigner("s3cret", "")
	require.NoError(t, err)
	other, err := NewSigner("other", "")
	require.NoError(t, err)
	foreign, err := NewSigner("s3cret", "someone-else")
	require.NoError(t, err)

	expired, err := s.GenerateToken(alice, time.Minute)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	defer func() { s.now = func() time.Time { return time.Now().UTC() } }()

	wrongKey, err := other.GenerateToken(alice, time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := foreign.GenerateToken(alice, 2*time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"expired":      expired,
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"alg none":     none,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := s.Verify(token)
			assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}

func TestGenerateValidatesPrincipal(t *testing.T) {
	s, err := NewSigner("s3cret", "")
	require.NoError(t, err)
	_, err = s.GenerateToken(Principal{UserID: "bob", CompanyID: "acme", Role: "owner"}, time.Minute)
	assert.Error(t, err)
	_, err = s.GenerateToken(Principal{UserID: "bob", Role: model.RoleMember}, time.Minute)
	assert.Error(t, err)
	_, err = NewSigner("  ", "")
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestContextHelpers(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := ContextWithPrincipal(context.Background(), alice)
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, alice, p)
	id, ok := UserIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice", id)
}
