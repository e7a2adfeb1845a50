package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kleqing/PetSitter-sub000/internal/model"
)

func signToken(t *testing.T, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestFromToken_Success(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signToken(t, &Claims{
		UserID:      "u-42",
		DisplayName: "Alice",
		Role:        model.RoleCustomer,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	s, err := FromToken(token)
	require.NoError(t, err)

	assert.Equal(t, "u-42", s.UserID)
	assert.Equal(t, "Alice", s.DisplayName)
	assert.Equal(t, model.RoleCustomer, s.Role)
	assert.True(t, s.ExpiresAt.Equal(expiresAt))
	assert.Equal(t, "Bearer "+token, s.AuthorizationHeader())
}

func TestFromToken_SubjectFallback(t *testing.T) {
	token := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-7"},
	})

	s, err := FromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u-7", s.UserID)
	assert.False(t, s.Expired(time.Now()))
}

func TestFromToken_Errors(t *testing.T) {
	expired := signToken(t, &Claims{
		UserID: "u-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	anonymous := signToken(t, &Claims{})

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-jwt", ErrTokenInvalid},
		{"empty", "", ErrTokenInvalid},
		{"no user", anonymous, ErrTokenInvalid},
		{"expired", expired, ErrTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromToken(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
