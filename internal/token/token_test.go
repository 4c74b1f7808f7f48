package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAndGetSubject(t *testing.T) {
	tokenString, err := BuildJWTString("secret", "ops@example.com", time.Hour)
	require.NoError(t, err)

	subject, err := GetSubject("secret", tokenString)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", subject)
}

func TestGetSubjectRejects(t *testing.T) {
	valid, err := BuildJWTString("secret", "ops", time.Hour)
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{name: "wrong secret", secret: "other", token: valid},
		{name: "expired", secret: "secret", token: expired},
		{name: "no subject", secret: "secret", token: noSubject},
		{name: "garbage", secret: "secret", token: "not-a-token"},
		{name: "empty", secret: "secret", token: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := GetSubject(tt.secret, tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	defaultTTL, err := BuildJWTString("secret", "ops", 0)
	require.NoError(t, err)
	_, err = GetSubject("secret", defaultTTL)
	assert.NoError(t, err)

	_, err = GetSubject("", valid)
	assert.ErrorIs(t, err, ErrNoSecret)
	_, err = BuildJWTString("", "ops", time.Hour)
	assert.ErrorIs(t, err, ErrNoSecret)
}
