// ABOUTME: Tests for operator JWT verification.
// ABOUTME: Covers round-trips, expiry, wrong secret, and missing claims.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	v := NewJWTVerifier([]byte("secret"))

	token, err := v.Generate("admin", time.Hour)
	require.NoError(t, err)

	operator, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", operator)
}

func TestVerifyExpiredToken(t *testing.T) {
	v := NewJWTVerifier([]byte("secret"))

	token, err := v.Generate("admin", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyWrongSecret(t *testing.T) {
	token, err := NewJWTVerifier([]byte("one")).Generate("admin", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTVerifier([]byte("two")).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyGarbage(t *testing.T) {
	_, err := NewJWTVerifier([]byte("secret")).Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyMissingSubject(t *testing.T) {
	secret := []byte("secret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "nodeward",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	_, err = NewJWTVerifier(secret).Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerifyForeignIssuer(t *testing.T) {
	secret := []byte("secret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "someone-else",
		"sub": "admin",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	_, err = NewJWTVerifier(secret).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyNoExpiry(t *testing.T) {
	secret := []byte("secret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "nodeward",
		"sub": "admin",
		"iat": time.Now().Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	_, err = NewJWTVerifier(secret).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
