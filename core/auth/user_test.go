package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test123")

func TestVerifyJwtRoundTrip(t *testing.T) {
	token, err := IssueJwt(secret, "0xD7050816337a3f8f690F8083B5Ff8019D50c0E50", time.Hour)
	require.NoError(t, err)

	user, err := VerifyJwt(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "0xD7050816337a3f8f690F8083B5Ff8019D50c0E50", user.Subject)
	require.NotNil(t, user.Address)
	assert.Equal(t, "0xD7050816337a3f8f690F8083B5Ff8019D50c0E50", user.Address.Hex())
}

func TestVerifyJwtNonAddressSubject(t *testing.T) {
	token, err := IssueJwt(secret, "backend-service", time.Hour)
	require.NoError(t, err)

	user, err := VerifyJwt(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "backend-service", user.Subject)
	assert.Nil(t, user.Address)
}

func TestVerifyJwtRejects(t *testing.T) {
	wrongSecret, err := IssueJwt([]byte("other"), "alice", time.Hour)
	require.NoError(t, err)

	expired, err := IssueJwt(secret, "alice", -time.Minute)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).SignedString(secret)
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"wrong secret": wrongSecret,
		"expired":      expired,
		"no expiry":    noExpiry,
		"hs512":        hs512,
		"garbage":      "not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := VerifyJwt(secret, token)
			assert.True(t, errors.Is(err, ErrorInvalidToken), "got %v", err)
		})
	}
}

func TestVerifyJwtMissingSubject(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)

	_, err = VerifyJwt(secret, token)
	assert.ErrorIs(t, err, ErrorMissingSubject)
}

func TestBearerToken(t *testing.T) {
	token, err := BearerToken("Bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", token)

	for _, h := range []string{"", "Bearer", "Bearer  ", "Basic abc", "abc"} {
		_, err := BearerToken(h)
		assert.ErrorIs(t, err, ErrorMalformedAuthHeader, "header %q", h)
	}
}
