package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndVerify(t *testing.T) {
	v := NewVerifier("test-secret")

	token, err := v.Mint("alice", "Alice", time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "Alice", claims.Name)
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	v := NewVerifier("test-secret")

	_, err := v.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewVerifier("secret-a").Mint("alice", "Alice", time.Hour)
	require.NoError(t, err)

	_, err = NewVerifier("secret-b").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewVerifier("test-secret")

	token, err := v.Mint("alice", "Alice", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	v := NewVerifier("test-secret")

	token, err := v.Mint("", "Alice", time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRequest(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.Mint("alice", "Alice", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: token})

	claims, err := v.VerifyRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func TestVerifyRequestMissingCookie(t *testing.T) {
	v := NewVerifier("test-secret")

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err := v.VerifyRequest(r)
	assert.ErrorIs(t, err, ErrMissingToken)
}
