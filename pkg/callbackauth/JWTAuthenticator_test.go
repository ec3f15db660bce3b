package callbackauth_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wostzone/ssapbridge-go/pkg/callbackauth"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

var secret = []byte("notreallyasecret-but-long-enough")

func signWith(t *testing.T, key []byte, claims jwt.Claims) string {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, nil)
	require.NoError(t, err)
	token, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	require.NoError(t, err)
	return token
}

func TestCreateDecodeToken(t *testing.T) {
	jauth, err := callbackauth.NewJWTAuthenticator(nil)
	require.NoError(t, err)

	token, err := jauth.CreateToken("conv-1", time.Minute)
	require.NoError(t, err)
	subject, err := jauth.DecodeToken(token)
	assert.NoError(t, err)
	assert.Equal(t, "conv-1", subject)

	// without expiry
	token, err = jauth.CreateToken("conv-2", 0)
	require.NoError(t, err)
	subject, err = jauth.DecodeToken(token)
	assert.NoError(t, err)
	assert.Equal(t, "conv-2", subject)
}

func TestRejectInvalidTokens(t *testing.T) {
	jauth, err := callbackauth.NewJWTAuthenticator(secret)
	require.NoError(t, err)

	_, err = jauth.DecodeToken("not.a.token")
	assert.Error(t, err)

	// other secret
	other := signWith(t, []byte("some-other-secret-of-some-length"), jwt.Claims{Issuer: callbackauth.JWTIssuer, Subject: "conv-1"})
	_, err = jauth.DecodeToken(other)
	assert.Error(t, err)

	// other issuer
	foreign := signWith(t, secret, jwt.Claims{Issuer: "someone", Subject: "conv-1"})
	_, err = jauth.DecodeToken(foreign)
	assert.Error(t, err)

	// expired
	expired := signWith(t, secret, jwt.Claims{Issuer: callbackauth.JWTIssuer, Subject: "conv-1",
		Expiry: jwt.NewNumericDate(time.Now().Add(-time.Hour))})
	_, err = jauth.DecodeToken(expired)
	assert.Error(t, err)
}

func TestAuthenticateRequest(t *testing.T) {
	jauth, err := callbackauth.NewJWTAuthenticator(secret)
	require.NoError(t, err)
	token, err := jauth.CreateToken("conv-1", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/conv-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	subject, match := jauth.AuthenticateRequest(req)
	assert.True(t, match)
	assert.Equal(t, "conv-1", subject)

	req = httptest.NewRequest("POST", "/conv-1?token="+token, nil)
	subject, match = jauth.AuthenticateRequest(req)
	assert.True(t, match)
	assert.Equal(t, "conv-1", subject)

	req = httptest.NewRequest("POST", "/conv-1", nil)
	_, match = jauth.AuthenticateRequest(req)
	assert.False(t, match)

	req = httptest.NewRequest("POST", "/conv-1", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, match = jauth.AuthenticateRequest(req)
	assert.False(t, match)

	req = httptest.NewRequest("POST", "/conv-1", nil)
	req.Header.Set("Authorization", "Bearer invalid")
	_, match = jauth.AuthenticateRequest(req)
	assert.False(t, match)
}

func TestGetBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	_, err := callbackauth.GetBearerToken(req)
	assert.Error(t, err)
	req.Header.Set("Authorization", "Bearer")
	_, err = callbackauth.GetBearerToken(req)
	assert.Error(t, err)
	req.Header.Set("Authorization", "bearer abc")
	token, err := callbackauth.GetBearerToken(req)
	assert.NoError(t, err)
	assert.Equal(t, "abc", token)
}
