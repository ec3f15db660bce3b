// Package callbackauth with signed tokens that authenticate observation callbacks
package callbackauth

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// JWTIssuer is the issuer of callback tokens
const JWTIssuer = "ssapbridge.JWTAuthenticator"

// TokenQueryParam is the query parameter that carries the token in a callback URL.
// The platform cannot set an Authorization header on its push requests.
const TokenQueryParam = "token"

// JWTAuthenticator creates and verifies HS256 signed JWT tokens.
// The subject of a token is the correlation key it authorizes. Tokens embedded in callback
// URLs have no expiry as they must remain valid for the lifetime of the subscription. Tokens
// sent with a single delivery are short-lived.
type JWTAuthenticator struct {
	jwtKey []byte
	signer jose.Signer
}

// CreateToken creates a signed token for the subject
//  subject the token authorizes, eg a correlation key
//  validity of the token, 0 for a token without expiry
func (jauth *JWTAuthenticator) CreateToken(subject string, validity time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.Claims{
		Issuer:   JWTIssuer,
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if validity > 0 {
		claims.Expiry = jwt.NewNumericDate(now.Add(validity))
	}
	token, err := jwt.Signed(jauth.signer).Claims(claims).CompactSerialize()
	if err != nil {
		logrus.Errorf("JWTAuthenticator.CreateToken: unable to sign token for '%s': %s", subject, err)
	}
	return token, err
}

// DecodeToken verifies the token signature, issuer and expiry.
// Returns the token subject.
func (jauth *JWTAuthenticator) DecodeToken(tokenString string) (string, error) {
	token, err := jwt.ParseSigned(tokenString)
	if err != nil {
		return "", fmt.Errorf("invalid JWT token: %w", err)
	}
	claims := jwt.Claims{}
	if err = token.Claims(jauth.jwtKey, &claims); err != nil {
		return "", fmt.Errorf("invalid JWT signature: %w", err)
	}
	err = claims.ValidateWithLeeway(jwt.Expected{Issuer: JWTIssuer, Time: time.Now()}, jwt.DefaultLeeway)
	if err != nil {
		return "", fmt.Errorf("invalid JWT claims: %w", err)
	}
	return claims.Subject, nil
}

// GetBearerToken returns the bearer token from the Authorization header
// Returns an error if no token present or token isn't a bearer token
func GetBearerToken(req *http.Request) (string, error) {
	authHeader := req.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("no Authorization header")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header")
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("not a bearer token")
	}
	return parts[1], nil
}

// AuthenticateRequest validates the token of a request.
// The token is taken from the bearer Authorization header or the token query parameter.
// Returns the token subject and true if the token is valid
func (jauth *JWTAuthenticator) AuthenticateRequest(req *http.Request) (subject string, match bool) {
	tokenString, err := GetBearerToken(req)
	if err != nil {
		tokenString = req.URL.Query().Get(TokenQueryParam)
	}
	if tokenString == "" {
		logrus.Debugf("JWTAuthenticator: No token in request %s '%s' from %s", req.Method, req.URL.Path, req.RemoteAddr)
		return "", false
	}
	subject, err = jauth.DecodeToken(tokenString)
	if err != nil {
		logrus.Infof("JWTAuthenticator: Invalid token in request %s '%s' from %s: %s",
			req.Method, req.URL.Path, req.RemoteAddr, err)
		return "", false
	}
	return subject, true
}

// NewJWTAuthenticator creates a token authenticator
//  secret for signing tokens, or nil to generate a random 64 byte secret
func NewJWTAuthenticator(secret []byte) (*JWTAuthenticator, error) {
	if len(secret) == 0 {
		secret = make([]byte, 64)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, err
	}
	jauth := &JWTAuthenticator{
		jwtKey: secret,
		signer: signer,
	}
	return jauth, nil
}
