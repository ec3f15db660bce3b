package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/wostzone/ssapbridge-go/api"
)

// TokenGetter fetches a resource using basic authentication
type TokenGetter interface {
	GetWithBasicAuth(ctx context.Context, url string, user string, password string) ([]byte, error)
}

// kpToken is a token record of a KP as listed by the platform console
type kpToken struct {
	Token  string `json:"token"`
	Active *bool  `json:"active,omitempty"`
	// older platform versions
	Activo *bool `json:"activo,omitempty"`
}

func (t kpToken) isActive() bool {
	if t.Active != nil {
		return *t.Active
	}
	return t.Activo != nil && *t.Activo
}

// ExchangeToken obtains the active platform token of a KP using the console user credentials.
//  getter to fetch the token list with basic auth
//  baseURL of the platform, ending with '/'
//  kp whose tokens to list
//  user and password of the platform console
// Returns the first active token or a ConfigurationError if the KP has none.
func ExchangeToken(ctx context.Context, getter TokenGetter, baseURL string, kp string, user string, password string) (string, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	tokenURL := baseURL + strings.Replace(api.TokenPath, "{kp}", url.PathEscape(kp), 1)
	logrus.Infof("ExchangeToken: requesting token of KP '%s' for user '%s'", kp, user)

	body, err := getter.GetWithBasicAuth(ctx, tokenURL, user, password)
	if err != nil {
		return "", fmt.Errorf("token exchange for KP '%s': %w", kp, err)
	}
	var tokens []kpToken
	if err := json.Unmarshal(body, &tokens); err != nil {
		return "", &api.ConfigurationError{Reason: fmt.Sprintf("token list of KP '%s' is not valid: %s", kp, err)}
	}
	for _, t := range tokens {
		if t.isActive() && t.Token != "" {
			return t.Token, nil
		}
	}
	return "", &api.ConfigurationError{Reason: fmt.Sprintf("KP '%s' has no active token", kp)}
}
