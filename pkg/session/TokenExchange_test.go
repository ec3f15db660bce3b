package session_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wostzone/ssapbridge-go/api"
	"github.com/wostzone/ssapbridge-go/pkg/session"
)

type tokenGetter struct {
	url  string
	user string
	body string
	err  error
}

func (tg *tokenGetter) GetWithBasicAuth(ctx context.Context, url string, user string, password string) ([]byte, error) {
	tg.url = url
	tg.user = user
	return []byte(tg.body), tg.err
}

func TestExchangeToken(t *testing.T) {
	tg := &tokenGetter{body: `[{"token":"old","active":false},{"token":"T1","active":true},{"token":"T2","active":true}]`}
	token, err := session.ExchangeToken(context.Background(), tg, "https://platform.test", "KP1", "user1", "pass1")
	assert.NoError(t, err)
	assert.Equal(t, "T1", token)
	assert.Equal(t, "https://platform.test/console/api/rest/kps/KP1/tokens", tg.url)
	assert.Equal(t, "user1", tg.user)
}

func TestExchangeTokenLegacyField(t *testing.T) {
	tg := &tokenGetter{body: `[{"token":"T9","activo":true}]`}
	token, err := session.ExchangeToken(context.Background(), tg, "https://platform.test/", "KP1", "u", "p")
	assert.NoError(t, err)
	assert.Equal(t, "T9", token)
}

func TestExchangeTokenNoActiveToken(t *testing.T) {
	tg := &tokenGetter{body: `[{"token":"old","active":false}]`}
	_, err := session.ExchangeToken(context.Background(), tg, "https://platform.test/", "KP1", "u", "p")
	var configErr *api.ConfigurationError
	assert.True(t, errors.As(err, &configErr))

	tg = &tokenGetter{body: `not json`}
	_, err = session.ExchangeToken(context.Background(), tg, "https://platform.test/", "KP1", "u", "p")
	assert.True(t, errors.As(err, &configErr))
}

func TestExchangeTokenTransportError(t *testing.T) {
	tg := &tokenGetter{err: &api.TransportError{StatusCode: 401}}
	_, err := session.ExchangeToken(context.Background(), tg, "https://platform.test/", "KP1", "u", "p")
	var transportErr *api.TransportError
	assert.True(t, errors.As(err, &transportErr))
	assert.Equal(t, 401, transportErr.StatusCode)
}
