package poller_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wostzone/ssapbridge-go/api"
	"github.com/wostzone/ssapbridge-go/pkg/poller"
)

type fakeGetter struct {
	url  string
	body string
	err  error
}

func (fg *fakeGetter) InvokeGet(ctx context.Context, url string) ([]byte, error) {
	fg.url = url
	if fg.body == "" {
		return nil, fg.err
	}
	return []byte(fg.body), fg.err
}

func sessionKey() (string, error) {
	return "SK1", nil
}

func TestMeasurementResultResponse(t *testing.T) {
	fg := &fakeGetter{body: `{"codigo":0,"descripcion":"ok","resultado":[{"fechaActividad":"20180918000103"}]}`}
	src := poller.NewHTTPMeasurementSource(fg, "https://sofia2.test/query", "Biomedida", "concentrador", sessionKey)
	since := time.Date(2018, 9, 18, 0, 0, 0, 0, time.UTC)

	result, err := src.Measurements(context.Background(), "S100", "PESO", since, 1)
	require.NoError(t, err)
	assert.Equal(t, poller.ResultOK, result.Code)
	assert.Len(t, result.Records, 1)

	require.True(t, strings.HasPrefix(fg.url, "https://sofia2.test/query?"))
	params, err := url.ParseQuery(fg.url[strings.Index(fg.url, "?")+1:])
	require.NoError(t, err)
	assert.Equal(t, "SK1", params.Get(api.ParamSessionKey))
	assert.Equal(t, "Biomedida", params.Get(api.ParamOntology))
	assert.Equal(t, "NATIVE", params.Get(api.ParamQueryType))
	assert.Contains(t, params.Get(api.ParamQuery), `"idDispositivo":"S100"`)
	assert.Contains(t, params.Get(api.ParamQuery), `"20180918000000"`)
}

func TestSSAPDataResponse(t *testing.T) {
	fg := &fakeGetter{body: `{"data":"[{\"fechaActividad\":\"20180918000103\"}]"}`}
	src := poller.NewHTTPMeasurementSource(fg, "https://sofia2.test/query", "Biomedida", "", sessionKey)
	result, err := src.Measurements(context.Background(), "S100", "PESO", time.Now(), 1)
	require.NoError(t, err)
	assert.Equal(t, poller.ResultOK, result.Code)
	assert.Len(t, result.Records, 1)

	// every form of 'no data' yields the no new data code
	for _, body := range []string{`{"data":"[ ]"}`, `{"data":null}`, `{}`, ``} {
		fg.body = body
		result, err = src.Measurements(context.Background(), "S100", "PESO", time.Now(), 1)
		assert.NoError(t, err)
		assert.Equal(t, poller.ResultNoNewData, result.Code, body)
	}
}

func TestMeasurementErrors(t *testing.T) {
	fg := &fakeGetter{body: `not json`}
	src := poller.NewHTTPMeasurementSource(fg, "https://sofia2.test/query", "Biomedida", "", sessionKey)
	_, err := src.Measurements(context.Background(), "S100", "PESO", time.Now(), 1)
	var payloadErr *api.PayloadError
	assert.True(t, errors.As(err, &payloadErr))

	noSession := func() (string, error) { return "", &api.SessionError{Reason: "no session"} }
	src = poller.NewHTTPMeasurementSource(fg, "https://sofia2.test/query", "Biomedida", "", noSession)
	_, err = src.Measurements(context.Background(), "S100", "PESO", time.Now(), 1)
	assert.True(t, api.IsSessionError(err))
}
