package api_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wostzone/ssapbridge-go/api"
)

func TestParseDeviceRef(t *testing.T) {
	ref, err := api.ParseDeviceRef("http://sofia2.example.org/devices/Scale/serial#S100")
	require.NoError(t, err)
	assert.Equal(t, api.DeviceRef{Ontology: "Scale", Field: "serial", Value: "S100"}, ref)
	assert.False(t, ref.IsOntologyOnly())
	assert.Equal(t, "Scale.serial:S100", ref.String())

	ref, err = api.ParseDeviceRef("https://sofia2.example.org/devices/Thermometer/")
	require.NoError(t, err)
	assert.Equal(t, "Thermometer", ref.Ontology)
	assert.True(t, ref.IsOntologyOnly())
	assert.Equal(t, "Thermometer", ref.String())

	ref, err = api.ParseDeviceRef("urn/dev#1")
	require.NoError(t, err)
	assert.Equal(t, api.DeviceRef{Ontology: "urn-dev+1"}, ref)
}

func TestParseInvalidDeviceRef(t *testing.T) {
	var payloadErr *api.PayloadError
	_, err := api.ParseDeviceRef("")
	assert.True(t, errors.As(err, &payloadErr))

	_, err = api.ParseDeviceRef("http://host/#S100")
	assert.True(t, errors.As(err, &payloadErr))
}

func TestIsEmptyResult(t *testing.T) {
	for _, empty := range []string{"", " ", "null", "[]", "[ ]", "[\n  ]", api.EmptyResult} {
		assert.True(t, api.IsEmptyResult(empty), "%q", empty)
	}
	for _, data := range []string{"[{}]", "{}", "0", "SUB-1", "[ 1 ]"} {
		assert.False(t, api.IsEmptyResult(data), "%q", data)
	}
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("query: %w", &api.SessionError{Reason: "not joined"})
	assert.True(t, api.IsSessionError(err))
	assert.False(t, api.IsNotFound(err))

	err = fmt.Errorf("delete: %w", &api.NotFoundError{Ontology: "Scale", Field: "serial", Value: "S100"})
	assert.True(t, api.IsNotFound(err))
	assert.Contains(t, err.Error(), "S100")

	cause := errors.New("connection refused")
	err = &api.TransportError{Method: "GET", URL: "http://host/", Cause: cause}
	assert.ErrorIs(t, err, cause)
}
