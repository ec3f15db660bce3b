package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wostzone/ssapbridge-go/api"
	"github.com/wostzone/ssapbridge-go/pkg/querybuilder"
)

// Measurement result codes
const (
	ResultOK        = 0
	ResultNoNewData = 106
)

// MeasurementResult is the answer of a measurement query
type MeasurementResult struct {
	Code        int    `json:"codigo"`
	Description string `json:"descripcion,omitempty"`
	// Records with the newest first
	Records []json.RawMessage `json:"resultado"`
}

// MeasurementSource queries the measurements of a device
type MeasurementSource interface {
	// Measurements returns up to limit records of the metric measured by the device since
	// the given time, the newest first
	Measurements(ctx context.Context, device string, metric string, since time.Time, limit int) (MeasurementResult, error)
}

// Getter performs a GET request. A nil body without error means no data.
type Getter interface {
	InvokeGet(ctx context.Context, url string) ([]byte, error)
}

// HTTPMeasurementSource queries measurements on the platform with native queries
type HTTPMeasurementSource struct {
	getter     Getter
	url        string
	ontology   string
	hub        string
	sessionKey func() (string, error)
}

// Measurements queries the platform for the newest records of the metric.
// The endpoint answers either with a measurement result or with a SSAP response whose
// data field holds the records. The latter is converted to a measurement result.
func (src *HTTPMeasurementSource) Measurements(ctx context.Context, device string, metric string, since time.Time, limit int) (MeasurementResult, error) {
	result := MeasurementResult{Code: ResultNoNewData}
	sessionKey, err := src.sessionKey()
	if err != nil {
		return result, err
	}
	query := querybuilder.MeasurementQuery(src.ontology, src.hub, device, metric, since, limit)
	params := querybuilder.Params(
		api.ParamSessionKey, sessionKey,
		api.ParamOntology, src.ontology,
		api.ParamQuery, query,
		api.ParamQueryType, string(querybuilder.Native))
	body, err := src.getter.InvokeGet(ctx, src.url+params)
	if err != nil || len(body) == 0 {
		return result, err
	}

	var raw struct {
		Code        *int              `json:"codigo"`
		Description string            `json:"descripcion"`
		Records     []json.RawMessage `json:"resultado"`
		Data        *string           `json:"data"`
	}
	if err = json.Unmarshal(body, &raw); err != nil {
		return result, &api.PayloadError{Op: "measurements", Reason: "invalid response: " + err.Error()}
	}
	if raw.Code != nil {
		result.Code = *raw.Code
		result.Description = raw.Description
		result.Records = raw.Records
		return result, nil
	}
	if raw.Data == nil || api.IsEmptyResult(*raw.Data) {
		return result, nil
	}
	if err = json.Unmarshal([]byte(*raw.Data), &result.Records); err != nil {
		return result, &api.PayloadError{Op: "measurements", Reason: fmt.Sprintf("invalid data: %s", err)}
	}
	if len(result.Records) > 0 {
		result.Code = ResultOK
	}
	return result, nil
}

// NewHTTPMeasurementSource creates a measurement source using the platform query endpoint
//  getter to send the query
//  url of the query endpoint
//  ontology holding the measurements
//  hub that collected the measurements
//  sessionKey returns the key of the active session
func NewHTTPMeasurementSource(getter Getter, url string, ontology string, hub string,
	sessionKey func() (string, error)) *HTTPMeasurementSource {
	return &HTTPMeasurementSource{
		getter:     getter,
		url:        url,
		ontology:   ontology,
		hub:        hub,
		sessionKey: sessionKey,
	}
}
