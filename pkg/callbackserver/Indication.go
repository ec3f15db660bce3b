package callbackserver

import (
	"encoding/json"

	"github.com/wostzone/ssapbridge-go/api"
)

// DecodeIndication extracts the observation document from a pushed indication.
//
// Two forms are accepted:
//  LEGACY:  {"body":{"data":"<document>"},"version":"LEGACY"}
//  current: {"body":"{\"data\":\"<document>\"}", ...}
// In both forms a data object instead of a string is accepted and serialized.
func DecodeIndication(raw []byte) (string, error) {
	var envelope struct {
		Body    json.RawMessage `json:"body"`
		Version string          `json:"version"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", &api.PayloadError{Op: "indication", Reason: "not a JSON indication: " + err.Error()}
	}
	if len(envelope.Body) == 0 || string(envelope.Body) == "null" {
		return "", &api.PayloadError{Op: "indication", Reason: "indication without body"}
	}
	body := envelope.Body
	// the current form carries the body as a JSON string
	var bodyText string
	if err := json.Unmarshal(body, &bodyText); err == nil {
		body = json.RawMessage(bodyText)
	}
	var bodyObj struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &bodyObj); err != nil {
		return "", &api.PayloadError{Op: "indication", Reason: "invalid indication body: " + err.Error()}
	}
	if len(bodyObj.Data) == 0 || string(bodyObj.Data) == "null" {
		return "", &api.PayloadError{Op: "indication", Reason: "indication without data"}
	}
	var data string
	if err := json.Unmarshal(bodyObj.Data, &data); err == nil {
		return data, nil
	}
	return string(bodyObj.Data), nil
}

// EncodeIndication wraps an observation document in a LEGACY indication
func EncodeIndication(data string) ([]byte, error) {
	return json.Marshal(api.Indication{
		Body:    api.IndicationBody{Data: data},
		Version: api.IndicationVersionLegacy,
	})
}
