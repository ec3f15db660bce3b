package ssapclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/wostzone/ssapbridge-go/api"
	"github.com/wostzone/ssapbridge-go/pkg/querybuilder"
)

// keys the observation document can carry besides its ontology record
var observationMetaKeys = map[string]bool{"contextData": true, "_id": true, "@type": true}

// get sends a query to the SSAP query resource and returns its normalized data
func (cl *SsapClient) get(ctx context.Context, op string, sessionKey string, ontology string, query string, dialect querybuilder.Dialect) (string, error) {
	params := querybuilder.Params(
		api.ParamSessionKey, sessionKey,
		api.ParamOntology, ontology,
		api.ParamQuery, query,
		api.ParamQueryType, string(dialect))
	logrus.Debugf("SsapClient.%s: %s", op, query)
	body, err := cl.transport.InvokeGet(ctx, cl.cfg.BaseURL+api.SSAPQueryPath+params)
	if err != nil {
		return "", err
	}
	return responseData(body)
}

// send an insert, update or delete request to the SSAP resource
func (cl *SsapClient) send(ctx context.Context, method string, sessionKey string, ontology string, data string) error {
	msg := api.SSAPRequest{
		SessionKey: sessionKey,
		Ontology:   ontology,
		Data:       data,
	}
	_, err := cl.transport.Invoke(ctx, method, cl.cfg.BaseURL+api.SSAPResourcePath, msg)
	return err
}

// Query the most recent record of ontology where field equals value.
// Queries on '_id' match the platform object identifier.
// Returns api.EmptyResult if nothing matched.
func (cl *SsapClient) Query(ctx context.Context, ontology string, field string, value string) (string, error) {
	sessionKey, err := cl.session.SessionKey()
	if err != nil {
		return "", err
	}
	query, dialect := querybuilder.BuildQuery(querybuilder.QuerySpec{
		Ontology:       ontology,
		Field:          field,
		Value:          value,
		IdentifierKind: cl.cfg.IdentifierKind,
		MostRecentOnly: true,
		Dialect:        querybuilder.Native,
	})
	data, err := cl.get(ctx, "Query", sessionKey, ontology, query, dialect)
	if err != nil {
		return "", fmt.Errorf("query %s.%s: %w", ontology, field, err)
	}
	return data, nil
}

// List all records of an ontology. Returns api.EmptyResult if there are none.
func (cl *SsapClient) List(ctx context.Context, ontology string) (string, error) {
	sessionKey, err := cl.session.SessionKey()
	if err != nil {
		return "", err
	}
	data, err := cl.get(ctx, "List", sessionKey, ontology, querybuilder.ListQuery(ontology, 0), querybuilder.Native)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", ontology, err)
	}
	return data, nil
}

// ListDevices lists the records of the configured device class
func (cl *SsapClient) ListDevices(ctx context.Context) (string, error) {
	if cl.cfg.DeviceClass == "" {
		return "", &api.ConfigurationError{Reason: "no device class configured"}
	}
	return cl.List(ctx, cl.cfg.DeviceClass)
}

// Register inserts a record {ontology:{field:id}} unless a record with the id exists.
// Numeric identifiers are inserted as numbers.
// Returns true if the record was inserted.
func (cl *SsapClient) Register(ctx context.Context, ontology string, field string, id string) (bool, error) {
	existing, err := cl.Query(ctx, ontology, field, id)
	if err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	if !api.IsEmptyResult(existing) {
		logrus.Debugf("SsapClient.Register: %s.%s = %s already exists", ontology, field, id)
		return false, nil
	}
	var value interface{} = id
	if cl.cfg.IdentifierKind == querybuilder.NumericIdentifier {
		number, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return false, &api.PayloadError{Op: "register", Reason: fmt.Sprintf("identifier '%s' is not numeric", id)}
		}
		value = number
	}
	record, _ := json.Marshal(map[string]interface{}{
		ontology: map[string]interface{}{field: value},
	})
	if err = cl.Insert(ctx, ontology, string(record)); err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	logrus.Infof("SsapClient.Register: registered %s.%s = %s", ontology, field, id)
	return true, nil
}

// Insert a record into the ontology. data is the JSON record document.
func (cl *SsapClient) Insert(ctx context.Context, ontology string, data string) error {
	sessionKey, err := cl.session.SessionKey()
	if err != nil {
		return err
	}
	if err = cl.send(ctx, http.MethodPost, sessionKey, ontology, data); err != nil {
		return fmt.Errorf("insert into %s: %w", ontology, err)
	}
	return nil
}

// Update a record of the ontology. data is the JSON record document.
func (cl *SsapClient) Update(ctx context.Context, ontology string, data string) error {
	sessionKey, err := cl.session.SessionKey()
	if err != nil {
		return err
	}
	if err = cl.send(ctx, http.MethodPut, sessionKey, ontology, data); err != nil {
		return fmt.Errorf("update %s: %w", ontology, err)
	}
	return nil
}

// UpdateObservation updates the platform with an observation document.
// The ontology is the first top-level key other than contextData and _id. A document
// wrapped in a body is unwrapped; its @type and the contextData are not sent.
func (cl *SsapClient) UpdateObservation(ctx context.Context, observation string) error {
	ontology, err := ObservationOntology(observation)
	if err != nil {
		return err
	}
	data, err := ObservationUpdateData(observation)
	if err != nil {
		return err
	}
	return cl.Update(ctx, ontology, data)
}

// Delete the record identified by field and id.
// The record is looked up first and deleted by its object identifier.
// Returns a NotFoundError if no record matches.
func (cl *SsapClient) Delete(ctx context.Context, ontology string, field string, id string) error {
	existing, err := cl.Query(ctx, ontology, field, id)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if api.IsEmptyResult(existing) {
		return &api.NotFoundError{Ontology: ontology, Field: field, Value: id}
	}
	var records []struct {
		ID json.RawMessage `json:"_id"`
	}
	if err = json.Unmarshal([]byte(existing), &records); err != nil || len(records) == 0 {
		// a single record instead of a list
		var record struct {
			ID json.RawMessage `json:"_id"`
		}
		if err2 := json.Unmarshal([]byte(existing), &record); err2 != nil {
			return &api.PayloadError{Op: "delete", Reason: "unexpected query result for " + ontology}
		}
		records = append(records[:0], record)
	}
	if len(records[0].ID) == 0 {
		return &api.PayloadError{Op: "delete", Reason: fmt.Sprintf("%s.%s = %s has no object identifier", ontology, field, id)}
	}
	data, _ := json.Marshal(map[string]json.RawMessage{querybuilder.ObjectIDField: records[0].ID})

	sessionKey, err := cl.session.SessionKey()
	if err != nil {
		return err
	}
	if err = cl.send(ctx, http.MethodDelete, sessionKey, ontology, string(data)); err != nil {
		return fmt.Errorf("delete %s.%s = %s: %w", ontology, field, id, err)
	}
	logrus.Infof("SsapClient.Delete: deleted %s.%s = %s", ontology, field, id)
	return nil
}

// topLevelKeys returns the keys of a JSON object in document order
func topLevelKeys(doc string) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(doc)))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, isDelim := tok.(json.Delim); !isDelim || delim != '{' {
		return nil, fmt.Errorf("not a JSON object")
	}
	var keys []string
	for dec.More() {
		tok, err = dec.Token()
		if err != nil {
			return nil, err
		}
		keys = append(keys, tok.(string))
		var skip json.RawMessage
		if err = dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// ObservationOntology returns the ontology of an observation document.
// For a document wrapped in a body the ontology is taken from the body.
func ObservationOntology(observation string) (string, error) {
	keys, err := topLevelKeys(observation)
	if err != nil {
		return "", &api.PayloadError{Op: "observation", Reason: "invalid observation: " + err.Error()}
	}
	for _, key := range keys {
		if key == "body" {
			var doc map[string]json.RawMessage
			_ = json.Unmarshal([]byte(observation), &doc)
			keys, err = topLevelKeys(string(doc["body"]))
			if err != nil {
				return "", &api.PayloadError{Op: "observation", Reason: "invalid observation body: " + err.Error()}
			}
			break
		}
	}
	for _, key := range keys {
		if !observationMetaKeys[key] {
			return key, nil
		}
	}
	return "", &api.PayloadError{Op: "observation", Reason: "observation without ontology"}
}

// ObservationUpdateData returns the update document of an observation
func ObservationUpdateData(observation string) (string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(observation), &doc); err != nil {
		return "", &api.PayloadError{Op: "observation", Reason: "invalid observation: " + err.Error()}
	}
	if body, found := doc["body"]; found {
		var bodyDoc map[string]json.RawMessage
		if err := json.Unmarshal(body, &bodyDoc); err != nil {
			return "", &api.PayloadError{Op: "observation", Reason: "invalid observation body: " + err.Error()}
		}
		delete(bodyDoc, "@type")
		doc = bodyDoc
	}
	delete(doc, "contextData")
	data, err := json.Marshal(doc)
	return string(data), err
}
