package api

import (
	"fmt"
	"strings"
)

// DeviceRef selects platform records by ontology, field and value.
// An empty Field means the whole ontology is referenced.
type DeviceRef struct {
	Ontology string `json:"ontology"`
	Field    string `json:"field,omitempty"`
	Value    string `json:"value,omitempty"`
}

// IsOntologyOnly returns true if the ref names an ontology without a record selector
func (ref DeviceRef) IsOntologyOnly() bool {
	return ref.Field == ""
}

func (ref DeviceRef) String() string {
	if ref.IsOntologyOnly() {
		return ref.Ontology
	}
	return fmt.Sprintf("%s.%s:%s", ref.Ontology, ref.Field, ref.Value)
}

// ParseDeviceRef splits a device identifier URI into a DeviceRef.
//
//  http://host/path/{ontology}/{field}#{value}  selects a record
//  http://host/path/{ontology}                  references the whole ontology
//
// Identifiers that are not URIs are mapped onto an ontology name, replacing the
// characters the platform does not accept in names.
func ParseDeviceRef(deviceID string) (DeviceRef, error) {
	if deviceID == "" {
		return DeviceRef{}, &PayloadError{Op: "ParseDeviceRef", Reason: "empty device identifier"}
	}
	if !strings.HasPrefix(deviceID, "http://") && !strings.HasPrefix(deviceID, "https://") {
		name := strings.ReplaceAll(deviceID, "/", "-")
		name = strings.ReplaceAll(name, "#", "+")
		return DeviceRef{Ontology: name}, nil
	}
	if !strings.Contains(deviceID, "#") {
		parts := strings.Split(strings.TrimRight(deviceID, "/"), "/")
		return DeviceRef{Ontology: parts[len(parts)-1]}, nil
	}
	parts := strings.Split(strings.ReplaceAll(deviceID, "#", "/"), "/")
	if len(parts) < 3 {
		return DeviceRef{}, &PayloadError{Op: "ParseDeviceRef", Reason: "malformed device identifier " + deviceID}
	}
	ref := DeviceRef{
		Ontology: parts[len(parts)-3],
		Field:    parts[len(parts)-2],
		Value:    parts[len(parts)-1],
	}
	if ref.Ontology == "" || ref.Field == "" {
		return DeviceRef{}, &PayloadError{Op: "ParseDeviceRef", Reason: "malformed device identifier " + deviceID}
	}
	return ref, nil
}
