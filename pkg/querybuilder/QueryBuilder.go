// Package querybuilder renders SSAP queries in the platform's native and SQL-like dialects.
//
// Field values are inserted verbatim. Quote characters inside a value are not escaped,
// so callers must not pass untrusted raw text as a value.
package querybuilder

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Dialect of a query accepted by the platform query endpoint
type Dialect string

// Supported query dialects
const (
	Native  Dialect = "NATIVE"
	SQLLike Dialect = "SQLLIKE"
)

// IdentifierKind determines how field values are quoted
type IdentifierKind int

// Identifier kinds
const (
	StringIdentifier IdentifierKind = iota
	NumericIdentifier
)

// ObjectIDField is the platform's unique object identifier field
const ObjectIDField = "_id"

// TimestampField holds the platform insertion time of each record
const TimestampField = "contextData.timestamp"

// MeasurementTimeLayout is the time format of measurement records, in UTC
const MeasurementTimeLayout = "20060102150405"

// QuerySpec selects records of an ontology where field equals value
type QuerySpec struct {
	Ontology       string
	Field          string
	Value          string
	IdentifierKind IdentifierKind
	// MostRecentOnly sorts by descending timestamp and limits the result to 1 record
	MostRecentOnly bool
	// Limit the number of records, 0 for no limit. Ignored with MostRecentOnly.
	Limit int
	// Dialect preference. Identifier queries are always native.
	Dialect Dialect
}

// BuildQuery renders the query text and the dialect it is written in.
// Queries on the object identifier are always rendered as native queries.
func BuildQuery(spec QuerySpec) (string, Dialect) {
	if spec.Field == ObjectIDField {
		query := fmt.Sprintf(`db.%s.find({"%s":{"$oid":"%s"}})`, spec.Ontology, ObjectIDField, spec.Value)
		return query, Native
	}
	literal := Literal(spec.Value, spec.IdentifierKind)
	if spec.Dialect == SQLLike {
		query := fmt.Sprintf("select * from %s where %s.%s = %s",
			spec.Ontology, spec.Ontology, spec.Field, literal)
		if spec.MostRecentOnly {
			query += " order by " + TimestampField + " DESC limit 1"
		} else if spec.Limit > 0 {
			query += " limit " + strconv.Itoa(spec.Limit)
		}
		return query, SQLLike
	}
	query := fmt.Sprintf(`db.%s.find({"%s":%s})`, spec.Ontology, spec.Field, literal)
	if spec.MostRecentOnly {
		query += fmt.Sprintf(`.sort({"%s":-1}).limit(1)`, TimestampField)
	} else if spec.Limit > 0 {
		query += fmt.Sprintf(".limit(%d)", spec.Limit)
	}
	return query, Native
}

// ListQuery renders a native query for all records of an ontology
//  limit the number of records, 0 for all
func ListQuery(ontology string, limit int) string {
	query := fmt.Sprintf("db.%s.find()", ontology)
	if limit > 0 {
		query += fmt.Sprintf(".limit(%d)", limit)
	}
	return query
}

// MeasurementQuery renders a native query for the newest measurements of a metric
// reported by a device since the given time.
//  ontology holding the measurements
//  hub that collected the measurements
//  device serial of the measuring device
//  metric name, eg PESO
//  since floor of the activity time
//  limit number of records, the newest first
func MeasurementQuery(ontology string, hub string, device string, metric string, since time.Time, limit int) string {
	query := fmt.Sprintf(
		`db.%s.find({"concentrador":"%s","idDispositivo":"%s","tipo":"%s","fechaActividad":{"$gte":"%s"}}).sort({"fechaActividad":-1})`,
		ontology, hub, device, metric, since.UTC().Format(MeasurementTimeLayout))
	if limit > 0 {
		query += fmt.Sprintf(".limit(%d)", limit)
	}
	return query
}

// Literal renders a value as a string or numeric literal
func Literal(value string, kind IdentifierKind) string {
	if kind == NumericIdentifier {
		return value
	}
	return `"` + value + `"`
}

// Encode percent-encodes query text for use as a URL query parameter value
func Encode(query string) string {
	return url.QueryEscape(query)
}

// Params renders name-value pairs as a URL query string, starting with '?'.
// Names are used as-is, as the platform's parameter names start with '$'. Values are
// percent-encoded.
func Params(nameValues ...string) string {
	var sb strings.Builder
	for i := 0; i+1 < len(nameValues); i += 2 {
		if i == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte('&')
		}
		sb.WriteString(nameValues[i])
		sb.WriteByte('=')
		sb.WriteString(Encode(nameValues[i+1]))
	}
	return sb.String()
}

// ParseIdentifierKind converts the configured identifier type, "string" or "numeric"
func ParseIdentifierKind(identifierType string) (IdentifierKind, error) {
	switch strings.ToLower(identifierType) {
	case "", "string":
		return StringIdentifier, nil
	case "numeric", "number", "long":
		return NumericIdentifier, nil
	}
	return StringIdentifier, fmt.Errorf("unknown identifier type '%s'", identifierType)
}

// ParseDialect converts the configured dialect name. Empty defaults to SQLLike.
func ParseDialect(dialect string) (Dialect, error) {
	switch strings.ToUpper(dialect) {
	case "", string(SQLLike):
		return SQLLike, nil
	case string(Native):
		return Native, nil
	}
	return SQLLike, fmt.Errorf("unknown query dialect '%s'", dialect)
}
