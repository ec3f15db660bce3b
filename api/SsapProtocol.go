package api

import "strings"

// SSAP resource paths relative to the platform base URL
const (
	SSAPResourcePath    = "sib/services/api_ssap/v01/SSAPResource/"
	SSAPQueryPath       = "sib/services/api_ssap/v01/SSAPResource"
	SSAPSubscribePath   = "sib/services/api_ssap/v01/SSAPResource/subscribe"
	SSAPUnsubscribePath = "sib/services/api_ssap/v01/SSAPResource/unsubscribe"
	// TokenPath has the {kp} placeholder for the knowledge processor name
	TokenPath = "console/api/rest/kps/{kp}/tokens"
)

// SSAP query string parameters
const (
	ParamSessionKey     = "$sessionKey"
	ParamOntology       = "$ontology"
	ParamQuery          = "$query"
	ParamQueryType      = "$queryType"
	ParamRefresh        = "$msRefresh"
	ParamEndpoint       = "$endpoint"
	ParamSubscriptionID = "$subscriptionId"
)

// IndicationVersionLegacy marks an indication whose body.data is the observation string
const IndicationVersionLegacy = "LEGACY"

// EmptyResult is the canonical "no data" marker returned by queries.
// All wire forms of an empty answer are normalized to this value.
const EmptyResult = "[ ]"

// IsEmptyResult returns true for every observed wire form of "no data":
// an empty string, null, "[]" or "[ ]" with any inner whitespace.
func IsEmptyResult(data string) bool {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" || trimmed == "null" {
		return true
	}
	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		return strings.TrimSpace(trimmed[1:len(trimmed)-1]) == ""
	}
	return false
}

// SSAPRequest is the JSON body of join, leave, insert, update and delete requests
type SSAPRequest struct {
	Join       bool   `json:"join,omitempty"`
	Leave      bool   `json:"leave,omitempty"`
	InstanceKP string `json:"instanceKP,omitempty"`
	Token      string `json:"token,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	Ontology   string `json:"ontology,omitempty"`
	Data       string `json:"data,omitempty"`
}

// Indication is the envelope of an observation pushed to a callback endpoint
type Indication struct {
	Body    IndicationBody `json:"body"`
	Version string         `json:"version"`
}

// IndicationBody holds the observation as a string encoded JSON document
type IndicationBody struct {
	Data string `json:"data"`
}
