package ssapclient

import (
	"fmt"
	"strings"
	"time"

	"github.com/wostzone/ssapbridge-go/api"
	"github.com/wostzone/ssapbridge-go/pkg/bridgeconfig"
	"github.com/wostzone/ssapbridge-go/pkg/poller"
	"github.com/wostzone/ssapbridge-go/pkg/querybuilder"
	"github.com/wostzone/ssapbridge-go/pkg/subscriptions"
)

// Config of the platform client
type Config struct {
	// BaseURL of the platform, eg https://sofia2.example.org/
	BaseURL string
	// Token of the KP. When empty, User and Password are exchanged for a token.
	Token    string
	User     string
	Password string
	// KP is the knowledge processor the bridge joins as
	KP         string
	KPInstance string

	// DeviceClass is the ontology listing the devices, used by ListDevices
	DeviceClass         string
	IdentifierKind      querybuilder.IdentifierKind
	SubscriptionDialect querybuilder.Dialect
	// SubscriptionRefresh is passed to the platform as $msRefresh
	SubscriptionRefresh time.Duration
	SessionRefresh      time.Duration

	// DeliveryMode of subscriptions, push or poll
	DeliveryMode subscriptions.Mode
	// Polling configures the workers in poll mode
	Polling poller.WorkerConfig
	// MeasurementsURL is the measurements query endpoint. Default is the SSAP query resource.
	MeasurementsURL string
	// Hub is the concentrator whose measurements are polled
	Hub string
}

// ConfigFromBridge converts the bridge configuration file settings into a client configuration
func ConfigFromBridge(bc *bridgeconfig.BridgeConfig) (Config, error) {
	kind, err := querybuilder.ParseIdentifierKind(bc.IdentifierType)
	if err != nil {
		return Config{}, &api.ConfigurationError{Reason: err.Error()}
	}
	dialect, err := querybuilder.ParseDialect(bc.SubscriptionDialect)
	if err != nil {
		return Config{}, &api.ConfigurationError{Reason: err.Error()}
	}
	mode := subscriptions.ModePush
	if strings.EqualFold(bc.DeliveryMode, bridgeconfig.DeliveryPoll) {
		mode = subscriptions.ModePoll
	}
	cfg := Config{
		BaseURL:             bc.BaseURL,
		Token:               bc.Token,
		User:                bc.User,
		Password:            bc.Password,
		KP:                  bc.KP,
		KPInstance:          bc.KPInstance,
		DeviceClass:         bc.DeviceClass,
		IdentifierKind:      kind,
		SubscriptionDialect: dialect,
		SubscriptionRefresh: time.Duration(bc.SubscriptionRefresh) * time.Millisecond,
		SessionRefresh:      time.Duration(bc.SessionRefresh) * time.Millisecond,
		DeliveryMode:        mode,
		Polling: poller.WorkerConfig{
			Interval: time.Duration(bc.Polling.IntervalMs) * time.Millisecond,
			Lookback: time.Duration(bc.Polling.LookbackMinutes) * time.Minute,
			Ontology: bc.Polling.Ontology,
		},
		MeasurementsURL: bc.Polling.MeasurementsURL,
		Hub:             bc.Polling.Hub,
	}
	return cfg, nil
}

// validate the configuration and apply defaults
func (cfg *Config) validate() error {
	if cfg.BaseURL == "" {
		return &api.ConfigurationError{Reason: "missing platform base URL"}
	}
	if cfg.KP == "" {
		return &api.ConfigurationError{Reason: "no KP"}
	}
	if cfg.Token == "" && (cfg.User == "" || cfg.Password == "") {
		return &api.ConfigurationError{Reason: "either a token or user and password are required"}
	}
	if cfg.DeliveryMode == "" {
		cfg.DeliveryMode = subscriptions.ModePush
	}
	if cfg.DeliveryMode != subscriptions.ModePush && cfg.DeliveryMode != subscriptions.ModePoll {
		return &api.ConfigurationError{Reason: fmt.Sprintf("unknown delivery mode '%s'", cfg.DeliveryMode)}
	}
	if cfg.SubscriptionDialect == "" {
		cfg.SubscriptionDialect = querybuilder.SQLLike
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.MeasurementsURL == "" {
		cfg.MeasurementsURL = cfg.BaseURL + api.SSAPQueryPath
	}
	return nil
}
