// Package bridgeconfig with the bridge configuration struct, loader and validation
package bridgeconfig

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strings"
	"text/template"

	"github.com/sirupsen/logrus"
	"github.com/wostzone/ssapbridge-go/api"
	"gopkg.in/yaml.v3"
)

// BridgeConfigName is the default configuration file name
const BridgeConfigName = "ssapbridge.yaml"

// BridgeLogFile is the default log file name
const BridgeLogFile = "ssapbridge.log"

// Defaults
const (
	DefaultKPInstance          = "ssapbridge"
	DefaultSessionRefreshMs    = 600000
	DefaultRequestTimeoutSec   = 30
	DefaultPollingIntervalMs   = 2000
	DefaultLookbackMinutes     = 3
	DefaultMeasurementOntology = "Biomedida"
	DefaultCallbackPort        = 9443
	DefaultTopicPrefix         = "ssapbridge"
	DefaultStoreFile           = "subscriptions.db"
)

// Delivery modes of subscriptions
const (
	// DeliveryPush has the platform push indications to the callback endpoint
	DeliveryPush = "push"
	// DeliveryPoll runs a polling worker per subscription
	DeliveryPoll = "poll"
)

// PollingConfig of the polling delivery workers
type PollingConfig struct {
	IntervalMs      int    `yaml:"intervalMs"`
	LookbackMinutes int    `yaml:"lookbackMinutes"`
	MeasurementsURL string `yaml:"measurementsUrl,omitempty"` // default is the platform query endpoint
	Hub             string `yaml:"hub,omitempty"`             // concentrator that collects measurements
	Ontology        string `yaml:"ontology"`                  // ontology holding the measurements
}

// CallbackConfig of the push callback receiver
type CallbackConfig struct {
	Enabled     bool   `yaml:"enabled"`               // run the receiver in push delivery mode
	Address     string `yaml:"address,omitempty"`     // listening address, empty for all
	Port        int    `yaml:"port,omitempty"`        // 0 for any free port
	PublicURL   string `yaml:"publicUrl,omitempty"`   // URL the platform posts indications to
	CertsFolder string `yaml:"certsFolder,omitempty"` // server certificates, empty for plain http
	Secret      string `yaml:"secret,omitempty"`      // JWT signing secret, empty disables auth
}

// MqttConfig of the outbound observation stream
type MqttConfig struct {
	Address        string `yaml:"address,omitempty"` // host:port, empty disables the mqtt sink
	CaCertFile     string `yaml:"caCertFile,omitempty"`
	ClientCertFile string `yaml:"clientCertFile,omitempty"`
	ClientKeyFile  string `yaml:"clientKeyFile,omitempty"`
	User           string `yaml:"user,omitempty"`
	Password       string `yaml:"password,omitempty"`
	TopicPrefix    string `yaml:"topicPrefix,omitempty"`
}

// InfluxConfig of the observation history
type InfluxConfig struct {
	URL    string `yaml:"url,omitempty"` // empty disables the influx sink
	Token  string `yaml:"token,omitempty"`
	Org    string `yaml:"org,omitempty"`
	Bucket string `yaml:"bucket,omitempty"`
}

// StoreConfig of the subscription store
type StoreConfig struct {
	Path string `yaml:"path,omitempty"` // sqlite file, empty to not persist subscriptions
}

// BridgeConfig with the SSAP bridge configuration parameters
type BridgeConfig struct {
	// logging
	LogLevel string `yaml:"logLevel"` // debug, info, warning, error. Default is warning
	LogFile  string `yaml:"logFile"`  // bridge logging to file

	Home string `yaml:"home"` // application home directory. Default is parent of executable.

	// platform
	BaseURL  string `yaml:"baseUrl"`            // platform base URL
	Token    string `yaml:"token,omitempty"`    // KP token, or
	User     string `yaml:"user,omitempty"`     // console user to obtain the KP token
	Password string `yaml:"password,omitempty"` // console password
	KP       string `yaml:"kp"`                 // knowledge processor
	// KPInstance identifies this bridge instance, default is ssapbridge
	KPInstance string `yaml:"kpInstance"`

	DeviceClass         string `yaml:"deviceClass,omitempty"`  // ontology listing the devices
	IdentifierType      string `yaml:"identifierType"`         // string or numeric
	SubscriptionDialect string `yaml:"subscriptionDialect"`    // NATIVE or SQLLIKE
	SubscriptionRefresh int    `yaml:"subscriptionRefreshMs"`  // platform subscription refresh, 0 for none
	SessionRefresh      int    `yaml:"sessionRefreshMs"`       // session refresh interval
	RequestTimeout      int    `yaml:"requestTimeoutSec"`      // single request timeout
	TrustStore          string `yaml:"trustStore,omitempty"`   // PEM or PKCS#12 with trusted platform certificates
	TrustStorePassword  string `yaml:"trustStorePassword,omitempty"`
	DeliveryMode        string `yaml:"deliveryMode"` // push or poll

	Polling  PollingConfig  `yaml:"polling"`
	Callback CallbackConfig `yaml:"callback"`
	Mqtt     MqttConfig     `yaml:"mqtt"`
	Influx   InfluxConfig   `yaml:"influx"`
	Store    StoreConfig    `yaml:"store"`
}

// CreateDefaultBridgeConfig with default values
// homeFolder is the home of the application, log and configuration folders.
// Use "" for default: parent of application binary
// When relative path is given, it is relative to the application binary
func CreateDefaultBridgeConfig(homeFolder string) *BridgeConfig {
	appBin, _ := os.Executable()
	binFolder := path.Dir(appBin)
	if homeFolder == "" {
		homeFolder = path.Dir(binFolder)
	} else if !path.IsAbs(homeFolder) {
		homeFolder = path.Join(binFolder, homeFolder)
	}
	logrus.Debugf("CreateDefaultBridgeConfig: AppBin is: %s; Home is: %s", appBin, homeFolder)
	config := &BridgeConfig{
		LogLevel:            "warning",
		LogFile:             path.Join(homeFolder, "logs", BridgeLogFile),
		Home:                homeFolder,
		KPInstance:          DefaultKPInstance,
		IdentifierType:      "string",
		SubscriptionDialect: "SQLLIKE",
		SessionRefresh:      DefaultSessionRefreshMs,
		RequestTimeout:      DefaultRequestTimeoutSec,
		DeliveryMode:        DeliveryPush,
		Polling: PollingConfig{
			IntervalMs:      DefaultPollingIntervalMs,
			LookbackMinutes: DefaultLookbackMinutes,
			Ontology:        DefaultMeasurementOntology,
		},
		Callback: CallbackConfig{
			Enabled: true,
			Port:    DefaultCallbackPort,
		},
		Mqtt: MqttConfig{
			TopicPrefix: DefaultTopicPrefix,
		},
		Store: StoreConfig{
			Path: path.Join(homeFolder, "data", DefaultStoreFile),
		},
	}
	return config
}

// LoadConfig loads the configuration from file into the given config
//  configFile path to yaml configuration file
//  config interface to typed structure matching the config. Must have yaml tags
//  substituteMap map to substitute {{.key}} with value from map, nil to ignore
// Returns nil if successful
func LoadConfig(configFile string, config interface{}, substituteMap map[string]string) error {
	rawConfig, err := os.ReadFile(configFile)
	if err != nil {
		logrus.Infof("LoadConfig: Unable to load config file: %s", err)
		return err
	}
	logrus.Infof("LoadConfig: Loaded config file '%s'", configFile)
	rawText := string(rawConfig)
	if substituteMap != nil {
		rawText, err = SubstituteText(rawText, substituteMap)
		if err != nil {
			logrus.Errorf("LoadConfig: invalid template in '%s': %s", configFile, err)
			return err
		}
	}

	err = yaml.Unmarshal([]byte(rawText), config)
	if err != nil {
		logrus.Errorf("LoadConfig: Error parsing config file '%s': %s", configFile, err)
		return err
	}
	return nil
}

// SubstituteText replaces template strings in the text
//  text to substitute template strings, eg "hello {{.destination}}"
//  substituteMap with replacement keywords, eg {"destination":"world"}
// Returns text with template strings replaced
func SubstituteText(text string, substituteMap map[string]string) (string, error) {
	var msg bytes.Buffer
	tpl, err := template.New("").Option("missingkey=zero").Parse(text)
	if err != nil {
		return text, err
	}
	err = tpl.Execute(&msg, substituteMap)
	return msg.String(), err
}

// ValidateBridgeConfig checks the configuration for missing or contradicting values.
// Relative file paths are made absolute using the home folder.
// Returns an api.ConfigurationError if the configuration is not usable.
func ValidateBridgeConfig(config *BridgeConfig) error {
	fail := func(format string, args ...interface{}) error {
		err := &api.ConfigurationError{Reason: fmt.Sprintf(format, args...)}
		logrus.Errorf("ValidateBridgeConfig: %s", err)
		return err
	}
	if config.BaseURL == "" {
		return fail("platform baseUrl not provided")
	}
	if !strings.HasPrefix(config.BaseURL, "http://") && !strings.HasPrefix(config.BaseURL, "https://") {
		return fail("platform baseUrl '%s' is not a http(s) URL", config.BaseURL)
	}
	if config.KP == "" {
		return fail("kp not provided")
	}
	if config.Token == "" && (config.User == "" || config.Password == "") {
		return fail("either token or user and password must be provided")
	}
	if config.Token != "" && config.User != "" {
		return fail("token and user credentials are mutually exclusive")
	}
	switch strings.ToLower(config.IdentifierType) {
	case "", "string", "numeric", "number", "long":
	default:
		return fail("unknown identifierType '%s'", config.IdentifierType)
	}
	switch strings.ToUpper(config.SubscriptionDialect) {
	case "", "NATIVE", "SQLLIKE":
	default:
		return fail("unknown subscriptionDialect '%s'", config.SubscriptionDialect)
	}
	switch config.DeliveryMode {
	case DeliveryPush:
		// with any free port the receiver announces its listening address
		if config.Callback.Enabled && config.Callback.Port != 0 && config.Callback.PublicURL == "" {
			return fail("push delivery needs callback.publicUrl")
		}
	case DeliveryPoll:
		if config.Polling.IntervalMs <= 0 || config.Polling.LookbackMinutes <= 0 {
			return fail("polling interval and lookback must be positive")
		}
	default:
		return fail("unknown deliveryMode '%s'", config.DeliveryMode)
	}
	if config.Callback.Port < 0 || config.Callback.Port > 65535 {
		return fail("invalid callback.port %d", config.Callback.Port)
	}
	if config.SessionRefresh <= 0 || config.RequestTimeout <= 0 || config.SubscriptionRefresh < 0 {
		return fail("invalid refresh or timeout interval")
	}

	// make sure files have an absolute path
	for _, file := range []*string{&config.TrustStore, &config.Store.Path, &config.Callback.CertsFolder,
		&config.Mqtt.CaCertFile, &config.Mqtt.ClientCertFile, &config.Mqtt.ClientKeyFile, &config.LogFile} {
		if *file != "" && !path.IsAbs(*file) {
			*file = path.Join(config.Home, *file)
		}
	}
	if config.TrustStore != "" {
		if _, err := os.Stat(config.TrustStore); err != nil {
			return fail("trust store '%s' not found", config.TrustStore)
		}
	}
	return nil
}
