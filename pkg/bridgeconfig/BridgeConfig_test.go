package bridgeconfig_test

import (
	"errors"
	"os"
	"path"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wostzone/ssapbridge-go/api"
	"github.com/wostzone/ssapbridge-go/pkg/bridgeconfig"
)

func testHome(t *testing.T) string {
	wd, _ := os.Getwd()
	return path.Join(wd, "../../test")
}

func validConfig(t *testing.T) *bridgeconfig.BridgeConfig {
	bc := bridgeconfig.CreateDefaultBridgeConfig(t.TempDir())
	bc.BaseURL = "https://sofia2.test/"
	bc.KP = "KP1"
	bc.Token = "T1"
	bc.Callback.PublicURL = "https://bridge.test:9443"
	return bc
}

func TestDefaultConfig(t *testing.T) {
	bc := bridgeconfig.CreateDefaultBridgeConfig(testHome(t))
	require.NotNil(t, bc)
	assert.Equal(t, bridgeconfig.DefaultKPInstance, bc.KPInstance)
	assert.Equal(t, bridgeconfig.DefaultSessionRefreshMs, bc.SessionRefresh)
	assert.Equal(t, bridgeconfig.DeliveryPush, bc.DeliveryMode)
	assert.Equal(t, 3, bc.Polling.LookbackMinutes)
	assert.True(t, bc.Callback.Enabled)
	assert.Equal(t, bridgeconfig.DefaultCallbackPort, bc.Callback.Port)

	// default config has no platform credentials
	err := bridgeconfig.ValidateBridgeConfig(bc)
	var configErr *api.ConfigurationError
	assert.True(t, errors.As(err, &configErr))
}

func TestLoadBridgeConfig(t *testing.T) {
	home := testHome(t)
	bc, err := bridgeconfig.LoadBridgeConfig(home, nil)
	require.NoError(t, err)
	assert.Equal(t, "info", bc.LogLevel)
	assert.Equal(t, "KP_Bridge", bc.KP)
	assert.Equal(t, "bridge01", bc.KPInstance)
	assert.Equal(t, bridgeconfig.DeliveryPoll, bc.DeliveryMode)
	assert.Equal(t, "concentrador01", bc.Polling.Hub)
	assert.False(t, bc.Callback.Enabled)
	// substituted from the template
	assert.Equal(t, home+"/logs/ssapbridge.log", bc.LogFile)

	err = bridgeconfig.ValidateBridgeConfig(bc)
	assert.NoError(t, err)
	// relative paths are made absolute
	assert.Equal(t, path.Join(home, "data/subscriptions.db"), bc.Store.Path)
}

func TestLoadConfigWithAltFile(t *testing.T) {
	altFile := path.Join(t.TempDir(), "alt.yaml")
	require.NoError(t, os.WriteFile(altFile, []byte("kp: KP_Alt\nlogLevel: debug\n"), 0644))
	bc, err := bridgeconfig.LoadBridgeConfig(testHome(t), []string{"-c", altFile})
	require.NoError(t, err)
	assert.Equal(t, "KP_Alt", bc.KP)
	assert.Equal(t, "debug", bc.LogLevel)
	// defaults remain
	assert.Equal(t, bridgeconfig.DefaultKPInstance, bc.KPInstance)
}

func TestLoadConfigNotFound(t *testing.T) {
	bc := bridgeconfig.CreateDefaultBridgeConfig(testHome(t))
	err := bridgeconfig.LoadConfig(path.Join(bc.Home, "config", "notfound.yaml"), bc, nil)
	assert.Error(t, err, "Configfile should not be found")
}

func TestLoadConfigBadYaml(t *testing.T) {
	badFile := path.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(badFile, []byte("kp: [unterminated\n"), 0644))
	bc := bridgeconfig.CreateDefaultBridgeConfig(t.TempDir())
	err := bridgeconfig.LoadConfig(badFile, bc, nil)
	assert.Error(t, err)
}

func TestSubstitute(t *testing.T) {
	text, err := bridgeconfig.SubstituteText("hello {{.destination}}", map[string]string{"destination": "world"})
	assert.NoError(t, err)
	assert.Equal(t, "hello world", text)

	_, err = bridgeconfig.SubstituteText("hello {{.destination", nil)
	assert.Error(t, err)
}

func TestValidateCredentials(t *testing.T) {
	bc := validConfig(t)
	assert.NoError(t, bridgeconfig.ValidateBridgeConfig(bc))

	// user and password instead of token
	bc = validConfig(t)
	bc.Token = ""
	bc.User = "user1"
	bc.Password = "pass1"
	assert.NoError(t, bridgeconfig.ValidateBridgeConfig(bc))

	// user without password
	bc.Password = ""
	assert.Error(t, bridgeconfig.ValidateBridgeConfig(bc))

	// contradicting credentials
	bc = validConfig(t)
	bc.User = "user1"
	bc.Password = "pass1"
	assert.Error(t, bridgeconfig.ValidateBridgeConfig(bc))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(bc *bridgeconfig.BridgeConfig){
		func(bc *bridgeconfig.BridgeConfig) { bc.BaseURL = "" },
		func(bc *bridgeconfig.BridgeConfig) { bc.BaseURL = "ftp://sofia2.test" },
		func(bc *bridgeconfig.BridgeConfig) { bc.KP = "" },
		func(bc *bridgeconfig.BridgeConfig) { bc.IdentifierType = "float" },
		func(bc *bridgeconfig.BridgeConfig) { bc.SubscriptionDialect = "graphql" },
		func(bc *bridgeconfig.BridgeConfig) { bc.DeliveryMode = "carrier-pigeon" },
		func(bc *bridgeconfig.BridgeConfig) { bc.Callback.PublicURL = "" },
		func(bc *bridgeconfig.BridgeConfig) { bc.Callback.Port = 70000 },
		func(bc *bridgeconfig.BridgeConfig) { bc.SessionRefresh = 0 },
		func(bc *bridgeconfig.BridgeConfig) { bc.TrustStore = "notfound.pem" },
		func(bc *bridgeconfig.BridgeConfig) {
			bc.DeliveryMode = bridgeconfig.DeliveryPoll
			bc.Polling.IntervalMs = 0
		},
	}
	for i, modify := range cases {
		bc := validConfig(t)
		modify(bc)
		err := bridgeconfig.ValidateBridgeConfig(bc)
		var configErr *api.ConfigurationError
		assert.True(t, errors.As(err, &configErr), "case %d", i)
	}
}

func TestLoadCommandlineConfig(t *testing.T) {
	logFile := path.Join(t.TempDir(), "bridge.log")
	bc, err := bridgeconfig.LoadCommandlineConfig(testHome(t),
		[]string{"-baseUrl", "https://other.test/", "-logLevel", "debug", "-logFile", logFile})
	require.NoError(t, err)
	assert.Equal(t, "https://other.test/", bc.BaseURL)
	assert.Equal(t, "debug", bc.LogLevel)
	assert.FileExists(t, logFile)
	_ = bridgeconfig.SetLogging("warning", "")
}

func TestLoadCommandlineConfigBadFlag(t *testing.T) {
	_, err := bridgeconfig.LoadCommandlineConfig(testHome(t), []string{"-nosuchflag"})
	assert.Error(t, err)
}

func TestLogging(t *testing.T) {
	logFile := path.Join(t.TempDir(), "TestLogging.log")

	err := bridgeconfig.SetLogging("info", logFile)
	assert.NoError(t, err)
	logrus.Info("Hello info")
	_ = bridgeconfig.SetLogging("debug", logFile)
	logrus.Debug("Hello debug")
	_ = bridgeconfig.SetLogging("warn", logFile)
	logrus.Warn("Hello warn")
	assert.FileExists(t, logFile)
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
}

func TestLoggingBadFile(t *testing.T) {
	logFile := path.Join(t.TempDir(), "nofolder", "bridge.log")
	err := bridgeconfig.SetLogging("info", logFile)
	assert.Error(t, err)
	_ = bridgeconfig.SetLogging("warning", "")
}

func TestCallbackAnyFreePort(t *testing.T) {
	bc := validConfig(t)
	bc.Callback.PublicURL = ""
	assert.Error(t, bridgeconfig.ValidateBridgeConfig(bc))

	// any free port announces the listening address
	bc.Callback.Port = 0
	assert.NoError(t, bridgeconfig.ValidateBridgeConfig(bc))

	// a disabled receiver needs no public URL
	bc.Callback.Port = bridgeconfig.DefaultCallbackPort
	bc.Callback.Enabled = false
	assert.NoError(t, bridgeconfig.ValidateBridgeConfig(bc))
}
