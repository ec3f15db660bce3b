package bridgeconfig

import (
	"flag"
	"os"
	"path"

	"github.com/sirupsen/logrus"
)

// SetBridgeCommandlineArgs creates the bridge commandline flags on the flag set
//
// -c        /path/to/ssapbridge.yaml  optional alt configuration, default is {home}/config/ssapbridge.yaml
// -home     /path/to/app/home         optional alternative application home folder
// -baseUrl  https://platform/         optional alternative platform URL
// -logFile  /path/to/ssapbridge.log   optional logfile
// -logLevel warning                   for extra logging
//
func SetBridgeCommandlineArgs(flags *flag.FlagSet, config *BridgeConfig) {
	// Flags -c and -home are handled separately in LoadBridgeConfig. They are added here to avoid flag parse errors
	flags.String("c", BridgeConfigName, "Set the bridge configuration file")
	flags.String("home", config.Home, "Application working `folder`")
	flags.StringVar(&config.BaseURL, "baseUrl", config.BaseURL, "Platform base `URL`")
	flags.StringVar(&config.LogFile, "logFile", config.LogFile, "Log to file")
	flags.StringVar(&config.LogLevel, "logLevel", config.LogLevel, "Loglevel: {error|`warning`|info|debug}")
}

// argValue returns the value following the first of the given arguments, or ""
func argValue(args []string, names ...string) string {
	for index, arg := range args {
		for _, name := range names {
			if arg == name && index+1 < len(args) {
				return args[index+1]
			}
		}
	}
	return ""
}

// LoadBridgeConfig loads the bridge configuration file
// This uses the -home and -c arguments without the flag package, so the file can be
// loaded before the commandline flags are applied on top of it.
//
//  homeFolder overrides the default home folder. Leave empty to use the -home argument or
//  the parent of the application binary.
//  args commandline arguments without the application name
// Returns the configuration and error code in case of error
func LoadBridgeConfig(homeFolder string, args []string) (*BridgeConfig, error) {
	cwd, _ := os.Getwd()
	if homeFolder == "" {
		homeFolder = argValue(args, "-home", "--home")
		if homeFolder != "" && !path.IsAbs(homeFolder) {
			homeFolder = path.Join(cwd, homeFolder)
		}
	}
	config := CreateDefaultBridgeConfig(homeFolder)
	configFile := path.Join(config.Home, "config", BridgeConfigName)
	if altFile := argValue(args, "-c", "--c"); altFile != "" {
		configFile = altFile
		if !path.IsAbs(configFile) {
			configFile = path.Join(cwd, configFile)
		}
		logrus.Infof("LoadBridgeConfig: Commandline option '-c %s' overrides default config file", configFile)
	}
	substituteMap := map[string]string{
		"home": config.Home,
	}
	err := LoadConfig(configFile, config, substituteMap)
	return config, err
}

// LoadCommandlineConfig loads the bridge configuration, applies the commandline
// arguments, validates the result and sets up logging.
//  homeFolder overrides the default home folder. Leave empty for default.
//  args commandline arguments without the application name
// Returns the bridge configuration and error code in case of error
func LoadCommandlineConfig(homeFolder string, args []string) (*BridgeConfig, error) {
	config, err := LoadBridgeConfig(homeFolder, args)
	if err != nil {
		return config, err
	}
	flags := flag.NewFlagSet("ssapbridge", flag.ContinueOnError)
	SetBridgeCommandlineArgs(flags, config)
	if err = flags.Parse(args); err != nil {
		return config, err
	}
	if err = ValidateBridgeConfig(config); err != nil {
		return config, err
	}
	err = SetLogging(config.LogLevel, config.LogFile)
	return config, err
}
