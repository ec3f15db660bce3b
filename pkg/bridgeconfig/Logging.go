package bridgeconfig

import (
	"io"
	"os"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

// SetLogging sets the logging level and output file
// This sets the timestamp format to "2006-01-02T15:04:05.000-0700"
//
//  levelName is the requested logging level: error, warning, info, debug
//  logFile is the output log file full path or empty to log to stdout only
// returns error if the log file cannot be opened
func SetLogging(levelName string, logFile string) error {
	loggingLevel := logrus.DebugLevel
	var err error
	if levelName != "" {
		switch strings.ToLower(levelName) {
		case "error":
			loggingLevel = logrus.ErrorLevel
		case "warn", "warning":
			loggingLevel = logrus.WarnLevel
		case "info":
			loggingLevel = logrus.InfoLevel
		case "debug":
			loggingLevel = logrus.DebugLevel
		}
	}
	logOut := io.Writer(os.Stdout)
	if logFile != "" {
		logFileHandle, err2 := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err2 != nil {
			err = err2
			logrus.Errorf("SetLogging: Unable to open logfile '%s' in folder '%s': %s",
				path.Base(logFile), path.Dir(logFile), err)
		} else {
			logrus.Infof("SetLogging: Send logging output to %s", logFile)
			logOut = io.MultiWriter(os.Stdout, logFileHandle)
		}
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000-0700",
	})
	logrus.SetOutput(logOut)
	logrus.SetLevel(loggingLevel)
	return err
}
