package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	defaultLevel = logrus.ErrorLevel
	serviceName  = "mail-outbox-relay"
)

// Logger is the process wide logger. It is a *logrus.Logger rather than a
// FieldLogger so that drivers and transports can write through Writer().
var Logger *logrus.Logger

func init() {
	Logger = newLogger(os.Getenv("LOG_LEVEL"), os.Stdout)
}

func newLogger(level string, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.Formatter = &logrus.JSONFormatter{}
	l.Out = out
	l.AddHook(serviceHook{})

	lvl, err := resolveLogLevel(level)
	l.Level = lvl

	if err != nil {
		l.Errorf("an error occurred resolving the log level: %s", err)
	}

	return l
}

func resolveLogLevel(envLvl string) (logrus.Level, error) {
	if envLvl == "" {
		return defaultLevel, nil
	}

	lvl, err := logrus.ParseLevel(envLvl)
	if err != nil {
		return defaultLevel, err
	}

	return lvl, nil
}

// serviceHook tags every entry with the service name so relay logs can be
// told apart from the application logs sharing the mail database.
type serviceHook struct{}

func (serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (serviceHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["service"]; !ok {
		e.Data["service"] = serviceName
	}
	return nil
}
