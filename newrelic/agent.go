package newrelic

import (
	"os"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"inviqa/mail-outbox-relay/log"
)

const (
	shutdownTimeout   = time.Second * 10
	defaultAppName    = "mail-outbox-relay"
	envKeyNewRelicEnv = "NEW_RELIC_ENV"
	envKeyLogLevel    = "NEW_RELIC_LOG_LEVEL"
)

// StartAgent starts the New Relic agent from the NEW_RELIC_* environment.
// Without a licence key the agent is disabled, and transactions started from
// it record nothing.
func StartAgent() (*newrelic.Application, func()) {
	app, err := newrelic.NewApplication(agentOptions()...)
	if err != nil {
		log.Logger.WithError(err).Fatal("error starting New Relic agent")
	}
	return app, func() {
		log.Logger.Info("shutting down newrelic agent")
		app.Shutdown(shutdownTimeout)
	}
}

func agentOptions() []newrelic.ConfigOption {
	return []newrelic.ConfigOption{
		newrelic.ConfigAppName(defaultAppName),
		newrelic.ConfigFromEnvironment(),
		agentLoggingConfig(),
		func(cfg *newrelic.Config) {
			cfg.Labels = map[string]string{
				"env": os.Getenv(envKeyNewRelicEnv),
			}
			if cfg.License == "" {
				cfg.Enabled = false
			}
		},
	}
}

func agentLoggingConfig() newrelic.ConfigOption {
	if os.Getenv(envKeyLogLevel) == "debug" {
		return newrelic.ConfigDebugLogger(log.Logger.Writer())
	}
	return newrelic.ConfigInfoLogger(log.Logger.Writer())
}
