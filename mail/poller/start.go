package poller

import (
	"context"

	"inviqa/mail-outbox-relay/config"
	"inviqa/mail-outbox-relay/dispatch"
	"inviqa/mail-outbox-relay/log"
)

// Start polls the mail queue of relay until ctx is done.
func Start(ctx context.Context, cfg *config.Config, relay *dispatch.Relay) {
	log.Logger.WithField("config", cfg).Info("starting mail relay polling")

	New(relay.Drainer, cfg.Concurrency, cfg.MailLogLevel).Poll(ctx, cfg.GetPollIntervalDurationInMs(), relay.Wake)

	log.Logger.Info("mail relay polling stopped")
}
