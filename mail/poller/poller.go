package poller

import (
	"context"
	"time"

	"inviqa/mail-outbox-relay/dispatch"
	"inviqa/mail-outbox-relay/log"
)

type Poller interface {
	Poll(ctx context.Context, interval time.Duration, wake <-chan struct{})
}

type drainer interface {
	DrainUntilDone(ctx context.Context, concurrency, logLevel int) (dispatch.Totals, error)
}

func New(d drainer, concurrency, logLevel int) Poller {
	return &mailPoller{
		drainer:     d,
		concurrency: concurrency,
		logLevel:    logLevel,
	}
}

type mailPoller struct {
	drainer     drainer
	concurrency int
	logLevel    int
}

// Poll drains the queue, then waits for the interval or a wake-up signal
// before draining again, until ctx is done. A nil wake channel is never
// signalled.
func (p mailPoller) Poll(ctx context.Context, interval time.Duration, wake <-chan struct{}) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		if _, err := p.drainer.DrainUntilDone(ctx, p.concurrency, p.logLevel); err != nil {
			log.Logger.WithError(err).Errorf("an unexpected error occurred when draining the mail queue: %s", err)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-timer.C:
		}
	}
}
