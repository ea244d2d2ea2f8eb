package prometheus

import (
	"context"
	"time"

	"inviqa/mail-outbox-relay/log"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mailQueueSize   prom.Gauge
	observeInterval = time.Second * 1
)

type queueSizer interface {
	GetQueueSize() (uint, error)
}

func init() {
	mailQueueSize = promauto.NewGauge(prom.GaugeOpts{
		Name: "mail_relay_queue_size",
		Help: "The current size of the mail queue (all queued and requeued mail)",
	})
}

func ObserveQueueSize(ctx context.Context, sizer queueSizer) {
	observe(ctx, "queue", sizer.GetQueueSize, mailQueueSize)
}

// observe sets g to the value returned by size every observeInterval until
// ctx is done.
func observe(ctx context.Context, name string, size func() (uint, error), g prom.Gauge) {
	for {
		s, err := size()
		if err != nil {
			log.Logger.WithError(err).Errorf("an error occurred determining the %s size", name)
		} else {
			g.Set(float64(s))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(observeInterval):
		}
	}
}
