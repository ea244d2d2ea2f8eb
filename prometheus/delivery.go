package prometheus

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mailDeliveries     *prom.CounterVec
	mailBatchDurations prom.Histogram
)

func init() {
	mailDeliveries = promauto.NewCounterVec(prom.CounterOpts{
		Name: "mail_relay_deliveries_total",
		Help: "The number of delivery attempts, by the status they left the mail in",
	}, []string{"status"})

	mailBatchDurations = promauto.NewHistogram(prom.HistogramOpts{
		Name:    "mail_relay_batch_duration_seconds",
		Help:    "The time taken to deliver and apply one batch of mail",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 180, 300},
	})
}

// ObserveBatch records the result of one drained batch.
func ObserveBatch(sent, requeued, failed int, d time.Duration) {
	mailDeliveries.WithLabelValues("sent").Add(float64(sent))
	mailDeliveries.WithLabelValues("requeued").Add(float64(requeued))
	mailDeliveries.WithLabelValues("failed").Add(float64(failed))
	mailBatchDurations.Observe(d.Seconds())
}
