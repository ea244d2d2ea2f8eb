package prometheus

import (
	"context"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var mailTotalSize prom.Gauge

type totalSizer interface {
	GetTotalSize() (uint, error)
}

func init() {
	mailTotalSize = promauto.NewGauge(prom.GaugeOpts{
		Name: "mail_relay_total_size",
		Help: "The total size of the mail table (all messages, whatever their status)",
	})
}

func ObserveTotalSize(ctx context.Context, repo totalSizer) {
	observe(ctx, "total", repo.GetTotalSize, mailTotalSize)
}
