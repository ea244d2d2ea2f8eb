package prometheus

import (
	"context"
	"errors"
	"net/http"
	"time"

	"inviqa/mail-outbox-relay/config"
	h "inviqa/mail-outbox-relay/http"
	"inviqa/mail-outbox-relay/log"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = time.Second * 5

// StartHttpServer serves /metrics, /healthz and the /mail enqueue endpoint on
// the configured address until ctx is done.
func StartHttpServer(ctx context.Context, cfg *config.Config, db h.Pinger, sender h.MailSender) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", h.NewHealthzHandler(cfg.GetDependencySystemAddresses(), db))
	mux.Handle("/mail", h.NewEnqueueHandler(sender))

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: time.Second * 5,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Logger.WithError(err).Error("error shutting down the metrics HTTP server")
		}
	}()

	log.Logger.WithField("addr", cfg.MetricsAddr).Info("starting metrics HTTP server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Logger.WithError(err).Error("failed to start prometheus HTTP server")
		return err
	}

	return nil
}
