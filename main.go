package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	nr "github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"inviqa/mail-outbox-relay/config"
	"inviqa/mail-outbox-relay/dispatch"
	"inviqa/mail-outbox-relay/job"
	"inviqa/mail-outbox-relay/log"
	"inviqa/mail-outbox-relay/mail/data"
	"inviqa/mail-outbox-relay/mail/poller"
	"inviqa/mail-outbox-relay/newrelic"
	"inviqa/mail-outbox-relay/prometheus"
)

func main() {
	nrApp, stopAgent := newrelic.StartAgent()
	defer stopAgent()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Logger.Fatalf("unable to create configuration: %s", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	db, dbClose := data.NewDB(cfg)
	defer dbClose()

	var exitCode int
	switch {
	case cfg.RunCleanup:
		exitCode = runCleanup(ctx, db, cfg)
	case cfg.RunOptimize:
		exitCode = job.RunOptimize(ctx, db, cfg)
	case cfg.DrainOnce:
		exitCode = drainOnce(ctx, nrApp, db, cfg)
	default:
		exitCode = runMainApp(ctx, nrApp, db, cfg)
	}

	if exitCode > 0 {
		dbClose() // we call this manually because os.Exit() does not respect defer
		os.Exit(exitCode)
	}
}

func runCleanup(ctx context.Context, db *sql.DB, cfg *config.Config) int {
	relay, err := dispatch.NewRelay(cfg, db, nil)
	if err != nil {
		log.Logger.WithError(err).Error("unable to create the mail relay")
		return 1
	}
	defer closeRelay(relay)

	return job.RunCleanup(ctx, relay.Repository, cfg)
}

func drainOnce(ctx context.Context, nrApp *nr.Application, db *sql.DB, cfg *config.Config) int {
	relay, err := dispatch.NewRelay(cfg, db, nrApp)
	if err != nil {
		log.Logger.WithError(err).Error("unable to create the mail relay")
		return 1
	}
	defer closeRelay(relay)

	totals, err := relay.Drainer.DrainUntilDone(ctx, cfg.Concurrency, cfg.MailLogLevel)
	if err != nil {
		log.Logger.WithError(err).Error("an error occurred draining the mail queue")
		return 1
	}

	log.Logger.WithFields(logrus.Fields{
		"batches":  totals.Batches,
		"sent":     totals.Sent,
		"requeued": totals.Requeued,
		"failed":   totals.Failed,
		"skipped":  totals.Skipped,
	}).Info("finished draining the mail queue")

	return 0
}

func runMainApp(ctx context.Context, nrApp *nr.Application, db *sql.DB, cfg *config.Config) int {
	relay, err := dispatch.NewRelay(cfg, db, nrApp)
	if err != nil {
		log.Logger.WithError(err).Error("unable to create the mail relay")
		return 1
	}
	defer closeRelay(relay)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		poller.Start(gctx, cfg, relay)
		return nil
	})
	g.Go(func() error {
		prometheus.ObserveQueueSize(gctx, relay.Repository)
		return nil
	})
	g.Go(func() error {
		prometheus.ObserveTotalSize(gctx, relay.Repository)
		return nil
	})
	g.Go(func() error {
		return prometheus.StartHttpServer(gctx, cfg, db, relay.Sender)
	})

	if err := g.Wait(); err != nil {
		log.Logger.WithError(err).Error("the mail relay stopped unexpectedly")
		return 1
	}

	return 0
}

func closeRelay(relay *dispatch.Relay) {
	if err := relay.Close(); err != nil {
		log.Logger.WithError(err).Error("error closing mail transports during shutdown")
	}
}
