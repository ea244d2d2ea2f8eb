package dispatch

import (
	"context"
	"errors"
	"time"

	nr "github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"

	"inviqa/mail-outbox-relay/config"
	"inviqa/mail-outbox-relay/lock"
	"inviqa/mail-outbox-relay/log"
	"inviqa/mail-outbox-relay/mail"
	"inviqa/mail-outbox-relay/newrelic"
	"inviqa/mail-outbox-relay/prometheus"
)

// how long past the batch delivery timeout a shard may take to hand back its
// outcomes before its messages are treated as not attempted
const defaultAbandonGrace = time.Second * 5

type queueRepository interface {
	resultRepository
	QueuedMessages(ctx context.Context, now time.Time) ([]*mail.Message, error)
	HasQueued(ctx context.Context, now time.Time) (bool, error)
}

type locker interface {
	WithLock(ctx context.Context, name string, d time.Duration, wait bool, fn func(context.Context, *lock.Lease) error) error
}

// Totals sums the batches of one drain.
type Totals struct {
	Counts
	Batches int
}

// Drainer empties the mail queue, one batch at a time, while holding the
// drain lock.
type Drainer struct {
	repo         queueRepository
	locker       locker
	worker       *Worker
	applier      *Applier
	cfg          *config.Config
	nrApp        *nr.Application
	now          func() time.Time
	abandonGrace time.Duration
}

func NewDrainer(repo queueRepository, l locker, w *Worker, a *Applier, cfg *config.Config, nrApp *nr.Application) *Drainer {
	return &Drainer{
		repo:         repo,
		locker:       l,
		worker:       w,
		applier:      a,
		cfg:          cfg,
		nrApp:        nrApp,
		now:          time.Now,
		abandonGrace: defaultAbandonGrace,
	}
}

// DrainUntilDone sends batches until no eligible message is left. It returns
// without error when another process holds the drain lock, and stops after
// the current batch once the lease has expired. Storage errors are returned.
func (d *Drainer) DrainUntilDone(ctx context.Context, concurrency, logLevel int) (Totals, error) {
	var totals Totals
	err := d.locker.WithLock(ctx, config.DrainLockName, d.cfg.GetLockDuration(), false, func(ctx context.Context, lease *lock.Lease) error {
		for {
			if err := lease.Check(); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}

			counts, err := d.SendQueued(ctx, concurrency, logLevel)
			if err != nil {
				return err
			}
			if counts.Processed() == 0 {
				return nil
			}
			totals.Batches++
			totals.add(counts)

			more, err := d.repo.HasQueued(ctx, d.now())
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
	})

	logger := log.Logger.WithFields(logrus.Fields{
		"batches":  totals.Batches,
		"sent":     totals.Sent,
		"requeued": totals.Requeued,
		"failed":   totals.Failed,
		"skipped":  totals.Skipped,
	})

	switch {
	case errors.Is(err, lock.ErrLocked):
		logger.Info("mail queue is already being drained by another process")
		return totals, nil
	case errors.Is(err, lock.ErrTimeout):
		logger.WithError(err).Info("drain lock expired, stopping until the next run")
		return totals, nil
	case err != nil:
		return totals, err
	}

	if totals.Batches > 0 {
		logger.Info("mail queue drained")
	}

	return totals, nil
}

// SendQueued delivers one batch of eligible messages and applies the
// outcomes. The batch is split between up to concurrency workers.
func (d *Drainer) SendQueued(parent context.Context, concurrency, logLevel int) (Counts, error) {
	msgs, err := d.repo.QueuedMessages(parent, d.now())
	if err != nil {
		return Counts{}, err
	}
	if len(msgs) == 0 {
		return Counts{}, nil
	}

	start := time.Now()
	if concurrency < 1 {
		concurrency = 1
	}

	var counts Counts
	err = newrelic.WithTxn(parent, d.nrApp, "dispatch: Drainer.SendQueued()", func(ctx context.Context) error {
		var err error
		counts, err = d.applier.Apply(ctx, d.deliver(ctx, Partition(msgs, concurrency)), logLevel)
		return err
	})
	if err != nil {
		return Counts{}, err
	}

	prometheus.ObserveBatch(counts.Sent, counts.Requeued, counts.Failed, time.Since(start))
	log.Logger.WithFields(logrus.Fields{
		"messages": len(msgs),
		"sent":     counts.Sent,
		"requeued": counts.Requeued,
		"failed":   counts.Failed,
		"skipped":  counts.Skipped,
	}).Debug("mail batch processed")

	return counts, nil
}

// deliver runs one worker per shard and merges the outcomes in shard order.
// A shard still running when the batch timeout and the grace period have
// passed is abandoned and its messages count as not attempted.
func (d *Drainer) deliver(ctx context.Context, shards [][]*mail.Message) []Outcome {
	dctx, cancel := context.WithTimeout(ctx, d.cfg.GetBatchDeliveryTimeout())
	defer cancel()

	results := make([]chan []Outcome, len(shards))
	for i, shard := range shards {
		results[i] = make(chan []Outcome, 1)
		go func(shard []*mail.Message, ch chan<- []Outcome) {
			ch <- d.worker.Run(dctx, shard)
		}(shard, results[i])
	}

	var graceDone <-chan struct{}
	var outcomes []Outcome
	for i, ch := range results {
		select {
		case out := <-ch:
			outcomes = append(outcomes, out...)
			continue
		case <-dctx.Done():
		}

		if graceDone == nil {
			gctx, gcancel := context.WithTimeout(context.Background(), d.abandonGrace)
			defer gcancel()
			graceDone = gctx.Done()
		}

		select {
		case out := <-ch:
			outcomes = append(outcomes, out...)
			continue
		case <-graceDone:
		}

		select {
		case out := <-ch:
			outcomes = append(outcomes, out...)
		default:
			log.Logger.WithField("messages", len(shards[i])).Warn("abandoning a mail shard still running after the batch delivery timeout")
			for _, m := range shards[i] {
				outcomes = append(outcomes, Outcome{Message: m, Err: ErrBatchTimeout})
			}
		}
	}

	if errors.Is(dctx.Err(), context.DeadlineExceeded) {
		log.Logger.WithField("timeout", d.cfg.GetBatchDeliveryTimeout().String()).Warn("batch delivery timeout elapsed")
	}

	return outcomes
}
