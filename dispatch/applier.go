package dispatch

import (
	"context"
	"time"

	"inviqa/mail-outbox-relay/config"
	"inviqa/mail-outbox-relay/log"
	"inviqa/mail-outbox-relay/mail"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Mail log levels.
const (
	LogNone     = 0
	LogFailures = 1
	LogAll      = 2
)

type resultRepository interface {
	CommitResults(ctx context.Context, c mail.Commit) (mail.CommitResult, error)
	InsertLogs(ctx context.Context, entries []mail.LogEntry) error
}

// Counts is the number of messages a batch moved to each status. Skipped
// messages changed status while they were delivered and were left as is.
type Counts struct {
	Sent     int
	Requeued int
	Failed   int
	Skipped  int
}

func (c Counts) Total() int {
	return c.Sent + c.Requeued + c.Failed
}

// Processed counts every message of the batch, skipped ones included.
func (c Counts) Processed() int {
	return c.Total() + c.Skipped
}

func (c *Counts) add(o Counts) {
	c.Sent += o.Sent
	c.Requeued += o.Requeued
	c.Failed += o.Failed
	c.Skipped += o.Skipped
}

// Applier writes delivery outcomes back to the queue.
type Applier struct {
	repo resultRepository
	cfg  *config.Config
	now  func() time.Time
}

func NewApplier(repo resultRepository, cfg *config.Config) *Applier {
	return &Applier{
		repo: repo,
		cfg:  cfg,
		now:  time.Now,
	}
}

// Apply marks sent messages as sent, requeues failed messages which have
// retries left and fails the others, all in one transaction. Log entries are
// written afterwards, a failure to write them is only logged.
func (a *Applier) Apply(ctx context.Context, outcomes []Outcome, logLevel int) (Counts, error) {
	if len(outcomes) == 0 {
		return Counts{}, nil
	}

	now := a.now()
	maxRetries := a.cfg.MaxRetries
	commit := mail.Commit{Now: now, RetryAt: now.Add(a.cfg.GetRetryInterval())}

	var entries []mail.LogEntry
	for _, o := range outcomes {
		id := o.Message.Id
		if o.Sent() {
			commit.Sent = append(commit.Sent, id)
			if logLevel >= LogAll {
				entries = append(entries, logEntry(o, mail.StatusSent, now))
			}
			continue
		}

		if o.Message.Retries() < maxRetries {
			commit.Requeued = append(commit.Requeued, id)
		} else {
			commit.Failed = append(commit.Failed, id)
		}
		if logLevel >= LogFailures {
			entries = append(entries, logEntry(o, mail.StatusFailed, now))
		}
	}

	res, err := a.repo.CommitResults(ctx, commit)
	if err != nil {
		return Counts{}, errors.Wrap(err, "unable to apply the delivery results")
	}

	counts := Counts{Sent: int(res.Sent), Requeued: int(res.Requeued), Failed: int(res.Failed)}
	counts.Skipped = len(outcomes) - counts.Total()
	if counts.Skipped > 0 {
		log.Logger.WithFields(logrus.Fields{
			"expected": len(outcomes),
			"applied":  counts.Total(),
		}).Warn("some mail changed status while it was being delivered and was left as is")
	}

	if len(entries) > 0 {
		if err := a.repo.InsertLogs(ctx, entries); err != nil {
			log.Logger.WithError(err).Error("unable to write the mail log")
		}
	}

	return counts, nil
}
