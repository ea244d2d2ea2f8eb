package job

import (
	"context"
	"net/http"
	"time"

	"inviqa/mail-outbox-relay/config"
	"inviqa/mail-outbox-relay/log"

	"github.com/sirupsen/logrus"
)

type FinishedDeleter interface {
	DeleteFinished(ctx context.Context, olderThan time.Time) (int64, error)
}

type cleanup struct {
	fd  FinishedDeleter
	cfg *config.Config
	now func() time.Time
	SidecarQuitter
}

// RunCleanup deletes sent and failed mail older than the configured number
// of days and returns the process exit code.
func RunCleanup(ctx context.Context, repo FinishedDeleter, cfg *config.Config) int {
	j := newCleanupWithDefaultClient(repo, cfg)
	if cfg.SidecarProxyUrl != "" {
		j.EnableSideCarProxyQuit(cfg.SidecarProxyUrl)
	}

	_, err := j.Execute(ctx)
	if err != nil {
		return 1
	}

	return 0
}

func newCleanupWithDefaultClient(fd FinishedDeleter, cfg *config.Config) *cleanup {
	return newCleanup(fd, cfg, http.DefaultClient)
}

func newCleanup(fd FinishedDeleter, cfg *config.Config, cl httpPoster) *cleanup {
	return &cleanup{
		fd:  fd,
		cfg: cfg,
		now: time.Now,
		SidecarQuitter: SidecarQuitter{
			Client: cl,
		},
	}
}

func (c *cleanup) Execute(ctx context.Context) (int64, error) {
	cutoff := c.cfg.GetCleanupCutoff(c.now())

	rows, err := c.fd.DeleteFinished(ctx, cutoff)
	if err != nil {
		log.Logger.WithError(err).Error("an error occurred whilst deleting finished mail")
		return 0, err
	}

	log.Logger.WithFields(logrus.Fields{
		"deleted": rows,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Info("deleted finished mail")

	if c.QuitSidecar {
		err = c.Quit()
		if err != nil {
			return 0, err
		}
	}

	return rows, nil
}
