package dispatch

import (
	"database/sql"

	nr "github.com/newrelic/go-agent/v3/newrelic"

	"inviqa/mail-outbox-relay/config"
	"inviqa/mail-outbox-relay/lock"
	"inviqa/mail-outbox-relay/mail"
	"inviqa/mail-outbox-relay/render"
	"inviqa/mail-outbox-relay/transport"
)

// Relay holds the components shared by the drain loop and the sender.
type Relay struct {
	Repository mail.Repository
	Registry   *transport.Registry
	Drainer    *Drainer
	Sender     *Sender
	// Wake receives a signal whenever Sender queues mail.
	Wake <-chan struct{}
}

func NewRelay(cfg *config.Config, db *sql.DB, nrApp *nr.Application) (*Relay, error) {
	repo, err := mail.NewRepository(db, cfg)
	if err != nil {
		return nil, err
	}

	reg, err := transport.LoadRegistry(cfg.BackendsFile, cfg)
	if err != nil {
		return nil, err
	}

	renderer := render.New()
	worker := NewWorker(reg, renderer)
	wake := make(chan struct{}, 1)

	return &Relay{
		Repository: repo,
		Registry:   reg,
		Drainer:    NewDrainer(repo, lock.NewLocker(db, cfg.DBDriver), worker, NewApplier(repo, cfg), cfg, nrApp),
		Sender:     NewSender(repo, reg, renderer, worker, cfg, wake),
		Wake:       wake,
	}, nil
}

// Close releases the transports' shared resources.
func (r *Relay) Close() error {
	return r.Registry.Close()
}
