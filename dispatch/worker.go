package dispatch

import (
	"context"
	"time"

	"inviqa/mail-outbox-relay/log"
	"inviqa/mail-outbox-relay/mail"
	"inviqa/mail-outbox-relay/render"
	"inviqa/mail-outbox-relay/transport"

	"github.com/sirupsen/logrus"
)

type renderer interface {
	Render(m *mail.Message) (render.Content, error)
}

// Worker delivers the messages of one shard. It holds no per-run state, so
// one Worker can run many shards concurrently.
type Worker struct {
	registry *transport.Registry
	renderer renderer
}

func NewWorker(reg *transport.Registry, r renderer) *Worker {
	return &Worker{
		registry: reg,
		renderer: r,
	}
}

// Run prepares and delivers each message of shard in order and returns one
// Outcome per message, in the same order. Failures are recorded on the
// Outcome and never stop the shard. Transports are opened on first use and
// closed before Run returns.
func (w *Worker) Run(ctx context.Context, shard []*mail.Message) []Outcome {
	transports := map[string]transport.Transport{}
	defer func() {
		for alias, t := range transports {
			if err := t.Close(); err != nil {
				log.Logger.WithError(err).WithField("backend", alias).Warn("error closing mail transport")
			}
		}
	}()

	outcomes := make([]Outcome, 0, len(shard))
	for _, m := range shard {
		if ctx.Err() != nil {
			outcomes = append(outcomes, Outcome{Message: m, Err: ErrBatchTimeout})
			continue
		}

		err := w.deliver(ctx, m, transports)
		if err != nil {
			log.Logger.WithError(err).WithFields(logrus.Fields{
				"mail_id": m.Id,
				"backend": m.BackendAlias,
			}).Debug("mail delivery failed")
		}
		outcomes = append(outcomes, Outcome{Message: m, Err: err})
	}

	return outcomes
}

// Prepare renders m into what is handed to its transport. It has no side
// effect.
func (w *Worker) Prepare(m *mail.Message) (*mail.Rendered, error) {
	c, err := w.renderer.Render(m)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(m.Headers)+2)
	for k, v := range m.Headers {
		headers[k] = v
	}
	if m.MessageId != "" {
		headers["Message-ID"] = m.MessageId
	}
	if m.ExpiresAt.Valid {
		headers["Expires"] = m.ExpiresAt.Time.UTC().Format(time.RFC1123Z)
	}

	return &mail.Rendered{
		MessageId: m.Id,
		From:      m.From,
		To:        m.Addresses(mail.To),
		Cc:        m.Addresses(mail.Cc),
		Bcc:       m.Addresses(mail.Bcc),
		Subject:   c.Subject,
		Body:      c.Body,
		HtmlBody:  c.HtmlBody,
		Headers:   headers,
	}, nil
}

func (w *Worker) deliver(ctx context.Context, m *mail.Message, transports map[string]transport.Transport) error {
	r, err := w.Prepare(m)
	if err != nil {
		return err
	}

	alias, err := w.registry.Resolve(m.BackendAlias)
	if err != nil {
		return err
	}

	t, ok := transports[alias]
	if !ok {
		if t, err = w.registry.Open(alias); err != nil {
			return err
		}
		transports[alias] = t
	}

	if err := t.Send(ctx, r); err != nil {
		return &transport.Error{Backend: alias, Err: err}
	}

	return nil
}
