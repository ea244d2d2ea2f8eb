package dispatch

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	netmail "net/mail"
	"sync"
	"time"

	"inviqa/mail-outbox-relay/config"
	"inviqa/mail-outbox-relay/log"
	"inviqa/mail-outbox-relay/mail"
	"inviqa/mail-outbox-relay/render"
	"inviqa/mail-outbox-relay/transport"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// ErrInvalidDraft is wrapped by every validation error returned by Sender.
var ErrInvalidDraft = mail.ErrInvalidDraft

type enqueueRepository interface {
	Enqueue(ctx context.Context, m *mail.Message) error
	EnqueueMany(ctx context.Context, msgs []*mail.Message) error
	MarkDispatched(ctx context.Context, id uint, status mail.Status, now time.Time) (bool, error)
	InsertLogs(ctx context.Context, entries []mail.LogEntry) error
}

type contentRenderer interface {
	RenderContent(id uint, c render.Content, values map[string]string) (render.Content, error)
}

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// Sender validates drafts and adds them to the queue. Mail with the now
// priority is delivered straight away instead.
type Sender struct {
	repo     enqueueRepository
	registry *transport.Registry
	renderer contentRenderer
	worker   *Worker
	cfg      *config.Config
	wake     chan<- struct{}
	now      func() time.Time
}

// NewSender returns a Sender which signals wake, without blocking, whenever it
// queues mail. wake may be nil.
func NewSender(repo enqueueRepository, reg *transport.Registry, r contentRenderer, w *Worker, cfg *config.Config, wake chan<- struct{}) *Sender {
	return &Sender{
		repo:     repo,
		registry: reg,
		renderer: r,
		worker:   w,
		cfg:      cfg,
		wake:     wake,
		now:      time.Now,
	}
}

// Send stores the draft as a message. Queued mail is left to the drain loop,
// mail with the now priority is delivered before Send returns and its Status
// reports the result.
func (s *Sender) Send(ctx context.Context, d mail.Draft) (*mail.Message, error) {
	m, err := s.Build(d)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Enqueue(ctx, m); err != nil {
		return nil, err
	}

	if m.Priority != mail.PriorityNow {
		s.notify()
		return m, nil
	}

	return m, s.dispatch(ctx, m)
}

// SendMany validates every draft before storing any, then stores them in one
// transaction. Mail with the now priority is delivered once all are stored.
func (s *Sender) SendMany(ctx context.Context, drafts []mail.Draft) ([]*mail.Message, error) {
	msgs := make([]*mail.Message, 0, len(drafts))
	for i, d := range drafts {
		m, err := s.Build(d)
		if err != nil {
			return nil, fmt.Errorf("mail %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}

	if err := s.repo.EnqueueMany(ctx, msgs); err != nil {
		return nil, err
	}

	queued := false
	for _, m := range msgs {
		if m.Priority != mail.PriorityNow {
			queued = true
			continue
		}
		if err := s.dispatch(ctx, m); err != nil {
			return msgs, err
		}
	}
	if queued {
		s.notify()
	}

	return msgs, nil
}

// Build validates d and turns it into a message ready to be stored.
func (s *Sender) Build(d mail.Draft) (*mail.Message, error) {
	now := s.now()

	from := d.From
	if from == "" {
		from = s.cfg.DefaultFrom
	}
	if from == "" {
		return nil, fmt.Errorf("%w: a sender is required", ErrInvalidDraft)
	}
	if _, err := netmail.ParseAddress(from); err != nil {
		return nil, fmt.Errorf("%w: sender %q: %s", ErrInvalidDraft, from, err)
	}

	var recipients []mail.Recipient
	for _, group := range []struct {
		kind      mail.RecipientKind
		addresses []string
	}{{mail.To, d.To}, {mail.Cc, d.Cc}, {mail.Bcc, d.Bcc}} {
		for _, addr := range group.addresses {
			if _, err := netmail.ParseAddress(addr); err != nil {
				return nil, fmt.Errorf("%w: %s recipient %q: %s", ErrInvalidDraft, group.kind, addr, err)
			}
			recipients = append(recipients, mail.Recipient{Kind: group.kind, Address: addr})
		}
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidDraft)
	}

	if d.Subject == "" && d.Body == "" && d.HtmlBody == "" {
		return nil, fmt.Errorf("%w: a subject or a body is required", ErrInvalidDraft)
	}

	def, _ := mail.ParsePriority(s.cfg.DefaultPriority, mail.PriorityMedium)
	priority, err := mail.ParsePriority(d.Priority, def)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDraft, err)
	}

	if d.ScheduledTime != nil && d.ExpiresAt != nil && d.ScheduledTime.After(*d.ExpiresAt) {
		return nil, fmt.Errorf("%w: the scheduled time is after the expiry time", ErrInvalidDraft)
	}

	if d.BackendAlias != "" && !s.registry.Has(d.BackendAlias) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDraft, transport.ErrUnknownBackend)
	}

	content := render.Content{Subject: d.Subject, Body: d.Body, HtmlBody: d.HtmlBody}
	if !d.RenderOnDelivery && len(d.Context) > 0 {
		if content, err = s.renderer.RenderContent(0, content, d.Context); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDraft, err)
		}
	}

	m := &mail.Message{
		From:             from,
		Recipients:       recipients,
		Subject:          content.Subject,
		Body:             content.Body,
		HtmlBody:         content.HtmlBody,
		Headers:          d.Headers,
		Context:          d.Context,
		RenderOnDelivery: d.RenderOnDelivery,
		Priority:         priority,
		ScheduledTime:    nullTime(d.ScheduledTime),
		ExpiresAt:        nullTime(d.ExpiresAt),
		BackendAlias:     d.BackendAlias,
		CreatedAt:        now,
		LastUpdated:      now,
	}
	if priority != mail.PriorityNow {
		m.Status = mail.StatusOf(mail.StatusQueued)
	}
	if s.cfg.MessageIdEnabled {
		id, err := newMessageId(now, s.cfg.MessageIdFQDN)
		if err != nil {
			return nil, err
		}
		m.MessageId = id
	}

	return m, nil
}

func (s *Sender) dispatch(ctx context.Context, m *mail.Message) error {
	o := s.worker.Run(ctx, []*mail.Message{m})[0]

	status := mail.StatusSent
	if !o.Sent() {
		status = mail.StatusFailed
	}

	now := s.now()
	if _, err := s.repo.MarkDispatched(ctx, m.Id, status, now); err != nil {
		return err
	}
	m.Status = mail.StatusOf(status)
	m.LastUpdated = now

	logLevel := s.cfg.MailLogLevel
	if (o.Sent() && logLevel >= LogAll) || (!o.Sent() && logLevel >= LogFailures) {
		if err := s.repo.InsertLogs(ctx, []mail.LogEntry{logEntry(o, status, now)}); err != nil {
			log.Logger.WithError(err).Error("unable to write the mail log")
		}
	}

	if !o.Sent() {
		log.Logger.WithError(o.Err).WithFields(logrus.Fields{"mail_id": m.Id}).Warn("immediate mail delivery failed")
	}

	return nil
}

func (s *Sender) notify() {
	if s.wake == nil {
		return
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func newMessageId(now time.Time, fqdn string) (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("<%s@%s>", id, fqdn), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
