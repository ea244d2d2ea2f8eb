package transport

import (
	"context"

	"inviqa/mail-outbox-relay/log"
	"inviqa/mail-outbox-relay/mail"

	"github.com/sirupsen/logrus"
)

// NewConsoleFactory returns transports that write mail to the log instead of
// delivering it.
func NewConsoleFactory() Factory {
	return func() (Transport, error) {
		return consoleTransport{}, nil
	}
}

type consoleTransport struct{}

func (consoleTransport) Send(_ context.Context, m *mail.Rendered) error {
	log.Logger.WithFields(logrus.Fields{
		"mail_id":   m.MessageId,
		"from":      m.From,
		"to":        m.To,
		"cc":        m.Cc,
		"bcc":       m.Bcc,
		"subject":   m.Subject,
		"headers":   m.Headers,
		"body":      m.Body,
		"html_body": m.HtmlBody,
	}).Info("mail written to console")

	return nil
}

func (consoleTransport) Close() error {
	return nil
}
