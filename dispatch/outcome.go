package dispatch

import (
	"errors"
	"time"
	"unicode/utf8"

	"inviqa/mail-outbox-relay/mail"
	"inviqa/mail-outbox-relay/render"
	"inviqa/mail-outbox-relay/transport"
)

const maxLogTextLength = 2048

// ErrBatchTimeout is the outcome of messages a worker did not get to before
// the batch delivery timeout elapsed.
var ErrBatchTimeout = errors.New("batch delivery timeout elapsed before the message was attempted")

// Outcome is the result of one delivery attempt. A nil Err means the message
// was sent.
type Outcome struct {
	Message *mail.Message
	Err     error
}

func (o Outcome) Sent() bool {
	return o.Err == nil
}

// ExceptionType names the class of a delivery failure, as stored in the mail log.
func ExceptionType(err error) string {
	var renderErr *render.Error
	var transportErr *transport.Error

	switch {
	case err == nil:
		return ""
	case errors.As(err, &renderErr):
		return "RenderError"
	case errors.Is(err, transport.ErrUnknownBackend):
		return "UnknownBackendError"
	case errors.Is(err, ErrBatchTimeout):
		return "BatchTimeoutError"
	case errors.As(err, &transportErr):
		return "TransportError"
	default:
		return "Error"
	}
}

func logEntry(o Outcome, status mail.Status, now time.Time) mail.LogEntry {
	e := mail.LogEntry{
		MessageId: o.Message.Id,
		Date:      now,
		Status:    status,
	}
	if o.Err != nil {
		e.ExceptionType = ExceptionType(o.Err)
		e.Text = truncate(o.Err.Error(), maxLogTextLength)
	}

	return e
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}

	return s[:n]
}
