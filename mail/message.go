package mail

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Status int16

const (
	StatusSent Status = iota
	StatusFailed
	StatusQueued
	StatusRequeued
)

var statusNames = map[Status]string{
	StatusSent:     "sent",
	StatusFailed:   "failed",
	StatusQueued:   "queued",
	StatusRequeued: "requeued",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int16(s))
}

// Terminal reports whether no further delivery attempt will be made.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

type Priority int16

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityNow
)

var priorityNames = map[string]Priority{
	"low":    PriorityLow,
	"medium": PriorityMedium,
	"high":   PriorityHigh,
	"now":    PriorityNow,
}

// ParsePriority maps a priority name to its value. The empty name resolves
// to def so that callers can leave the priority unset.
func ParsePriority(name string, def Priority) (Priority, error) {
	if name == "" {
		return def, nil
	}

	p, ok := priorityNames[strings.ToLower(name)]
	if !ok {
		return def, fmt.Errorf("mail: unknown priority %q", name)
	}

	return p, nil
}

func (p Priority) String() string {
	for n, v := range priorityNames {
		if v == p {
			return n
		}
	}
	return fmt.Sprintf("priority(%d)", int16(p))
}

type RecipientKind string

const (
	To  RecipientKind = "to"
	Cc  RecipientKind = "cc"
	Bcc RecipientKind = "bcc"
)

type Recipient struct {
	Kind    RecipientKind
	Address string
}

type Message struct {
	Id               uint
	From             string
	Recipients       []Recipient
	Subject          string
	Body             string
	HtmlBody         string
	Headers          map[string]string
	Context          map[string]string
	RenderOnDelivery bool
	Status           *Status
	Priority         Priority
	ScheduledTime    sql.NullTime
	ExpiresAt        sql.NullTime
	NumberOfRetries  sql.NullInt32
	BackendAlias     string
	MessageId        string
	CreatedAt        time.Time
	LastUpdated      time.Time
}

// IsEligible reports whether the message may be picked up by a drain at now.
// It mirrors the SQL used by Repository.QueuedMessages.
func (m *Message) IsEligible(now time.Time) bool {
	if m.Status == nil || (*m.Status != StatusQueued && *m.Status != StatusRequeued) {
		return false
	}
	if m.ScheduledTime.Valid && m.ScheduledTime.Time.After(now) {
		return false
	}
	if m.ExpiresAt.Valid && !m.ExpiresAt.Time.After(now) {
		return false
	}

	return true
}

// Retries returns the number of retries, treating an unset value as zero.
func (m *Message) Retries() int {
	if !m.NumberOfRetries.Valid {
		return 0
	}
	return int(m.NumberOfRetries.Int32)
}

// Addresses returns the recipient addresses of the given kinds, in order.
// With no kinds every recipient is returned.
func (m *Message) Addresses(kinds ...RecipientKind) []string {
	var out []string
	for _, r := range m.Recipients {
		if len(kinds) == 0 || containsKind(kinds, r.Kind) {
			out = append(out, r.Address)
		}
	}
	return out
}

func containsKind(kinds []RecipientKind, k RecipientKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// StatusOf returns a pointer to s, for building messages.
func StatusOf(s Status) *Status {
	return &s
}

type LogEntry struct {
	MessageId     uint
	Date          time.Time
	Status        Status
	ExceptionType string
	Text          string
}

// ErrInvalidDraft is wrapped by every error rejecting a draft.
var ErrInvalidDraft = errors.New("invalid mail")

// Draft is an enqueue request. It becomes a Message once validated.
type Draft struct {
	From             string
	To               []string
	Cc               []string
	Bcc              []string
	Subject          string
	Body             string
	HtmlBody         string
	Headers          map[string]string
	Context          map[string]string
	RenderOnDelivery bool
	Priority         string
	ScheduledTime    *time.Time
	ExpiresAt        *time.Time
	BackendAlias     string
}

// Rendered is a message ready to be handed to a transport.
type Rendered struct {
	MessageId uint
	From      string
	To        []string
	Cc        []string
	Bcc       []string
	Subject   string
	Body      string
	HtmlBody  string
	Headers   map[string]string
}

// Envelope returns every address the message is delivered to, bcc included.
func (r *Rendered) Envelope() []string {
	out := make([]string, 0, len(r.To)+len(r.Cc)+len(r.Bcc))
	out = append(out, r.To...)
	out = append(out, r.Cc...)
	return append(out, r.Bcc...)
}
