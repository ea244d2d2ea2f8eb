//go:build integration
// +build integration

package kafka

import (
	"sync"

	"github.com/Shopify/sarama"
)

// MailCollector is a consumer group handler which ticks off expected mail
// records as they are consumed. Done is closed once all were seen.
type MailCollector struct {
	mu       sync.Mutex
	pending  []MessageExpectation
	received map[string]*sarama.ConsumerMessage
	done     chan struct{}
}

func NewMailCollector(exp []MessageExpectation) *MailCollector {
	c := &MailCollector{
		pending:  append([]MessageExpectation(nil), exp...),
		received: map[string]*sarama.ConsumerMessage{},
		done:     make(chan struct{}),
	}
	if len(exp) == 0 {
		close(c.done)
	}

	return c
}

func (c *MailCollector) Done() <-chan struct{} {
	return c.done
}

// MessagesFound reports whether every expected record was consumed.
func (c *MailCollector) MessagesFound() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Received returns the consumed record with the given subject, or nil.
func (c *MailCollector) Received(subject string) *sarama.ConsumerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received[subject]
}

func (c *MailCollector) collect(m *sarama.ConsumerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return
	}

	c.received[SubjectOf(m.Value)] = m

	left := c.pending[:0]
	for _, e := range c.pending {
		if !e.Matches(m) {
			left = append(left, e)
		}
	}
	c.pending = left

	if len(c.pending) == 0 {
		close(c.done)
	}
}

func (c *MailCollector) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for m := range claim.Messages() {
		c.collect(m)
		session.MarkMessage(m, "")
	}

	return nil
}

func (c *MailCollector) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (c *MailCollector) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}
