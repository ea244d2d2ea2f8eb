//go:build integration
// +build integration

package kafka

import (
	"encoding/json"

	"github.com/Shopify/sarama"
)

// MessageExpectation describes a mail record expected on a topic. Records
// are told apart by their subject.
type MessageExpectation struct {
	Topic   string
	Subject string
	Key     []byte
}

type mailRecord struct {
	Subject string `json:"subject"`
}

// SubjectOf returns the subject of a produced or consumed mail record.
func SubjectOf(value []byte) string {
	var r mailRecord
	if err := json.Unmarshal(value, &r); err != nil {
		return ""
	}
	return r.Subject
}

func (e MessageExpectation) Matches(m *sarama.ConsumerMessage) bool {
	if m.Topic != e.Topic || SubjectOf(m.Value) != e.Subject {
		return false
	}
	return e.Key == nil || string(e.Key) == string(m.Key)
}

func GetTopicsFromMessageExpectations(msgs []MessageExpectation) []string {
	seen := map[string]bool{}
	var topics []string
	for _, m := range msgs {
		if !seen[m.Topic] {
			seen[m.Topic] = true
			topics = append(topics, m.Topic)
		}
	}
	return topics
}
