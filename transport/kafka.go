package transport

import (
	"context"
	"errors"

	"inviqa/mail-outbox-relay/kafka"
	"inviqa/mail-outbox-relay/mail"
)

type KafkaConfig struct {
	Topic         string   `yaml:"topic"`
	Hosts         []string `yaml:"hosts"`
	TLS           bool     `yaml:"tls"`
	TLSSkipVerify bool     `yaml:"tls_skip_verify"`
}

// NewKafkaFactory returns transports publishing to topic through pub. The
// publisher is shared, closing a transport leaves it open.
func NewKafkaFactory(pub kafka.Publisher, topic string) (Factory, error) {
	if topic == "" {
		return nil, errors.New("kafka: a topic is required")
	}

	return func() (Transport, error) {
		return kafkaTransport{publisher: pub, topic: topic}, nil
	}, nil
}

type kafkaTransport struct {
	publisher kafka.Publisher
	topic     string
}

func (t kafkaTransport) Send(_ context.Context, m *mail.Rendered) error {
	return t.publisher.PublishMail(t.topic, m)
}

func (t kafkaTransport) Close() error {
	return nil
}
