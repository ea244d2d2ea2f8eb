package kafka

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"inviqa/mail-outbox-relay/log"
	"inviqa/mail-outbox-relay/mail"

	"github.com/Shopify/sarama"
)

// Publisher hands rendered mail to Kafka for a downstream mailer to deliver.
type Publisher interface {
	io.Closer
	PublishMail(topic string, m *mail.Rendered) error
}

type publisher struct {
	producer sarama.SyncProducer
}

type mailRecord struct {
	From     string   `json:"from"`
	To       []string `json:"to"`
	Cc       []string `json:"cc,omitempty"`
	Bcc      []string `json:"bcc,omitempty"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	HtmlBody string   `json:"html_body,omitempty"`
}

func (p publisher) PublishMail(topic string, m *mail.Rendered) error {
	value, err := json.Marshal(mailRecord{
		From:     m.From,
		To:       m.To,
		Cc:       m.Cc,
		Bcc:      m.Bcc,
		Subject:  m.Subject,
		Body:     m.Body,
		HtmlBody: m.HtmlBody,
	})
	if err != nil {
		return fmt.Errorf("error marshalling mail %d for publishing to Kafka: %w", m.MessageId, err)
	}

	key := m.Headers["Message-ID"]
	if key == "" {
		key = strconv.FormatUint(uint64(m.MessageId), 10)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   topic,
		Key:     newMessageKey(key, recipientDomain(m.Envelope())),
		Headers: p.createRecordHeaders(m.Headers),
		Value:   sarama.ByteEncoder(value),
	})

	if err != nil {
		wrapErr := fmt.Errorf("error producing mail %d in Kafka: %w", m.MessageId, err)
		log.Logger.Error(wrapErr)
		return wrapErr
	}

	log.Logger.Debugf("produced mail %d in Kafka (topic: %s, partition: %d, offset: %d)", m.MessageId, topic, partition, offset)

	return nil
}

func NewPublisher(kafkaHosts []string, cfg *sarama.Config) (Publisher, error) {
	producer, err := sarama.NewSyncProducer(kafkaHosts, cfg)
	if err != nil {
		return nil, fmt.Errorf("could not start kafka producer: %w", err)
	}

	return NewPublisherWithProducer(producer), nil
}

func NewPublisherWithProducer(prod sarama.SyncProducer) Publisher {
	return &publisher{
		producer: prod,
	}
}

func (p publisher) Close() error {
	return p.producer.Close()
}

func (p publisher) createRecordHeaders(headers map[string]string) []sarama.RecordHeader {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	recs := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		recs = append(recs, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(headers[k]),
		})
	}

	return recs
}
