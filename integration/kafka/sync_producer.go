//go:build integration
// +build integration

package kafka

import (
	"sync"

	"inviqa/mail-outbox-relay/kafka"

	"github.com/Shopify/sarama"
)

// SyncProducer produces to a real broker, except for the mail whose subject
// was registered with AddError.
type SyncProducer struct {
	sync.RWMutex
	realSyncProducer sarama.SyncProducer
	subjectsToError  map[string]error
}

func NewSyncProducer(kafkaHost []string) *SyncProducer {
	rp, err := sarama.NewSyncProducer(kafkaHost, kafka.NewSaramaConfig(false, false))
	if err != nil {
		panic(err)
	}

	return &SyncProducer{
		realSyncProducer: rp,
		subjectsToError:  map[string]error{},
	}
}

func (sp *SyncProducer) AddError(subject string, err error) {
	sp.Lock()
	defer sp.Unlock()
	sp.subjectsToError[subject] = err
}

func (sp *SyncProducer) SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error) {
	sp.RLock()
	defer sp.RUnlock()
	b, err := msg.Value.Encode()
	if err != nil {
		panic(err)
	}
	if err, ok := sp.subjectsToError[SubjectOf(b)]; ok {
		return 0, 0, err
	}

	return sp.realSyncProducer.SendMessage(msg)
}

func (sp *SyncProducer) SendMessages(msgs []*sarama.ProducerMessage) error {
	return nil
}

func (sp *SyncProducer) Close() error {
	return sp.realSyncProducer.Close()
}
