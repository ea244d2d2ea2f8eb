package kafka

import (
	"github.com/Shopify/sarama"
)

// MailPartitioner hashes the partition key of a MessageKey, the first
// recipient domain, so every mail for one domain lands on one partition and
// consumers see it in send order. Other keys are hashed as they are.
type MailPartitioner struct {
	topic string
	hash  sarama.Partitioner
}

func NewMailPartitioner(topic string) sarama.Partitioner {
	return NewMailPartitionerWithCustomPartitioner(topic, sarama.NewHashPartitioner(topic))
}

func NewMailPartitionerWithCustomPartitioner(topic string, p sarama.Partitioner) sarama.Partitioner {
	return MailPartitioner{topic: topic, hash: p}
}

func (p MailPartitioner) Partition(message *sarama.ProducerMessage, numPartitions int32) (int32, error) {
	mk, ok := message.Key.(MessageKey)
	if !ok {
		return p.hash.Partition(message, numPartitions)
	}

	// hash a shallow copy so the record keeps its Message-ID key
	keyed := *message
	keyed.Key = sarama.StringEncoder(mk.KeyForPartitioning())

	return p.hash.Partition(&keyed, numPartitions)
}

// RequiresConsistency is true: a domain must always map to the same partition.
func (p MailPartitioner) RequiresConsistency() bool {
	return true
}
