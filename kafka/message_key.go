package kafka

import (
	"strings"

	"github.com/Shopify/sarama"
)

// MessageKey is encoded as Key on the record. PartitionKey, when set, is
// hashed instead of Key to choose the partition.
type MessageKey struct {
	Key          string
	PartitionKey string
	sarama.StringEncoder
}

func newMessageKey(key, partitionKey string) MessageKey {
	return MessageKey{
		Key:           key,
		PartitionKey:  partitionKey,
		StringEncoder: sarama.StringEncoder(key),
	}
}

func (mk MessageKey) KeyForPartitioning() string {
	if mk.PartitionKey == "" {
		return mk.Key
	}
	return mk.PartitionKey
}

// recipientDomain returns the lower cased domain of the first address.
func recipientDomain(addresses []string) string {
	if len(addresses) == 0 {
		return ""
	}

	addr := strings.TrimSuffix(strings.TrimSpace(addresses[0]), ">")
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}
