package dispatch

import "inviqa/mail-outbox-relay/mail"

// Partition splits msgs into n contiguous shards whose sizes differ by at
// most one. The first len(msgs)%n shards take the extra message.
func Partition(msgs []*mail.Message, n int) [][]*mail.Message {
	if n <= 0 || len(msgs) == 0 {
		return nil
	}
	if n > len(msgs) {
		n = len(msgs)
	}

	size, rem := len(msgs)/n, len(msgs)%n
	shards := make([][]*mail.Message, 0, n)
	for i, start := 0, 0; i < n; i++ {
		end := start + size
		if i < rem {
			end++
		}
		shards = append(shards, msgs[start:end:end])
		start = end
	}

	return shards
}
