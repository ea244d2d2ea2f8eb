package dispatch

import (
	"testing"

	"inviqa/mail-outbox-relay/mail"
)

func newMessages(n int) []*mail.Message {
	msgs := make([]*mail.Message, n)
	for i := range msgs {
		msgs[i] = &mail.Message{Id: uint(i + 1)}
	}
	return msgs
}

func TestPartition(t *testing.T) {
	shards := Partition(newMessages(225), 4)

	exp := []int{57, 56, 56, 56}
	if len(shards) != len(exp) {
		t.Fatalf("expected %d shards, got %d", len(exp), len(shards))
	}
	for i, size := range exp {
		if len(shards[i]) != size {
			t.Errorf("shard %d has %d messages, want %d", i, len(shards[i]), size)
		}
	}

	if shards[1][0].Id != 58 || shards[3][55].Id != 225 {
		t.Error("expected shards to be contiguous slices of the batch")
	}
}

func TestPartition_SizesAndOrder(t *testing.T) {
	for l := 1; l <= 40; l++ {
		for n := 1; n <= 12; n++ {
			msgs := newMessages(l)
			shards := Partition(msgs, n)

			lo, hi, sum := l, 0, 0
			var ids []uint
			for _, s := range shards {
				if len(s) < lo {
					lo = len(s)
				}
				if len(s) > hi {
					hi = len(s)
				}
				sum += len(s)
				for _, m := range s {
					ids = append(ids, m.Id)
				}
			}

			if sum != l {
				t.Fatalf("L=%d n=%d: shards hold %d messages", l, n, sum)
			}
			if hi-lo > 1 {
				t.Fatalf("L=%d n=%d: shard sizes range from %d to %d", l, n, lo, hi)
			}
			for i, id := range ids {
				if id != uint(i+1) {
					t.Fatalf("L=%d n=%d: order was not preserved: %v", l, n, ids)
				}
			}
		}
	}
}

func TestPartition_Empty(t *testing.T) {
	if Partition(nil, 4) != nil {
		t.Error("expected no shards for an empty batch")
	}
	if Partition(newMessages(3), 0) != nil {
		t.Error("expected no shards without workers")
	}
	if got := Partition(newMessages(3), 8); len(got) != 3 {
		t.Errorf("expected one shard per message when workers outnumber messages, got %d", len(got))
	}
}

func TestPartition_ShardsDoNotShareCapacity(t *testing.T) {
	shards := Partition(newMessages(4), 2)
	shards[0] = append(shards[0], &mail.Message{Id: 99})

	if shards[1][0].Id != 3 {
		t.Error("appending to a shard must not overwrite the next one")
	}
}
