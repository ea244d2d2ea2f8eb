package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"inviqa/mail-outbox-relay/config"
	locktest "inviqa/mail-outbox-relay/lock/test"
	"inviqa/mail-outbox-relay/mail"
	mailtest "inviqa/mail-outbox-relay/mail/test"
	"inviqa/mail-outbox-relay/render"
	"inviqa/mail-outbox-relay/transport"
	transporttest "inviqa/mail-outbox-relay/transport/test"

	"github.com/go-test/deep"
	"go.uber.org/goleak"
)

// sarama pulls in zstd, which starts its decoders when the package is loaded.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("github.com/klauspost/compress/zstd.(*blockDec).startDecoder"),
	)
}

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time {
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestDrainer(repo *mailtest.MockRepository, reg *transport.Registry, cfg *config.Config) (*Drainer, *testClock, *locktest.MockLocker) {
	clock := &testClock{t: testNow}
	locker := locktest.NewMockLocker()

	a := NewApplier(repo, cfg)
	a.now = clock.now
	d := NewDrainer(repo, locker, NewWorker(reg, render.New()), a, cfg, nil)
	d.now = clock.now

	return d, clock, locker
}

func TestDrainer_DrainUntilDoneRetriesThenFails(t *testing.T) {
	cfg := newTestConfig()
	cfg.MaxRetries = 1

	repo := mailtest.NewMockRepository(10, nil)
	repo.Add(newTestMessage(1))
	mt := transporttest.NewMockTransport()
	mt.FailAll(errors.New("554 transaction failed"))

	d, clock, _ := newTestDrainer(repo, mt.Registry(), cfg)

	totals, err := d.DrainUntilDone(context.Background(), 1, LogAll)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if diff := deep.Equal(totals, Totals{Counts: Counts{Requeued: 1}, Batches: 1}); diff != nil {
		t.Error(diff)
	}
	m := repo.Message(1)
	if *m.Status != mail.StatusRequeued || m.Retries() != 1 {
		t.Fatalf("expected requeued with 1 retry, got %s with %d", m.Status, m.Retries())
	}

	clock.advance(2 * time.Minute)

	totals, err = d.DrainUntilDone(context.Background(), 1, LogAll)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if totals.Failed != 1 {
		t.Errorf("expected 1 failed, got %+v", totals)
	}
	m = repo.Message(1)
	if *m.Status != mail.StatusFailed || m.Retries() != 1 {
		t.Errorf("expected failed with 1 retry, got %s with %d", m.Status, m.Retries())
	}

	if logs := repo.Logs(); len(logs) != 2 || logs[1].ExceptionType != "TransportError" {
		t.Errorf("expected 2 transport error log entries, got %+v", logs)
	}
}

func TestDrainer_DrainUntilDoneSendsInPriorityOrder(t *testing.T) {
	order, _ := mail.ParseSendingOrder([]string{"-priority"})
	repo := mailtest.NewMockRepository(2, order)

	low, high, medium := newTestMessage(1), newTestMessage(2), newTestMessage(3)
	low.Priority, high.Priority, medium.Priority = mail.PriorityLow, mail.PriorityHigh, mail.PriorityMedium
	repo.Add(low, high, medium)

	mt := transporttest.NewMockTransport()
	d, _, _ := newTestDrainer(repo, mt.Registry(), newTestConfig())

	totals, err := d.DrainUntilDone(context.Background(), 1, LogNone)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if totals.Batches != 2 || totals.Sent != 3 {
		t.Errorf("expected 3 sent in 2 batches, got %+v", totals)
	}
	if diff := deep.Equal(mt.SentIds(), []uint{2, 3, 1}); diff != nil {
		t.Error(diff)
	}

	commits := repo.Commits()
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
	if diff := deep.Equal(commits[0].Sent, []uint{2, 3}); diff != nil {
		t.Error(diff)
	}
	if diff := deep.Equal(commits[1].Sent, []uint{1}); diff != nil {
		t.Error(diff)
	}
}

func TestDrainer_SendQueuedHonoursBatchSize(t *testing.T) {
	repo := mailtest.NewMockRepository(5, nil)
	for i := 0; i < 12; i++ {
		repo.Add(newTestMessage(0))
	}

	d, _, _ := newTestDrainer(repo, transporttest.NewMockTransport().Registry(), newTestConfig())

	counts, err := d.SendQueued(context.Background(), 2, LogNone)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if counts.Sent != 5 {
		t.Errorf("expected 5 sent, got %+v", counts)
	}
	if diff := deep.Equal(repo.Commits()[0].Sent, []uint{1, 2, 3, 4, 5}); diff != nil {
		t.Error(diff)
	}
}

func TestDrainer_DrainUntilDoneCountsEveryRetry(t *testing.T) {
	cfg := newTestConfig()
	cfg.MaxRetries = 3
	cfg.RetryIntervalSeconds = 0

	repo := mailtest.NewMockRepository(10, nil)
	repo.Add(newTestMessage(1))

	var seen []int
	repo.AfterQueuedQuery(func() {
		seen = append(seen, repo.Message(1).Retries())
	})

	mt := transporttest.NewMockTransport()
	mt.FailAll(errors.New("421 service not available"))
	d, _, _ := newTestDrainer(repo, mt.Registry(), cfg)

	totals, err := d.DrainUntilDone(context.Background(), 1, LogNone)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if diff := deep.Equal(totals, Totals{Counts: Counts{Requeued: 3, Failed: 1}, Batches: 4}); diff != nil {
		t.Error(diff)
	}
	if diff := deep.Equal(seen, []int{0, 1, 2, 3}); diff != nil {
		t.Error(diff)
	}
	if m := repo.Message(1); *m.Status != mail.StatusFailed || m.Retries() != 3 {
		t.Errorf("expected failed with 3 retries, got %s with %d", m.Status, m.Retries())
	}
}

func TestDrainer_DrainUntilDoneCountsMessagesChangedDuringDelivery(t *testing.T) {
	repo := mailtest.NewMockRepository(10, nil)
	repo.Add(newTestMessage(1), newTestMessage(2))
	changed := false
	repo.AfterQueuedQuery(func() {
		if !changed {
			changed = true
			repo.SetStatus(2, mail.StatusSent)
		}
	})

	mt := transporttest.NewMockTransport()
	mt.FailFor(2, errors.New("550 mailbox unavailable"))
	d, _, _ := newTestDrainer(repo, mt.Registry(), newTestConfig())

	totals, err := d.DrainUntilDone(context.Background(), 1, LogNone)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if diff := deep.Equal(totals, Totals{Counts: Counts{Sent: 1, Skipped: 1}, Batches: 1}); diff != nil {
		t.Error(diff)
	}
	if s := repo.Message(2).Status; *s != mail.StatusSent {
		t.Errorf("expected the concurrent status to be kept, got %s", s)
	}
}

func TestDrainer_SendQueuedSkipsFinishedMessages(t *testing.T) {
	repo := mailtest.NewMockRepository(10, nil)
	repo.Add(newTestMessage(1), newTestMessage(2), newTestMessage(3))
	repo.SetStatus(2, mail.StatusFailed)

	mt := transporttest.NewMockTransport()
	d, _, _ := newTestDrainer(repo, mt.Registry(), newTestConfig())

	if _, err := d.SendQueued(context.Background(), 1, LogNone); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	counts, err := d.SendQueued(context.Background(), 1, LogNone)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if counts.Total() != 0 {
		t.Errorf("expected nothing left to send, got %+v", counts)
	}
	if diff := deep.Equal(mt.SentIds(), []uint{1, 3}); diff != nil {
		t.Error(diff)
	}
}

func TestDrainer_DrainUntilDoneWhenLocked(t *testing.T) {
	repo := mailtest.NewMockRepository(10, nil)
	repo.Add(newTestMessage(1))
	mt := transporttest.NewMockTransport()

	d, _, locker := newTestDrainer(repo, mt.Registry(), newTestConfig())
	locker.Hold(config.DrainLockName)

	totals, err := d.DrainUntilDone(context.Background(), 1, LogNone)
	if err != nil {
		t.Errorf("expected a held lock not to be an error, got %s", err)
	}
	if totals.Batches != 0 || len(mt.SentIds()) != 0 {
		t.Error("expected nothing to be sent")
	}
	if repo.QueuedCallCount() != 0 {
		t.Error("expected the queue not to be read")
	}
}

func TestDrainer_DrainUntilDoneStopsWhenTheLeaseExpires(t *testing.T) {
	cfg := newTestConfig()
	cfg.LockDurationSeconds = 0

	repo := mailtest.NewMockRepository(10, nil)
	repo.Add(newTestMessage(1))
	mt := transporttest.NewMockTransport()

	d, _, locker := newTestDrainer(repo, mt.Registry(), cfg)

	totals, err := d.DrainUntilDone(context.Background(), 1, LogNone)
	if err != nil {
		t.Errorf("expected an expired lease not to be an error, got %s", err)
	}
	if totals.Sent != 0 || len(mt.SentIds()) != 0 {
		t.Error("expected nothing to be sent")
	}
	if locker.Released() != 1 || locker.Held(config.DrainLockName) {
		t.Error("expected the lease to be released")
	}
}

func TestDrainer_DrainUntilDoneWithStorageErrors(t *testing.T) {
	repo := mailtest.NewMockRepository(10, nil)
	repo.Add(newTestMessage(1))
	repo.ReturnErrors()

	d, _, locker := newTestDrainer(repo, transporttest.NewMockTransport().Registry(), newTestConfig())
	if _, err := d.DrainUntilDone(context.Background(), 1, LogNone); err == nil {
		t.Error("expected an error reading the queue")
	}
	if locker.Held(config.DrainLockName) {
		t.Error("expected the lease to be released after an error")
	}

	repo = mailtest.NewMockRepository(10, nil)
	repo.Add(newTestMessage(1))
	repo.ReturnCommitErrors()

	d, _, _ = newTestDrainer(repo, transporttest.NewMockTransport().Registry(), newTestConfig())
	if _, err := d.DrainUntilDone(context.Background(), 1, LogNone); err == nil {
		t.Error("expected an error committing the batch")
	}
}

func TestDrainer_SendQueuedMergesShardsInOrder(t *testing.T) {
	repo := mailtest.NewMockRepository(10, nil)
	for i := 0; i < 10; i++ {
		repo.Add(newTestMessage(0))
	}
	mt := transporttest.NewMockTransport()
	mt.FailFor(7, errors.New("550 no such user"))

	d, _, _ := newTestDrainer(repo, mt.Registry(), newTestConfig())

	counts, err := d.SendQueued(context.Background(), 4, LogNone)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if diff := deep.Equal(counts, Counts{Sent: 9, Failed: 1}); diff != nil {
		t.Error(diff)
	}

	c := repo.Commits()[0]
	if diff := deep.Equal(c.Sent, []uint{1, 2, 3, 4, 5, 6, 8, 9, 10}); diff != nil {
		t.Error(diff)
	}
	if diff := deep.Equal(c.Failed, []uint{7}); diff != nil {
		t.Error(diff)
	}
	if mt.Opened() != 4 || mt.Closed() != 4 {
		t.Errorf("expected a transport per shard, got %d opened and %d closed", mt.Opened(), mt.Closed())
	}
}

func TestDrainer_SendQueuedWithBatchTimeout(t *testing.T) {
	cfg := newTestConfig()
	cfg.BatchDeliveryTimeoutSeconds = 1

	repo := mailtest.NewMockRepository(10, nil)
	repo.Add(newTestMessage(1), newTestMessage(2))
	mt := transporttest.NewMockTransport()
	mt.Delay(5 * time.Second)

	d, _, _ := newTestDrainer(repo, mt.Registry(), cfg)

	counts, err := d.SendQueued(context.Background(), 1, LogFailures)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if counts.Failed != 2 {
		t.Errorf("expected 2 failed, got %+v", counts)
	}

	logs := repo.Logs()
	if len(logs) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(logs))
	}
	if logs[0].ExceptionType != "TransportError" || logs[1].ExceptionType != "BatchTimeoutError" {
		t.Errorf("unexpected exception types %s and %s", logs[0].ExceptionType, logs[1].ExceptionType)
	}
}

type blockingTransport struct {
	release chan struct{}
}

func (b *blockingTransport) Send(_ context.Context, _ *mail.Rendered) error {
	<-b.release
	return nil
}

func (b *blockingTransport) Close() error {
	return nil
}

func TestDrainer_SendQueuedAbandonsStuckShards(t *testing.T) {
	cfg := newTestConfig()
	cfg.BatchDeliveryTimeoutSeconds = 1

	bt := &blockingTransport{release: make(chan struct{})}
	defer close(bt.release)

	reg := transport.NewRegistry("")
	reg.Register(transport.DefaultAlias, "blocking", func() (transport.Transport, error) {
		return bt, nil
	})

	repo := mailtest.NewMockRepository(10, nil)
	repo.Add(newTestMessage(1))

	d, _, _ := newTestDrainer(repo, reg, cfg)
	d.abandonGrace = 10 * time.Millisecond

	counts, err := d.SendQueued(context.Background(), 1, LogFailures)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if counts.Failed != 1 {
		t.Errorf("expected the stuck message to fail, got %+v", counts)
	}
	if logs := repo.Logs(); len(logs) != 1 || logs[0].ExceptionType != "BatchTimeoutError" {
		t.Errorf("expected a batch timeout log entry, got %+v", logs)
	}
}
