package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"inviqa/mail-outbox-relay/dispatch"

	"go.uber.org/goleak"
)

type mockDrainer struct {
	sync.Mutex
	calls       int
	concurrency int
	logLevel    int
	err         error
}

func (d *mockDrainer) DrainUntilDone(_ context.Context, concurrency, logLevel int) (dispatch.Totals, error) {
	d.Lock()
	defer d.Unlock()
	d.calls++
	d.concurrency = concurrency
	d.logLevel = logLevel
	return dispatch.Totals{}, d.err
}

func (d *mockDrainer) callCount() int {
	d.Lock()
	defer d.Unlock()
	return d.calls
}

func TestNew(t *testing.T) {
	if nil == New(&mockDrainer{}, 1, 2) {
		t.Errorf("received nil from New()")
	}
}

func Test_Poller_Poll(t *testing.T) {
	t.Run("it drains the queue on every interval", func(t *testing.T) {
		d := &mockDrainer{}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		go func() {
			New(d, 4, 1).Poll(ctx, time.Millisecond*10, nil)
			close(done)
		}()

		time.Sleep(time.Millisecond * 100)
		cancel()
		<-done

		if d.callCount() < 3 {
			t.Errorf("expected the queue to be drained several times, got %d", d.callCount())
		}
		if d.concurrency != 4 || d.logLevel != 1 {
			t.Errorf("expected the configured concurrency and log level, got %d and %d", d.concurrency, d.logLevel)
		}
	})

	t.Run("it drains the queue when woken", func(t *testing.T) {
		d := &mockDrainer{}
		wake := make(chan struct{})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go New(d, 1, 0).Poll(ctx, time.Second*200, wake)

		wake <- struct{}{}
		wake <- struct{}{}
		time.Sleep(time.Millisecond * 50)

		if d.callCount() != 3 {
			t.Errorf("expected 3 drains, got %d", d.callCount())
		}
	})

	t.Run("it sleeps after a drain error", func(t *testing.T) {
		d := &mockDrainer{err: errors.New("oops")}
		ctx, cancel := context.WithCancel(context.Background())

		go New(d, 1, 0).Poll(ctx, time.Second*200, nil)

		time.Sleep(time.Millisecond * 100)
		cancel()

		if d.callCount() > 1 {
			t.Errorf("expected the Poll func to sleep after DrainUntilDone() returns an error")
		}
	})

	t.Run("it stops goroutine when context is cancelled", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		ctx, cancel := context.WithCancel(context.Background())
		go New(&mockDrainer{}, 1, 0).Poll(ctx, time.Millisecond*10, nil)

		time.Sleep(time.Millisecond * 30)
		cancel()
	})
}
