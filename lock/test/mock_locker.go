package test

import (
	"context"
	"sync"
	"time"

	"inviqa/mail-outbox-relay/lock"
)

// MockLocker is an in-process stand-in for lock.Locker with the same
// WithLock contract.
type MockLocker struct {
	sync.Mutex
	held     map[string]bool
	acquired int
	released int
}

func NewMockLocker() *MockLocker {
	return &MockLocker{held: map[string]bool{}}
}

// Hold marks name as held by another process.
func (ml *MockLocker) Hold(name string) {
	ml.Lock()
	defer ml.Unlock()
	ml.held[name] = true
}

func (ml *MockLocker) Held(name string) bool {
	ml.Lock()
	defer ml.Unlock()
	return ml.held[name]
}

func (ml *MockLocker) Acquired() int {
	ml.Lock()
	defer ml.Unlock()
	return ml.acquired
}

func (ml *MockLocker) Released() int {
	ml.Lock()
	defer ml.Unlock()
	return ml.released
}

func (ml *MockLocker) WithLock(ctx context.Context, name string, d time.Duration, _ bool, fn func(context.Context, *lock.Lease) error) error {
	ml.Lock()
	if ml.held[name] {
		ml.Unlock()
		return lock.ErrLocked
	}
	ml.held[name] = true
	ml.acquired++
	ml.Unlock()

	defer func() {
		ml.Lock()
		defer ml.Unlock()
		delete(ml.held, name)
		ml.released++
	}()

	lease := lock.NewLease(name, d, time.Now())
	if err := fn(ctx, lease); err != nil {
		return err
	}

	return lease.Check()
}
