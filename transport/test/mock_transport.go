package test

import (
	"context"
	"sync"
	"time"

	"inviqa/mail-outbox-relay/mail"
	"inviqa/mail-outbox-relay/transport"
)

// MockTransport records what the transports it opens are asked to send.
type MockTransport struct {
	sync.Mutex
	sent    []*mail.Rendered
	failFor map[uint]error
	failAll error
	openErr error
	delay   time.Duration
	opened  int
	closed  int
}

func NewMockTransport() *MockTransport {
	return &MockTransport{failFor: map[uint]error{}}
}

func (mt *MockTransport) Factory() transport.Factory {
	return func() (transport.Transport, error) {
		mt.Lock()
		defer mt.Unlock()
		if mt.openErr != nil {
			return nil, mt.openErr
		}
		mt.opened++
		return &mockHandle{mt: mt}, nil
	}
}

// Registry returns a registry with the mock as its only, default, backend.
func (mt *MockTransport) Registry() *transport.Registry {
	r := transport.NewRegistry(transport.DefaultAlias)
	r.Register(transport.DefaultAlias, "mock", mt.Factory())
	return r
}

func (mt *MockTransport) FailFor(id uint, err error) {
	mt.Lock()
	defer mt.Unlock()
	mt.failFor[id] = err
}

func (mt *MockTransport) FailAll(err error) {
	mt.Lock()
	defer mt.Unlock()
	mt.failAll = err
}

func (mt *MockTransport) FailOpen(err error) {
	mt.Lock()
	defer mt.Unlock()
	mt.openErr = err
}

// Delay makes every send take d, or until its context is done.
func (mt *MockTransport) Delay(d time.Duration) {
	mt.Lock()
	defer mt.Unlock()
	mt.delay = d
}

func (mt *MockTransport) Sent() []*mail.Rendered {
	mt.Lock()
	defer mt.Unlock()
	return append([]*mail.Rendered(nil), mt.sent...)
}

func (mt *MockTransport) SentIds() []uint {
	mt.Lock()
	defer mt.Unlock()
	ids := make([]uint, 0, len(mt.sent))
	for _, m := range mt.sent {
		ids = append(ids, m.MessageId)
	}
	return ids
}

func (mt *MockTransport) Opened() int {
	mt.Lock()
	defer mt.Unlock()
	return mt.opened
}

func (mt *MockTransport) Closed() int {
	mt.Lock()
	defer mt.Unlock()
	return mt.closed
}

func (mt *MockTransport) send(ctx context.Context, m *mail.Rendered) error {
	mt.Lock()
	delay := mt.delay
	mt.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	mt.Lock()
	defer mt.Unlock()
	if mt.failAll != nil {
		return mt.failAll
	}
	if err, ok := mt.failFor[m.MessageId]; ok {
		return err
	}
	mt.sent = append(mt.sent, m)

	return nil
}

type mockHandle struct {
	mt *MockTransport
}

func (h *mockHandle) Send(ctx context.Context, m *mail.Rendered) error {
	return h.mt.send(ctx, m)
}

func (h *mockHandle) Close() error {
	h.mt.Lock()
	defer h.mt.Unlock()
	h.mt.closed++
	return nil
}
