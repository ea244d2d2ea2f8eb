package test

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"inviqa/mail-outbox-relay/mail"
)

// MockRepository is an in-memory mail queue. It applies the same eligibility,
// ordering and conditional update rules as mail.Repository.
type MockRepository struct {
	sync.RWMutex
	batchSize        int
	order            mail.SendingOrder
	nextId           uint
	ids              []uint
	messages         map[uint]*mail.Message
	logs             []mail.LogEntry
	commits          []mail.Commit
	queuedCallCount  int
	returnError      bool
	returnCommitErr  bool
	returnLogErr     bool
	afterQueuedQuery func()
}

func NewMockRepository(batchSize int, order mail.SendingOrder) *MockRepository {
	return &MockRepository{
		batchSize: batchSize,
		order:     order,
		messages:  map[uint]*mail.Message{},
	}
}

// Add stores the messages, assigning ids to those without one.
func (mr *MockRepository) Add(msgs ...*mail.Message) {
	mr.Lock()
	defer mr.Unlock()
	for _, m := range msgs {
		mr.add(m)
	}
}

func (mr *MockRepository) QueuedMessages(_ context.Context, now time.Time) ([]*mail.Message, error) {
	mr.Lock()
	mr.queuedCallCount++
	if mr.returnError {
		mr.Unlock()
		return nil, errors.New("oops")
	}

	var eligible []*mail.Message
	for _, id := range mr.ids {
		if m := mr.messages[id]; m.IsEligible(now) {
			eligible = append(eligible, copyMessage(m))
		}
	}
	hook := mr.afterQueuedQuery
	mr.Unlock()

	sort.SliceStable(eligible, func(i, j int) bool {
		return mr.order.Less(eligible[i], eligible[j])
	})

	if len(eligible) > mr.batchSize {
		eligible = eligible[:mr.batchSize]
	}

	if hook != nil {
		hook()
	}

	return eligible, nil
}

func (mr *MockRepository) HasQueued(_ context.Context, now time.Time) (bool, error) {
	mr.RLock()
	defer mr.RUnlock()
	if mr.returnError {
		return false, errors.New("oops")
	}

	for _, m := range mr.messages {
		if m.IsEligible(now) {
			return true, nil
		}
	}

	return false, nil
}

func (mr *MockRepository) CommitResults(_ context.Context, c mail.Commit) (mail.CommitResult, error) {
	mr.Lock()
	defer mr.Unlock()
	if mr.returnCommitErr {
		return mail.CommitResult{}, errors.New("oops")
	}

	mr.commits = append(mr.commits, c)

	var res mail.CommitResult
	for _, id := range c.Sent {
		if m := mr.pending(id); m != nil {
			m.Status = mail.StatusOf(mail.StatusSent)
			m.LastUpdated = c.Now
			res.Sent++
		}
	}
	for _, id := range c.Requeued {
		if m := mr.pending(id); m != nil {
			m.Status = mail.StatusOf(mail.StatusRequeued)
			m.ScheduledTime = sql.NullTime{Time: c.RetryAt, Valid: true}
			m.NumberOfRetries = sql.NullInt32{Int32: int32(m.Retries() + 1), Valid: true}
			m.LastUpdated = c.Now
			res.Requeued++
		}
	}
	for _, id := range c.Failed {
		if m := mr.pending(id); m != nil {
			m.Status = mail.StatusOf(mail.StatusFailed)
			m.LastUpdated = c.Now
			res.Failed++
		}
	}

	return res, nil
}

func (mr *MockRepository) InsertLogs(_ context.Context, entries []mail.LogEntry) error {
	mr.Lock()
	defer mr.Unlock()
	if mr.returnLogErr {
		return errors.New("oops")
	}

	mr.logs = append(mr.logs, entries...)

	return nil
}

func (mr *MockRepository) Enqueue(_ context.Context, m *mail.Message) error {
	mr.Lock()
	defer mr.Unlock()
	if mr.returnError {
		return errors.New("oops")
	}

	mr.add(copyMessage(m))
	m.Id = mr.nextId

	return nil
}

func (mr *MockRepository) EnqueueMany(_ context.Context, msgs []*mail.Message) error {
	mr.Lock()
	defer mr.Unlock()
	if mr.returnError {
		return errors.New("oops")
	}

	for _, m := range msgs {
		mr.add(copyMessage(m))
		m.Id = mr.nextId
	}

	return nil
}

func (mr *MockRepository) MarkDispatched(_ context.Context, id uint, status mail.Status, now time.Time) (bool, error) {
	mr.Lock()
	defer mr.Unlock()
	if mr.returnCommitErr {
		return false, errors.New("oops")
	}

	m, ok := mr.messages[id]
	if !ok || m.Status != nil {
		return false, nil
	}

	m.Status = mail.StatusOf(status)
	m.LastUpdated = now

	return true, nil
}

func (mr *MockRepository) DeleteFinished(_ context.Context, olderThan time.Time) (int64, error) {
	mr.Lock()
	defer mr.Unlock()
	if mr.returnError {
		return 0, errors.New("oops")
	}

	var kept []uint
	var deleted int64
	for _, id := range mr.ids {
		m := mr.messages[id]
		if m.Status != nil && m.Status.Terminal() && m.CreatedAt.Before(olderThan) {
			delete(mr.messages, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	mr.ids = kept

	return deleted, nil
}

func (mr *MockRepository) GetQueueSize() (uint, error) {
	mr.RLock()
	defer mr.RUnlock()
	if mr.returnError {
		return 0, errors.New("oops")
	}

	var count uint
	for _, m := range mr.messages {
		if m.Status != nil && !m.Status.Terminal() {
			count++
		}
	}

	return count, nil
}

func (mr *MockRepository) GetTotalSize() (uint, error) {
	mr.RLock()
	defer mr.RUnlock()
	if mr.returnError {
		return 0, errors.New("oops")
	}

	return uint(len(mr.messages)), nil
}

// Message returns a copy of the stored message, or nil.
func (mr *MockRepository) Message(id uint) *mail.Message {
	mr.RLock()
	defer mr.RUnlock()
	m, ok := mr.messages[id]
	if !ok {
		return nil
	}

	return copyMessage(m)
}

// SetStatus changes a stored status, as a concurrent writer would.
func (mr *MockRepository) SetStatus(id uint, s mail.Status) {
	mr.Lock()
	defer mr.Unlock()
	if m, ok := mr.messages[id]; ok {
		m.Status = mail.StatusOf(s)
	}
}

func (mr *MockRepository) Logs() []mail.LogEntry {
	mr.RLock()
	defer mr.RUnlock()
	return append([]mail.LogEntry(nil), mr.logs...)
}

func (mr *MockRepository) Commits() []mail.Commit {
	mr.RLock()
	defer mr.RUnlock()
	return append([]mail.Commit(nil), mr.commits...)
}

func (mr *MockRepository) QueuedCallCount() int {
	mr.RLock()
	defer mr.RUnlock()
	return mr.queuedCallCount
}

// AfterQueuedQuery registers a func run after every QueuedMessages call.
func (mr *MockRepository) AfterQueuedQuery(f func()) {
	mr.Lock()
	defer mr.Unlock()
	mr.afterQueuedQuery = f
}

func (mr *MockRepository) ReturnErrors() {
	mr.Lock()
	defer mr.Unlock()
	mr.returnError = true
}

func (mr *MockRepository) ReturnCommitErrors() {
	mr.Lock()
	defer mr.Unlock()
	mr.returnCommitErr = true
}

func (mr *MockRepository) ReturnLogErrors() {
	mr.Lock()
	defer mr.Unlock()
	mr.returnLogErr = true
}

func (mr *MockRepository) add(m *mail.Message) {
	if m.Id == 0 {
		mr.nextId++
		m.Id = mr.nextId
	} else if m.Id > mr.nextId {
		mr.nextId = m.Id
	}

	mr.ids = append(mr.ids, m.Id)
	mr.messages[m.Id] = m
}

func (mr *MockRepository) pending(id uint) *mail.Message {
	m, ok := mr.messages[id]
	if !ok || m.Status == nil || m.Status.Terminal() {
		return nil
	}

	return m
}

func copyMessage(m *mail.Message) *mail.Message {
	c := *m
	c.Recipients = append([]mail.Recipient(nil), m.Recipients...)
	if m.Status != nil {
		c.Status = mail.StatusOf(*m.Status)
	}

	return &c
}
