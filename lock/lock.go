package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"inviqa/mail-outbox-relay/config"
	"inviqa/mail-outbox-relay/log"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultPollInterval = time.Millisecond * 100
	releaseTimeout      = time.Second * 5

	mysqlDuplicateEntry = 1062
	pgUniqueViolation   = "23505"
)

var (
	// ErrLocked is returned when a non-expired lease exists for the name.
	ErrLocked = errors.New("lock: already held by another process")
	// ErrTimeout is returned when the work guarded by a lease outlived it.
	ErrTimeout = errors.New("lock: lease expired before the work completed")
)

// TimeoutError carries the details of an expired lease. It matches ErrTimeout
// with errors.Is.
type TimeoutError struct {
	Name     string
	Duration time.Duration
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock: lease %q of %s expired after %s", e.Name, e.Duration, e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// Lease is a held lock. It is only valid until ExpiresAt, after which another
// process may take the lock over.
type Lease struct {
	Name      string
	Token     uuid.UUID
	CreatedAt time.Time
	ExpiresAt time.Time
	Duration  time.Duration
	acquired  time.Time
}

// NewLease returns a lease with a fresh token, acquired at now.
func NewLease(name string, d time.Duration, now time.Time) *Lease {
	return &Lease{
		Name:      name,
		Token:     uuid.New(),
		CreatedAt: now,
		ExpiresAt: now.Add(d),
		Duration:  d,
		acquired:  time.Now(),
	}
}

// RemainingTime is measured on the monotonic clock from acquisition.
func (l *Lease) RemainingTime() time.Duration {
	r := l.Duration - time.Since(l.acquired)
	if r < 0 {
		return 0
	}
	return r
}

func (l *Lease) Expired() bool {
	return l.RemainingTime() <= 0
}

// Check returns a *TimeoutError once the lease has expired.
func (l *Lease) Check() error {
	if !l.Expired() {
		return nil
	}

	return &TimeoutError{Name: l.Name, Duration: l.Duration, Elapsed: time.Since(l.acquired)}
}

type queryProvider interface {
	DeleteExpiredSql() string
	InsertSql() string
	ReleaseSql() string
}

// Locker hands out named leases backed by rows in a table with a unique
// lock_id column. The insert is the only point where two processes can race.
type Locker struct {
	db            *sql.DB
	queryProvider queryProvider
	pollInterval  time.Duration
	now           func() time.Time
}

func NewLocker(db *sql.DB, driver config.DbDriver) *Locker {
	return NewLockerWithQueryProvider(db, newQueryProvider(driver))
}

func NewLockerWithQueryProvider(db *sql.DB, qp queryProvider) *Locker {
	return &Locker{
		db:            db,
		queryProvider: qp,
		pollInterval:  defaultPollInterval,
		now:           time.Now,
	}
}

// Acquire creates a lease for name lasting d. When the lock is held it
// returns ErrLocked, or with wait set keeps trying until the holder releases
// or its lease expires, or ctx is done.
func (l *Locker) Acquire(ctx context.Context, name string, d time.Duration, wait bool) (*Lease, error) {
	for {
		lease, err := l.tryAcquire(ctx, name, d)
		if err == nil {
			return lease, nil
		}

		if !errors.Is(err, ErrLocked) || !wait {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// Release deletes the lease row if it is still owned by the lease token.
// Releasing a lease which was taken over by another process is a no-op.
func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	res, err := l.db.ExecContext(ctx, l.queryProvider.ReleaseSql(), lease.Name, lease.Token.String())
	if err != nil {
		return errors.Wrapf(err, "lock: unable to release lease %q", lease.Name)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		log.Logger.WithFields(logrus.Fields{
			"lock":  lease.Name,
			"token": lease.Token.String(),
		}).Info("lease was no longer held when released")
	}

	return nil
}

// WithLock runs fn while holding the named lease and always releases it
// afterwards. If fn succeeded but ran past the lease duration the returned
// error is a *TimeoutError.
func (l *Locker) WithLock(ctx context.Context, name string, d time.Duration, wait bool, fn func(context.Context, *Lease) error) error {
	lease, err := l.Acquire(ctx, name, d, wait)
	if err != nil {
		return err
	}

	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := l.Release(rctx, lease); err != nil {
			log.Logger.WithError(err).Error("unable to release lease")
		}
	}()

	if err := fn(ctx, lease); err != nil {
		return err
	}

	return lease.Check()
}

func (l *Locker) tryAcquire(ctx context.Context, name string, d time.Duration) (*Lease, error) {
	now := l.now().UTC()

	// a crashed holder leaves its row behind until it expires
	if _, err := l.db.ExecContext(ctx, l.queryProvider.DeleteExpiredSql(), name, now); err != nil {
		return nil, errors.Wrapf(err, "lock: unable to remove expired leases for %q", name)
	}

	lease := NewLease(name, d, now)
	_, err := l.db.ExecContext(ctx, l.queryProvider.InsertSql(), name, lease.Token.String(), lease.CreatedAt, lease.ExpiresAt)
	if isDuplicate(err) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lock: unable to create lease for %q", name)
	}

	return lease, nil
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	return false
}
