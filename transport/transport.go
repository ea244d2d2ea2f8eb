// Package transport delivers rendered mail through the backend a message
// selects by alias.
//
// Backends are resolved once, when the registry is loaded. A worker opens its
// own Transport per alias and closes it when its shard is done, so a
// Transport is never used by more than one goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"inviqa/mail-outbox-relay/log"
	"inviqa/mail-outbox-relay/mail"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const DefaultAlias = "default"

var ErrUnknownBackend = errors.New("unknown mail backend")

// Transport sends one rendered message at a time.
type Transport interface {
	io.Closer
	Send(ctx context.Context, m *mail.Rendered) error
}

// Factory opens a new Transport for a backend.
type Factory func() (Transport, error)

// Error wraps a failed delivery attempt with the backend it was made on.
type Error struct {
	Backend string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %s", e.Backend, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Option func(*backend)

// WithRateLimit shares one token bucket between every Transport opened for
// the backend.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(b *backend) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithCloser registers a resource shared by the backend's transports, closed
// with the registry.
func WithCloser(c io.Closer) Option {
	return func(b *backend) {
		b.closer = c
	}
}

type backend struct {
	kind    string
	open    Factory
	limiter *rate.Limiter
	closer  io.Closer
}

type Registry struct {
	mu           sync.Mutex
	backends     map[string]*backend
	defaultAlias string
}

func NewRegistry(defaultAlias string) *Registry {
	if defaultAlias == "" {
		defaultAlias = DefaultAlias
	}

	return &Registry{
		backends:     map[string]*backend{},
		defaultAlias: defaultAlias,
	}
}

// Register adds or replaces the backend for alias.
func (r *Registry) Register(alias, kind string, f Factory, opts ...Option) {
	b := &backend{kind: kind, open: f}
	for _, opt := range opts {
		opt(b)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[alias] = b
}

func (r *Registry) Default() string {
	return r.defaultAlias
}

func (r *Registry) Has(alias string) bool {
	_, err := r.Resolve(alias)
	return err == nil
}

// Resolve maps an empty alias to the default one and checks that the backend
// exists.
func (r *Registry) Resolve(alias string) (string, error) {
	if alias == "" {
		alias = r.defaultAlias
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[alias]; !ok {
		return alias, fmt.Errorf("%w: %q", ErrUnknownBackend, alias)
	}

	return alias, nil
}

// Aliases returns the registered aliases, sorted.
func (r *Registry) Aliases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	aliases := make([]string, 0, len(r.backends))
	for a := range r.backends {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)

	return aliases
}

// Open returns a new Transport for alias. The caller owns it and must close it.
func (r *Registry) Open(alias string) (Transport, error) {
	alias, err := r.Resolve(alias)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	b := r.backends[alias]
	r.mu.Unlock()

	t, err := b.open()
	if err != nil {
		return nil, &Error{Backend: alias, Err: err}
	}
	if b.limiter != nil {
		t = &limitedTransport{Transport: t, limiter: b.limiter}
	}

	return t, nil
}

// Close releases resources shared between transports.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for alias, b := range r.backends {
		if b.closer == nil {
			continue
		}
		if err := b.closer.Close(); err != nil {
			log.Logger.WithError(err).WithField("backend", alias).Error("could not close mail backend")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

func (r *Registry) logFields() logrus.Fields {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := logrus.Fields{"default": r.defaultAlias}
	for alias, b := range r.backends {
		f[alias] = b.kind
	}
	return f
}

type limitedTransport struct {
	Transport
	limiter *rate.Limiter
}

func (t *limitedTransport) Send(ctx context.Context, m *mail.Rendered) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	return t.Transport.Send(ctx, m)
}
