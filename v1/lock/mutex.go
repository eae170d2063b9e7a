package lock

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	teleoerrors "github.com/mirkobrombin/go-teleo/v1/errors"
	"github.com/mirkobrombin/go-teleo/v1/metrics"
)

// Mutex is an error-checked, non-recursive mutual-exclusion lock.
//
// A Mutex must be created with New and destroyed with Close. As with
// sync.Mutex, a held Mutex is not associated with a particular goroutine:
// one goroutine may acquire it and another may release it. A goroutine that
// calls Acquire twice without an intervening Release blocks forever.
type Mutex struct {
	name   string
	logger *slog.Logger

	// sem holds one token while the lock is held.
	sem  chan struct{}
	done chan struct{}

	// mu serializes the non-blocking transitions and Close.
	mu     sync.Mutex
	closed bool
}

// Option configures a Mutex.
type Option func(*options)

type options struct {
	name    string
	nameSet bool
	logger  *slog.Logger
}

// WithName sets the name used in logs, traces and errors. An empty name makes
// New fail.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
		o.nameSet = true
	}
}

// WithLogger sets the logger used to report failed operations.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// New constructs a free Mutex. On failure no Mutex is returned.
func New(opts ...Option) (*Mutex, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.nameSet && o.name == "" {
		metrics.LockOps.WithLabelValues("construct", metrics.ResultError).Inc()
		return nil, &OperationError{Op: "construct", Err: teleoerrors.ErrInvalidName}
	}
	if !o.nameSet {
		o.name = "lock-" + uuid.NewString()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	m := &Mutex{
		name:   o.name,
		logger: o.logger,
		sem:    make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	metrics.OpenLocks.Inc()
	metrics.LockOps.WithLabelValues("construct", metrics.ResultOK).Inc()
	m.logger.Debug("teleo: lock constructed", "lock", m.name)
	return m, nil
}

// Name returns the name of the lock.
func (m *Mutex) Name() string {
	return m.name
}

// Acquire blocks until the lock is obtained. There is no timeout and no way
// to abandon the wait; it only fails if the lock is or gets destroyed.
func (m *Mutex) Acquire() error {
	select {
	case m.sem <- struct{}{}:
		m.record("acquire", metrics.ResultOK)
		return nil
	default:
	}

	start := time.Now()
	select {
	case m.sem <- struct{}{}:
		metrics.AcquireWait.Observe(time.Since(start).Seconds())
		m.record("acquire", metrics.ResultOK)
		return nil
	case <-m.done:
		return m.fail("acquire", teleoerrors.ErrClosed)
	}
}

// Release frees a held lock. Releasing a free lock returns an
// *OperationError wrapping ErrNotHeld.
func (m *Mutex) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.fail("release", teleoerrors.ErrClosed)
	}
	select {
	case <-m.sem:
		m.record("release", metrics.ResultOK)
		return nil
	default:
		return m.fail("release", teleoerrors.ErrNotHeld)
	}
}

// TryAcquire attempts to obtain the lock without blocking. It returns true
// when the caller now holds the lock and false when it was already held.
func (m *Mutex) TryAcquire() (bool, error) {
	return m.probe(false, "tryAcquire")
}

// IsLocked reports whether the lock is currently held.
//
// The lock is probed rather than inspected: when it is free, IsLocked briefly
// acquires and releases it. The answer may be stale by the time the caller
// sees it, so it is only fit for diagnostics and assertions.
func (m *Mutex) IsLocked() (bool, error) {
	acquired, err := m.probe(true, "isLocked")
	if err != nil {
		return false, err
	}
	return !acquired, nil
}

// Do runs fn while holding the lock. The lock is released even if fn panics.
func (m *Mutex) Do(fn func() error) (err error) {
	if err := m.Acquire(); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, m.Release())
	}()
	return fn()
}

// Close destroys the lock. Closing a held lock fails with ErrHeld and leaves
// the lock usable; release it and call Close again. After a successful
// Close every operation fails with ErrClosed and blocked Acquire calls
// return.
func (m *Mutex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.fail("destroy", teleoerrors.ErrClosed)
	}
	select {
	case m.sem <- struct{}{}:
		// the token stays in sem so nothing can acquire a destroyed lock
	default:
		return m.fail("destroy", teleoerrors.ErrHeld)
	}
	m.closed = true
	close(m.done)
	metrics.OpenLocks.Dec()
	metrics.LockOps.WithLabelValues("destroy", metrics.ResultOK).Inc()
	m.logger.Debug("teleo: lock destroyed", "lock", m.name)
	return nil
}

// probe attempts a non-blocking acquire. It returns true when the lock was
// obtained, and releases it again when release is set.
func (m *Mutex) probe(release bool, op string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, m.fail(op, teleoerrors.ErrClosed)
	}
	select {
	case m.sem <- struct{}{}:
		if release {
			<-m.sem
		}
		m.record(op, metrics.ResultOK)
		return true, nil
	default:
		m.record(op, metrics.ResultBusy)
		return false, nil
	}
}

func (m *Mutex) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mutex) record(op, result string) {
	metrics.LockOps.WithLabelValues(op, result).Inc()
}

func (m *Mutex) fail(op string, err error) error {
	metrics.LockOps.WithLabelValues(op, metrics.ResultError).Inc()
	m.logger.Warn("teleo: lock operation failed", "lock", m.name, "op", op, "error", err)
	return &OperationError{Op: op, Lock: m.name, Err: err}
}
