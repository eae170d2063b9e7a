package lock

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	teleoerrors "github.com/mirkobrombin/go-teleo/v1/errors"
)

// Registry hands out named Mutexes, creating each one on first use.
type Registry struct {
	mu     sync.Mutex
	opts   []Option
	logger *slog.Logger
	locks  map[string]*Mutex
	closed bool
}

// NewRegistry returns an empty registry. opts are applied to every Mutex it
// creates, followed by WithName(key).
func NewRegistry(opts ...Option) *Registry {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:   opts,
		logger: logger,
		locks:  make(map[string]*Mutex),
	}
}

// Get returns the Mutex for key, constructing it if needed. A Mutex that was
// closed directly by a caller is replaced by a fresh one.
func (r *Registry) Get(key string) (*Mutex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, &OperationError{Op: "construct", Lock: key, Err: teleoerrors.ErrClosed}
	}
	if m, ok := r.locks[key]; ok && !m.isClosed() {
		return m, nil
	}
	opts := append(append([]Option(nil), r.opts...), WithName(key))
	m, err := New(opts...)
	if err != nil {
		return nil, err
	}
	r.locks[key] = m
	return m, nil
}

// Acquire blocks until the lock for key is obtained.
func (r *Registry) Acquire(key string) error {
	m, err := r.Get(key)
	if err != nil {
		return err
	}
	return m.Acquire()
}

// TryAcquire attempts to obtain the lock for key without waiting.
func (r *Registry) TryAcquire(key string) (bool, error) {
	m, err := r.Get(key)
	if err != nil {
		return false, err
	}
	return m.TryAcquire()
}

// Release frees the lock for key. Releasing a key that was never locked
// fails with ErrNotHeld.
func (r *Registry) Release(key string) error {
	r.mu.Lock()
	m, ok := r.locks[key]
	r.mu.Unlock()
	if !ok {
		return &OperationError{Op: "release", Lock: key, Err: teleoerrors.ErrNotHeld}
	}
	return m.Release()
}

// Keys returns the names of the locks in the registry, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.locks))
	for k := range r.locks {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Close destroys every lock in the registry. Locks already closed by a caller
// are dropped. Locks that fail to close, for example because they are still
// held, stay registered and their errors are joined into the result; Close can
// be called again once they are released.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for key, m := range r.locks {
		if m.isClosed() {
			delete(r.locks, key)
			continue
		}
		if err := m.Close(); err != nil && !errors.Is(err, teleoerrors.ErrClosed) {
			r.logger.Warn("teleo: registry lock close failed", "lock", key, "error", err)
			errs = append(errs, err)
			continue
		}
		delete(r.locks, key)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	r.closed = true
	return nil
}
