package state

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-teleo/v1/lock"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-teleo/v1/state")

// Shared holds a value of type T that is only reachable while its lock is held.
type Shared[T any] struct {
	mu           *lock.Mutex
	value        T
	traceEnabled bool
}

// Option configures a Shared value.
type Option func(*config)

type config struct {
	lockOpts     []lock.Option
	traceEnabled bool
}

// WithLockOptions passes options to the underlying lock.Mutex.
func WithLockOptions(opts ...lock.Option) Option {
	return func(c *config) {
		c.lockOpts = append(c.lockOpts, opts...)
	}
}

// WithTracing enables OpenTelemetry spans for Update, TryUpdate and Load.
func WithTracing() Option {
	return func(c *config) {
		c.traceEnabled = true
	}
}

// New wraps value in a Shared guarded by a new lock.
func New[T any](value T, opts ...Option) (*Shared[T], error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	mu, err := lock.New(cfg.lockOpts...)
	if err != nil {
		return nil, err
	}
	return &Shared[T]{mu: mu, value: value, traceEnabled: cfg.traceEnabled}, nil
}

// Name returns the name of the underlying lock.
func (s *Shared[T]) Name() string {
	return s.mu.Name()
}

// Update runs fn with exclusive access to the value, blocking until the lock
// is free. The error of fn is returned joined with any release error. The
// lock is released even if fn panics.
func (s *Shared[T]) Update(ctx context.Context, fn func(*T) error) error {
	return s.update(ctx, "Shared.Update", fn)
}

// TryUpdate runs fn only if the lock is free. It reports whether fn ran.
func (s *Shared[T]) TryUpdate(ctx context.Context, fn func(*T) error) (ran bool, err error) {
	ctx, span := s.startSpan(ctx, "Shared.TryUpdate")
	defer span.End()
	if err := ctx.Err(); err != nil {
		return false, s.finish(span, err)
	}

	ok, err := s.mu.TryAcquire()
	if err != nil {
		return false, s.finish(span, err)
	}
	if s.traceEnabled {
		span.SetAttributes(attribute.Bool("teleo.lock.acquired", ok))
	}
	if !ok {
		return false, nil
	}
	defer func() {
		err = s.finish(span, errors.Join(err, s.mu.Release()))
	}()
	return true, fn(&s.value)
}

// Load returns a copy of the value taken under the lock. For pointer or
// reference types the copy is shallow.
func (s *Shared[T]) Load(ctx context.Context) (T, error) {
	var out T
	err := s.update(ctx, "Shared.Load", func(v *T) error {
		out = *v
		return nil
	})
	return out, err
}

func (s *Shared[T]) update(ctx context.Context, name string, fn func(*T) error) (err error) {
	ctx, span := s.startSpan(ctx, name)
	defer span.End()
	if err := ctx.Err(); err != nil {
		return s.finish(span, err)
	}

	start := time.Now()
	if err := s.mu.Acquire(); err != nil {
		return s.finish(span, err)
	}
	if s.traceEnabled {
		span.SetAttributes(attribute.Int64("teleo.lock.wait_us", time.Since(start).Microseconds()))
	}
	defer func() {
		err = s.finish(span, errors.Join(err, s.mu.Release()))
	}()
	return fn(&s.value)
}

// Busy reports whether the lock is currently held. See lock.Mutex.IsLocked
// for why the answer is only advisory.
func (s *Shared[T]) Busy() (bool, error) {
	return s.mu.IsLocked()
}

// Close destroys the underlying lock. It fails while an update is running.
func (s *Shared[T]) Close() error {
	return s.mu.Close()
}

func (s *Shared[T]) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if !s.traceEnabled {
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("teleo.lock.name", s.mu.Name()))
	return ctx, span
}

func (s *Shared[T]) finish(span trace.Span, err error) error {
	if err != nil && s.traceEnabled {
		span.RecordError(err)
	}
	return err
}
