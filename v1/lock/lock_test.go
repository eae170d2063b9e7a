package lock

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	teleoerrors "github.com/mirkobrombin/go-teleo/v1/errors"
	"github.com/mirkobrombin/go-teleo/v1/metrics"
)

func newQuietMutex(t *testing.T, opts ...Option) *Mutex {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	m, err := New(opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return m
}

func expectOpError(t *testing.T, err error, op string, target error) {
	t.Helper()
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %v", err)
	}
	if opErr.Op != op {
		t.Fatalf("expected op %q, got %q", op, opErr.Op)
	}
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func expectLocked(t *testing.T, m *Mutex, want bool) {
	t.Helper()
	got, err := m.IsLocked()
	if err != nil {
		t.Fatalf("isLocked: %v", err)
	}
	if got != want {
		t.Fatalf("expected locked %v, got %v", want, got)
	}
}

func TestMutexAcquireReleaseCycles(t *testing.T) {
	m := newQuietMutex(t)
	defer m.Close()
	for i := 0; i < 10; i++ {
		if err := m.Acquire(); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		expectLocked(t, m, true)
		if err := m.Release(); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
		expectLocked(t, m, false)
	}
}

func TestMutexTryAcquire(t *testing.T) {
	m := newQuietMutex(t)
	defer m.Close()

	ok, err := m.TryAcquire()
	if err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	expectLocked(t, m, true)
	expectLocked(t, m, true)

	if ok, err := m.TryAcquire(); err != nil || ok {
		t.Fatalf("expected lock held, got ok %v err %v", ok, err)
	}
	expectLocked(t, m, true)

	if err := m.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	expectLocked(t, m, false)
	if ok, err := m.TryAcquire(); err != nil || !ok {
		t.Fatalf("expected lock re-acquired, ok %v err %v", ok, err)
	}
	if err := m.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestMutexTryAcquireHeldByOtherGoroutine(t *testing.T) {
	m := newQuietMutex(t)
	defer m.Close()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := m.Acquire(); err != nil {
			t.Errorf("acquire: %v", err)
		}
		close(held)
		<-release
		if err := m.Release(); err != nil {
			t.Errorf("release: %v", err)
		}
	}()
	<-held

	ok, err := m.TryAcquire()
	close(release)
	<-done
	if err != nil || ok {
		t.Fatalf("expected busy, got ok %v err %v", ok, err)
	}
	expectLocked(t, m, false)
}

func TestMutexIsLockedOnFreeLeavesItFree(t *testing.T) {
	m := newQuietMutex(t)
	defer m.Close()

	expectLocked(t, m, false)
	expectLocked(t, m, false)
	if ok, err := m.TryAcquire(); err != nil || !ok {
		t.Fatalf("expected free lock after isLocked, ok %v err %v", ok, err)
	}
	if err := m.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestMutexAcquireRace(t *testing.T) {
	m := newQuietMutex(t)
	defer m.Close()

	var inside atomic.Int32
	var maxInside atomic.Int32
	first := make(chan struct{})
	proceed := make(chan struct{})
	secondDone := make(chan struct{})

	enter := func() {
		n := inside.Add(1)
		if n > maxInside.Load() {
			maxInside.Store(n)
		}
	}

	go func() {
		if err := m.Acquire(); err != nil {
			t.Errorf("acquire first: %v", err)
		}
		enter()
		close(first)
		<-proceed
		inside.Add(-1)
		if err := m.Release(); err != nil {
			t.Errorf("release first: %v", err)
		}
	}()
	<-first

	go func() {
		if err := m.Acquire(); err != nil {
			t.Errorf("acquire second: %v", err)
		}
		enter()
		inside.Add(-1)
		if err := m.Release(); err != nil {
			t.Errorf("release second: %v", err)
		}
		close(secondDone)
	}()

	select {
	case <-secondDone:
		t.Fatal("second acquire should block while the lock is held")
	case <-time.After(20 * time.Millisecond):
	}

	close(proceed)
	select {
	case <-secondDone:
	case <-time.After(time.Second):
		t.Fatal("second acquire was not woken by release")
	}
	if maxInside.Load() != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside.Load())
	}
	expectLocked(t, m, false)
}

func TestMutexMutualExclusion(t *testing.T) {
	m := newQuietMutex(t)
	defer m.Close()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := m.Do(func() error {
					counter++
					return nil
				}); err != nil {
					t.Errorf("do: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if counter != 16*200 {
		t.Fatalf("expected %d increments, got %d", 16*200, counter)
	}
}

func TestMutexDoJoinsErrors(t *testing.T) {
	m := newQuietMutex(t)
	defer m.Close()

	boom := errors.New("boom")
	err := m.Do(func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	expectLocked(t, m, false)
}

func TestMutexDoReleasesOnPanic(t *testing.T) {
	m := newQuietMutex(t)
	defer m.Close()

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic from fn")
			}
		}()
		_ = m.Do(func() error { panic("tick failed") })
	}()
	expectLocked(t, m, false)
	if err := m.Do(func() error { return nil }); err != nil {
		t.Fatalf("do after panic: %v", err)
	}
}

func TestMutexReleaseNotHeld(t *testing.T) {
	m := newQuietMutex(t)
	defer m.Close()

	expectOpError(t, m.Release(), "release", teleoerrors.ErrNotHeld)
	expectLocked(t, m, false)
}

func TestNewInvalidName(t *testing.T) {
	m, err := New(WithName(""))
	if m != nil {
		t.Fatal("expected no mutex on construct failure")
	}
	expectOpError(t, err, "construct", teleoerrors.ErrInvalidName)
}

func TestNewDefaultName(t *testing.T) {
	a := newQuietMutex(t)
	defer a.Close()
	b := newQuietMutex(t)
	defer b.Close()
	if a.Name() == "" || a.Name() == b.Name() {
		t.Fatalf("expected distinct generated names, got %q and %q", a.Name(), b.Name())
	}
	c := newQuietMutex(t, WithName("agent-state"))
	defer c.Close()
	if c.Name() != "agent-state" {
		t.Fatalf("expected name agent-state, got %q", c.Name())
	}
}

func TestMutexCloseFree(t *testing.T) {
	m := newQuietMutex(t)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMutexCloseHeld(t *testing.T) {
	m := newQuietMutex(t)
	if err := m.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	expectOpError(t, m.Close(), "destroy", teleoerrors.ErrHeld)

	// the failed close leaves the lock usable
	expectLocked(t, m, true)
	if err := m.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close after release: %v", err)
	}
}

func TestMutexUseAfterClose(t *testing.T) {
	m := newQuietMutex(t)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	expectOpError(t, m.Acquire(), "acquire", teleoerrors.ErrClosed)
	expectOpError(t, m.Release(), "release", teleoerrors.ErrClosed)
	_, err := m.TryAcquire()
	expectOpError(t, err, "tryAcquire", teleoerrors.ErrClosed)
	_, err = m.IsLocked()
	expectOpError(t, err, "isLocked", teleoerrors.ErrClosed)
	expectOpError(t, m.Close(), "destroy", teleoerrors.ErrClosed)
}

func TestMutexOperationCounters(t *testing.T) {
	m := newQuietMutex(t)
	defer m.Close()

	busy := metrics.LockOps.WithLabelValues("tryAcquire", metrics.ResultBusy)
	before := testutil.ToFloat64(busy)
	if err := m.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok, _ := m.TryAcquire(); ok {
		t.Fatal("expected busy")
	}
	if err := m.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := testutil.ToFloat64(busy); got != before+1 {
		t.Fatalf("expected busy counter %v, got %v", before+1, got)
	}
}

func TestMutexConstructDestroyDoesNotLeak(t *testing.T) {
	before := testutil.ToFloat64(metrics.OpenLocks)
	for i := 0; i < 1000; i++ {
		m := newQuietMutex(t)
		if err := m.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	if after := testutil.ToFloat64(metrics.OpenLocks); after != before {
		t.Fatalf("expected %v open locks, got %v", before, after)
	}
}
