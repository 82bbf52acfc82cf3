package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"dispatch-system/internal/logger"
)

func TestTickResetsFailuresOnSuccess(t *testing.T) {
	fail := true
	l := New("test", time.Second, func(ctx context.Context) error {
		if fail {
			return errors.New("store down")
		}
		return nil
	}, logger.NewNop())

	for i := 0; i < 2; i++ {
		if err := l.Tick(context.Background()); err == nil {
			t.Fatal("expected tick error")
		}
	}
	if got := l.ConsecutiveFailures(); got != 2 {
		t.Fatalf("expected 2 failures, got %d", got)
	}

	fail = false
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.ConsecutiveFailures(); got != 0 {
		t.Errorf("expected failures reset, got %d", got)
	}
}

func TestFailureThresholdCallback(t *testing.T) {
	var calls []int
	l := New("dispatch", time.Second, func(ctx context.Context) error {
		return errors.New("boom")
	}, logger.NewNop(), WithFailureThreshold(3, func(ctx context.Context, loop string, failures int, lastErr error) {
		if loop != "dispatch" {
			t.Errorf("unexpected loop name %q", loop)
		}
		calls = append(calls, failures)
	}))

	for i := 0; i < 7; i++ {
		_ = l.Tick(context.Background())
	}

	if len(calls) != 2 || calls[0] != 3 || calls[1] != 6 {
		t.Errorf("expected callbacks at 3 and 6, got %v", calls)
	}
}

func TestTickSkippedWhileRunning(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	l := New("slow", time.Second, func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}, logger.NewNop())

	done := make(chan error, 1)
	go func() { done <- l.Tick(context.Background()) }()
	<-entered

	if err := l.Tick(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Errorf("expected ErrTickInProgress, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first tick: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	var ticks atomic.Int32
	fired := make(chan struct{}, 1)
	l := New("fast", 5*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}, logger.NewNop())

	l.Start(context.Background())
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never ticked")
	}
	l.Stop()

	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if ticks.Load() != after {
		t.Error("loop kept ticking after Stop")
	}
}
