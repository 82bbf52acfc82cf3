package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"dispatch-system/internal/logger"
	"dispatch-system/internal/metrics"

	"github.com/sirupsen/logrus"
)

// ErrTickInProgress is returned by Tick when the previous tick has not finished.
var ErrTickInProgress = errors.New("tick already in progress")

// TickFunc is one pass of a periodic loop.
type TickFunc func(ctx context.Context) error

// FailureFunc is called when a loop reaches its consecutive failure threshold.
type FailureFunc func(ctx context.Context, loop string, failures int, lastErr error)

// Loop runs a TickFunc at a fixed rate until stopped. A tick that is still
// running when the next one is due causes that next tick to be skipped.
type Loop struct {
	name     string
	interval time.Duration
	tick     TickFunc
	log      *logrus.Entry

	threshold int
	onFailure FailureFunc

	running  atomic.Bool
	mu       sync.Mutex
	failures int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Loop.
type Option func(*Loop)

// WithFailureThreshold calls fn once every time n ticks in a row have failed.
func WithFailureThreshold(n int, fn FailureFunc) Option {
	return func(l *Loop) {
		l.threshold = n
		l.onFailure = fn
	}
}

// New creates a stopped loop.
func New(name string, interval time.Duration, tick TickFunc, log *logger.Logger, opts ...Option) *Loop {
	l := &Loop{
		name:     name,
		interval: interval,
		tick:     tick,
		log:      log.Component("scheduler").WithField("loop", name),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Start launches the ticker goroutine. The loop ends when ctx is cancelled or
// Stop is called.
func (l *Loop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !l.running.CompareAndSwap(false, true) {
					metrics.RecordLoopSkipped(l.name)
					l.log.Warn("Previous tick still running, skipping")
					continue
				}
				l.wg.Add(1)
				go func() {
					defer l.wg.Done()
					defer l.running.Store(false)
					l.run(ctx)
				}()
			}
		}
	}()

	l.log.WithField("interval", l.interval).Info("Loop started")
}

// Stop cancels the loop and waits for an in-progress tick to return.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.log.Info("Loop stopped")
}

// Tick runs one pass synchronously. It is what the ticker calls and what
// tests and the CLI use to single-step a loop.
func (l *Loop) Tick(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrTickInProgress
	}
	defer l.running.Store(false)
	return l.run(ctx)
}

// ConsecutiveFailures returns the current run of failed ticks.
func (l *Loop) ConsecutiveFailures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

func (l *Loop) run(ctx context.Context) error {
	start := time.Now()
	err := l.tick(ctx)
	metrics.RecordLoopTick(l.name, err, time.Since(start))

	l.mu.Lock()
	if err == nil {
		l.failures = 0
		l.mu.Unlock()
		metrics.LoopConsecutiveFailures.WithLabelValues(l.name).Set(0)
		l.log.WithField("duration", time.Since(start)).Debug("Tick completed")
		return nil
	}
	l.failures++
	failures := l.failures
	l.mu.Unlock()

	metrics.LoopConsecutiveFailures.WithLabelValues(l.name).Set(float64(failures))
	l.log.WithError(err).WithField("consecutive_failures", failures).Error("Tick failed")

	if l.onFailure != nil && l.threshold > 0 && failures%l.threshold == 0 {
		l.onFailure(ctx, l.name, failures, err)
	}
	return err
}
