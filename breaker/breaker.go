// Package breaker implements a circuit breaker with a rolling failure
// window. One Breaker guards one external operation: failures in one
// operation never trip the breaker of another.
package breaker

import (
	"chat-relay/errors"
	"context"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Observer is notified of every state transition with a fixed set of
// variants. No string-keyed event dispatch.
type Observer interface {
	OnStateChange(name string, from, to State)
}

type Config struct {
	// Timeout bounds a single dependency call. A call exceeding it is
	// counted as a failure and its late response is discarded.
	Timeout time.Duration
	// ErrorThresholdPct is the failure percentage over the rolling
	// window that opens the circuit.
	ErrorThresholdPct int
	// ResetTimeout is how long the circuit stays open before allowing
	// a half-open trial.
	ResetTimeout time.Duration
	// RollingWindow is the total observed time span, split into
	// RollingBuckets fixed-size buckets.
	RollingWindow  time.Duration
	RollingBuckets int
	// MinSamples is the minimum number of outcomes in the window
	// before the threshold is evaluated.
	MinSamples int
}

func DefaultConfig() Config {
	return Config{
		Timeout:           3 * time.Second,
		ErrorThresholdPct: 50,
		ResetTimeout:      30 * time.Second,
		RollingWindow:     10 * time.Second,
		RollingBuckets:    10,
		MinSamples:        5,
	}
}

// Stats are cumulative counters for health reporting. They are never
// reset by state transitions, unlike the rolling window.
type Stats struct {
	Successes uint64 `json:"successes"`
	Failures  uint64 `json:"failures"`
	Timeouts  uint64 `json:"timeouts"`
	Rejects   uint64 `json:"rejects"`
}

type bucket struct {
	successes int
	failures  int
}

// Breaker is shared by every concurrent caller of one operation.
// All window accounting and state transitions happen under one mutex so
// that samples are never lost and at most one half-open trial is ever
// in flight.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	openUntil     time.Time
	trialInFlight bool
	buckets       []bucket
	bucketIdx     int
	bucketStart   time.Time
	stats         Stats

	observers []Observer
}

func New(name string, cfg Config, observers ...Observer) *Breaker {
	if cfg.RollingBuckets <= 0 {
		cfg.RollingBuckets = 10
	}
	return &Breaker{
		name:        name,
		cfg:         cfg,
		state:       Closed,
		buckets:     make([]bucket, cfg.RollingBuckets),
		bucketStart: time.Now(),
		observers:   observers,
	}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Healthy reports whether the operation behind this breaker is usable
// without restriction. Any state other than Closed is degraded.
func (b *Breaker) Healthy() bool {
	return b.State() == Closed
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

type callMode int

const (
	modeNormal callMode = iota
	modeTrial
)

type transition struct {
	from, to State
}

// Execute runs fn under the breaker policy. It either returns fn's
// result, or fails fast with ErrServiceUnavailable without invoking fn,
// or returns ErrCallTimeout when fn exceeds the configured budget.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	mode, err := b.allow()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	// The buffered channel lets a late goroutine finish and be
	// discarded after the timeout already returned to the caller.
	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	var callErr error
	timedOut := false
	select {
	case callErr = <-done:
	case <-callCtx.Done():
		timedOut = true
		callErr = fmt.Errorf("%w: %s after %s", errors.ErrCallTimeout, b.name, b.cfg.Timeout)
	}

	b.record(mode, callErr == nil, timedOut)
	return callErr
}

// Do is Execute for calls that produce a result.
func Do[T any](b *Breaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// allow decides whether the call may reach the dependency.
// Open circuits reject until openUntil, then a single trial passes.
// Concurrent callers during an in-flight trial are rejected as well.
func (b *Breaker) allow() (callMode, error) {
	b.mu.Lock()
	var tr *transition

	switch b.state {
	case Open:
		if time.Now().Before(b.openUntil) {
			b.stats.Rejects++
			b.mu.Unlock()
			return 0, b.unavailable()
		}
		tr = b.setState(HalfOpen)
		b.trialInFlight = true
		b.mu.Unlock()
		b.notify(tr)
		return modeTrial, nil

	case HalfOpen:
		if b.trialInFlight {
			b.stats.Rejects++
			b.mu.Unlock()
			return 0, b.unavailable()
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return modeTrial, nil

	default:
		b.mu.Unlock()
		return modeNormal, nil
	}
}

// record accounts one outcome and applies the resulting transition,
// if any. While the circuit is open no window accounting happens.
func (b *Breaker) record(mode callMode, success, timedOut bool) {
	b.mu.Lock()
	var tr *transition

	if success {
		b.stats.Successes++
	} else if timedOut {
		b.stats.Timeouts++
		b.stats.Failures++
	} else {
		b.stats.Failures++
	}

	if mode == modeTrial {
		b.trialInFlight = false
		if b.state == HalfOpen {
			if success {
				tr = b.setState(Closed)
				b.resetWindow()
			} else {
				tr = b.setState(Open)
				b.openUntil = time.Now().Add(b.cfg.ResetTimeout)
			}
		}
		b.mu.Unlock()
		b.notify(tr)
		return
	}

	if b.state == Closed {
		b.rotateBuckets()
		if success {
			b.buckets[b.bucketIdx].successes++
		} else {
			b.buckets[b.bucketIdx].failures++
		}
		if b.shouldTrip() {
			tr = b.setState(Open)
			b.openUntil = time.Now().Add(b.cfg.ResetTimeout)
		}
	}
	b.mu.Unlock()
	b.notify(tr)
}

// rotateBuckets advances the ring so the current bucket covers now.
// Buckets older than the rolling window are cleared. Must hold mu.
func (b *Breaker) rotateBuckets() {
	width := b.cfg.RollingWindow / time.Duration(len(b.buckets))
	if width <= 0 {
		return
	}
	steps := int(time.Since(b.bucketStart) / width)
	if steps <= 0 {
		return
	}
	if steps >= len(b.buckets) {
		b.resetWindow()
		return
	}
	for i := 0; i < steps; i++ {
		b.bucketIdx = (b.bucketIdx + 1) % len(b.buckets)
		b.buckets[b.bucketIdx] = bucket{}
	}
	b.bucketStart = b.bucketStart.Add(time.Duration(steps) * width)
}

func (b *Breaker) resetWindow() {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
	b.bucketIdx = 0
	b.bucketStart = time.Now()
}

// shouldTrip evaluates the rolling failure rate. Must hold mu.
func (b *Breaker) shouldTrip() bool {
	var successes, failures int
	for _, bk := range b.buckets {
		successes += bk.successes
		failures += bk.failures
	}
	total := successes + failures
	if total < b.cfg.MinSamples {
		return false
	}
	return failures*100 >= b.cfg.ErrorThresholdPct*total
}

// setState mutates the state and returns the transition for observers.
// Must hold mu. Observers are notified after the lock is released.
func (b *Breaker) setState(to State) *transition {
	if b.state == to {
		return nil
	}
	tr := &transition{from: b.state, to: to}
	b.state = to
	return tr
}

func (b *Breaker) notify(tr *transition) {
	if tr == nil {
		return
	}
	for _, o := range b.observers {
		o.OnStateChange(b.name, tr.from, tr.to)
	}
}

func (b *Breaker) unavailable() error {
	return fmt.Errorf("%w: %s circuit open", errors.ErrServiceUnavailable, b.name)
}
