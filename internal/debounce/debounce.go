// Package debounce settles a rapidly changing value after a quiet period.
package debounce

import (
	"sync"
	"time"
)

// DefaultDelay is the quiet period used by the dashboard search box.
const DefaultDelay = 300 * time.Millisecond

// Timer is the part of *time.Timer the debouncer needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it once adapted.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type options struct {
	afterFunc AfterFunc
}

// Option configures a Debouncer.
type Option func(*options)

// WithAfterFunc replaces the timer source. Used by tests.
func WithAfterFunc(f AfterFunc) Option {
	return func(o *options) { o.afterFunc = f }
}

// Debouncer holds the last settled value of an input. Every Set restarts the
// quiet period; only a value that stays unchanged for the full delay settles.
//
// Each Set bumps a generation counter and the scheduled callback carries the
// generation it was armed with, so a timer that fires after being superseded
// (Stop lost the race) is a no-op.
type Debouncer[T any] struct {
	mu        sync.Mutex
	settled   T
	delay     time.Duration
	timer     Timer
	gen       uint64
	stopped   bool
	onSettle  func(T)
	afterFunc AfterFunc
}

// New returns a Debouncer whose value starts at initial. onSettle, when
// non-nil, runs on the timer goroutine each time a value settles.
func New[T any](initial T, delay time.Duration, onSettle func(T), opts ...Option) *Debouncer[T] {
	o := options{afterFunc: realAfterFunc}
	for _, opt := range opts {
		opt(&o)
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Debouncer[T]{
		settled:   initial,
		delay:     delay,
		onSettle:  onSettle,
		afterFunc: o.afterFunc,
	}
}

// Set records a new input value and restarts the quiet period. Calls after
// Stop are ignored.
func (d *Debouncer[T]) Set(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.afterFunc(d.delay, func() { d.fire(gen, v) })
}

func (d *Debouncer[T]) fire(gen uint64, v T) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.settled = v
	d.timer = nil
	onSettle := d.onSettle
	d.mu.Unlock()

	if onSettle != nil {
		onSettle(v)
	}
}

// Value returns the last settled value.
func (d *Debouncer[T]) Value() T {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// Pending reports whether a value is waiting out its quiet period.
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop cancels any pending emission. Nothing settles after Stop returns.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
