package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Window represents a fixed window rate limiter.
//
// It admits at most max acquisitions per window. Once the
// window is used up, callers sleep until it elapses and a
// new window starts.
//
// If we can make 500 requests per minute and the 500th
// request is made 20s into the window, the 501st caller
// sleeps for the remaining 40s.
//
// The lock is only held to read and update the window,
// never while sleeping.
type Window struct {
	// max represents the max acquisitions per window.
	max int

	// length is the duration of a window.
	length time.Duration

	// start is when the current window began.
	start time.Time

	// count is the number of acquisitions in
	// the current window.
	count int

	now func() time.Time
	m   sync.Mutex
}

// Opt configures a Window.
type Opt func(w *Window)

// WithWindowLength changes the window length, which is
// a minute by default.
func WithWindowLength(d time.Duration) Opt {
	return func(w *Window) {
		w.length = d
	}
}

// WithClock replaces the clock used to track windows.
func WithClock(now func() time.Time) Opt {
	return func(w *Window) {
		w.now = now
	}
}

// New constructs a Window that admits perMinute
// acquisitions per window.
//
// perMinute must be positive.
func New(perMinute int, opts ...Opt) (*Window, error) {
	if perMinute <= 0 {
		return nil, fmt.Errorf("max requests per minute must be positive, got %d", perMinute)
	}

	w := &Window{
		max:    perMinute,
		length: time.Minute,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.length <= 0 {
		return nil, fmt.Errorf("window length must be positive, got %s", w.length)
	}

	w.start = w.now()

	return w, nil
}

// Acquire blocks until one more acquisition fits in the
// current window.
//
// It returns the context error if ctx is done while waiting,
// in which case nothing was acquired.
func (w *Window) Acquire(ctx context.Context) error {
	for {
		wait := w.tryAcquire()
		if wait <= 0 {
			return nil
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// tryAcquire takes a slot if one is available and returns
// zero, otherwise it returns how long until the window resets.
func (w *Window) tryAcquire() time.Duration {
	w.m.Lock()
	defer w.m.Unlock()

	now := w.now()
	end := w.start.Add(w.length)
	if !now.Before(end) {
		w.start = now
		w.count = 0
		end = now.Add(w.length)
	}

	if w.count < w.max {
		w.count++
		return 0
	}

	return end.Sub(now)
}
