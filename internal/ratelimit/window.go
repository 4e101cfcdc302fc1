package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCapacity is returned when the window limiter tracks too many keys.
var ErrCapacity = errors.New("ratelimit: capacity exceeded")

type windowBucket struct {
	count     int
	windowEnd time.Time
}

// Window is a fixed-window counter kept in process memory.
type Window struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	maxKeys int
	now     func() time.Time
	data    map[string]*windowBucket
}

// WindowOption configures Window.
type WindowOption func(*Window)

// WithMaxKeys bounds memory use. Default 10000.
func WithMaxKeys(n int) WindowOption {
	return func(w *Window) {
		if n > 0 {
			w.maxKeys = n
		}
	}
}

// WithWindowClock overrides time.Now.
func WithWindowClock(fn func() time.Time) WindowOption {
	return func(w *Window) {
		if fn != nil {
			w.now = fn
		}
	}
}

// NewWindow admits limit events per key in every window. A non-positive
// limit admits everything.
func NewWindow(limit int, window time.Duration, opts ...WindowOption) *Window {
	if window <= 0 {
		window = time.Second
	}
	w := &Window{
		limit:   limit,
		window:  window,
		maxKeys: 10000,
		now:     time.Now,
		data:    make(map[string]*windowBucket),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Window) Allow(_ context.Context, key string) (Decision, error) {
	if w.limit <= 0 {
		return Decision{Allowed: true, Limit: w.limit, Remaining: w.limit}, nil
	}
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	bucket, ok := w.data[key]
	if !ok || now.After(bucket.windowEnd) {
		if !ok && len(w.data) >= w.maxKeys {
			w.gc(now)
			if len(w.data) >= w.maxKeys {
				return Decision{}, ErrCapacity
			}
		}
		bucket = &windowBucket{windowEnd: now.Add(w.window)}
		w.data[key] = bucket
	}
	if bucket.count < w.limit {
		bucket.count++
		return Decision{Allowed: true, Limit: w.limit, Remaining: w.limit - bucket.count, ResetAt: bucket.windowEnd}, nil
	}
	return Decision{Limit: w.limit, ResetAt: bucket.windowEnd}, nil
}

// Reset forgets key, e.g. after a successful login.
func (w *Window) Reset(key string) {
	w.mu.Lock()
	delete(w.data, key)
	w.mu.Unlock()
}

func (w *Window) gc(now time.Time) {
	for key, bucket := range w.data {
		if now.After(bucket.windowEnd) {
			delete(w.data, key)
		}
	}
}
