package session

import (
	"sync"
	"time"
)

// Throttle rate-limits a callback per key. The first call in an idle window
// runs immediately; calls made while the window is open collapse into a
// single trailing call that runs when the window closes. The trailing call
// always runs, so the last update of a burst is never lost.
type Throttle struct {
	interval time.Duration

	mu      sync.Mutex
	windows map[string]*throttleWindow
	stopped bool
}

type throttleWindow struct {
	timer   *time.Timer
	pending func()
}

// NewThrottle creates a throttle with the given window length.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		windows:  make(map[string]*throttleWindow),
	}
}

// Do runs fn now if no window is open for key, otherwise schedules it as
// the trailing call, replacing any previously scheduled one.
func (t *Throttle) Do(key string, fn func()) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if w, ok := t.windows[key]; ok {
		w.pending = fn
		t.mu.Unlock()
		return
	}
	w := &throttleWindow{}
	w.timer = time.AfterFunc(t.interval, func() { t.expire(key, w) })
	t.windows[key] = w
	t.mu.Unlock()

	fn()
}

func (t *Throttle) expire(key string, w *throttleWindow) {
	t.mu.Lock()
	if t.windows[key] != w {
		t.mu.Unlock()
		return
	}
	fn := w.pending
	if fn == nil || t.stopped {
		delete(t.windows, key)
		t.mu.Unlock()
		return
	}
	w.pending = nil
	w.timer = time.AfterFunc(t.interval, func() { t.expire(key, w) })
	t.mu.Unlock()

	fn()
}

// Cancel drops the trailing call scheduled for key, if any. The window stays
// open.
func (t *Throttle) Cancel(key string) {
	t.mu.Lock()
	if w, ok := t.windows[key]; ok {
		w.pending = nil
	}
	t.mu.Unlock()
}

// Flush runs the trailing call for key immediately, if one is scheduled.
func (t *Throttle) Flush(key string) {
	t.mu.Lock()
	w, ok := t.windows[key]
	if !ok || w.pending == nil {
		t.mu.Unlock()
		return
	}
	fn := w.pending
	w.pending = nil
	t.mu.Unlock()

	fn()
}

// Forget closes the window for key and drops its trailing call.
func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	if w, ok := t.windows[key]; ok {
		w.timer.Stop()
		delete(t.windows, key)
	}
	t.mu.Unlock()
}

// Stop flushes every trailing call and disables the throttle.
func (t *Throttle) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	var pending []func()
	for key, w := range t.windows {
		w.timer.Stop()
		if w.pending != nil {
			pending = append(pending, w.pending)
		}
		delete(t.windows, key)
	}
	t.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}
