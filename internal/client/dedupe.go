package client

import (
	"sync"
	"time"
)

// echoFilter suppresses the server's echo of text this client just
// sent. Each sent text earns exactly one suppression inside the
// window; a genuine repeat from the user passes through.
type echoFilter struct {
	mu     sync.Mutex
	window time.Duration
	sent   map[string]time.Time
	now    func() time.Time
}

func newEchoFilter(window time.Duration) *echoFilter {
	return &echoFilter{
		window: window,
		sent:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// MarkSent records text as just sent.
func (f *echoFilter) MarkSent(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[text] = f.now()
}

// Suppress reports whether an incoming text is the echo of a recent
// send. A hit consumes the entry, so the same text is suppressed at
// most once per send.
func (f *echoFilter) Suppress(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	at, ok := f.sent[text]
	if !ok {
		return false
	}
	delete(f.sent, text)
	return f.now().Sub(at) <= f.window
}

// debouncer coalesces repeatable actions: the first call for a key
// passes, repeats within the window are dropped.
type debouncer struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{
		window: window,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether an action keyed by key may fire now.
func (d *debouncer) Allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.last[key]; ok && now.Sub(at) < d.window {
		return false
	}
	d.last[key] = now
	return true
}
