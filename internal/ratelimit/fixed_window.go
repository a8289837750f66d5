package ratelimit

import (
	"context"
	"sync"
	"time"
)

// FixedWindow is an in-process limiter. Each identity gets a window that
// opens on its first request and lasts cfg.Window; the count resets when a
// request arrives after the window has elapsed.
type FixedWindow struct {
	mu      sync.Mutex
	windows map[string]*window
	cfg     *Config
	now     func() time.Time
}

type window struct {
	count int
	start time.Time
}

// NewFixedWindow creates an in-process limiter.
func NewFixedWindow(cfg *Config) *FixedWindow {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &FixedWindow{
		windows: make(map[string]*window),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Check counts the request and reports whether it is within the limit.
// Rejected requests still count.
func (fw *FixedWindow) Check(_ context.Context, identity string) (*LimitResult, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := fw.now()
	w, ok := fw.windows[identity]
	if !ok || now.Sub(w.start) >= fw.cfg.Window {
		w = &window{start: now}
		fw.windows[identity] = w
	}
	w.count++

	return newResult(identity, w.count, fw.cfg.Limit, fw.cfg.Window, w.start.Add(fw.cfg.Window), now), nil
}

// Reset forgets identity's window.
func (fw *FixedWindow) Reset(identity string) {
	fw.mu.Lock()
	delete(fw.windows, identity)
	fw.mu.Unlock()
}

// Run drops elapsed windows periodically until ctx is done.
func (fw *FixedWindow) Run(ctx context.Context) error {
	ticker := time.NewTicker(fw.cfg.cleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fw.cleanup()
		case <-ctx.Done():
			return nil
		}
	}
}

func (fw *FixedWindow) cleanup() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := fw.now()
	removed := 0
	for id, w := range fw.windows {
		if now.Sub(w.start) >= fw.cfg.Window {
			delete(fw.windows, id)
			removed++
		}
	}
	return removed
}

// WindowCount returns the number of tracked identities.
func (fw *FixedWindow) WindowCount() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.windows)
}

func (fw *FixedWindow) Close() error { return nil }

func (fw *FixedWindow) Name() string { return BackendMemory }
