// Package waittest provides an in-memory clock and file system for code built
// on package wait.
package waittest

import (
	"sync"
	"time"
)

// Clock is a fake clock. After advances the clock by d and fires at once, so
// polling loops run without real delays while Now still reflects the time
// they would have spent.
type Clock struct {
	mu  sync.Mutex
	now time.Time

	// OnAfter, if set, is called with the new time on every After.
	OnAfter func(now time.Time)
}

// NewClock returns a clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	hook := c.OnAfter
	c.mu.Unlock()

	if hook != nil {
		hook(now)
	}
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Elapsed reports how far the clock has advanced past start.
func (c *Clock) Elapsed(start time.Time) time.Duration {
	return c.Now().Sub(start)
}

// FS is an in-memory wait.FileSystem.
type FS struct {
	mu      sync.Mutex
	files   map[string]bool
	sockets map[string]bool
	removed []string
}

// NewFS returns an empty file system.
func NewFS() *FS {
	return &FS{files: map[string]bool{}, sockets: map[string]bool{}}
}

// Create adds a regular file.
func (f *FS) Create(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = true
}

// CreateSocket adds a unix socket.
func (f *FS) CreateSocket(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sockets[path] = true
}

func (f *FS) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[path]
}

func (f *FS) IsSocket(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sockets[path]
}

func (f *FS) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files[path] || f.sockets[path] {
		f.removed = append(f.removed, path)
	}
	delete(f.files, path)
	delete(f.sockets, path)
	return nil
}

// Removed lists the paths that existed when Remove was called, in order.
func (f *FS) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}
