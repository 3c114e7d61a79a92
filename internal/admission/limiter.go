// ABOUTME: Fixed-window admission control for ceremony start endpoints
// ABOUTME: Size-bounded with LRU eviction and background cleanup of stale windows

// Package admission rate-limits ceremony starts per caller so one client
// cannot flood the challenge table.
package admission

import (
	"container/list"
	"sync"
	"time"
)

// Limiter decides whether a caller may start another ceremony right now.
type Limiter interface {
	Allow(key string) bool
}

// WindowLimiter is a fixed-window counter per key. State is bounded by
// maxSize; the least recently active key is evicted when full, and a
// background goroutine drops windows that have lapsed.
type WindowLimiter struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	order   *list.List // front = least recently active
	limit   int
	window  time.Duration
	maxSize int

	done   chan struct{}
	closed bool
}

type windowEntry struct {
	key     string
	count   int
	resetAt time.Time
	element *list.Element
}

// NewWindowLimiter creates a limiter allowing limit calls per window per
// key, tracking at most maxSize keys.
func NewWindowLimiter(limit int, window time.Duration, maxSize int) *WindowLimiter {
	l := &WindowLimiter{
		entries: make(map[string]*windowEntry),
		order:   list.New(),
		limit:   limit,
		window:  window,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether key has budget left in its current window, and
// spends one unit if so.
func (l *WindowLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		if !ok {
			if len(l.entries) >= l.maxSize {
				l.evictOldest()
			}
			entry = &windowEntry{key: key}
			entry.element = l.order.PushBack(entry)
			l.entries[key] = entry
		}
		entry.count = 1
		entry.resetAt = now.Add(l.window)
		l.order.MoveToBack(entry.element)
		return true
	}

	if entry.count >= l.limit {
		return false
	}
	entry.count++
	l.order.MoveToBack(entry.element)
	return true
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (l *WindowLimiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
}

func (l *WindowLimiter) evictOldest() {
	front := l.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*windowEntry)
	l.order.Remove(front)
	delete(l.entries, entry.key)
}

func (l *WindowLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.removeLapsed()
		}
	}
}

func (l *WindowLimiter) removeLapsed() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, entry := range l.entries {
		if now.After(entry.resetAt) {
			l.order.Remove(entry.element)
			delete(l.entries, key)
		}
	}
}
