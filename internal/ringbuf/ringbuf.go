// internal/ringbuf/ringbuf.go
package ringbuf

import "sync"

// Buffer is a fixed-capacity, concurrency-safe ring that keeps the most recent
// entries. Once full, each Push overwrites the oldest entry.
type Buffer[T any] struct {
	mu    sync.Mutex
	items []T
	next  int
	full  bool
}

// New creates a buffer holding up to capacity entries. A non-positive capacity
// yields a buffer that discards everything.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push records v, evicting the oldest entry when the buffer is full.
func (b *Buffer[T]) Push(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return
	}
	b.items[b.next] = v
	b.next = (b.next + 1) % len(b.items)
	if b.next == 0 {
		b.full = true
	}
}

// Snapshot returns a copy of the retained entries, oldest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]T, b.next)
		copy(out, b.items[:b.next])
		return out
	}
	out := make([]T, 0, len(b.items))
	out = append(out, b.items[b.next:]...)
	return append(out, b.items[:b.next]...)
}

// Len reports how many entries are currently retained.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.items)
	}
	return b.next
}

// Cap reports the maximum number of retained entries.
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}
