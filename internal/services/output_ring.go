package services

import (
	"sync"
	"time"
)

// OutputChunk is one read from the attachment process
type OutputChunk struct {
	Timestamp time.Time `json:"timestamp"`
	Data      []byte    `json:"data"`
}

// outputRing keeps the most recent capacity chunks. Storage grows on demand
// up to capacity and is then reused circularly.
type outputRing struct {
	mu       sync.RWMutex
	capacity int
	chunks   []OutputChunk
	start    int
}

func newOutputRing(capacity int) *outputRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &outputRing{capacity: capacity}
}

func (r *outputRing) Append(chunk OutputChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.chunks) < r.capacity {
		r.chunks = append(r.chunks, chunk)
		return
	}
	r.chunks[r.start] = chunk
	r.start = (r.start + 1) % r.capacity
}

func (r *outputRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chunks)
}

// Tail returns up to limit of the newest chunks, oldest first. limit <= 0
// returns everything.
func (r *outputRing) Tail(limit int) []OutputChunk {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.chunks)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]OutputChunk, 0, limit)
	for i := n - limit; i < n; i++ {
		out = append(out, r.chunks[(r.start+i)%n])
	}
	return out
}
