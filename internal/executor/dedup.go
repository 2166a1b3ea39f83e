package executor

import (
	"sync"
	"time"
)

// Dedup remembers op ids that reached a terminal state so a stale pending
// read cannot run them twice. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup that forgets ids after ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Seen reports whether id was marked within the TTL.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	ts, ok := d.seen[id]
	return ok && time.Since(ts) < d.ttl
}

// Mark records id as finished.
func (d *Dedup) Mark(id string) {
	d.mu.Lock()
	d.seen[id] = time.Now()
	d.mu.Unlock()
}

// Cleanup drops expired entries.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
