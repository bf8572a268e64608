package orchestrate

import (
	"sync"
	"time"
)

// DedupeSet remembers recently processed dedupe keys for a bounded TTL
// window. Duplicate tasks inside the window are dropped silently.
type DedupeSet struct {
	mu      sync.Mutex
	ttl     time.Duration
	seen    map[string]time.Time
	nowFunc func() time.Time
}

func NewDedupeSet(ttl time.Duration) *DedupeSet {
	return &DedupeSet{
		ttl:     ttl,
		seen:    map[string]time.Time{},
		nowFunc: time.Now,
	}
}

// Seen reports whether key was marked within the TTL window. Expired
// entries are pruned lazily as they are encountered.
func (d *DedupeSet) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.seen[key]
	if !ok {
		return false
	}
	if d.nowFunc().Sub(at) > d.ttl {
		delete(d.seen, key)
		return false
	}
	return true
}

// Mark records key as processed at the current time.
func (d *DedupeSet) Mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = d.nowFunc()
}

// Prune drops every expired entry. Called on the heartbeat so the set stays
// bounded even for keys never queried again.
func (d *DedupeSet) Prune() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFunc()
	for key, at := range d.seen {
		if now.Sub(at) > d.ttl {
			delete(d.seen, key)
		}
	}
}

func (d *DedupeSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
