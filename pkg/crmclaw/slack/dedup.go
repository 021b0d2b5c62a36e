package slack

import "sync"

// Deduper remembers recently seen event IDs so webhook redeliveries
// don't spawn duplicate jobs. The set is bounded by periodic Reset
// (scheduled by the server's maintenance cron), which trades a small
// duplicate risk at the reset boundary for a hard memory cap.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduper creates an empty dedup set.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]struct{})}
}

// Seen records id and reports whether it was already present.
func (d *Deduper) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	return false
}

// Reset drops all remembered IDs.
func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]struct{})
}

// Len reports the current set size.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
