package occupancy

import (
	"sort"
	"sync"
	"time"

	"beacons/pkg/types"
)

// memoryFeed holds the volatile connection/disconnection events. These
// never touch the database and age out after the retention window (24h).
// The feed is pruned on every mutation.
type memoryFeed struct {
	mu        sync.Mutex
	retention time.Duration
	events    []types.Event
}

func newMemoryFeed(retention time.Duration) *memoryFeed {
	return &memoryFeed{retention: retention}
}

// Append prunes expired events and adds a new one.
func (f *memoryFeed) Append(event types.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prune(time.Now())
	f.events = append(f.events, event)
}

// Snapshot returns the still-retained events, newest first.
func (f *memoryFeed) Snapshot() []types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prune(time.Now())

	out := make([]types.Event, len(f.events))
	copy(out, f.events)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Len returns the number of retained events.
func (f *memoryFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prune(time.Now())
	return len(f.events)
}

// prune drops events older than the retention window. Caller holds f.mu.
func (f *memoryFeed) prune(now time.Time) {
	cutoff := now.Add(-f.retention)
	kept := f.events[:0]
	for _, event := range f.events {
		if event.Timestamp.After(cutoff) {
			kept = append(kept, event)
		}
	}
	f.events = kept
}
