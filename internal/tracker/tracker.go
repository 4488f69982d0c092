// Package tracker suppresses repeated Instant Readout frames per device.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// minJanitorInterval bounds how often Run sweeps for idle devices.
const minJanitorInterval = time.Second

// Entry is the last accepted counter for one MAC address.
type Entry struct {
	MAC       string    `json:"mac"`
	Counter   uint16    `json:"counter"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Accepted  int64     `json:"accepted"`
	Dropped   int64     `json:"dropped"`
}

// DuplicateTracker remembers the last accepted frame counter per MAC. Entries
// are created on the first accepted frame and live until evicted.
type DuplicateTracker struct {
	mutex        sync.Mutex
	entries      map[string]*Entry
	idleEviction time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

// New creates a tracker. An idleEviction of zero keeps entries for the
// process lifetime.
func New(idleEviction time.Duration, logger zerolog.Logger) *DuplicateTracker {
	return &DuplicateTracker{
		entries:      make(map[string]*Entry),
		idleEviction: idleEviction,
		now:          time.Now,
		logger:       logger.With().Str("component", "tracker").Logger(),
	}
}

// IsDuplicate reports whether counter equals the last accepted counter for
// mac. It does not modify the tracker apart from the drop statistics.
func (t *DuplicateTracker) IsDuplicate(mac string, counter uint16) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	e, ok := t.entries[mac]
	if !ok || e.Counter != counter {
		return false
	}
	e.Dropped++
	return true
}

// Accept records counter as the last one seen for mac. It returns false, and
// leaves the entry untouched, when counter repeats the stored value. The check
// and the update happen under one lock so concurrent callers for the same
// frame see exactly one success.
func (t *DuplicateTracker) Accept(mac string, counter uint16) bool {
	now := t.now()

	t.mutex.Lock()
	defer t.mutex.Unlock()

	e, ok := t.entries[mac]
	if !ok {
		t.entries[mac] = &Entry{
			MAC:       mac,
			Counter:   counter,
			FirstSeen: now,
			LastSeen:  now,
			Accepted:  1,
		}
		return true
	}
	if e.Counter == counter {
		e.Dropped++
		return false
	}
	e.Counter = counter
	e.LastSeen = now
	e.Accepted++
	return true
}

// Len returns the number of tracked devices.
func (t *DuplicateTracker) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.entries)
}

// Entries returns copies of all entries ordered by MAC.
func (t *DuplicateTracker) Entries() []Entry {
	t.mutex.Lock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mutex.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// Evict removes entries not updated within the idle eviction window and
// returns how many were removed.
func (t *DuplicateTracker) Evict() int {
	if t.idleEviction <= 0 {
		return 0
	}
	cutoff := t.now().Add(-t.idleEviction)

	t.mutex.Lock()
	defer t.mutex.Unlock()

	evicted := 0
	for mac, e := range t.entries {
		if e.LastSeen.Before(cutoff) {
			delete(t.entries, mac)
			evicted++
		}
	}
	return evicted
}

// Run sweeps idle entries until ctx is cancelled. It returns immediately when
// eviction is disabled.
func (t *DuplicateTracker) Run(ctx context.Context) {
	if t.idleEviction <= 0 {
		return
	}

	interval := t.idleEviction / 2
	if interval < minJanitorInterval {
		interval = minJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Evict(); n > 0 {
				t.logger.Debug().Int("evicted", n).Int("remaining", t.Len()).Msg("Evicted idle devices")
			}
		}
	}
}
