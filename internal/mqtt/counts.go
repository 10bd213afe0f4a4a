package mqtt

import (
	"maps"
	"sync"
	"time"
)

// DailyCounts tallies events by kind and resets at local midnight. It
// is safe for concurrent use.
type DailyCounts struct {
	mu       sync.Mutex
	counts   map[string]int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyCounts creates a counter using loc for midnight detection. If
// loc is nil, [time.Local] is used.
func NewDailyCounts(loc *time.Location) *DailyCounts {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounts{
		counts: make(map[string]int64),
		loc:    loc,
		now:    time.Now,
	}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Record counts one event of kind.
func (d *DailyCounts) Record(kind string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.counts[kind]++
}

// Snapshot returns a copy of today's counts.
func (d *DailyCounts) Snapshot() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return maps.Clone(d.counts)
}

// maybeReset must be called with d.mu held.
func (d *DailyCounts) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		clear(d.counts)
		d.resetDay = today
	}
}
