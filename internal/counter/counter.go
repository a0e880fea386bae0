// Package counter holds the per-direction crossing counts of a stream.
package counter

import (
	"fmt"
	"sync/atomic"
)

// Counters is a fixed set of monotonically increasing counts keyed by
// direction label. Labels are fixed at construction so the map itself is
// never written after New returns; the counts are atomics and safe to read
// from any goroutine.
type Counters struct {
	labels []string
	counts map[string]*atomic.Uint64
	total  atomic.Uint64
}

// New creates counters for the given direction labels.
func New(labels ...string) *Counters {
	c := &Counters{
		counts: make(map[string]*atomic.Uint64, len(labels)),
	}
	for _, l := range labels {
		if _, dup := c.counts[l]; dup {
			continue
		}
		c.labels = append(c.labels, l)
		c.counts[l] = new(atomic.Uint64)
	}
	return c
}

// Inc adds one to the count for label and returns the new value.
func (c *Counters) Inc(label string) (uint64, error) {
	v, ok := c.counts[label]
	if !ok {
		return 0, fmt.Errorf("unknown direction %q", label)
	}
	n := v.Add(1)
	c.total.Add(1)
	return n, nil
}

// Get returns the current count for label, or 0 for an unknown label.
func (c *Counters) Get(label string) uint64 {
	if v, ok := c.counts[label]; ok {
		return v.Load()
	}
	return 0
}

// Total returns the number of increments across every label.
func (c *Counters) Total() uint64 {
	return c.total.Load()
}

// Labels returns the direction labels in configuration order.
func (c *Counters) Labels() []string {
	out := make([]string, len(c.labels))
	copy(out, c.labels)
	return out
}

// Snapshot returns a copy of every count.
func (c *Counters) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(c.counts))
	for l, v := range c.counts {
		out[l] = v.Load()
	}
	return out
}
