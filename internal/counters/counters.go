// Package counters provides concurrent-safe transfer counters for the session.
package counters

import "sync/atomic"

type counterName int

const (
	// BytesDownloaded is the number of block payload bytes received from peers.
	BytesDownloaded counterName = iota
	// BytesUploaded is the number of block payload bytes served to peers.
	BytesUploaded
	// BytesWasted counts received bytes that were discarded (duplicates, failed hash checks).
	BytesWasted
	numCounters
)

// Counters provides concurrent-safe access over a set of integers.
type Counters [numCounters]int64

// Incr adds value to the named counter.
func (c *Counters) Incr(name counterName, value int64) {
	atomic.AddInt64(&c[name], value)
}

// Read returns the current value of the named counter.
func (c *Counters) Read(name counterName) int64 {
	return atomic.LoadInt64(&c[name])
}
