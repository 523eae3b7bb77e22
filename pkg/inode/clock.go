package inode

import "sync/atomic"

// Clock hands out monotonically increasing version stamps for headers,
// attribute-log entries and inode records.
type Clock struct {
	last atomic.Uint64
}

// Next returns a stamp greater than every stamp issued or observed so far.
func (c *Clock) Next() uint64 {
	return c.last.Add(1)
}

// Observe raises the clock to at least ts. Open feeds it every stamp found
// on media so new stamps sort after them.
func (c *Clock) Observe(ts uint64) {
	for {
		cur := c.last.Load()
		if ts <= cur || c.last.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// Last returns the most recent stamp.
func (c *Clock) Last() uint64 {
	return c.last.Load()
}
