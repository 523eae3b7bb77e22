package pmem

import "errors"

// ErrRegionClosed is returned when operations are attempted on a closed region.
var ErrRegionClosed = errors.New("region is closed")

// NewMemory returns a zeroed region backed by ordinary process memory.
// Flushes and fences are counted but have no durability effect; it is meant
// for tests and for dry-run tooling.
func NewMemory(size uint64) *Region {
	return newRegion(make([]byte, size), nil)
}

// Remap returns a new region over a copy of r's current contents, mapped at
// a different base address. It simulates a remount: every Offset stored in r
// must resolve identically in the copy.
func Remap(r *Region) *Region {
	data := make([]byte, len(r.data))
	copy(data, r.data)
	return newRegion(data, nil)
}
