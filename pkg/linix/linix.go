// Package linix implements the linear block index: a per-inode array that
// maps a logical block number to the offset of the physical block holding it.
//
// Slots hold base-relative pmem.Offset values, never addresses, so an index
// rebuilt from headers after a remount is valid at any mapping base. A zero
// slot is a hole.
//
// Concurrency: the index is single-writer. The caller holds the owning
// inode's exclusive lock across every Insert and Delete; Get may run
// concurrently with other readers while no mutation is in flight.
package linix

import (
	"time"

	"github.com/marmos91/pmeta/internal/logger"
	"github.com/marmos91/pmeta/pkg/metrics"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

const (
	// DefaultMinSlots is the floor below which an index never shrinks.
	DefaultMinSlots = 64

	// DefaultMaxSlots bounds growth; reaching it is reported as ErrNoSpace.
	DefaultMaxSlots = 1 << 24
)

// Config tunes an Index. Zero values select the defaults.
type Config struct {
	MinSlots uint64
	MaxSlots uint64

	// Region, when set, enables the address-based accessors.
	Region  *pmem.Region
	Metrics *metrics.Metrics
}

// Index is a growable slot array for one inode.
type Index struct {
	slots    []pmem.Offset
	minSlots uint64
	maxSlots uint64
	region   *pmem.Region
	metrics  *metrics.Metrics
}

// New creates an index with the given initial capacity. A capacity of zero
// defers allocation to the first extending insert.
func New(capacity uint64, cfg Config) (*Index, error) {
	if cfg.MinSlots == 0 {
		cfg.MinSlots = DefaultMinSlots
	}
	if cfg.MaxSlots == 0 {
		cfg.MaxSlots = DefaultMaxSlots
	}
	if cfg.MinSlots > cfg.MaxSlots {
		return nil, pmerr.New(pmerr.CodeInvalidArgument, "linix.New", "min slots %d above max slots %d", cfg.MinSlots, cfg.MaxSlots)
	}
	if capacity > cfg.MaxSlots {
		return nil, pmerr.New(pmerr.CodeNoSpace, "linix.New", "capacity %d above max slots %d", capacity, cfg.MaxSlots)
	}

	ix := &Index{
		minSlots: cfg.MinSlots,
		maxSlots: cfg.MaxSlots,
		region:   cfg.Region,
		metrics:  cfg.Metrics,
	}
	if capacity > 0 {
		ix.slots = make([]pmem.Offset, capacity)
	}
	return ix, nil
}

// Capacity returns the current number of slots.
func (ix *Index) Capacity() uint64 {
	return uint64(len(ix.slots))
}

// Get returns the offset mapped at i, or 0 for a hole or an index beyond
// the current capacity.
func (ix *Index) Get(i uint64) pmem.Offset {
	if i >= uint64(len(ix.slots)) {
		return 0
	}
	return ix.slots[i]
}

// Insert maps logical block i to off. With extend set, capacity doubles
// until i fits; without it an out-of-range i fails with ErrOutOfRange. A
// failed growth leaves the index unchanged.
func (ix *Index) Insert(i uint64, off pmem.Offset, extend bool) error {
	const op = "linix.Insert"
	start := time.Now()

	if i >= uint64(len(ix.slots)) {
		if !extend {
			err := pmerr.New(pmerr.CodeOutOfRange, op, "index %d beyond capacity %d", i, len(ix.slots))
			ix.metrics.ObserveOp(metrics.ComponentLinix, "insert", start, err)
			return err
		}
		if err := ix.grow(i); err != nil {
			ix.metrics.ObserveOp(metrics.ComponentLinix, "insert", start, err)
			return err
		}
	}

	ix.slots[i] = off
	ix.metrics.ObserveOp(metrics.ComponentLinix, "insert", start, nil)
	return nil
}

// grow doubles capacity until index i fits. The new array is built aside
// and swapped in only once the target size is known to be reachable.
func (ix *Index) grow(i uint64) error {
	capacity := uint64(len(ix.slots))
	if capacity == 0 {
		capacity = ix.minSlots
	}
	for i >= capacity {
		if capacity > ix.maxSlots/2 {
			return pmerr.New(pmerr.CodeNoSpace, "linix.Insert", "index %d needs more than %d slots", i, ix.maxSlots)
		}
		capacity *= 2
	}

	grown := make([]pmem.Offset, capacity)
	copy(grown, ix.slots)

	logger.Debug("linix grow", logger.Index(i), logger.Capacity(capacity))
	ix.slots = grown
	ix.metrics.ObserveResize("grow")
	return nil
}

// Delete clears slot i. With shrink set, capacity halves once when it is
// above the minimum and lastIndex+1 fits in half of it; slots past the new
// capacity are dropped, so lastIndex must be the highest mapped index.
func (ix *Index) Delete(i, lastIndex uint64, shrink bool) error {
	if i >= uint64(len(ix.slots)) {
		return pmerr.New(pmerr.CodeOutOfRange, "linix.Delete", "index %d beyond capacity %d", i, len(ix.slots))
	}

	ix.slots[i] = 0

	capacity := uint64(len(ix.slots))
	if shrink && capacity > ix.minSlots && lastIndex+1 <= capacity/2 {
		half := max(capacity/2, ix.minSlots)
		shrunk := make([]pmem.Offset, half)
		copy(shrunk, ix.slots[:half])
		ix.slots = shrunk

		logger.Debug("linix shrink", logger.Index(lastIndex), logger.Capacity(half))
		ix.metrics.ObserveResize("shrink")
	}
	return nil
}

// Last returns one past the highest mapped index, or 0 for an empty index.
func (ix *Index) Last() uint64 {
	for i := len(ix.slots) - 1; i >= 0; i-- {
		if ix.slots[i] != 0 {
			return uint64(i) + 1
		}
	}
	return 0
}

// Range calls fn for every mapped slot in ascending order until fn returns
// false.
func (ix *Index) Range(fn func(i uint64, off pmem.Offset) bool) {
	for i, off := range ix.slots {
		if off == 0 {
			continue
		}
		if !fn(uint64(i), off) {
			return
		}
	}
}

// Destroy releases the slot storage. The index is empty afterwards and may
// be reused.
func (ix *Index) Destroy() {
	ix.slots = nil
}

// ============================================================================
// Address accessors
// ============================================================================

// InsertAddr maps i to the block at address a of the configured region.
func (ix *Index) InsertAddr(i uint64, a pmem.Addr, extend bool) error {
	if ix.region == nil {
		return pmerr.New(pmerr.CodeInvalidState, "linix.InsertAddr", "index has no region")
	}
	return ix.Insert(i, ix.region.ToOffset(a), extend)
}

// GetAddr returns the address mapped at i in the current mapping, or 0.
func (ix *Index) GetAddr(i uint64) pmem.Addr {
	if ix.region == nil {
		return 0
	}
	return ix.region.FromOffset(ix.Get(i))
}
