// Package alloc is the data-block allocator. The data area is split into one
// Layout per CPU; each layout keeps its free blocks as a B-tree of disjoint,
// non-adjacent extents (the gap tree) together with the indicators the
// header manager updates as blocks are validated and invalidated.
//
// Nothing here is persistent. Free space is rebuilt at open from the valid
// flags of the block headers.
package alloc

import (
	"strconv"
	"sync"

	"github.com/google/btree"

	"github.com/marmos91/pmeta/internal/logger"
	"github.com/marmos91/pmeta/pkg/layout"
	"github.com/marmos91/pmeta/pkg/metrics"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

// btreeDegree matches the default used for small in-memory sets.
const btreeDegree = 32

// extent is the half-open block range [start, end).
type extent struct {
	start, end uint64
}

func extentLess(a, b extent) bool { return a.start < b.start }

// Indicators are the per-layout block counters.
type Indicators struct {
	Valid       uint64 // blocks holding a valid header
	Invalidated uint64 // invalidations since open
	Free        uint64 // blocks in the gap tree
}

// Layout owns the contiguous block range [Start, End) for one CPU.
type Layout struct {
	ID    int
	Start uint64
	End   uint64

	mu   sync.Mutex
	gaps *btree.BTreeG[extent]
	ind  Indicators
}

func newLayout(id int, start, end uint64) *Layout {
	l := &Layout{
		ID:    id,
		Start: start,
		End:   end,
		gaps:  btree.NewG(btreeDegree, extentLess),
	}
	l.gaps.ReplaceOrInsert(extent{start, end})
	l.ind.Free = end - start
	return l
}

// take removes and returns the lowest free block.
func (l *Layout) take() (uint64, bool) {
	e, ok := l.gaps.DeleteMin()
	if !ok {
		return 0, false
	}
	blk := e.start
	if e.start+1 < e.end {
		l.gaps.ReplaceOrInsert(extent{e.start + 1, e.end})
	}
	l.ind.Free--
	return blk, true
}

// containing returns the free extent holding blk, if any.
func (l *Layout) containing(blk uint64) (extent, bool) {
	var found extent
	var ok bool
	l.gaps.DescendLessOrEqual(extent{start: blk}, func(e extent) bool {
		if blk < e.end {
			found, ok = e, true
		}
		return false
	})
	return found, ok
}

// insert returns blk to the gap tree, merging with neighbouring extents.
func (l *Layout) insert(blk uint64) error {
	if _, ok := l.containing(blk); ok {
		return pmerr.New(pmerr.CodeInvalidState, "alloc.Free", "block %d is already free", blk)
	}

	merged := extent{blk, blk + 1}
	if prev, ok := l.containing(blk - 1); ok && blk > l.Start {
		l.gaps.Delete(prev)
		merged.start = prev.start
	}
	if next, ok := l.gaps.Get(extent{start: blk + 1}); ok {
		l.gaps.Delete(next)
		merged.end = next.end
	}
	l.gaps.ReplaceOrInsert(merged)
	l.ind.Free++
	return nil
}

// remove carves blk out of the gap tree. It reports false when blk was not
// free.
func (l *Layout) remove(blk uint64) bool {
	e, ok := l.containing(blk)
	if !ok {
		return false
	}
	l.gaps.Delete(e)
	if e.start < blk {
		l.gaps.ReplaceOrInsert(extent{e.start, blk})
	}
	if blk+1 < e.end {
		l.gaps.ReplaceOrInsert(extent{blk + 1, e.end})
	}
	l.ind.Free--
	return true
}

// Gaps returns the number of free extents.
func (l *Layout) Gaps() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gaps.Len()
}

// Indicators returns a snapshot of the layout counters.
func (l *Layout) Indicators() Indicators {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ind
}

// Allocator hands out data blocks from per-CPU layouts.
type Allocator struct {
	layouts  []*Layout
	perCPU   uint64
	blocks   uint64
	metrics  *metrics.Metrics
	cpuLabel []string
}

// New splits the data area of g into one layout per CPU. The last layout
// absorbs the remainder. Every block starts free.
func New(g layout.Geometry, m *metrics.Metrics) (*Allocator, error) {
	if g.CPUs < 1 || g.DataBlocks < uint64(g.CPUs) {
		return nil, pmerr.New(pmerr.CodeInvalidArgument, "alloc.New", "%d data blocks cannot be split across %d cpus", g.DataBlocks, g.CPUs)
	}

	a := &Allocator{
		perCPU:  g.DataBlocks / uint64(g.CPUs),
		blocks:  g.DataBlocks,
		metrics: m,
	}
	for cpu := 0; cpu < g.CPUs; cpu++ {
		start := uint64(cpu) * a.perCPU
		end := start + a.perCPU
		if cpu == g.CPUs-1 {
			end = g.DataBlocks
		}
		a.layouts = append(a.layouts, newLayout(cpu, start, end))
		a.cpuLabel = append(a.cpuLabel, strconv.Itoa(cpu))
	}
	return a, nil
}

// Layouts returns the per-CPU layouts.
func (a *Allocator) Layouts() []*Layout {
	return a.layouts
}

// LayoutOf returns the layout owning blk.
func (a *Allocator) LayoutOf(blk uint64) (*Layout, error) {
	if blk >= a.blocks {
		return nil, pmerr.New(pmerr.CodeOutOfRange, "alloc.LayoutOf", "block %d beyond %d data blocks", blk, a.blocks)
	}
	id := int(blk / a.perCPU)
	if id >= len(a.layouts) {
		id = len(a.layouts) - 1
	}
	return a.layouts[id], nil
}

// Allocate takes a free block, preferring the layout of cpu and falling
// back to the others in order.
func (a *Allocator) Allocate(cpu int) (uint64, error) {
	n := len(a.layouts)
	if cpu < 0 {
		cpu = -cpu
	}
	for i := 0; i < n; i++ {
		l := a.layouts[(cpu+i)%n]
		l.mu.Lock()
		blk, ok := l.take()
		l.mu.Unlock()
		if ok {
			a.publish(l)
			return blk, nil
		}
	}
	return 0, pmerr.New(pmerr.CodeNoSpace, "alloc.Allocate", "no free data blocks")
}

// Free returns blk to its layout without touching the indicators; used to
// hand back a block that was allocated but never validated.
func (a *Allocator) Free(blk uint64) error {
	l, err := a.LayoutOf(blk)
	if err != nil {
		return err
	}
	l.mu.Lock()
	err = l.insert(blk)
	l.mu.Unlock()
	if err == nil {
		a.publish(l)
	}
	return err
}

// MarkUsed removes blk from the free space of its layout and counts it as
// valid. Open calls it for every valid header it finds.
func (a *Allocator) MarkUsed(blk uint64) error {
	l, err := a.LayoutOf(blk)
	if err != nil {
		return err
	}
	l.mu.Lock()
	ok := l.remove(blk)
	if ok {
		l.ind.Valid++
	}
	l.mu.Unlock()
	if !ok {
		return pmerr.New(pmerr.CodeConsistency, "alloc.MarkUsed", "block %d claimed twice", blk)
	}
	a.publish(l)
	return nil
}

// Validated records that blk now carries a valid header.
func (a *Allocator) Validated(blk uint64) {
	l, err := a.LayoutOf(blk)
	if err != nil {
		return
	}
	l.mu.Lock()
	l.ind.Valid++
	l.mu.Unlock()
	a.publish(l)
}

// Invalidated records that blk lost its header and returns it to the gap
// tree.
func (a *Allocator) Invalidated(blk uint64) error {
	l, err := a.LayoutOf(blk)
	if err != nil {
		return err
	}
	l.mu.Lock()
	err = l.insert(blk)
	if err == nil {
		if l.ind.Valid > 0 {
			l.ind.Valid--
		}
		l.ind.Invalidated++
	}
	l.mu.Unlock()
	if err != nil {
		logger.Warn("invalidated block was already free", logger.Block(blk), logger.Err(err))
		return err
	}
	a.publish(l)
	return nil
}

// Totals sums the indicators of every layout.
func (a *Allocator) Totals() Indicators {
	var t Indicators
	for _, l := range a.layouts {
		ind := l.Indicators()
		t.Valid += ind.Valid
		t.Invalidated += ind.Invalidated
		t.Free += ind.Free
	}
	return t
}

func (a *Allocator) publish(l *Layout) {
	if a.metrics == nil {
		return
	}
	ind := l.Indicators()
	a.metrics.SetLayoutBlocks(a.cpuLabel[l.ID], float64(ind.Valid), float64(ind.Invalidated))
}
