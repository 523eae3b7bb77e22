// Package meta manages the per-block summary headers and the validity chain
// that links the valid headers of each inode.
//
// Every data block has one fixed-size header, either in the summary array
// or (tight layout) in the last bytes of the block itself. A valid header
// names its owner inode, the logical block it holds and a version stamp,
// and is protected by a checksum. The valid headers of an inode form a
// singly linked chain rooted at an in-memory ChainRoot.
//
// Ordering on media:
//
//	Validate:   content -> chain link -> checksum + valid -> flush
//	Invalidate: unlink from predecessor + flush -> valid := 0 + flush -> free
//
// A crash between steps leaves either an unreachable header or a reachable
// header that is still valid; both are resolved when chains are rebuilt.
//
// Concurrency: mutations of one inode's chain are serialized by the caller.
// Header bytes are guarded by striped locks so unrelated inodes sharing a
// cache line never interleave partial writes.
package meta

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/pmeta/internal/logger"
	"github.com/marmos91/pmeta/pkg/layout"
	"github.com/marmos91/pmeta/pkg/metrics"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

const lockStripes = 64

// Precondition states what the caller guarantees about a block passed to
// DeleteSync.
type Precondition int

const (
	// Unlinked: the block is no longer reachable from any chain.
	Unlinked Precondition = iota
	// NeedsUnlink: the block may still be linked. DeleteSync rejects it;
	// use Invalidate instead.
	NeedsUnlink
)

func (p Precondition) String() string {
	switch p {
	case Unlinked:
		return "unlinked"
	case NeedsUnlink:
		return "needs-unlink"
	default:
		return fmt.Sprintf("Precondition(%d)", int(p))
	}
}

// BlockTracker receives validity transitions; the allocator implements it.
type BlockTracker interface {
	Validated(blk uint64)
	Invalidated(blk uint64) error
}

// Manager owns the header area of a region.
type Manager struct {
	Addressing

	r       *pmem.Region
	g       layout.Geometry
	roots   *CommitTable
	tracker BlockTracker
	metrics *metrics.Metrics

	locks    [lockStripes]sync.Mutex
	readOnly atomic.Bool
}

// NewManager creates a header manager. tracker and m may be nil.
func NewManager(r *pmem.Region, g layout.Geometry, roots *CommitTable, tracker BlockTracker, m *metrics.Metrics) *Manager {
	if roots == nil {
		roots = NewCommitTable()
	}
	return &Manager{
		Addressing: NewAddressing(g),
		r:          r,
		g:          g,
		roots:      roots,
		tracker:    tracker,
		metrics:    m,
	}
}

// Roots returns the commit table holding the chain roots.
func (m *Manager) Roots() *CommitTable { return m.roots }

// ReadOnly reports whether corruption has latched the header area.
func (m *Manager) ReadOnly() bool { return m.readOnly.Load() }

// Format marks every header invalid.
func (m *Manager) Format() {
	if !m.g.Tight {
		m.r.Zero(m.g.Headers, m.g.DataBlocks*layout.HeaderSize)
		return
	}
	for blk := uint64(0); blk < m.g.DataBlocks; blk++ {
		m.r.Zero(m.HeaderByBlock(blk), layout.HeaderSize)
	}
}

func (m *Manager) lockFor(hdr pmem.Offset) *sync.Mutex {
	return &m.locks[(uint64(hdr)/layout.HeaderSize)%lockStripes]
}

// Read decodes the header of the block at addr without verifying it.
func (m *Manager) Read(addr pmem.Offset) (Header, error) {
	hdr, err := m.HeaderByAddr(addr)
	if err != nil {
		return Header{}, err
	}
	return readHeader(m.r, hdr), nil
}

// ReadBlock decodes the header of data block blk.
func (m *Manager) ReadBlock(blk uint64) Header {
	return readHeader(m.r, m.HeaderByBlock(blk))
}

// Verify decodes the header at addr and checks its checksum. An invalid
// header verifies trivially. A mismatch on a valid header latches the
// manager read-only.
func (m *Manager) Verify(addr pmem.Offset) (Header, error) {
	h, err := m.Read(addr)
	if err != nil {
		return Header{}, err
	}
	if h.Valid && Checksum(h) != h.CRC {
		return h, m.corrupted("meta.Verify", addr, "checksum %#08x, stored %#08x", Checksum(h), h.CRC)
	}
	return h, nil
}

// corrupted logs a consistency violation, latches the manager and returns
// the error to surface.
func (m *Manager) corrupted(op string, addr pmem.Offset, format string, args ...any) error {
	err := pmerr.AtOffset(pmerr.CodeConsistency, op, uint64(addr), format, args...)
	if m.readOnly.CompareAndSwap(false, true) {
		logger.Error("header area latched read-only", logger.Offset(addr), logger.Err(err))
	}
	m.metrics.ObserveConsistencyViolation(metrics.ComponentMeta)
	return err
}

func (m *Manager) checkWritable(op string) error {
	if m.readOnly.Load() {
		return pmerr.New(pmerr.CodeConsistency, op, "header area is read-only after corruption")
	}
	return nil
}

// resolve returns the forward link named by ref. Header endpoints must be
// valid headers of ino with an intact checksum.
func (m *Manager) resolve(op string, ref ChainRef, root *ChainRoot) (link, pmem.Offset, error) {
	if ref.IsRoot() {
		return root, 0, nil
	}
	hdr, err := m.HeaderByAddr(ref.addr)
	if err != nil {
		return nil, 0, err
	}
	h := readHeader(m.r, hdr)
	if !h.Valid || h.Ino != root.Ino {
		return nil, 0, pmerr.AtOffset(pmerr.CodeInvalidArgument, op, uint64(ref.addr), "neighbour is not a valid header of inode %d", root.Ino)
	}
	if Checksum(h) != h.CRC {
		return nil, 0, m.corrupted(op, ref.addr, "neighbour checksum mismatch")
	}
	return headerLink{r: m.r, hdr: hdr}, hdr, nil
}

// Validate publishes the header of the block at addr for inode ino and
// splices it between prev and next. prev must currently link to next.
func (m *Manager) Validate(prev ChainRef, addr pmem.Offset, next ChainRef, ino, fblk, tstamp, size uint64, cmtime uint32) (err error) {
	const op = "meta.Validate"
	start := time.Now()
	defer func() { m.metrics.ObserveOp(metrics.ComponentMeta, "validate", start, err) }()

	if err := m.checkWritable(op); err != nil {
		return err
	}
	hdr, err := m.HeaderByAddr(addr)
	if err != nil {
		return err
	}

	root := m.roots.Lookup(ino)
	prevLink, _, err := m.resolve(op, prev, root)
	if err != nil {
		return err
	}
	_, nextHdr, err := m.resolve(op, next, root)
	if err != nil {
		return err
	}
	if prevLink.next() != nextHdr {
		return pmerr.AtOffset(pmerr.CodeInvalidArgument, op, uint64(addr), "predecessor links to %#x, not %#x", prevLink.next(), nextHdr)
	}

	mu := m.lockFor(hdr)
	mu.Lock()
	defer mu.Unlock()

	r := m.r
	r.PutUint8(hdr+hOffValid, 0)
	r.PutUint64(hdr+hOffIno, ino)
	r.PutUint64(hdr+hOffTstamp, tstamp)
	r.PutUint64(hdr+hOffFBlk, fblk)
	r.PutUint32(hdr+hOffCmtime, cmtime)
	r.PutUint64(hdr+hOffSize, size)

	headerLink{r: r, hdr: hdr}.setNext(nextHdr)
	prevLink.setNext(hdr)

	h := Header{Valid: true, Ino: ino, Tstamp: tstamp, FileBlock: fblk, Cmtime: cmtime}
	r.PutUint32(hdr+hOffCRC, Checksum(h))
	r.PutUint8(hdr+hOffValid, 1)
	r.Flush(hdr, layout.HeaderSize, true)

	if m.tracker != nil {
		m.tracker.Validated(m.g.BlockOf(addr))
	}

	logger.Debug("header validated",
		logger.Ino(ino), logger.FileBlock(fblk), logger.Offset(addr), logger.Tstamp(tstamp))
	return nil
}

// Invalidate unlinks the header of the block at addr from ino's chain,
// clears its valid flag and returns the block to the allocator. prev must
// be the current predecessor.
func (m *Manager) Invalidate(prev ChainRef, addr pmem.Offset, ino uint64) (err error) {
	const op = "meta.Invalidate"
	start := time.Now()
	defer func() { m.metrics.ObserveOp(metrics.ComponentMeta, "invalidate", start, err) }()

	if err := m.checkWritable(op); err != nil {
		return err
	}
	hdr, err := m.HeaderByAddr(addr)
	if err != nil {
		return err
	}

	h := readHeader(m.r, hdr)
	if !h.Valid || h.Ino != ino {
		return pmerr.AtOffset(pmerr.CodeInvalidState, op, uint64(addr), "not a valid header of inode %d", ino)
	}
	if Checksum(h) != h.CRC {
		return m.corrupted(op, addr, "checksum mismatch on invalidate")
	}

	root := m.roots.Lookup(ino)
	prevLink, _, err := m.resolve(op, prev, root)
	if err != nil {
		return err
	}
	if prevLink.next() != hdr {
		return pmerr.AtOffset(pmerr.CodeInvalidArgument, op, uint64(addr), "predecessor does not link to this header")
	}

	prevLink.setNext(h.Next)
	m.r.Fence()

	mu := m.lockFor(hdr)
	mu.Lock()
	m.r.PutUint8(hdr+hOffValid, 0)
	m.r.Flush(hdr, layout.HeaderSize, true)
	mu.Unlock()

	if m.tracker != nil {
		if err := m.tracker.Invalidated(m.g.BlockOf(addr)); err != nil {
			return err
		}
	}

	logger.Debug("header invalidated", logger.Ino(ino), logger.FileBlock(h.FileBlock), logger.Offset(addr))
	return nil
}

// Update rewrites the size of a valid header in place. The chain and the
// checksum are untouched.
func (m *Manager) Update(addr pmem.Offset, size uint64) (err error) {
	const op = "meta.Update"
	start := time.Now()
	defer func() { m.metrics.ObserveOp(metrics.ComponentMeta, "update", start, err) }()

	if err := m.checkWritable(op); err != nil {
		return err
	}
	hdr, err := m.HeaderByAddr(addr)
	if err != nil {
		return err
	}

	mu := m.lockFor(hdr)
	mu.Lock()
	defer mu.Unlock()

	if m.r.Uint8(hdr+hOffValid) != 1 {
		return pmerr.AtOffset(pmerr.CodeInvalidState, op, uint64(addr), "header is not valid")
	}
	m.r.PutUint64(hdr+hOffSize, size)
	m.r.Flush(hdr+hOffSize, 8, true)
	return nil
}

// DeleteSync returns the block at addr to the allocator without touching
// any chain. The caller must state that the block is already unlinked.
func (m *Manager) DeleteSync(addr pmem.Offset, pre Precondition) (err error) {
	const op = "meta.DeleteSync"
	start := time.Now()
	defer func() { m.metrics.ObserveOp(metrics.ComponentMeta, "delete", start, err) }()

	if pre != Unlinked {
		return pmerr.AtOffset(pmerr.CodeInvalidArgument, op, uint64(addr), "precondition %s: unlink with Invalidate first", pre)
	}
	if _, err := m.HeaderByAddr(addr); err != nil {
		return err
	}
	if m.tracker != nil {
		return m.tracker.Invalidated(m.g.BlockOf(addr))
	}
	return nil
}

// Discard clears the valid flag of a header that no chain references. Open
// uses it for stale duplicates and for headers of deleted inodes; eviction
// uses it on a chain whose root is already dropped, followed by DeleteSync.
func (m *Manager) Discard(addr pmem.Offset) error {
	if err := m.checkWritable("meta.Discard"); err != nil {
		return err
	}
	hdr, err := m.HeaderByAddr(addr)
	if err != nil {
		return err
	}

	mu := m.lockFor(hdr)
	mu.Lock()
	m.r.PutUint8(hdr+hOffValid, 0)
	m.r.Flush(hdr, 1, true)
	mu.Unlock()

	logger.Debug("header discarded", logger.Offset(addr))
	return nil
}

// Walk visits the chain of ino from its root. Every header reached must be
// a valid, checksummed header of ino; anything else is a consistency
// violation.
func (m *Manager) Walk(ino uint64, fn func(addr pmem.Offset, h Header) error) error {
	const op = "meta.Walk"

	root, ok := m.roots.Get(ino)
	if !ok {
		return nil
	}

	steps := uint64(0)
	for hdr := root.First(); hdr != 0; {
		if steps++; steps > m.g.DataBlocks {
			return m.corrupted(op, 0, "chain of inode %d does not terminate", ino)
		}
		if !m.isHeader(hdr) {
			return m.corrupted(op, hdr, "chain of inode %d links outside the header area", ino)
		}
		addr := m.AddrByHeader(hdr)
		h := readHeader(m.r, hdr)
		if !h.Valid || h.Ino != ino {
			return m.corrupted(op, addr, "chain of inode %d reaches header of inode %d (valid=%v)", ino, h.Ino, h.Valid)
		}
		if Checksum(h) != h.CRC {
			return m.corrupted(op, addr, "checksum mismatch in chain of inode %d", ino)
		}
		if err := fn(addr, h); err != nil {
			return err
		}
		hdr = h.Next
	}
	return nil
}

// isHeader reports whether hdr is the offset of a header slot.
func (m *Manager) isHeader(hdr pmem.Offset) bool {
	if m.g.Tight {
		end := hdr + layout.HeaderSize
		return end > m.g.Data && end <= m.g.DataEnd() && uint64(end-m.g.Data)%m.g.BlockSize == 0
	}
	return hdr >= m.g.Headers &&
		hdr < m.g.Headers+pmem.Offset(m.g.DataBlocks*layout.HeaderSize) &&
		uint64(hdr-m.g.Headers)%layout.HeaderSize == 0
}

// Relink rewrites the chain of ino to visit blocks in the given order.
// Open uses it to rebuild roots after a remount; the blocks must hold valid
// headers of ino.
func (m *Manager) Relink(ino uint64, blocks []pmem.Offset) error {
	const op = "meta.Relink"
	if err := m.checkWritable(op); err != nil {
		return err
	}

	hdrs := make([]pmem.Offset, len(blocks))
	for i, addr := range blocks {
		hdr, err := m.HeaderByAddr(addr)
		if err != nil {
			return err
		}
		hdrs[i] = hdr
	}

	for i := len(hdrs) - 1; i >= 0; i-- {
		var next pmem.Offset
		if i+1 < len(hdrs) {
			next = hdrs[i+1]
		}
		headerLink{r: m.r, hdr: hdrs[i]}.setNext(next)
	}
	m.r.Fence()

	root := m.roots.Lookup(ino)
	if len(hdrs) > 0 {
		root.setNext(hdrs[0])
	} else {
		root.setNext(0)
	}
	return nil
}

// ScanValid calls fn for every data block whose header is valid, in block
// order, over the block range [from, to).
func (m *Manager) ScanValid(from, to uint64, fn func(blk uint64, h Header) error) error {
	for blk := from; blk < to && blk < m.g.DataBlocks; blk++ {
		h := m.ReadBlock(blk)
		if !h.Valid {
			continue
		}
		if err := fn(blk, h); err != nil {
			return err
		}
	}
	return nil
}
