// Package pmfs is a small file system over one persistent-memory region. It
// exists to drive the metadata core end to end: every namespace operation is
// journaled, every data block is published through its summary header and
// validity chain, and attribute changes go through the attribute log.
//
// Lock order: the quiesce lock, the namespace lock, then a file's lock.
// Every mutating operation holds the quiesce lock shared; Check takes it
// exclusively so that no header is caught between publication and its
// valid flag. Namespace operations (create, link, unlink, rename) hold the
// namespace lock for their whole transaction; data operations only hold the
// lock of the file they touch.
package pmfs

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/pmeta/internal/logger"
	"github.com/marmos91/pmeta/internal/telemetry"
	"github.com/marmos91/pmeta/pkg/alloc"
	"github.com/marmos91/pmeta/pkg/attrlog"
	"github.com/marmos91/pmeta/pkg/inode"
	"github.com/marmos91/pmeta/pkg/journal"
	"github.com/marmos91/pmeta/pkg/layout"
	"github.com/marmos91/pmeta/pkg/linix"
	"github.com/marmos91/pmeta/pkg/meta"
	"github.com/marmos91/pmeta/pkg/metrics"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

// Options tune an opened file system. The zero value is usable.
type Options struct {
	Metrics *metrics.Metrics

	// IndexMinSlots and IndexMaxSlots bound every per-file linear index.
	IndexMinSlots uint64
	IndexMaxSlots uint64

	// TxTimeout bounds the wait for a free journal slot. Zero waits for as
	// long as the caller's context allows.
	TxTimeout time.Duration

	// Now supplies timestamps; tests pin it.
	Now func() time.Time
}

// file is the in-memory state of one inode with data blocks.
type file struct {
	mu    sync.Mutex
	ino   uint64
	index *linix.Index
}

// FS is an opened region.
type FS struct {
	r  *pmem.Region
	g  layout.Geometry
	sb *layout.Superblock

	clock   *inode.Clock
	inodes  *inode.Table
	alloc   *alloc.Allocator
	meta    *meta.Manager
	log     *attrlog.Log
	journal *journal.Journal
	metrics *metrics.Metrics
	opts    Options

	quiesce sync.RWMutex
	ns      sync.Mutex

	filesMu sync.Mutex
	files   map[uint64]*file

	recovery RecoveryReport
	inspect  bool

	rr     atomic.Uint64
	closed atomic.Bool
}

// RecoveryReport summarizes what Open had to repair.
type RecoveryReport struct {
	WasClean         bool `json:"was_clean" yaml:"was_clean"`
	Transactions     int  `json:"transactions" yaml:"transactions"`
	ResumedEvictions int  `json:"resumed_evictions" yaml:"resumed_evictions"`
	DiscardedHeaders int  `json:"discarded_headers" yaml:"discarded_headers"`
}

func newFS(r *pmem.Region, sb *layout.Superblock, opts Options) (*FS, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	g := sb.Geometry

	a, err := alloc.New(g, opts.Metrics)
	if err != nil {
		return nil, err
	}

	clock := &inode.Clock{}
	inodes := inode.NewTable(r, g)
	fs := &FS{
		r:       r,
		g:       g,
		sb:      sb,
		clock:   clock,
		inodes:  inodes,
		alloc:   a,
		meta:    meta.NewManager(r, g, meta.NewCommitTable(), a, opts.Metrics),
		log:     attrlog.New(r, g, inodes, clock, opts.Metrics),
		journal: journal.New(r, g, opts.Metrics),
		metrics: opts.Metrics,
		opts:    opts,
		files:   make(map[uint64]*file),
	}
	return fs, nil
}

// Format lays out a fresh file system over r and returns it opened. The
// superblock is written last, so a torn format is never mistaken for a
// formatted region.
func Format(ctx context.Context, r *pmem.Region, p layout.Params, opts Options) (*FS, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanFormat)
	defer span.End()

	g, err := layout.Compute(r.Size(), p)
	if err != nil {
		return nil, err
	}
	telemetry.SetAttributes(ctx, telemetry.RegionSize(g.Size), telemetry.BlockSize(g.BlockSize))

	r.Zero(0, layout.SuperblockSize)

	fs, err := newFS(r, &layout.Superblock{Geometry: g}, opts)
	if err != nil {
		return nil, err
	}
	fs.inodes.Format()
	fs.journal.Format()
	fs.log.Format()
	fs.meta.Format()

	now := fs.now()
	if err := fs.inodes.Commit(inode.ICP{
		Ino:    inode.RootIno,
		Mode:   inode.ModeDir | 0o755,
		Links:  2,
		Atime:  now,
		Ctime:  now,
		Mtime:  now,
		Tstamp: fs.clock.Next(),
	}); err != nil {
		return nil, err
	}

	sb, err := layout.WriteSuperblock(r, g)
	if err != nil {
		return nil, err
	}
	fs.sb = sb
	telemetry.SetAttributes(ctx, telemetry.RegionUUID(sb.UUID.String()))

	logger.InfoCtx(ctx, "region formatted",
		logger.Size(g.Size), logger.BlockSize(g.BlockSize), logger.Count(int(g.DataBlocks)),
		logger.UUID(sb.UUID.String()))
	return fs, nil
}

// Open validates the superblock of r, rebuilds the in-memory state from
// the valid headers and recovers in-doubt transactions.
func Open(ctx context.Context, r *pmem.Region, opts Options) (*FS, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanOpen)
	defer span.End()
	start := time.Now()

	sb, err := layout.ReadSuperblock(r)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	telemetry.SetAttributes(ctx, telemetry.RegionUUID(sb.UUID.String()),
		telemetry.RegionSize(sb.Geometry.Size), telemetry.BlockSize(sb.Geometry.BlockSize))

	fs, err := newFS(r, sb, opts)
	if err != nil {
		return nil, err
	}
	fs.recovery.WasClean = sb.Clean
	if !sb.Clean {
		logger.WarnCtx(ctx, "region was not closed cleanly", logger.UUID(sb.UUID.String()))
	}

	resumed, err := fs.log.Recover()
	if err != nil {
		return nil, err
	}

	if err := fs.inodes.Rebuild(func(in inode.Inode) error {
		fs.clock.Observe(in.Tstamp)
		return nil
	}); err != nil {
		return nil, err
	}
	for id := 0; id < fs.log.Slots(); id++ {
		info, err := fs.log.Inspect(id)
		if err != nil {
			return nil, err
		}
		for _, e := range []*attrlog.Entry{info.SetAttr, info.LinkChange} {
			if e != nil {
				fs.clock.Observe(e.Tstamp)
			}
		}
	}

	if err := fs.rebuildChains(ctx); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	recovered, err := fs.journal.Recover(ctx, fs.replay)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	fs.recovery.Transactions = recovered
	fs.recovery.ResumedEvictions = resumed

	layout.SetClean(r, false)
	if resumed > 0 {
		logger.InfoCtx(ctx, "resumed attr log evictions", logger.Count(resumed))
	}
	logger.InfoCtx(ctx, "region opened",
		logger.UUID(sb.UUID.String()),
		logger.Count(fs.inodes.Used()),
		logger.Entries(recovered),
		logger.DurationMs(logger.Duration(start)))
	return fs, nil
}

// found is a valid header seen while scanning the data area.
type found struct {
	addr pmem.Offset
	h    meta.Header
}

// rebuildChains scans every layout in parallel for valid headers, then
// relinks each live inode's chain in file-block order. Headers of invalid
// inodes and superseded copies of a file block are discarded.
func (fs *FS) rebuildChains(ctx context.Context) error {
	layouts := fs.alloc.Layouts()
	parts := make([][]found, len(layouts))

	eg, _ := errgroup.WithContext(ctx)
	for i, l := range layouts {
		eg.Go(func() error {
			return fs.meta.ScanValid(l.Start, l.End, func(blk uint64, h meta.Header) error {
				addr := fs.g.BlockOffset(blk)
				if meta.Checksum(h) != h.CRC {
					return pmerr.AtOffset(pmerr.CodeConsistency, "pmfs.Open", uint64(addr),
						"valid header of block %d fails its checksum", blk)
				}
				parts[i] = append(parts[i], found{addr: addr, h: h})
				return nil
			})
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	byIno := make(map[uint64]map[uint64]found)
	var discard []pmem.Offset
	for _, part := range parts {
		for _, f := range part {
			fs.clock.Observe(f.h.Tstamp)
			if !fs.inodes.IsValid(f.h.Ino) {
				discard = append(discard, f.addr)
				continue
			}
			blocks := byIno[f.h.Ino]
			if blocks == nil {
				blocks = make(map[uint64]found)
				byIno[f.h.Ino] = blocks
			}
			prev, dup := blocks[f.h.FileBlock]
			switch {
			case !dup:
				blocks[f.h.FileBlock] = f
			case f.h.Tstamp > prev.h.Tstamp:
				discard = append(discard, prev.addr)
				blocks[f.h.FileBlock] = f
			default:
				discard = append(discard, f.addr)
			}
		}
	}

	for _, addr := range discard {
		if err := fs.meta.Discard(addr); err != nil {
			return err
		}
	}
	fs.recovery.DiscardedHeaders = len(discard)

	for ino, blocks := range byIno {
		ordered := make([]found, 0, len(blocks))
		for _, f := range blocks {
			ordered = append(ordered, f)
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].h.FileBlock < ordered[j].h.FileBlock })

		f, err := fs.newFile(ino)
		if err != nil {
			return err
		}
		addrs := make([]pmem.Offset, len(ordered))
		for i, o := range ordered {
			addrs[i] = o.addr
			if err := f.index.Insert(o.h.FileBlock, o.addr, true); err != nil {
				return err
			}
			if err := fs.alloc.MarkUsed(fs.g.BlockOf(o.addr)); err != nil {
				return err
			}
		}
		if err := fs.meta.Relink(ino, addrs); err != nil {
			return err
		}
	}

	logger.DebugCtx(ctx, "chains rebuilt", logger.Count(len(byIno)), logger.Entries(len(discard)))
	return nil
}

// Inspect opens r for reading only: the superblock is checked but nothing
// is rebuilt or recovered, so in-doubt journal slots and attribute-log
// buckets are seen exactly as a crash left them. Every mutating operation
// on the result fails.
func Inspect(ctx context.Context, r *pmem.Region, opts Options) (*FS, error) {
	sb, err := layout.ReadSuperblock(r)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	fs, err := newFS(r, sb, opts)
	if err != nil {
		return nil, err
	}
	fs.inspect = true
	fs.recovery.WasClean = sb.Clean
	logger.DebugCtx(ctx, "region opened for inspection", logger.UUID(sb.UUID.String()))
	return fs, nil
}

// Recovery returns what Open repaired.
func (fs *FS) Recovery() RecoveryReport { return fs.recovery }

// Close syncs the region and marks it clean. The region itself stays open
// and belongs to the caller.
func (fs *FS) Close(ctx context.Context) error {
	if !fs.closed.CompareAndSwap(false, true) {
		return nil
	}
	if fs.inspect {
		return nil
	}
	_, span := telemetry.StartSpan(ctx, telemetry.SpanClose)
	defer span.End()

	if n := fs.journal.InFlight(); n > 0 {
		logger.WarnCtx(ctx, "closing with transactions in flight", logger.Count(n))
	}
	if err := fs.r.Sync(); err != nil {
		return err
	}
	if !fs.meta.ReadOnly() {
		layout.SetClean(fs.r, true)
	}
	return fs.r.Sync()
}

// Geometry returns the region partition.
func (fs *FS) Geometry() layout.Geometry { return fs.g }

// Inodes returns the inode table.
func (fs *FS) Inodes() *inode.Table { return fs.inodes }

// Superblock returns the identity the region was formatted with.
func (fs *FS) Superblock() *layout.Superblock { return fs.sb }

// Journal exposes the transaction journal for inspection.
func (fs *FS) Journal() *journal.Journal { return fs.journal }

// AttrLog exposes the attribute log for inspection.
func (fs *FS) AttrLog() *attrlog.Log { return fs.log }

// Headers exposes the header manager for inspection.
func (fs *FS) Headers() *meta.Manager { return fs.meta }

func (fs *FS) now() uint32 {
	return uint32(fs.opts.Now().Unix())
}

func (fs *FS) cpuFor(ctx context.Context) int {
	if cpu, ok := journal.CPUFromContext(ctx); ok && cpu >= 0 {
		return cpu % fs.g.CPUs
	}
	return int(fs.rr.Add(1)-1) % fs.g.CPUs
}

// startTx opens a journal transaction, waiting at most TxTimeout for a
// slot. The returned context logs under the claimed slot.
func (fs *FS) startTx(ctx context.Context, op journal.Op, objs ...pmem.Offset) (context.Context, int, error) {
	wait := ctx
	if fs.opts.TxTimeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, fs.opts.TxTimeout)
		defer cancel()
	}
	txid, err := fs.journal.Start(wait, op, objs...)
	if err != nil {
		return ctx, 0, err
	}
	return logger.WithTx(ctx, txid), txid, nil
}

func (fs *FS) checkWritable(op string) error {
	if fs.closed.Load() {
		return pmerr.New(pmerr.CodeInvalidState, op, "file system is closed")
	}
	if fs.inspect {
		return pmerr.New(pmerr.CodeInvalidState, op, "file system is opened for inspection")
	}
	if fs.meta.ReadOnly() {
		return pmerr.New(pmerr.CodeConsistency, op, "file system is read-only after corruption")
	}
	return nil
}

func (fs *FS) newIndex() (*linix.Index, error) {
	return linix.New(0, linix.Config{
		MinSlots: fs.opts.IndexMinSlots,
		MaxSlots: fs.opts.IndexMaxSlots,
		Region:   fs.r,
		Metrics:  fs.metrics,
	})
}

// newFile registers the in-memory state of ino, replacing any previous one.
func (fs *FS) newFile(ino uint64) (*file, error) {
	ix, err := fs.newIndex()
	if err != nil {
		return nil, err
	}
	f := &file{ino: ino, index: ix}

	fs.filesMu.Lock()
	fs.files[ino] = f
	fs.filesMu.Unlock()
	return f, nil
}

// fileOf returns the state of ino, creating it for a valid inode that has
// no blocks yet.
func (fs *FS) fileOf(ino uint64) (*file, error) {
	fs.filesMu.Lock()
	defer fs.filesMu.Unlock()

	if f, ok := fs.files[ino]; ok {
		return f, nil
	}
	if !fs.inodes.IsValid(ino) {
		return nil, pmerr.New(pmerr.CodeInvalidState, "pmfs.fileOf", "inode %d is not valid", ino)
	}
	ix, err := fs.newIndex()
	if err != nil {
		return nil, err
	}
	f := &file{ino: ino, index: ix}
	fs.files[ino] = f
	return f, nil
}

func (fs *FS) dropFile(ino uint64) {
	fs.filesMu.Lock()
	delete(fs.files, ino)
	fs.filesMu.Unlock()
}
