package pmfs

import (
	"context"
	"time"

	"github.com/marmos91/pmeta/internal/logger"
	"github.com/marmos91/pmeta/internal/telemetry"
	"github.com/marmos91/pmeta/pkg/attrlog"
	"github.com/marmos91/pmeta/pkg/inode"
	"github.com/marmos91/pmeta/pkg/meta"
	"github.com/marmos91/pmeta/pkg/metrics"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

// neighbours returns the chain positions around logical block fblk: the
// nearest mapped block below it (or the root) and the nearest mapped block
// above it (or the end of the chain). Chains are kept in file-block order.
func neighbours(f *file, fblk uint64) (prev, next meta.ChainRef) {
	prev, next = meta.RootRef, meta.RootRef
	for i := fblk; i > 0; i-- {
		if a := f.index.Get(i - 1); a != 0 {
			prev = meta.BlockRef(a)
			break
		}
	}
	last := f.index.Last()
	for i := fblk + 1; i < last; i++ {
		if a := f.index.Get(i); a != 0 {
			next = meta.BlockRef(a)
			break
		}
	}
	return prev, next
}

// GetAttr returns the current attributes of ino.
func (fs *FS) GetAttr(ino uint64) (inode.Inode, error) {
	in, err := fs.log.Attributes(ino)
	if err != nil {
		if pmerr.CodeOf(err) == pmerr.CodeOutOfRange {
			return inode.Inode{}, ErrNotFound
		}
		return inode.Inode{}, err
	}
	if !in.Valid {
		return inode.Inode{}, ErrNotFound
	}
	return in, nil
}

// SetAttr changes the attributes of ino through the attribute log. A new
// size on a regular file releases the blocks past it.
func (fs *FS) SetAttr(ctx context.Context, ino uint64, sa attrlog.SetAttr) (in inode.Inode, err error) {
	ctx, span := telemetry.StartFSSpan(ctx, "setattr", ino)
	defer span.End()
	start := time.Now()
	defer func() {
		fs.metrics.ObserveOp(metrics.ComponentFS, "setattr", start, err)
		telemetry.RecordError(ctx, err)
	}()

	if err := fs.checkWritable("pmfs.SetAttr"); err != nil {
		return inode.Inode{}, err
	}
	fs.quiesce.RLock()
	defer fs.quiesce.RUnlock()

	cur, err := fs.GetAttr(ino)
	if err != nil {
		return inode.Inode{}, err
	}

	if sa.Size != nil {
		if cur.IsDir() {
			return inode.Inode{}, ErrIsDirectory
		}
		f, err := fs.fileOf(ino)
		if err != nil {
			return inode.Inode{}, err
		}
		f.mu.Lock()
		err = fs.dropBlocksFrom(f, *sa.Size)
		f.mu.Unlock()
		if err != nil {
			return inode.Inode{}, err
		}
	}

	sa.Ctime = fs.now()
	if _, err := fs.log.CommitSetAttr(ino, sa); err != nil {
		return inode.Inode{}, err
	}
	return fs.GetAttr(ino)
}

// WriteBlock stores data as logical block fblk of the regular file ino. An
// existing block is replaced by a new one: the new header is published in
// front of the old one before the old one is invalidated, so a crash leaves
// either version and never neither.
func (fs *FS) WriteBlock(ctx context.Context, ino, fblk uint64, data []byte) (err error) {
	const op = "pmfs.WriteBlock"
	ctx, span := telemetry.StartFSSpan(ctx, "write", ino, telemetry.FileBlock(fblk), telemetry.Size(uint64(len(data))))
	defer span.End()
	start := time.Now()
	defer func() {
		fs.metrics.ObserveOp(metrics.ComponentFS, "write", start, err)
		telemetry.RecordError(ctx, err)
	}()

	if err := fs.checkWritable(op); err != nil {
		return err
	}
	fs.quiesce.RLock()
	defer fs.quiesce.RUnlock()

	payload := fs.g.BlockPayload()
	if len(data) == 0 || uint64(len(data)) > payload {
		return pmerr.New(pmerr.CodeInvalidArgument, op, "block of %d bytes, payload is %d", len(data), payload)
	}
	in, err := fs.GetAttr(ino)
	if err != nil {
		return err
	}
	if in.IsDir() {
		return ErrIsDirectory
	}
	if in.IsSymlink() {
		return pmerr.New(pmerr.CodeInvalidArgument, op, "inode %d is a symbolic link", ino)
	}

	f, err := fs.fileOf(ino)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := fs.putBlock(ctx, f, fblk, data, uint64(len(data))); err != nil {
		return err
	}

	// Another writer may have grown the file while this one waited for f.mu.
	cur, err := fs.GetAttr(ino)
	if err != nil {
		return err
	}
	now := fs.now()
	if end := fblk*payload + uint64(len(data)); end > cur.Size {
		_, err = fs.log.CommitSizeChange(ino, end, now)
	} else {
		_, err = fs.log.CommitSetAttr(ino, attrlog.SetAttr{Mtime: &now, Ctime: now})
	}
	return err
}

// putBlock allocates a block, fills it and publishes it as logical block
// fblk of f, replacing any previous mapping. size is recorded in the header.
// f.mu must be held.
func (fs *FS) putBlock(ctx context.Context, f *file, fblk uint64, data []byte, size uint64) (pmem.Offset, error) {
	blk, err := fs.alloc.Allocate(fs.cpuFor(ctx))
	if err != nil {
		return 0, err
	}
	addr := fs.g.BlockOffset(blk)
	if len(data) > 0 {
		fs.r.Store(addr, data)
	} else {
		fs.r.Zero(addr, fs.g.BlockPayload())
	}

	old := f.index.Get(fblk)
	if err := f.index.Insert(fblk, addr, true); err != nil {
		_ = fs.alloc.Free(blk)
		return 0, err
	}

	prev, next := neighbours(f, fblk)
	if old != 0 {
		next = meta.BlockRef(old)
	}
	if err := fs.meta.Validate(prev, addr, next, f.ino, fblk, fs.clock.Next(), size, fs.now()); err != nil {
		if old != 0 {
			_ = f.index.Insert(fblk, old, false)
		} else {
			_ = f.index.Delete(fblk, fblk, false)
		}
		_ = fs.alloc.Free(blk)
		return 0, err
	}

	if old != 0 {
		if err := fs.meta.Invalidate(meta.BlockRef(addr), old, f.ino); err != nil {
			return addr, err
		}
		logger.DebugCtx(ctx, "block replaced", logger.Ino(f.ino), logger.FileBlock(fblk),
			logger.Prev(old), logger.Offset(addr))
	}
	return addr, nil
}

// ReadBlock returns a copy of logical block fblk of ino. A hole reads as
// nil with no error.
func (fs *FS) ReadBlock(ctx context.Context, ino, fblk uint64) ([]byte, error) {
	const op = "pmfs.ReadBlock"
	_, span := telemetry.StartFSSpan(ctx, "read", ino, telemetry.FileBlock(fblk))
	defer span.End()

	if _, err := fs.GetAttr(ino); err != nil {
		return nil, err
	}
	f, err := fs.fileOf(ino)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	addr := f.index.Get(fblk)
	if addr == 0 {
		return nil, nil
	}
	h, err := fs.meta.Verify(addr)
	if err != nil {
		return nil, err
	}
	if !h.Valid || h.Ino != ino || h.FileBlock != fblk {
		return nil, pmerr.AtOffset(pmerr.CodeConsistency, op, uint64(addr),
			"index of inode %d maps block %d to a header of inode %d block %d", ino, fblk, h.Ino, h.FileBlock)
	}
	out := make([]byte, h.Size)
	copy(out, fs.r.Bytes(addr, h.Size))
	return out, nil
}

// Truncate sets the size of the regular file ino, releasing the blocks
// past the new end.
func (fs *FS) Truncate(ctx context.Context, ino, size uint64) error {
	_, err := fs.SetAttr(ctx, ino, attrlog.SetAttr{Size: &size})
	return err
}

// Blocks returns the mapped logical blocks of ino in ascending order.
func (fs *FS) Blocks(ino uint64) ([]uint64, error) {
	if _, err := fs.GetAttr(ino); err != nil {
		return nil, err
	}
	f, err := fs.fileOf(ino)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []uint64
	f.index.Range(func(i uint64, _ pmem.Offset) bool {
		out = append(out, i)
		return true
	})
	return out, nil
}

// dropBlocksFrom invalidates every block of f past size bytes, tail first,
// and trims the header of a new partial last block. f.mu must be held.
func (fs *FS) dropBlocksFrom(f *file, size uint64) error {
	payload := fs.g.BlockPayload()
	keep := (size + payload - 1) / payload

	for i := f.index.Last(); i > keep; i-- {
		fblk := i - 1
		addr := f.index.Get(fblk)
		if addr == 0 {
			continue
		}
		prev, _ := neighbours(f, fblk)
		if err := fs.meta.Invalidate(prev, addr, f.ino); err != nil {
			return err
		}
		if err := f.index.Delete(fblk, fblk, true); err != nil {
			return err
		}
	}

	if rem := size % payload; rem != 0 && keep > 0 {
		if addr := f.index.Get(keep - 1); addr != 0 {
			h, err := fs.meta.Read(addr)
			if err != nil {
				return err
			}
			if h.Size > rem {
				return fs.meta.Update(addr, rem)
			}
		}
	}
	return nil
}

// evictInode releases every block of ino, drops its attribute-log entries
// and marks its record invalid. It is idempotent.
//
// The chain is dropped as a whole: once its root is gone no header is
// linked any more, so each block is cleared and handed back with
// DeleteSync instead of being unlinked one by one.
func (fs *FS) evictInode(ctx context.Context, ino uint64) error {
	fs.filesMu.Lock()
	f, ok := fs.files[ino]
	fs.filesMu.Unlock()

	if ok {
		f.mu.Lock()
		err := fs.releaseChain(ino)
		f.index.Destroy()
		f.mu.Unlock()
		fs.dropFile(ino)
		if err != nil {
			return err
		}
	}
	fs.meta.Roots().Drop(ino)

	if fs.inodes.IsValid(ino) {
		id := fs.log.Bucket(ino)
		info, err := fs.log.Inspect(id)
		if err != nil {
			return err
		}
		if info.Owner == ino {
			if err := fs.log.Evict(id); err != nil && pmerr.CodeOf(err) != pmerr.CodeInvalidState {
				return err
			}
		}
		if err := fs.inodes.SetValid(ino, false); err != nil {
			return err
		}
	}
	fs.inodes.Release(ino)

	logger.DebugCtx(ctx, "inode evicted", logger.Ino(ino))
	return nil
}

// releaseChain drops the chain of ino and reclaims its blocks. The caller
// holds the lock of the file.
func (fs *FS) releaseChain(ino uint64) error {
	var blocks []pmem.Offset
	if err := fs.meta.Walk(ino, func(addr pmem.Offset, _ meta.Header) error {
		blocks = append(blocks, addr)
		return nil
	}); err != nil {
		return err
	}
	fs.meta.Roots().Drop(ino)

	for _, addr := range blocks {
		if err := fs.meta.Discard(addr); err != nil {
			return err
		}
		if err := fs.meta.DeleteSync(addr, meta.Unlinked); err != nil {
			return err
		}
	}
	if len(blocks) > 0 {
		logger.Debug("chain released", logger.Ino(ino), logger.Count(len(blocks)))
	}
	return nil
}

// EvictInode reclaims ino once nothing references it: its link count must
// be zero, or its record already invalid.
func (fs *FS) EvictInode(ctx context.Context, ino uint64) error {
	ctx = logger.WithOperation(ctx, "evict", ino)
	if err := fs.checkWritable("pmfs.EvictInode"); err != nil {
		return err
	}
	fs.quiesce.RLock()
	defer fs.quiesce.RUnlock()
	fs.ns.Lock()
	defer fs.ns.Unlock()

	in, err := fs.log.Attributes(ino)
	if err != nil {
		return err
	}
	if in.Valid && in.Links > 0 {
		return pmerr.New(pmerr.CodeInvalidState, "pmfs.EvictInode", "inode %d still has %d links", ino, in.Links)
	}
	return fs.evictInode(ctx, ino)
}
