package pmfs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/marmos91/pmeta/internal/logger"
	"github.com/marmos91/pmeta/internal/telemetry"
	"github.com/marmos91/pmeta/pkg/attrlog"
	"github.com/marmos91/pmeta/pkg/inode"
	"github.com/marmos91/pmeta/pkg/journal"
	"github.com/marmos91/pmeta/pkg/layout"
	"github.com/marmos91/pmeta/pkg/meta"
	"github.com/marmos91/pmeta/pkg/metrics"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

// Owner is the ownership given to a new inode.
type Owner struct {
	UID uint32
	GID uint32
}

// DirEntry is one name in a directory.
type DirEntry struct {
	Name string
	Ino  uint64
}

func checkName(name string) error {
	switch {
	case name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/'):
		return pmerr.New(pmerr.CodeInvalidArgument, "pmfs", "invalid name %q", name)
	case len(name) > inode.MaxNameLen:
		return ErrNameTooLong
	}
	return nil
}

// dirAttrs returns the attributes of the directory ino.
func (fs *FS) dirAttrs(ino uint64) (inode.Inode, error) {
	in, err := fs.GetAttr(ino)
	if err != nil {
		return in, err
	}
	if !in.IsDir() {
		return in, ErrNotDirectory
	}
	return in, nil
}

// dentries calls fn with the offset and contents of every dentry slot of
// the directory dir, valid or not, until fn returns false.
func (fs *FS) dentries(dir uint64, fn func(o pmem.Offset, d inode.Dentry) bool) error {
	f, err := fs.fileOf(dir)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	per := inode.DentriesPerBlock(fs.g)
	f.index.Range(func(_ uint64, addr pmem.Offset) bool {
		for k := uint64(0); k < per; k++ {
			o := addr + pmem.Offset(k*layout.DentrySize)
			if !fn(o, inode.ReadDentry(fs.r, o)) {
				return false
			}
		}
		return true
	})
	return nil
}

// lookup finds name in dir.
func (fs *FS) lookup(dir uint64, name string) (pmem.Offset, inode.Dentry, bool, error) {
	var (
		slot  pmem.Offset
		found inode.Dentry
		ok    bool
	)
	err := fs.dentries(dir, func(o pmem.Offset, d inode.Dentry) bool {
		if d.Valid && d.Name == name {
			slot, found, ok = o, d, true
			return false
		}
		return true
	})
	return slot, found, ok, err
}

// freeDentry returns an unused dentry slot of dir, growing the directory by
// one zeroed block when every slot is taken. ns must be held.
func (fs *FS) freeDentry(ctx context.Context, dir uint64) (pmem.Offset, error) {
	var slot pmem.Offset
	if err := fs.dentries(dir, func(o pmem.Offset, d inode.Dentry) bool {
		if !d.Valid {
			slot = o
			return false
		}
		return true
	}); err != nil {
		return 0, err
	}
	if slot != 0 {
		return slot, nil
	}

	f, err := fs.fileOf(dir)
	if err != nil {
		return 0, err
	}
	payload := fs.g.BlockPayload()

	f.mu.Lock()
	fblk := f.index.Last()
	addr, err := fs.putBlock(ctx, f, fblk, nil, payload)
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if _, err := fs.log.CommitSizeChange(dir, (fblk+1)*payload, fs.now()); err != nil {
		return 0, err
	}
	logger.DebugCtx(ctx, "directory grown", logger.Ino(dir), logger.FileBlock(fblk), logger.Offset(addr))
	return addr, nil
}

// Lookup resolves name in the directory parent.
func (fs *FS) Lookup(parent uint64, name string) (uint64, error) {
	if _, err := fs.dirAttrs(parent); err != nil {
		return 0, err
	}
	_, d, ok, err := fs.lookup(parent, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotFound
	}
	return d.Ino, nil
}

// ReadDir lists the directory ino in slot order.
func (fs *FS) ReadDir(ino uint64) ([]DirEntry, error) {
	if _, err := fs.dirAttrs(ino); err != nil {
		return nil, err
	}
	var out []DirEntry
	err := fs.dentries(ino, func(_ pmem.Offset, d inode.Dentry) bool {
		if d.Valid {
			out = append(out, DirEntry{Name: d.Name, Ino: d.Ino})
		}
		return true
	})
	return out, err
}

// Readlink returns the target of the symbolic link ino.
func (fs *FS) Readlink(ctx context.Context, ino uint64) (string, error) {
	in, err := fs.GetAttr(ino)
	if err != nil {
		return "", err
	}
	if !in.IsSymlink() {
		return "", ErrNotSymlink
	}
	data, err := fs.ReadBlock(ctx, ino, 0)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Create makes a regular file called name in parent.
func (fs *FS) Create(ctx context.Context, parent uint64, name string, perm uint16, owner Owner) (uint64, error) {
	return fs.createNode(ctx, journal.OpCreate, parent, name, inode.ModeRegular|perm&0o7777, owner, "")
}

// Mkdir makes a directory called name in parent.
func (fs *FS) Mkdir(ctx context.Context, parent uint64, name string, perm uint16, owner Owner) (uint64, error) {
	return fs.createNode(ctx, journal.OpMkdir, parent, name, inode.ModeDir|perm&0o7777, owner, "")
}

// Symlink makes a symbolic link called name in parent pointing at target.
// The target is stored in the link's first data block.
func (fs *FS) Symlink(ctx context.Context, parent uint64, name, target string, owner Owner) (uint64, error) {
	return fs.createNode(ctx, journal.OpSymlink, parent, name, inode.ModeSymlink|0o777, owner, target)
}

// createNode journals and performs create, mkdir and symlink. Publishing
// the dentry is the commit point: recovery keeps the new inode if and only
// if the journaled dentry names it.
func (fs *FS) createNode(ctx context.Context, op journal.Op, parent uint64, name string, mode uint16, owner Owner, target string) (ino uint64, err error) {
	opName := strings.ToLower(op.String())
	ctx, span := telemetry.StartFSSpan(ctx, opName, parent, telemetry.Filename(name), telemetry.Mode(mode))
	defer span.End()
	start := time.Now()
	defer func() {
		fs.metrics.ObserveOp(metrics.ComponentFS, opName, start, err)
		telemetry.RecordError(ctx, err)
	}()

	if err := fs.checkWritable("pmfs." + opName); err != nil {
		return 0, err
	}
	if err := checkName(name); err != nil {
		return 0, err
	}
	if op == journal.OpSymlink && (target == "" || uint64(len(target)) > fs.g.BlockPayload()) {
		return 0, pmerr.New(pmerr.CodeInvalidArgument, "pmfs.symlink", "target of %d bytes", len(target))
	}

	fs.quiesce.RLock()
	defer fs.quiesce.RUnlock()
	fs.ns.Lock()
	defer fs.ns.Unlock()

	pattr, err := fs.dirAttrs(parent)
	if err != nil {
		return 0, err
	}
	if _, _, exists, err := fs.lookup(parent, name); err != nil {
		return 0, err
	} else if exists {
		return 0, ErrAlreadyExists
	}

	slot, err := fs.freeDentry(ctx, parent)
	if err != nil {
		return 0, err
	}
	ino, err = fs.inodes.Allocate()
	if err != nil {
		return 0, err
	}
	pi, err := fs.inodes.Offset(ino)
	if err != nil {
		fs.inodes.Release(ino)
		return 0, err
	}
	ppar, _ := fs.inodes.Offset(parent)
	objs := []pmem.Offset{pi, slot, ppar}

	var (
		linkBlk  uint64
		linkAddr pmem.Offset
	)
	if op == journal.OpSymlink {
		linkBlk, err = fs.alloc.Allocate(fs.cpuFor(ctx))
		if err != nil {
			fs.inodes.Release(ino)
			return 0, err
		}
		linkAddr = fs.g.BlockOffset(linkBlk)
		fs.r.Store(linkAddr, []byte(target))
		objs = append(objs, linkAddr)
	}

	ctx, txid, err := fs.startTx(ctx, op, objs...)
	if err != nil {
		if linkAddr != 0 {
			_ = fs.alloc.Free(linkBlk)
		}
		fs.inodes.Release(ino)
		return 0, err
	}
	defer func() {
		if err != nil {
			err = fs.abort(ctx, txid, err)
		}
	}()

	if err := fs.log.Snapshot(parent); err != nil {
		return 0, err
	}
	prior, err := fs.inodes.Get(ino)
	if err != nil {
		return 0, err
	}
	now := fs.now()
	icp := inode.ICP{
		Ino:        ino,
		Mode:       mode,
		Links:      1,
		UID:        owner.UID,
		GID:        owner.GID,
		Atime:      now,
		Ctime:      now,
		Mtime:      now,
		Generation: prior.Generation + 1,
	}

	switch op {
	case journal.OpMkdir:
		icp.Links = 2
	case journal.OpSymlink:
		f, err := fs.newFile(ino)
		if err != nil {
			_ = fs.alloc.Free(linkBlk)
			return 0, err
		}
		if err := f.index.Insert(0, linkAddr, true); err != nil {
			_ = fs.alloc.Free(linkBlk)
			return 0, err
		}
		if err := fs.meta.Validate(meta.RootRef, linkAddr, meta.RootRef, ino, 0, fs.clock.Next(), uint64(len(target)), now); err != nil {
			_ = f.index.Delete(0, 0, false)
			_ = fs.alloc.Free(linkBlk)
			return 0, err
		}
		icp.Size = uint64(len(target))
	}
	icp.Tstamp = fs.clock.Next()

	if err := fs.inodes.Commit(icp); err != nil {
		return 0, err
	}
	if err := inode.WriteDentry(fs.r, slot, ino, fs.clock.Next(), name); err != nil {
		return 0, err
	}

	if op == journal.OpMkdir {
		if _, err := fs.log.CommitLinkChange(parent, pattr.Links+1, now); err != nil {
			return 0, err
		}
	}
	if _, err := fs.log.CommitSetAttr(parent, attrlog.SetAttr{Mtime: &now, Ctime: now}); err != nil {
		return 0, err
	}

	if err := fs.journal.Finish(ctx, txid); err != nil {
		return 0, err
	}
	logger.DebugCtx(ctx, opName+" committed", logger.Ino(ino), logger.Name(name), logger.TxID(txid))
	return ino, nil
}

// Link adds the name name in parent for the existing non-directory ino.
func (fs *FS) Link(ctx context.Context, ino, parent uint64, name string) (err error) {
	ctx, span := telemetry.StartFSSpan(ctx, "link", ino, telemetry.ParentIno(parent), telemetry.Filename(name))
	defer span.End()
	start := time.Now()
	defer func() {
		fs.metrics.ObserveOp(metrics.ComponentFS, "link", start, err)
		telemetry.RecordError(ctx, err)
	}()

	if err := fs.checkWritable("pmfs.link"); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}

	fs.quiesce.RLock()
	defer fs.quiesce.RUnlock()
	fs.ns.Lock()
	defer fs.ns.Unlock()

	in, err := fs.GetAttr(ino)
	if err != nil {
		return err
	}
	if in.IsDir() {
		return ErrIsDirectory
	}
	if in.Links == ^uint16(0) {
		return pmerr.New(pmerr.CodeNoSpace, "pmfs.link", "inode %d has the maximum link count", ino)
	}
	if _, err := fs.dirAttrs(parent); err != nil {
		return err
	}
	if _, _, exists, err := fs.lookup(parent, name); err != nil {
		return err
	} else if exists {
		return ErrAlreadyExists
	}
	slot, err := fs.freeDentry(ctx, parent)
	if err != nil {
		return err
	}

	pi, _ := fs.inodes.Offset(ino)
	ppar, _ := fs.inodes.Offset(parent)
	ctx, txid, err := fs.startTx(ctx, journal.OpLink, pi, slot, ppar)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = fs.abort(ctx, txid, err)
		}
	}()
	if err := fs.checkpoint(ino, parent); err != nil {
		return err
	}

	now := fs.now()
	if err := inode.WriteDentry(fs.r, slot, ino, fs.clock.Next(), name); err != nil {
		return err
	}
	if _, err := fs.log.CommitLinkChange(ino, in.Links+1, now); err != nil {
		return err
	}
	if _, err := fs.log.CommitSetAttr(parent, attrlog.SetAttr{Mtime: &now, Ctime: now}); err != nil {
		return err
	}
	return fs.journal.Finish(ctx, txid)
}

// Unlink removes name from parent. A directory must be empty. The inode is
// evicted when its last link goes.
func (fs *FS) Unlink(ctx context.Context, parent uint64, name string) (err error) {
	ctx, span := telemetry.StartFSSpan(ctx, "unlink", parent, telemetry.Filename(name))
	defer span.End()
	start := time.Now()
	defer func() {
		fs.metrics.ObserveOp(metrics.ComponentFS, "unlink", start, err)
		telemetry.RecordError(ctx, err)
	}()

	if err := fs.checkWritable("pmfs.unlink"); err != nil {
		return err
	}

	fs.quiesce.RLock()
	defer fs.quiesce.RUnlock()
	fs.ns.Lock()
	defer fs.ns.Unlock()

	pattr, err := fs.dirAttrs(parent)
	if err != nil {
		return err
	}
	slot, d, ok, err := fs.lookup(parent, name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	in, err := fs.GetAttr(d.Ino)
	if err != nil {
		return err
	}
	if in.IsDir() {
		empty, err := fs.isEmpty(d.Ino)
		if err != nil {
			return err
		}
		if !empty {
			return ErrNotEmpty
		}
	}

	pi, _ := fs.inodes.Offset(d.Ino)
	ppar, _ := fs.inodes.Offset(parent)
	ctx, txid, err := fs.startTx(ctx, journal.OpUnlink, pi, slot, ppar)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = fs.abort(ctx, txid, err)
		}
	}()
	if err := fs.checkpoint(d.Ino, parent); err != nil {
		return err
	}

	now := fs.now()
	inode.InvalidateDentry(fs.r, slot)

	links := in.Links - 1
	if in.IsDir() || in.Links == 0 {
		links = 0
	}
	if links == 0 {
		if err := fs.evictInode(ctx, d.Ino); err != nil {
			return err
		}
	} else if _, err := fs.log.CommitLinkChange(d.Ino, links, now); err != nil {
		return err
	}

	if in.IsDir() {
		if _, err := fs.log.CommitLinkChange(parent, pattr.Links-1, now); err != nil {
			return err
		}
	}
	if _, err := fs.log.CommitSetAttr(parent, attrlog.SetAttr{Mtime: &now, Ctime: now}); err != nil {
		return err
	}
	return fs.journal.Finish(ctx, txid)
}

// Rename moves oldName in oldParent to newName in newParent. The
// destination must not exist, and a directory cannot move below itself.
func (fs *FS) Rename(ctx context.Context, oldParent uint64, oldName string, newParent uint64, newName string) (err error) {
	ctx, span := telemetry.StartFSSpan(ctx, "rename", oldParent, telemetry.Filename(oldName), telemetry.ParentIno(newParent))
	defer span.End()
	start := time.Now()
	defer func() {
		fs.metrics.ObserveOp(metrics.ComponentFS, "rename", start, err)
		telemetry.RecordError(ctx, err)
	}()

	if err := fs.checkWritable("pmfs.rename"); err != nil {
		return err
	}
	if err := checkName(newName); err != nil {
		return err
	}

	fs.quiesce.RLock()
	defer fs.quiesce.RUnlock()
	fs.ns.Lock()
	defer fs.ns.Unlock()

	oattr, err := fs.dirAttrs(oldParent)
	if err != nil {
		return err
	}
	nattr, err := fs.dirAttrs(newParent)
	if err != nil {
		return err
	}
	oslot, d, ok, err := fs.lookup(oldParent, oldName)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if oldParent == newParent && oldName == newName {
		return nil
	}
	if _, _, exists, err := fs.lookup(newParent, newName); err != nil {
		return err
	} else if exists {
		return ErrAlreadyExists
	}

	in, err := fs.GetAttr(d.Ino)
	if err != nil {
		return err
	}
	if in.IsDir() && oldParent != newParent {
		below, err := fs.isAncestor(d.Ino, newParent)
		if err != nil {
			return err
		}
		if below {
			return pmerr.New(pmerr.CodeInvalidArgument, "pmfs.rename", "cannot move directory %d below itself", d.Ino)
		}
	}

	nslot, err := fs.freeDentry(ctx, newParent)
	if err != nil {
		return err
	}

	pi, _ := fs.inodes.Offset(d.Ino)
	pold, _ := fs.inodes.Offset(oldParent)
	pnew, _ := fs.inodes.Offset(newParent)
	ctx, txid, err := fs.startTx(ctx, journal.OpRename, pi, oslot, nslot, pold, pnew)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = fs.abort(ctx, txid, err)
		}
	}()
	if err := fs.checkpoint(d.Ino, oldParent, newParent); err != nil {
		return err
	}

	now := fs.now()
	if err := inode.WriteDentry(fs.r, nslot, d.Ino, fs.clock.Next(), newName); err != nil {
		return err
	}
	inode.InvalidateDentry(fs.r, oslot)

	if in.IsDir() && oldParent != newParent {
		if _, err := fs.log.CommitLinkChange(oldParent, oattr.Links-1, now); err != nil {
			return err
		}
		if _, err := fs.log.CommitLinkChange(newParent, nattr.Links+1, now); err != nil {
			return err
		}
	}
	for _, p := range []uint64{oldParent, newParent} {
		if _, err := fs.log.CommitSetAttr(p, attrlog.SetAttr{Mtime: &now, Ctime: now}); err != nil {
			return err
		}
		if oldParent == newParent {
			break
		}
	}
	if _, err := fs.log.CommitSetAttr(d.Ino, attrlog.SetAttr{Ctime: now}); err != nil {
		return err
	}
	return fs.journal.Finish(ctx, txid)
}

func (fs *FS) isEmpty(dir uint64) (bool, error) {
	empty := true
	err := fs.dentries(dir, func(_ pmem.Offset, d inode.Dentry) bool {
		if d.Valid {
			empty = false
			return false
		}
		return true
	})
	return empty, err
}

// isAncestor reports whether dir is target or one of its ancestors, by
// searching the subtree under dir.
func (fs *FS) isAncestor(dir, target uint64) (bool, error) {
	stack := []uint64{dir}
	seen := map[uint64]bool{}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true, nil
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true

		var children []uint64
		err := fs.dentries(cur, func(_ pmem.Offset, d inode.Dentry) bool {
			if d.Valid {
				children = append(children, d.Ino)
			}
			return true
		})
		if err != nil {
			return false, err
		}
		for _, c := range children {
			if in, err := fs.inodes.Get(c); err == nil && in.Valid && in.IsDir() {
				stack = append(stack, c)
			}
		}
	}
	return false, nil
}

// checkpoint folds the live attribute-log entries of ino into its record
// and snapshots the live entry refs of each parent into theirs, so every
// record a transaction touches names the entries it started from.
func (fs *FS) checkpoint(ino uint64, parents ...uint64) error {
	if _, _, err := fs.log.Resolve(ino); err != nil {
		return err
	}
	for _, p := range parents {
		if err := fs.log.Snapshot(p); err != nil {
			return err
		}
	}
	return nil
}

// abort rolls back a transaction that failed after Start by replaying it
// the way recovery would, then frees its slot. If the replay itself fails
// the slot stays in doubt for the next Open.
func (fs *FS) abort(ctx context.Context, txid int, cause error) error {
	tx, err := fs.journal.Read(txid)
	if err == nil {
		err = fs.replay(ctx, tx)
	}
	if err != nil {
		logger.ErrorCtx(ctx, "transaction rollback failed; left for recovery",
			logger.TxID(txid), logger.Err(err))
		return errors.Join(cause, err)
	}
	if err := fs.journal.Finish(ctx, txid); err != nil {
		return errors.Join(cause, err)
	}
	logger.WarnCtx(ctx, "transaction rolled back", logger.TxID(txid), logger.TxType(tx.Op),
		logger.ErrorCode(pmerr.CodeOf(cause)), logger.Err(cause))
	return cause
}
