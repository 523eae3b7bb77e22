package pmfs

import (
	"context"

	"github.com/marmos91/pmeta/internal/logger"
	"github.com/marmos91/pmeta/pkg/inode"
	"github.com/marmos91/pmeta/pkg/journal"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

// replay settles one in-doubt transaction. Every step re-derives state from
// what is on media, so replaying a transaction twice, or one that had in
// fact completed, is harmless.
//
// The dentry is the commit point. A create whose dentry never landed is
// rolled back by evicting the new inode; a rename whose new dentry landed
// is rolled forward by dropping the old one. Link counts of every inode the
// transaction touched are then recomputed from the directory tree.
func (fs *FS) replay(ctx context.Context, tx journal.Tx) error {
	const op = "pmfs.replay"

	obj := func(role journal.Role) (pmem.Offset, error) {
		o, ok := tx.Object(role)
		if !ok {
			return 0, pmerr.New(pmerr.CodeConsistency, op, "%s transaction %d has no %s entry", tx.Op, tx.ID, role)
		}
		return o, nil
	}
	inoOf := func(role journal.Role) (uint64, error) {
		o, err := obj(role)
		if err != nil {
			return 0, err
		}
		return fs.inodes.InoOf(o)
	}

	ino, err := inoOf(journal.RolePI)
	if err != nil {
		return err
	}
	pd, err := obj(journal.RolePD)
	if err != nil {
		return err
	}
	parent, err := inoOf(journal.RolePIParent)
	if err != nil {
		return err
	}
	touched := []uint64{ino, parent}

	switch tx.Op {
	case journal.OpCreate, journal.OpMkdir, journal.OpSymlink:
		if d := inode.ReadDentry(fs.r, pd); !d.Valid || d.Ino != ino {
			logger.InfoCtx(ctx, "rolling back uncommitted create",
				logger.TxID(tx.ID), logger.TxType(tx.Op), logger.Ino(ino))
			if err := fs.evictInode(ctx, ino); err != nil {
				return err
			}
			touched = touched[1:]
		}

	case journal.OpRename:
		pdNew, err := obj(journal.RolePDNew)
		if err != nil {
			return err
		}
		newParent, err := inoOf(journal.RolePINew)
		if err != nil {
			return err
		}
		touched = append(touched, newParent)

		if d := inode.ReadDentry(fs.r, pdNew); d.Valid && d.Ino == ino {
			if old := inode.ReadDentry(fs.r, pd); old.Valid && old.Ino == ino {
				logger.InfoCtx(ctx, "rolling rename forward", logger.TxID(tx.ID), logger.Ino(ino))
				inode.InvalidateDentry(fs.r, pd)
			}
		}

	case journal.OpLink, journal.OpUnlink:
		// Nothing to redo beyond the link counts.

	default:
		return pmerr.New(pmerr.CodeConsistency, op, "transaction %d has unknown type %s", tx.ID, tx.Op)
	}

	return fs.reconcileLinks(ctx, touched...)
}

// linkCounts walks every directory and returns, per inode, the number of
// dentries naming it and, per directory, the number of subdirectories.
func (fs *FS) linkCounts() (refs, subdirs map[uint64]uint16, err error) {
	refs = make(map[uint64]uint16)
	subdirs = make(map[uint64]uint16)

	var dirs []uint64
	if err := fs.inodes.Scan(func(in inode.Inode) error {
		if in.IsDir() {
			dirs = append(dirs, in.Ino)
		}
		return nil
	}); err != nil {
		return nil, nil, err
	}

	for _, dir := range dirs {
		var children []uint64
		if err := fs.dentries(dir, func(_ pmem.Offset, d inode.Dentry) bool {
			if d.Valid {
				children = append(children, d.Ino)
			}
			return true
		}); err != nil {
			return nil, nil, err
		}
		for _, c := range children {
			refs[c]++
			if in, err := fs.inodes.Get(c); err == nil && in.Valid && in.IsDir() {
				subdirs[dir]++
			}
		}
	}
	return refs, subdirs, nil
}

// reconcileLinks sets the link count of each valid inode in inos to what
// the directory tree says. A non-root inode no dentry names is evicted.
func (fs *FS) reconcileLinks(ctx context.Context, inos ...uint64) error {
	refs, subdirs, err := fs.linkCounts()
	if err != nil {
		return err
	}

	seen := make(map[uint64]bool, len(inos))
	for _, ino := range inos {
		if seen[ino] || !fs.inodes.IsValid(ino) {
			continue
		}
		seen[ino] = true

		in, err := fs.log.Attributes(ino)
		if err != nil {
			return err
		}
		if ino != inode.RootIno && refs[ino] == 0 {
			logger.InfoCtx(ctx, "evicting unreferenced inode", logger.Ino(ino))
			if err := fs.evictInode(ctx, ino); err != nil {
				return err
			}
			continue
		}

		want := refs[ino]
		if in.IsDir() {
			want = 2 + subdirs[ino]
		}
		if in.Links == want {
			continue
		}
		logger.InfoCtx(ctx, "repairing link count", logger.Ino(ino), logger.Links(want))
		if _, err := fs.log.CommitLinkChange(ino, want, fs.now()); err != nil {
			return err
		}
	}
	return nil
}
