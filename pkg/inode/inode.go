// Package inode provides the raw inode and dentry records the core journals
// and folds attribute changes into. Records are fixed-size little-endian
// structures addressed by region offset; the table itself sits right after
// the superblock.
package inode

import (
	"sync"

	"github.com/marmos91/pmeta/pkg/layout"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

// RootIno is the root directory. Inode 0 is never allocated.
const RootIno = 1

// Inode record field offsets
const (
	offValid        = 0
	offMode         = 2
	offLinks        = 4
	offIno          = 8
	offUID          = 16
	offGID          = 20
	offSize         = 24
	offAtime        = 32
	offCtime        = 36
	offMtime        = 40
	offGeneration   = 44
	offFlags        = 48
	offTstamp       = 56
	offTxAttr       = 64
	offTxLinkChange = 72
)

// Mode type bits.
const (
	ModeTypeMask = 0o170000
	ModeDir      = 0o040000
	ModeRegular  = 0o100000
	ModeSymlink  = 0o120000
)

// Inode is the decoded form of an inode record.
type Inode struct {
	Valid      bool
	Mode       uint16
	Links      uint16
	Ino        uint64
	UID        uint32
	GID        uint32
	Size       uint64
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Generation uint32
	Flags      uint32
	Tstamp     uint64

	// Attribute-log entries that were live when the record was last
	// checkpointed. Zero when none.
	TxAttrEntry       pmem.Offset
	TxLinkChangeEntry pmem.Offset
}

// IsDir reports whether the inode is a directory.
func (i Inode) IsDir() bool { return i.Mode&ModeTypeMask == ModeDir }

// IsSymlink reports whether the inode is a symbolic link.
func (i Inode) IsSymlink() bool { return i.Mode&ModeTypeMask == ModeSymlink }

// ICP is an in-memory inode checkpoint, committed to the record in one go.
type ICP struct {
	Ino        uint64
	Mode       uint16
	Links      uint16
	UID        uint32
	GID        uint32
	Size       uint64
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Generation uint32
	Flags      uint32
	Tstamp     uint64
}

// Table is the on-media inode table plus an in-memory free list.
type Table struct {
	r *pmem.Region
	g layout.Geometry

	mu     sync.Mutex
	cursor uint64
	used   map[uint64]bool
}

// NewTable wraps the inode table of a formatted region. Call Rebuild before
// allocating on a region that already holds inodes.
func NewTable(r *pmem.Region, g layout.Geometry) *Table {
	return &Table{
		r:      r,
		g:      g,
		cursor: RootIno,
		used:   make(map[uint64]bool),
	}
}

// Format clears every inode record.
func (t *Table) Format() {
	t.r.Zero(t.g.InodeTable, t.g.MaxInodes*layout.InodeSize)

	t.mu.Lock()
	t.used = make(map[uint64]bool)
	t.cursor = RootIno
	t.mu.Unlock()
}

// Offset returns the record offset of ino.
func (t *Table) Offset(ino uint64) (pmem.Offset, error) {
	if ino == 0 || ino >= t.g.MaxInodes {
		return 0, pmerr.New(pmerr.CodeOutOfRange, "inode.Offset", "inode %d outside table of %d", ino, t.g.MaxInodes)
	}
	return t.g.InodeOffset(ino), nil
}

// InoOf maps a record offset back to its inode number.
func (t *Table) InoOf(o pmem.Offset) (uint64, error) {
	if o < t.g.InodeTable || (o-t.g.InodeTable)%layout.InodeSize != 0 {
		return 0, pmerr.AtOffset(pmerr.CodeOutOfRange, "inode.InoOf", uint64(o), "not an inode record")
	}
	ino := uint64(o-t.g.InodeTable) / layout.InodeSize
	if ino == 0 || ino >= t.g.MaxInodes {
		return 0, pmerr.AtOffset(pmerr.CodeOutOfRange, "inode.InoOf", uint64(o), "not an inode record")
	}
	return ino, nil
}

// Get decodes the record of ino.
func (t *Table) Get(ino uint64) (Inode, error) {
	o, err := t.Offset(ino)
	if err != nil {
		return Inode{}, err
	}
	return t.load(o), nil
}

func (t *Table) load(o pmem.Offset) Inode {
	r := t.r
	return Inode{
		Valid:             r.Uint8(o+offValid) == 1,
		Mode:              r.Uint16(o + offMode),
		Links:             r.Uint16(o + offLinks),
		Ino:               r.Uint64(o + offIno),
		UID:               r.Uint32(o + offUID),
		GID:               r.Uint32(o + offGID),
		Size:              r.Uint64(o + offSize),
		Atime:             r.Uint32(o + offAtime),
		Ctime:             r.Uint32(o + offCtime),
		Mtime:             r.Uint32(o + offMtime),
		Generation:        r.Uint32(o + offGeneration),
		Flags:             r.Uint32(o + offFlags),
		Tstamp:            r.Uint64(o + offTstamp),
		TxAttrEntry:       pmem.Offset(r.Uint64(o + offTxAttr)),
		TxLinkChangeEntry: pmem.Offset(r.Uint64(o + offTxLinkChange)),
	}
}

// Put writes every field of in except the valid flag and flushes the
// record.
func (t *Table) Put(ino uint64, in Inode) error {
	o, err := t.Offset(ino)
	if err != nil {
		return err
	}

	r := t.r
	r.PutUint16(o+offMode, in.Mode)
	r.PutUint16(o+offLinks, in.Links)
	r.PutUint64(o+offIno, ino)
	r.PutUint32(o+offUID, in.UID)
	r.PutUint32(o+offGID, in.GID)
	r.PutUint64(o+offSize, in.Size)
	r.PutUint32(o+offAtime, in.Atime)
	r.PutUint32(o+offCtime, in.Ctime)
	r.PutUint32(o+offMtime, in.Mtime)
	r.PutUint32(o+offGeneration, in.Generation)
	r.PutUint32(o+offFlags, in.Flags)
	r.PutUint64(o+offTstamp, in.Tstamp)
	r.PutUint64(o+offTxAttr, uint64(in.TxAttrEntry))
	r.PutUint64(o+offTxLinkChange, uint64(in.TxLinkChangeEntry))
	r.Flush(o, layout.InodeSize, true)
	return nil
}

// Commit writes a checkpoint into the record and publishes it as valid.
// The fields are flushed before the valid flag so a torn commit leaves an
// invalid record.
func (t *Table) Commit(icp ICP) error {
	in := Inode{
		Mode:       icp.Mode,
		Links:      icp.Links,
		UID:        icp.UID,
		GID:        icp.GID,
		Size:       icp.Size,
		Atime:      icp.Atime,
		Ctime:      icp.Ctime,
		Mtime:      icp.Mtime,
		Generation: icp.Generation,
		Flags:      icp.Flags,
		Tstamp:     icp.Tstamp,
	}
	if err := t.Put(icp.Ino, in); err != nil {
		return err
	}
	return t.SetValid(icp.Ino, true)
}

// SetValid flips the valid flag of ino durably.
func (t *Table) SetValid(ino uint64, valid bool) error {
	o, err := t.Offset(ino)
	if err != nil {
		return err
	}
	var v uint8
	if valid {
		v = 1
	}
	t.r.PutUint8(o+offValid, v)
	t.r.Flush(o, 1, true)

	t.mu.Lock()
	if valid {
		t.used[ino] = true
	} else {
		delete(t.used, ino)
	}
	t.mu.Unlock()
	return nil
}

// IsValid reports whether ino holds a live record.
func (t *Table) IsValid(ino uint64) bool {
	o, err := t.Offset(ino)
	if err != nil {
		return false
	}
	return t.r.Uint8(o+offValid) == 1
}

// Allocate reserves a free inode number. The record stays invalid until
// Commit.
func (t *Table) Allocate() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for n := uint64(0); n < t.g.MaxInodes; n++ {
		ino := t.cursor
		t.cursor++
		if t.cursor >= t.g.MaxInodes {
			t.cursor = RootIno
		}
		if ino == 0 || t.used[ino] || t.r.Uint8(t.g.InodeOffset(ino)+offValid) == 1 {
			continue
		}
		t.used[ino] = true
		return ino, nil
	}
	return 0, pmerr.New(pmerr.CodeNoSpace, "inode.Allocate", "all %d inodes in use", t.g.MaxInodes-1)
}

// Release returns an allocated inode number that was never committed.
func (t *Table) Release(ino uint64) {
	t.mu.Lock()
	delete(t.used, ino)
	t.mu.Unlock()
}

// Scan calls fn for every valid record in inode order.
func (t *Table) Scan(fn func(Inode) error) error {
	for ino := uint64(RootIno); ino < t.g.MaxInodes; ino++ {
		in := t.load(t.g.InodeOffset(ino))
		if !in.Valid {
			continue
		}
		if err := fn(in); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild reloads the in-use set from the valid flags and calls fn for
// every valid record.
func (t *Table) Rebuild(fn func(Inode) error) error {
	used := make(map[uint64]bool)
	err := t.Scan(func(in Inode) error {
		used[in.Ino] = true
		if fn != nil {
			return fn(in)
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.used = used
	t.mu.Unlock()
	return nil
}

// Used returns the number of inode numbers in use.
func (t *Table) Used() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.used)
}
