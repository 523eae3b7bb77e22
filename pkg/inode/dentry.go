package inode

import (
	"github.com/marmos91/pmeta/pkg/layout"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

// MaxNameLen is the longest name a dentry record holds.
const MaxNameLen = 40

// Dentry record field offsets
const (
	dOffValid   = 0
	dOffNameLen = 1
	dOffIno     = 8
	dOffTstamp  = 16
	dOffName    = 24
)

// Dentry is the decoded form of a directory entry record.
type Dentry struct {
	Valid  bool
	Ino    uint64
	Tstamp uint64
	Name   string
}

// ReadDentry decodes the dentry at o.
func ReadDentry(r *pmem.Region, o pmem.Offset) Dentry {
	n := r.Uint8(o + dOffNameLen)
	if n > MaxNameLen {
		n = MaxNameLen
	}
	return Dentry{
		Valid:  r.Uint8(o+dOffValid) == 1,
		Ino:    r.Uint64(o + dOffIno),
		Tstamp: r.Uint64(o + dOffTstamp),
		Name:   string(r.Bytes(o+dOffName, uint64(n))),
	}
}

// WriteDentry fills the record at o and publishes it: the body is flushed
// before valid is set and flushed again.
func WriteDentry(r *pmem.Region, o pmem.Offset, ino, tstamp uint64, name string) error {
	if len(name) == 0 || len(name) > MaxNameLen {
		return pmerr.New(pmerr.CodeInvalidArgument, "inode.WriteDentry", "name length %d not in [1,%d]", len(name), MaxNameLen)
	}

	r.PutUint8(o+dOffValid, 0)
	r.PutUint8(o+dOffNameLen, uint8(len(name)))
	r.PutUint64(o+dOffIno, ino)
	r.PutUint64(o+dOffTstamp, tstamp)
	buf := r.Bytes(o+dOffName, MaxNameLen)
	clear(buf)
	copy(buf, name)
	r.Flush(o, layout.DentrySize, true)

	r.PutUint8(o+dOffValid, 1)
	r.Flush(o, 1, true)
	return nil
}

// InvalidateDentry clears the valid flag of the record at o.
func InvalidateDentry(r *pmem.Region, o pmem.Offset) {
	r.PutUint8(o+dOffValid, 0)
	r.Flush(o, 1, true)
}

// DentriesPerBlock is the number of dentry records a directory data block
// holds.
func DentriesPerBlock(g layout.Geometry) uint64 {
	return g.BlockPayload() / layout.DentrySize
}
