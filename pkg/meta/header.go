package meta

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/marmos91/pmeta/pkg/layout"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

// Header field offsets
const (
	hOffValid  = 0
	hOffCRC    = 4
	hOffIno    = 8
	hOffTstamp = 16
	hOffFBlk   = 24
	hOffSize   = 32
	hOffCmtime = 40
	hOffNext   = 48
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Header is the decoded summary header of one data block.
type Header struct {
	Valid     bool
	CRC       uint32
	Ino       uint64
	Tstamp    uint64
	FileBlock uint64
	Size      uint64
	Cmtime    uint32

	// Next is the header offset of the successor in the owner's chain, or
	// 0 at the end of the chain.
	Next pmem.Offset
}

// Checksum computes the CRC32-C of the identity fields of h: valid, ino,
// tstamp, file block and cmtime. Size and Next change in place while the
// header is live and are not covered.
func Checksum(h Header) uint32 {
	var buf [1 + 8 + 8 + 8 + 4]byte
	if h.Valid {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[1:], h.Ino)
	binary.LittleEndian.PutUint64(buf[9:], h.Tstamp)
	binary.LittleEndian.PutUint64(buf[17:], h.FileBlock)
	binary.LittleEndian.PutUint32(buf[25:], h.Cmtime)
	return crc32.Checksum(buf[:], castagnoli)
}

func readHeader(r *pmem.Region, o pmem.Offset) Header {
	return Header{
		Valid:     r.Uint8(o+hOffValid) == 1,
		CRC:       r.Uint32(o + hOffCRC),
		Ino:       r.Uint64(o + hOffIno),
		Tstamp:    r.Uint64(o + hOffTstamp),
		FileBlock: r.Uint64(o + hOffFBlk),
		Size:      r.Uint64(o + hOffSize),
		Cmtime:    r.Uint32(o + hOffCmtime),
		Next:      r.LoadLink(o + hOffNext),
	}
}

// ============================================================================
// Address translation
// ============================================================================

// Addressing maps between data blocks and their headers for one geometry.
// The functions are pure: AddrByHeader and HeaderByBlock are inverses.
type Addressing struct {
	g layout.Geometry
}

// NewAddressing returns the translation functions for g.
func NewAddressing(g layout.Geometry) Addressing {
	return Addressing{g: g}
}

// AddrByHeader returns the offset of the data block described by the
// header at hdr.
func (a Addressing) AddrByHeader(hdr pmem.Offset) pmem.Offset {
	if a.g.Tight {
		return hdr + layout.HeaderSize - pmem.Offset(a.g.BlockSize)
	}
	blk := uint64(hdr-a.g.Headers) / layout.HeaderSize
	return a.g.BlockOffset(blk)
}

// HeaderByBlock returns the header offset of data block blk.
func (a Addressing) HeaderByBlock(blk uint64) pmem.Offset {
	if a.g.Tight {
		return a.g.Data + pmem.Offset((blk+1)*a.g.BlockSize) - layout.HeaderSize
	}
	return a.g.Headers + pmem.Offset(blk*layout.HeaderSize)
}

// HeaderByAddr returns the header of the data block containing addr.
// Offsets outside the data area are rejected.
func (a Addressing) HeaderByAddr(addr pmem.Offset) (pmem.Offset, error) {
	if addr < a.g.Data || addr >= a.g.DataEnd() {
		return 0, pmerr.AtOffset(pmerr.CodeOutOfRange, "meta.HeaderByAddr", uint64(addr), "outside data area [%#x, %#x)", a.g.Data, a.g.DataEnd())
	}
	return a.HeaderByBlock(a.g.BlockOf(addr)), nil
}

// BlockOfHeader returns the data block number described by hdr.
func (a Addressing) BlockOfHeader(hdr pmem.Offset) uint64 {
	return a.g.BlockOf(a.AddrByHeader(hdr))
}
